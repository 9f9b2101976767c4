package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/docsync/internal/catalog"
	"github.com/tonimelisma/docsync/internal/sync"
)

func TestFailOnFileErrorsNilReport(t *testing.T) {
	assert.NoError(t, failOnFileErrors(nil))
}

func TestFailOnFileErrorsCleanRun(t *testing.T) {
	report := &sync.Report{Counters: catalog.RunCounters{Total: 5, New: 5}}

	assert.NoError(t, failOnFileErrors(report))
}

func TestFailOnFileErrorsPartialFailure(t *testing.T) {
	report := &sync.Report{Counters: catalog.RunCounters{Total: 5, New: 3, Errors: 2}}

	err := failOnFileErrors(report)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 5 files failed")
}
