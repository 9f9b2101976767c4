package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		name  string
		bytes int64
		want  string
	}{
		{"zero", 0, "0 B"},
		{"bytes", 512, "512 B"},
		{"kilobytes", 1536, "1.5 KB"},
		{"megabytes", 5242880, "5.0 MB"},
		{"gigabytes", 1610612736, "1.5 GB"},
		{"terabytes", 1099511627776, "1.0 TB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatSize(tt.bytes))
		})
	}
}

func TestFormatTime(t *testing.T) {
	now := time.Now()
	sameYear := time.Date(now.Year(), time.March, 15, 10, 30, 0, 0, time.UTC)
	diffYear := time.Date(2020, time.December, 25, 8, 0, 0, 0, time.UTC)

	t.Run("same year", func(t *testing.T) {
		result := formatTime(sameYear)
		assert.Contains(t, result, "Mar")
		assert.Contains(t, result, "15")
		assert.Contains(t, result, "10:30")
	})

	t.Run("different year", func(t *testing.T) {
		result := formatTime(diffYear)
		assert.Contains(t, result, "Dec")
		assert.Contains(t, result, "25")
		assert.Contains(t, result, "2020")
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name string
		d    time.Duration
		want string
	}{
		{"milliseconds", 250 * time.Millisecond, "250ms"},
		{"sub-millisecond", 1500 * time.Microsecond, "2ms"},
		{"seconds", 4200 * time.Millisecond, "4s"},
		{"minutes", 90 * time.Second, "1m30s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatDuration(tt.d))
		})
	}
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer

	headers := []string{"RUN", "STATUS", "TOTAL"}
	rows := [][]string{
		{"1", "completed", "12"},
		{"2", "failed", "0"},
	}

	printTable(&buf, headers, rows)
	output := buf.String()

	assert.Contains(t, output, "RUN")
	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "completed")
	assert.Contains(t, output, "failed")
}

func TestPrintTableAlignsColumns(t *testing.T) {
	var buf bytes.Buffer

	printTable(&buf, []string{"A", "B"}, [][]string{{"long-cell", "x"}})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	assert.Len(t, lines, 2)

	// Header and row share the same column offset for B.
	assert.Equal(t, bytes.Index(lines[0], []byte("B")), bytes.Index(lines[1], []byte("x")))
}
