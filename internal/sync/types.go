// Package sync implements the synchronization engine. One run lists a
// source, classifies every file against the catalog's latest records,
// delivers changed content to RAG storage through a bounded worker pool,
// and records each outcome as an append-only file record. The multi-source
// driver layers several sources onto one shared run and one shared RAG
// backend.
//
// The engine never mutates catalog history: corrections are expressed as
// new records, and the newest record per original URI is a file's current
// state.
package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tonimelisma/docsync/internal/catalog"
	"github.com/tonimelisma/docsync/internal/source"
)

// Catalog is the persistence surface the engine needs. *catalog.Repository
// satisfies it; tests substitute an in-memory fake.
type Catalog interface {
	CreateSyncRun(ctx context.Context, kbID int64, status catalog.RunStatus) (*catalog.SyncRun, error)
	FinishSyncRun(ctx context.Context, runID int64, c catalog.RunCounters,
		status catalog.RunStatus, errMsg string, tokens []catalog.DeltaToken) error
	FailAbandonedRuns(ctx context.Context, kbID int64) (int64, error)

	InsertFileRecord(ctx context.Context, rec *catalog.FileRecord) error
	LatestRecordsByKB(ctx context.Context, kbName string) (map[string]*catalog.FileRecord, error)

	GetDeltaToken(ctx context.Context, sourceID, driveID string) (string, error)
	ClearDeltaToken(ctx context.Context, sourceID, driveID string) error

	GetKnowledgeBase(ctx context.Context, name string) (*catalog.KnowledgeBase, error)
	CreateKnowledgeBase(ctx context.Context, kb *catalog.KnowledgeBase) error
	FindCompatibleKB(ctx context.Context, multiKBName string) (*catalog.KnowledgeBase, error)

	GetMultiSourceKB(ctx context.Context, name string) (*catalog.MultiSourceKB, error)
	CreateMultiSourceRun(ctx context.Context, run *catalog.MultiSourceRun) error
	FinishMultiSourceRun(ctx context.Context, runID int64, c catalog.RunCounters,
		status catalog.RunStatus, errMsg string, stats json.RawMessage) error
}

// ChangeType classifies what happened to one file since the last run.
type ChangeType string

// Change classifications produced by the detector.
const (
	ChangeNew       ChangeType = "new"
	ChangeModified  ChangeType = "modified"
	ChangeUnchanged ChangeType = "unchanged"
	ChangeDeleted   ChangeType = "deleted"
)

// Classification pairs one listed (or vanished) file with the catalog
// record it was judged against.
type Classification struct {
	Type ChangeType

	// File is the listing entry. For deletions only the URI is set.
	File source.FileInfo

	// Existing is the latest catalog record for the URI, nil for files
	// never seen before. A ChangeNew with a non-nil Existing is a
	// restoration: the file returned after a recorded deletion and its
	// stored identity must be reused.
	Existing *catalog.FileRecord

	// SizeChanged marks a modification already proven by the size
	// pre-filter. When false on a ChangeModified, the sizes matched and
	// the processor must hash the content; equal hashes downgrade the
	// change to unchanged.
	SizeChanged bool
}

// Defaults for Options fields left zero.
const (
	DefaultWorkers     = 8
	DefaultQueueSize   = 256
	DefaultFileTimeout = 60 * time.Second
	DefaultCancelGrace = 5 * time.Second
)

// Options tunes the processing stage of a run.
type Options struct {
	// Workers is the number of concurrent file processors.
	Workers int

	// QueueSize caps the classification channel so huge listings do not
	// buffer unbounded work ahead of the pool.
	QueueSize int

	// FileTimeout bounds one file's fetch + hash + store + record cycle.
	FileTimeout time.Duration

	// CancelGrace is how long in-flight files may keep running after the
	// run context is cancelled, so their catalog insert can land.
	CancelGrace time.Duration
}

// withDefaults fills zero fields with package defaults.
func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}

	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}

	if o.FileTimeout <= 0 {
		o.FileTimeout = DefaultFileTimeout
	}

	if o.CancelGrace <= 0 {
		o.CancelGrace = DefaultCancelGrace
	}

	return o
}

// Report summarizes one finished run for display.
type Report struct {
	RunID    int64
	KBName   string
	Status   catalog.RunStatus
	Counters catalog.RunCounters

	// Listed is the number of files visible in the listing. For
	// incremental listings it is the number of delivered changes.
	Listed int

	// Unchanged counts files the detector or hash verification proved
	// untouched. They appear in no counter bucket.
	Unchanged int

	Duration time.Duration
}

// SourceStats is one source's share of a multi-source run, stored as JSON
// on the multi_source_sync_run row.
type SourceStats struct {
	FilesProcessed int        `json:"files_processed"`
	FilesNew       int        `json:"files_new"`
	FilesModified  int        `json:"files_modified"`
	FilesDeleted   int        `json:"files_deleted"`
	FilesError     int        `json:"files_error"`
	Status         string     `json:"status"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	EndTime        *time.Time `json:"end_time,omitempty"`
}

// MultiReport summarizes one multi-source run.
type MultiReport struct {
	RunID      int64
	MultiRunID int64
	KBName     string
	Status     catalog.RunStatus
	Counters   catalog.RunCounters
	PerSource  map[string]SourceStats
	Duration   time.Duration
}
