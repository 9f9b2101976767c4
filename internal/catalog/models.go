package catalog

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a sync run. Sync runs move from
// running to completed or failed; scan runs use the scan_* variants.
type RunStatus string

// Sync run statuses.
const (
	RunRunning       RunStatus = "running"
	RunCompleted     RunStatus = "completed"
	RunFailed        RunStatus = "failed"
	RunScanRunning   RunStatus = "scan_running"
	RunScanCompleted RunStatus = "scan_completed"
	RunScanFailed    RunStatus = "scan_failed"
)

// Terminal reports whether the status is an end state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunScanCompleted, RunScanFailed:
		return true
	case RunRunning, RunScanRunning:
		return false
	}

	return false
}

// FileStatus records what happened to one file within a run.
type FileStatus string

// File record statuses. The scan variants are written by scan runs only.
const (
	FileNew       FileStatus = "new"
	FileModified  FileStatus = "modified"
	FileUnchanged FileStatus = "unchanged"
	FileDeleted   FileStatus = "deleted"
	FileError     FileStatus = "error"
	FileScanned   FileStatus = "scanned"
	FileScanError FileStatus = "scan_error"
)

// SyncMode is the scheduling strategy for a multi-source run.
type SyncMode string

// Multi-source sync modes.
const (
	ModeParallel    SyncMode = "parallel"
	ModeSequential  SyncMode = "sequential"
	ModeSelective   SyncMode = "selective"
	ModeIncremental SyncMode = "incremental"
)

// PlaceholderSourceType marks knowledge_base rows auto-created to bridge a
// multi-source knowledge base onto the single-source schema.
const PlaceholderSourceType = "multi_source_placeholder"

// KnowledgeBase is one single-source knowledge base row. SourceConfig and
// RagConfig are opaque JSON blobs decoded by the adapters.
type KnowledgeBase struct {
	ID           int64
	Name         string
	SourceType   string
	SourceConfig json.RawMessage
	RagType      string
	RagConfig    json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MultiSourceKB is a knowledge base that aggregates several sources into one
// RAG backend. Sources are stored separately in source_definition rows.
type MultiSourceKB struct {
	ID           int64
	Name         string
	Description  string
	RagType      string
	RagConfig    json.RawMessage
	FileOrg      json.RawMessage
	SyncStrategy json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Sources      []SourceDefinition
}

// SourceDefinition is one source registered under a multi-source knowledge
// base. MetadataTags are stamped onto every file record the source produces.
type SourceDefinition struct {
	ID           int64
	KBID         int64
	SourceID     string
	SourceType   string
	SourceConfig json.RawMessage
	Enabled      bool
	MetadataTags map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SyncRun is one execution of the engine against a knowledge base.
type SyncRun struct {
	ID              int64
	KnowledgeBaseID int64
	StartTime       time.Time
	EndTime         *time.Time
	Status          RunStatus
	Counters        RunCounters
	ErrorMessage    string
}

// RunCounters summarizes per-status file totals for a run.
type RunCounters struct {
	Total    int
	New      int
	Modified int
	Deleted  int
	Errors   int
}

// MultiSourceRun is the multi-source view of a sync run: which sources ran,
// in what mode, and the per-source stats blob.
type MultiSourceRun struct {
	ID               int64
	SyncRunID        int64
	MultiSourceKBID  int64
	StartTime        time.Time
	EndTime          *time.Time
	Status           RunStatus
	Counters         RunCounters
	ErrorMessage     string
	Mode             SyncMode
	SourcesProcessed []string
	SourceStats      json.RawMessage
}

// FileRecord is the outcome of processing one file in one run. Records are
// append-only; the newest record per original URI is the file's current state.
type FileRecord struct {
	ID               int64
	SyncRunID        int64
	OriginalURI      string
	RagURI           string
	FileHash         string
	UUIDFilename     string
	UploadTime       time.Time
	FileSize         int64
	Status           FileStatus
	ErrorMessage     string
	SourceID         string
	SourceType       string
	SourcePath       string
	ContentType      string
	SourceMetadata   map[string]string
	SourceCreatedAt  *time.Time
	SourceModifiedAt *time.Time
	CreatedAt        time.Time
}

// DeltaToken is a saved incremental-listing cursor for one drive of one
// source.
type DeltaToken struct {
	SourceID     string
	SourceType   string
	DriveID      string
	Token        string
	LastSyncTime time.Time
}
