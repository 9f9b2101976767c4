// Package rag defines the storage boundary for synced documents and
// implements the built-in backends: an in-memory mock for tests, a local
// file tree, and Azure Blob Storage.
//
// Backends store opaque document bytes under a caller-chosen filename and
// hand back a rag URI, the stable handle the catalog records for every
// later Update and Delete. URIs take the shape "<kb>/<filename>" except
// for the mock, which uses "/mock/<filename>".
package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Sentinel errors returned by backends. The sync engine branches on these
// to decide between record-and-continue and abort.
var (
	// ErrNotFound means no document exists under the given rag URI.
	// Delete callers treat this as success; the artifact is already gone.
	ErrNotFound = errors.New("rag: document not found")

	// ErrConflict means Update addressed a rag URI with no stored
	// artifact behind it, so there is nothing to update in place.
	ErrConflict = errors.New("rag: document missing for update")

	// ErrUnavailable means the backend itself cannot be used: bad
	// configuration, failed authentication, storage path not writable.
	ErrUnavailable = errors.New("rag: storage unavailable")
)

// Document describes one stored artifact as the backend sees it.
type Document struct {
	// ID is the backend-native identifier: the blob name for Azure, the
	// rag URI for the file tree and the mock.
	ID   string
	Name string
	// URI is the rag URI the catalog records for this artifact.
	URI  string
	Size int64
	// Hash is the content hash recorded at upload time, when the backend
	// kept it. Empty when the backend stores no hash.
	Hash      string
	CreatedAt time.Time
	UpdatedAt time.Time
	Metadata  map[string]string
}

// Adapter stores and retrieves synced documents in one backend.
type Adapter interface {
	// Upload stores content under filename and returns the rag URI the
	// catalog should record. Uploading the same filename again overwrites
	// the previous artifact and returns the same URI.
	Upload(ctx context.Context, content []byte, filename string, meta map[string]string) (string, error)

	// Update replaces the content and metadata behind an existing rag
	// URI. Returns ErrConflict if no artifact exists under ragURI.
	Update(ctx context.Context, ragURI string, content []byte, meta map[string]string) error

	// Delete removes the artifact behind ragURI. Returns ErrNotFound if
	// it is already gone.
	Delete(ctx context.Context, ragURI string) error

	// List returns every stored document whose rag URI starts with
	// prefix. An empty prefix lists everything.
	List(ctx context.Context, prefix string) ([]Document, error)

	// Get returns the document behind ragURI, or ErrNotFound.
	Get(ctx context.Context, ragURI string) (*Document, error)
}

// RAG type names accepted by New.
const (
	TypeMock      = "mock"
	TypeFileStore = "file_system_storage"
	TypeAzureBlob = "azure_blob"
)

// Types returns the RAG type names New accepts, in display order.
func Types() []string {
	return []string{TypeMock, TypeFileStore, TypeAzureBlob}
}

// New constructs the backend registered for ragType from its JSON config
// blob. kbName scopes rag URIs so multiple knowledge bases can share one
// backend without colliding.
func New(ragType, kbName string, rawConfig json.RawMessage, logger *slog.Logger) (Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With(slog.String("rag_type", ragType), slog.String("kb", kbName))

	switch ragType {
	case TypeMock:
		return NewMock(logger), nil
	case TypeFileStore:
		return newFileStore(kbName, rawConfig, logger)
	case TypeAzureBlob:
		return newAzureBlob(kbName, rawConfig, logger)
	default:
		return nil, fmt.Errorf("rag: unknown rag type %q", ragType)
	}
}

// decodeConfig unmarshals a RAG config blob into the backend's typed
// config struct. A nil or empty blob decodes to the zero value so
// backends apply their own defaults.
func decodeConfig(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("rag: decoding config: %w", err)
	}

	return nil
}
