// Package source defines the adapter boundary for document origins and
// implements the built-in adapters: local file trees, SharePoint sites
// (via Microsoft Graph), and OneDrive accounts.
//
// Adapters normalize heterogeneous origins into a flat file listing with
// stable URIs. Local files use absolute paths; SharePoint and OneDrive
// items use their web URL. The sync engine never sees protocol details.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Sentinel errors returned by adapters. The sync engine branches on these
// to decide between skip, retry, and abort.
var (
	// ErrNotFound means the requested file does not exist in the source,
	// typically because it was deleted between listing and fetch.
	ErrNotFound = errors.New("source: file not found")

	// ErrSourceUnavailable means the source itself cannot be reached:
	// authentication failure, bad configuration, transport down.
	ErrSourceUnavailable = errors.New("source: unavailable")

	// ErrDeltaExpired means a stored delta token is no longer valid and
	// the caller must clear it and re-enumerate from scratch.
	ErrDeltaExpired = errors.New("source: delta token expired")
)

// FileInfo describes one file visible in a source listing.
type FileInfo struct {
	// URI is the file's stable identity across syncs: an absolute path for
	// local files, the item web URL for SharePoint and OneDrive.
	URI         string
	Size        int64
	ContentType string
	Created     *time.Time
	Modified    *time.Time
	// SourceMeta carries adapter-specific extras (drive IDs, item IDs,
	// etags) that the engine persists verbatim with each file record.
	SourceMeta map[string]string
}

// Change is one entry in a delta listing. A tombstone marks a deletion;
// deleted Graph items arrive without a parent path, so tombstone URIs may
// be unresolvable and consumers match on SourceMeta["item_id"] instead.
type Change struct {
	FileInfo
	Tombstone bool
}

// DriveInfo identifies one drive within a source that enumerates changes
// per drive.
type DriveInfo struct {
	ID   string
	Name string
}

// Adapter enumerates and fetches files from one configured source.
type Adapter interface {
	// List returns every file currently visible in the source, after the
	// source's include/exclude filters are applied.
	List(ctx context.Context) ([]FileInfo, error)

	// Fetch streams the content of the file identified by uri to w.
	// Returns ErrNotFound if the file has disappeared since listing.
	Fetch(ctx context.Context, uri string, w io.Writer) error
}

// DeltaLister is implemented by adapters that can enumerate changes
// incrementally. Tokens are opaque strings scoped to one drive; an empty
// token means "enumerate from the beginning". DeltaList returns
// ErrDeltaExpired (possibly wrapped) when the server has invalidated the
// token, in which case the caller clears it and re-baselines.
type DeltaLister interface {
	Adapter

	Drives(ctx context.Context) ([]DriveInfo, error)
	DeltaList(ctx context.Context, driveID, token string) (changes []Change, newToken string, err error)
}

// Source type names accepted by New.
const (
	TypeFileSystem           = "file_system"
	TypeSharePoint           = "sharepoint"
	TypeEnterpriseSharePoint = "enterprise_sharepoint"
	TypeOneDrive             = "onedrive"
)

// Types returns the source type names New accepts, in display order.
func Types() []string {
	return []string{TypeFileSystem, TypeSharePoint, TypeEnterpriseSharePoint, TypeOneDrive}
}

// New constructs the adapter registered for sourceType from its JSON
// config blob. The two SharePoint names share one implementation; both
// are accepted so stored configs from either era keep working.
func New(ctx context.Context, sourceType string, rawConfig json.RawMessage, logger *slog.Logger) (Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With(slog.String("source_type", sourceType))

	switch sourceType {
	case TypeFileSystem:
		return newFilesystem(rawConfig, logger)
	case TypeSharePoint, TypeEnterpriseSharePoint:
		return newSharePoint(ctx, rawConfig, logger)
	case TypeOneDrive:
		return newOneDrive(ctx, rawConfig, logger)
	default:
		return nil, fmt.Errorf("source: unknown source type %q", sourceType)
	}
}

// decodeConfig unmarshals a source config blob into the adapter's typed
// config struct. A nil or empty blob decodes to the zero value so
// adapters apply their own defaults.
func decodeConfig(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("source: decoding config: %w", err)
	}

	return nil
}
