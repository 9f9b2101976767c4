package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/docsync/internal/catalog"
	"github.com/tonimelisma/docsync/internal/rag"
	"github.com/tonimelisma/docsync/internal/source"
)

// retryBackoff is the delay sequence for transient failures: one initial
// attempt plus one retry per entry.
var retryBackoff = []time.Duration{
	200 * time.Millisecond,
	800 * time.Millisecond,
	3200 * time.Millisecond,
}

// insertTimeout bounds the detached catalog write for a single outcome row.
const insertTimeout = 10 * time.Second

// Outcome is what processing one classification actually did. Status is
// the row written to the catalog; Change is the effective classification
// after hash verification, which scan-mode statuses no longer encode.
type Outcome struct {
	Status catalog.FileStatus
	Change ChangeType
}

// failed reports whether the outcome is an error row.
func (o Outcome) failed() bool {
	return o.Status == catalog.FileError || o.Status == catalog.FileScanError
}

// ProcessorConfig wires one processor to its run.
type ProcessorConfig struct {
	Source  source.Adapter
	RAG     rag.Adapter
	Catalog Catalog
	Logger  *slog.Logger

	// KBName prefixes error sentinels and is stamped into RAG metadata.
	// For multi-source runs this is the multi-source KB's name.
	KBName string

	// RunID is the sync run every record attaches to.
	RunID int64

	// Scan suppresses all RAG calls and records scanned / scan_error
	// statuses instead of the real ones.
	Scan bool

	// SourceID and SourceType tag records produced by multi-source runs.
	// Empty for single-source knowledge bases.
	SourceID   string
	SourceType string

	// MetadataTags are merged into each record's source metadata and each
	// RAG document's metadata.
	MetadataTags map[string]string

	// NameFunc generates the stored filename for a file with no prior
	// identity. Defaults to uuidFilename.
	NameFunc func(uri string) string
}

// Processor executes one classified change end to end: fetch, hash,
// deliver to RAG storage, and record the outcome. Every path through
// Process ends in exactly one catalog insert.
type Processor struct {
	cfg    ProcessorConfig
	logger *slog.Logger

	backoff   []time.Duration
	nowFunc   func() time.Time
	sleepFunc func(context.Context, time.Duration) error
}

// NewProcessor returns a processor for one run.
func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.NameFunc == nil {
		cfg.NameFunc = uuidFilename
	}

	return &Processor{
		cfg:       cfg,
		logger:    cfg.Logger,
		backoff:   retryBackoff,
		nowFunc:   time.Now,
		sleepFunc: sleepContext,
	}
}

// Process handles one classification. The returned error is non-nil only
// when the catalog insert itself failed; that is fatal to the whole run,
// because an outcome that cannot be recorded would silently corrupt the
// audit trail. Everything else — fetch failures, RAG failures, timeouts —
// becomes an error row and a normal return.
func (p *Processor) Process(ctx context.Context, c Classification) (Outcome, error) {
	switch c.Type {
	case ChangeDeleted:
		return p.processDelete(ctx, c)
	case ChangeNew, ChangeModified:
		return p.processUpsert(ctx, c)
	case ChangeUnchanged:
		// Normally elided upstream; recording one is still well-defined.
		return p.recordUnchanged(ctx, c, c.Existing.FileHash)
	default:
		return Outcome{}, fmt.Errorf("sync: unknown change type %q for %s", c.Type, c.File.URI)
	}
}

// processUpsert fetches and hashes the file, delivers it to RAG storage
// (unless scanning), and records the outcome.
func (p *Processor) processUpsert(ctx context.Context, c Classification) (Outcome, error) {
	content, err := p.fetch(ctx, c.File.URI)
	if err != nil {
		return p.recordError(ctx, c, fmt.Errorf("fetching: %w", err))
	}

	hash := hashContent(content)

	// Tentative modification: sizes matched, timestamps disagreed. Equal
	// hashes prove the content never changed.
	if c.Type == ChangeModified && !c.SizeChanged && c.Existing != nil && hash == c.Existing.FileHash {
		return p.recordUnchanged(ctx, c, hash)
	}

	filename := p.storedFilename(c)

	if p.cfg.Scan {
		return p.recordScanned(ctx, c, hash, int64(len(content)))
	}

	ragURI, err := p.deliver(ctx, c, content, filename, hash)
	if err != nil {
		return p.recordError(ctx, c, err)
	}

	status := catalog.FileNew
	if c.Type == ChangeModified {
		status = catalog.FileModified
	}

	rec := p.baseRecord(c, c.Type)
	rec.RagURI = ragURI
	rec.FileHash = hash
	rec.UUIDFilename = filename
	rec.FileSize = int64(len(content))
	rec.Status = status

	return p.insert(ctx, rec, c.Type)
}

// deliver writes content to RAG storage and returns the document's URI.
// Modified files update their existing document in place; files whose
// stored location is missing or an error sentinel are uploaded fresh so
// a past failure cannot wedge the file forever.
func (p *Processor) deliver(
	ctx context.Context, c Classification, content []byte, filename, hash string,
) (string, error) {
	meta := p.ragMetadata(c, hash)

	if c.Type == ChangeModified && c.Existing != nil &&
		c.Existing.RagURI != "" && !isErrorRagURI(c.Existing.RagURI) {
		err := p.withRetry(ctx, "update", c.File.URI, func(ctx context.Context) error {
			return p.cfg.RAG.Update(ctx, c.Existing.RagURI, content, meta)
		})
		if err != nil {
			return "", fmt.Errorf("updating %s: %w", c.Existing.RagURI, err)
		}

		return c.Existing.RagURI, nil
	}

	var ragURI string

	err := p.withRetry(ctx, "upload", c.File.URI, func(ctx context.Context) error {
		var err error
		ragURI, err = p.cfg.RAG.Upload(ctx, content, filename, meta)

		return err
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", filename, err)
	}

	return ragURI, nil
}

// processDelete removes the document from RAG storage and records the
// deletion. A failed removal is logged but still recorded: the source is
// authoritative about what exists, and the catalog must say so.
func (p *Processor) processDelete(ctx context.Context, c Classification) (Outcome, error) {
	ex := c.Existing

	if !p.cfg.Scan && ex.RagURI != "" && !isErrorRagURI(ex.RagURI) {
		err := p.withRetry(ctx, "delete", c.File.URI, func(ctx context.Context) error {
			return p.cfg.RAG.Delete(ctx, ex.RagURI)
		})
		if err != nil && !errors.Is(err, rag.ErrNotFound) {
			p.logger.Warn("RAG delete failed, recording deletion anyway",
				slog.String("uri", c.File.URI),
				slog.String("rag_uri", ex.RagURI),
				slog.Any("error", err),
			)
		}
	}

	rec := p.baseRecord(c, ChangeDeleted)
	rec.RagURI = ex.RagURI
	rec.UUIDFilename = ex.UUIDFilename
	rec.FileSize = ex.FileSize
	rec.Status = catalog.FileDeleted

	if p.cfg.Scan {
		rec.Status = catalog.FileScanned
	}

	return p.insert(ctx, rec, ChangeDeleted)
}

// recordUnchanged writes an unchanged row after hash verification
// disproved a tentative modification. The row refreshes the stored
// modification time so the next run's mtime pre-filter can skip the file
// without fetching it.
func (p *Processor) recordUnchanged(ctx context.Context, c Classification, hash string) (Outcome, error) {
	ex := c.Existing

	rec := p.baseRecord(c, ChangeUnchanged)
	rec.RagURI = ex.RagURI
	rec.FileHash = hash
	rec.UUIDFilename = ex.UUIDFilename
	rec.FileSize = ex.FileSize
	rec.Status = catalog.FileUnchanged

	if p.cfg.Scan {
		rec.Status = catalog.FileScanned
	}

	return p.insert(ctx, rec, ChangeUnchanged)
}

// recordScanned writes the scan-mode row for a new or modified file. The
// computed hash is kept so the scan shows what a real sync would ingest;
// stored identity is carried forward when the file already has one.
func (p *Processor) recordScanned(ctx context.Context, c Classification, hash string, size int64) (Outcome, error) {
	rec := p.baseRecord(c, c.Type)
	rec.FileHash = hash
	rec.FileSize = size
	rec.Status = catalog.FileScanned

	if ex := c.Existing; ex != nil && ex.RagURI != "" {
		rec.RagURI = ex.RagURI
		rec.UUIDFilename = ex.UUIDFilename
	} else {
		rec.RagURI = errorRagURI(p.cfg.KBName, p.nowFunc().UTC())
	}

	return p.insert(ctx, rec, c.Type)
}

// recordError writes the error row for a file that could not be
// processed. The rag_uri sentinel keeps the column non-empty without
// pointing at a real document; hash and stored filename stay empty
// because nothing was delivered.
func (p *Processor) recordError(ctx context.Context, c Classification, cause error) (Outcome, error) {
	p.logger.Error("file processing failed",
		slog.String("uri", c.File.URI),
		slog.String("change", string(c.Type)),
		slog.Any("error", cause),
	)

	rec := p.baseRecord(c, c.Type)
	rec.RagURI = errorRagURI(p.cfg.KBName, p.nowFunc().UTC())
	rec.Status = catalog.FileError
	rec.ErrorMessage = cause.Error()

	if p.cfg.Scan {
		rec.Status = catalog.FileScanError
	}

	return p.insert(ctx, rec, c.Type)
}

// baseRecord fills the fields common to every outcome row.
func (p *Processor) baseRecord(c Classification, effective ChangeType) *catalog.FileRecord {
	rec := &catalog.FileRecord{
		SyncRunID:        p.cfg.RunID,
		OriginalURI:      c.File.URI,
		UploadTime:       p.nowFunc().UTC(),
		ContentType:      c.File.ContentType,
		SourceCreatedAt:  c.File.Created,
		SourceModifiedAt: c.File.Modified,
		SourceMetadata:   p.recordMetadata(c, effective),
	}

	if p.cfg.SourceID != "" {
		rec.SourceID = p.cfg.SourceID
		rec.SourceType = p.cfg.SourceType
		rec.SourcePath = c.File.URI
	}

	return rec
}

// recordMetadata merges listing metadata with the source's configured
// tags. Scan rows additionally note the detected change, which their
// status no longer encodes.
func (p *Processor) recordMetadata(c Classification, effective ChangeType) map[string]string {
	if len(c.File.SourceMeta) == 0 && len(p.cfg.MetadataTags) == 0 && !p.cfg.Scan {
		return nil
	}

	meta := make(map[string]string, len(c.File.SourceMeta)+len(p.cfg.MetadataTags)+1)

	for k, v := range c.File.SourceMeta {
		meta[k] = v
	}

	for k, v := range p.cfg.MetadataTags {
		meta[k] = v
	}

	if p.cfg.Scan {
		meta["detected_change"] = string(effective)
	}

	return meta
}

// ragMetadata builds the metadata stored alongside the document in RAG
// storage.
func (p *Processor) ragMetadata(c Classification, hash string) map[string]string {
	meta := map[string]string{
		"original_uri": c.File.URI,
		"kb_name":      p.cfg.KBName,
		"file_hash":    hash,
	}

	if c.File.Modified != nil {
		meta["source_modified_at"] = c.File.Modified.UTC().Format(time.RFC3339)
	}

	if p.cfg.SourceID != "" {
		meta["source_id"] = p.cfg.SourceID
		meta["source_type"] = p.cfg.SourceType
	}

	for k, v := range p.cfg.MetadataTags {
		meta[k] = v
	}

	return meta
}

// storedFilename returns the file's stored identity: the catalogued one
// when any prior record carries it, otherwise a fresh generated name.
// Reuse across modify, delete, and restore is what keeps RAG locations
// stable for a logical file.
func (p *Processor) storedFilename(c Classification) string {
	if c.Existing != nil && c.Existing.UUIDFilename != "" {
		return c.Existing.UUIDFilename
	}

	return p.cfg.NameFunc(c.File.URI)
}

// insert writes the record. The write is detached from the per-file
// context: a file whose deadline expired still gets its error row, and
// only a genuine catalog failure aborts the run.
func (p *Processor) insert(ctx context.Context, rec *catalog.FileRecord, effective ChangeType) (Outcome, error) {
	out := Outcome{Status: rec.Status, Change: effective}

	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), insertTimeout)
	defer cancel()

	if err := p.cfg.Catalog.InsertFileRecord(ictx, rec); err != nil {
		return out, fmt.Errorf("sync: recording %s outcome for %s: %w", rec.Status, rec.OriginalURI, err)
	}

	p.logger.Debug("file recorded",
		slog.String("uri", rec.OriginalURI),
		slog.String("status", string(rec.Status)),
		slog.String("change", string(effective)),
		slog.String("rag_uri", rec.RagURI),
	)

	return out, nil
}

// fetch reads the file's full content into memory. Documents are hashed
// whole, so streaming buys nothing here.
func (p *Processor) fetch(ctx context.Context, uri string) ([]byte, error) {
	var buf bytes.Buffer

	err := p.withRetry(ctx, "fetch", uri, func(ctx context.Context) error {
		buf.Reset()

		return p.cfg.Source.Fetch(ctx, uri, &buf)
	})
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// withRetry runs fn, retrying transient failures with exponential backoff.
// Definitive failures (not found, conflict, cancellation) return
// immediately.
func (p *Processor) withRetry(ctx context.Context, op, uri string, fn func(context.Context) error) error {
	var err error

	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || attempt >= len(p.backoff) || !transient(err) {
			return err
		}

		delay := p.backoff[attempt]

		p.logger.Debug("retrying after transient failure",
			slog.String("op", op),
			slog.String("uri", uri),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)

		if serr := p.sleepFunc(ctx, delay); serr != nil {
			return err
		}
	}
}

// transient reports whether an error is worth retrying. Lookup misses and
// conflicts are facts, not weather; context errors mean the caller has
// moved on.
func transient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, source.ErrNotFound), errors.Is(err, rag.ErrNotFound), errors.Is(err, rag.ErrConflict):
		return false
	}

	return true
}

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
