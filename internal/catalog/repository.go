package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors for callers that branch on lookup results.
var (
	ErrNotFound  = errors.New("catalog: not found")
	ErrDuplicate = errors.New("catalog: already exists")
)

// pgUniqueViolation is the PostgreSQL error code for unique constraint hits.
const pgUniqueViolation = "23505"

// SQL statements for knowledge base and sync run operations.
const (
	kbColumns = `id, name, source_type, source_config, rag_type, rag_config, created_at, updated_at`

	sqlInsertKB = `INSERT INTO knowledge_base (name, source_type, source_config, rag_type, rag_config)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	sqlGetKBByName = `SELECT ` + kbColumns + ` FROM knowledge_base WHERE name = $1`

	sqlListKBs = `SELECT ` + kbColumns + ` FROM knowledge_base ORDER BY name`

	sqlFindCompatibleKB = `SELECT ` + kbColumns + ` FROM knowledge_base
		WHERE name LIKE $1 ORDER BY id LIMIT 1`

	sqlInsertSyncRun = `INSERT INTO sync_run (knowledge_base_id, start_time, status)
		VALUES ($1, $2, $3) RETURNING id`

	sqlFinishSyncRun = `UPDATE sync_run
		SET end_time = $1, status = $2, total_files = $3, new_files = $4,
		    modified_files = $5, deleted_files = $6, error_files = $7, error_message = $8
		WHERE id = $9 AND status IN ('` + string(RunRunning) + `', '` + string(RunScanRunning) + `')`

	sqlFailAbandonedRuns = `UPDATE sync_run
		SET status = CASE status WHEN '` + string(RunRunning) + `' THEN '` + string(RunFailed) + `'
		             ELSE '` + string(RunScanFailed) + `' END,
		    end_time = $1, error_message = 'abandoned'
		WHERE knowledge_base_id = $2 AND status IN ('` + string(RunRunning) + `', '` + string(RunScanRunning) + `')`

	runColumns = `id, knowledge_base_id, start_time, end_time, status,
		total_files, new_files, modified_files, deleted_files, error_files, error_message`

	sqlGetSyncRun = `SELECT ` + runColumns + ` FROM sync_run WHERE id = $1`

	sqlListSyncRuns = `SELECT ` + runColumns + ` FROM sync_run
		WHERE knowledge_base_id = $1 ORDER BY start_time DESC, id DESC LIMIT $2`
)

// SQL statements for file record operations. Latest-state queries order by
// run start time, then record id, so re-runs that share a start timestamp
// still resolve deterministically.
const (
	recordColumns = `fr.id, fr.sync_run_id, fr.original_uri, fr.rag_uri, fr.file_hash,
		fr.uuid_filename, fr.upload_time, fr.file_size, fr.status, fr.error_message,
		fr.source_id, fr.source_type, fr.source_path, fr.content_type,
		fr.source_metadata, fr.source_created_at, fr.source_modified_at, fr.created_at`

	sqlInsertFileRecord = `INSERT INTO file_record
		(sync_run_id, original_uri, rag_uri, file_hash, uuid_filename, upload_time,
		 file_size, status, error_message, source_id, source_type, source_path,
		 content_type, source_metadata, source_created_at, source_modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, created_at`

	sqlLatestRecordsByKB = `SELECT DISTINCT ON (fr.original_uri) ` + recordColumns + `
		FROM file_record fr
		JOIN sync_run sr ON sr.id = fr.sync_run_id
		JOIN knowledge_base kb ON kb.id = sr.knowledge_base_id
		WHERE kb.name = $1 AND fr.status NOT IN ('scanned', 'scan_error')
		ORDER BY fr.original_uri, sr.start_time DESC, fr.id DESC`

	sqlRecordsByURI = `SELECT ` + recordColumns + `
		FROM file_record fr
		JOIN sync_run sr ON sr.id = fr.sync_run_id
		WHERE sr.knowledge_base_id = $1 AND fr.original_uri = $2
		ORDER BY sr.start_time DESC, fr.id DESC LIMIT $3`
)

// SQL statements for delta token operations.
const (
	sqlGetDeltaToken = `SELECT delta_token FROM delta_sync_tokens
		WHERE source_id = $1 AND drive_id = $2` //nolint:gosec // G101: delta cursor, not credentials

	sqlUpsertDeltaToken = `INSERT INTO delta_sync_tokens
		(source_id, source_type, drive_id, delta_token, last_sync_time, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (source_id, drive_id) DO UPDATE SET
		 delta_token = excluded.delta_token,
		 source_type = excluded.source_type,
		 last_sync_time = excluded.last_sync_time,
		 updated_at = excluded.updated_at`

	sqlDeleteDeltaToken = `DELETE FROM delta_sync_tokens WHERE source_id = $1 AND drive_id = $2`
)

// CreateKnowledgeBase inserts a knowledge base row and fills the generated
// ID and timestamps. Returns ErrDuplicate if the name is taken.
func (r *Repository) CreateKnowledgeBase(ctx context.Context, kb *KnowledgeBase) error {
	err := r.db.QueryRowContext(ctx, sqlInsertKB,
		kb.Name, kb.SourceType, jsonOrEmpty(kb.SourceConfig),
		kb.RagType, jsonOrEmpty(kb.RagConfig),
	).Scan(&kb.ID, &kb.CreatedAt, &kb.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("catalog: knowledge base %q: %w", kb.Name, ErrDuplicate)
		}

		return fmt.Errorf("catalog: creating knowledge base %q: %w", kb.Name, err)
	}

	r.logger.Info("knowledge base created",
		slog.String("name", kb.Name),
		slog.Int64("id", kb.ID),
		slog.String("source_type", kb.SourceType),
		slog.String("rag_type", kb.RagType),
	)

	return nil
}

// GetKnowledgeBase returns the knowledge base with the given name, or
// ErrNotFound.
func (r *Repository) GetKnowledgeBase(ctx context.Context, name string) (*KnowledgeBase, error) {
	kb, err := scanKB(r.db.QueryRowContext(ctx, sqlGetKBByName, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog: knowledge base %q: %w", name, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("catalog: getting knowledge base %q: %w", name, err)
	}

	return kb, nil
}

// ListKnowledgeBases returns all knowledge bases ordered by name.
func (r *Repository) ListKnowledgeBases(ctx context.Context) ([]KnowledgeBase, error) {
	rows, err := r.db.QueryContext(ctx, sqlListKBs)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing knowledge bases: %w", err)
	}
	defer rows.Close()

	var out []KnowledgeBase

	for rows.Next() {
		kb, err := scanKB(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scanning knowledge base: %w", err)
		}

		out = append(out, *kb)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterating knowledge bases: %w", err)
	}

	return out, nil
}

// FindCompatibleKB returns the single-source knowledge base that bridges a
// multi-source knowledge base onto the catalog schema: the lowest-id row
// whose name starts with "<multiKBName>_". Returns ErrNotFound when no such
// row exists yet.
func (r *Repository) FindCompatibleKB(ctx context.Context, multiKBName string) (*KnowledgeBase, error) {
	pattern := multiKBName + "_%"

	kb, err := scanKB(r.db.QueryRowContext(ctx, sqlFindCompatibleKB, pattern))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog: no compatible knowledge base for %q: %w", multiKBName, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("catalog: finding compatible knowledge base for %q: %w", multiKBName, err)
	}

	return kb, nil
}

// CreateSyncRun inserts a run in its initial state and returns it. Status
// must be running or scan_running.
func (r *Repository) CreateSyncRun(ctx context.Context, kbID int64, status RunStatus) (*SyncRun, error) {
	if status != RunRunning && status != RunScanRunning {
		return nil, fmt.Errorf("catalog: invalid initial run status %q", status)
	}

	run := &SyncRun{
		KnowledgeBaseID: kbID,
		StartTime:       r.nowFunc().UTC(),
		Status:          status,
	}

	err := r.db.QueryRowContext(ctx, sqlInsertSyncRun, kbID, run.StartTime, string(status)).Scan(&run.ID)
	if err != nil {
		return nil, fmt.Errorf("catalog: creating sync run for kb %d: %w", kbID, err)
	}

	r.logger.Info("sync run created",
		slog.Int64("run_id", run.ID),
		slog.Int64("kb_id", kbID),
		slog.String("status", string(status)),
	)

	return run, nil
}

// FinishSyncRun transitions a run to a terminal state, writes its counters,
// and upserts any delta tokens, all in one transaction. Only runs still in
// a running state can be finished; finishing an already-terminal run is an
// error so that two processes cannot both claim the same run.
//
// Tokens must be nil unless the run completed with zero file errors; a token
// advanced past unprocessed changes would silently drop those files from
// every future incremental listing.
func (r *Repository) FinishSyncRun(
	ctx context.Context, runID int64, c RunCounters, status RunStatus, errMsg string, tokens []DeltaToken,
) error {
	if !status.Terminal() {
		return fmt.Errorf("catalog: invalid terminal run status %q", status)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: beginning finish transaction: %w", err)
	}
	defer tx.Rollback()

	now := r.nowFunc().UTC()

	res, err := tx.ExecContext(ctx, sqlFinishSyncRun,
		now, string(status), c.Total, c.New, c.Modified, c.Deleted, c.Errors,
		nullString(errMsg), runID,
	)
	if err != nil {
		return fmt.Errorf("catalog: finishing sync run %d: %w", runID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("catalog: finishing sync run %d: %w", runID, err)
	}

	if affected == 0 {
		return fmt.Errorf("catalog: sync run %d is not in a running state", runID)
	}

	for _, tok := range tokens {
		_, err := tx.ExecContext(ctx, sqlUpsertDeltaToken,
			tok.SourceID, tok.SourceType, tok.DriveID, tok.Token, now,
		)
		if err != nil {
			return fmt.Errorf("catalog: saving delta token for %s/%s: %w", tok.SourceID, tok.DriveID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: committing finish transaction: %w", err)
	}

	r.logger.Info("sync run finished",
		slog.Int64("run_id", runID),
		slog.String("status", string(status)),
		slog.Int("total", c.Total),
		slog.Int("new", c.New),
		slog.Int("modified", c.Modified),
		slog.Int("deleted", c.Deleted),
		slog.Int("errors", c.Errors),
		slog.Int("tokens", len(tokens)),
	)

	return nil
}

// FailAbandonedRuns marks any still-running runs for a knowledge base as
// failed. Called before starting a new run; a run left running by a dead
// process would otherwise block nothing but mislead status output forever.
func (r *Repository) FailAbandonedRuns(ctx context.Context, kbID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, sqlFailAbandonedRuns, r.nowFunc().UTC(), kbID)
	if err != nil {
		return 0, fmt.Errorf("catalog: failing abandoned runs for kb %d: %w", kbID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("catalog: failing abandoned runs for kb %d: %w", kbID, err)
	}

	if affected > 0 {
		r.logger.Warn("marked abandoned runs as failed",
			slog.Int64("kb_id", kbID),
			slog.Int64("count", affected),
		)
	}

	return affected, nil
}

// GetSyncRun returns one run by id, or ErrNotFound.
func (r *Repository) GetSyncRun(ctx context.Context, runID int64) (*SyncRun, error) {
	run, err := scanSyncRun(r.db.QueryRowContext(ctx, sqlGetSyncRun, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog: sync run %d: %w", runID, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("catalog: getting sync run %d: %w", runID, err)
	}

	return run, nil
}

// ListSyncRuns returns the most recent runs for a knowledge base, newest
// first.
func (r *Repository) ListSyncRuns(ctx context.Context, kbID int64, limit int) ([]SyncRun, error) {
	rows, err := r.db.QueryContext(ctx, sqlListSyncRuns, kbID, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing sync runs for kb %d: %w", kbID, err)
	}
	defer rows.Close()

	var out []SyncRun

	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scanning sync run: %w", err)
		}

		out = append(out, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterating sync runs: %w", err)
	}

	return out, nil
}

// InsertFileRecord appends one file record and fills the generated ID and
// creation time. SourceMetadata is stored as JSONB; nil maps store NULL.
func (r *Repository) InsertFileRecord(ctx context.Context, rec *FileRecord) error {
	meta, err := marshalMetadata(rec.SourceMetadata)
	if err != nil {
		return fmt.Errorf("catalog: encoding source metadata for %s: %w", rec.OriginalURI, err)
	}

	err = r.db.QueryRowContext(ctx, sqlInsertFileRecord,
		rec.SyncRunID, rec.OriginalURI, rec.RagURI, rec.FileHash, rec.UUIDFilename,
		rec.UploadTime, rec.FileSize, string(rec.Status), nullString(rec.ErrorMessage),
		nullString(rec.SourceID), nullString(rec.SourceType), nullString(rec.SourcePath),
		nullString(rec.ContentType), meta, nullTime(rec.SourceCreatedAt), nullTime(rec.SourceModifiedAt),
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("catalog: file record for %s in run %d: %w", rec.OriginalURI, rec.SyncRunID, ErrDuplicate)
		}

		return fmt.Errorf("catalog: inserting file record for %s: %w", rec.OriginalURI, err)
	}

	return nil
}

// LatestRecordsByKB returns the newest file record per original URI across
// all runs of the named knowledge base. This map is the change detector's
// view of catalog state.
func (r *Repository) LatestRecordsByKB(ctx context.Context, kbName string) (map[string]*FileRecord, error) {
	rows, err := r.db.QueryContext(ctx, sqlLatestRecordsByKB, kbName)
	if err != nil {
		return nil, fmt.Errorf("catalog: loading latest records for %q: %w", kbName, err)
	}
	defer rows.Close()

	out := make(map[string]*FileRecord)

	for rows.Next() {
		rec, err := scanFileRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scanning file record: %w", err)
		}

		out[rec.OriginalURI] = rec
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterating latest records: %w", err)
	}

	r.logger.Debug("latest records loaded",
		slog.String("kb", kbName),
		slog.Int("uris", len(out)),
	)

	return out, nil
}

// RecordsByURI returns the newest records for one URI within a knowledge
// base, newest first. Used by the status and info commands for per-file
// history.
func (r *Repository) RecordsByURI(ctx context.Context, kbID int64, uri string, limit int) ([]FileRecord, error) {
	rows, err := r.db.QueryContext(ctx, sqlRecordsByURI, kbID, uri, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: loading records for %s: %w", uri, err)
	}
	defer rows.Close()

	var out []FileRecord

	for rows.Next() {
		rec, err := scanFileRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scanning file record: %w", err)
		}

		out = append(out, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterating records: %w", err)
	}

	return out, nil
}

// GetDeltaToken returns the saved incremental cursor for a source drive, or
// empty string if none has been saved yet.
func (r *Repository) GetDeltaToken(ctx context.Context, sourceID, driveID string) (string, error) {
	var token string

	err := r.db.QueryRowContext(ctx, sqlGetDeltaToken, sourceID, driveID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("catalog: getting delta token for %s/%s: %w", sourceID, driveID, err)
	}

	return token, nil
}

// ClearDeltaToken removes a saved cursor so the next run performs a full
// listing. Called when the source reports the token expired.
func (r *Repository) ClearDeltaToken(ctx context.Context, sourceID, driveID string) error {
	_, err := r.db.ExecContext(ctx, sqlDeleteDeltaToken, sourceID, driveID)
	if err != nil {
		return fmt.Errorf("catalog: clearing delta token for %s/%s: %w", sourceID, driveID, err)
	}

	r.logger.Info("delta token cleared",
		slog.String("source_id", sourceID),
		slog.String("drive_id", driveID),
	)

	return nil
}

// ---------------------------------------------------------------------------
// Scan helpers
// ---------------------------------------------------------------------------

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanKB scans one knowledge_base row.
func scanKB(row rowScanner) (*KnowledgeBase, error) {
	var kb KnowledgeBase

	err := row.Scan(
		&kb.ID, &kb.Name, &kb.SourceType, &kb.SourceConfig,
		&kb.RagType, &kb.RagConfig, &kb.CreatedAt, &kb.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &kb, nil
}

// scanSyncRun scans one sync_run row, handling nullable columns.
func scanSyncRun(row rowScanner) (*SyncRun, error) {
	var (
		run     SyncRun
		status  string
		endTime sql.NullTime
		errMsg  sql.NullString
	)

	err := row.Scan(
		&run.ID, &run.KnowledgeBaseID, &run.StartTime, &endTime, &status,
		&run.Counters.Total, &run.Counters.New, &run.Counters.Modified,
		&run.Counters.Deleted, &run.Counters.Errors, &errMsg,
	)
	if err != nil {
		return nil, err
	}

	run.Status = RunStatus(status)
	run.ErrorMessage = errMsg.String

	if endTime.Valid {
		run.EndTime = &endTime.Time
	}

	return &run, nil
}

// scanFileRecord scans one file_record row, handling nullable columns and
// decoding the metadata blob.
func scanFileRecord(row rowScanner) (*FileRecord, error) {
	var (
		rec        FileRecord
		status     string
		errMsg     sql.NullString
		sourceID   sql.NullString
		sourceType sql.NullString
		sourcePath sql.NullString
		contentTyp sql.NullString
		meta       []byte
		createdAt  sql.NullTime
		modifiedAt sql.NullTime
	)

	err := row.Scan(
		&rec.ID, &rec.SyncRunID, &rec.OriginalURI, &rec.RagURI, &rec.FileHash,
		&rec.UUIDFilename, &rec.UploadTime, &rec.FileSize, &status, &errMsg,
		&sourceID, &sourceType, &sourcePath, &contentTyp,
		&meta, &createdAt, &modifiedAt, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = FileStatus(status)
	rec.ErrorMessage = errMsg.String
	rec.SourceID = sourceID.String
	rec.SourceType = sourceType.String
	rec.SourcePath = sourcePath.String
	rec.ContentType = contentTyp.String

	if createdAt.Valid {
		rec.SourceCreatedAt = &createdAt.Time
	}

	if modifiedAt.Valid {
		rec.SourceModifiedAt = &modifiedAt.Time
	}

	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.SourceMetadata); err != nil {
			return nil, fmt.Errorf("decoding source metadata: %w", err)
		}
	}

	return &rec, nil
}

// ---------------------------------------------------------------------------
// Null and JSON helpers
// ---------------------------------------------------------------------------

// nullString maps empty strings to NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullTime maps nil times to NULL.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: *t, Valid: true}
}

// jsonOrEmpty substitutes an empty JSON object for nil blobs so NOT NULL
// jsonb columns accept them.
func jsonOrEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}

	return raw
}

// marshalMetadata encodes a metadata map for storage; nil maps store NULL.
func marshalMetadata(m map[string]string) (any, error) {
	if m == nil {
		return nil, nil
	}

	return json.Marshal(m)
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
