package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// SQL statements for multi-source knowledge base operations.
const (
	sqlInsertMultiKB = `INSERT INTO multi_source_knowledge_base
		(name, description, rag_type, rag_config, file_organization, sync_strategy)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`

	sqlGetMultiKBByName = `SELECT id, name, description, rag_type, rag_config,
		file_organization, sync_strategy, created_at, updated_at
		FROM multi_source_knowledge_base WHERE name = $1`

	sqlInsertSourceDef = `INSERT INTO source_definition
		(multi_source_kb_id, source_id, source_type, source_config, enabled, metadata_tags)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`

	sqlListSourceDefs = `SELECT id, multi_source_kb_id, source_id, source_type,
		source_config, enabled, metadata_tags, created_at, updated_at
		FROM source_definition WHERE multi_source_kb_id = $1 ORDER BY id`

	sqlInsertMultiRun = `INSERT INTO multi_source_sync_run
		(sync_run_id, multi_source_kb_id, start_time, status, sync_mode, sources_processed)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`

	sqlFinishMultiRun = `UPDATE multi_source_sync_run
		SET end_time = $1, status = $2, total_files = $3, new_files = $4,
		    modified_files = $5, deleted_files = $6, error_files = $7,
		    error_message = $8, source_stats = $9
		WHERE id = $10 AND status IN ('` + string(RunRunning) + `', '` + string(RunScanRunning) + `')`

	sqlListMultiRuns = `SELECT id, sync_run_id, multi_source_kb_id, start_time, end_time,
		status, total_files, new_files, modified_files, deleted_files, error_files,
		error_message, sync_mode, sources_processed, source_stats
		FROM multi_source_sync_run
		WHERE multi_source_kb_id = $1 ORDER BY start_time DESC, id DESC LIMIT $2`
)

// CreateMultiSourceKB inserts a multi-source knowledge base and all its
// source definitions in one transaction, filling generated IDs. Returns
// ErrDuplicate if the name or a source id is taken.
func (r *Repository) CreateMultiSourceKB(ctx context.Context, kb *MultiSourceKB) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: beginning create transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, sqlInsertMultiKB,
		kb.Name, kb.Description, kb.RagType,
		jsonOrEmpty(kb.RagConfig), jsonOrEmpty(kb.FileOrg), jsonOrEmpty(kb.SyncStrategy),
	).Scan(&kb.ID, &kb.CreatedAt, &kb.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("catalog: multi-source knowledge base %q: %w", kb.Name, ErrDuplicate)
		}

		return fmt.Errorf("catalog: creating multi-source knowledge base %q: %w", kb.Name, err)
	}

	for i := range kb.Sources {
		src := &kb.Sources[i]
		src.KBID = kb.ID

		tags, err := marshalTags(src.MetadataTags)
		if err != nil {
			return fmt.Errorf("catalog: encoding metadata tags for %s: %w", src.SourceID, err)
		}

		err = tx.QueryRowContext(ctx, sqlInsertSourceDef,
			kb.ID, src.SourceID, src.SourceType, jsonOrEmpty(src.SourceConfig),
			src.Enabled, tags,
		).Scan(&src.ID, &src.CreatedAt, &src.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("catalog: source %q in %q: %w", src.SourceID, kb.Name, ErrDuplicate)
			}

			return fmt.Errorf("catalog: creating source %q in %q: %w", src.SourceID, kb.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: committing create transaction: %w", err)
	}

	r.logger.Info("multi-source knowledge base created",
		slog.String("name", kb.Name),
		slog.Int64("id", kb.ID),
		slog.Int("sources", len(kb.Sources)),
	)

	return nil
}

// GetMultiSourceKB returns the named multi-source knowledge base with its
// source definitions loaded, or ErrNotFound.
func (r *Repository) GetMultiSourceKB(ctx context.Context, name string) (*MultiSourceKB, error) {
	var kb MultiSourceKB

	err := r.db.QueryRowContext(ctx, sqlGetMultiKBByName, name).Scan(
		&kb.ID, &kb.Name, &kb.Description, &kb.RagType, &kb.RagConfig,
		&kb.FileOrg, &kb.SyncStrategy, &kb.CreatedAt, &kb.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog: multi-source knowledge base %q: %w", name, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("catalog: getting multi-source knowledge base %q: %w", name, err)
	}

	rows, err := r.db.QueryContext(ctx, sqlListSourceDefs, kb.ID)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing sources for %q: %w", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			src  SourceDefinition
			tags []byte
		)

		err := rows.Scan(
			&src.ID, &src.KBID, &src.SourceID, &src.SourceType,
			&src.SourceConfig, &src.Enabled, &tags, &src.CreatedAt, &src.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("catalog: scanning source definition: %w", err)
		}

		if len(tags) > 0 {
			if err := json.Unmarshal(tags, &src.MetadataTags); err != nil {
				return nil, fmt.Errorf("catalog: decoding metadata tags: %w", err)
			}
		}

		kb.Sources = append(kb.Sources, src)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterating source definitions: %w", err)
	}

	return &kb, nil
}

// CreateMultiSourceRun inserts the multi-source view of a run and fills the
// generated ID. The companion sync_run row must already exist.
func (r *Repository) CreateMultiSourceRun(ctx context.Context, run *MultiSourceRun) error {
	sources, err := json.Marshal(run.SourcesProcessed)
	if err != nil {
		return fmt.Errorf("catalog: encoding sources list: %w", err)
	}

	err = r.db.QueryRowContext(ctx, sqlInsertMultiRun,
		run.SyncRunID, run.MultiSourceKBID, run.StartTime, string(run.Status),
		string(run.Mode), sources,
	).Scan(&run.ID)
	if err != nil {
		return fmt.Errorf("catalog: creating multi-source run for kb %d: %w", run.MultiSourceKBID, err)
	}

	return nil
}

// FinishMultiSourceRun transitions the multi-source run view to a terminal
// state with aggregate counters and the per-source stats blob.
func (r *Repository) FinishMultiSourceRun(
	ctx context.Context, runID int64, c RunCounters, status RunStatus, errMsg string, stats json.RawMessage,
) error {
	if !status.Terminal() {
		return fmt.Errorf("catalog: invalid terminal run status %q", status)
	}

	res, err := r.db.ExecContext(ctx, sqlFinishMultiRun,
		r.nowFunc().UTC(), string(status), c.Total, c.New, c.Modified, c.Deleted, c.Errors,
		nullString(errMsg), jsonOrEmpty(stats), runID,
	)
	if err != nil {
		return fmt.Errorf("catalog: finishing multi-source run %d: %w", runID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("catalog: finishing multi-source run %d: %w", runID, err)
	}

	if affected == 0 {
		return fmt.Errorf("catalog: multi-source run %d is not in a running state", runID)
	}

	return nil
}

// ListMultiSourceRuns returns the most recent multi-source runs for a
// knowledge base, newest first.
func (r *Repository) ListMultiSourceRuns(ctx context.Context, kbID int64, limit int) ([]MultiSourceRun, error) {
	rows, err := r.db.QueryContext(ctx, sqlListMultiRuns, kbID, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing multi-source runs for kb %d: %w", kbID, err)
	}
	defer rows.Close()

	var out []MultiSourceRun

	for rows.Next() {
		run, err := scanMultiRun(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scanning multi-source run: %w", err)
		}

		out = append(out, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterating multi-source runs: %w", err)
	}

	return out, nil
}

// scanMultiRun scans one multi_source_sync_run row.
func scanMultiRun(row rowScanner) (*MultiSourceRun, error) {
	var (
		run       MultiSourceRun
		syncRunID sql.NullInt64
		endTime   sql.NullTime
		status    string
		mode      string
		errMsg    sql.NullString
		sources   []byte
	)

	err := row.Scan(
		&run.ID, &syncRunID, &run.MultiSourceKBID, &run.StartTime, &endTime,
		&status, &run.Counters.Total, &run.Counters.New, &run.Counters.Modified,
		&run.Counters.Deleted, &run.Counters.Errors, &errMsg, &mode,
		&sources, &run.SourceStats,
	)
	if err != nil {
		return nil, err
	}

	run.SyncRunID = syncRunID.Int64
	run.Status = RunStatus(status)
	run.Mode = SyncMode(mode)
	run.ErrorMessage = errMsg.String

	if endTime.Valid {
		run.EndTime = &endTime.Time
	}

	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &run.SourcesProcessed); err != nil {
			return nil, fmt.Errorf("decoding sources list: %w", err)
		}
	}

	return &run, nil
}

// marshalTags encodes a tag map for storage; nil maps store an empty object
// because the column is NOT NULL.
func marshalTags(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}

	return json.Marshal(m)
}
