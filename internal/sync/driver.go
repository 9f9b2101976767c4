package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/docsync/internal/catalog"
	"github.com/tonimelisma/docsync/internal/rag"
	"github.com/tonimelisma/docsync/internal/source"
)

// SourceFactory builds a source adapter from its stored definition.
// Injected so tests can substitute fakes for network-backed adapters.
type SourceFactory func(ctx context.Context, sourceType string, cfg json.RawMessage, logger *slog.Logger) (source.Adapter, error)

// RAGFactory builds the RAG adapter shared by every source of a
// multi-source run.
type RAGFactory func(ragType, kbName string, cfg json.RawMessage, logger *slog.Logger) (rag.Adapter, error)

// Driver executes multi-source runs: several sources feeding one RAG
// backend under one shared sync run.
type Driver struct {
	catalog Catalog
	logger  *slog.Logger
	opts    Options

	newSource SourceFactory
	newRAG    RAGFactory
	nowFunc   func() time.Time
}

// NewDriver returns a driver using the real adapter constructors.
func NewDriver(cat Catalog, logger *slog.Logger, opts Options) *Driver {
	if logger == nil {
		logger = slog.Default()
	}

	return &Driver{
		catalog:   cat,
		logger:    logger,
		opts:      opts,
		newSource: source.New,
		newRAG:    rag.New,
		nowFunc:   time.Now,
	}
}

// fileOrganization is the decoded file_organization blob of a
// multi-source knowledge base.
type fileOrganization struct {
	NamingConvention string `json:"naming_convention"`
}

// syncStrategy is the decoded sync_strategy blob.
type syncStrategy struct {
	DefaultMode string `json:"default_mode"`
}

// Plan resolves the mode and source selection a Run with the same
// arguments would use, without creating run rows or touching adapters.
// Dry-run callers print the result instead of syncing.
func (d *Driver) Plan(
	kb *catalog.MultiSourceKB, mode catalog.SyncMode, sourceIDs []string,
) (catalog.SyncMode, []catalog.SourceDefinition, error) {
	mode, err := resolveMode(kb, mode)
	if err != nil {
		return "", nil, err
	}

	sources, err := selectSources(kb, mode, sourceIDs)
	if err != nil {
		return "", nil, err
	}

	return mode, sources, nil
}

// Run executes one multi-source sync. mode may be empty, in which case
// the knowledge base's configured default (or parallel) applies.
// sourceIDs restricts the run to named sources; selective mode requires
// it. The report is non-nil whenever run rows were finalized.
func (d *Driver) Run(
	ctx context.Context, kb *catalog.MultiSourceKB, mode catalog.SyncMode, sourceIDs []string,
) (*MultiReport, error) {
	started := d.nowFunc()

	mode, err := resolveMode(kb, mode)
	if err != nil {
		return nil, err
	}

	sources, err := selectSources(kb, mode, sourceIDs)
	if err != nil {
		return nil, err
	}

	compat, err := d.compatibleKB(ctx, kb)
	if err != nil {
		return nil, err
	}

	ragAdapter, err := d.newRAG(kb.RagType, kb.Name, kb.RagConfig, d.logger)
	if err != nil {
		return nil, fmt.Errorf("sync: building RAG adapter for %s: %w", kb.Name, err)
	}

	if _, err := d.catalog.FailAbandonedRuns(ctx, compat.ID); err != nil {
		return nil, fmt.Errorf("sync: clearing abandoned runs: %w", err)
	}

	run, err := d.catalog.CreateSyncRun(ctx, compat.ID, catalog.RunRunning)
	if err != nil {
		return nil, fmt.Errorf("sync: creating run: %w", err)
	}

	ids := make([]string, len(sources))
	for i, def := range sources {
		ids[i] = def.SourceID
	}

	msRun := &catalog.MultiSourceRun{
		SyncRunID:        run.ID,
		MultiSourceKBID:  kb.ID,
		StartTime:        run.StartTime,
		Status:           catalog.RunRunning,
		Mode:             mode,
		SourcesProcessed: ids,
	}
	if err := d.catalog.CreateMultiSourceRun(ctx, msRun); err != nil {
		return nil, fmt.Errorf("sync: creating multi-source run: %w", err)
	}

	d.logger.Info("multi-source run started",
		slog.String("kb", kb.Name),
		slog.Int64("run_id", run.ID),
		slog.String("mode", string(mode)),
		slog.Any("sources", ids),
	)

	outs := d.runSources(ctx, kb, compat, sources, ragAdapter, run.ID, mode)

	agg, stats, tokens, fatal, failures := aggregate(sources, outs)

	status, errMsg := catalog.RunCompleted, ""

	switch {
	case ctx.Err() != nil:
		status, errMsg = catalog.RunFailed, "cancelled"
	case fatal != nil:
		status, errMsg = catalog.RunFailed, fatal.Error()
	case len(sources) > 0 && failures == len(sources):
		status, errMsg = catalog.RunFailed, "all sources failed"
	}

	if status != catalog.RunCompleted {
		tokens = nil
	}

	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return nil, fmt.Errorf("sync: encoding source stats: %w", err)
	}

	finCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		finCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)

		defer cancel()
	}

	if err := d.catalog.FinishSyncRun(finCtx, run.ID, agg, status, errMsg, tokens); err != nil {
		return nil, fmt.Errorf("sync: finalizing run %d: %w", run.ID, err)
	}

	if err := d.catalog.FinishMultiSourceRun(finCtx, msRun.ID, agg, status, errMsg, statsJSON); err != nil {
		return nil, fmt.Errorf("sync: finalizing multi-source run %d: %w", msRun.ID, err)
	}

	report := &MultiReport{
		RunID:      run.ID,
		MultiRunID: msRun.ID,
		KBName:     kb.Name,
		Status:     status,
		Counters:   agg,
		PerSource:  stats,
		Duration:   d.nowFunc().Sub(started),
	}

	if errMsg != "" {
		return report, fmt.Errorf("sync: multi-source run %d failed: %s", run.ID, errMsg)
	}

	return report, nil
}

// runSources executes every selected source against the shared run.
// Parallel-family modes fan out concurrently; sequential runs one source
// at a time in definition order via a concurrency limit of one.
func (d *Driver) runSources(
	ctx context.Context, kb *catalog.MultiSourceKB, compat *catalog.KnowledgeBase,
	sources []catalog.SourceDefinition, ragAdapter rag.Adapter, runID int64, mode catalog.SyncMode,
) []*sourceOutcome {
	var fileOrg fileOrganization
	if len(kb.FileOrg) > 0 {
		if err := json.Unmarshal(kb.FileOrg, &fileOrg); err != nil {
			d.logger.Warn("ignoring malformed file_organization", slog.Any("error", err))
		}
	}

	outs := make([]*sourceOutcome, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	if mode == catalog.ModeSequential {
		g.SetLimit(1)
	}

	for i := range sources {
		g.Go(func() error {
			out := d.runOne(gctx, kb, compat, sources[i], ragAdapter, runID, fileOrg)
			outs[i] = out

			if out.fatal != nil {
				// Infrastructure failure: stop the sibling sources too.
				return out.fatal
			}

			return nil
		})
	}

	// The fatal error, if any, is already captured in outs.
	_ = g.Wait()

	return outs
}

// runOne syncs a single source definition within the shared run. Panics
// and adapter failures are confined to the source's outcome.
func (d *Driver) runOne(
	ctx context.Context, kb *catalog.MultiSourceKB, compat *catalog.KnowledgeBase,
	def catalog.SourceDefinition, ragAdapter rag.Adapter, runID int64, fileOrg fileOrganization,
) (out *sourceOutcome) {
	started := d.nowFunc().UTC()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic while syncing source",
				slog.String("source_id", def.SourceID),
				slog.Any("panic", r),
			)

			out = &sourceOutcome{err: fmt.Errorf("panic: %v", r)}
		}

		if out != nil {
			out.started = started
			out.finished = d.nowFunc().UTC()
		}
	}()

	adapter, err := d.newSource(ctx, def.SourceType, def.SourceConfig, d.logger)
	if err != nil {
		return &sourceOutcome{err: fmt.Errorf("building source adapter: %w", err)}
	}

	var nameFunc func(uri string) string
	if fileOrg.NamingConvention != "" {
		nameFunc = func(uri string) string {
			return conventionFilename(fileOrg.NamingConvention, def.SourceID, uri)
		}
	}

	orch, err := NewOrchestrator(Config{
		Catalog:       d.catalog,
		Source:        adapter,
		RAG:           ragAdapter,
		Logger:        d.logger,
		KBID:          compat.ID,
		KBName:        kb.Name,
		CatalogKBName: compat.Name,
		SourceID:      def.SourceID,
		SourceType:    def.SourceType,
		MetadataTags:  def.MetadataTags,
		NameFunc:      nameFunc,
		Options:       d.opts,
	})
	if err != nil {
		return &sourceOutcome{err: err}
	}

	return orch.execute(ctx, runID)
}

// aggregate folds per-source outcomes into run counters, the stats blob,
// and the token set. A source's tokens are withheld if any of its files
// failed; other sources' tokens are unaffected.
func aggregate(
	sources []catalog.SourceDefinition, outs []*sourceOutcome,
) (agg catalog.RunCounters, stats map[string]SourceStats, tokens []catalog.DeltaToken, fatal error, failures int) {
	stats = make(map[string]SourceStats, len(sources))

	for i, def := range sources {
		out := outs[i]
		if out == nil {
			stats[def.SourceID] = SourceStats{Status: "skipped"}

			continue
		}

		if out.fatal != nil && fatal == nil {
			fatal = out.fatal
		}

		st := SourceStats{
			FilesProcessed: out.processed,
			FilesNew:       out.counters.New,
			FilesModified:  out.counters.Modified,
			FilesDeleted:   out.counters.Deleted,
			FilesError:     out.counters.Errors,
			Status:         "completed",
		}

		if !out.started.IsZero() {
			started, finished := out.started, out.finished
			st.StartTime, st.EndTime = &started, &finished
		}

		if out.err != nil {
			st.Status = "failed"
			st.ErrorMessage = out.err.Error()
			failures++
		}

		stats[def.SourceID] = st

		agg.Total += out.processed
		agg.New += out.counters.New
		agg.Modified += out.counters.Modified
		agg.Deleted += out.counters.Deleted
		agg.Errors += out.counters.Errors

		if out.err == nil && out.fatal == nil && out.counters.Errors == 0 {
			tokens = append(tokens, out.tokens...)
		}
	}

	return agg, stats, tokens, fatal, failures
}

// compatibleKB resolves the single-source knowledge base that anchors a
// multi-source KB's runs and records. The first KB named like
// "<multi>_<anything>" wins; if none exists, a placeholder is created so
// the schema's foreign keys always have a real row to point at.
func (d *Driver) compatibleKB(ctx context.Context, kb *catalog.MultiSourceKB) (*catalog.KnowledgeBase, error) {
	compat, err := d.catalog.FindCompatibleKB(ctx, kb.Name)
	if err == nil {
		return compat, nil
	}

	if !errors.Is(err, catalog.ErrNotFound) {
		return nil, fmt.Errorf("sync: resolving compatible kb for %s: %w", kb.Name, err)
	}

	placeholder := &catalog.KnowledgeBase{
		Name:         kb.Name + "_placeholder",
		SourceType:   catalog.PlaceholderSourceType,
		SourceConfig: json.RawMessage(fmt.Sprintf(`{"placeholder": true, "multi_source_kb_id": %d}`, kb.ID)),
		RagType:      kb.RagType,
		RagConfig:    kb.RagConfig,
	}

	err = d.catalog.CreateKnowledgeBase(ctx, placeholder)
	if errors.Is(err, catalog.ErrDuplicate) {
		// Raced another process; use whatever it created.
		return d.catalog.FindCompatibleKB(ctx, kb.Name)
	}

	if err != nil {
		return nil, fmt.Errorf("sync: creating placeholder kb for %s: %w", kb.Name, err)
	}

	d.logger.Info("created placeholder knowledge base",
		slog.String("kb", kb.Name),
		slog.String("placeholder", placeholder.Name),
	)

	return placeholder, nil
}

// resolveMode applies the knowledge base's configured default when the
// caller did not pick a mode, and validates the result.
func resolveMode(kb *catalog.MultiSourceKB, mode catalog.SyncMode) (catalog.SyncMode, error) {
	if mode == "" {
		var strategy syncStrategy
		if len(kb.SyncStrategy) > 0 {
			_ = json.Unmarshal(kb.SyncStrategy, &strategy)
		}

		if strategy.DefaultMode != "" {
			mode = catalog.SyncMode(strategy.DefaultMode)
		} else {
			mode = catalog.ModeParallel
		}
	}

	switch mode {
	case catalog.ModeParallel, catalog.ModeSequential, catalog.ModeSelective, catalog.ModeIncremental:
		return mode, nil
	default:
		return "", fmt.Errorf("sync: unknown sync mode %q", mode)
	}
}

// selectSources returns the enabled sources the run covers, in definition
// order. Explicit source ids must name enabled sources; selective mode
// requires an explicit selection.
func selectSources(
	kb *catalog.MultiSourceKB, mode catalog.SyncMode, sourceIDs []string,
) ([]catalog.SourceDefinition, error) {
	enabled := make([]catalog.SourceDefinition, 0, len(kb.Sources))
	byID := make(map[string]bool)

	for _, def := range kb.Sources {
		byID[def.SourceID] = def.Enabled

		if def.Enabled {
			enabled = append(enabled, def)
		}
	}

	if len(sourceIDs) == 0 {
		if mode == catalog.ModeSelective {
			return nil, errors.New("sync: selective mode requires explicit source ids")
		}

		if len(enabled) == 0 {
			return nil, fmt.Errorf("sync: knowledge base %s has no enabled sources", kb.Name)
		}

		return enabled, nil
	}

	want := make(map[string]bool, len(sourceIDs))

	for _, id := range sourceIDs {
		on, known := byID[id]
		if !known {
			return nil, fmt.Errorf("sync: unknown source id %q", id)
		}

		if !on {
			return nil, fmt.Errorf("sync: source %q is disabled", id)
		}

		want[id] = true
	}

	selected := make([]catalog.SourceDefinition, 0, len(want))

	for _, def := range enabled {
		if want[def.SourceID] {
			selected = append(selected, def)
		}
	}

	return selected, nil
}
