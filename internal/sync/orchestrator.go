package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/tonimelisma/docsync/internal/catalog"
	"github.com/tonimelisma/docsync/internal/rag"
	"github.com/tonimelisma/docsync/internal/source"
)

// finalizeTimeout bounds the terminal catalog write after the run context
// is already dead. Without it a cancelled run could never record that it
// was cancelled.
const finalizeTimeout = 10 * time.Second

// Config wires one orchestrator to a knowledge base and its adapters.
type Config struct {
	Catalog Catalog
	Source  source.Adapter
	RAG     rag.Adapter
	Logger  *slog.Logger

	// KBID is the knowledge base the run rows attach to.
	KBID int64

	// KBName is the logical knowledge base name: it prefixes error
	// sentinels and is stamped into RAG metadata.
	KBName string

	// CatalogKBName is the knowledge base whose records drive change
	// detection. Defaults to KBName; multi-source runs point it at the
	// bridged single-source knowledge base instead.
	CatalogKBName string

	// SourceID and SourceType tag records and key delta tokens. SourceID
	// is empty for single-source knowledge bases, in which case tokens
	// fall back to the KB name as their key.
	SourceID   string
	SourceType string

	// MetadataTags are stamped onto every record and RAG document.
	MetadataTags map[string]string

	// NameFunc overrides stored-filename generation for new files.
	NameFunc func(uri string) string

	// Scan makes the run non-mutating: no RAG calls, scan statuses, no
	// token advancement.
	Scan bool

	Options Options
}

// Orchestrator runs one knowledge base's sync end to end: listing,
// classification, bounded-concurrency processing, and finalization.
type Orchestrator struct {
	cfg      Config
	opts     Options
	detector *Detector
	logger   *slog.Logger

	nowFunc   func() time.Time
	sleepFunc func(context.Context, time.Duration) error
}

// NewOrchestrator validates cfg and returns an orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Catalog == nil:
		return nil, errors.New("sync: config missing catalog")
	case cfg.Source == nil:
		return nil, errors.New("sync: config missing source adapter")
	case cfg.RAG == nil && !cfg.Scan:
		return nil, errors.New("sync: config missing RAG adapter")
	case cfg.KBID <= 0:
		return nil, errors.New("sync: config missing knowledge base id")
	case cfg.KBName == "":
		return nil, errors.New("sync: config missing knowledge base name")
	}

	if cfg.CatalogKBName == "" {
		cfg.CatalogKBName = cfg.KBName
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With(slog.String("kb", cfg.KBName))
	if cfg.SourceID != "" {
		logger = logger.With(slog.String("source_id", cfg.SourceID))
	}

	return &Orchestrator{
		cfg:       cfg,
		opts:      cfg.Options.withDefaults(),
		detector:  NewDetector(logger),
		logger:    logger,
		nowFunc:   time.Now,
		sleepFunc: sleepContext,
	}, nil
}

// Run executes one full sync (or scan) run: it fails abandoned
// predecessors, creates the run row, processes the source, and finalizes.
// The report is non-nil whenever a run row was finalized; err reports why
// a failed run failed.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	started := o.nowFunc()

	if _, err := o.cfg.Catalog.FailAbandonedRuns(ctx, o.cfg.KBID); err != nil {
		return nil, fmt.Errorf("sync: clearing abandoned runs: %w", err)
	}

	initial := catalog.RunRunning
	if o.cfg.Scan {
		initial = catalog.RunScanRunning
	}

	run, err := o.cfg.Catalog.CreateSyncRun(ctx, o.cfg.KBID, initial)
	if err != nil {
		return nil, fmt.Errorf("sync: creating run: %w", err)
	}

	out := o.execute(ctx, run.ID)
	status, errMsg := o.terminalStatus(ctx, out)

	var tokens []catalog.DeltaToken
	if status == catalog.RunCompleted && out.counters.Errors == 0 {
		// A token advanced past unprocessed or failed changes would drop
		// those files from every future incremental listing.
		tokens = out.tokens
	}

	finCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		finCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)

		defer cancel()
	}

	if err := o.cfg.Catalog.FinishSyncRun(finCtx, run.ID, out.counters, status, errMsg, tokens); err != nil {
		return nil, fmt.Errorf("sync: finalizing run %d: %w", run.ID, err)
	}

	report := &Report{
		RunID:     run.ID,
		KBName:    o.cfg.KBName,
		Status:    status,
		Counters:  out.counters,
		Listed:    out.counters.Total,
		Unchanged: out.unchanged,
		Duration:  o.nowFunc().Sub(started),
	}

	if errMsg != "" {
		return report, fmt.Errorf("sync: run %d failed: %s", run.ID, errMsg)
	}

	return report, nil
}

// terminalStatus decides the run's end state. Per-file errors do not fail
// a run; cancellation, listing failure, and catalog failure do.
func (o *Orchestrator) terminalStatus(ctx context.Context, out *sourceOutcome) (catalog.RunStatus, string) {
	okStatus, failStatus := catalog.RunCompleted, catalog.RunFailed
	if o.cfg.Scan {
		okStatus, failStatus = catalog.RunScanCompleted, catalog.RunScanFailed
	}

	switch {
	case ctx.Err() != nil:
		return failStatus, "cancelled"
	case out.fatal != nil:
		return failStatus, out.fatal.Error()
	case out.err != nil:
		return failStatus, out.err.Error()
	}

	return okStatus, ""
}

// sourceOutcome is what one source contributed to a run.
type sourceOutcome struct {
	counters  catalog.RunCounters
	processed int
	unchanged int
	tokens    []catalog.DeltaToken

	// started and finished bound this source's share of the run,
	// adapter construction included.
	started  time.Time
	finished time.Time

	// err is a structural failure scoped to this source: listing or
	// classification could not happen. Per-file errors land in counters
	// instead.
	err error

	// fatal is an infrastructure failure (catalog writes). It aborts the
	// whole run, not just this source.
	fatal error
}

// execute runs listing, classification, and processing against an
// already-created run row. The multi-source driver calls it once per
// source with a shared run.
func (o *Orchestrator) execute(ctx context.Context, runID int64) *sourceOutcome {
	out := &sourceOutcome{}

	o.logger.Info("listing source", slog.Int64("run_id", runID))

	l, err := o.buildListing(ctx)
	if err != nil {
		out.err = fmt.Errorf("listing source: %w", err)

		return out
	}

	out.tokens = l.tokens

	o.logger.Info("classifying listing",
		slog.Int64("run_id", runID),
		slog.Int("files", len(l.files)),
		slog.Int("tombstones", len(l.tombstones)),
		slog.Bool("complete", l.full),
	)

	latest, err := o.cfg.Catalog.LatestRecordsByKB(ctx, o.cfg.CatalogKBName)
	if err != nil {
		out.fatal = err

		return out
	}

	// Multi-source runs share one catalog KB. Each source detects changes
	// against its own records only; otherwise its complete listing would
	// delete every file the other sources own.
	if o.cfg.SourceID != "" {
		for uri, rec := range latest {
			if rec.SourceID != o.cfg.SourceID {
				delete(latest, uri)
			}
		}
	}

	classifications := o.detector.Detect(l.files, l.tombstones, l.full, latest)

	// Files the mtime pre-filter proved unchanged are not processed and
	// get no new record; their latest record already says everything.
	work := make([]Classification, 0, len(classifications))

	for _, c := range classifications {
		if c.Type == ChangeUnchanged {
			out.unchanged++

			continue
		}

		work = append(work, c)
	}

	o.logger.Info("processing changes",
		slog.Int64("run_id", runID),
		slog.Int("changes", len(work)),
		slog.Int("unchanged", out.unchanged),
		slog.Int("workers", o.opts.Workers),
	)

	t := o.runWorkers(ctx, runID, work, out)

	out.unchanged += int(t.unchanged.Load())
	out.counters = catalog.RunCounters{
		New:      int(t.news.Load()),
		Modified: int(t.modified.Load()),
		Deleted:  int(t.deleted.Load()),
		Errors:   int(t.errors.Load()),
	}
	out.processed = out.counters.New + out.counters.Modified + out.counters.Deleted + out.counters.Errors

	// Complete listings account for every visible file; incremental ones
	// only for the changes the source delivered.
	if l.full {
		out.counters.Total = len(l.files)
	} else {
		out.counters.Total = l.delivered
	}

	return out
}

// tally accumulates worker outcomes. Plain atomics: counters only ever
// move forward, and a failed run reports whatever progress it made.
type tally struct {
	news      atomic.Int64
	modified  atomic.Int64
	deleted   atomic.Int64
	unchanged atomic.Int64
	errors    atomic.Int64
}

// add buckets one outcome.
func (t *tally) add(out Outcome) {
	switch {
	case out.failed():
		t.errors.Add(1)
	case out.Change == ChangeNew:
		t.news.Add(1)
	case out.Change == ChangeModified:
		t.modified.Add(1)
	case out.Change == ChangeDeleted:
		t.deleted.Add(1)
	case out.Change == ChangeUnchanged:
		t.unchanged.Add(1)
	}
}

// runWorkers drains the classification queue through a bounded pool.
func (o *Orchestrator) runWorkers(ctx context.Context, runID int64, work []Classification, out *sourceOutcome) *tally {
	t := &tally{}
	if len(work) == 0 {
		return t
	}

	proc := NewProcessor(ProcessorConfig{
		Source:       o.cfg.Source,
		RAG:          o.cfg.RAG,
		Catalog:      o.cfg.Catalog,
		Logger:       o.logger,
		KBName:       o.cfg.KBName,
		RunID:        runID,
		Scan:         o.cfg.Scan,
		SourceID:     o.cfg.SourceID,
		SourceType:   o.cfg.SourceType,
		MetadataTags: o.cfg.MetadataTags,
		NameFunc:     o.cfg.NameFunc,
	})
	proc.nowFunc = o.nowFunc
	proc.sleepFunc = o.sleepFunc

	procCtx, stopProcessing := context.WithCancel(ctx)
	defer stopProcessing()

	// First catalog failure wins; the rest of the pool drains and stops.
	var abortOnce stdsync.Once

	abort := func(err error) {
		abortOnce.Do(func() {
			out.fatal = err

			o.logger.Error("aborting run after catalog failure", slog.Any("error", err))
			stopProcessing()
		})
	}

	queue := make(chan Classification, o.opts.QueueSize)

	go func() {
		defer close(queue)

		for _, c := range work {
			select {
			case queue <- c:
			case <-procCtx.Done():
				return
			}
		}
	}()

	var wg stdsync.WaitGroup

	for i := 0; i < o.opts.Workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			o.worker(procCtx, proc, queue, t, abort)
		}()
	}

	wg.Wait()

	return t
}

// worker consumes classifications until the queue closes or the run is
// cancelled. Queued work is abandoned on cancellation; only in-flight
// files get the grace window.
func (o *Orchestrator) worker(
	ctx context.Context, proc *Processor, queue <-chan Classification, t *tally, abort func(error),
) {
	for {
		select {
		case c, ok := <-queue:
			if !ok {
				return
			}

			if ctx.Err() != nil {
				return
			}

			o.processOne(ctx, proc, c, t, abort)

		case <-ctx.Done():
			return
		}
	}
}

// processOne guards a single file's processing: per-file deadline,
// cancellation grace, panic isolation.
func (o *Orchestrator) processOne(
	runCtx context.Context, proc *Processor, c Classification, t *tally, abort func(error),
) {
	defer func() {
		if r := recover(); r != nil {
			t.errors.Add(1)
			o.logger.Error("panic while processing file",
				slog.String("uri", c.File.URI),
				slog.Any("panic", r),
			)
		}
	}()

	fctx, cancel := o.fileContext(runCtx)
	defer cancel()

	out, err := proc.Process(fctx, c)
	if err != nil {
		// The row never landed; count the file as errored and abort.
		t.errors.Add(1)
		abort(err)

		return
	}

	t.add(out)
}

// fileContext builds the per-file context: detached from run
// cancellation so an in-flight file can finish its catalog insert, but
// bounded by the file timeout and aborted CancelGrace after the run
// context dies.
func (o *Orchestrator) fileContext(runCtx context.Context) (context.Context, context.CancelFunc) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), o.opts.FileTimeout)

	stop := context.AfterFunc(runCtx, func() {
		timer := time.NewTimer(o.opts.CancelGrace)
		defer timer.Stop()

		select {
		case <-timer.C:
			cancel()
		case <-fctx.Done():
		}
	})

	return fctx, func() {
		stop()
		cancel()
	}
}

// listingResult is a normalized source listing: the visible files, any
// deletion tombstones, whether the listing is complete, and the delta
// tokens to save if the run succeeds.
type listingResult struct {
	files      []source.FileInfo
	tombstones []source.FileInfo
	full       bool
	delivered  int
	tokens     []catalog.DeltaToken
}

// buildListing enumerates the source. Delta-capable sources list
// incrementally per drive; everything else (and every scan) does a full
// enumeration. Scans always list fully so their results cannot depend on
// cursor state they are forbidden to advance.
func (o *Orchestrator) buildListing(ctx context.Context) (*listingResult, error) {
	if dl, ok := o.cfg.Source.(source.DeltaLister); ok && !o.cfg.Scan {
		return o.deltaListing(ctx, dl)
	}

	files, err := o.cfg.Source.List(ctx)
	if err != nil {
		return nil, err
	}

	return &listingResult{files: files, full: true, delivered: len(files)}, nil
}

// deltaListing enumerates changes drive by drive. A drive with no stored
// token gets a baseline (complete) enumeration; the listing as a whole
// counts as complete only if every drive baselined, because deletion by
// absence needs the full inventory.
func (o *Orchestrator) deltaListing(ctx context.Context, dl source.DeltaLister) (*listingResult, error) {
	drives, err := dl.Drives(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerating drives: %w", err)
	}

	tokenSourceID := o.cfg.SourceID
	if tokenSourceID == "" {
		tokenSourceID = o.cfg.KBName
	}

	l := &listingResult{full: true}

	for _, drive := range drives {
		token, err := o.cfg.Catalog.GetDeltaToken(ctx, tokenSourceID, drive.ID)
		if err != nil {
			return nil, fmt.Errorf("loading delta token for drive %s: %w", drive.ID, err)
		}

		changes, newToken, err := dl.DeltaList(ctx, drive.ID, token)
		if errors.Is(err, source.ErrDeltaExpired) {
			o.logger.Warn("delta token expired, re-baselining drive",
				slog.String("drive_id", drive.ID),
			)

			if cerr := o.cfg.Catalog.ClearDeltaToken(ctx, tokenSourceID, drive.ID); cerr != nil {
				return nil, fmt.Errorf("clearing expired delta token for drive %s: %w", drive.ID, cerr)
			}

			token = ""
			changes, newToken, err = dl.DeltaList(ctx, drive.ID, token)
		}

		if err != nil {
			return nil, fmt.Errorf("delta listing drive %s: %w", drive.ID, err)
		}

		if token != "" {
			l.full = false
		}

		l.delivered += len(changes)

		for _, ch := range changes {
			if ch.Tombstone {
				l.tombstones = append(l.tombstones, ch.FileInfo)
			} else {
				l.files = append(l.files, ch.FileInfo)
			}
		}

		if newToken != "" {
			l.tokens = append(l.tokens, catalog.DeltaToken{
				SourceID:   tokenSourceID,
				SourceType: o.cfg.SourceType,
				DriveID:    drive.ID,
				Token:      newToken,
			})
		}

		o.logger.Debug("drive delta listed",
			slog.String("drive_id", drive.ID),
			slog.Int("changes", len(changes)),
			slog.Bool("baseline", token == ""),
		)
	}

	return l, nil
}
