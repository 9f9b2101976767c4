package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/tonimelisma/docsync/internal/catalog"
	"github.com/tonimelisma/docsync/internal/rag"
	"github.com/tonimelisma/docsync/internal/source"
)

// testLogWriter adapts testing.T to io.Writer for slog output.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))

	return len(p), nil
}

// testLogger returns a debug-level logger that writes to t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fakeCatalog is an in-memory Catalog. It mirrors the repository's
// latest-record semantics, including scan-row exclusion and newest-first
// resolution by run start time then record id.
type fakeCatalog struct {
	mu stdsync.Mutex

	kbs       map[string]*catalog.KnowledgeBase
	multiKBs  map[string]*catalog.MultiSourceKB
	runs      map[int64]*catalog.SyncRun
	multiRuns map[int64]*catalog.MultiSourceRun
	records   []*catalog.FileRecord
	tokens    map[string]string

	nextKBID    int64
	nextRunID   int64
	nextMultiID int64
	nextRecID   int64

	tokenUpserts map[string]int
	multiStats   map[int64]json.RawMessage

	insertErr error
	latestErr error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		kbs:          make(map[string]*catalog.KnowledgeBase),
		multiKBs:     make(map[string]*catalog.MultiSourceKB),
		runs:         make(map[int64]*catalog.SyncRun),
		multiRuns:    make(map[int64]*catalog.MultiSourceRun),
		tokens:       make(map[string]string),
		tokenUpserts: make(map[string]int),
		multiStats:   make(map[int64]json.RawMessage),
	}
}

// addKB registers a knowledge base and returns it.
func (f *fakeCatalog) addKB(name, sourceType, ragType string) *catalog.KnowledgeBase {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextKBID++
	kb := &catalog.KnowledgeBase{
		ID:         f.nextKBID,
		Name:       name,
		SourceType: sourceType,
		RagType:    ragType,
		CreatedAt:  time.Now().UTC(),
	}
	f.kbs[name] = kb

	return kb
}

// addMultiKB registers a multi-source knowledge base.
func (f *fakeCatalog) addMultiKB(kb *catalog.MultiSourceKB) *catalog.MultiSourceKB {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextKBID++
	kb.ID = f.nextKBID
	f.multiKBs[kb.Name] = kb

	return kb
}

// setToken seeds a stored delta token.
func (f *fakeCatalog) setToken(sourceID, driveID, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.tokens[sourceID+"|"+driveID] = token
}

// token reads a stored delta token ("" when absent).
func (f *fakeCatalog) token(sourceID, driveID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.tokens[sourceID+"|"+driveID]
}

// upserts reports how many times a token key was written.
func (f *fakeCatalog) upserts(sourceID, driveID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.tokenUpserts[sourceID+"|"+driveID]
}

// runByID returns a copy of a run.
func (f *fakeCatalog) runByID(id int64) catalog.SyncRun {
	f.mu.Lock()
	defer f.mu.Unlock()

	return *f.runs[id]
}

// multiRunByID returns a copy of a multi-source run.
func (f *fakeCatalog) multiRunByID(id int64) catalog.MultiSourceRun {
	f.mu.Lock()
	defer f.mu.Unlock()

	return *f.multiRuns[id]
}

// statsFor returns the stats blob written for a multi-source run.
func (f *fakeCatalog) statsFor(multiRunID int64) json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.multiStats[multiRunID]
}

// recordsForURI returns all records for a URI in insertion order.
func (f *fakeCatalog) recordsForURI(uri string) []catalog.FileRecord {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []catalog.FileRecord

	for _, rec := range f.records {
		if rec.OriginalURI == uri {
			out = append(out, *rec)
		}
	}

	return out
}

// lastRecordForURI returns the newest record for a URI.
func (f *fakeCatalog) lastRecordForURI(t *testing.T, uri string) catalog.FileRecord {
	t.Helper()

	recs := f.recordsForURI(uri)
	if len(recs) == 0 {
		t.Fatalf("no records for %s", uri)
	}

	return recs[len(recs)-1]
}

// recordCount returns the total number of inserted records.
func (f *fakeCatalog) recordCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.records)
}

func (f *fakeCatalog) CreateSyncRun(_ context.Context, kbID int64, status catalog.RunStatus) (*catalog.SyncRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextRunID++
	run := &catalog.SyncRun{
		ID:              f.nextRunID,
		KnowledgeBaseID: kbID,
		StartTime:       time.Now().UTC(),
		Status:          status,
	}
	f.runs[run.ID] = run
	cp := *run

	return &cp, nil
}

func (f *fakeCatalog) FinishSyncRun(
	ctx context.Context, runID int64, c catalog.RunCounters,
	status catalog.RunStatus, errMsg string, tokens []catalog.DeltaToken,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	run, ok := f.runs[runID]
	if !ok || run.Status.Terminal() {
		return fmt.Errorf("catalog: sync run %d is not in a running state", runID)
	}

	now := time.Now().UTC()
	run.EndTime = &now
	run.Status = status
	run.Counters = c
	run.ErrorMessage = errMsg

	for _, tok := range tokens {
		key := tok.SourceID + "|" + tok.DriveID
		f.tokens[key] = tok.Token
		f.tokenUpserts[key]++
	}

	return nil
}

func (f *fakeCatalog) FailAbandonedRuns(_ context.Context, kbID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var n int64

	now := time.Now().UTC()

	for _, run := range f.runs {
		if run.KnowledgeBaseID != kbID || run.Status.Terminal() {
			continue
		}

		if run.Status == catalog.RunScanRunning {
			run.Status = catalog.RunScanFailed
		} else {
			run.Status = catalog.RunFailed
		}

		run.EndTime = &now
		run.ErrorMessage = "abandoned"
		n++
	}

	return n, nil
}

func (f *fakeCatalog) InsertFileRecord(ctx context.Context, rec *catalog.FileRecord) error {
	// Real catalog writes fail once their context is dead.
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.insertErr != nil {
		return f.insertErr
	}

	f.nextRecID++
	rec.ID = f.nextRecID
	rec.CreatedAt = time.Now().UTC()

	cp := *rec
	f.records = append(f.records, &cp)

	return nil
}

func (f *fakeCatalog) LatestRecordsByKB(_ context.Context, kbName string) (map[string]*catalog.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.latestErr != nil {
		return nil, f.latestErr
	}

	out := make(map[string]*catalog.FileRecord)

	kb, ok := f.kbs[kbName]
	if !ok {
		return out, nil
	}

	type key struct {
		start time.Time
		id    int64
	}

	best := make(map[string]key)

	for _, rec := range f.records {
		run := f.runs[rec.SyncRunID]
		if run == nil || run.KnowledgeBaseID != kb.ID {
			continue
		}

		if rec.Status == catalog.FileScanned || rec.Status == catalog.FileScanError {
			continue
		}

		b, seen := best[rec.OriginalURI]
		if seen && !run.StartTime.After(b.start) &&
			!(run.StartTime.Equal(b.start) && rec.ID > b.id) {
			continue
		}

		best[rec.OriginalURI] = key{start: run.StartTime, id: rec.ID}
		cp := *rec
		out[rec.OriginalURI] = &cp
	}

	return out, nil
}

func (f *fakeCatalog) GetDeltaToken(_ context.Context, sourceID, driveID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.tokens[sourceID+"|"+driveID], nil
}

func (f *fakeCatalog) ClearDeltaToken(_ context.Context, sourceID, driveID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.tokens, sourceID+"|"+driveID)

	return nil
}

func (f *fakeCatalog) GetKnowledgeBase(_ context.Context, name string) (*catalog.KnowledgeBase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	kb, ok := f.kbs[name]
	if !ok {
		return nil, catalog.ErrNotFound
	}

	cp := *kb

	return &cp, nil
}

func (f *fakeCatalog) CreateKnowledgeBase(_ context.Context, kb *catalog.KnowledgeBase) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.kbs[kb.Name]; ok {
		return catalog.ErrDuplicate
	}

	f.nextKBID++
	kb.ID = f.nextKBID
	cp := *kb
	f.kbs[kb.Name] = &cp

	return nil
}

func (f *fakeCatalog) FindCompatibleKB(_ context.Context, multiKBName string) (*catalog.KnowledgeBase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := multiKBName + "_"

	var found *catalog.KnowledgeBase

	for _, kb := range f.kbs {
		if !strings.HasPrefix(kb.Name, prefix) {
			continue
		}

		if found == nil || kb.ID < found.ID {
			found = kb
		}
	}

	if found == nil {
		return nil, catalog.ErrNotFound
	}

	cp := *found

	return &cp, nil
}

func (f *fakeCatalog) GetMultiSourceKB(_ context.Context, name string) (*catalog.MultiSourceKB, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	kb, ok := f.multiKBs[name]
	if !ok {
		return nil, catalog.ErrNotFound
	}

	cp := *kb

	return &cp, nil
}

func (f *fakeCatalog) CreateMultiSourceRun(_ context.Context, run *catalog.MultiSourceRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextMultiID++
	run.ID = f.nextMultiID
	cp := *run
	f.multiRuns[run.ID] = &cp

	return nil
}

func (f *fakeCatalog) FinishMultiSourceRun(
	ctx context.Context, runID int64, c catalog.RunCounters,
	status catalog.RunStatus, errMsg string, stats json.RawMessage,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	run, ok := f.multiRuns[runID]
	if !ok || run.Status.Terminal() {
		return fmt.Errorf("catalog: multi-source run %d is not in a running state", runID)
	}

	now := time.Now().UTC()
	run.EndTime = &now
	run.Status = status
	run.Counters = c
	run.ErrorMessage = errMsg
	run.SourceStats = stats
	f.multiStats[runID] = stats

	return nil
}

// fakeFile is one file held by a fake source.
type fakeFile struct {
	content     []byte
	created     *time.Time
	modified    *time.Time
	contentType string
	meta        map[string]string
}

// fakeSource is a scriptable source adapter.
type fakeSource struct {
	mu stdsync.Mutex

	files map[string]*fakeFile
	order []string

	listErr      error
	fetchErrs    map[string]error
	transientErr map[string]int
	fetchCounts  map[string]int

	// fetchStarted receives each URI as its fetch begins; fetchRelease,
	// when non-nil, blocks fetches until closed (or the context dies).
	fetchStarted chan string
	fetchRelease chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		files:        make(map[string]*fakeFile),
		fetchErrs:    make(map[string]error),
		transientErr: make(map[string]int),
		fetchCounts:  make(map[string]int),
	}
}

// add installs a file with content and modification time.
func (s *fakeSource) add(uri, content string, mtime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[uri]; !ok {
		s.order = append(s.order, uri)
	}

	mt := mtime
	s.files[uri] = &fakeFile{content: []byte(content), modified: &mt}
}

// addNoMtime installs a file without a modification time.
func (s *fakeSource) addNoMtime(uri, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[uri]; !ok {
		s.order = append(s.order, uri)
	}

	s.files[uri] = &fakeFile{content: []byte(content)}
}

// setMeta attaches listing metadata to a file.
func (s *fakeSource) setMeta(uri string, meta map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.files[uri].meta = meta
}

// remove deletes a file from the source.
func (s *fakeSource) remove(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.files, uri)

	for i, u := range s.order {
		if u == uri {
			s.order = append(s.order[:i], s.order[i+1:]...)

			break
		}
	}
}

// fetches reports how many times a URI was fetched.
func (s *fakeSource) fetches(uri string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.fetchCounts[uri]
}

func (s *fakeSource) infoLocked(uri string, f *fakeFile) source.FileInfo {
	return source.FileInfo{
		URI:         uri,
		Size:        int64(len(f.content)),
		ContentType: f.contentType,
		Created:     f.created,
		Modified:    f.modified,
		SourceMeta:  f.meta,
	}
}

func (s *fakeSource) List(_ context.Context) ([]source.FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listErr != nil {
		return nil, s.listErr
	}

	out := make([]source.FileInfo, 0, len(s.order))

	for _, uri := range s.order {
		if f, ok := s.files[uri]; ok {
			out = append(out, s.infoLocked(uri, f))
		}
	}

	return out, nil
}

func (s *fakeSource) Fetch(ctx context.Context, uri string, w io.Writer) error {
	s.mu.Lock()
	s.fetchCounts[uri]++

	started := s.fetchStarted
	release := s.fetchRelease

	if n := s.transientErr[uri]; n > 0 {
		s.transientErr[uri] = n - 1
		s.mu.Unlock()

		return fmt.Errorf("transient failure for %s", uri)
	}

	if err := s.fetchErrs[uri]; err != nil {
		s.mu.Unlock()

		return err
	}

	f, ok := s.files[uri]
	if !ok {
		s.mu.Unlock()

		return source.ErrNotFound
	}

	content := append([]byte(nil), f.content...)
	s.mu.Unlock()

	if started != nil {
		select {
		case started <- uri:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if _, err := w.Write(content); err != nil {
		return err
	}

	return nil
}

// deltaStep is one scripted DeltaList response.
type deltaStep struct {
	changes []source.Change
	next    string
	err     error
}

// fakeDeltaSource is a scriptable incremental source. Fetch and List come
// from the embedded fakeSource; DeltaList replays the scripted steps.
type fakeDeltaSource struct {
	*fakeSource

	drives    []source.DriveInfo
	drivesErr error

	// steps maps driveID → token → response.
	steps map[string]map[string]deltaStep

	deltaCalls []string
}

func newFakeDeltaSource(drives ...string) *fakeDeltaSource {
	d := &fakeDeltaSource{
		fakeSource: newFakeSource(),
		steps:      make(map[string]map[string]deltaStep),
	}

	for _, id := range drives {
		d.drives = append(d.drives, source.DriveInfo{ID: id, Name: id})
	}

	return d
}

// script installs the response for one (drive, token) pair.
func (d *fakeDeltaSource) script(driveID, token string, step deltaStep) {
	if d.steps[driveID] == nil {
		d.steps[driveID] = make(map[string]deltaStep)
	}

	d.steps[driveID][token] = step
}

func (d *fakeDeltaSource) Drives(_ context.Context) ([]source.DriveInfo, error) {
	if d.drivesErr != nil {
		return nil, d.drivesErr
	}

	return d.drives, nil
}

func (d *fakeDeltaSource) DeltaList(_ context.Context, driveID, token string) ([]source.Change, string, error) {
	d.mu.Lock()
	d.deltaCalls = append(d.deltaCalls, driveID+"|"+token)
	d.mu.Unlock()

	step, ok := d.steps[driveID][token]
	if !ok {
		return nil, "", fmt.Errorf("unscripted delta call: drive=%s token=%q", driveID, token)
	}

	return step.changes, step.next, step.err
}

// changeFor builds a delta change entry for a file the fake source holds.
func (d *fakeDeltaSource) changeFor(uri string) source.Change {
	d.mu.Lock()
	defer d.mu.Unlock()

	f := d.files[uri]

	return source.Change{FileInfo: d.infoLocked(uri, f)}
}

// tombstone builds a deletion entry carrying only an item id.
func tombstone(itemID string) source.Change {
	return source.Change{
		FileInfo:  source.FileInfo{SourceMeta: map[string]string{"item_id": itemID}},
		Tombstone: true,
	}
}

// flakyRAG wraps a real adapter and fails scripted operations before
// delegating.
type flakyRAG struct {
	rag.Adapter

	mu       stdsync.Mutex
	failures map[string]int
	errs     map[string]error
}

func newFlakyRAG(inner rag.Adapter) *flakyRAG {
	return &flakyRAG{
		Adapter:  inner,
		failures: make(map[string]int),
		errs:     make(map[string]error),
	}
}

// fail makes the next n calls of op return err. n < 0 fails forever.
func (f *flakyRAG) fail(op string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failures[op] = n
	f.errs[op] = err
}

func (f *flakyRAG) take(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.failures[op]
	if n == 0 {
		return nil
	}

	if n > 0 {
		f.failures[op] = n - 1
	}

	return f.errs[op]
}

func (f *flakyRAG) Upload(ctx context.Context, content []byte, filename string, meta map[string]string) (string, error) {
	if err := f.take("upload"); err != nil {
		return "", err
	}

	return f.Adapter.Upload(ctx, content, filename, meta)
}

func (f *flakyRAG) Update(ctx context.Context, ragURI string, content []byte, meta map[string]string) error {
	if err := f.take("update"); err != nil {
		return err
	}

	return f.Adapter.Update(ctx, ragURI, content, meta)
}

func (f *flakyRAG) Delete(ctx context.Context, ragURI string) error {
	if err := f.take("delete"); err != nil {
		return err
	}

	return f.Adapter.Delete(ctx, ragURI)
}
