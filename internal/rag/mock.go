package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

type mockEntry struct {
	content   []byte
	filename  string
	meta      map[string]string
	createdAt time.Time
	updatedAt time.Time
}

// Mock is an in-memory Adapter for tests. It keeps every uploaded
// document in a map and counts calls per operation so tests can assert
// exactly which storage traffic a sync produced.
type Mock struct {
	logger *slog.Logger

	mu    sync.Mutex
	docs  map[string]mockEntry
	calls map[string]int

	now func() time.Time
}

var _ Adapter = (*Mock)(nil)

// NewMock returns an empty in-memory backend.
func NewMock(logger *slog.Logger) *Mock {
	if logger == nil {
		logger = slog.Default()
	}

	return &Mock{
		logger: logger,
		docs:   make(map[string]mockEntry),
		calls:  make(map[string]int),
		now:    time.Now,
	}
}

func (m *Mock) Upload(ctx context.Context, content []byte, filename string, meta map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["upload"]++

	uri := "/mock/" + filename
	entry := mockEntry{
		content:   append([]byte(nil), content...),
		filename:  filename,
		meta:      copyMeta(meta),
		createdAt: m.now(),
		updatedAt: m.now(),
	}
	if prev, ok := m.docs[uri]; ok {
		entry.createdAt = prev.createdAt
	}
	m.docs[uri] = entry

	m.logger.Debug("mock upload", slog.String("uri", uri), slog.Int("bytes", len(content)))
	return uri, nil
}

func (m *Mock) Update(ctx context.Context, ragURI string, content []byte, meta map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["update"]++

	entry, ok := m.docs[ragURI]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConflict, ragURI)
	}

	entry.content = append([]byte(nil), content...)
	entry.meta = copyMeta(meta)
	entry.updatedAt = m.now()
	m.docs[ragURI] = entry

	m.logger.Debug("mock update", slog.String("uri", ragURI), slog.Int("bytes", len(content)))
	return nil
}

func (m *Mock) Delete(ctx context.Context, ragURI string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["delete"]++

	if _, ok := m.docs[ragURI]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ragURI)
	}

	delete(m.docs, ragURI)
	m.logger.Debug("mock delete", slog.String("uri", ragURI))
	return nil
}

func (m *Mock) List(ctx context.Context, prefix string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["list"]++

	var docs []Document
	for uri, entry := range m.docs {
		if !strings.HasPrefix(uri, prefix) {
			continue
		}
		docs = append(docs, entryDocument(uri, entry))
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].URI < docs[j].URI })
	return docs, nil
}

func (m *Mock) Get(ctx context.Context, ragURI string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["get"]++

	entry, ok := m.docs[ragURI]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ragURI)
	}

	doc := entryDocument(ragURI, entry)
	return &doc, nil
}

// CallCount reports how many times the named operation (upload, update,
// delete, list, get) has run.
func (m *Mock) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Len reports how many documents the backend currently holds.
func (m *Mock) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

// Content returns the stored bytes for ragURI, or false if absent.
func (m *Mock) Content(ragURI string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.docs[ragURI]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), entry.content...), true
}

func entryDocument(uri string, entry mockEntry) Document {
	return Document{
		ID:        uri,
		Name:      entry.filename,
		URI:       uri,
		Size:      int64(len(entry.content)),
		Hash:      entry.meta["file_hash"],
		CreatedAt: entry.createdAt,
		UpdatedAt: entry.updatedAt,
		Metadata:  copyMeta(entry.meta),
	}
}

func copyMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
