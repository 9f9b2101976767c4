package rag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockUploadGetRoundtrip(t *testing.T) {
	m := NewMock(testLogger(t))
	ctx := context.Background()

	uri, err := m.Upload(ctx, []byte("report body"), "doc-1.pdf", map[string]string{
		"file_hash":    "abc123",
		"original_uri": "/src/doc-1.pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, "/mock/doc-1.pdf", uri)

	doc, err := m.Get(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, "doc-1.pdf", doc.Name)
	assert.Equal(t, uri, doc.URI)
	assert.Equal(t, int64(len("report body")), doc.Size)
	assert.Equal(t, "abc123", doc.Hash)
	assert.Equal(t, "/src/doc-1.pdf", doc.Metadata["original_uri"])
	assert.False(t, doc.CreatedAt.IsZero())
}

func TestMockUpload_Overwrite(t *testing.T) {
	m := NewMock(testLogger(t))
	ctx := context.Background()

	first, err := m.Upload(ctx, []byte("v1"), "doc.pdf", nil)
	require.NoError(t, err)
	second, err := m.Upload(ctx, []byte("v2"), "doc.pdf", nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, m.Len())

	content, ok := m.Content(first)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), content)
}

func TestMockUpdate(t *testing.T) {
	m := NewMock(testLogger(t))
	ctx := context.Background()

	uri, err := m.Upload(ctx, []byte("old"), "doc.pdf", map[string]string{"file_hash": "h1"})
	require.NoError(t, err)

	require.NoError(t, m.Update(ctx, uri, []byte("new bytes"), map[string]string{"file_hash": "h2"}))

	doc, err := m.Get(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, int64(len("new bytes")), doc.Size)
	assert.Equal(t, "h2", doc.Hash)
}

func TestMockUpdate_Missing(t *testing.T) {
	m := NewMock(testLogger(t))

	err := m.Update(context.Background(), "/mock/ghost.pdf", []byte("x"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMockDelete(t *testing.T) {
	m := NewMock(testLogger(t))
	ctx := context.Background()

	uri, err := m.Upload(ctx, []byte("bytes"), "doc.pdf", nil)
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, uri))
	assert.Equal(t, 0, m.Len())

	err = m.Delete(ctx, uri)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMockList(t *testing.T) {
	m := NewMock(testLogger(t))
	ctx := context.Background()

	_, err := m.Upload(ctx, []byte("a"), "a.pdf", nil)
	require.NoError(t, err)
	_, err = m.Upload(ctx, []byte("b"), "b.pdf", nil)
	require.NoError(t, err)

	docs, err := m.List(ctx, "/mock/")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "/mock/a.pdf", docs[0].URI)
	assert.Equal(t, "/mock/b.pdf", docs[1].URI)

	docs, err = m.List(ctx, "/mock/b")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "b.pdf", docs[0].Name)
}

func TestMockCallCounts(t *testing.T) {
	m := NewMock(testLogger(t))
	ctx := context.Background()

	uri, err := m.Upload(ctx, []byte("x"), "doc.pdf", nil)
	require.NoError(t, err)
	require.NoError(t, m.Update(ctx, uri, []byte("y"), nil))
	_, err = m.Get(ctx, uri)
	require.NoError(t, err)
	_, err = m.List(ctx, "")
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, uri))

	assert.Equal(t, 1, m.CallCount("upload"))
	assert.Equal(t, 1, m.CallCount("update"))
	assert.Equal(t, 1, m.CallCount("get"))
	assert.Equal(t, 1, m.CallCount("list"))
	assert.Equal(t, 1, m.CallCount("delete"))
	assert.Equal(t, 0, m.CallCount("never"))
}

func TestMockStoresContentCopy(t *testing.T) {
	m := NewMock(testLogger(t))
	ctx := context.Background()

	buf := []byte("original")
	uri, err := m.Upload(ctx, buf, "doc.pdf", nil)
	require.NoError(t, err)

	// Mutating the caller's buffer must not reach the stored copy.
	buf[0] = 'X'

	content, ok := m.Content(uri)
	require.True(t, ok)
	assert.Equal(t, []byte("original"), content)
}
