package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSiteURL = "https://contoso.sharepoint.com/sites/docs"

// testSitePath is the mux pattern for the site resolution request that
// ResolveSiteByURL produces for testSiteURL.
const testSitePath = "GET /sites/contoso.sharepoint.com:/sites/docs"

// driveItemJSON builds a Graph driveItem response for a file.
func driveItemJSON(t *testing.T, id, name, driveID, parentPath, webURL, downloadURL string, size int) string {
	t.Helper()

	obj := map[string]any{
		"id":                   id,
		"name":                 name,
		"size":                 size,
		"eTag":                 `"v1"`,
		"webUrl":               webURL,
		"createdDateTime":      "2026-03-01T10:00:00Z",
		"lastModifiedDateTime": "2026-03-02T11:00:00Z",
		"parentReference":      map[string]any{"driveId": driveID, "path": parentPath},
		"file":                 map[string]any{"mimeType": "application/pdf"},
	}
	if downloadURL != "" {
		obj["@microsoft.graph.downloadUrl"] = downloadURL
	}

	raw, err := json.Marshal(obj)
	require.NoError(t, err)

	return string(raw)
}

func folderItemJSON(t *testing.T, id, name, driveID, parentPath string) string {
	t.Helper()

	raw, err := json.Marshal(map[string]any{
		"id":                   id,
		"name":                 name,
		"createdDateTime":      "2026-03-01T10:00:00Z",
		"lastModifiedDateTime": "2026-03-01T10:00:00Z",
		"parentReference":      map[string]any{"driveId": driveID, "path": parentPath},
		"folder":               map[string]any{"childCount": 1},
	})
	require.NoError(t, err)

	return string(raw)
}

func deletedItemJSON(t *testing.T, id, name string) string {
	t.Helper()

	raw, err := json.Marshal(map[string]any{
		"id":                   id,
		"name":                 name,
		"createdDateTime":      "2026-03-01T10:00:00Z",
		"lastModifiedDateTime": "2026-03-01T10:00:00Z",
		"deleted":              map[string]any{"state": "deleted"},
	})
	require.NoError(t, err)

	return string(raw)
}

func jsonHandler(body func(r *http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body(r))
	}
}

// newSharePointTestAdapter spins up a Graph test server and wires the
// adapter at it.
func newSharePointTestAdapter(t *testing.T, mux *http.ServeMux, cfg sharePointConfig) (*SharePoint, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	if cfg.SiteURL == "" && cfg.SiteID == "" {
		cfg.SiteURL = testSiteURL
	}

	return newSharePointWithClient(newTestGraphClient(t, srv), cfg, testLogger(t)), srv
}

func TestSharePointList(t *testing.T) {
	mux := http.NewServeMux()

	mux.HandleFunc(testSitePath, jsonHandler(func(_ *http.Request) string {
		return `{"id":"site-1","name":"docs","displayName":"Docs","webUrl":"` + testSiteURL + `"}`
	}))
	mux.HandleFunc("GET /sites/site-1/drives", jsonHandler(func(_ *http.Request) string {
		return `{"value":[{"id":"B!DRIVE1","name":"Documents","driveType":"documentLibrary"}]}`
	}))
	mux.HandleFunc("GET /drives/b!drive1/items/root/children", jsonHandler(func(r *http.Request) string {
		return fmt.Sprintf(`{"value":[%s,%s]}`,
			driveItemJSON(t, "file-1", "readme.pdf", "b!drive1", "/drives/b!drive1/root:",
				testSiteURL+"/Documents/readme.pdf", fmt.Sprintf("http://%s/dl/readme", r.Host), 10),
			folderItemJSON(t, "folder-1", "Reports", "b!drive1", "/drives/b!drive1/root:"),
		)
	}))
	mux.HandleFunc("GET /drives/b!drive1/items/folder-1/children", jsonHandler(func(_ *http.Request) string {
		return fmt.Sprintf(`{"value":[%s]}`,
			driveItemJSON(t, "file-2", "q1.pdf", "b!drive1", "/drives/b!drive1/root:/Reports",
				testSiteURL+"/Documents/Reports/q1.pdf", "", 2048),
		)
	}))

	sp, _ := newSharePointTestAdapter(t, mux, sharePointConfig{Recursive: true})

	files, err := sp.List(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 2)

	assert.Equal(t, testSiteURL+"/Documents/readme.pdf", files[0].URI)
	assert.Equal(t, "file-1", files[0].SourceMeta["item_id"])
	assert.Equal(t, "b!drive1", files[0].SourceMeta["drive_id"])
	assert.Equal(t, "application/pdf", files[0].ContentType)
	require.NotNil(t, files[0].Modified)

	assert.Equal(t, testSiteURL+"/Documents/Reports/q1.pdf", files[1].URI)
	assert.Equal(t, int64(2048), files[1].Size)
	assert.Equal(t, "Reports/q1.pdf", files[1].SourceMeta["path"])
}

func TestSharePointList_NonRecursive(t *testing.T) {
	mux := http.NewServeMux()

	mux.HandleFunc(testSitePath, jsonHandler(func(_ *http.Request) string {
		return `{"id":"site-1","name":"docs"}`
	}))
	mux.HandleFunc("GET /sites/site-1/drives", jsonHandler(func(_ *http.Request) string {
		return `{"value":[{"id":"b!d1","name":"Documents","driveType":"documentLibrary"}]}`
	}))
	mux.HandleFunc("GET /drives/b!d1/items/root/children", jsonHandler(func(_ *http.Request) string {
		return fmt.Sprintf(`{"value":[%s,%s]}`,
			folderItemJSON(t, "folder-1", "Reports", "b!d1", "/drives/b!d1/root:"),
			driveItemJSON(t, "file-1", "top.pdf", "b!d1", "/drives/b!d1/root:",
				testSiteURL+"/Documents/top.pdf", "", 1),
		)
	}))

	sp, _ := newSharePointTestAdapter(t, mux, sharePointConfig{Recursive: false})

	files, err := sp.List(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "top.pdf", files[0].SourceMeta["path"])
}

func TestSharePointList_LibraryNameFilter(t *testing.T) {
	mux := http.NewServeMux()

	mux.HandleFunc(testSitePath, jsonHandler(func(_ *http.Request) string {
		return `{"id":"site-1","name":"docs"}`
	}))
	mux.HandleFunc("GET /sites/site-1/drives", jsonHandler(func(_ *http.Request) string {
		return `{"value":[
			{"id":"b!contracts","name":"Contracts","driveType":"documentLibrary"},
			{"id":"b!scratch","name":"Scratch","driveType":"documentLibrary"}
		]}`
	}))
	mux.HandleFunc("GET /drives/b!contracts/items/root/children", jsonHandler(func(_ *http.Request) string {
		return fmt.Sprintf(`{"value":[%s]}`,
			driveItemJSON(t, "file-1", "msa.pdf", "b!contracts", "/drives/b!contracts/root:",
				testSiteURL+"/Contracts/msa.pdf", "", 1),
		)
	}))

	sp, _ := newSharePointTestAdapter(t, mux, sharePointConfig{
		Recursive:    true,
		LibraryNames: []string{"Contracts"},
	})

	drives, err := sp.Drives(context.Background())
	require.NoError(t, err)
	require.Len(t, drives, 1)
	assert.Equal(t, "b!contracts", drives[0].ID)
	assert.Equal(t, "Contracts", drives[0].Name)

	files, err := sp.List(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func TestSharePointList_ScopePath(t *testing.T) {
	mux := http.NewServeMux()

	mux.HandleFunc(testSitePath, jsonHandler(func(_ *http.Request) string {
		return `{"id":"site-1","name":"docs"}`
	}))
	mux.HandleFunc("GET /sites/site-1/drives", jsonHandler(func(_ *http.Request) string {
		return `{"value":[
			{"id":"b!d1","name":"Documents","driveType":"documentLibrary"},
			{"id":"b!d2","name":"Archive","driveType":"documentLibrary"}
		]}`
	}))
	// Documents has the Reports folder; Archive does not.
	mux.HandleFunc("GET /drives/b!d1/root:/Reports:", jsonHandler(func(_ *http.Request) string {
		return folderItemJSON(t, "rep-1", "Reports", "b!d1", "/drives/b!d1/root:")
	}))
	mux.HandleFunc("GET /drives/b!d2/root:/Reports:", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":"itemNotFound","message":"not found"}}`)
	})
	mux.HandleFunc("GET /drives/b!d1/items/rep-1/children", jsonHandler(func(_ *http.Request) string {
		return fmt.Sprintf(`{"value":[%s]}`,
			driveItemJSON(t, "file-1", "q1.pdf", "b!d1", "/drives/b!d1/root:/Reports",
				testSiteURL+"/Documents/Reports/q1.pdf", "", 1),
		)
	}))

	sp, _ := newSharePointTestAdapter(t, mux, sharePointConfig{Recursive: true, Path: "/Reports/"})

	files, err := sp.List(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "Reports/q1.pdf", files[0].SourceMeta["path"])
}

func TestSharePointList_AppliesFilters(t *testing.T) {
	mux := http.NewServeMux()

	mux.HandleFunc(testSitePath, jsonHandler(func(_ *http.Request) string {
		return `{"id":"site-1","name":"docs"}`
	}))
	mux.HandleFunc("GET /sites/site-1/drives", jsonHandler(func(_ *http.Request) string {
		return `{"value":[{"id":"b!d1","name":"Documents","driveType":"documentLibrary"}]}`
	}))
	mux.HandleFunc("GET /drives/b!d1/items/root/children", jsonHandler(func(_ *http.Request) string {
		return fmt.Sprintf(`{"value":[%s,%s]}`,
			driveItemJSON(t, "file-1", "keep.pdf", "b!d1", "/drives/b!d1/root:",
				testSiteURL+"/Documents/keep.pdf", "", 1),
			driveItemJSON(t, "file-2", "skip.tmp", "b!d1", "/drives/b!d1/root:",
				testSiteURL+"/Documents/skip.tmp", "", 1),
		)
	}))

	sp, _ := newSharePointTestAdapter(t, mux, sharePointConfig{
		Recursive:         true,
		ExcludeExtensions: []string{".tmp"},
	})

	files, err := sp.List(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, testSiteURL+"/Documents/keep.pdf", files[0].URI)
}

func TestSharePointDrives_ResolvesSiteOnce(t *testing.T) {
	var resolutions atomic.Int32

	mux := http.NewServeMux()

	mux.HandleFunc(testSitePath, jsonHandler(func(_ *http.Request) string {
		resolutions.Add(1)

		return `{"id":"site-1","name":"docs"}`
	}))
	mux.HandleFunc("GET /sites/site-1/drives", jsonHandler(func(_ *http.Request) string {
		return `{"value":[]}`
	}))

	sp, _ := newSharePointTestAdapter(t, mux, sharePointConfig{Recursive: true})

	_, err := sp.Drives(context.Background())
	require.NoError(t, err)
	_, err = sp.Drives(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), resolutions.Load())
}

func TestSharePointDrives_ConfiguredSiteID(t *testing.T) {
	mux := http.NewServeMux()

	// No site resolution handler: the configured ID must be used directly.
	mux.HandleFunc("GET /sites/site-direct/drives", jsonHandler(func(_ *http.Request) string {
		return `{"value":[{"id":"b!d1","name":"Documents","driveType":"documentLibrary"}]}`
	}))

	sp, _ := newSharePointTestAdapter(t, mux, sharePointConfig{Recursive: true, SiteID: "site-direct"})

	drives, err := sp.Drives(context.Background())
	require.NoError(t, err)
	require.Len(t, drives, 1)
}

func TestSharePointFetch_UsesCachedDownloadURL(t *testing.T) {
	mux := http.NewServeMux()

	mux.HandleFunc(testSitePath, jsonHandler(func(_ *http.Request) string {
		return `{"id":"site-1","name":"docs"}`
	}))
	mux.HandleFunc("GET /sites/site-1/drives", jsonHandler(func(_ *http.Request) string {
		return `{"value":[{"id":"b!d1","name":"Documents","driveType":"documentLibrary"}]}`
	}))
	mux.HandleFunc("GET /drives/b!d1/items/root/children", jsonHandler(func(r *http.Request) string {
		return fmt.Sprintf(`{"value":[%s]}`,
			driveItemJSON(t, "file-1", "doc.pdf", "b!d1", "/drives/b!d1/root:",
				testSiteURL+"/Documents/doc.pdf", fmt.Sprintf("http://%s/dl/doc", r.Host), 5),
		)
	}))
	mux.HandleFunc("GET /dl/doc", func(w http.ResponseWriter, r *http.Request) {
		// Pre-authenticated URLs carry their own auth; no bearer header.
		assert.Empty(t, r.Header.Get("Authorization"))
		fmt.Fprint(w, "hello")
	})

	sp, _ := newSharePointTestAdapter(t, mux, sharePointConfig{Recursive: true})

	files, err := sp.List(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)

	var buf bytes.Buffer
	require.NoError(t, sp.Fetch(context.Background(), files[0].URI, &buf))
	assert.Equal(t, "hello", buf.String())
}

func TestSharePointFetch_FallsBackWhenCachedURLRejected(t *testing.T) {
	mux := http.NewServeMux()

	mux.HandleFunc(testSitePath, jsonHandler(func(_ *http.Request) string {
		return `{"id":"site-1","name":"docs"}`
	}))
	mux.HandleFunc("GET /sites/site-1/drives", jsonHandler(func(_ *http.Request) string {
		return `{"value":[{"id":"b!d1","name":"Documents","driveType":"documentLibrary"}]}`
	}))
	mux.HandleFunc("GET /drives/b!d1/items/root/children", jsonHandler(func(r *http.Request) string {
		return fmt.Sprintf(`{"value":[%s]}`,
			driveItemJSON(t, "file-1", "doc.pdf", "b!d1", "/drives/b!d1/root:",
				testSiteURL+"/Documents/doc.pdf", fmt.Sprintf("http://%s/dl/stale", r.Host), 5),
		)
	}))
	mux.HandleFunc("GET /dl/stale", func(w http.ResponseWriter, _ *http.Request) {
		// The listing-time URL has expired.
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":"itemNotFound","message":"expired"}}`)
	})
	mux.HandleFunc("GET /drives/b!d1/items/file-1", jsonHandler(func(r *http.Request) string {
		return driveItemJSON(t, "file-1", "doc.pdf", "b!d1", "/drives/b!d1/root:",
			testSiteURL+"/Documents/doc.pdf", fmt.Sprintf("http://%s/dl/fresh", r.Host), 5)
	}))
	mux.HandleFunc("GET /dl/fresh", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "fresh bytes")
	})

	sp, _ := newSharePointTestAdapter(t, mux, sharePointConfig{Recursive: true})

	_, err := sp.List(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, sp.Fetch(context.Background(), testSiteURL+"/Documents/doc.pdf", &buf))
	assert.Equal(t, "fresh bytes", buf.String())
}

func TestSharePointFetch_UnknownURI(t *testing.T) {
	sp, _ := newSharePointTestAdapter(t, http.NewServeMux(), sharePointConfig{Recursive: true})

	var buf bytes.Buffer
	err := sp.Fetch(context.Background(), testSiteURL+"/Documents/never-listed.pdf", &buf)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSharePointDeltaList(t *testing.T) {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /drives/b!d1/root/delta", jsonHandler(func(r *http.Request) string {
		return fmt.Sprintf(`{"value":[%s,%s,%s],"@odata.deltaLink":"http://%s/drives/b!d1/root/delta?token=t1"}`,
			driveItemJSON(t, "file-1", "new.pdf", "b!d1", "/drives/b!d1/root:",
				testSiteURL+"/Documents/new.pdf", "", 7),
			folderItemJSON(t, "folder-1", "Reports", "b!d1", "/drives/b!d1/root:"),
			deletedItemJSON(t, "gone-1", "old.pdf"),
			r.Host,
		)
	}))

	sp, srv := newSharePointTestAdapter(t, mux, sharePointConfig{Recursive: true})

	changes, token, err := sp.DeltaList(context.Background(), "b!d1", "")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/drives/b!d1/root/delta?token=t1", token)
	require.Len(t, changes, 2)

	assert.False(t, changes[0].Tombstone)
	assert.Equal(t, testSiteURL+"/Documents/new.pdf", changes[0].URI)
	assert.Equal(t, int64(7), changes[0].Size)

	assert.True(t, changes[1].Tombstone)
	assert.Equal(t, "gone-1", changes[1].SourceMeta["item_id"])
	assert.Equal(t, "b!d1", changes[1].SourceMeta["drive_id"])
	assert.Equal(t, "old.pdf", changes[1].SourceMeta["name"])
}

func TestSharePointDeltaList_ExpiredToken(t *testing.T) {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /drives/b!d1/root/delta", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		fmt.Fprint(w, `{"error":{"code":"resyncRequired","message":"token expired"}}`)
	})

	sp, srv := newSharePointTestAdapter(t, mux, sharePointConfig{Recursive: true})

	_, _, err := sp.DeltaList(context.Background(), "b!d1", srv.URL+"/drives/b!d1/root/delta?token=stale")
	require.ErrorIs(t, err, ErrDeltaExpired)
}

func TestSharePointDeltaList_FiltersPresentItems(t *testing.T) {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /drives/b!d1/root/delta", jsonHandler(func(r *http.Request) string {
		return fmt.Sprintf(`{"value":[%s,%s],"@odata.deltaLink":"http://%s/drives/b!d1/root/delta?token=t1"}`,
			driveItemJSON(t, "file-1", "inside.pdf", "b!d1", "/drives/b!d1/root:/Reports",
				testSiteURL+"/Documents/Reports/inside.pdf", "", 1),
			driveItemJSON(t, "file-2", "outside.pdf", "b!d1", "/drives/b!d1/root:",
				testSiteURL+"/Documents/outside.pdf", "", 1),
			r.Host,
		)
	}))

	sp, _ := newSharePointTestAdapter(t, mux, sharePointConfig{Recursive: true, Path: "Reports"})

	changes, _, err := sp.DeltaList(context.Background(), "b!d1", "")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "Reports/inside.pdf", changes[0].SourceMeta["path"])
}

func TestNewSharePoint_ConfigErrors(t *testing.T) {
	_, err := newSharePoint(context.Background(), mustJSON(t, map[string]any{
		"tenant_id": "t", "client_id": "c", "client_secret": "s",
	}), testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "site_url or site_id")
}

func TestSharePointTokenSource_Selection(t *testing.T) {
	logger := testLogger(t)

	// Username and password select the password grant.
	ts, err := sharePointTokenSource(context.Background(), sharePointConfig{
		TenantID: "t", ClientID: "c",
		Username: "user@contoso.com", Password: "pw",
	}, logger)
	require.NoError(t, err)
	assert.NotNil(t, ts)

	// Otherwise app-only client credentials.
	ts, err = sharePointTokenSource(context.Background(), sharePointConfig{
		TenantID: "t", ClientID: "c", ClientSecret: "s",
	}, logger)
	require.NoError(t, err)
	assert.NotNil(t, ts)

	// Incomplete password credentials are rejected up front.
	_, err = sharePointTokenSource(context.Background(), sharePointConfig{
		TenantID: "t", ClientID: "c", Username: "user@contoso.com",
	}, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password")
}

// hashedDriveItemJSON is driveItemJSON with a quickXorHash in the file facet.
func hashedDriveItemJSON(t *testing.T, id, name, driveID, webURL, downloadURL, hash string, size int) string {
	t.Helper()

	raw, err := json.Marshal(map[string]any{
		"id":                   id,
		"name":                 name,
		"size":                 size,
		"webUrl":               webURL,
		"createdDateTime":      "2026-03-01T10:00:00Z",
		"lastModifiedDateTime": "2026-03-02T11:00:00Z",
		"parentReference":      map[string]any{"driveId": driveID, "path": "/drives/" + driveID + "/root:"},
		"file": map[string]any{
			"mimeType": "application/pdf",
			"hashes":   map[string]any{"quickXorHash": hash},
		},
		"@microsoft.graph.downloadUrl": downloadURL,
	})
	require.NoError(t, err)

	return string(raw)
}

// QuickXorHash of "hello", same vector the hash package verifies against
// rclone.
const helloQuickXorHash = "aCgDG9jwBgAAAAAABQAAAAAAAAA="

func TestSharePointFetch_VerifiesQuickXorHash(t *testing.T) {
	mux := http.NewServeMux()

	mux.HandleFunc(testSitePath, jsonHandler(func(_ *http.Request) string {
		return `{"id":"site-1","name":"docs"}`
	}))
	mux.HandleFunc("GET /sites/site-1/drives", jsonHandler(func(_ *http.Request) string {
		return `{"value":[{"id":"b!d1","name":"Documents","driveType":"documentLibrary"}]}`
	}))
	mux.HandleFunc("GET /drives/b!d1/items/root/children", jsonHandler(func(r *http.Request) string {
		return fmt.Sprintf(`{"value":[%s]}`,
			hashedDriveItemJSON(t, "file-1", "doc.pdf", "b!d1",
				testSiteURL+"/Documents/doc.pdf", fmt.Sprintf("http://%s/dl/doc", r.Host),
				helloQuickXorHash, 5),
		)
	}))
	mux.HandleFunc("GET /dl/doc", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "hello")
	})

	sp, _ := newSharePointTestAdapter(t, mux, sharePointConfig{Recursive: true})

	_, err := sp.List(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, sp.Fetch(context.Background(), testSiteURL+"/Documents/doc.pdf", &buf))
	assert.Equal(t, "hello", buf.String())
}

func TestSharePointFetch_RejectsCorruptedDownload(t *testing.T) {
	mux := http.NewServeMux()

	mux.HandleFunc(testSitePath, jsonHandler(func(_ *http.Request) string {
		return `{"id":"site-1","name":"docs"}`
	}))
	mux.HandleFunc("GET /sites/site-1/drives", jsonHandler(func(_ *http.Request) string {
		return `{"value":[{"id":"b!d1","name":"Documents","driveType":"documentLibrary"}]}`
	}))
	mux.HandleFunc("GET /drives/b!d1/items/root/children", jsonHandler(func(r *http.Request) string {
		return fmt.Sprintf(`{"value":[%s]}`,
			hashedDriveItemJSON(t, "file-1", "doc.pdf", "b!d1",
				testSiteURL+"/Documents/doc.pdf", fmt.Sprintf("http://%s/dl/doc", r.Host),
				helloQuickXorHash, 5),
		)
	}))
	mux.HandleFunc("GET /dl/doc", func(w http.ResponseWriter, _ *http.Request) {
		// Bytes that do not match the listed hash.
		fmt.Fprint(w, "HELLO")
	})

	sp, _ := newSharePointTestAdapter(t, mux, sharePointConfig{Recursive: true})

	_, err := sp.List(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	err = sp.Fetch(context.Background(), testSiteURL+"/Documents/doc.pdf", &buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}
