package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// metadataSuffix names the sidecar next to each stored document, in a
// parallel tree under metadata/.
const metadataSuffix = ".metadata.json"

type fileStoreConfig struct {
	StoragePath       string `json:"storage_path"`
	RootPath          string `json:"root_path"`
	KBName            string `json:"kb_name"`
	CreateDirs        bool   `json:"create_dirs"`
	PreserveStructure bool   `json:"preserve_structure"`
	MetadataFormat    string `json:"metadata_format"`
}

// FileStore persists documents to a local directory tree:
// <root>/documents holds the content, <root>/metadata holds one JSON
// sidecar per document. Rag URIs take the shape "<kb>/<filename>".
type FileStore struct {
	root      string
	documents string
	metadata  string
	kb        string
	preserve  bool
	logger    *slog.Logger
}

var _ Adapter = (*FileStore)(nil)

func newFileStore(kbName string, raw json.RawMessage, logger *slog.Logger) (*FileStore, error) {
	cfg := fileStoreConfig{CreateDirs: true}
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}

	root := cfg.StoragePath
	if root == "" {
		root = cfg.RootPath
	}
	if root == "" {
		root = os.Getenv("DOCUMENT_LOADER_STORAGE_PATH")
	}
	if root == "" {
		return nil, errors.New("rag: file_system_storage requires storage_path")
	}

	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("rag: resolving storage path: %w", err)
	}

	switch cfg.MetadataFormat {
	case "", "json":
	case "yaml":
		return nil, errors.New("rag: metadata_format yaml is not supported, use json")
	default:
		return nil, fmt.Errorf("rag: unknown metadata_format %q", cfg.MetadataFormat)
	}

	kb := cfg.KBName
	if kb == "" {
		kb = kbName
	}
	if kb == "" {
		kb = "default"
	}

	s := &FileStore{
		root:      root,
		documents: filepath.Join(root, "documents"),
		metadata:  filepath.Join(root, "metadata"),
		kb:        kb,
		preserve:  cfg.PreserveStructure,
		logger:    logger,
	}

	if cfg.CreateDirs {
		for _, dir := range []string{s.documents, s.metadata} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("%w: creating %s: %w", ErrUnavailable, dir, err)
			}
		}
	}

	info, err := os.Stat(s.documents)
	if err != nil {
		return nil, fmt.Errorf("%w: storage path %s: %w", ErrUnavailable, s.documents, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: storage path %s is not a directory", ErrUnavailable, s.documents)
	}

	// Probe for write permission up front so a read-only mount fails the
	// run before any per-file work starts.
	probe := filepath.Join(root, ".write_test")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return nil, fmt.Errorf("%w: no write permission for %s: %w", ErrUnavailable, root, err)
	}
	_ = os.Remove(probe)

	logger.Debug("file store ready",
		slog.String("root", root),
		slog.Bool("preserve_structure", s.preserve))
	return s, nil
}

func (s *FileStore) Upload(ctx context.Context, content []byte, filename string, meta map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	destDir := s.documents
	if s.preserve {
		if sub := preserveSubdir(meta); sub != "" {
			destDir = filepath.Join(s.documents, filepath.FromSlash(sub))
		}
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("rag: creating %s: %w", destDir, err)
	}

	docPath := filepath.Join(destDir, filename)
	if err := os.WriteFile(docPath, content, 0o644); err != nil {
		return "", fmt.Errorf("rag: writing %s: %w", docPath, err)
	}

	if err := s.writeSidecar(docPath, content, meta); err != nil {
		return "", err
	}

	uri := s.kb + "/" + filename
	s.logger.Debug("stored document",
		slog.String("uri", uri),
		slog.Int("bytes", len(content)))
	return uri, nil
}

func (s *FileStore) Update(ctx context.Context, ragURI string, content []byte, meta map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	docPath, err := s.uriToPath(ragURI)
	if err != nil {
		return err
	}

	if _, err := os.Stat(docPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrConflict, ragURI)
		}
		return fmt.Errorf("rag: checking %s: %w", docPath, err)
	}

	if err := os.WriteFile(docPath, content, 0o644); err != nil {
		return fmt.Errorf("rag: writing %s: %w", docPath, err)
	}

	if err := s.writeSidecar(docPath, content, meta); err != nil {
		return err
	}

	s.logger.Debug("updated document",
		slog.String("uri", ragURI),
		slog.Int("bytes", len(content)))
	return nil
}

func (s *FileStore) Delete(ctx context.Context, ragURI string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	docPath, err := s.uriToPath(ragURI)
	if err != nil {
		return err
	}

	sidecar, sidecarErr := s.sidecarPath(docPath)
	if sidecarErr == nil {
		if err := os.Remove(sidecar); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("rag: removing %s: %w", sidecar, err)
		}
	}

	if err := os.Remove(docPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, ragURI)
		}
		return fmt.Errorf("rag: removing %s: %w", docPath, err)
	}

	// With preserved structure, clear out directories the last document
	// left behind. Remove fails on non-empty directories and that is
	// fine.
	if s.preserve {
		if dir := filepath.Dir(docPath); dir != s.documents {
			_ = os.Remove(dir)
		}
	}

	s.logger.Debug("deleted document", slog.String("uri", ragURI))
	return nil
}

func (s *FileStore) List(ctx context.Context, prefix string) ([]Document, error) {
	var docs []Document

	walkErr := filepath.WalkDir(s.documents, func(p string, d fs.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		// Sidecars live under metadata/; skip any stray ones here.
		if strings.HasSuffix(d.Name(), metadataSuffix) {
			return nil
		}

		uri := s.kb + "/" + d.Name()
		if !strings.HasPrefix(uri, prefix) {
			return nil
		}

		doc, err := s.describe(p, uri)
		if err != nil {
			return err
		}
		docs = append(docs, *doc)
		return nil
	})
	if walkErr != nil {
		if errors.Is(walkErr, context.Canceled) || errors.Is(walkErr, context.DeadlineExceeded) {
			return nil, walkErr
		}
		return nil, fmt.Errorf("rag: listing %s: %w", s.documents, walkErr)
	}

	s.logger.Debug("listed documents",
		slog.String("prefix", prefix),
		slog.Int("count", len(docs)))
	return docs, nil
}

func (s *FileStore) Get(ctx context.Context, ragURI string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	docPath, err := s.uriToPath(ragURI)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(docPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ragURI)
		}
		return nil, fmt.Errorf("rag: checking %s: %w", docPath, err)
	}

	return s.describe(docPath, ragURI)
}

// uriToPath resolves a rag URI to its path under documents/. The leading
// "<kb>/" segment is stripped; whatever remains must stay inside the
// documents tree.
func (s *FileStore) uriToPath(uri string) (string, error) {
	name := uri
	if i := strings.Index(uri, "/"); i >= 0 {
		name = uri[i+1:]
	}
	if name == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, uri)
	}

	docPath := filepath.Join(s.documents, filepath.FromSlash(name))
	if docPath != s.documents && !strings.HasPrefix(docPath, s.documents+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s resolves outside the storage root", ErrNotFound, uri)
	}
	return docPath, nil
}

func (s *FileStore) describe(docPath, uri string) (*Document, error) {
	info, err := os.Stat(docPath)
	if err != nil {
		return nil, fmt.Errorf("rag: checking %s: %w", docPath, err)
	}

	meta := map[string]string{}
	if sidecar, err := s.sidecarPath(docPath); err == nil {
		if loaded, err := loadSidecar(sidecar); err == nil {
			meta = loaded
		}
	}

	return &Document{
		ID:        uri,
		Name:      filepath.Base(docPath),
		URI:       uri,
		Size:      info.Size(),
		Hash:      meta["file_hash"],
		UpdatedAt: info.ModTime(),
		Metadata:  meta,
	}, nil
}

// sidecarPath maps a document path to its metadata sidecar, mirroring
// any subdirectories under metadata/.
func (s *FileStore) sidecarPath(docPath string) (string, error) {
	rel, err := filepath.Rel(s.documents, docPath)
	if err != nil {
		return "", fmt.Errorf("rag: locating sidecar for %s: %w", docPath, err)
	}
	return filepath.Join(s.metadata, filepath.Dir(rel), filepath.Base(rel)+metadataSuffix), nil
}

func (s *FileStore) writeSidecar(docPath string, content []byte, meta map[string]string) error {
	sidecar, err := s.sidecarPath(docPath)
	if err != nil {
		return err
	}

	stored := copyMeta(meta)
	stored["file_size"] = strconv.Itoa(len(content))

	blob, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("rag: encoding metadata for %s: %w", docPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(sidecar), 0o755); err != nil {
		return fmt.Errorf("rag: creating %s: %w", filepath.Dir(sidecar), err)
	}
	if err := os.WriteFile(sidecar, blob, 0o644); err != nil {
		return fmt.Errorf("rag: writing %s: %w", sidecar, err)
	}
	return nil
}

func loadSidecar(path string) (map[string]string, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	meta := map[string]string{}
	if err := json.Unmarshal(blob, &meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// preserveSubdir derives the subdirectory for a preserved-structure
// upload from the document's original location: up to the last two
// directory segments for absolute paths and URLs, the full parent chain
// for relative paths. Dot segments are dropped.
func preserveSubdir(meta map[string]string) string {
	orig := meta["original_path"]
	if orig == "" {
		orig = meta["original_uri"]
	}
	if orig == "" {
		return ""
	}

	p := filepath.ToSlash(orig)
	bounded := path.IsAbs(p)
	if i := strings.Index(p, "://"); i >= 0 {
		p = p[i+3:]
		// Drop the host segment along with the scheme.
		if j := strings.Index(p, "/"); j >= 0 {
			p = p[j+1:]
		} else {
			p = ""
		}
		bounded = true
	}

	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return ""
	}

	var segs []string
	for _, seg := range strings.Split(dir, "/") {
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		segs = append(segs, seg)
	}
	if bounded && len(segs) > 2 {
		segs = segs[len(segs)-2:]
	}
	return path.Join(segs...)
}
