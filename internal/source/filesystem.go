package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

type filesystemConfig struct {
	RootPath          string   `json:"root_path"`
	IncludePatterns   []string `json:"include_patterns"`
	ExcludePatterns   []string `json:"exclude_patterns"`
	IncludeExtensions []string `json:"include_extensions"`
	ExcludeExtensions []string `json:"exclude_extensions"`
}

// Filesystem lists and fetches files from a local directory tree.
// URIs are absolute paths, so a KB moved between machines with the same
// mount layout keeps its identity.
type Filesystem struct {
	root   string
	filter *fileFilter
	logger *slog.Logger
}

var _ Adapter = (*Filesystem)(nil)

func newFilesystem(raw json.RawMessage, logger *slog.Logger) (*Filesystem, error) {
	var cfg filesystemConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}

	if cfg.RootPath == "" {
		return nil, errors.New("source: file_system requires root_path")
	}

	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("source: resolving root_path: %w", err)
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: root path %s: %w", ErrSourceUnavailable, root, err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("%w: root path %s is not a directory", ErrSourceUnavailable, root)
	}

	return &Filesystem{
		root:   root,
		filter: newFileFilter(cfg.IncludePatterns, cfg.ExcludePatterns, cfg.IncludeExtensions, cfg.ExcludeExtensions),
		logger: logger,
	}, nil
}

// List walks the tree under the root and returns every regular file that
// passes the configured filters. Unreadable entries below the root are
// skipped with a warning rather than failing the listing.
func (s *Filesystem) List(ctx context.Context) ([]FileInfo, error) {
	var files []FileInfo

	walkErr := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}

		if err != nil {
			if p == s.root {
				return err
			}

			s.logger.Warn("skipping unreadable entry",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)

			return nil
		}

		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, relErr := filepath.Rel(s.root, p)
		if relErr != nil {
			return relErr
		}

		rel = filepath.ToSlash(rel)

		// Match on the NFC form so patterns with composed characters
		// catch names that macOS volumes report decomposed.
		if !s.filter.Include(norm.NFC.String(rel)) {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			s.logger.Warn("skipping unstattable file",
				slog.String("path", p),
				slog.String("error", infoErr.Error()),
			)

			return nil
		}

		modified := info.ModTime()
		files = append(files, FileInfo{
			URI:         p,
			Size:        info.Size(),
			ContentType: contentTypeForPath(p),
			Modified:    &modified,
			SourceMeta:  map[string]string{"relative_path": rel},
		})

		return nil
	})
	if walkErr != nil {
		if errors.Is(walkErr, context.Canceled) || errors.Is(walkErr, context.DeadlineExceeded) {
			return nil, walkErr
		}

		return nil, fmt.Errorf("%w: walking %s: %w", ErrSourceUnavailable, s.root, walkErr)
	}

	s.logger.Debug("listed local files",
		slog.String("root", s.root),
		slog.Int("count", len(files)),
	)

	return files, nil
}

// Fetch streams the file at uri to w. URIs outside the configured root
// are treated as not found, so a reconfigured KB cannot reach outside
// its tree.
func (s *Filesystem) Fetch(ctx context.Context, uri string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cleaned := filepath.Clean(uri)
	if cleaned != s.root && !strings.HasPrefix(cleaned, s.root+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s is outside the source root", ErrNotFound, uri)
	}

	f, err := os.Open(cleaned)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, uri)
		}

		return fmt.Errorf("source: opening %s: %w", uri, err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("source: reading %s: %w", uri, err)
	}

	return nil
}

// contentTypeForPath guesses a MIME type from the file extension,
// dropping any charset parameter. Unknown extensions report
// application/octet-stream.
func contentTypeForPath(p string) string {
	ct := mime.TypeByExtension(filepath.Ext(p))
	if ct == "" {
		return "application/octet-stream"
	}

	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}

	return ct
}

// timePtr is a convenience for optional timestamp fields.
func timePtr(t time.Time) *time.Time {
	return &t
}
