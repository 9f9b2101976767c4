package source

import (
	"path"
	"path/filepath"
	"strings"
)

// fileFilter applies the include/exclude rules shared by all adapters.
// Paths are matched in slash-separated form relative to the source root.
type fileFilter struct {
	includePatterns   []string
	excludePatterns   []string
	includeExtensions []string
	excludeExtensions []string
}

func newFileFilter(includePat, excludePat, includeExt, excludeExt []string) *fileFilter {
	return &fileFilter{
		includePatterns:   includePat,
		excludePatterns:   excludePat,
		includeExtensions: normalizeExtensions(includeExt),
		excludeExtensions: normalizeExtensions(excludeExt),
	}
}

// Include reports whether the file at relPath passes the filter chain.
// Rules apply in order: exclude extensions, include extensions (a
// whitelist when non-empty), exclude patterns, include patterns (a
// whitelist when non-empty). Extensions compare case-insensitively;
// patterns are globs where "**" matches any number of path segments.
func (f *fileFilter) Include(relPath string) bool {
	ext := strings.ToLower(path.Ext(relPath))

	for _, e := range f.excludeExtensions {
		if ext == e {
			return false
		}
	}

	if len(f.includeExtensions) > 0 {
		match := false

		for _, e := range f.includeExtensions {
			if ext == e {
				match = true

				break
			}
		}

		if !match {
			return false
		}
	}

	for _, pat := range f.excludePatterns {
		if matchPattern(pat, relPath) {
			return false
		}
	}

	if len(f.includePatterns) > 0 {
		for _, pat := range f.includePatterns {
			if matchPattern(pat, relPath) {
				return true
			}
		}

		return false
	}

	return true
}

// normalizeExtensions lowercases extensions and ensures a leading dot, so
// config may say "pdf" or ".PDF" interchangeably. Empty entries drop out.
func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))

	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}

		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}

		out = append(out, e)
	}

	return out
}

// matchPattern matches a glob pattern against a slash-separated relative
// path. A pattern without a slash matches the basename wherever the file
// sits ("*.pdf" matches "a/b/c.pdf"). Multi-segment patterns match a
// trailing run of path segments, so "reports/*.pdf" matches
// "2026/reports/q1.pdf". "**" matches zero or more whole segments.
// Malformed patterns match nothing.
func matchPattern(pattern, relPath string) bool {
	pattern = strings.Trim(pattern, "/")
	if pattern == "" {
		return false
	}

	if !strings.Contains(pattern, "/") && pattern != "**" {
		ok, err := filepath.Match(pattern, path.Base(relPath))

		return err == nil && ok
	}

	patSegs := strings.Split(pattern, "/")
	pathSegs := strings.Split(strings.Trim(relPath, "/"), "/")

	// Trailing-anchored: the pattern may match starting at any depth.
	for i := 0; i <= len(pathSegs); i++ {
		if matchSegments(patSegs, pathSegs[i:]) {
			return true
		}
	}

	return false
}

// matchSegments matches pattern segments against path segments one to
// one, with "**" consuming zero or more segments.
func matchSegments(patSegs, pathSegs []string) bool {
	if len(patSegs) == 0 {
		return len(pathSegs) == 0
	}

	if patSegs[0] == "**" {
		for i := 0; i <= len(pathSegs); i++ {
			if matchSegments(patSegs[1:], pathSegs[i:]) {
				return true
			}
		}

		return false
	}

	if len(pathSegs) == 0 {
		return false
	}

	ok, err := filepath.Match(patSegs[0], pathSegs[0])
	if err != nil || !ok {
		return false
	}

	return matchSegments(patSegs[1:], pathSegs[1:])
}
