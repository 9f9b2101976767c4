// Package testutil provides shared environment helpers for E2E and
// integration tests. It depends only on stdlib so any test package can use
// it without dragging in the engine's dependencies.
package testutil

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// Missing file is not an error (CI sets env vars directly).
// Existing env vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, "\"'")

		// Env vars take precedence over .env file.
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// ValidateTestDatabase crashes the process unless the DSN names a database
// whose name contains "test". E2E runs create knowledge bases, runs, and
// records freely and never clean up; pointing them at a production catalog
// must be impossible to do by accident.
func ValidateTestDatabase(dsn string) {
	name := databaseName(dsn)
	if name == "" {
		fmt.Fprintf(os.Stderr, "FATAL: cannot determine database name from DSN %q\n", dsn)
		fmt.Fprintln(os.Stderr, "Use a URL DSN (postgres://...) or include dbname= in keyword form.")
		os.Exit(1)
	}

	if !strings.Contains(strings.ToLower(name), "test") {
		fmt.Fprintf(os.Stderr, "FATAL: database %q does not look like a test database\n", name)
		fmt.Fprintln(os.Stderr, "E2E tests write rows without cleanup. Use a disposable database whose name contains \"test\".")
		os.Exit(1)
	}
}

// databaseName extracts the database name from a URL-form or keyword-form
// PostgreSQL DSN. Returns "" when the DSN carries no database name.
func databaseName(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && (u.Scheme == "postgres" || u.Scheme == "postgresql") {
		return strings.TrimPrefix(u.Path, "/")
	}

	for _, field := range strings.Fields(dsn) {
		if v, ok := strings.CutPrefix(field, "dbname="); ok {
			return strings.Trim(v, "'\"")
		}
	}

	return ""
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}
