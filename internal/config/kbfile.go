package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// Recognized sync strategy modes for multi-source knowledge bases.
var validSyncModes = map[string]bool{
	"parallel":    true,
	"sequential":  true,
	"selective":   true,
	"incremental": true,
}

// sourceIDPattern restricts source identifiers to a charset that is safe in
// catalog keys and log output.
var sourceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// KBFile is a multi-source knowledge base definition parsed from a TOML file.
// The config sub-tables are free-form and passed through to the source and
// RAG adapters, which decode the keys they understand.
type KBFile struct {
	Name         string          `toml:"name"`
	Description  string          `toml:"description"`
	RAG          RAGSection      `toml:"rag"`
	FileOrg      map[string]any  `toml:"file_organization"`
	SyncStrategy SyncStrategyDef `toml:"sync_strategy"`
	Sources      []SourceFileDef `toml:"source"`
}

// RAGSection names the storage backend and carries its free-form settings.
type RAGSection struct {
	Type   string         `toml:"type"`
	Config map[string]any `toml:"config"`
}

// SyncStrategyDef controls how the driver schedules sources by default.
type SyncStrategyDef struct {
	DefaultMode string `toml:"default_mode"`
}

// SourceFileDef is one [[source]] entry in a knowledge base definition.
type SourceFileDef struct {
	ID           string            `toml:"id"`
	Type         string            `toml:"type"`
	Enabled      *bool             `toml:"enabled"`
	Config       map[string]any    `toml:"config"`
	MetadataTags map[string]string `toml:"metadata_tags"`
}

// IsEnabled reports whether the source participates in syncs. Sources are
// enabled unless the definition says otherwise.
func (s *SourceFileDef) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// LoadKBFile parses and validates a TOML knowledge base definition.
// Unrecognized top-level keys are an error so that typos surface at load
// time instead of silently dropping a source.
func LoadKBFile(path string) (*KBFile, error) {
	var f KBFile

	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}

		return nil, fmt.Errorf("config: %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return &f, nil
}

// Validate checks structural requirements on a knowledge base definition.
func (f *KBFile) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("knowledge base name is required")
	}

	if f.RAG.Type == "" {
		return fmt.Errorf("rag.type is required")
	}

	if len(f.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}

	if f.SyncStrategy.DefaultMode != "" && !validSyncModes[f.SyncStrategy.DefaultMode] {
		return fmt.Errorf("unknown sync_strategy.default_mode %q", f.SyncStrategy.DefaultMode)
	}

	seen := make(map[string]bool, len(f.Sources))

	for i := range f.Sources {
		src := &f.Sources[i]

		if src.ID == "" {
			return fmt.Errorf("source %d: id is required", i+1)
		}

		if !sourceIDPattern.MatchString(src.ID) {
			return fmt.Errorf("source %q: id must match %s", src.ID, sourceIDPattern.String())
		}

		if src.Type == "" {
			return fmt.Errorf("source %q: type is required", src.ID)
		}

		if seen[src.ID] {
			return fmt.Errorf("source %q: duplicate id", src.ID)
		}

		seen[src.ID] = true
	}

	return nil
}

// EnabledSources returns the definitions that participate in syncs,
// preserving file order.
func (f *KBFile) EnabledSources() []SourceFileDef {
	out := make([]SourceFileDef, 0, len(f.Sources))

	for _, s := range f.Sources {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}

	return out
}
