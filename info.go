package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/docsync/internal/catalog"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <kb-name>",
		Short: "Show a knowledge base's configuration",
		Long: `Display the stored configuration for a knowledge base: source and RAG
types, config blobs, and for multi-source knowledge bases the registered
sources. Secret-looking config values are redacted.`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: runInfo,
	}
}

func runInfo(cmd *cobra.Command, args []string) error {
	repo, _, err := openCatalog(cmd.Context())
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx := cmd.Context()
	name := args[0]

	kb, err := repo.GetKnowledgeBase(ctx, name)
	switch {
	case err == nil:
		return printKBInfo(kb)
	case !errors.Is(err, catalog.ErrNotFound):
		return err
	}

	multi, err := repo.GetMultiSourceKB(ctx, name)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return fmt.Errorf("no knowledge base named %q", name)
		}

		return err
	}

	return printMultiInfo(multi)
}

// kbInfo is the JSON shape of a single-source knowledge base snapshot.
type kbInfo struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	SourceType   string          `json:"source_type"`
	SourceConfig json.RawMessage `json:"source_config"`
	RagType      string          `json:"rag_type"`
	RagConfig    json.RawMessage `json:"rag_config"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

func printKBInfo(kb *catalog.KnowledgeBase) error {
	srcCfg := redactConfig(kb.SourceConfig)
	ragCfg := redactConfig(kb.RagConfig)

	if flagJSON {
		return printJSON(kbInfo{
			ID:           kb.ID,
			Name:         kb.Name,
			SourceType:   kb.SourceType,
			SourceConfig: srcCfg,
			RagType:      kb.RagType,
			RagConfig:    ragCfg,
			CreatedAt:    kb.CreatedAt.Format("2006-01-02 15:04:05"),
			UpdatedAt:    kb.UpdatedAt.Format("2006-01-02 15:04:05"),
		})
	}

	fmt.Printf("Knowledge base: %s (id %d)\n", kb.Name, kb.ID)
	fmt.Printf("Source:  %s\n", kb.SourceType)
	fmt.Printf("RAG:     %s\n", kb.RagType)
	fmt.Printf("Created: %s\n", formatTime(kb.CreatedAt))
	fmt.Printf("Updated: %s\n", formatTime(kb.UpdatedAt))
	fmt.Printf("\nSource config:\n%s\n", indentJSON(srcCfg))
	fmt.Printf("\nRAG config:\n%s\n", indentJSON(ragCfg))

	return nil
}

// multiInfo is the JSON shape of a multi-source knowledge base snapshot.
type multiInfo struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	RagType     string           `json:"rag_type"`
	RagConfig   json.RawMessage  `json:"rag_config"`
	DefaultMode string           `json:"default_sync_mode"`
	Naming      string           `json:"naming_convention,omitempty"`
	Sources     []multiInfoEntry `json:"sources"`
}

type multiInfoEntry struct {
	SourceID   string            `json:"source_id"`
	SourceType string            `json:"source_type"`
	Enabled    bool              `json:"enabled"`
	Tags       map[string]string `json:"metadata_tags,omitempty"`
}

func printMultiInfo(kb *catalog.MultiSourceKB) error {
	info := multiInfo{
		ID:          kb.ID,
		Name:        kb.Name,
		Description: kb.Description,
		RagType:     kb.RagType,
		RagConfig:   redactConfig(kb.RagConfig),
		DefaultMode: string(catalog.ModeParallel),
	}

	var strategy struct {
		DefaultMode string `json:"default_mode"`
	}
	if len(kb.SyncStrategy) > 0 && json.Unmarshal(kb.SyncStrategy, &strategy) == nil && strategy.DefaultMode != "" {
		info.DefaultMode = strategy.DefaultMode
	}

	var org struct {
		NamingConvention string `json:"naming_convention"`
	}
	if len(kb.FileOrg) > 0 && json.Unmarshal(kb.FileOrg, &org) == nil {
		info.Naming = org.NamingConvention
	}

	for _, src := range kb.Sources {
		info.Sources = append(info.Sources, multiInfoEntry{
			SourceID:   src.SourceID,
			SourceType: src.SourceType,
			Enabled:    src.Enabled,
			Tags:       src.MetadataTags,
		})
	}

	if flagJSON {
		return printJSON(info)
	}

	fmt.Printf("Multi-source knowledge base: %s (id %d)\n", kb.Name, kb.ID)

	if kb.Description != "" {
		fmt.Printf("Description:  %s\n", kb.Description)
	}

	fmt.Printf("RAG:          %s\n", kb.RagType)
	fmt.Printf("Default mode: %s\n", info.DefaultMode)

	if info.Naming != "" {
		fmt.Printf("Naming:       %s\n", info.Naming)
	}

	fmt.Printf("Created:      %s\n", formatTime(kb.CreatedAt))

	fmt.Println()

	headers := []string{"SOURCE", "TYPE", "ENABLED", "TAGS"}
	rows := make([][]string, 0, len(info.Sources))

	for _, src := range info.Sources {
		enabled := "yes"
		if !src.Enabled {
			enabled = "no"
		}

		rows = append(rows, []string{src.SourceID, src.SourceType, enabled, formatTags(src.Tags)})
	}

	printTable(os.Stdout, headers, rows)

	return nil
}

// sensitiveKeyMarkers flags config keys whose values must not be printed.
var sensitiveKeyMarkers = []string{"secret", "password", "token", "key", "connection_string", "credential"}

// redactConfig returns cfg with secret-looking values replaced by a
// placeholder. Blobs that do not decode are replaced wholesale rather
// than risk leaking their contents.
func redactConfig(cfg json.RawMessage) json.RawMessage {
	if len(cfg) == 0 {
		return json.RawMessage(`{}`)
	}

	var decoded any
	if err := json.Unmarshal(cfg, &decoded); err != nil {
		return json.RawMessage(`"[unparseable config redacted]"`)
	}

	out, err := json.Marshal(redactValue(decoded))
	if err != nil {
		return json.RawMessage(`"[unparseable config redacted]"`)
	}

	return out
}

// redactValue walks decoded JSON and masks values under sensitive keys.
func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if sensitiveKey(k) {
				out[k] = "[redacted]"
				continue
			}

			out[k] = redactValue(inner)
		}

		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = redactValue(inner)
		}

		return out
	default:
		return v
	}
}

func sensitiveKey(k string) bool {
	k = strings.ToLower(k)

	for _, marker := range sensitiveKeyMarkers {
		if strings.Contains(k, marker) {
			return true
		}
	}

	return false
}

// indentJSON re-renders a JSON blob with two-space indentation for text
// output. Falls back to the raw bytes if the blob does not parse.
func indentJSON(raw json.RawMessage) string {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return string(raw)
	}

	out, err := json.MarshalIndent(decoded, "", "  ")
	if err != nil {
		return string(raw)
	}

	return string(out)
}

// formatTags renders metadata tags as stable "k=v" pairs.
func formatTags(tags map[string]string) string {
	if len(tags) == 0 {
		return "-"
	}

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+tags[k])
	}

	return strings.Join(parts, ",")
}
