package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/docsync/internal/catalog"
	"github.com/tonimelisma/docsync/internal/config"
	"github.com/tonimelisma/docsync/internal/sync"
)

func newMultiSourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "multi-source",
		Short: "Manage and sync multi-source knowledge bases",
	}

	cmd.AddCommand(newMultiCreateCmd())
	cmd.AddCommand(newMultiSyncCmd())

	return cmd
}

func newMultiCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-kb <config.toml>",
		Short: "Register a multi-source knowledge base from a TOML definition",
		Long: `Register a multi-source knowledge base and all its sources in the
catalog, from the same TOML file sync-multi-kb consumes.`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: runMultiCreate,
	}
}

func runMultiCreate(cmd *cobra.Command, args []string) error {
	file, err := config.LoadKBFile(args[0])
	if err != nil {
		return err
	}

	kb, err := multiKBFromFile(file)
	if err != nil {
		return err
	}

	repo, _, err := openCatalog(cmd.Context())
	if err != nil {
		return err
	}
	defer repo.Close()

	if err := repo.CreateMultiSourceKB(cmd.Context(), kb); err != nil {
		if errors.Is(err, catalog.ErrDuplicate) {
			return fmt.Errorf("multi-source knowledge base %q already exists", kb.Name)
		}

		return err
	}

	if flagJSON {
		return printJSON(map[string]any{
			"id":      kb.ID,
			"name":    kb.Name,
			"sources": len(kb.Sources),
		})
	}

	statusf(flagQuiet, "Created multi-source knowledge base %q (id %d) with %d sources.\n",
		kb.Name, kb.ID, len(kb.Sources))

	return nil
}

// multiKBFromFile converts a validated TOML definition into catalog rows.
func multiKBFromFile(f *config.KBFile) (*catalog.MultiSourceKB, error) {
	ragCfg, err := tomlToJSON(f.RAG.Config)
	if err != nil {
		return nil, fmt.Errorf("rag config: %w", err)
	}

	fileOrg, err := tomlToJSON(f.FileOrg)
	if err != nil {
		return nil, fmt.Errorf("file_organization: %w", err)
	}

	strategy := json.RawMessage(`{}`)
	if f.SyncStrategy.DefaultMode != "" {
		strategy, err = json.Marshal(map[string]string{"default_mode": f.SyncStrategy.DefaultMode})
		if err != nil {
			return nil, fmt.Errorf("sync_strategy: %w", err)
		}
	}

	kb := &catalog.MultiSourceKB{
		Name:         f.Name,
		Description:  f.Description,
		RagType:      f.RAG.Type,
		RagConfig:    ragCfg,
		FileOrg:      fileOrg,
		SyncStrategy: strategy,
	}

	for _, src := range f.Sources {
		srcCfg, err := tomlToJSON(src.Config)
		if err != nil {
			return nil, fmt.Errorf("source %q config: %w", src.ID, err)
		}

		kb.Sources = append(kb.Sources, catalog.SourceDefinition{
			SourceID:     src.ID,
			SourceType:   src.Type,
			SourceConfig: srcCfg,
			Enabled:      src.IsEnabled(),
			MetadataTags: src.MetadataTags,
		})
	}

	return kb, nil
}

// tomlToJSON converts a decoded TOML table to a JSON config blob. Empty
// tables become "{}" so jsonb columns never hold null.
func tomlToJSON(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage(`{}`), nil
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}

	return out, nil
}

// ensureMultiKB resolves the knowledge base the definition file names,
// registering it from the file on first use. Once registered, the
// catalog's rows are authoritative and later file edits are ignored
// until re-registration.
func ensureMultiKB(
	ctx context.Context, repo *catalog.Repository, logger *slog.Logger, file *config.KBFile,
) (*catalog.MultiSourceKB, error) {
	kb, err := repo.GetMultiSourceKB(ctx, file.Name)
	if err == nil {
		return kb, nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return nil, err
	}

	kb, err = multiKBFromFile(file)
	if err != nil {
		return nil, err
	}

	logger.Info("registering multi-source knowledge base from definition file",
		slog.String("name", kb.Name),
		slog.Int("sources", len(kb.Sources)))

	if err := repo.CreateMultiSourceKB(ctx, kb); err != nil {
		// Lost a registration race; the winner's rows serve.
		if errors.Is(err, catalog.ErrDuplicate) {
			return repo.GetMultiSourceKB(ctx, file.Name)
		}

		return nil, err
	}

	return kb, nil
}

func newMultiSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync-multi-kb <config.toml>",
		Short: "Sync every source of a multi-source knowledge base",
		Long: `Run one multi-source sync: every enabled source feeds the shared RAG
backend under a single run.

The TOML file names the knowledge base and registers it on first use.
Once registered, the catalog's rows are authoritative for sources and
configs. --sync-mode overrides the file's default; selective mode
requires --sources.`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: runMultiSync,
	}

	cmd.Flags().String("sync-mode", "", "parallel, sequential, selective, or incremental")
	cmd.Flags().StringSlice("sources", nil, "source ids to sync (required for selective mode)")
	cmd.Flags().Bool("dry-run", false, "print the resolved plan without syncing")
	cmd.Flags().Int("workers", 0, "concurrent file processors per source (default 8)")

	return cmd
}

func runMultiSync(cmd *cobra.Command, args []string) error {
	mode, err := cmd.Flags().GetString("sync-mode")
	if err != nil {
		return err
	}

	sourceIDs, err := cmd.Flags().GetStringSlice("sources")
	if err != nil {
		return err
	}

	dryRun, err := cmd.Flags().GetBool("dry-run")
	if err != nil {
		return err
	}

	workers, err := cmd.Flags().GetInt("workers")
	if err != nil {
		return err
	}

	file, err := config.LoadKBFile(args[0])
	if err != nil {
		return err
	}

	repo, logger, err := openCatalog(cmd.Context())
	if err != nil {
		return err
	}
	defer repo.Close()

	kb, err := ensureMultiKB(cmd.Context(), repo, logger, file)
	if err != nil {
		return err
	}

	driver := sync.NewDriver(repo, logger, sync.Options{Workers: workers})

	if dryRun {
		return printMultiPlan(driver, kb, catalog.SyncMode(mode), sourceIDs)
	}

	ctx := shutdownContext(cmd.Context(), logger)

	report, err := driver.Run(ctx, kb, catalog.SyncMode(mode), sourceIDs)
	if report != nil {
		if perr := printMultiReport(report); perr != nil && err == nil {
			err = perr
		}
	}

	if err != nil {
		return err
	}

	if n := report.Counters.Errors; n > 0 {
		return fmt.Errorf("%d files failed across sources; see the catalog for details", n)
	}

	return nil
}

// printMultiPlan shows what a run with the same arguments would do.
func printMultiPlan(d *sync.Driver, kb *catalog.MultiSourceKB, mode catalog.SyncMode, sourceIDs []string) error {
	mode, sources, err := d.Plan(kb, mode, sourceIDs)
	if err != nil {
		return err
	}

	if flagJSON {
		entries := make([]multiInfoEntry, 0, len(sources))
		for _, src := range sources {
			entries = append(entries, multiInfoEntry{
				SourceID:   src.SourceID,
				SourceType: src.SourceType,
				Enabled:    src.Enabled,
				Tags:       src.MetadataTags,
			})
		}

		return printJSON(map[string]any{
			"kb_name":   kb.Name,
			"sync_mode": string(mode),
			"sources":   entries,
		})
	}

	fmt.Printf("Would sync %d source(s) of %s in %s mode:\n", len(sources), kb.Name, mode)

	headers := []string{"SOURCE", "TYPE", "TAGS"}
	rows := make([][]string, 0, len(sources))

	for _, src := range sources {
		rows = append(rows, []string{src.SourceID, src.SourceType, formatTags(src.MetadataTags)})
	}

	printTable(os.Stdout, headers, rows)

	return nil
}

// multiRunSummary is the JSON shape of a finished multi-source run.
type multiRunSummary struct {
	RunID      int64                       `json:"run_id"`
	MultiRunID int64                       `json:"multi_run_id"`
	KB         string                      `json:"kb_name"`
	Status     string                      `json:"status"`
	Duration   string                      `json:"duration"`
	Total      int                         `json:"files_total"`
	New        int                         `json:"files_new"`
	Modified   int                         `json:"files_modified"`
	Deleted    int                         `json:"files_deleted"`
	Errors     int                         `json:"files_error"`
	Sources    map[string]sync.SourceStats `json:"sources"`
}

// printMultiReport writes the end-of-run summary with the per-source
// breakdown.
func printMultiReport(r *sync.MultiReport) error {
	if flagJSON {
		return printJSON(multiRunSummary{
			RunID:      r.RunID,
			MultiRunID: r.MultiRunID,
			KB:         r.KBName,
			Status:     string(r.Status),
			Duration:   formatDuration(r.Duration),
			Total:      r.Counters.Total,
			New:        r.Counters.New,
			Modified:   r.Counters.Modified,
			Deleted:    r.Counters.Deleted,
			Errors:     r.Counters.Errors,
			Sources:    r.PerSource,
		})
	}

	statusf(flagQuiet, "Run %d on %s: %s in %s\n",
		r.RunID, r.KBName, r.Status, formatDuration(r.Duration))

	ids := make([]string, 0, len(r.PerSource))
	for id := range r.PerSource {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	headers := []string{"SOURCE", "STATUS", "PROCESSED", "NEW", "MODIFIED", "DELETED", "ERRORS"}
	rows := make([][]string, 0, len(ids)+1)

	for _, id := range ids {
		stats := r.PerSource[id]
		rows = append(rows, []string{
			id,
			stats.Status,
			strconv.Itoa(stats.FilesProcessed),
			strconv.Itoa(stats.FilesNew),
			strconv.Itoa(stats.FilesModified),
			strconv.Itoa(stats.FilesDeleted),
			strconv.Itoa(stats.FilesError),
		})
	}

	rows = append(rows, []string{
		"TOTAL",
		string(r.Status),
		strconv.Itoa(r.Counters.Total),
		strconv.Itoa(r.Counters.New),
		strconv.Itoa(r.Counters.Modified),
		strconv.Itoa(r.Counters.Deleted),
		strconv.Itoa(r.Counters.Errors),
	})

	printTable(os.Stdout, headers, rows)

	return nil
}
