package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/docsync/internal/catalog"
	"github.com/tonimelisma/docsync/internal/rag"
	"github.com/tonimelisma/docsync/internal/source"
	"github.com/tonimelisma/docsync/internal/sync"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync --kb-name <name>",
		Short: "Sync a knowledge base with its source",
		Long: `Run one sync cycle for a knowledge base.

Lists the source, classifies every file against the catalog's latest
records, uploads new and changed content to the RAG backend, and records
every outcome. Exits 0 when the run completes cleanly, 1 when it fails
or any file errors.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: runSync,
	}

	cmd.Flags().String("kb-name", "", "knowledge base to sync")
	cmd.Flags().Int("workers", 0, "concurrent file processors (default 8)")

	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	kbName, err := cmd.Flags().GetString("kb-name")
	if err != nil {
		return err
	}

	workers, err := cmd.Flags().GetInt("workers")
	if err != nil {
		return err
	}

	if kbName == "" {
		return fmt.Errorf("%w: --kb-name is required", errUsage)
	}

	repo, logger, err := openCatalog(cmd.Context())
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx := shutdownContext(cmd.Context(), logger)

	kb, err := loadKB(ctx, repo, kbName)
	if err != nil {
		return err
	}

	report, err := runKB(ctx, repo, logger, kb, workers, false)
	if report != nil {
		if perr := printRunReport(report); perr != nil && err == nil {
			err = perr
		}
	}

	if err != nil {
		return err
	}

	return failOnFileErrors(report)
}

// loadKB fetches a knowledge base row with a friendlier not-found error.
func loadKB(ctx context.Context, repo *catalog.Repository, name string) (*catalog.KnowledgeBase, error) {
	kb, err := repo.GetKnowledgeBase(ctx, name)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, fmt.Errorf("knowledge base %q not found (create it with 'docsync kb create')", name)
		}

		return nil, err
	}

	return kb, nil
}

// runKB builds the source and RAG adapters for kb and executes one
// orchestrator run. Scan runs skip the RAG backend entirely.
func runKB(
	ctx context.Context, repo *catalog.Repository, logger *slog.Logger,
	kb *catalog.KnowledgeBase, workers int, scan bool,
) (*sync.Report, error) {
	src, err := source.New(ctx, kb.SourceType, kb.SourceConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("building source adapter: %w", err)
	}

	var store rag.Adapter
	if !scan {
		store, err = rag.New(kb.RagType, kb.Name, kb.RagConfig, logger)
		if err != nil {
			return nil, fmt.Errorf("building RAG adapter: %w", err)
		}
	}

	orch, err := sync.NewOrchestrator(sync.Config{
		Catalog: repo,
		Source:  src,
		RAG:     store,
		Logger:  logger,
		KBID:    kb.ID,
		KBName:  kb.Name,
		Scan:    scan,
		Options: sync.Options{Workers: workers},
	})
	if err != nil {
		return nil, err
	}

	return orch.Run(ctx)
}

// failOnFileErrors turns per-file errors in an otherwise completed run
// into a non-zero exit, so automation notices partial failures.
func failOnFileErrors(r *sync.Report) error {
	if r == nil || r.Counters.Errors == 0 {
		return nil
	}

	return fmt.Errorf("%d of %d files failed; see the catalog for details",
		r.Counters.Errors, r.Counters.Total)
}

// runSummary is the JSON shape of a finished single-source run.
type runSummary struct {
	RunID     int64  `json:"run_id"`
	KB        string `json:"kb_name"`
	Status    string `json:"status"`
	Duration  string `json:"duration"`
	Listed    int    `json:"files_listed"`
	Total     int    `json:"files_total"`
	New       int    `json:"files_new"`
	Modified  int    `json:"files_modified"`
	Deleted   int    `json:"files_deleted"`
	Unchanged int    `json:"files_unchanged"`
	Errors    int    `json:"files_error"`
}

// printRunReport writes the end-of-run summary: JSON when --json is set,
// otherwise a headline on stderr and a counter table on stdout.
func printRunReport(r *sync.Report) error {
	if flagJSON {
		return printJSON(runSummary{
			RunID:     r.RunID,
			KB:        r.KBName,
			Status:    string(r.Status),
			Duration:  formatDuration(r.Duration),
			Listed:    r.Listed,
			Total:     r.Counters.Total,
			New:       r.Counters.New,
			Modified:  r.Counters.Modified,
			Deleted:   r.Counters.Deleted,
			Unchanged: r.Unchanged,
			Errors:    r.Counters.Errors,
		})
	}

	statusf(flagQuiet, "Run %d on %s: %s in %s\n",
		r.RunID, r.KBName, r.Status, formatDuration(r.Duration))

	headers := []string{"TOTAL", "NEW", "MODIFIED", "DELETED", "UNCHANGED", "ERRORS"}
	rows := [][]string{{
		strconv.Itoa(r.Counters.Total),
		strconv.Itoa(r.Counters.New),
		strconv.Itoa(r.Counters.Modified),
		strconv.Itoa(r.Counters.Deleted),
		strconv.Itoa(r.Unchanged),
		strconv.Itoa(r.Counters.Errors),
	}}

	printTable(os.Stdout, headers, rows)

	return nil
}
