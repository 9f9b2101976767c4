package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/docsync/internal/catalog"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <kb-name>",
		Short: "Show recent sync runs for a knowledge base",
		Long: `Display the most recent runs for a knowledge base, newest first.

Works for both single-source and multi-source knowledge bases; the name
is looked up in that order.`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: runStatusCmd,
	}

	cmd.Flags().Int("limit", 10, "number of runs to show")

	return cmd
}

func runStatusCmd(cmd *cobra.Command, args []string) error {
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}

	if limit <= 0 {
		return fmt.Errorf("%w: --limit must be positive", errUsage)
	}

	repo, _, err := openCatalog(cmd.Context())
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx := cmd.Context()
	name := args[0]

	// Single-source first, then multi-source under the same name.
	kb, err := repo.GetKnowledgeBase(ctx, name)
	switch {
	case err == nil:
		return printKBRuns(ctx, repo, kb, limit)
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

	return printMultiRuns(ctx, repo, multi, limit)
}

// statusRun is the JSON shape of one run in status output.
type statusRun struct {
	RunID    int64      `json:"run_id"`
	Status   string     `json:"status"`
	Started  time.Time  `json:"start_time"`
	Ended    *time.Time `json:"end_time,omitempty"`
	Mode     string     `json:"sync_mode,omitempty"`
	Sources  []string   `json:"sources,omitempty"`
	Total    int        `json:"files_total"`
	New      int        `json:"files_new"`
	Modified int        `json:"files_modified"`
	Deleted  int        `json:"files_deleted"`
	Errors   int        `json:"files_error"`
	Error    string     `json:"error_message,omitempty"`
}

func printKBRuns(ctx context.Context, repo *catalog.Repository, kb *catalog.KnowledgeBase, limit int) error {
	runs, err := repo.ListSyncRuns(ctx, kb.ID, limit)
	if err != nil {
		return err
	}

	if flagJSON {
		out := make([]statusRun, 0, len(runs))
		for _, run := range runs {
			out = append(out, statusRun{
				RunID:    run.ID,
				Status:   string(run.Status),
				Started:  run.StartTime,
				Ended:    run.EndTime,
				Total:    run.Counters.Total,
				New:      run.Counters.New,
				Modified: run.Counters.Modified,
				Deleted:  run.Counters.Deleted,
				Errors:   run.Counters.Errors,
				Error:    run.ErrorMessage,
			})
		}

		return printJSON(out)
	}

	if len(runs) == 0 {
		fmt.Printf("No runs recorded for %s. Run 'docsync sync --kb-name %s' to sync it.\n", kb.Name, kb.Name)
		return nil
	}

	headers := []string{"RUN", "STATUS", "STARTED", "DURATION", "TOTAL", "NEW", "MODIFIED", "DELETED", "ERRORS"}
	rows := make([][]string, 0, len(runs))

	for _, run := range runs {
		rows = append(rows, []string{
			strconv.FormatInt(run.ID, 10),
			string(run.Status),
			formatTime(run.StartTime),
			runDuration(run.StartTime, run.EndTime),
			strconv.Itoa(run.Counters.Total),
			strconv.Itoa(run.Counters.New),
			strconv.Itoa(run.Counters.Modified),
			strconv.Itoa(run.Counters.Deleted),
			strconv.Itoa(run.Counters.Errors),
		})
	}

	printTable(os.Stdout, headers, rows)

	return nil
}

func printMultiRuns(ctx context.Context, repo *catalog.Repository, kb *catalog.MultiSourceKB, limit int) error {
	runs, err := repo.ListMultiSourceRuns(ctx, kb.ID, limit)
	if err != nil {
		return err
	}

	if flagJSON {
		out := make([]statusRun, 0, len(runs))
		for _, run := range runs {
			out = append(out, statusRun{
				RunID:    run.ID,
				Status:   string(run.Status),
				Started:  run.StartTime,
				Ended:    run.EndTime,
				Mode:     string(run.Mode),
				Sources:  run.SourcesProcessed,
				Total:    run.Counters.Total,
				New:      run.Counters.New,
				Modified: run.Counters.Modified,
				Deleted:  run.Counters.Deleted,
				Errors:   run.Counters.Errors,
				Error:    run.ErrorMessage,
			})
		}

		return printJSON(out)
	}

	if len(runs) == 0 {
		fmt.Printf("No runs recorded for %s.\n", kb.Name)
		return nil
	}

	headers := []string{"RUN", "MODE", "STATUS", "STARTED", "DURATION", "SOURCES", "TOTAL", "ERRORS"}
	rows := make([][]string, 0, len(runs))

	for _, run := range runs {
		rows = append(rows, []string{
			strconv.FormatInt(run.ID, 10),
			string(run.Mode),
			string(run.Status),
			formatTime(run.StartTime),
			runDuration(run.StartTime, run.EndTime),
			strings.Join(run.SourcesProcessed, ","),
			strconv.Itoa(run.Counters.Total),
			strconv.Itoa(run.Counters.Errors),
		})
	}

	printTable(os.Stdout, headers, rows)

	return nil
}

// runDuration renders the elapsed time of a finished run, or "-" while it
// is still running.
func runDuration(start time.Time, end *time.Time) string {
	if end == nil {
		return "-"
	}

	return formatDuration(end.Sub(start))
}
