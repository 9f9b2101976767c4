package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/docsync/internal/catalog"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <kb-name> <uri>",
		Short: "Show a file's record trail in a knowledge base",
		Long: `Display the append-only records for one file, newest first.

Every sync writes a new record instead of rewriting history, so the trail
shows when a file appeared, changed, errored, or was deleted. The URI is
the file's source identity: an absolute path for local files, the item
web URL for SharePoint and OneDrive.`,
		Args: usageArgs(cobra.ExactArgs(2)),
		RunE: runHistory,
	}

	cmd.Flags().Int("limit", 20, "number of records to show")

	return cmd
}

// historyRecord is the JSON shape of one file record.
type historyRecord struct {
	RunID    int64      `json:"run_id"`
	Status   string     `json:"status"`
	Size     int64      `json:"file_size"`
	Hash     string     `json:"file_hash,omitempty"`
	RagURI   string     `json:"rag_uri,omitempty"`
	Recorded time.Time  `json:"upload_time"`
	Modified *time.Time `json:"source_modified_at,omitempty"`
	SourceID string     `json:"source_id,omitempty"`
	Error    string     `json:"error_message,omitempty"`
}

func runHistory(cmd *cobra.Command, args []string) error {
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
	name, uri := args[0], args[1]

	kb, err := historyKB(ctx, repo, name)
	if err != nil {
		return err
	}

	records, err := repo.RecordsByURI(ctx, kb.ID, uri, limit)
	if err != nil {
		return err
	}

	if flagJSON {
		out := make([]historyRecord, 0, len(records))
		for _, rec := range records {
			out = append(out, historyRecord{
				RunID:    rec.SyncRunID,
				Status:   string(rec.Status),
				Size:     rec.FileSize,
				Hash:     rec.FileHash,
				RagURI:   rec.RagURI,
				Recorded: rec.UploadTime,
				Modified: rec.SourceModifiedAt,
				SourceID: rec.SourceID,
				Error:    rec.ErrorMessage,
			})
		}

		return printJSON(out)
	}

	if len(records) == 0 {
		fmt.Printf("No records for %s in %s.\n", uri, kb.Name)
		return nil
	}

	headers := []string{"RUN", "STATUS", "SIZE", "RECORDED", "RAG URI"}
	rows := make([][]string, 0, len(records))

	for _, rec := range records {
		rows = append(rows, []string{
			strconv.FormatInt(rec.SyncRunID, 10),
			string(rec.Status),
			formatSize(rec.FileSize),
			formatTime(rec.UploadTime),
			rec.RagURI,
		})
	}

	printTable(os.Stdout, headers, rows)

	return nil
}

// historyKB resolves the knowledge base holding a file's records. For a
// multi-source knowledge base that is the bridged companion row, since
// file records hang off single-source knowledge base ids.
func historyKB(ctx context.Context, repo *catalog.Repository, name string) (*catalog.KnowledgeBase, error) {
	kb, err := repo.GetKnowledgeBase(ctx, name)
	if err == nil {
		return kb, nil
	}

	if !errors.Is(err, catalog.ErrNotFound) {
		return nil, err
	}

	if _, merr := repo.GetMultiSourceKB(ctx, name); merr == nil {
		kb, err = repo.FindCompatibleKB(ctx, name)
		if err == nil {
			return kb, nil
		}

		if errors.Is(err, catalog.ErrNotFound) {
			return nil, fmt.Errorf("multi-source knowledge base %q has no synced records yet", name)
		}

		return nil, err
	}

	return nil, fmt.Errorf("no knowledge base named %q", name)
}
