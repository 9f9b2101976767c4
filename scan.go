package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/docsync/internal/catalog"
	"github.com/tonimelisma/docsync/internal/rag"
	"github.com/tonimelisma/docsync/internal/source"
)

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan (--kb-name <name> | --path <dir>)",
		Short: "Detect changes without touching RAG storage",
		Long: `Run change detection only.

Scan lists the source and records what a sync would do — new, modified,
deleted — without delivering content to the RAG backend or advancing
delta tokens. --path scans an arbitrary local directory by registering a
throwaway knowledge base for it; scanning the same directory again
reports changes since the previous scan.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: runScan,
	}

	cmd.Flags().String("kb-name", "", "knowledge base to scan")
	cmd.Flags().String("path", "", "local directory to scan")
	cmd.Flags().Int("workers", 0, "concurrent file processors (default 8)")
	cmd.MarkFlagsMutuallyExclusive("kb-name", "path")

	return cmd
}

func runScan(cmd *cobra.Command, _ []string) error {
	kbName, err := cmd.Flags().GetString("kb-name")
	if err != nil {
		return err
	}

	dir, err := cmd.Flags().GetString("path")
	if err != nil {
		return err
	}

	workers, err := cmd.Flags().GetInt("workers")
	if err != nil {
		return err
	}

	if kbName == "" && dir == "" {
		return fmt.Errorf("%w: one of --kb-name or --path is required", errUsage)
	}

	repo, logger, err := openCatalog(cmd.Context())
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx := shutdownContext(cmd.Context(), logger)

	var kb *catalog.KnowledgeBase

	if dir != "" {
		kb, err = ensureScanKB(ctx, repo, logger, dir)
	} else {
		kb, err = loadKB(ctx, repo, kbName)
	}

	if err != nil {
		return err
	}

	report, err := runKB(ctx, repo, logger, kb, workers, true)
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

// scanKBPrefix names the throwaway knowledge bases registered for --path
// scans.
const scanKBPrefix = "scan_"

// ensureScanKB finds or registers the catalog row backing a --path scan.
// Repeat scans of the same directory reuse the row, so each scan reports
// changes against the previous one.
func ensureScanKB(
	ctx context.Context, repo *catalog.Repository, logger *slog.Logger, dir string,
) (*catalog.KnowledgeBase, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving scan path: %w", err)
	}

	name := scanKBName(abs)

	kb, err := repo.GetKnowledgeBase(ctx, name)
	if err == nil {
		return kb, nil
	}

	if !errors.Is(err, catalog.ErrNotFound) {
		return nil, err
	}

	srcCfg, err := json.Marshal(map[string]string{"root_path": abs})
	if err != nil {
		return nil, fmt.Errorf("encoding scan source config: %w", err)
	}

	kb = &catalog.KnowledgeBase{
		Name:         name,
		SourceType:   source.TypeFileSystem,
		SourceConfig: srcCfg,
		RagType:      rag.TypeMock,
		RagConfig:    json.RawMessage(`{}`),
	}

	if err := repo.CreateKnowledgeBase(ctx, kb); err != nil {
		// Concurrent scans of the same directory race on the insert.
		if errors.Is(err, catalog.ErrDuplicate) {
			return repo.GetKnowledgeBase(ctx, name)
		}

		return nil, err
	}

	logger.Info("registered scan knowledge base",
		slog.String("kb", name),
		slog.String("path", abs),
	)

	return kb, nil
}

// scanKBName derives a stable catalog name from an absolute path, so the
// same directory always maps to the same knowledge base.
func scanKBName(abs string) string {
	name := strings.Trim(filepath.ToSlash(abs), "/")
	name = strings.NewReplacer("/", "_", "\\", "_", " ", "_", ".", "_", ":", "_").Replace(name)

	if name == "" {
		name = "root"
	}

	return scanKBPrefix + name
}
