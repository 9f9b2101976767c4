package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/docsync/internal/catalog"
	"github.com/tonimelisma/docsync/internal/rag"
	"github.com/tonimelisma/docsync/internal/source"
)

func newKBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Manage single-source knowledge bases",
	}

	cmd.AddCommand(newKBCreateCmd())
	cmd.AddCommand(newKBListCmd())

	return cmd
}

func newKBCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create --name <name> --source-type <type> --rag-type <type>",
		Short: "Register a knowledge base",
		Long: `Register a single-source knowledge base in the catalog.

The source and RAG configs are JSON blobs passed straight to the
adapters, for example:

  docsync kb create --name legal_docs \
    --source-type file_system --source-config '{"root_path": "/data/legal"}' \
    --rag-type azure_blob --rag-config '{"account_name": "corp", "container": "legal"}'`,
		Args: usageArgs(cobra.NoArgs),
		RunE: runKBCreate,
	}

	cmd.Flags().String("name", "", "knowledge base name")
	cmd.Flags().String("source-type", "", "source type: "+strings.Join(source.Types(), ", "))
	cmd.Flags().String("source-config", "{}", "source adapter config as JSON")
	cmd.Flags().String("rag-type", "", "RAG backend type: "+strings.Join(rag.Types(), ", "))
	cmd.Flags().String("rag-config", "{}", "RAG backend config as JSON")

	return cmd
}

func runKBCreate(cmd *cobra.Command, _ []string) error {
	name, err := cmd.Flags().GetString("name")
	if err != nil {
		return err
	}

	sourceType, err := cmd.Flags().GetString("source-type")
	if err != nil {
		return err
	}

	sourceConfig, err := cmd.Flags().GetString("source-config")
	if err != nil {
		return err
	}

	ragType, err := cmd.Flags().GetString("rag-type")
	if err != nil {
		return err
	}

	ragConfig, err := cmd.Flags().GetString("rag-config")
	if err != nil {
		return err
	}

	if name == "" || sourceType == "" || ragType == "" {
		return fmt.Errorf("%w: --name, --source-type, and --rag-type are required", errUsage)
	}

	if !slices.Contains(source.Types(), sourceType) {
		return fmt.Errorf("%w: unknown source type %q (one of %s)",
			errUsage, sourceType, strings.Join(source.Types(), ", "))
	}

	if !slices.Contains(rag.Types(), ragType) {
		return fmt.Errorf("%w: unknown RAG type %q (one of %s)",
			errUsage, ragType, strings.Join(rag.Types(), ", "))
	}

	if !json.Valid([]byte(sourceConfig)) {
		return fmt.Errorf("%w: --source-config is not valid JSON", errUsage)
	}

	if !json.Valid([]byte(ragConfig)) {
		return fmt.Errorf("%w: --rag-config is not valid JSON", errUsage)
	}

	repo, _, err := openCatalog(cmd.Context())
	if err != nil {
		return err
	}
	defer repo.Close()

	kb := &catalog.KnowledgeBase{
		Name:         name,
		SourceType:   sourceType,
		SourceConfig: json.RawMessage(sourceConfig),
		RagType:      ragType,
		RagConfig:    json.RawMessage(ragConfig),
	}

	if err := repo.CreateKnowledgeBase(cmd.Context(), kb); err != nil {
		if errors.Is(err, catalog.ErrDuplicate) {
			return fmt.Errorf("knowledge base %q already exists", name)
		}

		return err
	}

	if flagJSON {
		return printJSON(map[string]any{
			"id":          kb.ID,
			"name":        kb.Name,
			"source_type": kb.SourceType,
			"rag_type":    kb.RagType,
		})
	}

	statusf(flagQuiet, "Created knowledge base %q (id %d).\n", kb.Name, kb.ID)

	return nil
}

func newKBListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered knowledge bases",
		Args:  usageArgs(cobra.NoArgs),
		RunE:  runKBList,
	}
}

// kbRow is the JSON shape of one knowledge base in list output.
type kbRow struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	SourceType string `json:"source_type"`
	RagType    string `json:"rag_type"`
	CreatedAt  string `json:"created_at"`
}

func runKBList(cmd *cobra.Command, _ []string) error {
	repo, _, err := openCatalog(cmd.Context())
	if err != nil {
		return err
	}
	defer repo.Close()

	kbs, err := repo.ListKnowledgeBases(cmd.Context())
	if err != nil {
		return err
	}

	if flagJSON {
		out := make([]kbRow, 0, len(kbs))
		for _, kb := range kbs {
			out = append(out, kbRow{
				ID:         kb.ID,
				Name:       kb.Name,
				SourceType: kb.SourceType,
				RagType:    kb.RagType,
				CreatedAt:  kb.CreatedAt.Format("2006-01-02 15:04:05"),
			})
		}

		return printJSON(out)
	}

	if len(kbs) == 0 {
		fmt.Println("No knowledge bases. Run 'docsync kb create' to register one.")
		return nil
	}

	headers := []string{"NAME", "SOURCE", "RAG", "CREATED"}
	rows := make([][]string, 0, len(kbs))

	for _, kb := range kbs {
		rows = append(rows, []string{kb.Name, kb.SourceType, kb.RagType, formatTime(kb.CreatedAt)})
	}

	printTable(os.Stdout, headers, rows)

	return nil
}
