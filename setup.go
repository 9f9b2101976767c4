package main

import (
	"github.com/spf13/cobra"
)

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Connect to the catalog and run schema migrations",
		Long: `Verify database connectivity and bring the catalog schema up to date.

Every command migrates on connect; setup exists so provisioning can fail
fast with a clear error instead of at the first sync.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: runSetup,
	}
}

func runSetup(cmd *cobra.Command, _ []string) error {
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
		return printJSON(map[string]any{
			"status":          "ready",
			"knowledge_bases": len(kbs),
		})
	}

	statusf(flagQuiet, "Catalog ready (%d knowledge bases).\n", len(kbs))

	return nil
}
