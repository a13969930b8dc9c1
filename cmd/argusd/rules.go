package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/argus-observability/agentcore/internal/catalog"
	"github.com/argus-observability/agentcore/internal/config"
	"github.com/argus-observability/agentcore/internal/rulesseed"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Alert rule management",
	}
	cmd.AddCommand(rulesSeedCmd())
	return cmd
}

func rulesSeedCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the baseline alert rule set into the catalog",
		Long:  "Writes the baseline CPU/memory/error-burst/security-check rule set into the catalog. Safe to re-run: a rule whose id already exists in the catalog is skipped. Use --force to overwrite existing rules with the same id.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.FindConfig(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("locate config: %w", err)
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			store, err := openCatalog(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			seeded, err := rulesseed.Load()
			if err != nil {
				return fmt.Errorf("load seed fixture: %w", err)
			}

			for _, r := range seeded {
				if !force {
					if _, err := store.GetRule(ctx, r.ID); err == nil {
						fmt.Printf("skip %s (already exists, use --force to overwrite)\n", r.ID)
						continue
					}
				}
				if err := store.UpsertRule(ctx, r); err != nil {
					return fmt.Errorf("seed rule %q: %w", r.ID, err)
				}
				fmt.Printf("seeded %s\n", r.ID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing rules with the same id")
	return cmd
}

// openCatalog opens the catalog store the same way serve does: Postgres
// when catalog.dsn is set, an embedded sqlite fallback otherwise.
func openCatalog(cfg *config.Config) (*catalog.Store, error) {
	if cfg.Catalog.DSN != "" {
		return catalog.OpenPostgres(cfg.Catalog.DSN)
	}
	return catalog.OpenSQLite(cfg.Storage.DataDir + "/catalog.db")
}
