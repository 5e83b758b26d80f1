package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opencellcw/agentcore/internal/config"
	"github.com/opencellcw/agentcore/internal/infra"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	var stateDir string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending local state migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(resolveConfigPath(*configPath), stateDir, dryRun)
		},
	}
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "directory holding migrations.json (defaults to $HOME/.nexus)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report pending migrations without applying them")

	return cmd
}

func runMigrate(configPath, stateDir string, dryRun bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	manager := infra.NewMigrationManager(&infra.MigrationManagerConfig{
		StateDir: stateDir,
		Logger:   infra.NewStdLogger(),
	})
	manager.Register(infra.SessionKeyMigration())

	pending, err := manager.PendingMigrations()
	if err != nil {
		return fmt.Errorf("list pending migrations: %w", err)
	}
	if len(pending) == 0 {
		fmt.Println("no pending migrations")
		return nil
	}
	for _, m := range pending {
		fmt.Printf("pending: %d %s - %s\n", m.Version, m.Name, m.Description)
	}
	if dryRun {
		return nil
	}

	result, err := manager.MigrateUp(&infra.MigrationContext{
		StateDir:   stateDir,
		ConfigPath: configPath,
		Logger:     infra.NewStdLogger(),
		Data:       map[string]any{"database_url": cfg.Database.URL},
	})
	if err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	fmt.Printf("migrated %d -> %d (%d applied)\n", result.StartVersion, result.EndVersion, len(result.Applied))
	return nil
}
