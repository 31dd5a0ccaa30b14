package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/toralehq/torale/internal/store/pg"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			setupLogging(cfg.Logging)

			if cfg.Database.Driver != "postgres" {
				return fmt.Errorf("migrate applies to the postgres driver, config uses %q", cfg.Database.Driver)
			}

			db, err := pg.OpenDB(cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("open postgres: %w", err)
			}
			defer db.Close()

			if err := pg.Migrate(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}
