package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ingridandradedev/smart-query/db"
	"github.com/ingridandradedev/smart-query/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if err := db.Migrate(cfg.PostgresURL()); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		cmd.Println("migrations up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
