package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/corvid0/almanac/db"
	"github.com/corvid0/almanac/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(*cobra.Command, []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Database.URL == "" {
			return fmt.Errorf("database url is required (DATABASE_URL)")
		}
		if err := db.Migrate(cfg.Database.URL); err != nil {
			return err
		}
		fmt.Println("schema up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
