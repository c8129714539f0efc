package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/SOG-web/reauth-sub000/internal/db/bunx"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Maintenance task commands",
}

var cleanupRunCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Run cleanup tasks once",
	Long: `Runs all registered cleanup tasks once, outside their schedule.
Pass a task name to run only that task.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := bunx.NewDB(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer bunx.Close(db)

		ctx := context.Background()
		svcs, err := buildServices(ctx, db)
		if err != nil {
			return err
		}

		tasks := svcs.Scheduler.Tasks()
		for _, task := range tasks {
			if len(args) == 1 && task.Name != args[0] {
				continue
			}
			result, err := svcs.Scheduler.RunTaskNow(ctx, task.Name)
			if err != nil {
				log.Printf("  %s: FAILED: %v", task.Name, err)
				continue
			}
			log.Printf("  %s: removed %d rows (%d errors)", task.Name, result.Cleaned, len(result.Errors))
		}
		return nil
	},
}

func init() {
	cleanupCmd.AddCommand(cleanupRunCmd)
	rootCmd.AddCommand(cleanupCmd)
}
