package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/inkfold/docket/config"
	"github.com/inkfold/docket/db"
	"github.com/inkfold/docket/errors"
	"github.com/inkfold/docket/job"
	"github.com/inkfold/docket/logger"
	"github.com/inkfold/docket/ratelimit"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the docket database",
	Long: `db - Manage docket database operations

Examples:
  docket db migrate          # Apply pending schema migrations
  docket db stats            # Show job counts by status
  docket db prune --days 30  # Delete rate events older than 30 days`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by status",
	RunE:  runDbStats,
}

var dbPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete rate events older than the retention window",
	Long: `Delete rate events older than the retention window.

Job rows are never pruned: completed rows are the permanent result cache.
Only the rate_events table grows without bound and needs trimming.`,
	RunE: runDbPrune,
}

var pruneDaysFlag int

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(dbPruneCmd)
	dbPruneCmd.Flags().IntVar(&pruneDaysFlag, "days", 30, "Delete rate events older than this many days")
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(ConfigPathFlag)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	if err := db.Migrate(database, logger.Logger); err != nil {
		return errors.Wrap(err, "migration failed")
	}

	fmt.Println("Migrations applied")
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(ConfigPathFlag)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	store := job.NewStore(database)
	counts, err := store.CountByStatus()
	if err != nil {
		return errors.Wrap(err, "failed to count jobs")
	}

	fmt.Println("Docket Database Statistics")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Database Path: %s\n\n", cfg.Database.Path)

	total := 0
	for _, status := range []job.Status{
		job.StatusPending,
		job.StatusProcessing,
		job.StatusWaitingForCache,
		job.StatusCompleted,
		job.StatusFailed,
	} {
		fmt.Printf("%-18s %d\n", string(status)+":", counts[status])
		total += counts[status]
	}
	fmt.Printf("%-18s %d\n", "total:", total)
	return nil
}

func runDbPrune(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(ConfigPathFlag)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	cutoff := time.Now().UTC().AddDate(0, 0, -pruneDaysFlag)
	deleted, err := ratelimit.NewSQLStore(database).PruneBefore(cmd.Context(), cutoff)
	if err != nil {
		return errors.Wrap(err, "prune failed")
	}

	fmt.Printf("Deleted %d rate events older than %s\n", deleted, cutoff.Format(time.RFC3339))
	return nil
}
