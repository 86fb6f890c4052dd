package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cumulusfs/cumulus/internal/logger"
	"github.com/cumulusfs/cumulus/pkg/config"
)

var gcDryRun bool

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Sweep expired upload sessions and orphaned reservations",
	Long: `Run one garbage collection pass over upload sessions.

Removes expired upload sessions, retained finalized sessions past their TTL,
sessions stuck mid-finalize, and quota reservations with no live session.
The running server sweeps on its own interval; this command is for one-shot
maintenance against a stopped server or for inspecting what a sweep would do.

Examples:
  # Report what would be collected without touching anything
  cumulus gc --dry-run

  # Collect now
  cumulus gc`,
	RunE: runGC,
}

func init() {
	gcCmd.Flags().BoolVar(&gcDryRun, "dry-run", false, "Report without deleting anything")
}

func runGC(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx := context.Background()
	deps, cleanup, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := deps.UploadGC.Run(ctx, gcDryRun)
	if err != nil {
		return fmt.Errorf("gc failed: %w", err)
	}

	verb := "collected"
	if report.DryRun {
		verb = "would collect"
	}
	fmt.Printf("%s: %d expired sessions, %d retained done sessions, %d stuck locks, %d orphaned reservations\n",
		verb, report.ExpiredSessions, report.DoneSessions, report.StuckLocks, report.Reservations)
	return nil
}
