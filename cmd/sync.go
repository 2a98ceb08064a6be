package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	syncFollow    bool
	syncReconcile bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror the content source into the index",
	Long: `Sync runs one incremental cycle and exits. With --follow it keeps
running on the configured interval, with a daily full reconcile that
detects deleted pages. --reconcile forces one full cycle instead.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncFollow, "follow", false, "keep syncing on the configured interval")
	syncCmd.Flags().BoolVar(&syncReconcile, "reconcile", false, "run one full listing instead of an incremental one")
	syncCmd.MarkFlagsMutuallyExclusive("follow", "reconcile")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if syncFollow {
		a.logger.Info("sync loop starting",
			"interval", a.cfg.Sync.Interval,
			"reconcile_interval", a.cfg.Sync.ReconcileInterval)
		if err := a.engine.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}

	run := a.engine.RunOnce
	if syncReconcile {
		run = a.engine.Reconcile
	}
	res, err := run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("indexed %d, unchanged %d, deleted %d, failed %d in %s\n",
		res.Indexed, res.Unchanged, res.Deleted, res.Failed, res.Duration.Round(time.Millisecond))
	return nil
}
