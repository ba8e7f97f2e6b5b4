package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mathtutor/internal/redis"
	"mathtutor/internal/worker"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow workspace progress published to redis",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer func() { _ = log.Sync() }()
	if !cfg.Redis.Enabled() {
		return errors.New("watch needs a redis server: set redis.host or MATHTUTOR_REDIS_ADDR")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := redis.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("create redis client: %w", err)
	}
	defer rdb.Close()

	out := cmd.OutOrStdout()
	err = worker.Watch(ctx, rdb, func(ev worker.Event) {
		printEvent(out, ev)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printEvent(w io.Writer, ev worker.Event) {
	snap := ev.Snapshot
	switch {
	case ev.Type == worker.EventDiscarded:
		fmt.Fprintf(w, "%s discarded\n", snap.WorkspaceID)
	case snap.Error != "":
		fmt.Fprintf(w, "%s %s: %s\n", snap.WorkspaceID, snap.Phase, snap.Error)
	case snap.Progress != "":
		fmt.Fprintf(w, "%s %s: %s\n", snap.WorkspaceID, snap.Phase, snap.Progress)
	default:
		fmt.Fprintf(w, "%s %s (%d equations, %d messages)\n", snap.WorkspaceID, snap.Phase, len(snap.Equations), len(snap.Messages))
	}
}
