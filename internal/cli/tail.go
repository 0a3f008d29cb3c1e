package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ralphcore/ralph/internal/registry"
	"github.com/spf13/cobra"
)

var tailRunID string
var tailPollInterval time.Duration

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Stream log lines from the run registry",
	Long: `tail polls the run registry's log table, since the in-process
notification sink ralphd uses internally is not reachable from a separate
operator process. Pass --run to filter to a single run id.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := registry.Open(registryPath())
		if err != nil {
			return err
		}
		defer reg.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return tailLoop(ctx, reg, tailRunID, tailPollInterval, os.Stdout)
	},
}

func tailLoop(ctx context.Context, reg *registry.Store, runID string, interval time.Duration, out io.Writer) error {
	var lastID int64
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		logs, err := reg.ListLogsSince(lastID)
		if err != nil {
			return fmt.Errorf("list logs: %w", err)
		}
		for _, l := range logs {
			if runID != "" && l.RunID != runID {
				continue
			}
			fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", l.Timestamp.Format(time.RFC3339), l.RunID, l.Level, l.Message)
		}
		if len(logs) > 0 {
			lastID = logs[len(logs)-1].ID
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func init() {
	tailCmd.Flags().StringVar(&tailRunID, "run", "", "restrict output to a single run id")
	tailCmd.Flags().DurationVar(&tailPollInterval, "interval", time.Second, "poll interval")
	rootCmd.AddCommand(tailCmd)
}
