package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/rom/internal/core"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and release held packets",
}

var queueReleaseCmd = &cobra.Command{
	Use:   "release <destination>",
	Short: "Discard packets held for a destination",
	Long: `Discard the packets held for every queue matching the destination.
0.0.0.0/0 releases all queues.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQueueRelease(cmd.Context(), newClient(), os.Stdout, args[0])
	},
}

var queueDumpCmd = &cobra.Command{
	Use:     "dump",
	Aliases: []string{"list"},
	Short:   "Show per-destination queue occupancy",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQueueDump(cmd.Context(), newClient(), os.Stdout, outputFormat)
	},
}

func init() {
	queueCmd.AddCommand(queueReleaseCmd)
	queueCmd.AddCommand(queueDumpCmd)
}

func runQueueRelease(ctx context.Context, c controlClient, w io.Writer, dest string) error {
	am, err := core.ParseAddressMask(dest)
	if err != nil {
		return err
	}
	if err := c.ReleaseQueue(ctx, am); err != nil {
		return fmt.Errorf("queue release %s: %w", am, err)
	}
	fmt.Fprintf(w, "queue %s released\n", am)
	return nil
}

func runQueueDump(ctx context.Context, c controlClient, w io.Writer, format string) error {
	stats, err := c.QueueDump(ctx)
	if err != nil {
		return fmt.Errorf("queue dump: %w", err)
	}
	return printQueues(w, format, stats)
}
