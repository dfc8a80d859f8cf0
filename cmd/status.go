package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Check that the daemon answers and summarize its routes and held packets.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context(), newClient(), os.Stdout, outputFormat)
	},
}

type statusView struct {
	Socket  string `yaml:"socket"`
	Routes  int    `yaml:"routes"`
	Queues  int    `yaml:"queues"`
	Packets int    `yaml:"held_packets"`
	Bytes   int    `yaml:"held_bytes"`
}

func runStatus(ctx context.Context, c controlClient, w io.Writer, format string) error {
	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("daemon is not running or socket is inaccessible: %w", err)
	}
	routes, err := c.RouteDump(ctx)
	if err != nil {
		return fmt.Errorf("route dump: %w", err)
	}
	stats, err := c.QueueDump(ctx)
	if err != nil {
		return fmt.Errorf("queue dump: %w", err)
	}

	v := statusView{Socket: socketPath, Routes: len(routes), Queues: len(stats)}
	for _, s := range stats {
		v.Packets += s.Len
		v.Bytes += s.Used
	}
	rows := [][]string{
		{"socket", v.Socket},
		{"routes", strconv.Itoa(v.Routes)},
		{"queues", strconv.Itoa(v.Queues)},
		{"held packets", strconv.Itoa(v.Packets)},
		{"held bytes", strconv.Itoa(v.Bytes)},
	}
	return render(w, format, v, []string{"KEY", "VALUE"}, rows)
}
