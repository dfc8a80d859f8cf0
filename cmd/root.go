// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/rom/internal/command"
	"firestige.xyz/rom/internal/core"
	"firestige.xyz/rom/internal/queue"
)

const defaultSocket = "/var/run/rom.sock"

var (
	// Global flags
	configFile   string
	socketPath   string
	outputFormat string
	timeout      time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "rom",
	Short: "ROM - reactive mesh routing core",
	Long: `rom holds outbound packets for destinations without a route, asks the
routing daemon to discover one and forwards or discards the held packets
once it answers.

The daemon exposes the ROUTE-O-MATIC control family on a Unix socket; the
other commands talk to it.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/rom/rom.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", defaultSocket,
		"daemon socket path")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table",
		"output format: table | yaml")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"control request timeout")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(validateCmd)
}

// controlClient is the part of the control client the commands use.
type controlClient interface {
	AddRoute(ctx context.Context, am core.AddressMask) error
	DeleteRoute(ctx context.Context, am core.AddressMask) error
	ReleaseQueue(ctx context.Context, am core.AddressMask) error
	SetGateway(ctx context.Context, on bool) error
	RouteDump(ctx context.Context) ([]core.AddressMask, error)
	QueueDump(ctx context.Context) ([]queue.Stat, error)
	Ping(ctx context.Context) error
	Monitor(ctx context.Context, ready func(), fn func(core.Notification)) error
}

func newClient() controlClient {
	return command.NewUDSClient(socketPath, timeout)
}
