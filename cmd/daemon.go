package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/rom/internal/daemon"
)

var pidFile string

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the rom daemon in foreground",
	Long: `Run the rom daemon process in foreground.

The daemon will:
  1. Load global configuration from config file
  2. Initialize logging and metrics
  3. Build the whitelist and the forwarding engine
  4. Start notification reporters (if configured)
  5. Serve the control socket
  6. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Flags left at their defaults defer to the config file.
		sock, pid := "", ""
		if cmd.Flags().Changed("socket") {
			sock = socketPath
		}
		if cmd.Flags().Changed("pidfile") {
			pid = pidFile
		}
		return runDaemon(configFile, sock, pid)
	},
}

func init() {
	daemonCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "/var/run/rom.pid",
		"PID file path")
}

func runDaemon(configPath, sock, pid string) error {
	d, err := daemon.New(configPath, sock, pid)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	return d.Run()
}
