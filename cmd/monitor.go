package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"firestige.xyz/rom/internal/core"
)

var monitorNoColor bool

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Print RREQ, RLIFE and RERR notifications as they happen",
	Long: `Join the notification group on the daemon socket and print every
notification until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runMonitor(ctx, newClient(), os.Stdout, !monitorNoColor)
	},
}

func init() {
	monitorCmd.Flags().BoolVar(&monitorNoColor, "no-color", false, "disable colored output")
}

func runMonitor(ctx context.Context, c controlClient, w io.Writer, colored bool) error {
	noColor := color.New()
	kinds := map[core.NotificationKind]*color.Color{
		core.RouteRequest: noColor,
		core.RouteLife:    noColor,
		core.RouteError:   noColor,
	}
	stamp := noColor
	if colored {
		kinds[core.RouteRequest] = color.New(color.FgHiCyan)
		kinds[core.RouteLife] = color.New(color.FgGreen)
		kinds[core.RouteError] = color.New(color.FgRed)
		stamp = color.New(color.FgHiBlack)
	} else {
		noColor.DisableColor()
	}

	ready := func() { fmt.Fprintln(w, "listening for notifications") }
	return c.Monitor(ctx, ready, func(n core.Notification) {
		k, ok := kinds[n.Kind]
		if !ok {
			k = noColor
		}
		fmt.Fprintf(w, "%s %s %s\n",
			stamp.Sprint(time.Now().Format("15:04:05.000")),
			k.Sprintf("%-5s", n.Kind),
			n.Addr)
	})
}
