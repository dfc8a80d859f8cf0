package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var gatewayCmd = &cobra.Command{
	Use:       "gateway <on|off>",
	Short:     "Set whether a gateway to the external network is reachable",
	Long:      `While the gateway is reachable, packets for external destinations are forwarded instead of held.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway(cmd.Context(), newClient(), os.Stdout, args[0])
	},
}

func runGateway(ctx context.Context, c controlClient, w io.Writer, state string) error {
	var on bool
	switch state {
	case "on", "true", "1":
		on = true
	case "off", "false", "0":
	default:
		return fmt.Errorf("invalid gateway state %q, want on or off", state)
	}
	if err := c.SetGateway(ctx, on); err != nil {
		return fmt.Errorf("set gateway: %w", err)
	}
	fmt.Fprintf(w, "gateway %s\n", state)
	return nil
}
