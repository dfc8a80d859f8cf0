package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/rom/internal/core"
)

// routeCmd represents the route command group
var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Manage the route table",
	Long: `Manage the daemon's route table.

Destinations are written as a.b.c.d, a.b.c.d/len or a.b.c.d/m.m.m.m.
A bare address is a host route.`,
}

var routeAddCmd = &cobra.Command{
	Use:   "add <destination>",
	Short: "Add a route and release packets queued for it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRouteAdd(cmd.Context(), newClient(), os.Stdout, args[0])
	},
}

var routeDelCmd = &cobra.Command{
	Use:     "del <destination>",
	Aliases: []string{"delete"},
	Short:   "Delete a route",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRouteDel(cmd.Context(), newClient(), os.Stdout, args[0])
	},
}

var routeDumpCmd = &cobra.Command{
	Use:     "dump",
	Aliases: []string{"list"},
	Short:   "List installed routes",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRouteDump(cmd.Context(), newClient(), os.Stdout, outputFormat)
	},
}

func init() {
	routeCmd.AddCommand(routeAddCmd)
	routeCmd.AddCommand(routeDelCmd)
	routeCmd.AddCommand(routeDumpCmd)
}

func runRouteAdd(ctx context.Context, c controlClient, w io.Writer, dest string) error {
	am, err := core.ParseAddressMask(dest)
	if err != nil {
		return err
	}
	if err := c.AddRoute(ctx, am); err != nil {
		return fmt.Errorf("route add %s: %w", am, err)
	}
	fmt.Fprintf(w, "route %s added\n", am)
	return nil
}

func runRouteDel(ctx context.Context, c controlClient, w io.Writer, dest string) error {
	am, err := core.ParseAddressMask(dest)
	if err != nil {
		return err
	}
	if err := c.DeleteRoute(ctx, am); err != nil {
		return fmt.Errorf("route del %s: %w", am, err)
	}
	fmt.Fprintf(w, "route %s deleted\n", am)
	return nil
}

func runRouteDump(ctx context.Context, c controlClient, w io.Writer, format string) error {
	routes, err := c.RouteDump(ctx)
	if err != nil {
		return fmt.Errorf("route dump: %w", err)
	}
	return printRoutes(w, format, routes)
}
