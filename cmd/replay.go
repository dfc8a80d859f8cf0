package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"firestige.xyz/rom/internal/config"
	"firestige.xyz/rom/internal/core"
	"firestige.xyz/rom/internal/replay"
	"firestige.xyz/rom/internal/whitelist"
)

var (
	replayIn     string
	replayOut    string
	replayRoutes []string
	replayHook   string
	replayLocal  []string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run a pcap file through the forwarding engine offline",
	Long: `Classify every packet of a pcap file with a private engine and write the
packets it forwards to another pcap. Routes given with --route are added
after the last packet, releasing what was held for them.

The engine settings come from the config file when --config is given.

Examples:
  rom replay --in mesh.pcap --out forwarded.pcap --route 10.2.0.0/16
  rom replay --in mesh.pcap --hook pre_routing --whitelist 192.168.1.0/24`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := replayOptions{
			in:        replayIn,
			out:       replayOut,
			routes:    replayRoutes,
			hook:      replayHook,
			whitelist: replayLocal,
		}
		if cmd.Flags().Changed("config") {
			opts.configPath = configFile
		}
		return runReplay(cmd.Context(), opts, os.Stdout, outputFormat)
	},
}

func init() {
	replayCmd.Flags().StringVarP(&replayIn, "in", "i", "", "input pcap file (required)")
	replayCmd.Flags().StringVarP(&replayOut, "out", "w", "", "output pcap file for forwarded packets")
	replayCmd.Flags().StringSliceVarP(&replayRoutes, "route", "r", nil, "route to add after the capture, repeatable")
	replayCmd.Flags().StringVar(&replayHook, "hook", core.HookLocalOut.String(), "hook point: pre_routing | local_out")
	replayCmd.Flags().StringSliceVar(&replayLocal, "whitelist", nil, "local subnetwork, repeatable")
	replayCmd.MarkFlagRequired("in")
}

type replayOptions struct {
	configPath string
	in         string
	out        string
	routes     []string
	hook       string
	whitelist  []string
}

func (o replayOptions) build() (replay.Config, error) {
	var rc replay.Config
	switch o.hook {
	case core.HookPreRouting.String():
		rc.Hook = core.HookPreRouting
	case core.HookLocalOut.String():
		rc.Hook = core.HookLocalOut
	default:
		return rc, fmt.Errorf("invalid hook %q", o.hook)
	}

	capacity := whitelist.DefaultCapacity
	var local []core.AddressMask
	if o.configPath != "" {
		cfg, err := config.Load(o.configPath)
		if err != nil {
			return rc, err
		}
		if rc.Engine, err = cfg.EngineConfig(); err != nil {
			return rc, err
		}
		wc, err := cfg.WhitelistConfig()
		if err != nil {
			return rc, err
		}
		capacity = wc.Capacity
		local = append(local, wc.Subnets...)
	}
	for _, s := range o.whitelist {
		am, err := core.ParseAddressMask(s)
		if err != nil {
			return rc, err
		}
		local = append(local, am)
	}
	rc.Whitelist = whitelist.New(capacity, local...)

	for _, s := range o.routes {
		am, err := core.ParseAddressMask(s)
		if err != nil {
			return rc, err
		}
		rc.Routes = append(rc.Routes, am)
	}
	return rc, nil
}

func runReplay(ctx context.Context, o replayOptions, w io.Writer, format string) error {
	rc, err := o.build()
	if err != nil {
		return err
	}

	in, err := os.Open(o.in)
	if err != nil {
		return err
	}
	defer in.Close()

	var out io.Writer
	if o.out != "" {
		f, err := os.Create(o.out)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	sum, err := replay.Run(ctx, rc, in, out)
	if err != nil {
		return fmt.Errorf("replay %s: %w", o.in, err)
	}
	return printSummary(w, format, sum)
}

type summaryView struct {
	Read          int            `yaml:"read"`
	Skipped       int            `yaml:"skipped"`
	Accepted      int            `yaml:"accepted"`
	Stolen        int            `yaml:"stolen"`
	Released      int            `yaml:"released"`
	Written       int            `yaml:"written"`
	Discarded     int            `yaml:"discarded"`
	Reasons       map[string]int `yaml:"reasons"`
	Notifications map[string]int `yaml:"notifications"`
}

func printSummary(w io.Writer, format string, s *replay.Summary) error {
	v := summaryView(*s)
	rows := [][]string{
		{"read", strconv.Itoa(s.Read)},
		{"skipped", strconv.Itoa(s.Skipped)},
		{"accepted", strconv.Itoa(s.Accepted)},
		{"stolen", strconv.Itoa(s.Stolen)},
		{"released", strconv.Itoa(s.Released)},
		{"written", strconv.Itoa(s.Written)},
		{"discarded", strconv.Itoa(s.Discarded)},
	}
	rows = append(rows, sortedCounts("reason", s.Reasons)...)
	rows = append(rows, sortedCounts("notification", s.Notifications)...)
	return render(w, format, v, []string{"COUNTER", "VALUE"}, rows)
}

func sortedCounts(prefix string, m map[string]int) [][]string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{prefix + " " + k, strconv.Itoa(m[k])})
	}
	return rows
}
