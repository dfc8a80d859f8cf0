package cmd

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"firestige.xyz/rom/internal/core"
	"firestige.xyz/rom/internal/queue"
)

type routeView struct {
	Destination string `yaml:"destination"`
	Mask        string `yaml:"mask"`
}

type queueView struct {
	Destination string `yaml:"destination"`
	Packets     int    `yaml:"packets"`
	UsedBytes   int    `yaml:"used_bytes"`
	CapBytes    int    `yaml:"capacity_bytes"`
}

func routeViews(routes []core.AddressMask) []routeView {
	out := make([]routeView, 0, len(routes))
	for _, r := range routes {
		out = append(out, routeView{Destination: r.Addr.String(), Mask: core.Addr(r.Mask).String()})
	}
	return out
}

func queueViews(stats []queue.Stat) []queueView {
	out := make([]queueView, 0, len(stats))
	for _, s := range stats {
		dest := s.Dest.String()
		if s.Dest == 0 {
			dest = "external"
		}
		out = append(out, queueView{Destination: dest, Packets: s.Len, UsedBytes: s.Used, CapBytes: s.Capacity})
	}
	return out
}

func render(w io.Writer, format string, v any, header []string, rows [][]string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		printTable(w, header, rows)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func printTable(w io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader(header)
	table.AppendBulk(rows)
	table.Render()
}

func printRoutes(w io.Writer, format string, routes []core.AddressMask) error {
	views := routeViews(routes)
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, []string{v.Destination, v.Mask})
	}
	return render(w, format, views, []string{"DESTINATION", "MASK"}, rows)
}

func printQueues(w io.Writer, format string, stats []queue.Stat) error {
	views := queueViews(stats)
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, []string{
			v.Destination,
			strconv.Itoa(v.Packets),
			strconv.Itoa(v.UsedBytes),
			strconv.Itoa(v.CapBytes),
		})
	}
	return render(w, format, views, []string{"DESTINATION", "PACKETS", "USED", "CAPACITY"}, rows)
}
