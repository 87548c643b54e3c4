// Command hostctl is the end-user CLI for the hostd daemon.
//
// Usage:
//
//	hostctl resolve <host>          - Print the best address of a host
//	hostctl addrs <host>            - List every ranked address of a host
//	hostctl stats                   - Show resolver counters
//	hostctl clear                   - Drop every cached record
//	hostctl network <state>         - Report connectivity (wifi, mobile, none, unknown)
//	hostctl backend <name> <on|off> - Enable or disable a backend (system, doh, local)
//	hostctl persist <host>          - Write a host's record to disk now
//	hostctl version                 - Show version information
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/lc/hostd/internal/buildinfo"
	"github.com/lc/hostd/internal/config"
	"github.com/lc/hostd/internal/record"
	"github.com/lc/hostd/pkg/client"
	"github.com/lc/hostd/pkg/hostdns"
)

func main() {
	cfg, err := config.New().Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	cli := client.New(cfg.Socket.Path)

	var timeout time.Duration
	root := &cobra.Command{
		Use:   "hostctl",
		Short: "hostd resolver CLI",
		Long: `hostctl talks to the hostd daemon, which resolves hostnames by racing
the system resolver, DNS-over-HTTPS and its own cache, and ranks the
addresses it finds by measured latency.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "request timeout")

	withTimeout := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), timeout)
	}

	// ---- version command ----
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("version: %s\n", buildinfo.Version)
			fmt.Printf("commit: %s\n", buildinfo.Commit)
		},
	}

	// ---- resolve command ----
	resolveCmd := &cobra.Command{
		Use:     "resolve <host>",
		Short:   "Print the best address of a host",
		Example: "hostctl resolve example.com",
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, cancel := withTimeout()
			defer cancel()

			resp, err := cli.Resolve(ctx, args[0])
			if errors.Is(err, client.ErrNotFound) {
				color.Yellow("No address found for %s.", args[0])
				return err
			}
			if err != nil {
				return err
			}
			color.New(color.FgHiGreen, color.Bold).Println(resp.Address)
			return nil
		},
	}

	// ---- addrs command ----
	addrsCmd := &cobra.Command{
		Use:     "addrs <host>",
		Short:   "List the ranked addresses of a host",
		Long:    `List every address of a host in ranked order with its measured latency.`,
		Example: "hostctl addrs example.com",
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, cancel := withTimeout()
			defer cancel()

			resp, err := cli.Addresses(ctx, args[0])
			if errors.Is(err, client.ErrNotFound) {
				color.Yellow("No address found for %s.", args[0])
				return err
			}
			if err != nil {
				return err
			}

			table := newTable([]string{"#", "Address", "Family", "Latency", "Valid"})
			for i, a := range resp.Addresses {
				latency := "-"
				if a.Speed != record.Unmeasured {
					latency = fmt.Sprintf("%dms", a.Speed)
				}
				table.Append([]string{
					strconv.Itoa(i + 1),
					a.IP,
					record.FamilyOf(a.IP).String(),
					latency,
					strconv.FormatBool(a.Valid),
				})
			}

			updated := time.Unix(resp.UpdateTime, 0).Format(time.RFC3339)
			color.New(color.Bold).Printf("%s ", strings.ToUpper(resp.Host))
			color.New(color.FgHiBlack).Printf("via %s, updated %s\n", resp.Origin, updated)
			table.Render()
			return nil
		},
	}

	// ---- stats command ----
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show resolver counters",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := withTimeout()
			defer cancel()

			st, err := cli.Stats(ctx)
			if err != nil {
				return err
			}
			table := newTable([]string{"Metric", "Value"})
			rows := [][]string{
				{"requests", strconv.FormatInt(st.Total, 10)},
				{"success", strconv.FormatInt(st.Success, 10)},
				{"failed", strconv.FormatInt(st.Failed, 10)},
				{"cached", strconv.FormatInt(st.Cached, 10)},
				{"queue depth", strconv.Itoa(st.QueueDepth)},
				{"workers", strconv.Itoa(st.Workers)},
				{"records", strconv.Itoa(st.Registry.Total)},
				{"stale records", strconv.Itoa(st.Registry.Stale)},
				{"pooled connections", strconv.Itoa(st.Pool.Total)},
				{"network", st.Network.String()},
				{"backends", strings.Join(st.Backends, ", ")},
			}
			table.AppendBulk(rows)
			color.New(color.Bold).Println("RESOLVER STATS:")
			table.Render()
			return nil
		},
	}

	// ---- clear command ----
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every cached record",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := withTimeout()
			defer cancel()

			if err := cli.Clear(ctx); err != nil {
				return err
			}
			color.New(color.FgGreen, color.Bold).Println("✓ Cache cleared")
			return nil
		},
	}

	// ---- network command ----
	networkCmd := &cobra.Command{
		Use:       "network <state>",
		Short:     "Report connectivity to the daemon",
		Long:      `Report a connectivity change. Reporting "none" flushes every record to disk.`,
		Example:   "hostctl network none",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"unknown", "wifi", "mobile", "none"},
		RunE: func(_ *cobra.Command, args []string) error {
			state, err := hostdns.ParseNetworkState(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout()
			defer cancel()

			if err := cli.SetNetwork(ctx, state); err != nil {
				return err
			}
			color.New(color.FgGreen, color.Bold).Printf("✓ Network state set to ")
			color.New(color.FgHiYellow, color.Bold).Println(state)
			return nil
		},
	}

	// ---- backend command ----
	backendCmd := &cobra.Command{
		Use:     "backend <name> <on|off>",
		Short:   "Enable or disable a resolution backend",
		Example: "hostctl backend doh on",
		Args:    cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			origin, err := record.ParseOrigin(args[0])
			if err != nil {
				return err
			}
			var enabled bool
			switch strings.ToLower(args[1]) {
			case "on", "enable", "true":
				enabled = true
			case "off", "disable", "false":
			default:
				return fmt.Errorf("expected on or off, got %q", args[1])
			}
			ctx, cancel := withTimeout()
			defer cancel()

			if err := cli.EnableBackend(ctx, origin.String(), enabled); err != nil {
				return err
			}
			state := "disabled"
			if enabled {
				state = "enabled"
			}
			color.New(color.FgGreen, color.Bold).Printf("✓ %s backend %s\n", origin, state)
			return nil
		},
	}

	// ---- persist command ----
	persistCmd := &cobra.Command{
		Use:     "persist <host>",
		Short:   "Write a host's record to disk now",
		Example: "hostctl persist example.com",
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, cancel := withTimeout()
			defer cancel()

			err := cli.Persist(ctx, args[0])
			if errors.Is(err, client.ErrNotFound) {
				color.Yellow("No record for %s.", args[0])
				return err
			}
			if err != nil {
				return err
			}
			color.New(color.FgGreen, color.Bold).Printf("✓ %s written to disk\n", args[0])
			return nil
		},
	}

	root.AddCommand(resolveCmd, addrsCmd, statsCmd, clearCmd, networkCmd, backendCmd, persistCmd, versionCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newTable(header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	colors := make([]tablewriter.Colors, len(header))
	for i := range colors {
		colors[i] = tablewriter.Colors{tablewriter.Bold, tablewriter.FgHiCyanColor}
	}
	table.SetHeaderColor(colors...)
	table.SetBorder(false)
	return table
}
