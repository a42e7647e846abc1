package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/felixgeelhaar/converge/internal/domain/fleet"
	"github.com/felixgeelhaar/converge/internal/domain/report"
	"github.com/spf13/cobra"
)

func (c *cli) newInventoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "Inspect the inventory",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List hosts in the inventory",
		Long:  `List the hosts selected by --limit (all by default) in inventory order with their address, tags and groups.`,
		Args:  cobra.NoArgs,
		RunE:  c.runInventoryList,
	})
	return cmd
}

func (c *cli) runInventoryList(cmd *cobra.Command, _ []string) error {
	converge, _, err := c.newApp(cmd)
	if err != nil {
		return err
	}
	hosts, err := converge.Select(c.global.limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if report.Format(converge.Settings().Format) == report.FormatJSON {
		return printHostsJSON(out, hosts)
	}
	return printHostsTable(out, hosts)
}

func printHostsTable(out io.Writer, hosts []*fleet.Host) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	//nolint:errcheck // Tabwriter errors are captured by Flush
	fmt.Fprintln(w, "HOST\tHOSTNAME\tUSER\tPORT\tCONNECTION\tTAGS\tGROUPS")

	for _, h := range hosts {
		summary := h.Summary()
		port := "-"
		if summary.Port > 0 {
			port = fmt.Sprint(summary.Port)
		}
		//nolint:errcheck // Tabwriter errors are captured by Flush
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			summary.ID,
			orDash(summary.Hostname),
			orDash(summary.User),
			port,
			orDash(summary.Connection),
			orDash(strings.Join(summary.Tags, ",")),
			orDash(strings.Join(summary.Groups, ",")),
		)
	}

	return w.Flush()
}

func printHostsJSON(out io.Writer, hosts []*fleet.Host) error {
	summaries := make([]fleet.HostSummary, len(hosts))
	for i, h := range hosts {
		summaries[i] = h.Summary()
	}
	return writeJSON(out, summaries)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
