package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/felixgeelhaar/converge/internal/domain/fleet"
	"github.com/felixgeelhaar/converge/internal/domain/report"
	"github.com/spf13/cobra"
)

func (c *cli) newPingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Test connectivity to hosts",
		Long:  `Open and close a connection to every host selected by --limit. Exits 2 when any host is unreachable.`,
		Args:  cobra.NoArgs,
		RunE:  c.runPing,
	}
	cmd.Flags().DurationVar(&c.run.timeout, "timeout", 0, "per-host timeout (0 = transport default)")
	return cmd
}

type pingRow struct {
	Host      fleet.HostID `json:"host"`
	OK        bool         `json:"ok"`
	LatencyMS int64        `json:"latency_ms"`
	Error     string       `json:"error,omitempty"`
}

func (c *cli) runPing(cmd *cobra.Command, _ []string) error {
	converge, ctx, err := c.newApp(cmd)
	if err != nil {
		return err
	}
	results, err := converge.Ping(ctx, c.global.limit)
	if err != nil {
		return err
	}

	rows := make([]pingRow, len(results))
	failed := false
	for i, r := range results {
		rows[i] = pingRow{Host: r.Host.ID(), OK: r.Err == nil, LatencyMS: r.Latency.Milliseconds()}
		if r.Err != nil {
			rows[i].Error = report.Detail(r.Err).Message
			failed = true
		}
	}

	out := cmd.OutOrStdout()
	if report.Format(converge.Settings().Format) == report.FormatJSON {
		if err := writeJSON(out, rows); err != nil {
			return err
		}
	} else {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		//nolint:errcheck // Tabwriter errors are captured by Flush
		fmt.Fprintln(w, "HOST\tSTATUS\tLATENCY\tERROR")
		for i, row := range rows {
			status := "OK"
			if !row.OK {
				status = "UNREACHABLE"
			}
			//nolint:errcheck // Tabwriter errors are captured by Flush
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				row.Host,
				status,
				results[i].Latency.Round(time.Millisecond),
				row.Error,
			)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if failed {
		return &exitError{code: report.ExitFailed}
	}
	return nil
}
