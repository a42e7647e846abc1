package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/felixgeelhaar/converge/internal/domain/report"
	"github.com/spf13/cobra"
)

func (c *cli) newVarsCmd() *cobra.Command {
	var playbookPath string
	cmd := &cobra.Command{
		Use:   "vars <host>",
		Short: "Show a host's resolved variables and where each came from",
		Long: `Resolve the variables of one host through every layer:

  defaults < global (inventory, group_vars/all, playbook vars, vars_files)
  < groups (shallowest first) < host < extra (-e)

With --playbook the playbook's declarations, vars and vars_files take part
and required variables are checked.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			converge, _, err := c.newApp(cmd)
			if err != nil {
				return err
			}
			cfg, err := converge.Vars(args[0], playbookPath, c.run.extraVars)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			entries := cfg.Entries()
			if report.Format(converge.Settings().Format) == report.FormatJSON {
				return writeJSON(out, entries)
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			//nolint:errcheck // Tabwriter errors are captured by Flush
			fmt.Fprintln(w, "NAME\tVALUE\tSOURCE")
			for _, e := range entries {
				//nolint:errcheck // Tabwriter errors are captured by Flush
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.Name, displayValue(e.Value), e.Source)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&playbookPath, "playbook", "p", "", "playbook whose variables take part")
	cmd.Flags().StringArrayVarP(&c.run.extraVars, "extra-var", "e", nil, "set a variable (key=value or @file), highest precedence")
	return cmd
}

// displayValue prints scalars as is and collections as compact JSON.
func displayValue(v any) string {
	switch v.(type) {
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err == nil {
			return string(data)
		}
	}
	return fmt.Sprint(v)
}
