package main

import (
	"github.com/felixgeelhaar/converge/internal/app"
	"github.com/felixgeelhaar/converge/internal/domain/report"
	"github.com/spf13/cobra"
)

func (c *cli) newApplyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply <playbook>",
		Short: "Converge the selected targets",
		Long: `Apply a playbook (.yaml, .yml or .hcl) to the targets it selects.

Variables are resolved and every step is rendered for every target before
any connection is opened; a configuration error aborts the run with exit
status 1. A failed step is recorded and the target moves on to its next
step. A connection error stops that target only. The run exits 2 when any
step failed or any target was unreachable.

Examples:
  converge apply -i hosts.ini site.yaml
  converge apply -i hosts.yaml -l @web -e username=bob site.yaml
  converge apply --strategy rolling --batch-size 2 --format json site.hcl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runPlaybook(cmd, args[0], false)
		},
	}
	c.addRunFlags(cmd)
	return cmd
}

func (c *cli) newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <playbook>",
		Short: "Report what apply would change without changing anything",
		Long: `Check probes every target and reports the steps that would change.

Only read-only commands run on the targets. Steps that would change are
reported as changed with check mode set; file steps include a diff.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runPlaybook(cmd, args[0], true)
		},
	}
	c.addRunFlags(cmd)
	return cmd
}

func (c *cli) addRunFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringArrayVarP(&c.run.extraVars, "extra-var", "e", nil, "set a variable (key=value or @file), highest precedence")
	flags.IntVar(&c.run.forks, "forks", 0, "maximum targets worked on at once (default 5)")
	flags.StringVar(&c.run.strategy, "strategy", "", "execution strategy (parallel, rolling, canary)")
	flags.IntVar(&c.run.batchSize, "batch-size", 0, "targets per batch for the rolling strategy (default: forks)")
	flags.BoolVar(&c.run.stopOnError, "stop-on-error", false, "skip remaining targets after the first failure")
	flags.DurationVar(&c.run.timeout, "timeout", 0, "per-target timeout (0 = none)")
}

func (c *cli) runPlaybook(cmd *cobra.Command, playbookPath string, check bool) error {
	converge, ctx, err := c.newApp(cmd)
	if err != nil {
		return err
	}

	r, err := converge.Run(ctx, app.RunOptions{
		Playbook: playbookPath,
		Limit:    c.global.limit,
		Extra:    c.run.extraVars,
		Check:    check,
	})
	if err != nil {
		return err
	}

	format := report.Format(converge.Settings().Format)
	if err := r.Write(cmd.OutOrStdout(), format); err != nil {
		return err
	}
	if code := r.ExitCode(); code != report.ExitOK {
		return &exitError{code: code}
	}
	return nil
}
