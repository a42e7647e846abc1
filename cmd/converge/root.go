package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felixgeelhaar/converge/internal/app"
	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/felixgeelhaar/converge/internal/domain/report"
	"github.com/felixgeelhaar/converge/internal/ports"
	"github.com/spf13/cobra"
)

// globalFlags are the flags shared by every command.
type globalFlags struct {
	cfgFile   string
	verbose   bool
	inventory string
	limit     string
	transport string
	format    string
}

// runFlags are the flags of apply and check.
type runFlags struct {
	extraVars   []string
	forks       int
	strategy    string
	batchSize   int
	stopOnError bool
	timeout     time.Duration
}

// cli holds the parsed flags and the options used to build the application.
type cli struct {
	global  globalFlags
	run     runFlags
	appOpts []app.Option
}

// newRootCmd builds the command tree. appOpts are passed to every
// application instance, which lets tests substitute the transport.
func newRootCmd(appOpts ...app.Option) *cobra.Command {
	c := &cli{appOpts: appOpts}
	return c.rootCmd()
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "converge",
		Short: "Idempotent configuration for fleets of Linux hosts",
		Long: `Converge brings hosts to the state a playbook declares.

It reads an inventory of targets, resolves layered variables per target,
renders every step before connecting, then applies user, package, file,
hostname and timezone steps over SSH or locally. Every step probes first
and changes a host only when it has drifted.

Select targets with:
  @all              - All hosts
  @groupname        - Hosts in a group
  tag:tagname       - Hosts with a tag
  web-*             - Glob pattern matching
  ~regex            - Regular expression matching
  !pattern          - Exclude matching hosts`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.global.cfgFile, "config", "", "settings file (default: converge.yaml if present)")
	pf.BoolVarP(&c.global.verbose, "verbose", "v", false, "verbose output")
	pf.StringVarP(&c.global.inventory, "inventory", "i", "", "inventory file (.yaml or .ini); localhost when unset")
	pf.StringVarP(&c.global.limit, "limit", "l", "", "further limit the selected targets")
	pf.StringVar(&c.global.transport, "transport", "", "default transport for hosts that name none (ssh, local)")
	pf.StringVar(&c.global.format, "format", "", "output format (text, json)")

	registerFlagCompletions(root)

	root.AddCommand(
		c.newApplyCmd(),
		c.newCheckCmd(),
		c.newInventoryCmd(),
		c.newPingCmd(),
		c.newVarsCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the CLI and returns the process exit status.
func Execute() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return execute(ctx, newRootCmd(), os.Args[1:], os.Stdout, os.Stderr)
}

func execute(ctx context.Context, root *cobra.Command, args []string, stdout, stderr io.Writer) int {
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return report.ExitOK
	}
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	printErrorTo(stderr, err, verboseFlag(root))
	return report.ExitConfig
}

func verboseFlag(root *cobra.Command) bool {
	v, err := root.PersistentFlags().GetBool("verbose")
	return err == nil && v
}

// exitError ends the process with a status after output was written.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// settings merges defaults, the settings file, the environment and the
// flags set on cmd, in increasing precedence.
func (c *cli) settings(cmd *cobra.Command) (app.Settings, error) {
	s, err := app.LoadSettings(c.global.cfgFile, c.global.cfgFile != "")
	if err != nil {
		return s, err
	}
	if err := s.ApplyEnv(os.LookupEnv); err != nil {
		return s, err
	}

	flags := cmd.Flags()
	if flags.Changed("inventory") {
		s.Inventory = c.global.inventory
	}
	if flags.Changed("transport") {
		s.Transport = c.global.transport
	}
	if flags.Changed("format") {
		s.Format = c.global.format
	}
	if flags.Changed("forks") {
		s.Forks = c.run.forks
	}
	if flags.Changed("strategy") {
		s.Strategy = c.run.strategy
	}
	if flags.Changed("batch-size") {
		s.BatchSize = c.run.batchSize
	}
	if flags.Changed("stop-on-error") {
		s.StopOnError = c.run.stopOnError
	}
	if flags.Changed("timeout") {
		s.Timeout = c.run.timeout
	}

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// newApp builds the application and a context carrying its logger.
func (c *cli) newApp(cmd *cobra.Command) (*app.Converge, context.Context, error) {
	s, err := c.settings(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger, err := app.NewLogger(cmd.ErrOrStderr(), s, c.global.verbose)
	if err != nil {
		return nil, nil, fault.ConfigError(fault.ErrCodeInvalidConfig, "invalid log level", err)
	}
	ctx := ports.ContextWithLogger(cmd.Context(), logger)
	return app.New(s, c.appOpts...), ctx, nil
}

// formatError returns a user-friendly error message.
// With verbose=false: shows the message, where it happened and the suggestion.
// With verbose=true: also shows the underlying technical error.
func formatError(err error, verbose bool) string {
	var fe *fault.Error
	if errors.As(err, &fe) {
		msg := fe.Message
		switch {
		case fe.Target != "" && fe.Step != "":
			msg += fmt.Sprintf(" (target %s, step %q)", fe.Target, fe.Step)
		case fe.Target != "":
			msg += fmt.Sprintf(" (target %s)", fe.Target)
		}
		if fe.Suggestion != "" {
			msg += fmt.Sprintf("\n\nSuggestion: %s", fe.Suggestion)
		}
		if verbose && fe.Underlying != nil {
			msg += fmt.Sprintf("\n\nTechnical details: %v", fe.Underlying)
		}
		return msg
	}
	return err.Error()
}

// printErrorTo prints an error message to the given writer.
func printErrorTo(w io.Writer, err error, verbose bool) {
	_, _ = fmt.Fprintf(w, "Error: %s\n", formatError(err, verbose))
}

// registerFlagCompletions sets up custom completions for global flags.
func registerFlagCompletions(root *cobra.Command) {
	_ = root.RegisterFlagCompletionFunc("config", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"yaml", "yml"}, cobra.ShellCompDirectiveFilterFileExt
	})

	_ = root.RegisterFlagCompletionFunc("inventory", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"yaml", "yml", "ini"}, cobra.ShellCompDirectiveFilterFileExt
	})

	_ = root.RegisterFlagCompletionFunc("transport", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{
			"ssh\tConnect over SSH",
			"local\tRun on this machine",
		}, cobra.ShellCompDirectiveNoFileComp
	})

	_ = root.RegisterFlagCompletionFunc("format", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"text", "json"}, cobra.ShellCompDirectiveNoFileComp
	})
}
