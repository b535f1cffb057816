// Package cli is the nightpilot command line: the daemon entry point plus
// one-shot commands that operate on the job store directly.
package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"nightpilot/internal/app"
	"nightpilot/internal/config"
	"nightpilot/internal/errors"
	logx "nightpilot/pkg/logx"
)

const closeTimeout = 10 * time.Second

type rootOptions struct {
	configPath string
	verbose    bool
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "nightpilot",
		Short: "Schedule and run assistant CLI prompts around usage limits",
		Long: `nightpilot runs prompts through the assistant CLI on cron, one-shot,
session and usage-adaptive schedules. Runs that hit a usage or rate limit are
parked until the limit resets instead of failing.

Examples:
  nightpilot daemon                                  # run the scheduler
  nightpilot job add --name nightly --prompt "triage open issues" --cron "0 3 * * *"
  nightpilot job list
  nightpilot run "summarize yesterday's commits"
  nightpilot cooldown check "retry in 60 seconds"`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.yaml", "path to config (json or yaml)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		newDaemonCommand(opts),
		newRunCommand(opts),
		newJobCommand(opts),
		newPromptCommand(opts),
		newCooldownCommand(opts),
		newHealthCommand(opts),
		newUsageCommand(opts),
		newServiceCommand(opts),
	)
	return root
}

// Execute runs the root command and returns its error.
func Execute(ctx context.Context, args []string) error {
	root := NewRootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.NewManager(o.configPath).Load()
	if err != nil {
		return nil, errors.WithHint(err, "check --config")
	}
	return cfg, nil
}

// cliLogger keeps one-shot commands quiet unless --verbose.
func (o *rootOptions) cliLogger() logx.Logger {
	if o.verbose {
		return logx.NewConsole("debug")
	}
	return logx.NewConsole("warn")
}

// openStack builds the execution stack over the configured store and loads
// persisted jobs into a scheduler handle that is never started. The
// returned func closes the store.
func (o *rootOptions) openStack(ctx context.Context) (*app.Components, func(), error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	comp, err := app.Build(cfg, o.cliLogger(), nil)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = comp.Close(cctx)
	}
	if _, err := comp.Scheduler.Load(ctx); err != nil {
		closeFn()
		return nil, nil, err
	}
	return comp, closeFn, nil
}
