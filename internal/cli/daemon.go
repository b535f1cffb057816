package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"nightpilot/internal/app"
)

const stopTimeout = 45 * time.Second

func newDaemonCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduler until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts.configPath)
		},
	}
}

func runDaemon(parent context.Context, cfgPath string) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(parent); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return err
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	case <-parent.Done():
		reason = app.StopAppStop
	}

	// A fresh context: shutdown must not inherit the cancelled parent.
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	fatal := a.Err()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return fatal
}
