package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"nightpilot/internal/errors"
	"nightpilot/internal/job"
	"nightpilot/internal/pipeline"
)

type runOptions struct {
	timeout         time.Duration
	workdir         string
	skipPermissions bool
	extraArgs       string
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run one prompt now, with retries and cooldown detection",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, root, opts, strings.Join(args, " "))
		},
	}
	cmd.Flags().DurationVar(&opts.timeout, "timeout", job.DefaultTimeout, "per-attempt timeout")
	cmd.Flags().StringVar(&opts.workdir, "workdir", "", "working directory for the CLI")
	cmd.Flags().BoolVar(&opts.skipPermissions, "skip-permissions", false, "pass --dangerously-skip-permissions")
	cmd.Flags().StringVar(&opts.extraArgs, "extra-args", "", "extra CLI arguments (shell quoted)")
	return cmd
}

func runOnce(cmd *cobra.Command, root *rootOptions, opts *runOptions, prompt string) error {
	ctx := cmd.Context()
	comp, closeFn, err := root.openStack(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	j := job.New("run", prompt, job.Triggered())
	j.Options.Timeout = opts.timeout
	j.Options.WorkingDir = opts.workdir
	j.Options.SkipPermissions = opts.skipPermissions
	j.Options.ExtraArgs = opts.extraArgs

	start := time.Now()
	res := comp.Pipeline.Execute(ctx, pipeline.RequestFor(j, prompt))
	out := cmd.OutOrStdout()

	switch res.Outcome.Kind {
	case job.OutcomeSuccess:
		fmt.Fprintln(out, strings.TrimRight(res.Outcome.Output, "\n"))
		if res.Usage != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "-- %d attempt(s), %s, %s tokens in / %s out\n",
				res.Attempts, time.Since(start).Round(time.Millisecond),
				humanize.Comma(res.Usage.InputTokens), humanize.Comma(res.Usage.OutputTokens))
		}
		return nil
	case job.OutcomeCooldownDeferred:
		return errors.WithHintf(errors.Wrap(errors.ErrCooldownDeferred, res.Verdict.String()),
			"retry %s", humanize.Time(res.Outcome.ResumeAt))
	case job.OutcomeCancelled:
		return errors.New("run cancelled")
	default:
		if res.Skipped {
			return errors.Wrap(errors.ErrConcurrencyLimitExceeded, "run skipped")
		}
		if res.Err != nil {
			return errors.Wrapf(res.Err, "run failed after %d attempt(s)", res.Attempts)
		}
		return errors.Newf("run failed after %d attempt(s): %s", res.Attempts, res.Outcome.Error)
	}
}
