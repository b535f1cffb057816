package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"nightpilot/internal/errors"
	"nightpilot/internal/job"
)

func newUsageCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "usage [id]",
		Short: "Show per-job token usage, or the current usage block estimate",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			comp, closeFn, err := root.openStack(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				info, err := comp.Usage.RemainingMinutes(ctx)
				if err != nil {
					return err
				}
				if !info.Known {
					fmt.Fprintln(out, "usage block: unknown")
					return nil
				}
				fmt.Fprintf(out, "usage block: %.0f of %.0f minutes left, %.0f%% used (%s)\n",
					info.RemainingMinutes, info.TotalMinutes, info.UsedFraction()*100, info.Source)
				if !info.ResetAt.IsZero() {
					fmt.Fprintf(out, "resets: %s\n", when(info.ResetAt))
				}
				return nil
			}

			id, err := resolveID(ctx, comp, args[0])
			if err != nil {
				return err
			}
			st, err := comp.Scheduler.UsageStats(id)
			if errors.Is(err, errors.ErrNotFound) {
				// terminal jobs are not loaded; aggregate from the store
				attempts, lerr := comp.Repo.ListExecutions(ctx, id, 0)
				if lerr != nil {
					return lerr
				}
				st = job.UsageStats{JobID: id}
				for _, a := range attempts {
					st.Add(a)
				}
			} else if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			row := func(k, v string) { fmt.Fprintf(tw, "%s:\t%s\n", k, v) }
			row("Job", id)
			row("Attempts", fmt.Sprintf("%d (%d ok, %d failed, %d deferred)", st.Attempts, st.Successes, st.Failures, st.Deferred))
			row("Input tokens", humanize.Comma(st.InputTokens))
			row("Output tokens", humanize.Comma(st.OutputTokens))
			row("Cache reads", humanize.Comma(st.CacheReadTokens))
			row("Cost", fmt.Sprintf("$%.4f", st.CostUSD))
			row("Run time", st.TotalDuration.Round(time.Second).String())
			if st.LastModel != "" {
				row("Model", st.LastModel)
			}
			row("Last attempt", when(st.LastAttemptAt))
			return tw.Flush()
		},
	}
}
