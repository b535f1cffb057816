package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"nightpilot/internal/errors"
	"nightpilot/internal/job"
)

const versionTimeout = 10 * time.Second

func newHealthCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the CLI binary, the job store and the usage block",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			comp, closeFn, err := root.openStack(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			var failed bool

			vctx, cancel := context.WithTimeout(ctx, versionTimeout)
			version, verr := comp.Runner.Version(vctx)
			cancel()
			if verr != nil {
				failed = true
				fmt.Fprintf(tw, "cli:\tFAIL\t%s: %v\n", comp.Runner.Binary, verr)
			} else {
				fmt.Fprintf(tw, "cli:\tok\t%s %s\n", comp.Runner.Binary, version)
			}

			jobs, jerr := comp.Repo.ListJobs(ctx)
			if jerr != nil {
				failed = true
				fmt.Fprintf(tw, "store:\tFAIL\t%v\n", jerr)
			} else {
				counts := map[job.Status]int{}
				for _, j := range jobs {
					counts[j.Status]++
				}
				fmt.Fprintf(tw, "store:\tok\t%d jobs (%d active, %d paused, %d cooldown, %d failed)\n",
					len(jobs), counts[job.StatusActive], counts[job.StatusPaused], counts[job.StatusCooldown], counts[job.StatusFailed])
				if until := latestCooldown(jobs); !until.IsZero() {
					fmt.Fprintf(tw, "cooldown:\tactive\tjobs parked until %s (%s)\n", until.Local().Format("15:04:05"), humanize.Time(until))
				}
			}

			info, uerr := comp.Usage.RemainingMinutes(ctx)
			switch {
			case uerr != nil:
				fmt.Fprintf(tw, "usage:\tunknown\t%v\n", uerr)
			case !info.Known:
				fmt.Fprintf(tw, "usage:\tunknown\tno usage source answered\n")
			default:
				fmt.Fprintf(tw, "usage:\tok\t%.0f of %.0f block minutes left (%s)\n", info.RemainingMinutes, info.TotalMinutes, info.Source)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if failed {
				return errors.New("health check failed")
			}
			return nil
		},
	}
}

func latestCooldown(jobs []*job.Job) time.Time {
	var until time.Time
	for _, j := range jobs {
		if j.Status == job.StatusCooldown && j.CooldownUntil.After(until) {
			until = j.CooldownUntil
		}
	}
	return until
}
