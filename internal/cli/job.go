package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"nightpilot/internal/app"
	"nightpilot/internal/errors"
	"nightpilot/internal/job"
	"nightpilot/internal/retry"
	"nightpilot/internal/scheduler"
)

func newJobCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage scheduled jobs",
		Long: `Manage scheduled jobs in the configured store.

Changes made here are picked up by the daemon on its next start. Job ids may
be abbreviated to any unique prefix.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(
		newJobAddCommand(root),
		newJobListCommand(root),
		newJobShowCommand(root),
		newJobStateCommand(root, "pause", "Pause a job; ticks are dropped until resumed"),
		newJobStateCommand(root, "resume", "Resume a paused job"),
		newJobStateCommand(root, "cancel", "Cancel a job and its children"),
		newJobStateCommand(root, "remove", "Delete a job"),
		newJobTriggerCommand(root),
	)
	return cmd
}

type jobAddOptions struct {
	name      string
	prompt    string
	promptRef string
	parent    string

	cron      string
	tz        string
	at        string
	daily     bool
	once      string
	adaptive  bool
	interval  time.Duration
	final     float64
	triggered bool

	timeout         time.Duration
	workdir         string
	priority        int
	maxRetries      int
	skipPermissions bool
	skipIfRunning   bool
	paused          bool
	tags            []string
}

func (o *jobAddOptions) schedule() (job.Schedule, error) {
	switch {
	case o.cron != "":
		return job.CronSchedule(o.cron, o.tz), nil
	case o.at != "":
		return job.SessionAt(o.at, o.daily), nil
	case o.once != "":
		at, err := time.Parse(time.RFC3339, o.once)
		if err != nil {
			return job.Schedule{}, errors.WithHint(errors.Wrapf(err, "--once %q", o.once), "use RFC 3339, e.g. 2026-01-02T03:04:05Z")
		}
		return job.OnceAt(at), nil
	case o.adaptive:
		return job.AdaptiveSchedule(nil, o.interval, o.final), nil
	default:
		return job.Triggered(), nil
	}
}

func (o *jobAddOptions) build() (*job.Job, error) {
	sched, err := o.schedule()
	if err != nil {
		return nil, err
	}
	j := &job.Job{
		Name:      strings.TrimSpace(o.name),
		Prompt:    o.prompt,
		PromptRef: strings.TrimSpace(o.promptRef),
		ParentID:  strings.TrimSpace(o.parent),
		Schedule:  sched,
		Priority:  o.priority,
		Tags:      o.tags,
	}
	j.Options.Timeout = o.timeout
	j.Options.WorkingDir = o.workdir
	j.Options.SkipPermissions = o.skipPermissions
	j.Options.SkipIfRunning = o.skipIfRunning
	if o.maxRetries >= 0 {
		j.Retry = retry.DefaultPolicy()
		j.Retry.MaxRetries = o.maxRetries
	}
	if o.paused {
		j.Status = job.StatusPaused
	}
	return j, nil
}

func newJobAddCommand(root *rootOptions) *cobra.Command {
	opts := &jobAddOptions{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a job",
		Long: `Add a job. Pick one schedule:

  --cron EXPR          5 or 6 field cron expression (seconds optional)
  --at HH:MM [--daily] next session at a wall-clock time
  --once RFC3339       a single absolute time
  --adaptive           poll the usage block and fire just before it resets
  --triggered          manual only (default)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			j, err := opts.build()
			if err != nil {
				return err
			}
			comp, closeFn, err := root.openStack(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			if j.ParentID != "" {
				if j.ParentID, err = resolveID(ctx, comp, j.ParentID); err != nil {
					return err
				}
			}
			id, err := comp.Scheduler.AddJob(ctx, j)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.name, "name", "", "job name")
	f.StringVar(&opts.prompt, "prompt", "", "inline prompt text")
	f.StringVar(&opts.promptRef, "prompt-ref", "", "name of a stored prompt")
	f.StringVar(&opts.parent, "parent", "", "parent job id")
	f.StringVar(&opts.cron, "cron", "", "cron expression")
	f.StringVar(&opts.tz, "tz", "", "IANA timezone for --cron")
	f.StringVar(&opts.at, "at", "", "session time HH:MM")
	f.BoolVar(&opts.daily, "daily", false, "repeat --at every day")
	f.StringVar(&opts.once, "once", "", "absolute RFC 3339 time")
	f.BoolVar(&opts.adaptive, "adaptive", false, "usage-adaptive schedule")
	f.DurationVar(&opts.interval, "interval", 0, "default poll interval for --adaptive")
	f.Float64Var(&opts.final, "final", 0, "fire when this many block minutes remain (--adaptive)")
	f.BoolVar(&opts.triggered, "triggered", false, "manual trigger only")
	f.DurationVar(&opts.timeout, "timeout", 0, "per-attempt timeout")
	f.StringVar(&opts.workdir, "workdir", "", "working directory for the CLI")
	f.IntVar(&opts.priority, "priority", 0, "priority 1..10")
	f.IntVar(&opts.maxRetries, "max-retries", -1, "retry budget (default policy when omitted)")
	f.BoolVar(&opts.skipPermissions, "skip-permissions", false, "pass --dangerously-skip-permissions")
	f.BoolVar(&opts.skipIfRunning, "skip-if-running", false, "drop ticks while a run is in flight")
	f.BoolVar(&opts.paused, "paused", false, "add the job paused")
	f.StringSliceVar(&opts.tags, "tag", nil, "tag (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	cmd.MarkFlagsMutuallyExclusive("cron", "at", "once", "adaptive", "triggered")
	cmd.MarkFlagsMutuallyExclusive("prompt", "prompt-ref")
	return cmd
}

func newJobListCommand(root *rootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List jobs",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			comp, closeFn, err := root.openStack(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			jobs, err := comp.Repo.ListJobs(ctx)
			if err != nil {
				return err
			}
			if status != "" {
				kept := jobs[:0]
				for _, j := range jobs {
					if string(j.Status) == status {
						kept = append(kept, j)
					}
				}
				jobs = kept
			}
			printJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only jobs in this status")
	return cmd
}

func printJobs(w io.Writer, jobs []*job.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "no jobs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tSCHEDULE\tNEXT RUN\tRUNS\tFAILED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			shortID(j.ID), j.Name, j.Status, j.Schedule.String(), when(j.NextRunAt), j.ExecutionCount, j.FailedRuns)
	}
	_ = tw.Flush()
}

func newJobShowCommand(root *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a job and its recent attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			comp, closeFn, err := root.openStack(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			id, err := resolveID(ctx, comp, args[0])
			if err != nil {
				return err
			}
			j, err := comp.Repo.GetJob(ctx, id)
			if err != nil {
				return err
			}
			attempts, err := comp.Repo.ListExecutions(ctx, id, limit)
			if err != nil {
				return err
			}
			printJob(cmd.OutOrStdout(), j, attempts)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "attempts to show")
	return cmd
}

func printJob(w io.Writer, j *job.Job, attempts []job.ExecutionAttempt) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	row := func(k, v string) { fmt.Fprintf(tw, "%s:\t%s\n", k, v) }
	row("ID", j.ID)
	row("Name", j.Name)
	row("Status", string(j.Status))
	row("Schedule", j.Schedule.String())
	if j.PromptRef != "" {
		row("Prompt", "@"+j.PromptRef)
	} else {
		row("Prompt", truncate(j.Prompt, 72))
	}
	row("Priority", fmt.Sprint(j.Priority))
	row("Retry", fmt.Sprintf("%s, max %d", j.Retry.Strategy, j.Retry.MaxRetries))
	row("Runs", fmt.Sprintf("%d (%d failed, success rate %.0f%%)", j.ExecutionCount, j.FailedRuns, j.SuccessRate()*100))
	row("Next run", when(j.NextRunAt))
	row("Last run", when(j.LastRunAt))
	if !j.CooldownUntil.IsZero() {
		row("Cooldown until", when(j.CooldownUntil))
	}
	if j.LastError != "" {
		row("Last error", truncate(j.LastError, 120))
	}
	if j.ParentID != "" {
		row("Parent", j.ParentID)
	}
	if len(j.ChildIDs) > 0 {
		row("Children", strings.Join(j.ChildIDs, ", "))
	}
	_ = tw.Flush()

	if len(attempts) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ATTEMPT\tSTARTED\tOUTCOME\tDURATION\tTOKENS")
	for _, a := range attempts {
		tokens := "-"
		if a.Usage != nil {
			tokens = humanize.Comma(a.Usage.TotalTokens())
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", a.AttemptNumber, when(a.StartedAt), a.Outcome.Kind, a.Duration.Round(time.Millisecond), tokens)
	}
	_ = tw.Flush()
}

func newJobStateCommand(root *rootOptions, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			comp, closeFn, err := root.openStack(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			id, err := resolveID(ctx, comp, args[0])
			if err != nil {
				return err
			}
			changed, err := applyVerb(ctx, comp, verb, id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !changed {
				fmt.Fprintf(out, "%s: no change\n", shortID(id))
				return nil
			}
			fmt.Fprintf(out, "%s: %s\n", shortID(id), pastTense(verb))
			return nil
		},
	}
}

// applyVerb runs one state change. Terminal jobs are not loaded into the
// scheduler, so they are answered from the store.
func applyVerb(ctx context.Context, comp *app.Components, verb, id string) (bool, error) {
	s := comp.Scheduler
	if _, err := s.GetJobState(id); errors.Is(err, errors.ErrNotFound) {
		if verb == "remove" {
			return true, comp.Repo.DeleteJob(ctx, id)
		}
		return false, nil
	}
	switch verb {
	case "pause":
		return s.PauseJob(ctx, id)
	case "resume":
		return s.ResumeJob(ctx, id)
	case "cancel":
		return s.CancelJob(ctx, id)
	case "remove":
		return s.RemoveJob(ctx, id), nil
	}
	return false, errors.Newf("unknown verb %q", verb)
}

func pastTense(verb string) string {
	switch verb {
	case "pause":
		return "paused"
	case "resume":
		return "resumed"
	case "cancel":
		return "cancelled"
	case "remove":
		return "removed"
	}
	return verb
}

func newJobTriggerCommand(root *rootOptions) *cobra.Command {
	var cascade bool
	cmd := &cobra.Command{
		Use:   "trigger <id>",
		Short: "Run a job now in this process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			comp, closeFn, err := root.openStack(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			id, err := resolveID(ctx, comp, args[0])
			if err != nil {
				return err
			}
			var opts []scheduler.TriggerOption
			if cascade {
				opts = append(opts, scheduler.WithCascade())
			}
			sum, err := comp.Scheduler.TriggerJob(ctx, id, opts...)
			printSummary(cmd.OutOrStdout(), sum, 0)
			return err
		},
	}
	cmd.Flags().BoolVar(&cascade, "cascade", false, "run children after a successful run")
	return cmd
}

func printSummary(w io.Writer, s scheduler.ExecutionSummary, depth int) {
	if s.JobID == "" {
		return
	}
	indent := strings.Repeat("  ", depth)
	line := fmt.Sprintf("%s%s: %s after %d attempt(s) in %s, now %s",
		indent, shortID(s.JobID), s.Outcome.Kind, s.Attempts, s.Duration.Round(time.Millisecond), s.Status)
	if s.Skipped {
		line = fmt.Sprintf("%s%s: skipped (no free execution slot)", indent, shortID(s.JobID))
	}
	fmt.Fprintln(w, line)
	if !s.Outcome.ResumeAt.IsZero() {
		fmt.Fprintf(w, "%s  resumes %s\n", indent, when(s.Outcome.ResumeAt))
	}
	for _, c := range s.Children {
		printSummary(w, c, depth+1)
	}
}

// resolveID expands a unique id prefix using the full store.
func resolveID(ctx context.Context, comp *app.Components, prefix string) (string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "", errors.New("empty job id")
	}
	if _, err := comp.Repo.GetJob(ctx, prefix); err == nil {
		return prefix, nil
	}
	jobs, err := comp.Repo.ListJobs(ctx)
	if err != nil {
		return "", err
	}
	var match string
	for _, j := range jobs {
		if !strings.HasPrefix(j.ID, prefix) {
			continue
		}
		if match != "" {
			return "", errors.WithHint(errors.Newf("job id prefix %q is ambiguous", prefix), "use more characters")
		}
		match = j.ID
	}
	if match == "" {
		return "", errors.NotFound(prefix)
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func when(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04") + " (" + humanize.Time(t) + ")"
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
