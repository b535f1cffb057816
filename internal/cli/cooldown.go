package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"nightpilot/internal/cooldown"
)

func newCooldownCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cooldown",
		Short: "Inspect usage-limit and rate-limit cooldowns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check [text]",
		Short: "Classify CLI output, or ask the CLI's doctor probe when no text is given",
		Long: `Classify a piece of CLI output the way failed runs are classified.
With no argument the CLI's own diagnostics ("doctor --json") are queried.
Use - to read the text from stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			cc, err := cfg.CooldownOptions()
			if err != nil {
				return err
			}
			now := time.Now()
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				v, err := cooldown.Doctor(cmd.Context(), cfg.NewRunner(root.cliLogger()), now)
				printVerdict(out, v)
				return err
			}
			text := args[0]
			if text == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				text = string(b)
			}
			printVerdict(out, cooldown.New(cc).Detect(text, now))
			return nil
		},
	})
	return cmd
}

func printVerdict(w io.Writer, v cooldown.Verdict) {
	if !v.IsCooling {
		fmt.Fprintln(w, "not cooling")
		return
	}
	fmt.Fprintf(w, "cooling: %s\n", v.Pattern)
	fmt.Fprintf(w, "remaining: %s\n", cooldown.FormatRemaining(v.Remaining))
	fmt.Fprintf(w, "resume at: %s\n", v.ResumeAt.Format(time.RFC3339))
	if msg := strings.TrimSpace(v.RawMessage); msg != "" {
		fmt.Fprintf(w, "matched: %s\n", truncate(msg, 120))
	}
}
