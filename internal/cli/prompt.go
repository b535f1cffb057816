package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"nightpilot/internal/errors"
	"nightpilot/internal/storage"
)

func newPromptCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Manage stored prompts that jobs reference with --prompt-ref",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newPromptAddCommand(root), newPromptListCommand(root))
	return cmd
}

func newPromptAddCommand(root *rootOptions) *cobra.Command {
	var content, file, description string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add or replace a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			text := content
			if file != "" {
				b, err := readPromptFile(cmd.InOrStdin(), file)
				if err != nil {
					return err
				}
				text = string(b)
			}
			if strings.TrimSpace(text) == "" {
				return errors.WithHint(errors.New("prompt content is empty"), "pass --content or --file")
			}

			comp, closeFn, err := root.openStack(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			p := storage.Prompt{Name: strings.TrimSpace(args[0]), Content: text, Description: description}
			if err := comp.Repo.SavePrompt(ctx, p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "prompt %q saved\n", p.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "prompt text")
	cmd.Flags().StringVar(&file, "file", "", "read prompt text from a file (- for stdin)")
	cmd.Flags().StringVar(&description, "description", "", "short description")
	cmd.MarkFlagsMutuallyExclusive("content", "file")
	return cmd
}

func readPromptFile(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		b, err := io.ReadAll(stdin)
		return b, errors.Wrap(err, "read prompt from stdin")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read prompt file %s", path)
	}
	return b, nil
}

func newPromptListCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored prompts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			comp, closeFn, err := root.openStack(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			prompts, err := comp.Repo.ListPrompts(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(prompts) == 0 {
				fmt.Fprintln(out, "no prompts")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tUPDATED\tDESCRIPTION\tPROMPT")
			for _, p := range prompts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name, when(p.UpdatedAt), p.Description, truncate(p.Content, 48))
			}
			return tw.Flush()
		},
	}
}
