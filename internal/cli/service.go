package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"nightpilot/internal/errors"
	"nightpilot/internal/unit"
)

const unitTimeout = 30 * time.Second

type serviceOptions struct {
	name string
	user bool
}

func newServiceCommand(root *rootOptions) *cobra.Command {
	opts := &serviceOptions{}
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Install and control the daemon's systemd unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVar(&opts.name, "unit", unit.DefaultName, "unit name")
	cmd.PersistentFlags().BoolVar(&opts.user, "user", false, "use the per-user service manager")

	cmd.AddCommand(
		newServiceInstallCommand(root, opts),
		newServiceStatusCommand(opts),
		newServiceVerbCommand(opts, "start", "Start the daemon unit", (*unit.Manager).Start),
		newServiceVerbCommand(opts, "stop", "Stop the daemon unit", (*unit.Manager).Stop),
		newServiceVerbCommand(opts, "restart", "Restart the daemon unit", (*unit.Manager).Restart),
		newServiceVerbCommand(opts, "enable", "Enable the unit at boot", (*unit.Manager).Enable),
		newServiceVerbCommand(opts, "disable", "Disable the unit at boot", (*unit.Manager).Disable),
	)
	return cmd
}

func (o *serviceOptions) connect(ctx context.Context) (*unit.Manager, error) {
	m, err := unit.Connect(ctx, o.user)
	if err != nil {
		hint := "run as root or pass --user"
		if o.user {
			hint = "is a user session bus available? check XDG_RUNTIME_DIR"
		}
		return nil, errors.WithHint(err, hint)
	}
	return m, nil
}

func newServiceVerbCommand(opts *serviceOptions, verb, short string, fn func(*unit.Manager, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   verb,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), unitTimeout)
			defer cancel()
			m, err := opts.connect(ctx)
			if err != nil {
				return err
			}
			defer m.Close()
			if err := fn(m, ctx, opts.name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s ok\n", unit.UnitName(opts.name), verb)
			return nil
		},
	}
}

func newServiceStatusCommand(opts *serviceOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the unit state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), unitTimeout)
			defer cancel()
			m, err := opts.connect(ctx)
			if err != nil {
				return err
			}
			defer m.Close()
			st, err := m.Status(ctx, opts.name)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s\n", st.Name, st.Summary())
			if st.Found() {
				fmt.Fprintf(out, "enabled: %t\n", st.Enabled)
				if st.MainPID > 0 {
					fmt.Fprintf(out, "pid: %d\n", st.MainPID)
				}
			}
			return nil
		},
	}
}

func newServiceInstallCommand(root *rootOptions, opts *serviceOptions) *cobra.Command {
	var (
		path     string
		runAs    string
		workdir  string
		env      []string
		watchdog time.Duration
		dryRun   bool
		enable   bool
	)
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Write a unit file that runs this binary as the daemon",
		Long: `Write a Type=notify unit file for "nightpilot daemon" using the current
--config, then reload systemd. With --dry-run the unit is printed instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			bin, err := os.Executable()
			if err != nil {
				return errors.Wrap(err, "locate executable")
			}
			cfgPath, err := filepath.Abs(root.configPath)
			if err != nil {
				return err
			}
			if workdir == "" {
				workdir = filepath.Dir(cfgPath)
			}
			body, err := unit.Render(unit.FileOptions{
				Binary:     bin,
				ConfigPath: cfgPath,
				WorkingDir: workdir,
				User:       runAs,
				UserUnit:   opts.user,
				Watchdog:   watchdog,
				Env:        env,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if dryRun {
				fmt.Fprint(out, body)
				return nil
			}

			if path == "" {
				if path, err = defaultUnitPath(opts); err != nil {
					return err
				}
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return errors.Wrap(err, "create unit dir")
			}
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				return errors.WithHint(errors.Wrap(err, "write unit file"), "run as root or pass --user")
			}
			fmt.Fprintf(out, "wrote %s\n", path)

			ctx, cancel := context.WithTimeout(cmd.Context(), unitTimeout)
			defer cancel()
			m, err := opts.connect(ctx)
			if err != nil {
				return err
			}
			defer m.Close()
			if err := m.Reload(ctx); err != nil {
				return err
			}
			if enable {
				if err := m.Enable(ctx, opts.name); err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: enabled\n", unit.UnitName(opts.name))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&path, "path", "", "unit file path (default /etc/systemd/system or ~/.config/systemd/user)")
	f.StringVar(&runAs, "run-as", "", "User= for system units")
	f.StringVar(&workdir, "workdir", "", "WorkingDirectory= (default: the config's directory)")
	f.StringArrayVar(&env, "env", nil, "Environment= entry, KEY=VALUE (repeatable)")
	f.DurationVar(&watchdog, "watchdog", time.Minute, "WatchdogSec=")
	f.BoolVar(&dryRun, "dry-run", false, "print the unit instead of installing it")
	f.BoolVar(&enable, "enable", false, "enable the unit after installing")
	return cmd
}

func defaultUnitPath(opts *serviceOptions) (string, error) {
	name := unit.UnitName(opts.name)
	if !opts.user {
		return filepath.Join("/etc/systemd/system", name), nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "locate user config dir")
	}
	return filepath.Join(dir, "systemd", "user", name), nil
}
