// Package unit installs and controls the systemd service that runs the
// daemon.
package unit

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kballard/go-shellquote"

	"nightpilot/internal/errors"
)

const DefaultName = "nightpilot"

// Status is a unit's state as systemd reports it.
type Status struct {
	Name        string
	Active      string // active, inactive, failed, ...
	SubState    string // running, dead, ...
	LoadState   string // loaded, not-found, ...
	Description string
	Enabled     bool
	MainPID     uint32
	Memory      uint64 // bytes

	ActiveSince   time.Time
	InactiveSince time.Time
}

func (s Status) Found() bool { return s.LoadState != "" && s.LoadState != "not-found" }

// Summary renders one line, e.g. "active (running) since 3 hours ago, 41 MB".
func (s Status) Summary() string {
	if !s.Found() {
		return "not installed"
	}
	var b strings.Builder
	b.WriteString(s.Active)
	if s.SubState != "" {
		fmt.Fprintf(&b, " (%s)", s.SubState)
	}
	switch {
	case s.Active == "active" && !s.ActiveSince.IsZero():
		b.WriteString(" since " + humanize.Time(s.ActiveSince))
	case s.Active != "active" && !s.InactiveSince.IsZero():
		b.WriteString(" since " + humanize.Time(s.InactiveSince))
	}
	if s.Memory > 0 {
		b.WriteString(", " + humanize.Bytes(s.Memory))
	}
	return b.String()
}

// UnitName appends ".service" when name has no unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultName
	}
	if strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

// FileOptions describes the generated unit file.
type FileOptions struct {
	Binary     string
	ConfigPath string
	WorkingDir string
	// User is ignored for user units.
	User     string
	UserUnit bool
	Watchdog time.Duration
	Env      []string
}

// Render builds a Type=notify unit that runs "<binary> daemon --config <path>".
func Render(o FileOptions) (string, error) {
	if strings.TrimSpace(o.Binary) == "" {
		return "", errors.New("unit: binary path is required")
	}
	args := []string{o.Binary, "daemon"}
	if o.ConfigPath != "" {
		args = append(args, "--config", o.ConfigPath)
	}
	wd := o.Watchdog
	if wd <= 0 {
		wd = time.Minute
	}

	var b strings.Builder
	b.WriteString("[Unit]\n")
	b.WriteString("Description=nightpilot job scheduler\n")
	b.WriteString("After=network-online.target\n")
	b.WriteString("Wants=network-online.target\n\n")

	b.WriteString("[Service]\n")
	b.WriteString("Type=notify\n")
	b.WriteString("NotifyAccess=main\n")
	fmt.Fprintf(&b, "ExecStart=%s\n", shellquote.Join(args...))
	if o.WorkingDir != "" {
		fmt.Fprintf(&b, "WorkingDirectory=%s\n", o.WorkingDir)
	}
	if o.User != "" && !o.UserUnit {
		fmt.Fprintf(&b, "User=%s\n", o.User)
	}
	for _, kv := range o.Env {
		if !strings.Contains(kv, "=") {
			return "", errors.Newf("unit: env %q is not KEY=VALUE", kv)
		}
		fmt.Fprintf(&b, "Environment=%s\n", shellquote.Join(kv))
	}
	fmt.Fprintf(&b, "WatchdogSec=%d\n", int(wd/time.Second))
	b.WriteString("Restart=on-failure\n")
	b.WriteString("RestartSec=5\n")
	b.WriteString("TimeoutStopSec=60\n")
	b.WriteString("KillMode=mixed\n\n")

	b.WriteString("[Install]\n")
	if o.UserUnit {
		b.WriteString("WantedBy=default.target\n")
	} else {
		b.WriteString("WantedBy=multi-user.target\n")
	}
	return b.String(), nil
}

// usec converts a systemd microsecond timestamp property.
func usec(props map[string]any, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func str(props map[string]any, key string) string {
	v, _ := props[key].(string)
	return v
}

func statusFromProps(name string, props map[string]any) Status {
	st := Status{
		Name:          name,
		Active:        str(props, "ActiveState"),
		SubState:      str(props, "SubState"),
		LoadState:     str(props, "LoadState"),
		Description:   str(props, "Description"),
		ActiveSince:   usec(props, "ActiveEnterTimestamp"),
		InactiveSince: usec(props, "InactiveEnterTimestamp"),
	}
	if pid, ok := props["MainPID"].(uint32); ok {
		st.MainPID = pid
	}
	// systemd reports an unset MemoryCurrent as MaxUint64.
	if mem, ok := props["MemoryCurrent"].(uint64); ok && mem > 0 && mem != ^uint64(0) {
		st.Memory = mem
	}
	if !st.Found() {
		st.Active, st.SubState = "unknown", "not-found"
	}
	return st
}
