//go:build linux

package unit

import (
	"context"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/shirou/gopsutil/v3/process"

	"nightpilot/internal/errors"
)

// Manager talks to systemd over D-Bus.
type Manager struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

// Connect opens the system bus, or the session bus for user units.
func Connect(ctx context.Context, user bool) (*Manager, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	if user {
		conn, err = dbus.NewUserConnectionContext(ctx)
	} else {
		conn, err = dbus.NewSystemConnectionContext(ctx)
	}
	if err != nil {
		return nil, errors.Wrap(err, "connect to systemd")
	}
	return &Manager{conn: conn}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

func (m *Manager) get() (*dbus.Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return nil, errors.New("systemd connection is closed")
	}
	return m.conn, nil
}

// job runs a start/stop/restart and waits for systemd to report the result.
func (m *Manager) job(ctx context.Context, verb, name string, fn func(*dbus.Conn, chan<- string) (int, error)) error {
	conn, err := m.get()
	if err != nil {
		return err
	}
	done := make(chan string, 1)
	if _, err := fn(conn, done); err != nil {
		return errors.Wrapf(err, "%s %s", verb, name)
	}
	select {
	case res := <-done:
		if res != "done" {
			return errors.Newf("%s %s: job %s", verb, name, res)
		}
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "%s %s", verb, name)
	}
}

func (m *Manager) Start(ctx context.Context, name string) error {
	u := UnitName(name)
	return m.job(ctx, "start", u, func(c *dbus.Conn, ch chan<- string) (int, error) {
		return c.StartUnitContext(ctx, u, "replace", ch)
	})
}

func (m *Manager) Stop(ctx context.Context, name string) error {
	u := UnitName(name)
	return m.job(ctx, "stop", u, func(c *dbus.Conn, ch chan<- string) (int, error) {
		return c.StopUnitContext(ctx, u, "replace", ch)
	})
}

func (m *Manager) Restart(ctx context.Context, name string) error {
	u := UnitName(name)
	return m.job(ctx, "restart", u, func(c *dbus.Conn, ch chan<- string) (int, error) {
		return c.RestartUnitContext(ctx, u, "replace", ch)
	})
}

// Enable enables the unit file and reloads the manager.
func (m *Manager) Enable(ctx context.Context, name string) error {
	conn, err := m.get()
	if err != nil {
		return err
	}
	u := UnitName(name)
	if _, _, err := conn.EnableUnitFilesContext(ctx, []string{u}, false, true); err != nil {
		return errors.Wrapf(err, "enable %s", u)
	}
	return m.Reload(ctx)
}

func (m *Manager) Disable(ctx context.Context, name string) error {
	conn, err := m.get()
	if err != nil {
		return err
	}
	u := UnitName(name)
	if _, err := conn.DisableUnitFilesContext(ctx, []string{u}, false); err != nil {
		return errors.Wrapf(err, "disable %s", u)
	}
	return m.Reload(ctx)
}

// Reload is "systemctl daemon-reload".
func (m *Manager) Reload(ctx context.Context) error {
	conn, err := m.get()
	if err != nil {
		return err
	}
	return errors.Wrap(conn.ReloadContext(ctx), "reload systemd")
}

// Status returns the unit state. A missing unit is reported as not found,
// not as an error.
func (m *Manager) Status(ctx context.Context, name string) (Status, error) {
	conn, err := m.get()
	if err != nil {
		return Status{}, err
	}
	u := UnitName(name)
	props, err := conn.GetUnitPropertiesContext(ctx, u)
	if err != nil {
		if isNoSuchUnit(err) {
			return Status{Name: u, Active: "unknown", SubState: "not-found", LoadState: "not-found"}, nil
		}
		return Status{}, errors.Wrapf(err, "status %s", u)
	}
	st := statusFromProps(u, props)
	if !st.Found() {
		return st, nil
	}
	st.Enabled = m.enabled(ctx, conn, u)
	if st.Memory == 0 && st.MainPID > 0 {
		if p, err := process.NewProcessWithContext(ctx, int32(st.MainPID)); err == nil {
			if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
				st.Memory = mi.RSS
			}
		}
	}
	return st, nil
}

func (m *Manager) enabled(ctx context.Context, conn *dbus.Conn, u string) bool {
	files, err := conn.ListUnitFilesByPatternsContext(ctx, nil, []string{u})
	if err != nil {
		return false
	}
	for _, f := range files {
		if f.Path == u || strings.HasSuffix(f.Path, "/"+u) {
			return f.Type == "enabled"
		}
	}
	return false
}

func isNoSuchUnit(err error) bool {
	s := err.Error()
	return strings.Contains(s, "NoSuchUnit") || strings.Contains(s, "not-found")
}
