//go:build !linux

package unit

import (
	"context"

	"nightpilot/internal/errors"
)

var ErrUnsupported = errors.New("unit: systemd is only available on linux")

type Manager struct{}

func Connect(context.Context, bool) (*Manager, error) { return nil, ErrUnsupported }

func (m *Manager) Close() error                                   { return nil }
func (m *Manager) Start(context.Context, string) error            { return ErrUnsupported }
func (m *Manager) Stop(context.Context, string) error             { return ErrUnsupported }
func (m *Manager) Restart(context.Context, string) error          { return ErrUnsupported }
func (m *Manager) Enable(context.Context, string) error           { return ErrUnsupported }
func (m *Manager) Disable(context.Context, string) error          { return ErrUnsupported }
func (m *Manager) Reload(context.Context) error                   { return ErrUnsupported }
func (m *Manager) Status(context.Context, string) (Status, error) { return Status{}, ErrUnsupported }
