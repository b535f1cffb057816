package process

import (
	"github.com/shirou/gopsutil/v3/process"

	"nightpilot/internal/errors"
)

// killTree kills pid and its descendants, children first.
func killTree(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		// Already gone.
		return nil
	}
	var firstErr error
	if children, err := p.Children(); err == nil {
		for _, c := range children {
			if err := killTree(int(c.Pid)); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := p.Kill(); err != nil {
		if running, rerr := p.IsRunning(); rerr == nil && !running {
			return firstErr
		}
		if firstErr == nil {
			firstErr = errors.Wrapf(err, "kill pid %d", pid)
		}
	}
	return firstErr
}
