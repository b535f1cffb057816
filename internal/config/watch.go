package config

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"nightpilot/internal/errors"
	logx "nightpilot/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
)

// Watch reloads the config when its file changes, until ctx ends. The
// directory is watched so editors that replace the file by rename are seen.
// A broken watcher is returned as an error for the caller to restart.
func (m *Manager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "config watch")
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return errors.Wrapf(err, "config watch %s", dir)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	var (
		tmu   sync.Mutex
		timer *time.Timer
	)
	schedule := func() {
		tmu.Lock()
		defer tmu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() {
			if ctx.Err() == nil {
				m.reload(ctx)
			}
		})
	}
	defer func() {
		tmu.Lock()
		if timer != nil {
			timer.Stop()
		}
		tmu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("config watch: event channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op != 0 {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("config watch: error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; reloading", logx.String("dir", dir))
				schedule()
				continue
			}
			return errors.Wrap(err, "config watch")
		}
	}
}
