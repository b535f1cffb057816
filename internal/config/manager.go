package config

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"sync"

	"nightpilot/internal/errors"
	logx "nightpilot/pkg/logx"
)

// Manager owns the committed config and fans reloads out to subscribers.
type Manager struct {
	path string
	log  logx.Logger

	mu   sync.RWMutex
	cfg  *Config
	hash uint64

	// subMu is held while sending so Unsubscribe never closes a channel
	// mid-send.
	subMu sync.Mutex
	subs  map[chan *Config]struct{}

	validate func(ctx context.Context, cfg *Config) error
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), subs: map[chan *Config]struct{}{}}
}

func (m *Manager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// SetValidator installs a check that reloaded configs must pass before they
// are committed.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validate = fn
}

func (m *Manager) Path() string { return m.path }

// Parse reads and decodes the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", m.path)
	}
	return Decode(m.path, b)
}

// Load parses and commits the file. A missing file commits Default; any
// other failure leaves the committed config untouched.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		m.log.Info("config file not found; using defaults", logx.String("path", m.path))
		cfg = Default()
	default:
		return nil, err
	}
	m.commit(cfg, fingerprint(cfg))
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg *Config, h uint64) {
	m.mu.Lock()
	m.cfg, m.hash = cfg, h
	m.mu.Unlock()
}

func fingerprint(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// reload re-reads the file and publishes it when the content changed and
// the validator accepts it.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed; keeping previous", logx.String("path", m.path), logx.Err(err))
		return
	}
	h := fingerprint(cfg)
	m.mu.RLock()
	same := h != 0 && h == m.hash
	m.mu.RUnlock()
	if same {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return
	}
	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validate(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}
	m.commit(cfg, h)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.Uint64("hash", h))
}

// Subscribe returns a channel that receives each committed reload.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

// publish never blocks: a full subscriber loses its oldest pending config so
// the newest one always lands.
func (m *Manager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				select {
				case <-ch:
					continue
				default:
				}
				// unbuffered with no reader
				m.log.Debug("config update dropped", logx.Int("queue_cap", cap(ch)))
			}
			break
		}
	}
}
