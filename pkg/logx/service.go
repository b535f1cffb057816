package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Events  EventsConfig
}

// FileConfig controls the rotating JSON log file.
type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// EventsConfig controls republishing of log records to a Sink.
type EventsConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Record is one log line handed to a Sink.
type Record struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Sink receives log records above the configured level. PublishLog must not
// block.
type Sink interface {
	PublishLog(r Record)
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // zerolog.Logger

	file *lumberjack.Logger

	sink     Sink
	queue    chan Record
	sinkOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// guarded by mu
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

// New creates the logging service, applies cfg and returns the root Logger.
// sink may be nil.
func New(cfg Config, sink Sink) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{
		cfg:   cfg,
		sink:  sink,
		queue: make(chan Record, 256),
	}
	boot := zerolog.New(newConsoleWriter(Stderr())).Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.root.Store(boot)
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	zl, ok := s.root.Load().(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply swaps outputs and levels at runtime. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.minLevel = ParseLevel(cfg.Events.MinLevel, zerolog.WarnLevel)
	rps := cfg.Events.RatePerSec
	if rps < 1 {
		rps = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(Stderr()))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./nightpilot.log"
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "logx: failed creating log dir for %q: %v\n", path, err)
		} else {
			s.file = &lumberjack.Logger{
				Filename:   path,
				MaxSize:    orDefault(cfg.File.MaxSizeMB, 20),
				MaxBackups: orDefault(cfg.File.MaxBackups, 5),
				MaxAge:     orDefault(cfg.File.MaxAgeDays, 14),
			}
			writers = append(writers, zerolog.SyncWriter(s.file))
		}
	}
	if cfg.Events.Enabled && s.sink != nil {
		s.sinkOnce.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			s.cancel = cancel
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.sinkWorker(ctx)
			}()
		})
		writers = append(writers, &sinkWriter{svc: s})
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(Stderr()))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.root.Store(zl)
}

func (s *Service) sinkWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-s.queue:
			s.sink.PublishLog(r)
		}
	}
}

type sinkWriter struct{ svc *Service }

func (w *sinkWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *sinkWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	lim := s.limiter
	min := s.minLevel
	s.mu.Unlock()

	if level < min || lim == nil || !lim.Allow() {
		return len(p), nil
	}
	r, ok := decodeRecord(p)
	if !ok {
		return len(p), nil
	}
	select {
	case s.queue <- r:
	default:
	}
	return len(p), nil
}

func decodeRecord(p []byte) (Record, bool) {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return Record{}, false
	}
	r := Record{Time: time.Now()}
	r.Level, _ = m["level"].(string)
	r.Message, _ = m["message"].(string)
	for k, v := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		if r.Fields == nil {
			r.Fields = make(map[string]any, len(m))
		}
		r.Fields[k] = v
	}
	return r, true
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
