// Package debugserver serves the daemon's local HTTP status surface:
// liveness, a job table, executor counters and, optionally, pprof.
package debugserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"
	"sync"
	"time"

	"nightpilot/internal/errors"
	"nightpilot/internal/job"
	"nightpilot/internal/process"
	logx "nightpilot/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6061"

// Config controls the server.
//
// Binding to a non-loopback address needs a Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	MutexProfileFraction int
	BlockProfileRate     int
}

// Scheduler is the part of the scheduler the server reports on.
type Scheduler interface {
	HealthCheck(ctx context.Context) bool
	GetAllJobStates() []*job.Job
}

// Executor reports process counters.
type Executor interface {
	Stats() process.Stats
}

type Server struct {
	mu  sync.Mutex
	cfg Config

	log   logx.Logger
	sched Scheduler
	exec  Executor

	kick chan struct{}
}

func New(cfg Config, sched Scheduler, exec Executor, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	applyRuntimeRates(cfg)
	return &Server{cfg: cfg, sched: sched, exec: exec, log: log, kick: make(chan struct{}, 1)}
}

// Apply swaps the config. A running listener is restarted when the bind or
// auth settings change.
func (s *Server) Apply(cfg Config) {
	applyRuntimeRates(cfg)
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()
	if needsRestart(prev, cfg) {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

func (s *Server) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func needsRestart(a, b Config) bool {
	return a.Enabled != b.Enabled ||
		strings.TrimSpace(a.Addr) != strings.TrimSpace(b.Addr) ||
		a.Token != b.Token ||
		a.AllowInsecure != b.AllowInsecure ||
		a.Pprof != b.Pprof
}

func applyRuntimeRates(cfg Config) {
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

// Run serves until ctx ends. While disabled it idles until a config change
// enables it.
func (s *Server) Run(ctx context.Context) error {
	for {
		cfg := s.config()
		if !cfg.Enabled {
			select {
			case <-ctx.Done():
				return nil
			case <-s.kick:
				continue
			}
		}
		if err := s.serveOnce(ctx, cfg); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// serveOnce returns nil when ctx ends or the config asks for a restart.
func (s *Server) serveOnce(ctx context.Context, cfg Config) error {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if err := CheckBind(cfg); err != nil {
		return err
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("debug server listening without a token on a non-loopback address", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "debug server listen %s", addr)
	}
	srv := &http.Server{
		Handler:           s.Handler(cfg),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       time.Minute,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("debug server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cfg.Pprof), logx.Bool("token_set", cfg.Token != ""))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return errors.Wrap(err, "debug server")
	case <-ctx.Done():
	case <-s.kick:
		s.log.Info("debug server restarting for new config")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	<-errCh
	return nil
}

// Handler builds the route table for cfg.
func (s *Server) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("/healthz", wrap(s.healthz))
	mux.HandleFunc("/jobs", wrap(s.jobs))
	mux.HandleFunc("/stats", wrap(s.stats))
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil || !s.sched.HealthCheck(r.Context()) {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ok"))
}

type jobRow struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Status        job.Status `json:"status"`
	Schedule      string     `json:"schedule"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	Runs          int        `json:"runs"`
	FailedRuns    int        `json:"failed_runs"`
	LastError     string     `json:"last_error,omitempty"`
}

func (s *Server) jobs(w http.ResponseWriter, _ *http.Request) {
	var rows []jobRow
	if s.sched != nil {
		for _, j := range s.sched.GetAllJobStates() {
			rows = append(rows, jobRow{
				ID:            j.ID,
				Name:          j.Name,
				Status:        j.Status,
				Schedule:      j.Schedule.String(),
				NextRunAt:     optTime(j.NextRunAt),
				LastRunAt:     optTime(j.LastRunAt),
				CooldownUntil: optTime(j.CooldownUntil),
				Runs:          j.ExecutionCount,
				FailedRuns:    j.FailedRuns,
				LastError:     j.LastError,
			})
		}
	}
	if rows == nil {
		rows = []jobRow{}
	}
	writeJSON(w, rows)
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	if s.exec == nil {
		writeJSON(w, process.Stats{})
		return
	}
	st := s.exec.Stats()
	st.History = nil
	writeJSON(w, st)
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

// CheckBind rejects a non-loopback address that has neither a token nor
// AllowInsecure.
func CheckBind(cfg Config) error {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if cfg.Token != "" || cfg.AllowInsecure || isLoopbackAddr(addr) {
		return nil
	}
	return errors.WithHint(errors.Newf("debug server refused insecure bind %s", addr), "set debug.token or debug.allow_insecure")
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
