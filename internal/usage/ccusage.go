package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"nightpilot/internal/errors"
	logx "nightpilot/pkg/logx"
)

const (
	DefaultBlockMinutes = 300.0
	DefaultCacheTTL     = 30 * time.Second
	DefaultProbeTimeout = 20 * time.Second
	activityFileName    = ".claude-last-activity"
)

type Config struct {
	// CCUsage enables the ccusage probes; when false only the fallback runs.
	CCUsage      bool
	CacheTTL     time.Duration
	ProbeTimeout time.Duration
	// ActivityFile holds the unix time of the last CLI activity. Defaults to
	// ~/.claude-last-activity.
	ActivityFile string
	BlockMinutes float64
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.BlockMinutes <= 0 {
		c.BlockMinutes = DefaultBlockMinutes
	}
	if strings.TrimSpace(c.ActivityFile) == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.ActivityFile = filepath.Join(home, activityFileName)
		}
	}
	return c
}

// ExecFunc runs a command and returns its stdout.
type ExecFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

type probe struct {
	argv []string
	json bool
}

var probes = []probe{
	{argv: []string{"ccusage", "blocks", "--json"}, json: true},
	{argv: []string{"npx", "ccusage@latest", "blocks", "--json"}, json: true},
	{argv: []string{"bunx", "ccusage", "blocks", "--json"}, json: true},
	{argv: []string{"ccusage", "blocks"}},
}

// CCUsage probes the ccusage tool and falls back to the activity file.
// Results are cached and probes are rate limited.
type CCUsage struct {
	cfg     Config
	exec    ExecFunc
	log     logx.Logger
	limiter *rate.Limiter
	now     func() time.Time

	mu       sync.Mutex
	cached   Info
	cachedAt time.Time
}

func NewCCUsage(cfg Config, log logx.Logger) *CCUsage {
	cfg = cfg.withDefaults()
	return &CCUsage{
		cfg:     cfg,
		exec:    runCommand,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(cfg.CacheTTL), 1),
		now:     time.Now,
	}
}

// WithExec replaces the command executor.
func (c *CCUsage) WithExec(fn ExecFunc) *CCUsage {
	c.exec = fn
	return c
}

func (c *CCUsage) WithClock(now func() time.Time) *CCUsage {
	c.now = now
	return c
}

func (c *CCUsage) Invalidate() {
	c.mu.Lock()
	c.cached = Info{}
	c.cachedAt = time.Time{}
	c.mu.Unlock()
}

func (c *CCUsage) RemainingMinutes(ctx context.Context) (Info, error) {
	now := c.now()
	c.mu.Lock()
	if !c.cachedAt.IsZero() && now.Sub(c.cachedAt) < c.cfg.CacheTTL {
		info := c.cached
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()

	if c.cfg.CCUsage && c.limiter.Allow() {
		if info, err := c.probe(ctx, now); err == nil {
			c.store(info, now)
			return info, nil
		} else if !c.log.IsZero() {
			c.log.Debug("usage.ccusage_unavailable", logx.Err(err))
		}
	}

	info, err := c.fallback(now)
	if err != nil {
		return Info{Source: "fallback-unknown", UpdatedAt: now}, err
	}
	c.store(info, now)
	return info, nil
}

func (c *CCUsage) store(info Info, now time.Time) {
	c.mu.Lock()
	c.cached = info
	c.cachedAt = now
	c.mu.Unlock()
}

func (c *CCUsage) probe(ctx context.Context, now time.Time) (Info, error) {
	var lastErr error
	for _, p := range probes {
		pctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
		out, err := c.exec(pctx, p.argv[0], p.argv[1:]...)
		cancel()
		if err != nil {
			lastErr = errors.Wrapf(err, "%s", strings.Join(p.argv, " "))
			continue
		}
		var (
			info Info
			perr error
		)
		if p.json {
			info, perr = ParseJSON(out, now)
		} else {
			info, perr = ParseText(string(out), c.cfg.BlockMinutes, now)
		}
		if perr != nil {
			lastErr = perr
			continue
		}
		return info, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no ccusage probe succeeded")
	}
	return Info{}, lastErr
}

// fallback estimates from the last-activity timestamp. A missing file yields
// an unknown estimate and no error.
func (c *CCUsage) fallback(now time.Time) (Info, error) {
	if c.cfg.ActivityFile == "" {
		return Info{Source: "fallback-unknown", UpdatedAt: now}, nil
	}
	st, err := os.Stat(c.cfg.ActivityFile)
	if err != nil {
		if os.IsNotExist(err) {
			return Info{Source: "fallback-unknown", UpdatedAt: now}, nil
		}
		return Info{}, errors.Wrap(err, "stat activity file")
	}
	last := st.ModTime()
	if b, err := os.ReadFile(c.cfg.ActivityFile); err == nil {
		if ts, perr := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64); perr == nil && ts > 0 {
			last = time.Unix(ts, 0)
		}
	}
	elapsed := now.Sub(last).Minutes()
	return newInfo(c.cfg.BlockMinutes-elapsed, c.cfg.BlockMinutes, "fallback", now), nil
}

type blocksDoc struct {
	Blocks []struct {
		Remaining *float64 `json:"remaining"`
		Total     *float64 `json:"total"`
	} `json:"blocks"`
	RemainingMinutes *float64 `json:"remainingMinutes"`
	TotalMinutes     *float64 `json:"totalMinutes"`
}

// ParseJSON reads `ccusage blocks --json` output.
func ParseJSON(b []byte, now time.Time) (Info, error) {
	var doc blocksDoc
	if err := json.Unmarshal(bytes.TrimSpace(b), &doc); err != nil {
		return Info{}, errors.Wrap(err, "decode ccusage json")
	}
	total := DefaultBlockMinutes
	if len(doc.Blocks) > 0 {
		blk := doc.Blocks[0]
		remaining := 0.0
		if blk.Remaining != nil {
			remaining = *blk.Remaining
		}
		if blk.Total != nil {
			total = *blk.Total
		}
		return newInfo(remaining, total, "ccusage-json", now), nil
	}
	if doc.RemainingMinutes != nil {
		if doc.TotalMinutes != nil {
			total = *doc.TotalMinutes
		}
		return newInfo(*doc.RemainingMinutes, total, "ccusage-json", now), nil
	}
	return Info{}, errors.New("ccusage json has no block information")
}

var (
	hoursMinutesRe = regexp.MustCompile(`(?i)(?:time\s+)?remaining:?\s*(\d+)h\s*(\d+)m`)
	minutesRe      = regexp.MustCompile(`(?i)(\d+)\s*minutes?\s+remaining`)
	hmsRe          = regexp.MustCompile(`(?i)remaining:?\s*(\d+):(\d+):(\d+)`)
)

// ParseText reads plain `ccusage blocks` output.
func ParseText(s string, blockMinutes float64, now time.Time) (Info, error) {
	if m := hoursMinutesRe.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		return newInfo(float64(h*60+mm), blockMinutes, "ccusage-text", now), nil
	}
	if m := minutesRe.FindStringSubmatch(s); m != nil {
		mm, _ := strconv.Atoi(m[1])
		return newInfo(float64(mm), blockMinutes, "ccusage-text", now), nil
	}
	if m := hmsRe.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		return newInfo(float64(h*60+mm), blockMinutes, "ccusage-text", now), nil
	}
	return Info{}, errors.Newf("unrecognized ccusage output: %.80q", s)
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return nil, errors.Wrapf(err, "run %s", name)
	}
	return out, nil
}
