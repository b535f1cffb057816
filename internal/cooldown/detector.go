// Package cooldown recognizes the external CLI's rate-limit and usage-limit
// messages and turns them into a Verdict with a resume time. Nothing else in
// nightpilot inspects raw CLI output for limits.
package cooldown

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Pattern string

const (
	PatternNone         Pattern = ""
	PatternUsageLimit   Pattern = "usage_limit"
	PatternRateLimit    Pattern = "rate_limit"
	PatternQuota        Pattern = "api_quota_exhausted"
	PatternToolSpecific Pattern = "tool_specific"
)

const (
	DefaultQuotaWait      = time.Hour
	DefaultMaxResetWindow = 6 * time.Hour
)

// Verdict is the classification of one piece of CLI output.
type Verdict struct {
	IsCooling  bool          `json:"is_cooling"`
	Remaining  time.Duration `json:"remaining"`
	ResumeAt   time.Time     `json:"resume_at,omitempty"`
	Pattern    Pattern       `json:"pattern,omitempty"`
	RawMessage string        `json:"raw_message,omitempty"`
}

func (v Verdict) String() string {
	if !v.IsCooling {
		return "not cooling"
	}
	return string(v.Pattern) + ": resume in " + FormatRemaining(v.Remaining) + " at " + v.ResumeAt.Format("15:04:05")
}

type Config struct {
	// QuotaWait is the fixed wait for quota/billing exhaustion.
	QuotaWait time.Duration
	// MaxResetWindow bounds how far ahead a usage-limit reset may lie.
	MaxResetWindow time.Duration
	// Location resolves clock times like "reset at 4pm". Defaults to Local.
	Location *time.Location
}

// Detector is stateless after construction and safe for concurrent use.
type Detector struct {
	quotaWait time.Duration
	maxWindow time.Duration
	loc       *time.Location
}

func New(cfg Config) *Detector {
	d := &Detector{quotaWait: cfg.QuotaWait, maxWindow: cfg.MaxResetWindow, loc: cfg.Location}
	if d.quotaWait <= 0 {
		d.quotaWait = DefaultQuotaWait
	}
	if d.maxWindow <= 0 {
		d.maxWindow = DefaultMaxResetWindow
	}
	if d.loc == nil {
		d.loc = time.Local
	}
	return d
}

var (
	// The capture is wider than the clock grammar so that a malformed time
	// or suffix is rejected instead of truncated.
	usageLimitRe = regexp.MustCompile(`(?i)(Claude\s+)?usage\s+limit\s+reached.*?reset\s+at\s+(\d{1,2}(?::\d+)*(?:\s*[apm.]{1,4})?(?:\s*\([^)]+\))?)(?:\W|$)`)
	clockRe      = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
	meridiem     = strings.NewReplacer("a.m", "am", "p.m", "pm")

	secondsRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)cooldown[:\s]+(\d+)s`),
		regexp.MustCompile(`(?i)wait\s+(\d+)\s+seconds?`),
		regexp.MustCompile(`(?i)retry\s+in\s+(\d+)\s+seconds?`),
		regexp.MustCompile(`(?i)(\d+)\s+seconds?\s+remaining`),
		regexp.MustCompile(`(?i)try\s+again\s+in\s+(\d+)\s+seconds?`),
	}
	rateLimitRe = regexp.MustCompile(`(?i)rate\s+limit.*?(\d+)\s+(seconds?|minutes?|hours?)`)

	quotaRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)quota\s+exceeded`),
		regexp.MustCompile(`(?i)monthly\s+limit\s+reached`),
		regexp.MustCompile(`(?i)insufficient\s+credits`),
		regexp.MustCompile(`(?i)billing\s+quota`),
	}
)

// Detect classifies text. Categories are tried in order: usage limit, rate
// limit, quota exhaustion.
func (d *Detector) Detect(text string, now time.Time) Verdict {
	if strings.TrimSpace(text) == "" {
		return Verdict{}
	}
	if v, ok := d.detectUsageLimit(text, now); ok {
		return v
	}
	if v, ok := detectSeconds(text, now); ok {
		return v
	}
	if v, ok := detectRateLimit(text, now); ok {
		return v
	}
	for _, re := range quotaRes {
		if m := re.FindString(text); m != "" {
			return cooling(PatternQuota, d.quotaWait, now, m)
		}
	}
	return Verdict{}
}

func (d *Detector) detectUsageLimit(text string, now time.Time) (Verdict, bool) {
	all := usageLimitRe.FindAllStringSubmatch(text, -1)
	if len(all) == 0 {
		return Verdict{}, false
	}
	last := all[len(all)-1]
	raw := strings.TrimSpace(last[0])
	at, ok := ParseResetTime(last[2], now, d.loc)
	if !ok {
		return Verdict{}, false
	}
	remaining := at.Sub(now)
	if remaining <= 0 || remaining > d.maxWindow {
		return Verdict{Pattern: PatternUsageLimit, ResumeAt: at, RawMessage: raw}, true
	}
	return Verdict{IsCooling: true, Remaining: remaining, ResumeAt: at, Pattern: PatternUsageLimit, RawMessage: raw}, true
}

func detectSeconds(text string, now time.Time) (Verdict, bool) {
	for _, re := range secondsRes {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		return cooling(PatternRateLimit, time.Duration(n)*time.Second, now, m[0]), true
	}
	return Verdict{}, false
}

func detectRateLimit(text string, now time.Time) (Verdict, bool) {
	m := rateLimitRe.FindStringSubmatch(text)
	if m == nil {
		return Verdict{}, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return Verdict{}, false
	}
	unit := strings.ToLower(m[2])
	var d time.Duration
	switch {
	case strings.HasPrefix(unit, "second"):
		d = time.Duration(n) * time.Second
	case strings.HasPrefix(unit, "minute"):
		d = time.Duration(n) * time.Minute
	case strings.HasPrefix(unit, "hour"):
		d = time.Duration(n) * time.Hour
	default:
		return Verdict{}, false
	}
	return cooling(PatternRateLimit, d, now, m[0]), true
}

func cooling(p Pattern, d time.Duration, now time.Time, raw string) Verdict {
	if d <= 0 {
		return Verdict{Pattern: p, RawMessage: raw}
	}
	return Verdict{IsCooling: true, Remaining: d, ResumeAt: now.Add(d), Pattern: p, RawMessage: raw}
}

// ParseResetTime resolves a clock string such as "4:30 PM", "11pm (Europe/Paris)"
// or "16:30" to its next occurrence after now in loc.
func ParseResetTime(s string, now time.Time, loc *time.Location) (time.Time, bool) {
	clean := strings.ToLower(strings.TrimSpace(s))
	if i := strings.IndexByte(clean, '('); i >= 0 {
		clean = strings.TrimSpace(clean[:i])
	}
	clean = meridiem.Replace(strings.TrimRight(clean, ".,;! "))
	m := clockRe.FindStringSubmatch(clean)
	if m == nil {
		return time.Time{}, false
	}
	hour, err := strconv.Atoi(m[1])
	if err != nil {
		return time.Time{}, false
	}
	minute := 0
	if m[2] != "" {
		if minute, err = strconv.Atoi(m[2]); err != nil {
			return time.Time{}, false
		}
	}
	if hour > 24 || minute > 59 {
		return time.Time{}, false
	}
	switch m[3] {
	case "am":
		if hour > 12 {
			return time.Time{}, false
		}
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour > 12 {
			return time.Time{}, false
		}
		if hour != 12 {
			hour += 12
		}
	default:
		if hour == 24 {
			hour = 0
		}
	}

	if loc == nil {
		loc = now.Location()
	}
	local := now.In(loc)
	at := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !at.After(local) {
		at = at.AddDate(0, 0, 1)
	}
	return at, true
}
