package job

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"nightpilot/internal/errors"
)

type ScheduleKind string

const (
	KindCron      ScheduleKind = "cron"
	KindInterval  ScheduleKind = "interval"
	KindOnce      ScheduleKind = "once"
	KindTriggered ScheduleKind = "triggered"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultFinalMinutes = 2.0
)

// DefaultThresholds polls slowly while the usage block is far from its end
// and tightens as it approaches.
var DefaultThresholds = []Threshold{
	{Minutes: 30, Interval: 10 * time.Minute},
	{Minutes: 5, Interval: 2 * time.Minute},
}

// Threshold pairs a remaining-minutes bound with the poll interval used while
// the remaining time is above it.
type Threshold struct {
	Minutes  float64       `json:"minutes"`
	Interval time.Duration `json:"interval"`
}

// Schedule is a tagged union selected by Kind. Only the fields of the active
// kind are meaningful.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// cron
	Cron string `json:"cron,omitempty"`
	TZ   string `json:"tz,omitempty"`

	// interval (adaptive)
	Thresholds      []Threshold   `json:"thresholds,omitempty"`
	DefaultInterval time.Duration `json:"default_interval,omitempty"`
	FinalMinutes    float64       `json:"final_minutes,omitempty"`

	// once
	At          time.Time `json:"at,omitempty"`
	TimeOfDay   string    `json:"time_of_day,omitempty"`
	DailyRepeat bool      `json:"daily_repeat,omitempty"`
}

func CronSchedule(expr, tz string) Schedule {
	return Schedule{Kind: KindCron, Cron: strings.TrimSpace(expr), TZ: strings.TrimSpace(tz)}
}

func AdaptiveSchedule(thresholds []Threshold, def time.Duration, finalMinutes float64) Schedule {
	return Schedule{Kind: KindInterval, Thresholds: thresholds, DefaultInterval: def, FinalMinutes: finalMinutes}
}

func OnceAt(at time.Time) Schedule {
	return Schedule{Kind: KindOnce, At: at}
}

// SessionAt fires at the next occurrence of hhmm, optionally every day.
func SessionAt(hhmm string, daily bool) Schedule {
	return Schedule{Kind: KindOnce, TimeOfDay: strings.TrimSpace(hhmm), DailyRepeat: daily}
}

func Triggered() Schedule { return Schedule{Kind: KindTriggered} }

// Repeating reports whether a successful run leaves the job Active.
func (s Schedule) Repeating() bool {
	switch s.Kind {
	case KindCron, KindInterval, KindTriggered:
		return true
	case KindOnce:
		return s.DailyRepeat
	}
	return false
}

func (s Schedule) Poll() (thresholds []Threshold, def time.Duration, final float64) {
	thresholds = s.Thresholds
	if len(thresholds) == 0 {
		thresholds = DefaultThresholds
	}
	def = s.DefaultInterval
	if def <= 0 {
		def = DefaultPollInterval
	}
	final = s.FinalMinutes
	if final <= 0 {
		final = DefaultFinalMinutes
	}
	return thresholds, def, final
}

func (s Schedule) String() string {
	switch s.Kind {
	case KindCron:
		if s.TZ != "" {
			return fmt.Sprintf("cron %q (%s)", s.Cron, s.TZ)
		}
		return fmt.Sprintf("cron %q", s.Cron)
	case KindInterval:
		_, def, final := s.Poll()
		return fmt.Sprintf("adaptive every %s, fire at <=%gm", def, final)
	case KindOnce:
		if s.TimeOfDay != "" {
			if s.DailyRepeat {
				return "daily at " + s.TimeOfDay
			}
			return "once at " + s.TimeOfDay
		}
		return "once at " + s.At.Format(time.RFC3339)
	case KindTriggered:
		return "manual"
	}
	return string(s.Kind)
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron parses a 5- or 6-field expression (or @descriptor).
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.InvalidSchedulef("empty cron expression")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "parse cron %q", expr), errors.ErrInvalidSchedule)
	}
	return sched, nil
}

// LoadLocation resolves an IANA zone name; empty means fallback.
func LoadLocation(tz string, fallback *time.Location) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		if fallback == nil {
			return time.Local, nil
		}
		return fallback, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "load timezone %q", tz), errors.ErrInvalidSchedule)
	}
	return loc, nil
}

// ParseHHMM parses a 24h clock time. Hour 0..23, minute 0..59.
func ParseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	hs, ms, ok := strings.Cut(s, ":")
	if !ok || hs == "" || len(ms) != 2 || len(hs) > 2 {
		return 0, 0, errors.InvalidSchedulef("invalid time %q, want HH:MM", s)
	}
	hour, err = strconv.Atoi(hs)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, errors.InvalidSchedulef("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(ms)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, errors.InvalidSchedulef("invalid minute in %q", s)
	}
	return hour, minute, nil
}

// NextSessionTime returns today at hhmm in loc, or tomorrow when that moment
// is not after now.
func NextSessionTime(hhmm string, now time.Time, loc *time.Location) (time.Time, error) {
	h, m, err := ParseHHMM(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = now.Location()
	}
	local := now.In(loc)
	at := time.Date(local.Year(), local.Month(), local.Day(), h, m, 0, 0, loc)
	if !at.After(local) {
		at = at.AddDate(0, 0, 1)
	}
	return at, nil
}

// Validate checks the fields of the active kind.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindCron:
		if _, err := ParseCron(s.Cron); err != nil {
			return err
		}
		if _, err := LoadLocation(s.TZ, nil); err != nil {
			return err
		}
	case KindInterval:
		if s.DefaultInterval < 0 {
			return errors.InvalidSchedulef("negative default interval %s", s.DefaultInterval)
		}
		if s.FinalMinutes < 0 {
			return errors.InvalidSchedulef("negative final threshold %g", s.FinalMinutes)
		}
		prev := -1.0
		for i, th := range s.Thresholds {
			if th.Interval <= 0 {
				return errors.InvalidSchedulef("threshold %d: interval must be positive", i)
			}
			if th.Minutes < 0 {
				return errors.InvalidSchedulef("threshold %d: negative minutes", i)
			}
			if i > 0 && th.Minutes >= prev {
				return errors.InvalidSchedulef("thresholds must be ordered by descending minutes")
			}
			prev = th.Minutes
		}
	case KindOnce:
		if s.TimeOfDay != "" {
			if _, _, err := ParseHHMM(s.TimeOfDay); err != nil {
				return err
			}
			return nil
		}
		if s.At.IsZero() {
			return errors.InvalidSchedulef("one-time schedule needs a time")
		}
		if s.DailyRepeat {
			return errors.InvalidSchedulef("daily repeat needs a time of day")
		}
	case KindTriggered:
	default:
		return errors.InvalidSchedulef("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Next returns the next fire time strictly after now, or the zero time when
// the schedule has no timed occurrence (manual jobs). For adaptive schedules
// it is the next poll, not a fire.
func (s Schedule) Next(now time.Time, fallback *time.Location) (time.Time, error) {
	switch s.Kind {
	case KindCron:
		sched, err := ParseCron(s.Cron)
		if err != nil {
			return time.Time{}, err
		}
		loc, err := LoadLocation(s.TZ, fallback)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(now.In(loc)), nil
	case KindInterval:
		_, def, _ := s.Poll()
		return now.Add(def), nil
	case KindOnce:
		if s.TimeOfDay != "" {
			loc, err := LoadLocation(s.TZ, fallback)
			if err != nil {
				return time.Time{}, err
			}
			return NextSessionTime(s.TimeOfDay, now, loc)
		}
		return s.At, nil
	case KindTriggered:
		return time.Time{}, nil
	}
	return time.Time{}, errors.InvalidSchedulef("unknown schedule kind %q", s.Kind)
}
