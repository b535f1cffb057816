package usage

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"nightpilot/internal/errors"
	logx "nightpilot/pkg/logx"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestParseJSON(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		in        string
		remaining float64
		total     float64
		wantErr   bool
	}{
		{"blocks", `{"blocks":[{"remaining":42,"total":300},{"remaining":1}]}`, 42, 300, false},
		{"blocks default total", `{"blocks":[{"remaining":10}]}`, 10, DefaultBlockMinutes, false},
		{"flat", `{"remainingMinutes":90,"totalMinutes":120}`, 90, 120, false},
		{"empty", `{}`, 0, 0, true},
		{"garbage", `not json`, 0, 0, true},
	}
	for _, tc := range cases {
		info, err := ParseJSON([]byte(tc.in), now)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
		if tc.wantErr {
			continue
		}
		if info.RemainingMinutes != tc.remaining || info.TotalMinutes != tc.total || !info.Known {
			t.Fatalf("%s: info=%+v", tc.name, info)
		}
	}
}

func TestParseText(t *testing.T) {
	t.Parallel()

	cases := map[string]float64{
		"Time remaining: 2h 30m":         150,
		"150 minutes remaining in block": 150,
		"Remaining: 1:05:59":             65,
	}
	for in, want := range cases {
		info, err := ParseText(in, 300, now)
		if err != nil || info.RemainingMinutes != want {
			t.Fatalf("%q: info=%+v err=%v", in, info, err)
		}
	}
	if _, err := ParseText("nothing useful", 300, now); err == nil {
		t.Fatalf("expected error")
	}
}

func TestCCUsageProbeOrderAndCache(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	exec := func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls.Add(1)
		if name == "npx" {
			return []byte(`{"blocks":[{"remaining":25,"total":300}]}`), nil
		}
		return nil, errors.New("not installed")
	}
	clock := now
	c := NewCCUsage(Config{CCUsage: true, ActivityFile: filepath.Join(t.TempDir(), "none")}, logx.Nop()).
		WithExec(exec).
		WithClock(func() time.Time { return clock })

	info, err := c.RemainingMinutes(context.Background())
	if err != nil || info.RemainingMinutes != 25 || info.Source != "ccusage-json" {
		t.Fatalf("info=%+v err=%v", info, err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected ccusage then npx, got %d calls", calls.Load())
	}

	clock = now.Add(10 * time.Second)
	if _, err := c.RemainingMinutes(context.Background()); err != nil {
		t.Fatalf("cached: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("cached read should not probe, calls=%d", calls.Load())
	}
}

func TestFallbackActivityFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".claude-last-activity")
	last := now.Add(-100 * time.Minute)
	if err := os.WriteFile(path, []byte(strconv.FormatInt(last.Unix(), 10)+"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	c := NewCCUsage(Config{ActivityFile: path}, logx.Nop()).WithClock(func() time.Time { return now })
	info, err := c.RemainingMinutes(context.Background())
	if err != nil || info.Source != "fallback" || info.RemainingMinutes != 200 {
		t.Fatalf("info=%+v err=%v", info, err)
	}

	missing := NewCCUsage(Config{ActivityFile: filepath.Join(t.TempDir(), "nope")}, logx.Nop())
	info, err = missing.RemainingMinutes(context.Background())
	if err != nil || info.Known {
		t.Fatalf("missing file should be unknown: info=%+v err=%v", info, err)
	}
}

func TestUsedFraction(t *testing.T) {
	t.Parallel()

	if f := newInfo(75, 300, "x", now).UsedFraction(); f != 0.75 {
		t.Fatalf("fraction=%v", f)
	}
	if f := (Info{}).UsedFraction(); f != 0 {
		t.Fatalf("unknown fraction=%v", f)
	}
}
