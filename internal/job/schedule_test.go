package job

import (
	"testing"
	"time"
)

func TestParseHHMM(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in     string
		h, m   int
		wantOK bool
	}{
		{"00:00", 0, 0, true},
		{"9:05", 9, 5, true},
		{"23:59", 23, 59, true},
		{"24:00", 0, 0, false},
		{"12:60", 0, 0, false},
		{"1230", 0, 0, false},
		{"ab:cd", 0, 0, false},
	}
	for _, tc := range cases {
		h, m, err := ParseHHMM(tc.in)
		if (err == nil) != tc.wantOK {
			t.Fatalf("%q: err=%v", tc.in, err)
		}
		if tc.wantOK && (h != tc.h || m != tc.m) {
			t.Fatalf("%q: got %d:%d", tc.in, h, m)
		}
	}
}

func TestNextSessionTimeRollsToTomorrow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	got, err := NextSessionTime("09:30", now, time.UTC)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	want := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}

	got, _ = NextSessionTime("20:15", now, time.UTC)
	want = time.Date(2026, 3, 1, 20, 15, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestScheduleNext(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)

	next, err := CronSchedule("0 */1 * * * *", "UTC").Next(now, time.UTC)
	if err != nil || !next.Equal(time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC)) {
		t.Fatalf("six-field next=%v err=%v", next, err)
	}
	next, err = CronSchedule("*/15 * * * *", "UTC").Next(now, time.UTC)
	if err != nil || !next.Equal(time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)) {
		t.Fatalf("five-field next=%v err=%v", next, err)
	}
	next, _ = Triggered().Next(now, time.UTC)
	if !next.IsZero() {
		t.Fatalf("manual schedule should have no next run, got %v", next)
	}
	next, _ = AdaptiveSchedule(nil, 0, 0).Next(now, time.UTC)
	if !next.Equal(now.Add(DefaultPollInterval)) {
		t.Fatalf("adaptive next=%v", next)
	}
}
