package errors

import (
	"fmt"
	"testing"
)

func TestTaxonomyMarks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "invalid schedule", err: InvalidSchedulef("bad cron %q", "* *"), want: ErrInvalidSchedule},
		{name: "not found", err: NotFound("abc"), want: ErrNotFound},
		{name: "timeout", err: Timeout(New("deadline")), want: ErrTimeout},
		{name: "wrapped", err: Wrap(NotFound("x"), "trigger"), want: ErrNotFound},
		{name: "fmt wrapped", err: fmt.Errorf("outer: %w", ErrCyclicDependency), want: ErrCyclicDependency},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if !Is(tt.err, tt.want) {
				t.Fatalf("Is(%v, %v) = false", tt.err, tt.want)
			}
		})
	}
}

func TestNoRetry(t *testing.T) {
	t.Parallel()
	if NoRetry(nil) != nil {
		t.Fatal("NoRetry(nil) should be nil")
	}
	base := New("boom")
	err := Wrap(NoRetry(base), "run")
	if !IsNoRetry(err) {
		t.Fatal("expected IsNoRetry through a wrap")
	}
	if !Is(err, base) {
		t.Fatal("NoRetry must keep the cause reachable")
	}
	if !IsPermanent(err) {
		t.Fatal("no-retry errors are permanent")
	}
	if IsPermanent(New("transient")) {
		t.Fatal("plain errors are not permanent")
	}
	if !IsPermanent(InvalidSchedulef("x")) {
		t.Fatal("invalid schedule is permanent")
	}
}
