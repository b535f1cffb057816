package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"nightpilot/internal/errors"
)

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	s.Go("failing", func(ctx context.Context) error { return boom })
	s.Go("waiting", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("Wait = %v, want boom", err)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go("panicky", func(ctx context.Context) error { panic("oops") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatalf("expected recorded panic")
	}
	snap := s.Snapshot()
	if len(snap.Loops) != 1 || snap.Loops[0].Panics != 1 || snap.Loops[0].Active != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestGoRestartBacksOffAndGivesUp(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("transient")
	}, WithBackoff(time.Millisecond, 2*time.Millisecond), WithMaxRestarts(3))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatalf("expected give-up error")
	}
	if got := runs.Load(); got != 4 {
		t.Fatalf("runs = %d, want 4", got)
	}
	if st := s.Snapshot().Loops[0]; st.Restarts != 3 {
		t.Fatalf("restarts = %d", st.Restarts)
	}
}

func TestStopCancelsLoops(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.GoRestart("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Snapshot().Active != 0 {
		t.Fatalf("loops still active")
	}
}
