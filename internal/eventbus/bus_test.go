package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	Publish(b, JobAdded, JobEvent{JobID: "j1"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != JobAdded || e.Data.(JobEvent).JobID != "j1" || e.Time.IsZero() {
				t.Fatalf("unexpected event %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: ExecutionAttempt})
	}
	st := b.Stats()
	if st.Published != 5 || st.Dropped != 4 || st.Subscribers != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	b.Publish(Event{Type: JobRemoved})
	Publish(nil, JobRemoved, nil)
}

func TestHasPrefix(t *testing.T) {
	t.Parallel()

	cases := []struct {
		typ  string
		ns   []string
		want bool
	}{
		{JobAdded, []string{"job"}, true},
		{JobAdded, []string{"job."}, true},
		{ExecutionStarted, []string{"job", "execution"}, true},
		{"jobs.x", []string{"job"}, false},
		{LogRecord, []string{"log.record"}, true},
	}
	for _, tc := range cases {
		if got := HasPrefix(Event{Type: tc.typ}, tc.ns...); got != tc.want {
			t.Fatalf("HasPrefix(%q, %v)=%v", tc.typ, tc.ns, got)
		}
	}
}
