package eventbus

import "testing"

func TestSubscribeFiltersByPrefix(t *testing.T) {
	b := New()
	jobs, unsubJobs := b.Subscribe(4, "claim.job.")
	all, unsubAll := b.Subscribe(4)
	defer unsubJobs()
	defer unsubAll()

	b.Publish(Event{Type: "claim.result"})
	b.Publish(Event{Type: "claim.job.finished"})

	if got := len(jobs); got != 1 {
		t.Fatalf("jobs subscriber got %d events, want 1", got)
	}
	if e := <-jobs; e.Type != "claim.job.finished" || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
	if got := len(all); got != 2 {
		t.Fatalf("catch-all subscriber got %d events, want 2", got)
	}
}

func TestPublishDropsWhenFullAndAfterUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // dropped
	if len(ch) != 1 {
		t.Fatalf("len=%d", len(ch))
	}
	unsub()
	unsub()
	b.Publish(Event{Type: "c"})
}
