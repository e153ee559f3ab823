package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"claimbot/internal/eventbus"
	"claimbot/pkg/logx"
)

func TestFireSkipsOverlap(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, "schedule.")
	defer unsub()

	s := New(Config{Enabled: true}, logx.Nop(), bus)
	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32
	if err := s.Set("claim-all", "0 0,6,12,18 * * *", func(ctx context.Context) error {
		calls.Add(1)
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("set: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Fire("claim-all") }()
	<-started

	if err := s.Fire("claim-all"); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("expected overlap skip, got %v", err)
	}
	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first fire: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("job should run once, ran %d", calls.Load())
	}

	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Runs != 1 || snap.Schedules[0].Skipped != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	seen := map[string]int{}
	for len(events) > 0 {
		ev := <-events
		seen[ev.Type]++
	}
	if seen["schedule.fired"] != 1 || seen["schedule.skipped"] != 1 {
		t.Fatalf("unexpected events: %v", seen)
	}
}

func TestFireRecoversPanic(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	_ = s.Set("p", "@hourly", func(context.Context) error { panic("boom") })
	if err := s.Fire("p"); err == nil {
		t.Fatalf("panic should surface as error")
	}
	// running flag released after panic
	_ = s.Set("p", "@hourly", func(context.Context) error { return nil })
	if err := s.Fire("p"); err != nil {
		t.Fatalf("second fire: %v", err)
	}
}

func TestSetRejectsBadSpec(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	if err := s.Set("x", "not a cron", func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected parse error")
	}
	if err := s.Fire("x"); !errors.Is(err, ErrUnknownSchedule) {
		t.Fatalf("expected unknown schedule, got %v", err)
	}
}

func TestReplaceDropsStale(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	job := func(context.Context) error { return nil }
	if err := s.Replace([]Schedule{{Name: "a", Spec: "@hourly"}, {Name: "b", Spec: "@daily"}}, job); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := s.Replace([]Schedule{{Name: "b", Spec: "0 12 * * *"}}, job); err != nil {
		t.Fatalf("replace: %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Name != "b" || snap.Schedules[0].Spec != "0 12 * * *" {
		t.Fatalf("unexpected schedules: %+v", snap.Schedules)
	}
	if snap.Schedules[0].Next.IsZero() {
		t.Fatalf("registered schedule should have a next run")
	}
}

func TestNextRunsUTC(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	from := time.Date(2024, 5, 6, 5, 30, 0, 0, time.UTC)
	got, err := s.NextRuns("0 0,6,12,18 * * *", from, 3)
	if err != nil {
		t.Fatalf("next runs: %v", err)
	}
	want := []int{6, 12, 18}
	for i, h := range want {
		if got[i].Hour() != h || got[i].Location() != time.UTC {
			t.Fatalf("run %d: got %v", i, got[i])
		}
	}
}

func TestApplyDisableStops(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	s.Start(context.Background())
	if !s.Snapshot().Started {
		t.Fatalf("expected started")
	}
	s.Apply(Config{Enabled: false})
	if s.Snapshot().Started {
		t.Fatalf("expected stopped after disable")
	}
	s.Apply(Config{Enabled: true})
	if !s.Snapshot().Started {
		t.Fatalf("expected restart after enable")
	}
	s.Stop(context.Background())
}
