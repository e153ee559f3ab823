package delivery

import (
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"claimbot/internal/claim"
	"claimbot/internal/compose"
	"claimbot/internal/eventbus"
	"claimbot/internal/transport"
	"claimbot/pkg/logx"
)

const resultsChannel = "results-1"

type harness struct {
	svc *Service
	mem *transport.Memory
	out string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	mem := transport.NewMemory()
	if err := mem.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "out")
	if cfg.Channel.IsZero() {
		cfg.Channel = transport.Target{ChannelID: resultsChannel}
	}
	svc := New(cfg, mem, compose.New(out, logx.Nop()), logx.Nop(), nil)
	return &harness{svc: svc, mem: mem, out: out}
}

func writeScreenshot(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "screenshot-x.png")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, image.NewRGBA(image.Rect(0, 0, 320, 240))); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDeliverChannelOnly(t *testing.T) {
	h := newHarness(t, Config{})
	shot := writeScreenshot(t)

	rep := h.svc.handle(context.Background(), Request{
		Account: claim.Account{AccountID: "123", OwnerID: "u1", Username: "alice"},
		Result:  claim.Result{AccountID: "123", Outcome: claim.OutcomeSuccess, Items: []string{"gold"}, ScreenshotPath: shot},
	})

	if rep.ImagePath == "" || !strings.HasPrefix(filepath.Base(rep.ImagePath), "confirmation-123-") {
		t.Fatalf("expected composed image, got %q", rep.ImagePath)
	}
	if !rep.ChannelSent || rep.DirectSent {
		t.Fatalf("unexpected report: %+v", rep)
	}
	sent := h.mem.Channel(resultsChannel)
	if len(sent) != 1 || sent[0].Msg.Attachment == nil {
		t.Fatalf("expected one channel post with attachment, got %+v", sent)
	}
	if !strings.Contains(sent[0].Msg.Text, "• gold") || !strings.Contains(sent[0].Msg.Text, "Account ID: 123") {
		t.Fatalf("unexpected text: %q", sent[0].Msg.Text)
	}
	if len(h.mem.Direct("u1")) != 0 {
		t.Fatalf("non-privileged owner must not get a DM")
	}
	if _, err := os.Stat(rep.ImagePath); !errors.Is(err, os.ErrNotExist) || !rep.Deleted {
		t.Fatalf("image should be deleted after channel success: %v", err)
	}
	if _, err := os.Stat(shot); err != nil {
		t.Fatalf("input screenshot must be untouched: %v", err)
	}
}

func TestDeliverPrivilegedAlreadyClaimed(t *testing.T) {
	h := newHarness(t, Config{})

	rep := h.svc.handle(context.Background(), Request{
		Account: claim.Account{AccountID: "456", OwnerID: "u2", Privileged: true},
		Result:  claim.Result{AccountID: "456", Outcome: claim.OutcomeSuccess},
	})

	if !rep.ChannelSent || !rep.DirectSent || !rep.Deleted {
		t.Fatalf("unexpected report: %+v", rep)
	}
	ch := h.mem.Channel(resultsChannel)
	dm := h.mem.Direct("u2")
	if len(ch) != 1 || len(dm) != 1 {
		t.Fatalf("expected channel post and DM, got %d / %d", len(ch), len(dm))
	}
	if !strings.Contains(ch[0].Msg.Text, "Already claimed") {
		t.Fatalf("expected already-claimed notice: %q", ch[0].Msg.Text)
	}
}

func TestDeliverBothFailRetainsImage(t *testing.T) {
	h := newHarness(t, Config{})
	h.mem.FailSend = func(transport.Target) error { return errors.New("channel down") }
	h.mem.FailDirect = func(string) error { return errors.New("dm closed") }

	rep := h.svc.handle(context.Background(), Request{
		Account: claim.Account{AccountID: "9", OwnerID: "u9", Privileged: true},
		Result:  claim.Result{AccountID: "9", Outcome: claim.OutcomeSuccess, Items: []string{"gem"}},
	})

	if rep.ChannelSent || rep.DirectSent || rep.Deleted {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.ChannelErr == "" || rep.DirectErr == "" {
		t.Fatalf("errors should be reported per destination: %+v", rep)
	}
	if _, err := os.Stat(rep.ImagePath); err != nil {
		t.Fatalf("image must be retained when every destination failed: %v", err)
	}
}

func TestDeliverOneDestinationFailing(t *testing.T) {
	h := newHarness(t, Config{})
	h.mem.FailSend = func(transport.Target) error { return errors.New("channel down") }

	rep := h.svc.handle(context.Background(), Request{
		Account: claim.Account{AccountID: "7", OwnerID: "u7", Privileged: true},
		Result:  claim.Result{AccountID: "7", Outcome: claim.OutcomeSuccess},
	})
	if rep.ChannelSent || !rep.DirectSent || !rep.Deleted {
		t.Fatalf("DM success alone should release the image: %+v", rep)
	}
}

type fakeArchiver struct {
	mu    sync.Mutex
	files []string
}

func (f *fakeArchiver) Upload(_ context.Context, path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.files = append(f.files, path)
	f.mu.Unlock()
	return "k/" + filepath.Base(path), nil
}

func TestDeliverArchivesBeforeDelete(t *testing.T) {
	h := newHarness(t, Config{})
	arch := &fakeArchiver{}
	h.svc.SetArchiver(arch)

	rep := h.svc.handle(context.Background(), Request{
		Account: claim.Account{AccountID: "1", OwnerID: "u1"},
		Result:  claim.Result{AccountID: "1", Outcome: claim.OutcomeSuccess},
	})
	if len(arch.files) != 1 || rep.Archived == "" || !rep.Deleted {
		t.Fatalf("expected archive then delete: %+v", rep)
	}
}

func TestDeliverMissingChannelSkipsPost(t *testing.T) {
	mem := transport.NewMemory()
	_ = mem.Start(context.Background())
	svc := New(Config{}, mem, compose.New(t.TempDir(), logx.Nop()), logx.Nop(), nil)

	rep := svc.handle(context.Background(), Request{
		Account: claim.Account{AccountID: "1", OwnerID: "u1"},
		Result:  claim.Result{AccountID: "1", Outcome: claim.OutcomeSuccess},
	})
	if len(mem.Sent()) != 0 || rep.ChannelSent {
		t.Fatalf("nothing should be sent without a channel: %+v", mem.Sent())
	}
	if _, err := os.Stat(rep.ImagePath); err != nil {
		t.Fatalf("undelivered image must be retained: %v", err)
	}
}

func TestDeliverWaitsForReady(t *testing.T) {
	mem := transport.NewMemory()
	svc := New(Config{Channel: transport.Target{ChannelID: resultsChannel}, ReadyTimeout: 20 * time.Millisecond},
		mem, nil, logx.Nop(), nil)

	rep := svc.handle(context.Background(), Request{Result: claim.Result{AccountID: "1", Outcome: claim.OutcomeSuccess}})
	if rep.ChannelSent || len(mem.Sent()) != 0 {
		t.Fatalf("must not send before ready: %+v", rep)
	}
}

func TestQueuedDeliveryDrainsOnStop(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, "delivery.")
	defer unsub()

	mem := transport.NewMemory()
	_ = mem.Start(context.Background())
	svc := New(Config{Channel: transport.Target{ChannelID: resultsChannel}, Workers: 2, RatePerSec: 100},
		mem, compose.New(t.TempDir(), logx.Nop()), logx.Nop(), bus)

	ctx := context.Background()
	svc.Start(ctx)
	for _, id := range []string{"a", "b", "c"} {
		if err := svc.Deliver(ctx, Request{Result: claim.Result{AccountID: id, Outcome: claim.OutcomeSuccess}}); err != nil {
			t.Fatalf("deliver %s: %v", id, err)
		}
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	svc.Stop(stopCtx)

	if got := len(mem.Channel(resultsChannel)); got != 3 {
		t.Fatalf("expected 3 posts after drain, got %d", got)
	}
	if err := svc.Deliver(ctx, Request{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after Stop, got %v", err)
	}
	for i := 0; i < 3; i++ {
		select {
		case ev := <-events:
			if ev.Type != "delivery.done" {
				t.Fatalf("unexpected event %q", ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing delivery event %d", i)
		}
	}
}

func TestTextFailureAndTimezone(t *testing.T) {
	loc := time.FixedZone("CEST", 2*3600)
	at := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	txt := Text(Request{
		Account: claim.Account{OwnerID: "u1", Username: "bob"},
		Result:  claim.Result{AccountID: "789", Outcome: claim.OutcomeFailed, Error: "timeout"},
	}, at, loc)

	for _, want := range []string{"Account ID: 789", "Owner: u1 (bob)", "Time: 2024-05-06 09:08:09 CEST", "Error: timeout"} {
		if !strings.Contains(txt, want) {
			t.Fatalf("text missing %q:\n%s", want, txt)
		}
	}
}

func TestSweepRemovesOldArtifacts(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	files := map[string]time.Duration{
		"confirmation-old.png": 25 * time.Hour,
		"screenshot-old.png":   48 * time.Hour,
		"confirmation-new.png": time.Hour,
		"notes-old.txt":        72 * time.Hour,
	}
	for name, age := range files {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		mt := now.Add(-age)
		if err := os.Chtimes(p, mt, mt); err != nil {
			t.Fatal(err)
		}
	}

	n, err := SweepAt(dir, 24*time.Hour, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	for _, keep := range []string{"confirmation-new.png", "notes-old.txt"} {
		if _, err := os.Stat(filepath.Join(dir, keep)); err != nil {
			t.Fatalf("%s should survive: %v", keep, err)
		}
	}

	if n, err := Sweep(filepath.Join(dir, "missing"), time.Hour); err != nil || n != 0 {
		t.Fatalf("missing dir should be a no-op: %d %v", n, err)
	}
}

// gateComposer holds every Compose call until release is closed.
type gateComposer struct {
	started chan struct{}
	release chan struct{}
}

func (g *gateComposer) Compose(compose.Input) string {
	g.started <- struct{}{}
	<-g.release
	return ""
}

func fullQueue(t *testing.T, wait time.Duration) (*Service, *gateComposer) {
	t.Helper()
	mem := transport.NewMemory()
	_ = mem.Start(context.Background())
	gate := &gateComposer{started: make(chan struct{}, 4), release: make(chan struct{})}
	svc := New(Config{
		Channel:        transport.Target{ChannelID: resultsChannel},
		Workers:        1,
		QueueSize:      1,
		RatePerSec:     100,
		EnqueueTimeout: wait,
	}, mem, gate, logx.Nop(), nil)
	svc.Start(context.Background())

	ctx := context.Background()
	if err := svc.Deliver(ctx, Request{Result: claim.Result{AccountID: "busy"}}); err != nil {
		t.Fatalf("deliver busy: %v", err)
	}
	<-gate.started
	if err := svc.Deliver(ctx, Request{Result: claim.Result{AccountID: "queued"}}); err != nil {
		t.Fatalf("deliver queued: %v", err)
	}
	t.Cleanup(func() {
		select {
		case <-gate.release:
		default:
			close(gate.release)
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(stopCtx)
	})
	return svc, gate
}

func TestDeliverWaitsForQueueSlot(t *testing.T) {
	svc, gate := fullQueue(t, 2*time.Second)

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Deliver(context.Background(), Request{Result: claim.Result{AccountID: "late"}})
	}()
	select {
	case err := <-errCh:
		t.Fatalf("deliver returned while queue full: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("deliver after slot freed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("deliver never got a slot")
	}
	if snap := svc.Snapshot(); snap.Dropped != 0 {
		t.Fatalf("dropped=%d", snap.Dropped)
	}
}

func TestDeliverDropsAfterEnqueueTimeout(t *testing.T) {
	svc, _ := fullQueue(t, 30*time.Millisecond)

	err := svc.Deliver(context.Background(), Request{Result: claim.Result{AccountID: "late"}})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := svc.Deliver(ctx, Request{Result: claim.Result{AccountID: "canceled"}}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if snap := svc.Snapshot(); snap.Dropped != 1 {
		t.Fatalf("dropped=%d", snap.Dropped)
	}
}
