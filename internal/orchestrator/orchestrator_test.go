package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"claimbot/internal/claim"
	"claimbot/internal/delivery"
	"claimbot/internal/registry"
	"claimbot/internal/storage"
	"claimbot/internal/task/engine"
	"claimbot/pkg/logx"
)

type memStore struct {
	mu       sync.Mutex
	accounts map[string]claim.Account
	order    []string
	claims   map[string]int
	runs     []storage.RunRecord
}

func newMemStore(accounts ...claim.Account) *memStore {
	st := &memStore{accounts: map[string]claim.Account{}, claims: map[string]int{}}
	for _, a := range accounts {
		st.accounts[a.AccountID] = a
		st.order = append(st.order, a.AccountID)
	}
	return st
}

func (m *memStore) GetAccounts(_ context.Context, ids []string) ([]claim.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []claim.Account
	for _, id := range ids {
		if a, ok := m.accounts[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) ListAccounts(ctx context.Context) ([]claim.Account, error) {
	return m.GetAccounts(ctx, m.order)
}

func (m *memStore) RecordClaim(_ context.Context, id string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims[id]++
	return nil
}

func (m *memStore) SaveRun(_ context.Context, r storage.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r)
	return nil
}

func (m *memStore) claimCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claims[id]
}

type recorder struct {
	mu   sync.Mutex
	reqs []delivery.Request
	jobs []claim.Job
}

func (r *recorder) Deliver(_ context.Context, req delivery.Request) error {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Report(_ context.Context, j claim.Job) {
	r.mu.Lock()
	r.jobs = append(r.jobs, j)
	r.mu.Unlock()
}

func (r *recorder) delivered() []delivery.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery.Request(nil), r.reqs...)
}

func (r *recorder) reported() []claim.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]claim.Job(nil), r.jobs...)
}

type fixture struct {
	svc   *Service
	store *memStore
	rec   *recorder
}

func newFixture(t *testing.T, exec claim.Executor, cfg Config, accounts ...claim.Account) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	eng := engine.New(engine.Config{Workers: 4, QueueSize: 64}, logx.Nop(), nil)
	eng.Start(ctx)

	st := newMemStore(accounts...)
	rec := &recorder{}
	svc := New(cfg, Deps{
		Store:    st,
		Executor: exec,
		Engine:   eng,
		Delivery: rec,
		Reporter: rec,
	}, registry.New(10), logx.Nop(), nil)
	svc.Start(ctx)

	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		svc.Stop(stopCtx)
		eng.Stop(stopCtx)
		cancel()
	})
	return &fixture{svc: svc, store: st, rec: rec}
}

func waitTerminal(t *testing.T, svc *Service, id string) claim.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if j, ok := svc.GetJobStatus(id); ok && j.Status.Terminal() {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	j, _ := svc.GetJobStatus(id)
	t.Fatalf("job %s not terminal: %+v", id, j)
	return claim.Job{}
}

func accountsN(n int) []claim.Account {
	out := make([]claim.Account, n)
	for i := range out {
		out[i] = claim.Account{AccountID: fmt.Sprintf("acc-%02d", i), OwnerID: fmt.Sprintf("owner-%02d", i)}
	}
	return out
}

func resultFor(j claim.Job, id string) (claim.Result, bool) {
	for _, r := range j.Results {
		if r.AccountID == id {
			return r, true
		}
	}
	return claim.Result{}, false
}

func TestExecutorErrorDoesNotFailJob(t *testing.T) {
	exec := claim.ExecutorFunc(func(_ context.Context, id string) (claim.ExecResult, error) {
		if id == "789" {
			return claim.ExecResult{}, errors.New("page crashed")
		}
		return claim.ExecResult{Success: true, Items: []string{"gold"}}, nil
	})
	f := newFixture(t, exec, Config{},
		claim.Account{AccountID: "123", OwnerID: "u1"},
		claim.Account{AccountID: "789", OwnerID: "u2"},
		claim.Account{AccountID: "555", OwnerID: "u3"},
	)

	id, err := f.svc.StartClaimJob(context.Background(), []string{"123", "789", "555"}, claim.TriggerManual)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	j := waitTerminal(t, f.svc, id)

	if j.Status != claim.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", j.Status, j.Error)
	}
	if j.TotalUsers != 3 || j.CompletedUsers != 2 || j.FailedUsers != 1 {
		t.Fatalf("unexpected counts: %+v", j)
	}
	r, ok := resultFor(j, "789")
	if !ok || r.Outcome != claim.OutcomeFailed || !strings.Contains(r.Error, "page crashed") {
		t.Fatalf("unexpected result for 789: %+v", r)
	}
	if f.store.claimCount("123") != 1 || f.store.claimCount("789") != 0 {
		t.Fatalf("stats must update on success only")
	}
	if got := len(f.rec.delivered()); got != 3 {
		t.Fatalf("expected 3 deliveries, got %d", got)
	}
	if reps := f.rec.reported(); len(reps) != 1 || reps[0].ProcessID != id {
		t.Fatalf("expected one report, got %+v", reps)
	}
}

func TestAllUnavailableFailsJob(t *testing.T) {
	exec := claim.ExecutorFunc(func(context.Context, string) (claim.ExecResult, error) {
		return claim.ExecResult{}, fmt.Errorf("browser: %w", claim.ErrExecutorUnavailable)
	})
	f := newFixture(t, exec, Config{}, accountsN(10)...)

	id, err := f.svc.StartClaimAll(context.Background(), claim.TriggerSchedule)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	j := waitTerminal(t, f.svc, id)

	if j.Status != claim.StatusFailed || j.FailedUsers != 10 || j.Error == "" {
		t.Fatalf("expected failed job, got %+v", j)
	}
	reps := f.rec.reported()
	if len(reps) != 1 || reps[0].Status != claim.StatusFailed {
		t.Fatalf("reporter should see the failed job: %+v", reps)
	}
}

func TestMixedUnavailableStillCompletes(t *testing.T) {
	exec := claim.ExecutorFunc(func(_ context.Context, id string) (claim.ExecResult, error) {
		if id == "acc-00" {
			return claim.ExecResult{Success: false, Error: "no session"}, nil
		}
		return claim.ExecResult{}, claim.ErrExecutorUnavailable
	})
	f := newFixture(t, exec, Config{}, accountsN(3)...)

	id, _ := f.svc.StartClaimAll(context.Background(), claim.TriggerSchedule)
	j := waitTerminal(t, f.svc, id)
	if j.Status != claim.StatusCompleted || j.FailedUsers != 3 {
		t.Fatalf("expected completed with 3 failures, got %+v", j)
	}
}

func TestEligibilityAndDedupe(t *testing.T) {
	var calls sync.Map
	exec := claim.ExecutorFunc(func(_ context.Context, id string) (claim.ExecResult, error) {
		n, _ := calls.LoadOrStore(id, new(int))
		*(n.(*int))++
		return claim.ExecResult{Success: true}, nil
	})
	f := newFixture(t, exec, Config{},
		claim.Account{AccountID: "a", OwnerID: "u"},
		claim.Account{AccountID: "b", OwnerID: "u", Blocked: true},
	)

	id, err := f.svc.StartClaimJob(context.Background(), []string{"a", " a", "b", "ghost", "a"}, claim.TriggerAPI)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	j := waitTerminal(t, f.svc, id)
	if j.TotalUsers != 1 || len(j.Results) != 1 || j.Results[0].AccountID != "a" {
		t.Fatalf("expected only account a, got %+v", j)
	}
	if _, ran := calls.Load("b"); ran {
		t.Fatalf("blocked account must not be claimed")
	}
}

func TestEmptyEligibleSetCompletesWithoutReport(t *testing.T) {
	exec := claim.ExecutorFunc(func(context.Context, string) (claim.ExecResult, error) {
		t.Errorf("executor must not run")
		return claim.ExecResult{}, nil
	})
	f := newFixture(t, exec, Config{}, claim.Account{AccountID: "x", Blocked: true})

	id, err := f.svc.StartClaimJob(context.Background(), []string{"x", "nope"}, claim.TriggerManual)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	j, ok := f.svc.GetJobStatus(id)
	if !ok || j.Status != claim.StatusCompleted || j.TotalUsers != 0 {
		t.Fatalf("expected immediate completion, got %+v", j)
	}
	if len(f.rec.reported()) != 0 {
		t.Fatalf("empty job must not be summarized")
	}
	if len(f.store.runs) != 1 {
		t.Fatalf("empty job should still be saved")
	}
}

func TestOverlappingJobSkipsInFlightAccount(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var concurrent, maxConcurrent int
	var mu sync.Mutex
	exec := claim.ExecutorFunc(func(_ context.Context, id string) (claim.ExecResult, error) {
		mu.Lock()
		concurrent++
		maxConcurrent = max(maxConcurrent, concurrent)
		mu.Unlock()
		defer func() {
			mu.Lock()
			concurrent--
			mu.Unlock()
		}()
		if id == "slow" {
			started <- struct{}{}
			<-release
		}
		return claim.ExecResult{Success: true, Items: []string{"x"}}, nil
	})
	f := newFixture(t, exec, Config{},
		claim.Account{AccountID: "slow", OwnerID: "u"},
		claim.Account{AccountID: "fast", OwnerID: "u"},
	)
	ctx := context.Background()

	first, _ := f.svc.StartClaimJob(ctx, []string{"slow"}, claim.TriggerSchedule)
	<-started

	second, _ := f.svc.StartClaimJob(ctx, []string{"slow", "fast"}, claim.TriggerManual)
	j2 := waitTerminal(t, f.svc, second)
	r, _ := resultFor(j2, "slow")
	if r.Outcome != claim.OutcomeSkipped {
		t.Fatalf("expected slow to be skipped, got %+v", r)
	}
	if j2.Status != claim.StatusCompleted || j2.CompletedUsers != 2 || j2.FailedUsers != 0 {
		t.Fatalf("skips count as completed: %+v", j2)
	}

	close(release)
	j1 := waitTerminal(t, f.svc, first)
	if r, _ := resultFor(j1, "slow"); r.Outcome != claim.OutcomeSuccess {
		t.Fatalf("first job should claim slow: %+v", r)
	}
	for _, req := range f.rec.delivered() {
		if req.Result.Outcome == claim.OutcomeSkipped {
			t.Fatalf("skipped results are not delivered")
		}
	}
}

func TestDeliveryDoesNotWaitForSiblings(t *testing.T) {
	release := make(chan struct{})
	exec := claim.ExecutorFunc(func(_ context.Context, id string) (claim.ExecResult, error) {
		if id == "slow" {
			<-release
		}
		return claim.ExecResult{Success: true, Items: []string{"gem"}}, nil
	})
	f := newFixture(t, exec, Config{},
		claim.Account{AccountID: "slow", OwnerID: "u1"},
		claim.Account{AccountID: "fast", OwnerID: "u2"},
	)
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()

	id, err := f.svc.StartClaimJob(context.Background(), []string{"slow", "fast"}, claim.TriggerManual)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(f.rec.delivered()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("fast account was not delivered while its sibling was running")
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := f.rec.delivered()
	if len(got) != 1 || got[0].Result.AccountID != "fast" {
		t.Fatalf("unexpected deliveries: %+v", got)
	}
	if j, _ := f.svc.GetJobStatus(id); j.Status != claim.StatusRunning || j.CompletedUsers != 1 {
		t.Fatalf("job should still be running with one result: %+v", j)
	}

	close(release)
	j := waitTerminal(t, f.svc, id)
	if j.Status != claim.StatusCompleted || len(f.rec.delivered()) != 2 {
		t.Fatalf("job=%+v deliveries=%d", j, len(f.rec.delivered()))
	}
}

func TestTimeoutHoldsAccountUntilReturn(t *testing.T) {
	release := make(chan struct{})
	exec := claim.ExecutorFunc(func(ctx context.Context, id string) (claim.ExecResult, error) {
		<-release
		return claim.ExecResult{Success: true}, nil
	})
	f := newFixture(t, exec, Config{ClaimTimeout: 30 * time.Millisecond}, claim.Account{AccountID: "hang", OwnerID: "u"})
	ctx := context.Background()

	first, _ := f.svc.StartClaimJob(ctx, []string{"hang"}, claim.TriggerManual)
	j1 := waitTerminal(t, f.svc, first)
	r, _ := resultFor(j1, "hang")
	if r.Outcome != claim.OutcomeFailed || !strings.Contains(r.Error, "timed out") {
		t.Fatalf("expected timeout failure, got %+v", r)
	}

	second, _ := f.svc.StartClaimJob(ctx, []string{"hang"}, claim.TriggerManual)
	j2 := waitTerminal(t, f.svc, second)
	if r, _ := resultFor(j2, "hang"); r.Outcome != claim.OutcomeSkipped {
		t.Fatalf("hung claim must keep the account in flight: %+v", r)
	}
	close(release)
}

func TestPanicBecomesFailure(t *testing.T) {
	exec := claim.ExecutorFunc(func(context.Context, string) (claim.ExecResult, error) {
		panic("boom")
	})
	f := newFixture(t, exec, Config{}, claim.Account{AccountID: "p", OwnerID: "u"})

	id, _ := f.svc.StartClaimJob(context.Background(), []string{"p"}, claim.TriggerManual)
	j := waitTerminal(t, f.svc, id)
	if r, _ := resultFor(j, "p"); r.Outcome != claim.OutcomeFailed || !strings.Contains(r.Error, "boom") {
		t.Fatalf("expected panic failure, got %+v", r)
	}
}

func TestCountsNeverExceedTotal(t *testing.T) {
	exec := claim.ExecutorFunc(func(_ context.Context, id string) (claim.ExecResult, error) {
		time.Sleep(time.Millisecond)
		return claim.ExecResult{Success: id != "acc-03"}, nil
	})
	f := newFixture(t, exec, Config{}, accountsN(20)...)

	id, _ := f.svc.StartClaimAll(context.Background(), claim.TriggerSchedule)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, _ := f.svc.GetJobStatus(id)
		if j.Done() > j.TotalUsers {
			t.Fatalf("counts exceed total: %+v", j)
		}
		if j.Status.Terminal() {
			if j.Done() != j.TotalUsers || len(j.Results) != j.TotalUsers {
				t.Fatalf("terminal job incomplete: %+v", j)
			}
			if active := f.svc.ListActiveJobs(); len(active) != 0 {
				t.Fatalf("no active jobs expected, got %d", len(active))
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("job did not finish")
}

func TestStartAfterStop(t *testing.T) {
	f := newFixture(t, claim.ExecutorFunc(func(context.Context, string) (claim.ExecResult, error) {
		return claim.ExecResult{Success: true}, nil
	}), Config{}, claim.Account{AccountID: "a", OwnerID: "u"})

	f.svc.Stop(context.Background())
	if _, err := f.svc.StartClaimAll(context.Background(), claim.TriggerManual); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestWaitReturnsTerminalJob(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, claim.ExecutorFunc(func(context.Context, string) (claim.ExecResult, error) {
		<-release
		return claim.ExecResult{Success: true}, nil
	}), Config{}, claim.Account{AccountID: "a", OwnerID: "u"})

	id, _ := f.svc.StartClaimAll(context.Background(), claim.TriggerSchedule)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.svc.Wait(short, id); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while running, got %v", err)
	}

	close(release)
	j, err := f.svc.Wait(context.Background(), id)
	if err != nil || j.Status != claim.StatusCompleted {
		t.Fatalf("wait: %v %+v", err, j)
	}
	if _, err := f.svc.Wait(context.Background(), "missing"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
