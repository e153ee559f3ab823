package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"claimbot/internal/claim"
	"claimbot/internal/delivery"
	"claimbot/internal/eventbus"
	"claimbot/internal/registry"
	rtsup "claimbot/internal/runtime/supervisor"
	"claimbot/internal/storage"
	"claimbot/internal/task/engine"
	"claimbot/pkg/logx"
)

type runRequest struct {
	job      claim.Job
	accounts []claim.Account
}

type Service struct {
	cfg  Config
	deps Deps
	reg  *registry.Registry
	log  logx.Logger
	bus  eventbus.Bus

	mu       sync.Mutex
	runs     chan runRequest
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	batches  sync.WaitGroup
	accepted sync.WaitGroup
	waiters  map[string]chan struct{}

	now func() time.Time
}

func New(cfg Config, deps Deps, reg *registry.Registry, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.RunQueue <= 0 {
		cfg.RunQueue = 16
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:  cfg,
		deps: deps,
		reg:  reg,
		log:  log.With(logx.String("comp", "orchestrator")),
		bus:  bus,
		now:  time.Now,

		waiters: map[string]chan struct{}{},
	}
}

// SetReporter replaces the job reporter.
func (s *Service) SetReporter(r JobReporter) {
	s.mu.Lock()
	s.deps.Reporter = r
	s.mu.Unlock()
}

// Start launches the run loop. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs != nil {
		return
	}
	s.runs = make(chan runRequest, s.cfg.RunQueue)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	runs, stopCh := s.runs, s.stopCh
	s.sup.GoRestart("run-loop", func(c context.Context) error {
		s.loop(c, runs, stopCh)
		return c.Err()
	}, rtsup.WithStopOnCleanExit(true))
}

// Stop stops intake, lets running batches finish until ctx is done and then
// cancels them.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.runs == nil {
		s.mu.Unlock()
		return
	}
	runs, stopCh, sup := s.runs, s.stopCh, s.sup
	s.runs, s.stopCh, s.sup = nil, nil, nil
	s.mu.Unlock()

	close(stopCh)
	s.accepted.Wait()
	// requests accepted before intake closed still run
	for drained := false; !drained; {
		select {
		case req := <-runs:
			go s.runBatch(sup.Context(), req)
		default:
			drained = true
		}
	}

	done := make(chan struct{})
	go func() {
		s.batches.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("orchestrator stop timed out, cancelling running batches", logx.Err(ctx.Err()))
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
}

// StartClaimJob starts a job over the given accounts and returns its
// process id. Unknown and blocked accounts are dropped; duplicates collapse.
func (s *Service) StartClaimJob(ctx context.Context, accountIDs []string, trigger claim.Trigger) (string, error) {
	ids := dedupe(accountIDs)
	var accounts []claim.Account
	if len(ids) > 0 {
		var err error
		accounts, err = s.deps.Store.GetAccounts(ctx, ids)
		if err != nil {
			return "", fmt.Errorf("load accounts: %w", err)
		}
	}
	return s.start(ctx, accounts, trigger)
}

// StartClaimAll starts a job over every eligible account.
func (s *Service) StartClaimAll(ctx context.Context, trigger claim.Trigger) (string, error) {
	accounts, err := s.deps.Store.ListAccounts(ctx)
	if err != nil {
		return "", fmt.Errorf("list accounts: %w", err)
	}
	return s.start(ctx, accounts, trigger)
}

func (s *Service) start(ctx context.Context, accounts []claim.Account, trigger claim.Trigger) (string, error) {
	eligible := make([]claim.Account, 0, len(accounts))
	seen := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		if !a.Eligible() || seen[a.AccountID] {
			continue
		}
		seen[a.AccountID] = true
		eligible = append(eligible, a)
	}

	s.mu.Lock()
	runs, stopCh := s.runs, s.stopCh
	if runs != nil {
		s.accepted.Add(1)
	}
	s.mu.Unlock()
	if runs == nil {
		return "", ErrStopped
	}
	defer s.accepted.Done()

	job := s.reg.Create(len(eligible), trigger)
	s.mu.Lock()
	s.waiters[job.ProcessID] = make(chan struct{})
	s.mu.Unlock()
	log := s.log.With(logx.String("process_id", job.ProcessID))
	log.Info("claim job started",
		logx.String("trigger", string(trigger)),
		logx.Int("eligible", len(eligible)),
		logx.Int("requested", len(accounts)),
	)
	s.publish("claim.job.started", jobEvent(job))

	if len(eligible) == 0 {
		s.finish(ctx, job.ProcessID)
		return job.ProcessID, nil
	}

	s.batches.Add(1)
	select {
	case runs <- runRequest{job: job, accounts: eligible}:
		return job.ProcessID, nil
	case <-stopCh:
	case <-ctx.Done():
	}
	s.batches.Done()

	// the job is registered; close it out so it never stays running
	log.Warn("claim job not handed off, failing every account")
	for _, a := range eligible {
		s.record(job.ProcessID, claim.Result{
			AccountID:   a.AccountID,
			OwnerID:     a.OwnerID,
			Outcome:     claim.OutcomeFailed,
			Error:       ErrStopped.Error(),
			CompletedAt: s.now(),
		})
	}
	s.finish(context.WithoutCancel(ctx), job.ProcessID)
	if ctx.Err() != nil {
		return job.ProcessID, ctx.Err()
	}
	return job.ProcessID, ErrStopped
}

func (s *Service) loop(ctx context.Context, runs <-chan runRequest, stopCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case req := <-runs:
			go s.runBatch(ctx, req)
		}
	}
}

func (s *Service) runBatch(ctx context.Context, req runRequest) {
	defer s.batches.Done()
	id := req.job.ProcessID

	var wg sync.WaitGroup
	for _, a := range req.accounts {
		wg.Add(1)
		s.submit(ctx, id, a, wg.Done)
	}
	wg.Wait()
	s.finish(context.WithoutCancel(ctx), id)
}

type attempt struct {
	res claim.ExecResult
	err error
}

// submit schedules one account; done is called once its result is recorded.
func (s *Service) submit(ctx context.Context, processID string, a claim.Account, done func()) {
	out := make(chan attempt, 1)
	task := engine.Task{
		Name:    "claim",
		Key:     a.AccountID,
		Timeout: s.cfg.ClaimTimeout,
		Run: func(c context.Context) error {
			res, err := s.deps.Executor.Claim(c, a.AccountID)
			out <- attempt{res: res, err: err}
			return err
		},
		Done: func(err error) {
			defer done()
			var at attempt
			// out is empty on timeout, stop or panic
			select {
			case at = <-out:
			default:
				at.err = err
			}
			s.complete(ctx, processID, a, at)
		},
	}

	err := s.deps.Engine.Submit(ctx, task)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrOverlapSkip):
		s.record(processID, claim.Result{
			AccountID:   a.AccountID,
			OwnerID:     a.OwnerID,
			Outcome:     claim.OutcomeSkipped,
			Error:       "claim already in progress",
			CompletedAt: s.now(),
		})
		done()
	default:
		s.complete(ctx, processID, a, attempt{err: err})
		done()
	}
}

func (s *Service) complete(ctx context.Context, processID string, a claim.Account, at attempt) {
	res := claim.Result{
		AccountID:   a.AccountID,
		OwnerID:     a.OwnerID,
		CompletedAt: s.now(),
	}
	switch {
	case at.err != nil:
		res.Outcome = claim.OutcomeFailed
		res.Error = at.err.Error()
		res.Unavailable = errors.Is(at.err, claim.ErrExecutorUnavailable)
	case !at.res.Success:
		res.Outcome = claim.OutcomeFailed
		res.Error = strings.TrimSpace(at.res.Error)
		if res.Error == "" {
			res.Error = "claim unsuccessful"
		}
		res.ScreenshotPath = at.res.ScreenshotPath
	default:
		res.Outcome = claim.OutcomeSuccess
		res.Items = append([]string(nil), at.res.Items...)
		res.ScreenshotPath = at.res.ScreenshotPath
	}

	log := s.log.With(logx.String("process_id", processID), logx.String("account", a.AccountID))
	if res.Success() {
		if err := s.deps.Store.RecordClaim(ctx, a.AccountID, res.CompletedAt); err != nil {
			log.Warn("claim stats not updated", logx.Err(err))
		}
	} else {
		log.Info("claim failed", logx.String("error", res.Error), logx.Bool("unavailable", res.Unavailable))
	}

	s.record(processID, res)

	if s.deps.Delivery != nil {
		if err := s.deps.Delivery.Deliver(ctx, delivery.Request{Account: a, Result: res}); err != nil {
			log.Warn("delivery not queued", logx.Err(err))
		}
	}
}

func (s *Service) record(processID string, res claim.Result) {
	if _, err := s.reg.Record(processID, res); err != nil {
		s.log.Error("result not recorded",
			logx.String("process_id", processID),
			logx.String("account", res.AccountID),
			logx.Err(err),
		)
		return
	}
	s.publish("claim.result", ResultEvent{ProcessID: processID, Result: res.Clone()})
}

// finish closes a job whose every account is terminal.
func (s *Service) finish(ctx context.Context, processID string) {
	job, ok := s.reg.Get(processID)
	if !ok {
		return
	}
	status, errMsg := terminalStatus(job)
	job, err := s.reg.Finish(processID, status, errMsg)
	if err != nil {
		s.log.Error("job not finished", logx.String("process_id", processID), logx.Err(err))
		return
	}

	s.log.Info("claim job finished",
		logx.String("process_id", processID),
		logx.String("status", string(job.Status)),
		logx.Int("total", job.TotalUsers),
		logx.Int("completed", job.CompletedUsers),
		logx.Int("failed", job.FailedUsers),
	)
	s.publish("claim.job.finished", jobEvent(job))
	s.mu.Lock()
	if ch, ok := s.waiters[processID]; ok {
		close(ch)
		delete(s.waiters, processID)
	}
	s.mu.Unlock()

	saveCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := s.deps.Store.SaveRun(saveCtx, storage.RunFromJob(job)); err != nil {
		s.log.Warn("claim run not saved", logx.String("process_id", processID), logx.Err(err))
	}
	cancel()

	if job.TotalUsers == 0 {
		return
	}
	s.mu.Lock()
	rep := s.deps.Reporter
	s.mu.Unlock()
	if rep != nil {
		rep.Report(ctx, job)
	}
}

// terminalStatus: failed only when every attempted account hit an
// unavailable executor. Skips are not attempts.
func terminalStatus(j claim.Job) (claim.Status, string) {
	attempted, unavailable := 0, 0
	for _, r := range j.Results {
		if r.Outcome == claim.OutcomeSkipped {
			continue
		}
		attempted++
		if r.Outcome == claim.OutcomeFailed && r.Unavailable {
			unavailable++
		}
	}
	if attempted > 0 && unavailable == attempted {
		return claim.StatusFailed, fmt.Sprintf("%s: all %d attempted accounts failed", claim.ErrExecutorUnavailable, attempted)
	}
	return claim.StatusCompleted, ""
}

// GetJobStatus returns a copy of the job.
func (s *Service) GetJobStatus(processID string) (claim.Job, bool) {
	return s.reg.Get(processID)
}

// Wait blocks until the job is terminal or ctx is done.
func (s *Service) Wait(ctx context.Context, processID string) (claim.Job, error) {
	s.mu.Lock()
	ch := s.waiters[processID]
	s.mu.Unlock()
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return claim.Job{}, ctx.Err()
		}
	}
	j, ok := s.reg.Get(processID)
	if !ok {
		return claim.Job{}, registry.ErrNotFound
	}
	return j, nil
}

// ListActiveJobs returns the running jobs.
func (s *Service) ListActiveJobs() []claim.Job {
	return s.reg.ListActive()
}

// ListJobs returns every job the registry still holds.
func (s *Service) ListJobs() []claim.Job {
	return s.reg.List()
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
	}
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
