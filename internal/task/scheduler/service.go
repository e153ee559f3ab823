package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"claimbot/internal/eventbus"
	"claimbot/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	parser cron.Parser

	c    *cron.Cron
	loc  *time.Location
	ctx  context.Context
	defs map[string]*scheduleDef

	runs sync.WaitGroup
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "scheduler")),
		bus: bus,
		// 5-field and 6-field (seconds) specs
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*scheduleDef{},
	}
}

// Apply hot-swaps the config. A timezone change re-registers every schedule;
// toggling Enabled starts or stops triggering.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	started := s.c != nil
	ctx := s.ctx
	s.mu.Unlock()

	switch {
	case started && !cfg.Enabled:
		s.Stop(context.Background())
	case !started && cfg.Enabled && ctx != nil:
		s.Start(ctx)
	case started && strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone):
		s.mu.Lock()
		s.restartLocked()
		s.mu.Unlock()
	}
}

// Start begins triggering when enabled. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return
	}
	s.restartLocked()
}

// Stop stops triggering and waits for running firings until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) restartLocked() {
	if s.c != nil {
		// running firings finish on their own; runs tracks them
		s.c.Stop()
	}
	s.loc = s.locationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) locationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" || strings.EqualFold(tz, "UTC") {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

// Set registers or replaces the schedule called name.
func (s *Service) Set(name, spec string, job Job) error {
	name, spec = strings.TrimSpace(name), strings.TrimSpace(spec)
	if name == "" {
		return errors.New("schedule name required")
	}
	if job == nil {
		return errors.New("schedule job required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.defs[name]; ok {
		if old.spec == spec {
			old.job = job
			return nil
		}
		s.unregisterLocked(old)
	}
	d := &scheduleDef{name: name, spec: spec, job: job}
	s.defs[name] = d
	if s.c == nil {
		return nil
	}
	if err := s.registerLocked(d); err != nil {
		return err
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec))
	return nil
}

// Remove drops the schedule called name.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	s.unregisterLocked(d)
	delete(s.defs, name)
	return true
}

// Replace makes the registered set equal to schedules, all calling job.
func (s *Service) Replace(schedules []Schedule, job Job) error {
	keep := make(map[string]bool, len(schedules))
	var errs []error
	for _, sc := range schedules {
		keep[strings.TrimSpace(sc.Name)] = true
		if err := s.Set(sc.Name, sc.Spec, job); err != nil {
			errs = append(errs, err)
		}
	}
	s.mu.Lock()
	var stale []string
	for name := range s.defs {
		if !keep[name] {
			stale = append(stale, name)
		}
	}
	s.mu.Unlock()
	for _, name := range stale {
		s.Remove(name)
		s.log.Info("schedule removed", logx.String("name", name))
	}
	return errors.Join(errs...)
}

// Fire runs the named schedule now, subject to the same overlap rule.
func (s *Service) Fire(name string) error {
	s.mu.Lock()
	d, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	return s.fire(d)
}

func (s *Service) registerLocked(d *scheduleDef) error {
	id, err := s.c.AddFunc(d.spec, func() { _ = s.fire(d) })
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) unregisterLocked(d *scheduleDef) {
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	d.entryID = 0
}

func (s *Service) fire(d *scheduleDef) error {
	if !d.running.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		s.log.Info("schedule skipped, previous run still active", logx.String("name", d.name))
		s.publish("schedule.skipped", Event{Name: d.name})
		return ErrOverlapSkip
	}
	s.runs.Add(1)
	defer s.runs.Done()
	defer d.running.Store(false)

	s.mu.Lock()
	ctx := s.ctx
	job := d.job
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	d.runs.Add(1)
	start := time.Now()
	s.log.Info("schedule fired", logx.String("name", d.name))
	s.publish("schedule.fired", Event{Name: d.name})

	err := runSafe(ctx, job)
	if err != nil {
		d.lastErr.Store(err.Error())
		s.log.Warn("schedule run failed", logx.String("name", d.name), logx.Err(err), logx.Duration("dur", time.Since(start)))
		s.publish("schedule.failed", Event{Name: d.name, Error: err.Error()})
		return err
	}
	d.lastErr.Store("")
	s.log.Debug("schedule run finished", logx.String("name", d.name), logx.Duration("dur", time.Since(start)))
	return nil
}

func runSafe(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return job(ctx)
}

func (s *Service) publish(typ string, ev Event) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Started:  s.c != nil,
		Timezone: s.locationLocked().String(),
	}
	for _, d := range s.defs {
		info := ScheduleInfo{
			Name:    d.name,
			Spec:    d.spec,
			Running: d.running.Load(),
			Runs:    d.runs.Load(),
			Skipped: d.skipped.Load(),
		}
		if v, ok := d.lastErr.Load().(string); ok {
			info.LastErr = v
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].Name < snap.Schedules[j].Name })
	return snap
}

// NextRuns previews the next n firing times of spec in the scheduler timezone.
func (s *Service) NextRuns(spec string, from time.Time, n int) ([]time.Time, error) {
	sched, err := s.parser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	loc := s.locationLocked()
	s.mu.Unlock()
	t := from.In(loc)
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}
