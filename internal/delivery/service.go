package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"claimbot/internal/compose"
	"claimbot/internal/eventbus"
	rtsup "claimbot/internal/runtime/supervisor"
	"claimbot/internal/transport"
	"claimbot/pkg/logx"
)

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	cfg      Config
	limiter  *rate.Limiter
	msgr     transport.Messenger
	composer Composer
	archiver Archiver
	log      logx.Logger
	bus      eventbus.Bus

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan Request
	sup       *rtsup.Supervisor
	sweepStop chan struct{}
	stopDone  chan struct{}

	delivered   atomic.Uint64
	undelivered atomic.Uint64
	dropped     atomic.Uint64
	swept       atomic.Uint64

	now func() time.Time
}

func New(cfg Config, msgr transport.Messenger, composer Composer, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		msgr:     msgr,
		composer: composer,
		log:      log.With(logx.String("comp", "delivery")),
		bus:      bus,
		now:      time.Now,
	}
	s.applyLocked(cfg)
	return s
}

// SetArchiver enables archiving of delivered images. Nil disables it.
func (s *Service) SetArchiver(a Archiver) {
	s.mu.Lock()
	s.archiver = a
	s.mu.Unlock()
}

// Apply swaps the runtime settings. Worker and queue sizes take effect on
// the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 4
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 10 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers and the retention sweep. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.queue = make(chan Request, cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sweepStop = make(chan struct{})
	q, sup, sweepStop := s.queue, s.sup, s.sweepStop
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			if s.stopping() {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("delivery worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	if cfg.SweepInterval > 0 && len(cfg.SweepDirs) > 0 {
		sup.Go0("sweep", func(c context.Context) { s.sweepLoop(c, sweepStop) })
	}
	s.log.Info("delivery started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

func (s *Service) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopDone != nil
}

// Stop stops intake and drains queued requests until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup, sweepStop := s.queue, s.sup, s.sweepStop
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		close(sweepStop)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.sup = nil
		s.sweepStop = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("delivery stop timed out, cancelling in-flight sends", logx.Err(ctx.Err()))
		sup.Cancel()
	}
}

// Deliver queues req. When the queue is full it waits up to EnqueueTimeout
// for a slot before dropping the request.
func (s *Service) Deliver(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q, wait := s.queue, s.cfg.EnqueueTimeout
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- req:
		return nil
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	var err error
	select {
	case q <- req:
		return nil
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
		err = ErrQueueFull
	}
	s.dropped.Add(1)
	s.log.Warn("delivery dropped",
		logx.String("account", req.Result.AccountID),
		logx.Int("queue_cap", cap(q)),
		logx.Duration("waited", wait),
		logx.Err(err),
	)
	return err
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	q := s.queue
	running := q != nil && s.stopDone == nil
	s.mu.Unlock()
	snap := Snapshot{
		Running:     running,
		Delivered:   s.delivered.Load(),
		Undelivered: s.undelivered.Load(),
		Dropped:     s.dropped.Load(),
		Swept:       s.swept.Load(),
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	return snap
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Request) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-q:
			if !ok {
				return
			}
			s.handle(ctx, req)
		}
	}
}

// handle processes one request end to end. It never returns an error:
// every failure is logged against its destination.
func (s *Service) handle(ctx context.Context, req Request) Report {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	arch := s.archiver
	s.mu.Unlock()

	res := req.Result
	log := s.log.With(logx.String("account", res.AccountID))
	rep := Report{AccountID: res.AccountID}

	if s.composer != nil {
		rep.ImagePath = s.composer.Compose(compose.Input{
			AccountID:      res.AccountID,
			Username:       req.Account.Username,
			Items:          res.Items,
			ScreenshotPath: res.ScreenshotPath,
			Failed:         !res.Success(),
		})
	}

	msg := transport.Message{Text: Text(req, s.now(), cfg.Location)}
	if rep.ImagePath != "" {
		msg.Attachment = &transport.Attachment{Name: filepath.Base(rep.ImagePath), Path: rep.ImagePath}
	}

	readyCtx, cancel := context.WithTimeout(ctx, cfg.ReadyTimeout)
	err := transport.WaitReady(readyCtx, s.msgr)
	cancel()
	if err != nil {
		log.Warn("messenger not ready, delivery skipped", logx.Err(err))
		rep.ChannelErr, rep.DirectErr = err.Error(), err.Error()
		return s.finish(ctx, rep, arch, log)
	}

	send := func(dest string, fn func(context.Context) error) error {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
		err := fn(sctx)
		if err != nil {
			log.Warn("delivery failed", logx.String("dest", dest), logx.Err(err))
		}
		return err
	}

	var g errgroup.Group
	if cfg.Channel.IsZero() {
		log.Info("results channel not configured, channel post skipped")
	} else {
		g.Go(func() error {
			err := send("channel", func(c context.Context) error {
				_, err := s.msgr.Send(c, cfg.Channel, msg)
				return err
			})
			if err != nil {
				rep.ChannelErr = err.Error()
			} else {
				rep.ChannelSent = true
			}
			return nil
		})
	}
	if req.Account.Privileged && req.Account.OwnerID != "" {
		g.Go(func() error {
			err := send("dm", func(c context.Context) error {
				_, err := s.msgr.SendDirect(c, req.Account.OwnerID, msg)
				return err
			})
			if err != nil {
				rep.DirectErr = err.Error()
			} else {
				rep.DirectSent = true
			}
			return nil
		})
	}
	_ = g.Wait()

	return s.finish(ctx, rep, arch, log)
}

func (s *Service) finish(ctx context.Context, rep Report, arch Archiver, log logx.Logger) Report {
	ok := rep.ChannelSent || rep.DirectSent
	if ok {
		s.delivered.Add(1)
	} else {
		s.undelivered.Add(1)
	}

	if rep.ImagePath != "" && ok {
		if arch != nil {
			key, err := arch.Upload(ctx, rep.ImagePath)
			if err != nil {
				log.Warn("archive failed", logx.String("file", rep.ImagePath), logx.Err(err))
			}
			rep.Archived = key
		}
		if err := os.Remove(rep.ImagePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("confirmation image not removed", logx.String("file", rep.ImagePath), logx.Err(err))
		} else {
			rep.Deleted = true
		}
	} else if rep.ImagePath != "" {
		log.Info("confirmation image retained for sweep", logx.String("file", rep.ImagePath))
	}

	log.Debug("delivery done",
		logx.Bool("channel", rep.ChannelSent),
		logx.Bool("dm", rep.DirectSent),
		logx.Bool("deleted", rep.Deleted),
	)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "delivery.done", Time: s.now(), Data: rep})
	}
	return rep
}

func (s *Service) sweepLoop(ctx context.Context, stop <-chan struct{}) {
	s.mu.Lock()
	every := s.cfg.SweepInterval
	s.mu.Unlock()

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		s.mu.Lock()
		dirs := append([]string(nil), s.cfg.SweepDirs...)
		maxAge := s.cfg.Retention
		s.mu.Unlock()
		for _, dir := range dirs {
			n, err := SweepAt(dir, maxAge, s.now())
			s.swept.Add(uint64(n))
			if err != nil {
				s.log.Warn("retention sweep failed", logx.String("dir", dir), logx.Err(err))
			} else if n > 0 {
				s.log.Info("retention sweep", logx.String("dir", dir), logx.Int("removed", n))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-t.C:
		}
	}
}
