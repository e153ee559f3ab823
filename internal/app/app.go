package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"claimbot/internal/api"
	"claimbot/internal/claim"
	"claimbot/internal/compose"
	"claimbot/internal/config"
	"claimbot/internal/delivery"
	"claimbot/internal/eventbus"
	"claimbot/internal/executor"
	"claimbot/internal/orchestrator"
	"claimbot/internal/registry"
	rtsup "claimbot/internal/runtime/supervisor"
	"claimbot/internal/storage"
	"claimbot/internal/summary"
	"claimbot/internal/task/engine"
	"claimbot/internal/task/scheduler"
	"claimbot/internal/transport"
	"claimbot/pkg/logx"
	"claimbot/pkg/systemd"
)

var ErrAlreadyRunning = errors.New("another claimbot instance holds the data dir lock")

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	lock *flock.Flock

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	msgr     transport.Messenger
	exec     *executor.Chrome
	engine   *engine.Service
	deliv    *delivery.Service
	reporter *summary.Reporter
	orch     *orchestrator.Service
	sched    *scheduler.Service
	api      *api.Server

	delivCfg delivery.Config

	// schedCancel ends in-progress scheduled waits when shutdown begins.
	schedCancel context.CancelFunc
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	lock := flock.New(filepath.Join(cfg.Runtime.DataDir, "claimbot.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("data dir lock: %w", err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}
	a := &App{cfgm: cfgm, lock: lock}
	if err := a.build(ctx, cfg); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		if a.logs != nil {
			_ = a.logs.Close()
		}
		_ = lock.Unlock()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config) error {
	bootLog := logx.NewConsole(cfg.Logging.Level)
	msgr, err := newMessenger(cfg, bootLog.With(logx.String("comp", "messenger")))
	if err != nil {
		return err
	}
	a.msgr = msgr

	a.logs, a.log = logx.New(mapLogConfig(cfg), msgr)
	log := a.log
	a.log = log.With(logx.String("comp", "app"))
	a.bus = eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}

	ec, err := mapExecutorConfig(cfg)
	if err != nil {
		return err
	}
	a.exec, err = executor.New(ec, log)
	if err != nil {
		return err
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), a.bus)

	dc, err := mapDeliveryConfig(cfg)
	if err != nil {
		return err
	}
	a.delivCfg = dc
	composer := compose.New(cfg.Claims.OutputDir, log.With(logx.String("comp", "compose")))
	a.deliv = delivery.New(dc, msgr, composer, log, a.bus)
	arch, err := newArchiver(ctx, cfg, log)
	if err != nil {
		return err
	}
	if arch != nil {
		a.deliv.SetArchiver(arch)
	}

	a.reporter = summary.NewReporter(mapSummaryConfig(cfg), msgr, log)
	a.orch = orchestrator.New(mapOrchestratorConfig(cfg), orchestrator.Deps{
		Store:    a.store,
		Executor: a.exec,
		Engine:   a.engine,
		Delivery: a.deliv,
		Reporter: a.reporter,
	}, registry.New(cfg.Registry.HistorySize), log, a.bus)

	a.sched = scheduler.New(mapSchedulerConfig(cfg), log, a.bus)
	if err := a.sched.Replace(mapSchedules(cfg), a.scheduledClaim); err != nil {
		return err
	}

	if cfg.API.Enabled {
		a.api = api.New(mapAPIConfig(cfg), a.orch, log)
	}
	a.log.Info("app built",
		logx.String("messenger", cfg.Messenger.Platform),
		logx.String("storage", sc.Driver),
		logx.Bool("archive", arch != nil),
		logx.Bool("api", a.api != nil),
	)
	return nil
}

// Orchestrator exposes the claim service for one-shot commands.
func (a *App) Orchestrator() *orchestrator.Service { return a.orch }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	// Gateways may take a while; delivery waits on Ready instead of Start.
	a.sup.GoRestart("messenger.start", func(c context.Context) error {
		return a.msgr.Start(c)
	}, rtsup.WithRestartBackoff(time.Second, time.Minute))

	if err := a.exec.Start(run); err != nil {
		// the browser is started lazily on the next claim
		a.log.Warn("browser not started", logx.Err(err))
	}
	a.engine.Start(run)
	a.deliv.Start(run)
	a.orch.Start(run)

	schedCtx, cancel := context.WithCancel(run)
	a.schedCancel = cancel
	a.sched.Start(schedCtx)

	if a.api != nil {
		if err := a.api.Start(run); err != nil {
			return fmt.Errorf("api: %w", err)
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started")
	return nil
}

// scheduledClaim holds its schedule until the run is terminal, so a cron tick
// that lands on a running job is skipped by the scheduler.
func (a *App) scheduledClaim(ctx context.Context) error {
	id, err := a.orch.StartClaimAll(ctx, claim.TriggerSchedule)
	if err != nil {
		return err
	}
	job, err := a.orch.Wait(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == claim.StatusFailed {
		return fmt.Errorf("claim job %s failed: %s", id, job.Error)
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		// built but never started
		err := a.store.Close()
		_ = a.lock.Unlock()
		_ = a.logs.Close()
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		var cancel context.CancelFunc
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				limit = max(min(limit, time.Until(dl)), 0)
			}
			if limit > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, limit)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Intake first, then the pipeline in dependency order. The run context is
	// canceled last so in-flight claims and deliveries can finish.
	step("api", 2*time.Second, func(c context.Context) error {
		if a.api != nil {
			return a.api.Stop(c)
		}
		return nil
	})
	step("scheduler", 2*time.Second, func(c context.Context) error {
		if a.schedCancel != nil {
			a.schedCancel()
		}
		a.sched.Stop(c)
		return nil
	})
	step("orchestrator", 30*time.Second, func(c context.Context) error { a.orch.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("delivery", 15*time.Second, func(c context.Context) error { a.deliv.Stop(c); return nil })
	step("executor", 2*time.Second, func(c context.Context) error { a.exec.Close(); return nil })
	step("messenger", 2*time.Second, func(c context.Context) error { return a.msgr.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	if err := a.lock.Unlock(); err != nil {
		a.log.Warn("data dir unlock failed", logx.Err(err))
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
