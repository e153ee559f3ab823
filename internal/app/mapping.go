package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"claimbot/internal/api"
	"claimbot/internal/archive"
	"claimbot/internal/config"
	"claimbot/internal/delivery"
	"claimbot/internal/executor"
	"claimbot/internal/orchestrator"
	"claimbot/internal/storage"
	"claimbot/internal/summary"
	"claimbot/internal/task/engine"
	"claimbot/internal/task/scheduler"
	"claimbot/internal/transport"
	"claimbot/internal/transport/discord"
	"claimbot/internal/transport/telegram"
	"claimbot/pkg/logx"
)

const (
	defaultClaimTimeout  = 90 * time.Second
	defaultReadyTimeout  = 2 * time.Minute
	defaultSendTimeout   = 30 * time.Second
	defaultEnqueueWait   = 10 * time.Second
	defaultRetention     = 24 * time.Hour
	defaultSweepInterval = time.Hour
)

func newMessenger(cfg *config.Config, log logx.Logger) (transport.Messenger, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Messenger.Platform)) {
	case "memory":
		log.Warn("messenger platform is memory; nothing leaves this process")
		return transport.NewMemory(), nil
	case "telegram":
		return telegram.New(telegram.Config{
			Token:   cfg.Messenger.Token,
			Timeout: config.MustDuration(cfg.Messenger.Timeout, 30*time.Second),
		}, log)
	case "discord", "":
		return discord.New(discord.Config{Token: cfg.Messenger.Token}, log)
	default:
		return nil, fmt.Errorf("unknown messenger.platform: %s", cfg.Messenger.Platform)
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			ChannelID:  cfg.Logging.Chat.ChannelID,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	timeout, err := config.ParseDurationOrDefault("claims.timeout", cfg.Claims.Timeout, defaultClaimTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        cfg.Claims.Workers,
		QueueSize:      cfg.Claims.QueueSize,
		DefaultTimeout: timeout,
		HistorySize:    200,
	}, nil
}

func mapOrchestratorConfig(cfg *config.Config) orchestrator.Config {
	return orchestrator.Config{
		ClaimTimeout: config.MustDuration(cfg.Claims.Timeout, defaultClaimTimeout),
		RunQueue:     16,
	}
}

func mapExecutorConfig(cfg *config.Config) (executor.Config, error) {
	b := cfg.Browser
	settle, err := config.ParseDurationField("browser.settle_delay", b.SettleDelay)
	if err != nil {
		return executor.Config{}, err
	}
	headless := true
	if b.Headless != nil {
		headless = *b.Headless
	}
	ec := executor.Config{
		ExecPath:       strings.TrimSpace(b.ExecPath),
		Headless:       headless,
		URLTemplate:    strings.TrimSpace(b.URLTemplate),
		WaitSelector:   b.WaitSelector,
		ClaimSelectors: b.ClaimSelectors,
		ItemsSelector:  b.ItemsSelector,
		SettleDelay:    settle,
		ScreenshotDir:  cfg.Claims.ScreenshotDir,
	}
	return ec, ec.Validate()
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	d := cfg.Delivery
	loc, err := time.LoadLocation(strings.TrimSpace(d.Timezone))
	if err != nil {
		return delivery.Config{}, fmt.Errorf("delivery.timezone: %w", err)
	}
	return delivery.Config{
		Workers:        d.Workers,
		QueueSize:      d.QueueSize,
		RatePerSec:     d.RatePerSec,
		ReadyTimeout:   config.MustDuration(d.ReadyTimeout, defaultReadyTimeout),
		SendTimeout:    config.MustDuration(d.SendTimeout, defaultSendTimeout),
		EnqueueTimeout: config.MustDuration(d.EnqueueTimeout, defaultEnqueueWait),
		Channel:        resultsTarget(cfg),
		Location:       loc,
		Retention:      config.MustDuration(d.Retention, defaultRetention),
		SweepInterval:  config.MustDuration(d.SweepInterval, defaultSweepInterval),
		SweepDirs:      []string{cfg.Claims.ScreenshotDir, cfg.Claims.OutputDir},
	}, nil
}

func resultsTarget(cfg *config.Config) transport.Target {
	return transport.Target{ChannelID: strings.TrimSpace(cfg.Channels.Results), ThreadID: cfg.Channels.ResultsThreadID}
}

func mapSummaryConfig(cfg *config.Config) summary.Config {
	return summary.Config{
		Ops:    transport.Target{ChannelID: strings.TrimSpace(cfg.Channels.Ops), ThreadID: cfg.Channels.OpsThreadID},
		Admins: append([]string(nil), cfg.Admins...),

		ReadyTimeout: config.MustDuration(cfg.Delivery.ReadyTimeout, defaultReadyTimeout),
		SendTimeout:  config.MustDuration(cfg.Delivery.SendTimeout, defaultSendTimeout),
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

func mapSchedules(cfg *config.Config) []scheduler.Schedule {
	out := make([]scheduler.Schedule, 0, len(cfg.Scheduler.Jobs))
	for _, j := range cfg.Scheduler.Jobs {
		out = append(out, scheduler.Schedule{Name: j.Name, Spec: j.Cron})
	}
	return out
}

func mapAPIConfig(cfg *config.Config) api.Config {
	return api.Config{
		Addr:         cfg.API.Addr,
		Token:        cfg.API.Token,
		ReadTimeout:  config.MustDuration(cfg.API.ReadTimeout, 10*time.Second),
		WriteTimeout: config.MustDuration(cfg.API.WriteTimeout, 10*time.Second),
		CORSOrigins:  cfg.API.CORSOrigins,
		Pprof:        cfg.API.Pprof,
	}
}

// newArchiver returns nil when archiving is off.
func newArchiver(ctx context.Context, cfg *config.Config, log logx.Logger) (*archive.S3, error) {
	a := cfg.Archive
	if a == nil || !a.Enabled {
		return nil, nil
	}
	return archive.New(ctx, archive.Config{
		Bucket:    a.Bucket,
		Region:    a.Region,
		Endpoint:  a.Endpoint,
		Prefix:    a.Prefix,
		AccessKey: a.AccessKey,
		SecretKey: a.SecretKey,
	}, log)
}

// validate checks what Config.Validate cannot: values only meaningful to the
// components built from them.
func validate(cfg *config.Config) error {
	if _, err := mapExecutorConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDeliveryConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	_, err := mapEngineConfig(cfg)
	return err
}

// OpenStore opens the configured account store for one-shot commands.
func OpenStore(ctx context.Context, cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(ctx, sc, log)
}
