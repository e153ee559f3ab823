package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultScheduleName = "claim-all"
	// DefaultScheduleCron fires four times a day at 00:00, 06:00, 12:00 and 18:00.
	DefaultScheduleCron = "0 0,6,12,18 * * *"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ApplyDefaults fills zero values in place.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Messenger.Platform) == "" {
		c.Messenger.Platform = "discord"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Claims.Workers <= 0 {
		c.Claims.Workers = 4
	}
	if c.Claims.QueueSize <= 0 {
		c.Claims.QueueSize = 256
	}
	if c.Claims.Timeout == "" {
		c.Claims.Timeout = "90s"
	}
	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = "./data"
	}
	if c.Claims.ScreenshotDir == "" {
		c.Claims.ScreenshotDir = c.Runtime.DataDir + "/screenshots"
	}
	if c.Claims.OutputDir == "" {
		c.Claims.OutputDir = c.Runtime.DataDir + "/confirmations"
	}
	if c.Delivery.Workers <= 0 {
		c.Delivery.Workers = 2
	}
	if c.Delivery.QueueSize <= 0 {
		c.Delivery.QueueSize = 256
	}
	if c.Delivery.RatePerSec <= 0 {
		c.Delivery.RatePerSec = 4
	}
	if c.Delivery.Retention == "" {
		c.Delivery.Retention = "24h"
	}
	if c.Delivery.SweepInterval == "" {
		c.Delivery.SweepInterval = "1h"
	}
	if c.Delivery.Timezone == "" {
		c.Delivery.Timezone = "UTC"
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "UTC"
	}
	if c.Scheduler.Enabled && len(c.Scheduler.Jobs) == 0 {
		c.Scheduler.Jobs = []ScheduleConfig{{Name: DefaultScheduleName, Cron: DefaultScheduleCron}}
	}
	if c.Registry.HistorySize <= 0 {
		c.Registry.HistorySize = 100
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		c.Storage.Path = c.Runtime.DataDir + "/claimbot.db"
	}
	if c.API.Addr == "" {
		c.API.Addr = "127.0.0.1:8089"
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch c.Messenger.Platform {
	case "discord", "telegram", "memory":
	default:
		add(fmt.Errorf("messenger.platform: unknown %q", c.Messenger.Platform))
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		add(fmt.Errorf("storage.driver: unknown %q", c.Storage.Driver))
	}
	if c.Storage.Driver == "postgres" && strings.TrimSpace(c.Storage.DSN) == "" {
		add(errors.New("storage.dsn: required for postgres"))
	}

	durations := map[string]string{
		"messenger.timeout":        c.Messenger.Timeout,
		"claims.timeout":           c.Claims.Timeout,
		"browser.settle_delay":     c.Browser.SettleDelay,
		"delivery.ready_timeout":   c.Delivery.ReadyTimeout,
		"delivery.send_timeout":    c.Delivery.SendTimeout,
		"delivery.enqueue_timeout": c.Delivery.EnqueueTimeout,
		"delivery.retention":       c.Delivery.Retention,
		"delivery.sweep_interval":  c.Delivery.SweepInterval,
		"storage.busy_timeout":     c.Storage.BusyTimeout,
		"api.read_timeout":         c.API.ReadTimeout,
		"api.write_timeout":        c.API.WriteTimeout,
	}
	for path, raw := range durations {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	for _, tz := range []struct{ path, name string }{
		{"scheduler.timezone", c.Scheduler.Timezone},
		{"delivery.timezone", c.Delivery.Timezone},
	} {
		if tz.name == "" {
			continue
		}
		if _, err := time.LoadLocation(tz.name); err != nil {
			add(fmt.Errorf("%s: %w", tz.path, err))
		}
	}

	seen := map[string]bool{}
	for i, j := range c.Scheduler.Jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			add(fmt.Errorf("scheduler.jobs[%d].name: required", i))
		} else if seen[name] {
			add(fmt.Errorf("scheduler.jobs[%d].name: duplicate %q", i, name))
		}
		seen[name] = true
		if _, err := cronParser.Parse(strings.TrimSpace(j.Cron)); err != nil {
			add(fmt.Errorf("scheduler.jobs[%d].cron: %w", i, err))
		}
	}

	if a := c.Archive; a != nil && a.Enabled && strings.TrimSpace(a.Bucket) == "" {
		add(errors.New("archive.bucket: required when enabled"))
	}
	return errors.Join(errs...)
}
