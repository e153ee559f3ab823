package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"claimbot/internal/config"
)

func writeConfig(t *testing.T, dataDir string, extra string) string {
	t.Helper()
	body := `{
  "messenger": {"platform": "memory"},
  "channels": {"results": "111", "results_thread_id": 7, "ops": "222"},
  "admins": ["9"],
  "logging": {"level": "error"},
  "browser": {"url_template": "https://rewards.example/claim/{account}"},
  "runtime": {"data_dir": "` + filepath.ToSlash(dataDir) + `"}` + extra + `
}`
	p := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestNewHoldsDataDirLock(t *testing.T) {
	dataDir := t.TempDir()
	path := writeConfig(t, dataDir, "")
	ctx := context.Background()

	a, err := New(ctx, path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := New(ctx, path); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second instance: expected ErrAlreadyRunning, got %v", err)
	}
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("stop unstarted: %v", err)
	}

	b, err := New(ctx, path)
	if err != nil {
		t.Fatalf("new after release: %v", err)
	}
	_ = b.Stop(ctx, StopAppStop)

	if _, err := os.Stat(filepath.Join(dataDir, "claimbot.db")); err != nil {
		t.Fatalf("sqlite file not created: %v", err)
	}
}

func TestNewRejectsMissingAccountPlaceholder(t *testing.T) {
	cfg := &config.Config{Browser: config.BrowserConfig{URLTemplate: "https://rewards.example/claim"}}
	cfg.ApplyDefaults()
	if err := validate(cfg); err == nil || !strings.Contains(err.Error(), "{account}") {
		t.Fatalf("expected url_template error, got %v", err)
	}
}

func TestMapDeliveryConfig(t *testing.T) {
	cfg := &config.Config{
		Channels: config.ChannelsConfig{Results: " 111 ", ResultsThreadID: 7},
		Delivery: config.DeliveryConfig{Timezone: "Asia/Jakarta", SendTimeout: "5s"},
	}
	cfg.ApplyDefaults()

	dc, err := mapDeliveryConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if dc.Channel.ChannelID != "111" || dc.Channel.ThreadID != 7 {
		t.Fatalf("channel: %+v", dc.Channel)
	}
	if dc.Location.String() != "Asia/Jakarta" {
		t.Fatalf("location: %v", dc.Location)
	}
	if dc.SendTimeout != 5*time.Second || dc.ReadyTimeout != defaultReadyTimeout || dc.Retention != 24*time.Hour {
		t.Fatalf("durations: %+v", dc)
	}
	if len(dc.SweepDirs) != 2 || dc.SweepDirs[0] != cfg.Claims.ScreenshotDir || dc.SweepDirs[1] != cfg.Claims.OutputDir {
		t.Fatalf("sweep dirs: %v", dc.SweepDirs)
	}

	cfg.Delivery.Timezone = "Mars/Olympus"
	if _, err := mapDeliveryConfig(cfg); err == nil {
		t.Fatalf("expected timezone error")
	}
}

func TestMapSchedulesAndSummary(t *testing.T) {
	cfg := &config.Config{
		Channels:  config.ChannelsConfig{Ops: "222", OpsThreadID: 3},
		Admins:    []string{"1", "2"},
		Scheduler: config.SchedulerConfig{Enabled: true},
	}
	cfg.ApplyDefaults()

	sc := mapSchedules(cfg)
	if len(sc) != 1 || sc[0].Name != config.DefaultScheduleName || sc[0].Spec != config.DefaultScheduleCron {
		t.Fatalf("schedules: %+v", sc)
	}
	if got := mapSchedulerConfig(cfg); !got.Enabled || got.Timezone != "UTC" {
		t.Fatalf("scheduler config: %+v", got)
	}

	sum := mapSummaryConfig(cfg)
	if sum.Ops.ChannelID != "222" || sum.Ops.ThreadID != 3 || len(sum.Admins) != 2 {
		t.Fatalf("summary config: %+v", sum)
	}
	cfg.Admins[0] = "changed"
	if sum.Admins[0] != "1" {
		t.Fatalf("admins not copied")
	}
}

func TestMapExecutorDefaultsHeadless(t *testing.T) {
	cfg := &config.Config{Browser: config.BrowserConfig{URLTemplate: "https://x.example/{account}", SettleDelay: "750ms"}}
	cfg.ApplyDefaults()
	ec, err := mapExecutorConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if !ec.Headless || ec.SettleDelay != 750*time.Millisecond || ec.ScreenshotDir != cfg.Claims.ScreenshotDir {
		t.Fatalf("executor config: %+v", ec)
	}

	off := false
	cfg.Browser.Headless = &off
	if ec, _ := mapExecutorConfig(cfg); ec.Headless {
		t.Fatalf("headless override ignored")
	}
}
