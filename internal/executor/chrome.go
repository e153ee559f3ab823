// Package executor drives claims through a headless Chrome.
//
// The page flow is configuration: navigate to the account URL, wait for an
// optional selector, click each claim selector, then read the item labels
// and take a full-page screenshot. A dead or unstartable browser is
// reported as claim.ErrExecutorUnavailable; page-level problems become an
// unsuccessful result for that account only.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"claimbot/internal/claim"
	"claimbot/pkg/logx"
)

const accountPlaceholder = "{account}"

type Config struct {
	ExecPath       string
	Headless       bool
	URLTemplate    string
	WaitSelector   string
	ClaimSelectors []string
	ItemsSelector  string
	SettleDelay    time.Duration
	ScreenshotDir  string
}

func (c Config) Validate() error {
	if !strings.Contains(c.URLTemplate, accountPlaceholder) {
		return fmt.Errorf("browser url_template must contain %s", accountPlaceholder)
	}
	if _, err := url.Parse(strings.ReplaceAll(c.URLTemplate, accountPlaceholder, "x")); err != nil {
		return fmt.Errorf("browser url_template: %w", err)
	}
	return nil
}

// Chrome shares one browser process across claims; each claim gets a tab.
type Chrome struct {
	cfg Config
	log logx.Logger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browser       context.Context
	browserCancel context.CancelFunc

	now func() time.Time
}

func New(cfg Config, log logx.Logger) (*Chrome, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Chrome{cfg: cfg, log: log.With(logx.String("comp", "executor")), now: time.Now}, nil
}

// Start launches the browser. Claim starts it lazily when needed.
func (c *Chrome) Start(ctx context.Context) error {
	_, err := c.browserContext(ctx)
	return err
}

// Close stops the browser.
func (c *Chrome) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Chrome) closeLocked() {
	if c.browserCancel != nil {
		c.browserCancel()
	}
	if c.allocCancel != nil {
		c.allocCancel()
	}
	c.browser, c.browserCancel, c.allocCancel = nil, nil, nil
}

func (c *Chrome) browserContext(ctx context.Context) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browser != nil && c.browser.Err() == nil {
		return c.browser, nil
	}
	c.closeLocked()

	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.Flag("headless", c.cfg.Headless), chromedp.WindowSize(1280, 900))
	if c.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browser, browserCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...any) {}))

	// first Run starts the process; bound it by the caller
	startErr := make(chan error, 1)
	go func() { startErr <- chromedp.Run(browser) }()
	select {
	case err := <-startErr:
		if err != nil {
			browserCancel()
			allocCancel()
			c.log.Error("browser start failed", logx.Err(err))
			return nil, fmt.Errorf("%w: browser start: %v", claim.ErrExecutorUnavailable, err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("%w: browser start: %v", claim.ErrExecutorUnavailable, ctx.Err())
	}

	c.browser, c.browserCancel, c.allocCancel = browser, browserCancel, allocCancel
	c.log.Info("browser started", logx.Bool("headless", c.cfg.Headless))
	return browser, nil
}

// Claim runs the configured page flow for accountID.
func (c *Chrome) Claim(ctx context.Context, accountID string) (claim.ExecResult, error) {
	browser, err := c.browserContext(ctx)
	if err != nil {
		return claim.ExecResult{}, err
	}

	tab, cancel := chromedp.NewContext(browser)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var (
		items []string
		shot  []byte
	)
	actions := []chromedp.Action{chromedp.Navigate(AccountURL(c.cfg.URLTemplate, accountID))}
	if c.cfg.WaitSelector != "" {
		actions = append(actions, chromedp.WaitVisible(c.cfg.WaitSelector, chromedp.ByQuery))
	}
	for _, sel := range c.cfg.ClaimSelectors {
		actions = append(actions, chromedp.Click(sel, chromedp.ByQuery, chromedp.NodeVisible))
	}
	if c.cfg.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(c.cfg.SettleDelay))
	}
	if c.cfg.ItemsSelector != "" {
		actions = append(actions, chromedp.Evaluate(itemsScript(c.cfg.ItemsSelector), &items))
	}
	flowErr := chromedp.Run(tab, actions...)

	// screenshot even after a failed flow; it documents the page state
	var path string
	if err := chromedp.Run(tab, chromedp.FullScreenshot(&shot, 100)); err == nil && len(shot) > 0 {
		path, err = c.saveScreenshot(accountID, shot)
		if err != nil {
			c.log.Warn("screenshot not saved", logx.String("account", accountID), logx.Err(err))
		}
	}

	if flowErr != nil {
		if browser.Err() != nil {
			return claim.ExecResult{}, fmt.Errorf("%w: browser exited: %v", claim.ErrExecutorUnavailable, flowErr)
		}
		if ctx.Err() != nil {
			return claim.ExecResult{}, ctx.Err()
		}
		return claim.ExecResult{Success: false, Error: flowErr.Error(), ScreenshotPath: path}, nil
	}
	return claim.ExecResult{Success: true, Items: cleanItems(items), ScreenshotPath: path}, nil
}

func (c *Chrome) saveScreenshot(accountID string, data []byte) (string, error) {
	if c.cfg.ScreenshotDir == "" {
		return "", errors.New("screenshot dir not configured")
	}
	if err := os.MkdirAll(c.cfg.ScreenshotDir, 0o755); err != nil {
		return "", err
	}
	p := filepath.Join(c.cfg.ScreenshotDir, ScreenshotName(accountID, c.now()))
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", err
	}
	return p, nil
}

// AccountURL expands the URL template for accountID.
func AccountURL(tmpl, accountID string) string {
	return strings.ReplaceAll(tmpl, accountPlaceholder, url.PathEscape(accountID))
}

// ScreenshotName is screenshot-<id>-<UTC timestamp>.png, ':' and '.' replaced.
func ScreenshotName(accountID string, at time.Time) string {
	ts := at.UTC().Format("2006-01-02T15:04:05.000Z")
	ts = strings.NewReplacer(":", "-", ".", "-").Replace(ts)
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, accountID)
	return "screenshot-" + id + "-" + ts + ".png"
}

func itemsScript(selector string) string {
	sel, _ := json.Marshal(selector)
	return `Array.from(document.querySelectorAll(` + string(sel) + `)).map(e => (e.textContent || "").trim()).filter(t => t.length > 0)`
}

func cleanItems(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.Join(strings.Fields(s), " "); s != "" {
			out = append(out, s)
		}
	}
	return out
}
