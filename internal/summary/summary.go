// Package summary posts one ops-channel message per finished claim job and
// alerts every admin when a job failed at the infrastructure level.
package summary

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"claimbot/internal/claim"
	"claimbot/internal/transport"
	"claimbot/pkg/logx"
)

// MaxLines is the number of per-user lines shown before the overflow note.
const MaxLines = 10

type Line struct {
	AccountID string
	OwnerID   string
	Outcome   claim.Outcome
	Detail    string
}

type Summary struct {
	ProcessID      string
	Status         claim.Status
	TotalAttempted int
	TotalSucceeded int
	TotalFailed    int
	TotalSkipped   int
	PerUser        []Line
	Overflow       int
	Timestamp      time.Time
}

// Build aggregates a terminal job.
func Build(j claim.Job, at time.Time) Summary {
	s := Summary{
		ProcessID: j.ProcessID,
		Status:    j.Status,
		Timestamp: at.UTC(),
	}
	for _, r := range j.Results {
		switch r.Outcome {
		case claim.OutcomeSuccess:
			s.TotalSucceeded++
		case claim.OutcomeFailed:
			s.TotalFailed++
		case claim.OutcomeSkipped:
			s.TotalSkipped++
		}
		if len(s.PerUser) < MaxLines {
			s.PerUser = append(s.PerUser, lineFor(r))
		}
	}
	s.TotalAttempted = s.TotalSucceeded + s.TotalFailed
	if n := len(j.Results); n > MaxLines {
		s.Overflow = n - MaxLines
	}
	return s
}

func lineFor(r claim.Result) Line {
	l := Line{AccountID: r.AccountID, OwnerID: r.OwnerID, Outcome: r.Outcome}
	switch {
	case r.Outcome == claim.OutcomeSuccess && len(r.Items) > 0:
		l.Detail = strings.Join(r.Items, ", ")
	case r.Outcome == claim.OutcomeSuccess:
		l.Detail = "already claimed"
	case r.Error != "":
		l.Detail = r.Error
	default:
		l.Detail = string(r.Outcome)
	}
	return l
}

func icon(o claim.Outcome) string {
	switch o {
	case claim.OutcomeSuccess:
		return "✅"
	case claim.OutcomeSkipped:
		return "⏭️"
	default:
		return "❌"
	}
}

// Format renders the ops-channel message.
func Format(s Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📋 Claim run %s\n", s.Status)
	fmt.Fprintf(&b, "Attempted: %d | Succeeded: %d | Failed: %d | Skipped: %d\n",
		s.TotalAttempted, s.TotalSucceeded, s.TotalFailed, s.TotalSkipped)
	fmt.Fprintf(&b, "Time: %s", s.Timestamp.Format(time.RFC3339))
	for _, l := range s.PerUser {
		owner := l.OwnerID
		if owner == "" {
			owner = "unknown"
		}
		fmt.Fprintf(&b, "\n%s %s (%s): %s", icon(l.Outcome), l.AccountID, owner, l.Detail)
	}
	if s.Overflow > 0 {
		fmt.Fprintf(&b, "\n…and %d more users", s.Overflow)
	}
	return b.String()
}

// Alert renders the admin alert for a failed job.
func Alert(j claim.Job, at time.Time) string {
	reason := j.Error
	if reason == "" {
		reason = "claim job failed"
	}
	return fmt.Sprintf("🚨 Claim job %s failed\nError: %s\nTime: %s",
		j.ProcessID, reason, at.UTC().Format(time.RFC3339))
}

type Config struct {
	Ops    transport.Target
	Admins []string

	ReadyTimeout time.Duration
	SendTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	c.Admins = append([]string(nil), c.Admins...)
	return c
}

// Reporter implements the orchestrator's job reporter.
type Reporter struct {
	mu   sync.Mutex
	cfg  Config
	msgr transport.Messenger
	log  logx.Logger
	now  func() time.Time
}

func NewReporter(cfg Config, msgr transport.Messenger, log logx.Logger) *Reporter {
	return &Reporter{
		cfg:  cfg.withDefaults(),
		msgr: msgr,
		log:  log.With(logx.String("comp", "summary")),
		now:  time.Now,
	}
}

// Apply swaps the ops channel, admin list and timeouts.
func (r *Reporter) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
}

// Report posts the summary and, for a failed job, the admin alerts. It waits
// at most ReadyTimeout for the messenger and SendTimeout per message.
func (r *Reporter) Report(ctx context.Context, j claim.Job) {
	r.mu.Lock()
	cfg := r.cfg
	cfg.Admins = append([]string(nil), r.cfg.Admins...)
	r.mu.Unlock()

	at := r.now()
	log := r.log.With(logx.String("process_id", j.ProcessID))
	alert := j.Status == claim.StatusFailed
	if cfg.Ops.IsZero() && !alert {
		log.Info("ops channel not configured, summary skipped")
		return
	}

	readyCtx, cancel := context.WithTimeout(ctx, cfg.ReadyTimeout)
	err := transport.WaitReady(readyCtx, r.msgr)
	cancel()
	if err != nil {
		log.Warn("messenger not ready, summary and alerts dropped", logx.Err(err), logx.Bool("alert", alert))
		return
	}

	if cfg.Ops.IsZero() {
		log.Info("ops channel not configured, summary skipped")
	} else {
		sendCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := r.msgr.Send(sendCtx, cfg.Ops, transport.Message{Text: Format(Build(j, at))})
		cancel()
		if err != nil {
			log.Warn("summary not posted", logx.Err(err))
		}
	}

	if alert {
		r.alertAdmins(ctx, cfg, Alert(j, at), log)
	}
}

// alertAdmins sends independently to every admin; one failure never
// blocks the others.
func (r *Reporter) alertAdmins(ctx context.Context, cfg Config, text string, log logx.Logger) {
	if len(cfg.Admins) == 0 {
		log.Warn("claim job failed but no admins configured")
		return
	}
	var g errgroup.Group
	for _, id := range cfg.Admins {
		id := id
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					log.Error("admin alert panicked", logx.String("admin", id), logx.Any("panic", p))
				}
			}()
			sendCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
			defer cancel()
			if _, err := r.msgr.SendDirect(sendCtx, id, transport.Message{Text: text}); err != nil {
				log.Warn("admin alert failed", logx.String("admin", id), logx.Err(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}
