package claim

import (
	"context"
	"errors"
	"time"
)

// ErrExecutorUnavailable marks executor faults that mean the automation
// subsystem itself is unreachable, as opposed to a per-account failure.
var ErrExecutorUnavailable = errors.New("claim executor unavailable")

// Account is a linked third-party account. It is owned by the registration
// side; the pipeline only reads it and updates the claim stats.
type Account struct {
	AccountID     string    `json:"accountId"`
	OwnerID       string    `json:"ownerId"`
	Username      string    `json:"username,omitempty"`
	Privileged    bool      `json:"privileged"`
	Blocked       bool      `json:"blocked"`
	LastClaimedAt time.Time `json:"lastClaimedAt,omitzero"`
	TotalClaims   int       `json:"totalClaims"`
}

// Eligible reports whether the account may be claimed.
func (a Account) Eligible() bool { return a.AccountID != "" && !a.Blocked }

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
	TriggerAPI      Trigger = "api"
)

// Result is the terminal outcome of one account within a job.
type Result struct {
	AccountID      string    `json:"accountId"`
	OwnerID        string    `json:"ownerId,omitempty"`
	Outcome        Outcome   `json:"outcome"`
	Items          []string  `json:"items,omitempty"`
	ScreenshotPath string    `json:"screenshotPath,omitempty"`
	Error          string    `json:"error,omitempty"`
	CompletedAt    time.Time `json:"completedAt"`

	// Unavailable is set when the executor reported ErrExecutorUnavailable.
	Unavailable bool `json:"-"`
}

func (r Result) Success() bool { return r.Outcome == OutcomeSuccess }

func (r Result) Clone() Result {
	r.Items = append([]string(nil), r.Items...)
	return r
}

// Job is one batch claim run.
//
// CompletedUsers counts success and skipped results; FailedUsers counts failed
// ones. CompletedUsers+FailedUsers == TotalUsers exactly when the job is terminal.
type Job struct {
	ProcessID      string    `json:"processId"`
	Status         Status    `json:"status"`
	Trigger        Trigger   `json:"trigger"`
	TotalUsers     int       `json:"totalUsers"`
	CompletedUsers int       `json:"completedUsers"`
	FailedUsers    int       `json:"failedUsers"`
	Results        []Result  `json:"results"`
	CreatedAt      time.Time `json:"createdAt"`
	FinishedAt     time.Time `json:"finishedAt,omitzero"`
	Error          string    `json:"error,omitempty"`
}

// Clone returns a deep copy.
func (j Job) Clone() Job {
	out := j
	out.Results = make([]Result, len(j.Results))
	for i, r := range j.Results {
		out.Results[i] = r.Clone()
	}
	return out
}

func (j Job) Done() int { return j.CompletedUsers + j.FailedUsers }

// ExecResult is what an Executor reports for one attempt.
type ExecResult struct {
	Success        bool     `json:"success"`
	Items          []string `json:"items,omitempty"`
	ScreenshotPath string   `json:"screenshotPath,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Executor performs one claim attempt for one account.
//
// A returned error is a fault; faults meaning "automation unreachable" wrap
// ErrExecutorUnavailable. Callers never invoke Claim concurrently for the same
// account and bound each call with ctx.
type Executor interface {
	Claim(ctx context.Context, accountID string) (ExecResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, accountID string) (ExecResult, error)

func (f ExecutorFunc) Claim(ctx context.Context, accountID string) (ExecResult, error) {
	return f(ctx, accountID)
}
