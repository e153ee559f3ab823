package orchestrator

import (
	"context"
	"errors"
	"time"

	"claimbot/internal/claim"
	"claimbot/internal/delivery"
	"claimbot/internal/storage"
	"claimbot/internal/task/engine"
)

var ErrStopped = errors.New("orchestrator stopped")

type Config struct {
	// ClaimTimeout bounds one executor call. 0 uses the engine default.
	ClaimTimeout time.Duration
	// RunQueue is the run-request buffer between callers and the loop.
	RunQueue int
}

// Store is the persistence the orchestrator needs.
type Store interface {
	GetAccounts(ctx context.Context, ids []string) ([]claim.Account, error)
	ListAccounts(ctx context.Context) ([]claim.Account, error)
	RecordClaim(ctx context.Context, accountID string, at time.Time) error
	SaveRun(ctx context.Context, r storage.RunRecord) error
}

type Engine interface {
	Submit(ctx context.Context, t engine.Task) error
}

type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) error
}

// JobReporter is told about every terminal job that had eligible accounts.
type JobReporter interface {
	Report(ctx context.Context, job claim.Job)
}

type Deps struct {
	Store    Store
	Executor claim.Executor
	Engine   Engine
	Delivery Deliverer
	Reporter JobReporter
}

// JobEvent is published as claim.job.started and claim.job.finished.
type JobEvent struct {
	ProcessID string        `json:"processId"`
	Trigger   claim.Trigger `json:"trigger"`
	Status    claim.Status  `json:"status"`
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Error     string        `json:"error,omitempty"`
}

// ResultEvent is published as claim.result.
type ResultEvent struct {
	ProcessID string       `json:"processId"`
	Result    claim.Result `json:"result"`
}

func jobEvent(j claim.Job) JobEvent {
	return JobEvent{
		ProcessID: j.ProcessID,
		Trigger:   j.Trigger,
		Status:    j.Status,
		Total:     j.TotalUsers,
		Completed: j.CompletedUsers,
		Failed:    j.FailedUsers,
		Error:     j.Error,
	}
}
