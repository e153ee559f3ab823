package storage

import (
	"context"
	"errors"
	"time"

	"claimbot/internal/claim"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrClosed          = errors.New("storage closed")
)

type Config struct {
	Driver      string
	Path        string // sqlite
	DSN         string // postgres
	BusyTimeout time.Duration
	MaxConns    int
}

// RunRecord is the persisted summary of a finished claim job.
type RunRecord struct {
	ProcessID  string         `json:"processId"`
	Trigger    string         `json:"trigger"`
	Status     string         `json:"status"`
	Total      int            `json:"total"`
	Completed  int            `json:"completed"`
	Failed     int            `json:"failed"`
	CreatedAt  time.Time      `json:"createdAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	Error      string         `json:"error,omitempty"`
	Results    []claim.Result `json:"results,omitempty"`
}

func RunFromJob(j claim.Job) RunRecord {
	return RunRecord{
		ProcessID:  j.ProcessID,
		Trigger:    string(j.Trigger),
		Status:     string(j.Status),
		Total:      j.TotalUsers,
		Completed:  j.CompletedUsers,
		Failed:     j.FailedUsers,
		CreatedAt:  j.CreatedAt,
		FinishedAt: j.FinishedAt,
		Error:      j.Error,
		Results:    j.Clone().Results,
	}
}

// Store is the persistence API used by the claim pipeline.
type Store interface {
	// GetAccounts returns the accounts that exist among ids, in ids order.
	GetAccounts(ctx context.Context, ids []string) ([]claim.Account, error)
	ListAccounts(ctx context.Context) ([]claim.Account, error)
	UpsertAccount(ctx context.Context, a claim.Account) error

	// RecordClaim bumps total_claims and sets last_claimed_at.
	RecordClaim(ctx context.Context, accountID string, at time.Time) error

	SaveRun(ctx context.Context, r RunRecord) error
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)

	Close() error
}
