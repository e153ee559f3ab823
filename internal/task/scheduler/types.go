package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrUnknownSchedule = errors.New("unknown schedule")
	ErrOverlapSkip     = errors.New("schedule still running")
)

// Job is called on each firing. The schedule counts as running until it returns.
type Job func(ctx context.Context) error

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means UTC
}

// Schedule is a named cron expression.
type Schedule struct {
	Name string
	Spec string
}

type scheduleDef struct {
	name    string
	spec    string
	job     Job
	entryID cron.EntryID

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64
	lastErr atomic.Value // string
}

type ScheduleInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next,omitzero"`
	Prev    time.Time `json:"prev,omitzero"`
	Running bool      `json:"running"`
	Runs    uint64    `json:"runs"`
	Skipped uint64    `json:"skipped"`
	LastErr string    `json:"lastError,omitempty"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Started   bool           `json:"started"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}

// Event is published as schedule.fired, schedule.skipped and schedule.failed.
type Event struct {
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}
