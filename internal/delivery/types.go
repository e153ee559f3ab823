package delivery

import (
	"context"
	"errors"
	"time"

	"claimbot/internal/claim"
	"claimbot/internal/compose"
	"claimbot/internal/transport"
)

var (
	ErrQueueFull = errors.New("delivery queue full")
	ErrStopped   = errors.New("delivery stopped")
)

type Config struct {
	Workers      int
	QueueSize    int
	RatePerSec   int
	ReadyTimeout time.Duration
	SendTimeout  time.Duration

	// EnqueueTimeout bounds how long Deliver waits for a free queue slot.
	EnqueueTimeout time.Duration

	// Channel is the shared results destination; zero disables channel posts.
	Channel transport.Target
	// Location renders the local timestamp in the message text.
	Location *time.Location

	Retention     time.Duration
	SweepInterval time.Duration
	SweepDirs     []string
}

// Request carries one finished claim.
type Request struct {
	Account claim.Account
	Result  claim.Result
}

// Report is published as "delivery.done" after a request is handled.
type Report struct {
	AccountID   string
	ImagePath   string
	ChannelSent bool
	DirectSent  bool
	ChannelErr  string
	DirectErr   string
	Archived    string
	Deleted     bool
}

type Composer interface {
	Compose(in compose.Input) string
}

// Archiver stores a file before it is deleted and returns its key.
type Archiver interface {
	Upload(ctx context.Context, path string) (string, error)
}

type Snapshot struct {
	Running     bool
	QueueLen    int
	QueueCap    int
	Delivered   uint64
	Undelivered uint64
	Dropped     uint64
	Swept       uint64
}
