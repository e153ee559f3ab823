package engine

import (
	"context"
	"sync"
	"time"
)

type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout applies when Task.Timeout is 0. 0 disables it.
	DefaultTimeout time.Duration

	HistorySize int
}

// Task is a unit of work.
//
// Key gates overlap: while a task with the same non-empty Key is queued or
// running, Submit and Enqueue return ErrOverlapSkip. The key is held until Run
// actually returns, even when the engine stopped waiting for it on timeout.
type Task struct {
	ID      string
	Name    string
	Key     string
	Timeout time.Duration
	Run     func(ctx context.Context) error

	// Done is called once on the worker with Run's result, ErrTimeout if Run
	// outlived its deadline, or ErrStopped if the task never ran.
	Done func(err error)
}

// keySet is the set of keys currently queued or running.
type keySet struct {
	mu sync.Mutex
	m  map[string]struct{}
}

func (k *keySet) tryAcquire(key string) bool {
	if key == "" {
		return true
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.m == nil {
		k.m = make(map[string]struct{})
	}
	if _, busy := k.m[key]; busy {
		return false
	}
	k.m[key] = struct{}{}
	return true
}

func (k *keySet) release(key string) {
	if key == "" {
		return
	}
	k.mu.Lock()
	delete(k.m, key)
	k.mu.Unlock()
}

func (k *keySet) has(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.m[key]
	return ok
}

func (k *keySet) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.m)
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is published on the event bus as task.started / task.finished / task.failed.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

type Snapshot struct {
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int
	Busy     int // workers executing a task
	Keys     int // keys queued or running

	DroppedQueueFull uint64
	SkippedOverlap   uint64
	TimedOut         uint64

	DefaultTimeout time.Duration
	History        []HistoryItem
}
