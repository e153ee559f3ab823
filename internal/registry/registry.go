// Package registry tracks claim jobs by process id so callers can poll them.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"claimbot/internal/claim"
)

var (
	ErrNotFound   = errors.New("job not found")
	ErrTerminal   = errors.New("job already terminal")
	ErrOverflow   = errors.New("job has no pending accounts")
	ErrIncomplete = errors.New("job has pending accounts")
)

// Registry holds running jobs and a bounded LRU of finished ones.
// Every read returns a deep copy.
type Registry struct {
	mu       sync.Mutex
	active   map[string]*claim.Job
	finished *lru.Cache

	now func() time.Time
}

// New keeps up to historySize finished jobs (default 100).
func New(historySize int) *Registry {
	if historySize <= 0 {
		historySize = 100
	}
	c, err := lru.New(historySize)
	if err != nil {
		// only fails for size <= 0
		panic(err)
	}
	return &Registry{active: map[string]*claim.Job{}, finished: c, now: time.Now}
}

// Create registers a running job for total accounts.
func (r *Registry) Create(total int, trigger claim.Trigger) claim.Job {
	j := &claim.Job{
		ProcessID:  uuid.NewString(),
		Status:     claim.StatusRunning,
		Trigger:    trigger,
		TotalUsers: total,
		Results:    []claim.Result{},
		CreatedAt:  r.now().UTC(),
	}
	r.mu.Lock()
	r.active[j.ProcessID] = j
	r.mu.Unlock()
	return j.Clone()
}

// Record appends a terminal account result in completion order.
func (r *Registry) Record(processID string, res claim.Result) (claim.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, err := r.runningLocked(processID)
	if err != nil {
		return claim.Job{}, err
	}
	if j.Done() >= j.TotalUsers {
		return claim.Job{}, fmt.Errorf("%w: %s", ErrOverflow, processID)
	}
	if res.CompletedAt.IsZero() {
		res.CompletedAt = r.now().UTC()
	}
	j.Results = append(j.Results, res.Clone())
	if res.Outcome == claim.OutcomeFailed {
		j.FailedUsers++
	} else {
		j.CompletedUsers++
	}
	return j.Clone(), nil
}

// Finish moves a job with every account accounted for to a terminal status.
func (r *Registry) Finish(processID string, status claim.Status, errMsg string) (claim.Job, error) {
	if !status.Terminal() {
		return claim.Job{}, fmt.Errorf("finish %s: status %q is not terminal", processID, status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	j, err := r.runningLocked(processID)
	if err != nil {
		return claim.Job{}, err
	}
	if j.Done() != j.TotalUsers {
		return claim.Job{}, fmt.Errorf("%w: %d of %d", ErrIncomplete, j.Done(), j.TotalUsers)
	}
	j.Status = status
	j.Error = errMsg
	j.FinishedAt = r.now().UTC()
	delete(r.active, processID)
	r.finished.Add(processID, j)
	return j.Clone(), nil
}

func (r *Registry) runningLocked(processID string) (*claim.Job, error) {
	if j, ok := r.active[processID]; ok {
		return j, nil
	}
	if r.finished.Contains(processID) {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, processID)
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, processID)
}

func (r *Registry) Get(processID string) (claim.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.active[processID]; ok {
		return j.Clone(), true
	}
	if v, ok := r.finished.Get(processID); ok {
		return v.(*claim.Job).Clone(), true
	}
	return claim.Job{}, false
}

// ListActive returns running jobs, oldest first.
func (r *Registry) ListActive() []claim.Job {
	r.mu.Lock()
	out := make([]claim.Job, 0, len(r.active))
	for _, j := range r.active {
		out = append(out, j.Clone())
	}
	r.mu.Unlock()
	sortByCreated(out)
	return out
}

// List returns running and retained finished jobs, oldest first.
func (r *Registry) List() []claim.Job {
	r.mu.Lock()
	out := make([]claim.Job, 0, len(r.active)+r.finished.Len())
	for _, j := range r.active {
		out = append(out, j.Clone())
	}
	for _, k := range r.finished.Keys() {
		if v, ok := r.finished.Peek(k); ok {
			out = append(out, v.(*claim.Job).Clone())
		}
	}
	r.mu.Unlock()
	sortByCreated(out)
	return out
}

func sortByCreated(jobs []claim.Job) {
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
}
