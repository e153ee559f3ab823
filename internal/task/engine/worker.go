package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"claimbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// a closed stopCh wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.busy.Add(1)
			s.execOne(ctx, qt)
			s.busy.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	t := qt.task
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	ev := TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: start, QueueDelay: queueDelay}

	s.log.Debug("task.started", logx.String("task", t.Name), logx.String("key", t.Key), logx.Duration("queue_delay", queueDelay))
	s.publish("task.started", ev)

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		// the key stays held until Run really returns
		err := s.runSafe(runCtx, t)
		s.keys.release(t.Key)
		done <- err
	}()

	var err error
	overran := false
	select {
	case err = <-done:
	case <-runCtx.Done():
		// prefer a result that raced the deadline
		select {
		case err = <-done:
		default:
			overran = true
			s.timedOut.Add(1)
			err = fmt.Errorf("%w after %s", ErrTimeout, qt.timeout)
			if ctx.Err() != nil {
				err = ErrStopped
			}
		}
	}

	dur := time.Since(start)
	ev.Duration = dur
	item := HistoryItem{ID: t.ID, Name: t.Name, Key: t.Key, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task.failed", logx.String("task", t.Name), logx.String("key", t.Key), logx.Err(err), logx.Duration("dur", dur))
		s.publish("task.failed", ev)
	} else {
		s.log.Debug("task.completed", logx.String("task", t.Name), logx.String("key", t.Key), logx.Duration("dur", dur))
		s.publish("task.finished", ev)
	}
	s.remember(item)

	if t.Done != nil {
		t.Done(err)
	}

	// The result is already reported; the worker slot stays taken until Run
	// returns so overrunning tasks never exceed the worker count.
	if overran {
		<-done
		s.log.Debug("task.returned_after_timeout", logx.String("task", t.Name), logx.String("key", t.Key), logx.Duration("took", time.Since(start)))
	}
}

// runSafe converts a panic in Run into an error.
func (s *Service) runSafe(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", t.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return t.Run(ctx)
}
