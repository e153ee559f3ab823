package engine

import "errors"

var (
	ErrStopped     = errors.New("task engine stopped")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped: key already in flight")
	ErrTimeout     = errors.New("task timed out")
)
