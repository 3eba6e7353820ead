package broadcast

import (
	"context"
	"errors"
)

const DefaultSemaphoreSize = 100

var (
	ErrSemaphoreTimeout  = errors.New("SEMAPHORE_TIMEOUT")
	ErrSemaphoreReleased = errors.New("SEMAPHORE_NOT_ACQUIRED")
)

// Semaphore bounds the number of concurrent sends to the broker.
type Semaphore struct {
	ch chan struct{}
}

func NewSemaphore(size int) *Semaphore {
	if size <= 0 {
		size = DefaultSemaphoreSize
	}
	return &Semaphore{ch: make(chan struct{}, size)}
}

func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrSemaphoreTimeout
	}
}

func (s *Semaphore) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrSemaphoreReleased
	}
}
