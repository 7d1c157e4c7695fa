package sem

import (
	"context"
	"errors"
)

// Semaphore bounds concurrency with a buffered channel. Acquire blocks until
// a slot frees up or the context expires.
type Semaphore struct {
	ch chan struct{}
}

func New(limit int) *Semaphore {
	if limit <= 0 {
		limit = 1
	}
	return &Semaphore{ch: make(chan struct{}, limit)}
}

func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Semaphore) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return errors.New("release without acquire")
	}
}
