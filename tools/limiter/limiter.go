// Package limiter bounds how many tool executions run at once.
package limiter

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultSize is the process-wide tool concurrency bound.
const DefaultSize = 6

// Limiter gates tool executions. Acquire blocks until a slot is free or ctx
// is done; every successful Acquire must be paired with one Release.
type Limiter interface {
	Acquire(ctx context.Context) error
	Release()
	InFlight() int
}

// Semaphore is a counting gate over golang.org/x/sync/semaphore.
type Semaphore struct {
	sem      *semaphore.Weighted
	size     int
	inflight atomic.Int64
}

// New returns a gate with n slots; n <= 0 yields an unlimited gate.
func New(n int) Limiter {
	if n <= 0 {
		return Unlimited()
	}
	return &Semaphore{sem: semaphore.NewWeighted(int64(n)), size: n}
}

func (s *Semaphore) Acquire(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	s.inflight.Add(1)
	return nil
}

func (s *Semaphore) Release() {
	s.inflight.Add(-1)
	s.sem.Release(1)
}

// InFlight returns the number of held slots.
func (s *Semaphore) InFlight() int { return int(s.inflight.Load()) }

// Size returns the slot count.
func (s *Semaphore) Size() int { return s.size }

type unlimited struct {
	inflight atomic.Int64
}

// Unlimited returns a gate that never blocks.
func Unlimited() Limiter { return &unlimited{} }

func (u *unlimited) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u.inflight.Add(1)
	return nil
}

func (u *unlimited) Release()      { u.inflight.Add(-1) }
func (u *unlimited) InFlight() int { return int(u.inflight.Load()) }
