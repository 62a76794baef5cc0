package admission

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// MemoryLimiter bounds the total bytes held as buffered segment/part data
// across all concurrent transfers. Waiters are served in FIFO order. A
// single reservation larger than the whole budget is admitted once it is the
// only one outstanding; otherwise it could never proceed.
type MemoryLimiter struct {
	max   int64
	sem   *semaphore.Weighted
	inUse atomic.Int64
}

// Reservation is a scoped grant of buffered bytes. Release is idempotent so
// callers can defer it on every exit path.
type Reservation struct {
	limiter *MemoryLimiter
	weight  int64
	bytes   int64
	once    sync.Once
}

// NewMemoryLimiter creates a limiter with the given byte budget.
func NewMemoryLimiter(maxBytes int64) *MemoryLimiter {
	if maxBytes <= 0 {
		maxBytes = 1
	}
	return &MemoryLimiter{
		max: maxBytes,
		sem: semaphore.NewWeighted(maxBytes),
	}
}

// Max returns the byte budget.
func (m *MemoryLimiter) Max() int64 {
	return m.max
}

// InUse reports the bytes currently reserved. Oversized reservations count
// their full requested size even though they hold the whole budget.
func (m *MemoryLimiter) InUse() int64 {
	return m.inUse.Load()
}

// Reserve blocks until n bytes fit within the budget, then reserves them.
// It fails only when ctx is cancelled while waiting; no bytes are held in
// that case. A request larger than the budget reserves the entire budget
// instead, serializing it against everything else.
func (m *MemoryLimiter) Reserve(ctx context.Context, n int64) (*Reservation, error) {
	if n < 0 {
		n = 0
	}
	weight := n
	if weight > m.max {
		weight = m.max
	}
	if err := m.sem.Acquire(ctx, weight); err != nil {
		return nil, err
	}
	m.inUse.Add(n)
	return &Reservation{limiter: m, weight: weight, bytes: n}, nil
}

// Release returns the reserved bytes to the budget and wakes the oldest
// waiter that now fits. Safe to call more than once.
func (r *Reservation) Release() {
	r.once.Do(func() {
		r.limiter.inUse.Add(-r.bytes)
		r.limiter.sem.Release(r.weight)
	})
}

// Bytes returns the reservation's requested size.
func (r *Reservation) Bytes() int64 {
	return r.bytes
}
