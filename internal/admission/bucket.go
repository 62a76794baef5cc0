// Package admission bounds the resources a transfer manager consumes:
// in-flight S3 calls per bucket and bytes buffered in memory.
package admission

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BucketLimiter bounds the number of concurrent S3 calls targeting the same
// bucket. Calls to different buckets do not contend. Waiters are admitted in
// FIFO order; a bucket entry with no holders and no waiters is discarded.
type BucketLimiter struct {
	limit int64

	mu      sync.Mutex
	buckets map[string]*bucketEntry
}

type bucketEntry struct {
	sem *semaphore.Weighted

	// refs counts holders plus waiters; the entry is dropped at zero.
	refs int

	// active counts permits currently held, for introspection.
	active int
}

// NewBucketLimiter creates a limiter admitting at most perBucket concurrent
// calls per bucket name.
func NewBucketLimiter(perBucket int) *BucketLimiter {
	if perBucket <= 0 {
		perBucket = 1
	}
	return &BucketLimiter{
		limit:   int64(perBucket),
		buckets: make(map[string]*bucketEntry),
	}
}

// Limit returns the per-bucket permit count.
func (l *BucketLimiter) Limit() int {
	return int(l.limit)
}

// WithPermission acquires a permit for bucket, runs fn, and releases the
// permit on every exit path, including panics and context cancellation
// during the wait. Permits are non-reentrant: fn must not acquire another
// permit for the same bucket on the same goroutine chain.
func (l *BucketLimiter) WithPermission(ctx context.Context, bucket string, fn func(context.Context) error) error {
	e := l.retain(bucket)
	defer l.release(bucket)

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.mu.Lock()
	e.active++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		e.active--
		l.mu.Unlock()
		e.sem.Release(1)
	}()

	return fn(ctx)
}

// Active reports the number of permits currently held for bucket.
func (l *BucketLimiter) Active(bucket string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.buckets[bucket]; ok {
		return e.active
	}
	return 0
}

// TrackedBuckets reports how many bucket entries are currently live. An idle
// limiter reports zero.
func (l *BucketLimiter) TrackedBuckets() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *BucketLimiter) retain(bucket string) *bucketEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.buckets[bucket]
	if !ok {
		e = &bucketEntry{sem: semaphore.NewWeighted(l.limit)}
		l.buckets[bucket] = e
	}
	e.refs++
	return e
}

func (l *BucketLimiter) release(bucket string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.buckets[bucket]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(l.buckets, bucket)
	}
}
