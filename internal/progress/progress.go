// Package progress aggregates transferred-byte and transferred-file counters
// and fans snapshots out to listeners.
package progress

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/treno-io/s3transfer/transfertypes"
)

// Tracker serializes a single object transfer's byte counter and invokes the
// operation's listeners. Listeners run synchronously on the calling
// goroutine; a panicking listener is logged and isolated, never propagated.
type Tracker struct {
	mu sync.Mutex
	// addMu serializes Add so concurrent callers fire BytesTransferred with
	// non-decreasing TransferredBytes.
	addMu       sync.Mutex
	bucket      string
	key         string
	transferred int64
	total       int64
	terminated  bool
	listeners   []transfertypes.ObjectListener
	log         zerolog.Logger
}

// NewTracker creates a tracker for one object transfer. total may be -1 when
// the payload size is not yet known.
func NewTracker(bucket, key string, total int64, listeners []transfertypes.ObjectListener, log zerolog.Logger) *Tracker {
	return &Tracker{
		bucket:    bucket,
		key:       key,
		total:     total,
		listeners: listeners,
		log:       log,
	}
}

// Initiated fires the initiated hook once, before any bytes move.
func (t *Tracker) Initiated() {
	t.notify(func(l transfertypes.ObjectListener, p transfertypes.ObjectProgress) {
		l.Initiated(p)
	})
}

// SetTotal records the payload size once it is known (downloads learn it
// from the triage response).
func (t *Tracker) SetTotal(total int64) {
	t.mu.Lock()
	t.total = total
	t.mu.Unlock()
}

// Add bumps the transferred-byte counter and fires BytesTransferred with the
// updated snapshot. It returns the new transferred total.
func (t *Tracker) Add(n int64) int64 {
	t.addMu.Lock()
	defer t.addMu.Unlock()

	t.mu.Lock()
	t.transferred += n
	updated := t.transferred
	t.mu.Unlock()

	t.notify(func(l transfertypes.ObjectListener, p transfertypes.ObjectProgress) {
		l.BytesTransferred(p)
	})
	return updated
}

// Transferred returns the bytes moved so far.
func (t *Tracker) Transferred() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferred
}

// Complete fires the terminal success hook exactly once.
func (t *Tracker) Complete() {
	if !t.terminate() {
		return
	}
	t.notify(func(l transfertypes.ObjectListener, p transfertypes.ObjectProgress) {
		l.Complete(p)
	})
}

// Failed fires the terminal failure hook exactly once.
func (t *Tracker) Failed(err error) {
	if !t.terminate() {
		return
	}
	t.notify(func(l transfertypes.ObjectListener, p transfertypes.ObjectProgress) {
		l.Failed(p, err)
	})
}

func (t *Tracker) terminate() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminated {
		return false
	}
	t.terminated = true
	return true
}

func (t *Tracker) snapshot() transfertypes.ObjectProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return transfertypes.ObjectProgress{
		Bucket:           t.bucket,
		Key:              t.key,
		TransferredBytes: t.transferred,
		TotalBytes:       t.total,
	}
}

func (t *Tracker) notify(fire func(transfertypes.ObjectListener, transfertypes.ObjectProgress)) {
	p := t.snapshot()
	for _, l := range t.listeners {
		t.safeFire(l, p, fire)
	}
}

func (t *Tracker) safeFire(
	l transfertypes.ObjectListener,
	p transfertypes.ObjectProgress,
	fire func(transfertypes.ObjectListener, transfertypes.ObjectProgress),
) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error().Interface("panic", r).
				Str("bucket", t.bucket).Str("key", t.key).
				Msg("progress listener panicked")
		}
	}()
	fire(l, p)
}

// DirTracker serializes a directory operation's file tally and invokes its
// listeners. TotalFiles always equals TransferredFiles + FailedFiles and
// grows as discovery streams in.
type DirTracker struct {
	mu         sync.Mutex
	succeeded  int64
	failed     int64
	terminated bool
	listeners  []transfertypes.DirectoryListener
	log        zerolog.Logger
}

// NewDirTracker creates a tracker for one directory operation.
func NewDirTracker(listeners []transfertypes.DirectoryListener, log zerolog.Logger) *DirTracker {
	return &DirTracker{listeners: listeners, log: log}
}

// Initiated fires the initiated hook once, before any children run.
func (t *DirTracker) Initiated() {
	t.notify(func(l transfertypes.DirectoryListener, p transfertypes.DirectoryProgress) {
		l.Initiated(p)
	})
}

// FileSucceeded tallies one successful child and notifies listeners.
func (t *DirTracker) FileSucceeded() {
	t.mu.Lock()
	t.succeeded++
	t.mu.Unlock()
	t.notify(func(l transfertypes.DirectoryListener, p transfertypes.DirectoryProgress) {
		l.FileTransferred(p)
	})
}

// FileFailed tallies one failed child and notifies listeners.
func (t *DirTracker) FileFailed() {
	t.mu.Lock()
	t.failed++
	t.mu.Unlock()
	t.notify(func(l transfertypes.DirectoryListener, p transfertypes.DirectoryProgress) {
		l.FileTransferred(p)
	})
}

// Tally returns the current (succeeded, failed) counts.
func (t *DirTracker) Tally() (succeeded, failed int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.succeeded, t.failed
}

// Complete fires the terminal success hook exactly once.
func (t *DirTracker) Complete() {
	if !t.terminate() {
		return
	}
	t.notify(func(l transfertypes.DirectoryListener, p transfertypes.DirectoryProgress) {
		l.Complete(p)
	})
}

// Failed fires the terminal failure hook exactly once.
func (t *DirTracker) Failed(err error) {
	if !t.terminate() {
		return
	}
	t.notify(func(l transfertypes.DirectoryListener, p transfertypes.DirectoryProgress) {
		l.Failed(p, err)
	})
}

func (t *DirTracker) terminate() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminated {
		return false
	}
	t.terminated = true
	return true
}

func (t *DirTracker) snapshot() transfertypes.DirectoryProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return transfertypes.DirectoryProgress{
		TransferredFiles: t.succeeded,
		FailedFiles:      t.failed,
		TotalFiles:       t.succeeded + t.failed,
	}
}

func (t *DirTracker) notify(fire func(transfertypes.DirectoryListener, transfertypes.DirectoryProgress)) {
	p := t.snapshot()
	for _, l := range t.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.log.Error().Interface("panic", r).Msg("directory listener panicked")
				}
			}()
			fire(l, p)
		}()
	}
}
