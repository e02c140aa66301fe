// Package recordlock provides the per-record exclusion scope: at most one
// writer per record at a time, across goroutines and across processes sharing
// the same storage root.
package recordlock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/mzekb/mze-storage/interfaces"
)

// Mode selects what a writer does when the record is already held.
type Mode int

const (
	// Wait blocks until the record is released or the context is done.
	Wait Mode = iota
	// FailFast returns ErrConflict immediately.
	FailFast
)

// ParseMode converts a config string ("wait" or "fail") into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "wait":
		return Wait, nil
	case "fail", "fail-fast":
		return FailFast, nil
	default:
		return Wait, fmt.Errorf("unknown lock mode %q", s)
	}
}

func (m Mode) String() string {
	if m == FailFast {
		return "fail"
	}
	return "wait"
}

// defaultRetryDelay is the poll interval for the file lock in Wait mode.
const defaultRetryDelay = 5 * time.Millisecond

type entry struct {
	sem  chan struct{}
	refs int
}

// Locker hands out per-record exclusion scopes.
type Locker struct {
	mode       Mode
	retryDelay time.Duration
	log        *slog.Logger

	mu   sync.Mutex
	held map[interfaces.RecordID]*entry
}

// New creates a Locker operating in mode.
func New(mode Mode, log *slog.Logger) *Locker {
	if log == nil {
		log = slog.Default()
	}
	return &Locker{
		mode:       mode,
		retryDelay: defaultRetryDelay,
		log:        log,
		held:       make(map[interfaces.RecordID]*entry),
	}
}

// Mode returns the configured conflict mode.
func (l *Locker) Mode() Mode {
	return l.mode
}

// Acquire enters the exclusion scope for id. lockPath names the file used for
// cross-process locking; its parent directory must exist. The returned release
// function must be called exactly once.
func (l *Locker) Acquire(ctx context.Context, id interfaces.RecordID, lockPath string) (func(), error) {
	e := l.ref(id)

	if l.mode == FailFast {
		select {
		case e.sem <- struct{}{}:
		default:
			l.unref(id)
			return nil, fmt.Errorf("%w: record %s has a write in flight", interfaces.ErrConflict, id)
		}
	} else {
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			l.unref(id)
			return nil, fmt.Errorf("%w: waiting for record %s: %w", interfaces.ErrConflict, id, ctx.Err())
		}
	}

	fl := flock.New(lockPath)
	var locked bool
	var err error
	if l.mode == FailFast {
		locked, err = fl.TryLock()
	} else {
		locked, err = fl.TryLockContext(ctx, l.retryDelay)
	}

	if err != nil || !locked {
		<-e.sem
		l.unref(id)
		switch {
		case err != nil && errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("%w: record %s", interfaces.ErrNotFound, id)
		case err != nil && ctx.Err() != nil:
			return nil, fmt.Errorf("%w: waiting for record %s: %w", interfaces.ErrConflict, id, ctx.Err())
		case err != nil:
			return nil, fmt.Errorf("failed to lock record %s: %w", id, err)
		default:
			return nil, fmt.Errorf("%w: record %s is locked by another process", interfaces.ErrConflict, id)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := fl.Unlock(); err != nil {
				l.log.Warn("Failed to release record file lock", "err", err, slog.String("record", id.String()))
			}
			<-e.sem
			l.unref(id)
		})
	}, nil
}

func (l *Locker) ref(id interfaces.RecordID) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.held[id]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.held[id] = e
	}
	e.refs++
	return e
}

func (l *Locker) unref(id interfaces.RecordID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.held[id]
	e.refs--
	if e.refs == 0 {
		delete(l.held, id)
	}
}

// tracked returns the number of records with holders or waiters.
func (l *Locker) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
