// Package reaper physically removes tombstoned records once their grace period
// has elapsed. Every pending removal is a cancelable task keyed by record id,
// so a reference that appears in time cancels it deterministically.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mzekb/mze-storage/interfaces"
	"github.com/mzekb/mze-storage/metadata"
	"go.uber.org/atomic"
)

// Purger removes a record if it is still tombstoned and unreferenced.
type Purger interface {
	Purge(ctx context.Context, id interfaces.RecordID) (bool, error)
}

// RecordState is the record-level state the reaper consults.
type RecordState interface {
	IsTombstoned(id interfaces.RecordID) bool
	GetTombstone(ctx context.Context, id interfaces.RecordID) (metadata.Tombstone, error)
	ReferenceCount(ctx context.Context, id interfaces.RecordID) (int64, error)
	ReleasedAt(ctx context.Context, id interfaces.RecordID) (time.Time, error)
	Tombstones(ctx context.Context, fn func(metadata.Tombstone) error) error
}

// Stats are cumulative reaper counters.
type Stats struct {
	Scheduled int64
	Cancelled int64
	Purged    int64
	Failed    int64
}

type task struct {
	timer *time.Timer
	at    time.Time
}

// Reaper schedules deferred removal.
type Reaper struct {
	purger Purger
	state  RecordState
	grace  time.Duration
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	tasks   map[interfaces.RecordID]*task
	stopped bool

	scheduled *atomic.Int64
	cancelled *atomic.Int64
	purged    *atomic.Int64
	failed    *atomic.Int64
}

// New creates a reaper. grace is the delay between tombstoning and removal.
func New(purger Purger, state RecordState, grace time.Duration, log *slog.Logger) *Reaper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reaper{
		purger:    purger,
		state:     state,
		grace:     grace,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		tasks:     make(map[interfaces.RecordID]*task),
		scheduled: atomic.NewInt64(0),
		cancelled: atomic.NewInt64(0),
		purged:    atomic.NewInt64(0),
		failed:    atomic.NewInt64(0),
	}
}

// Grace returns the configured grace period.
func (r *Reaper) Grace() time.Duration {
	return r.grace
}

// Schedule arranges for id to be purged at the given time, replacing any
// earlier schedule for the same record.
func (r *Reaper) Schedule(id interfaces.RecordID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	if old, ok := r.tasks[id]; ok {
		old.timer.Stop()
	}

	t := &task{at: at}
	t.timer = time.AfterFunc(time.Until(at), func() { r.fire(id, t) })
	r.tasks[id] = t
	r.scheduled.Inc()

	r.log.Debug("Scheduled record removal",
		slog.String("record", id.String()),
		slog.Time("at", at))
}

// Cancel drops the pending removal of id and reports whether there was one.
func (r *Reaper) Cancel(id interfaces.RecordID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(r.tasks, id)
	r.cancelled.Inc()

	r.log.Info("Cancelled record removal", slog.String("record", id.String()))
	return true
}

// Pending returns the records with a scheduled removal, sorted.
func (r *Reaper) Pending() []interfaces.RecordID {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]interfaces.RecordID, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// ScheduledAt returns when id will be purged, if it is pending.
func (r *Reaper) ScheduledAt(id interfaces.RecordID) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return time.Time{}, false
	}
	return t.at, true
}

// Retire schedules removal of a tombstoned record when it has no references.
// Removal happens a grace period after the later of the tombstone and the
// drop of the last reference, both read from disk so the schedule survives a
// restart. It reports whether a removal was scheduled.
func (r *Reaper) Retire(ctx context.Context, id interfaces.RecordID) (bool, error) {
	ts, err := r.state.GetTombstone(ctx, id)
	if err != nil {
		return false, err
	}
	refs, err := r.state.ReferenceCount(ctx, id)
	if err != nil {
		return false, err
	}
	if refs > 0 {
		return false, nil
	}
	released, err := r.state.ReleasedAt(ctx, id)
	if err != nil {
		return false, err
	}

	eligible := ts.DeletedAt
	if released.After(eligible) {
		eligible = released
	}
	r.Schedule(id, eligible.Add(r.grace))
	return true, nil
}

// ReferenceChanged reacts to reference count changes: a referenced record is
// never removed, and a tombstoned record that drops to zero is rescheduled.
func (r *Reaper) ReferenceChanged(id interfaces.RecordID, count int64) {
	if count > 0 {
		r.Cancel(id)
		return
	}
	if !r.state.IsTombstoned(id) {
		return
	}
	// A fresh grace period starts when the last reference goes away.
	r.Schedule(id, time.Now().Add(r.grace))
}

// Recover schedules every tombstoned record still present on disk, used after
// a restart. Records whose grace period already elapsed are purged right away.
func (r *Reaper) Recover(ctx context.Context) (int, error) {
	n := 0
	err := r.state.Tombstones(ctx, func(ts metadata.Tombstone) error {
		if !r.state.IsTombstoned(ts.RecordID) {
			return nil
		}
		ok, err := r.Retire(ctx, ts.RecordID)
		if err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				return nil
			}
			return err
		}
		if ok {
			n++
		}
		return nil
	})
	if err != nil {
		return n, err
	}

	r.log.Info("Recovered pending removals", slog.Int("count", n))
	return n, nil
}

func (r *Reaper) fire(id interfaces.RecordID, t *task) {
	r.mu.Lock()
	if r.stopped || r.tasks[id] != t {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	purged, err := r.purger.Purge(r.ctx, id)

	r.mu.Lock()
	if r.tasks[id] == t {
		delete(r.tasks, id)
	}
	r.mu.Unlock()

	switch {
	case err != nil:
		r.failed.Inc()
		r.log.Error("Failed to purge record", "err", err, slog.String("record", id.String()))
		if !errors.Is(err, context.Canceled) {
			r.Schedule(id, time.Now().Add(r.grace))
		}
	case purged:
		r.purged.Inc()
	default:
		r.log.Debug("Record no longer eligible for removal", slog.String("record", id.String()))
	}
}

// Stats returns the cumulative counters.
func (r *Reaper) Stats() Stats {
	return Stats{
		Scheduled: r.scheduled.Load(),
		Cancelled: r.cancelled.Load(),
		Purged:    r.purged.Load(),
		Failed:    r.failed.Load(),
	}
}

// Stop cancels all pending removals and waits for running ones to finish.
// Pending records are picked up again by Recover on the next start.
func (r *Reaper) Stop() {
	r.mu.Lock()
	r.stopped = true
	for id, t := range r.tasks {
		t.timer.Stop()
		delete(r.tasks, id)
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
