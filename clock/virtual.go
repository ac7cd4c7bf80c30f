package clock

import (
	"context"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// sleeper is one pending SleepUntil call.
type sleeper struct {
	deadline time.Time
	id       uint64
	wake     chan struct{}
}

func sleeperLess(a, b *sleeper) bool {
	if a.deadline.Equal(b.deadline) {
		return a.id < b.id
	}
	return a.deadline.Before(b.deadline)
}

// Virtual is a manually driven Clock for tests.
//
// Time only moves when Advance or Set is called. Registration of a pending
// sleep and Advance share one mutex, so a sleep registered concurrently with
// an Advance is either released by it or sees the advanced time.
type Virtual struct {
	mu      sync.Mutex
	now     time.Time
	nextID  uint64
	pending *btree.BTreeG[*sleeper]
	// changed is closed and replaced whenever the pending set changes.
	changed chan struct{}
}

// NewVirtual creates a virtual clock starting at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{
		now:     start,
		pending: btree.NewBTreeG(sleeperLess),
		changed: make(chan struct{}),
	}
}

// Now returns the virtual time.
func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.now
}

// SleepUntil blocks until Advance moves the clock to deadline or past it.
func (v *Virtual) SleepUntil(ctx context.Context, deadline time.Time) error {
	v.mu.Lock()
	if !deadline.After(v.now) {
		v.mu.Unlock()
		return ctx.Err()
	}
	v.nextID++
	s := &sleeper{deadline: deadline, id: v.nextID, wake: make(chan struct{})}
	v.pending.Set(s)
	v.notifyLocked()
	v.mu.Unlock()

	select {
	case <-s.wake:
		return nil
	case <-ctx.Done():
		v.mu.Lock()
		if _, ok := v.pending.Delete(s); ok {
			v.notifyLocked()
		}
		v.mu.Unlock()

		// Released by Advance at the same moment: the deadline was reached.
		select {
		case <-s.wake:
			return nil
		default:
		}
		return ctx.Err()
	}
}

// Advance moves the clock forward by d and releases every pending sleep whose
// deadline falls inside the window, earliest deadline first.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.advanceLocked(v.now.Add(d))
}

// Set moves the clock to t. Moving backwards is ignored.
func (v *Virtual) Set(t time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if t.Before(v.now) {
		return
	}
	v.advanceLocked(t)
}

func (v *Virtual) advanceLocked(target time.Time) {
	released := false
	for {
		s, ok := v.pending.Min()
		if !ok || s.deadline.After(target) {
			break
		}
		v.pending.Delete(s)
		v.now = s.deadline
		close(s.wake)
		released = true
	}
	v.now = target
	if released {
		v.notifyLocked()
	}
}

// Pending returns the number of sleeps waiting on the clock.
func (v *Virtual) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.pending.Len()
}

// NextDeadline returns the earliest pending deadline.
func (v *Virtual) NextDeadline() (time.Time, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, ok := v.pending.Min()
	if !ok {
		return time.Time{}, false
	}
	return s.deadline, true
}

// BlockUntil waits until at least n sleeps are pending or ctx is done.
// Tests call it before Advance so the code under test has registered its
// timer.
func (v *Virtual) BlockUntil(ctx context.Context, n int) error {
	for {
		v.mu.Lock()
		if v.pending.Len() >= n {
			v.mu.Unlock()
			return nil
		}
		changed := v.changed
		v.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AdvanceToNext waits for a pending sleep and advances exactly to the
// earliest deadline. It returns the duration advanced.
func (v *Virtual) AdvanceToNext(ctx context.Context) (time.Duration, error) {
	if err := v.BlockUntil(ctx, 1); err != nil {
		return 0, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	s, ok := v.pending.Min()
	if !ok {
		return 0, nil
	}
	d := s.deadline.Sub(v.now)
	v.advanceLocked(s.deadline)
	return d, nil
}

func (v *Virtual) notifyLocked() {
	close(v.changed)
	v.changed = make(chan struct{})
}
