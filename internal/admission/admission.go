// Package admission bounds concurrent in-flight upstream calls per
// credential. Acquisition is per-credential: saturating one credential never
// starves dispatch to others, and waiting respects caller cancellation.
package admission

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrUnknownCredential is returned when acquiring against a credential
	// that was never registered.
	ErrUnknownCredential = errors.New("admission: unknown credential")
)

// Slot is an ownership token for one in-flight upstream call. Release is
// idempotent; every acquired slot must be released exactly once on success,
// failure, or cancellation.
type Slot interface {
	Release()
}

// Controller issues and releases admission slots.
type Controller interface {
	// Register seeds one bounded counting resource per credential. Calling
	// Register again for a known credential is a no-op.
	Register(ids ...int64)

	// Unregister removes a credential's resource. Held slots stay valid and
	// release harmlessly.
	Unregister(id int64)

	// Acquire blocks until a slot for the credential is available or the
	// context is done. A context error never leaks the slot.
	Acquire(ctx context.Context, id int64) (Slot, error)

	// TryAcquire grabs a slot without blocking.
	TryAcquire(id int64) (Slot, bool)

	// Available is a non-blocking snapshot of free slots; used by the
	// dispatcher for ranking. Unknown credentials report zero.
	Available(id int64) int
}

// LocalController is the in-process Controller backed by buffered channels,
// one per credential.
type LocalController struct {
	mu    sync.RWMutex
	sems  map[int64]chan struct{}
	limit int
}

// NewLocalController creates a LocalController with the given per-credential
// concurrency limit.
func NewLocalController(limit int) *LocalController {
	if limit < 1 {
		limit = 1
	}
	return &LocalController{
		sems:  make(map[int64]chan struct{}),
		limit: limit,
	}
}

// Register implements Controller.
func (c *LocalController) Register(ids ...int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if _, ok := c.sems[id]; !ok {
			c.sems[id] = make(chan struct{}, c.limit)
		}
	}
}

// Unregister implements Controller.
func (c *LocalController) Unregister(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sems, id)
}

func (c *LocalController) sem(id int64) chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sems[id]
}

// Acquire implements Controller.
func (c *LocalController) Acquire(ctx context.Context, id int64) (Slot, error) {
	sem := c.sem(id)
	if sem == nil {
		return nil, ErrUnknownCredential
	}
	select {
	case sem <- struct{}{}:
		return newSlot(sem), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire implements Controller.
func (c *LocalController) TryAcquire(id int64) (Slot, bool) {
	sem := c.sem(id)
	if sem == nil {
		return nil, false
	}
	select {
	case sem <- struct{}{}:
		return newSlot(sem), true
	default:
		return nil, false
	}
}

// Available implements Controller.
func (c *LocalController) Available(id int64) int {
	sem := c.sem(id)
	if sem == nil {
		return 0
	}
	return cap(sem) - len(sem)
}

type localSlot struct {
	sem  chan struct{}
	once sync.Once
}

func newSlot(sem chan struct{}) *localSlot {
	return &localSlot{sem: sem}
}

// Release implements Slot. Calls after the first are no-ops.
func (s *localSlot) Release() {
	s.once.Do(func() {
		select {
		case <-s.sem:
		default:
		}
	})
}
