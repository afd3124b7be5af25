// Package pending correlates outbound popup requests with their responses.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrDuplicateID = errors.New("duplicate request id")
	ErrTimeout     = errors.New("timed out waiting for response")
	ErrCancelled   = errors.New("request cancelled")
	ErrRemote      = errors.New("peer failed to answer")
)

type result struct {
	response string
	err      error
}

type entry struct {
	owner string
	ch    chan result
}

// Correlator maps request ids to single-use completion handles. Every entry
// is removed exactly once: by Resolve, by Fail/FailOwner, or by its waiter
// giving up.
type Correlator struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Correlator {
	return &Correlator{entries: make(map[string]*entry)}
}

// NewID returns a fresh request id.
func NewID() string {
	return uuid.NewString()
}

// Waiter is the caller's side of one pending request.
type Waiter struct {
	id string
	e  *entry
	c  *Correlator
}

func (w *Waiter) ID() string { return w.id }

// Register parks a waiter for id. owner tags the entry with the session or
// target that carries the request so FailOwner can release it early.
func (c *Correlator) Register(id, owner string) (*Waiter, error) {
	if id == "" {
		return nil, fmt.Errorf("register pending request: empty id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	e := &entry{owner: owner, ch: make(chan result, 1)}
	c.entries[id] = e
	return &Waiter{id: id, e: e, c: c}, nil
}

// Wait blocks until the response arrives or ctx ends. A context deadline is
// reported as ErrTimeout; either way the entry is gone afterwards, so a late
// response finds nothing to resolve.
func (w *Waiter) Wait(ctx context.Context) (string, error) {
	select {
	case r := <-w.e.ch:
		return r.response, r.err
	case <-ctx.Done():
	}
	if !w.c.remove(w.id, w.e) {
		// Resolved concurrently with the deadline; the result is already buffered.
		r := <-w.e.ch
		return r.response, r.err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("request %s: %w", w.id, ErrTimeout)
	}
	return "", fmt.Errorf("request %s: %w", w.id, ErrCancelled)
}

// Cancel drops the entry without delivering anything. Used when the request
// frame could not be sent.
func (w *Waiter) Cancel() {
	w.c.remove(w.id, w.e)
}

// Resolve delivers response to the waiter for id. It reports false when no
// entry exists, which means a late or duplicate response.
func (c *Correlator) Resolve(id, response string) bool {
	return c.complete(id, nil, result{response: response})
}

// Fail completes the waiter for id with err.
func (c *Correlator) Fail(id string, err error) bool {
	return c.complete(id, nil, result{err: err})
}

// ResolveFrom is Resolve limited to an entry tagged with owner. A response
// for a request that went to a different owner is treated as unknown and the
// entry stays in place.
func (c *Correlator) ResolveFrom(id, owner, response string) bool {
	return c.complete(id, &owner, result{response: response})
}

// FailFrom is Fail limited to an entry tagged with owner.
func (c *Correlator) FailFrom(id, owner string, err error) bool {
	return c.complete(id, &owner, result{err: err})
}

// FailOwner fails every entry tagged with owner and returns how many it released.
func (c *Correlator) FailOwner(owner string, err error) int {
	c.mu.Lock()
	var hit []*entry
	for id, e := range c.entries {
		if e.owner == owner {
			hit = append(hit, e)
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()
	for _, e := range hit {
		e.ch <- result{err: err}
	}
	return len(hit)
}

// Len reports the number of outstanding requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Correlator) complete(id string, owner *string, r result) bool {
	c.mu.Lock()
	e, ok := c.entries[id]
	if ok && owner != nil && e.owner != *owner {
		ok = false
	}
	if ok {
		delete(c.entries, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	e.ch <- r
	return true
}

func (c *Correlator) remove(id string, e *entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[id]; ok && cur == e {
		delete(c.entries, id)
		return true
	}
	return false
}
