package mqbridge

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// DefaultClosedHandleLimit bounds how many closed handles keep answering
// LastError.
const DefaultClosedHandleLimit = 4096

type entry struct {
	mu      sync.Mutex
	client  *Client
	removed bool
}

// Registry owns every Client. Callers only ever hold a Handle; the Client
// itself is reachable only inside a With callback.
//
// The table lock guards the map and is held only for lookups, inserts and
// deletes. Each entry has its own lock, so operations on different handles
// do not wait for each other.
type Registry struct {
	mu      sync.Mutex
	entries map[Handle]*entry
	next    Handle

	// closed remembers the final last error of removed handles so that a
	// second close and LastError still answer.
	closed      map[Handle]string
	closedOrder []Handle
	closedLimit int

	// shut is set by CloseAll; no client is created afterwards.
	shut bool

	env *clientEnv
}

func newRegistry(env *clientEnv, closedLimit int) *Registry {
	if closedLimit <= 0 {
		closedLimit = DefaultClosedHandleLimit
	}
	return &Registry{
		entries:     make(map[Handle]*entry),
		closed:      make(map[Handle]string),
		closedLimit: closedLimit,
		env:         env,
	}
}

// Create registers a new unconfigured client and returns its handle. After
// CloseAll it returns 0, which is never a valid handle.
func (r *Registry) Create(t ConnectionType) Handle {
	r.mu.Lock()
	if r.shut {
		r.mu.Unlock()
		return 0
	}
	h := r.nextHandle()
	r.entries[h] = &entry{client: newClient(h, t, r.env)}
	r.mu.Unlock()

	r.env.tel.addLive(context.Background(), 1)
	r.env.logger.Debug("client created",
		zap.Uint32("handle", uint32(h)),
		zap.Stringer("type", t),
	)
	return h
}

// nextHandle must be called with r.mu held.
func (r *Registry) nextHandle() Handle {
	for {
		r.next++
		if r.next == 0 {
			continue
		}
		if _, ok := r.entries[r.next]; ok {
			continue
		}
		if _, ok := r.closed[r.next]; ok {
			continue
		}
		return r.next
	}
}

func (r *Registry) lookup(h Handle) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[h]
}

// With runs fn against the client of h while holding that client's lock.
// It returns ErrNotFound when h is not registered. fn must not keep the
// client after it returns.
func (r *Registry) With(h Handle, fn func(*Client) error) error {
	e := r.lookup(h)
	if e == nil {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return ErrNotFound
	}
	return fn(e.client)
}

// Remove closes the client of h and drops it from the table. Removing an
// unknown handle is a no-op.
func (r *Registry) Remove(h Handle) error {
	e := r.lookup(h)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil
	}
	err := e.client.Close()
	e.removed = true
	last := e.client.LastError()
	e.mu.Unlock()

	r.mu.Lock()
	delete(r.entries, h)
	r.remember(h, last)
	r.mu.Unlock()

	r.env.tel.addLive(context.Background(), -1)
	r.env.logger.Debug("client removed", zap.Uint32("handle", uint32(h)))
	return err
}

// remember must be called with r.mu held.
func (r *Registry) remember(h Handle, lastError string) {
	r.closed[h] = lastError
	r.closedOrder = append(r.closedOrder, h)
	for len(r.closedOrder) > r.closedLimit {
		delete(r.closed, r.closedOrder[0])
		r.closedOrder = r.closedOrder[1:]
	}
}

// LastError returns the last error of a live or recently closed handle.
func (r *Registry) LastError(h Handle) (string, bool) {
	r.mu.Lock()
	e := r.entries[h]
	msg, closed := r.closed[h]
	r.mu.Unlock()

	if e != nil {
		return e.client.LastError(), true
	}
	return msg, closed
}

// IsClosed reports whether h was removed and is still remembered.
func (r *Registry) IsClosed(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.closed[h]
	return ok
}

// Len returns the number of live clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Handles returns the live handles in ascending order.
func (r *Registry) Handles() []Handle {
	r.mu.Lock()
	out := make([]Handle, 0, len(r.entries))
	for h := range r.entries {
		out = append(out, h)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CloseAll removes every live client and stops the registry from creating
// new ones, so a Create racing with shutdown cannot leave a client behind.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	r.shut = true
	r.mu.Unlock()

	var errs []error
	for _, h := range r.Handles() {
		if err := r.Remove(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
