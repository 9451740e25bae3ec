// Package blocker implements the request-blocker registry: a table of
// parked callers waiting on a correlated response payload, released
// either by a matching frame or by a deadline that the owner ages with
// Tick (the controller's timer loop does so every 100ms). It is the
// suspension primitive behind send_request and
// answer-expecting multi-block transfers.
//
// The completion-object idiom is the teacher's own
// transport.ClientTransport.Send/recvLoop design generalized: there, a
// buffered per-sequence-number channel is registered before the
// frame is written and whichever of "response arrives" or "connection
// breaks" happens first wins. Here "connection breaks" becomes "the
// deadline tick reaches zero", but the single-channel, race-the-first-
// writer-wins shape is identical.
package blocker

import (
	"sync"
	"time"
)

// Result is what a parked caller eventually receives.
type Result struct {
	Payload  []byte
	TimedOut bool
}

type waiter struct {
	ch        chan Result
	remaining time.Duration
	origin    any
	done      bool
}

// Expired describes a waiter that hit its deadline, for the caller to
// use when invoking the owning session's error callback.
type Expired struct {
	ID     uint64
	Origin any
}

// Registry is the request-blocker table. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	waiters map[uint64]*waiter
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{waiters: make(map[uint64]*waiter)}
}

// Block registers a waiter for id with the given deadline and returns
// the channel it will receive its Result on. Exactly one waiter may
// exist per id until it is released; a second Block on the same id
// before the first resolves replaces the stored waiter (the caller is
// responsible for generating fresh, effectively-unique ids per
// request, as the spec requires).
func (r *Registry) Block(id uint64, timeout time.Duration, origin any) <-chan Result {
	ch := make(chan Result, 1)
	r.mu.Lock()
	r.waiters[id] = &waiter{ch: ch, remaining: timeout, origin: origin}
	r.mu.Unlock()
	return ch
}

// Release delivers payload to the waiter registered under id and
// removes it. Reports whether a waiter was present.
func (r *Registry) Release(id uint64, payload []byte) bool {
	r.mu.Lock()
	w, ok := r.waiters[id]
	if ok {
		delete(r.waiters, id)
	}
	r.mu.Unlock()
	if !ok || w.done {
		return false
	}
	w.ch <- Result{Payload: payload}
	return true
}

// Cancel releases the waiter for id with an empty payload (used when a
// session tears down with a parked caller), without marking it as a
// deadline timeout.
func (r *Registry) Cancel(id uint64) bool {
	return r.Release(id, nil)
}

// CancelAllOfSession wakes every waiter whose origin is origin with an
// empty payload, without marking it as a deadline timeout. Used when a
// session tears down: any caller still parked in SendRequest on that
// session is released immediately instead of waiting out its deadline.
// Reports how many waiters were woken.
func (r *Registry) CancelAllOfSession(origin any) int {
	r.mu.Lock()
	var ids []uint64
	for id, w := range r.waiters {
		if w.origin == origin {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	n := 0
	for _, id := range ids {
		if r.Cancel(id) {
			n++
		}
	}
	return n
}

// Tick advances every waiter's remaining deadline by d. Waiters whose
// deadline is exhausted are woken with a TimedOut result, removed, and
// returned so the caller can invoke MESSAGE_TIMEOUT on the owning
// session.
func (r *Registry) Tick(d time.Duration) []Expired {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []Expired
	for id, w := range r.waiters {
		w.remaining -= d
		if w.remaining > 0 {
			continue
		}
		delete(r.waiters, id)
		w.done = true
		w.ch <- Result{TimedOut: true}
		expired = append(expired, Expired{ID: id, Origin: w.origin})
	}
	return expired
}

// Len reports the number of parked waiters (for tests/metrics).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}
