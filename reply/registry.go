// Package reply tracks frames that were sent with the reply-expected
// flag set and raises a timeout once REPLY_TIMEOUT elapses without a
// matching reply or an explicit clear. It is the "reply registry" of
// the spec: a flat map keyed by the composite (message_id, session_id)
// id, aged by a single timer tick rather than one timer per entry —
// the same tradeoff the teacher's transport.ClientTransport makes with
// its pending sync.Map plus a single heartbeatLoop ticker, generalized
// here to carry an elapsed-time counter instead of a one-shot channel.
package reply

import (
	"sync"
	"time"
)

// DefaultTimeout is REPLY_TIMEOUT from the spec's tuneables.
const DefaultTimeout = 2 * time.Second

// Entry describes one outstanding reply-expecting frame.
type Entry struct {
	SessionID    uint32
	MessageID    uint32
	FrameType    byte
	FrameSubType byte
	Origin       any // opaque handle to the owning session, set by the caller

	elapsed      time.Duration
	ignoreResult bool
}

// Key is the composite (message_id<<32 | session_id) registry key.
func Key(messageID, sessionID uint32) uint64 {
	return uint64(messageID)<<32 | uint64(sessionID)
}

// Expired describes an entry that aged past the timeout.
type Expired struct {
	Key          uint64
	SessionID    uint32
	MessageID    uint32
	FrameType    byte
	FrameSubType byte
	Origin       any
}

// Registry is the reply-timeout tracker. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[uint64]*Entry
	timeout time.Duration
}

// New creates a registry with the given timeout (use DefaultTimeout
// unless a caller overrides it).
func New(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{entries: make(map[uint64]*Entry), timeout: timeout}
}

// Register records a newly sent reply-expecting frame. Invariant: an
// entry exists iff a reply-expecting frame has been sent and no
// matching reply or timeout has fired yet.
func (r *Registry) Register(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := e
	r.entries[Key(e.MessageID, e.SessionID)] = &cp
}

// Clear removes the entry for key, as happens when the matching reply
// frame arrives. Reports whether an entry was present.
func (r *Registry) Clear(key uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; !ok {
		return false
	}
	delete(r.entries, key)
	return true
}

// RemoveAllOfSession flags (does not delete) every entry belonging to
// sessionID so that in-flight timeouts are silently suppressed while
// the entries age out naturally, per the spec's teardown semantics.
func (r *Registry) RemoveAllOfSession(sessionID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.SessionID == sessionID {
			e.ignoreResult = true
		}
	}
}

// Tick advances every entry's elapsed counter by d and returns the
// entries that crossed the timeout threshold (removing them from the
// registry). Entries flagged ignoreResult are removed silently and
// never appear in the result.
func (r *Registry) Tick(d time.Duration) []Expired {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []Expired
	for key, e := range r.entries {
		e.elapsed += d
		if e.elapsed < r.timeout {
			continue
		}
		delete(r.entries, key)
		if e.ignoreResult {
			continue
		}
		expired = append(expired, Expired{
			Key:          key,
			SessionID:    e.SessionID,
			MessageID:    e.MessageID,
			FrameType:    e.FrameType,
			FrameSubType: e.FrameSubType,
			Origin:       e.Origin,
		})
	}
	return expired
}

// Len reports the number of outstanding entries (for tests/metrics).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
