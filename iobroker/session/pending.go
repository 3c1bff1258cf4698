package session

import (
	"sync"
	"time"
)

// pendingEntry is one outstanding callback awaiting a response (§3 pending
// callback, §3 invariant 6).
type pendingEntry struct {
	id        int64
	callback  func(args []interface{})
	expiresAt time.Time
}

// pendingTable is the session's callback-id -> callback map. It is owned
// exclusively by the session's own tasks (reader/processor/sweeper), per
// §5's "only the owning task type may mutate each" rule.
type pendingTable struct {
	mu      sync.Mutex
	entries map[int64]*pendingEntry
	nextID  int64
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[int64]*pendingEntry)}
}

// nextRequestID returns the next monotonic id for this table (§3 invariant 6:
// request ids are unique within a session).
func (t *pendingTable) nextRequestID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	return t.nextID
}

// reset zeroes the id counter and drops all entries; called after a
// token-rotation/session-id rotation (§8 property 5: ids strictly reset to 0
// post-refresh).
func (t *pendingTable) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID = 0
	t.entries = make(map[int64]*pendingEntry)
}

func (t *pendingTable) add(id int64, cb func(args []interface{}), expiry time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = &pendingEntry{id: id, callback: cb, expiresAt: time.Now().Add(expiry)}
}

// resolve looks up and removes a pending entry for id, returning its
// callback if present (§3 invariant 6: entries removed on response).
func (t *pendingTable) resolve(id int64) (func(args []interface{}), bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	delete(t.entries, id)
	return e.callback, true
}

// sweepExpired opportunistically removes and returns callbacks whose expiry
// has passed, so the caller can fail them with ErrCallbackTimeout.
func (t *pendingTable) sweepExpired(now time.Time) []func(args []interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []func(args []interface{})
	for id, e := range t.entries {
		if now.After(e.expiresAt) {
			expired = append(expired, e.callback)
			delete(t.entries, id)
		}
	}
	return expired
}

// len reports the number of outstanding callbacks, surfaced via
// ClientStats.PendingCallbacks.
func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// clear drops all pending entries and returns their callbacks; the caller
// invokes each with nil so waiting façade calls unblock (EmitCallback reports
// that as ErrCallbackTimeout). Called on fatal session error or explicit
// close (§7 failure semantics).
func (t *pendingTable) clear() []func(args []interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var callbacks []func(args []interface{})
	for id, e := range t.entries {
		callbacks = append(callbacks, e.callback)
		delete(t.entries, id)
	}
	return callbacks
}
