// Package audit implements the write-audit fan-out multiplexer of
// SPEC_FULL.md section 4.6, ported structurally from
// asTrapWrite.c's listener/writeMessage/listenerPvt triad.
package audit

import (
	"sync"

	"github.com/google/uuid"

	"github.com/epics-asg/accessd/internal/asmodel"
)

// Phase distinguishes the pre- and post-write callback invocations.
type Phase int

const (
	PhaseBefore Phase = iota
	PhaseAfter
)

// Message is the per-operation record a Before call allocates and
// circulates to every registered listener. A listener that needs to
// preserve information between its Before and After invocation stores it
// in UserPvt during the Before call; the multiplexer snapshots that value
// and hands it back (restored) on the matching After call, so one
// listener's bookkeeping never leaks into another's.
type Message struct {
	ID          string
	Identity    asmodel.Identity
	Target      any
	TypeCode    int
	NumElements int
	Data        any

	// UserPvt is the current listener's opaque state slot. Valid only
	// for the duration of one listener invocation; see Before/After.
	UserPvt any
}

// ListenerFunc is invoked once with phase==PhaseBefore and, if the
// operation completes, once more with phase==PhaseAfter carrying the
// same Message (with UserPvt restored). Listeners must not fail visibly;
// SPEC_FULL.md section 7 treats callbacks as side-effect-only.
type ListenerFunc func(msg *Message, phase Phase)

type listenerEntry struct {
	id uint64
	fn ListenerFunc
}

type listenerPvt struct {
	listener *listenerEntry
	userPvt  any
}

type writeMessage struct {
	msg       *Message
	listeners []*listenerPvt
}

// WriteHandle is the opaque token returned by Before and consumed by
// After, standing in for the original's `void *` return from
// asTrapWriteBeforeWithIdentityData.
type WriteHandle struct {
	wm *writeMessage
}

// Multiplexer is the listener registry and in-flight message tracker.
// One process-wide instance is expected, guarded by its own mutex
// (distinct from the engine's registry mutex, since audit fan-out is not
// itself a decision-engine mutation per SPEC_FULL.md section 5's list of
// guarded state, though implementations may share a lock if preferred).
type Multiplexer struct {
	mu        sync.Mutex
	listeners []*listenerEntry
	inFlight  []*writeMessage
	nextID    uint64
}

func New() *Multiplexer {
	return &Multiplexer{}
}

// Register adds a listener and returns its id, used later to Unregister.
func (m *Multiplexer) Register(fn ListenerFunc) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.listeners = append(m.listeners, &listenerEntry{id: m.nextID, fn: fn})
	return m.nextID
}

// Unregister removes a listener. It first scans every in-flight message
// and detaches that listener's per-listener slot, so a concurrent After
// call can never invoke a callback that has just been unregistered —
// this is the exact hazard asTrapWriteUnregisterListener guards against.
func (m *Multiplexer) Unregister(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, wm := range m.inFlight {
		kept := wm.listeners[:0]
		for _, lp := range wm.listeners {
			if lp.listener.id == id {
				continue
			}
			kept = append(kept, lp)
		}
		wm.listeners = kept
	}

	for i, l := range m.listeners {
		if l.id == id {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			break
		}
	}
}

// Before allocates a per-operation Message and fans it out to every
// registered listener with PhaseBefore, capturing each listener's opaque
// state. If there are no listeners, it returns nil, matching the
// original's "ellCount <= 0 => return 0" fast exit for the common case of
// an unaudited write.
func (m *Multiplexer) Before(identity asmodel.Identity, target any, typeCode, numElements int, data any) *WriteHandle {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.listeners) == 0 {
		return nil
	}

	msg := &Message{
		ID:          uuid.NewString(),
		Identity:    identity,
		Target:      target,
		TypeCode:    typeCode,
		NumElements: numElements,
		Data:        data,
	}
	wm := &writeMessage{msg: msg}

	for _, l := range m.listeners {
		msg.UserPvt = nil
		l.fn(msg, PhaseBefore)
		wm.listeners = append(wm.listeners, &listenerPvt{listener: l, userPvt: msg.UserPvt})
	}
	m.inFlight = append(m.inFlight, wm)
	return &WriteHandle{wm: wm}
}

// After walks the same per-listener list Before built, invoking each
// listener once more with PhaseAfter and that listener's restored
// opaque state, then releases the message. A nil handle (no listeners
// were registered at Before time) or a handle already passed to After
// is a no-op.
func (m *Multiplexer) After(h *WriteHandle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	wm := h.wm
	for _, lp := range wm.listeners {
		wm.msg.UserPvt = lp.userPvt
		lp.listener.fn(wm.msg, PhaseAfter)
	}
	wm.listeners = nil

	for i, f := range m.inFlight {
		if f == wm {
			m.inFlight = append(m.inFlight[:i], m.inFlight[i+1:]...)
			break
		}
	}
}
