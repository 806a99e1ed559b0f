// Package dispatch consumes lifecycle notifications and turns them into
// session state transitions and their side effects.
package dispatch

import (
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/sebas/voicebridge/internal/session"
)

// lockStripes serializes event handling per session while letting events
// for different sessions run fully in parallel.
const lockStripes = 64

// LifecycleEvent is the minimal inbound notification schema. Extra vendor
// fields are carried opaquely in Media and otherwise ignored.
type LifecycleEvent struct {
	ID    string          `json:"id"`
	State string          `json:"state"`
	Media json.RawMessage `json:"media,omitempty"`
}

// Ack is the wire acknowledgement. It is returned for every delivery,
// including malformed and unprocessable ones: the upstream vendor must
// never be driven into retries by our processing failures, and duplicate
// deliveries are absorbed by the idempotent state machine anyway.
type Ack struct {
	Received bool `json:"received"`
}

// MediaController starts connection setup for sessions that reach the
// established state. Implemented by supervisor.Supervisor.
type MediaController interface {
	SessionEstablished(callID string)
}

// Dispatcher applies lifecycle events to the session store and triggers
// side effects: relay setup on establishment, session teardown on terminal
// events and relay completion.
type Dispatcher struct {
	store *session.Store
	media MediaController

	locks [lockStripes]sync.Mutex
}

// New creates a dispatcher over the given store and media controller.
func New(store *session.Store, media MediaController) *Dispatcher {
	return &Dispatcher{store: store, media: media}
}

func (d *Dispatcher) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &d.locks[h.Sum32()%lockStripes]
}

// Dispatch parses and handles one raw lifecycle notification. It always
// acknowledges; processing failures are logged, never surfaced.
func (d *Dispatcher) Dispatch(raw []byte) Ack {
	var ev LifecycleEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		slog.Warn("[Dispatcher] Malformed lifecycle event ignored", "error", err)
		return Ack{Received: true}
	}
	return d.DispatchEvent(ev)
}

// DispatchEvent handles one parsed lifecycle notification. Same ack policy
// as Dispatch.
func (d *Dispatcher) DispatchEvent(ev LifecycleEvent) Ack {
	if ev.ID == "" {
		slog.Warn("[Dispatcher] Lifecycle event without call id ignored", "state", ev.State)
		return Ack{Received: true}
	}

	event, known := session.EventFromVendorState(ev.State)
	if !known {
		// Forward compatibility: the vendor may send states this build
		// does not model.
		slog.Info("[Dispatcher] Unknown lifecycle state ignored", "call_id", ev.ID, "state", ev.State)
		return Ack{Received: true}
	}

	mu := d.lockFor(ev.ID)
	mu.Lock()
	defer mu.Unlock()

	d.apply(ev.ID, event, "lifecycle "+ev.State)
	return Ack{Received: true}
}

// apply runs one transition and its side effects. Caller holds the
// session's stripe lock.
func (d *Dispatcher) apply(callID string, event session.CallEvent, reason string) {
	var changed bool
	snap, err := d.store.Update(callID, func(sess *session.CallSession) error {
		next, ch, err := session.Apply(sess.State, event)
		if err != nil {
			return err
		}
		if ch {
			slog.Info("[Dispatcher] State transition",
				"call_id", callID, "from", sess.State.String(), "to", next.String(), "reason", reason)
			sess.State = next
			sess.CustomData["last_event"] = event.String()
		}
		changed = ch
		return nil
	})
	switch {
	case errors.Is(err, session.ErrNotFound):
		// Events for unknown calls never create sessions as a side effect.
		slog.Info("[Dispatcher] Event for unknown session ignored", "call_id", callID, "event", event.String())
		return
	case errors.Is(err, session.ErrInvalidTransition):
		slog.Warn("[Dispatcher] Illegal transition ignored", "call_id", callID, "event", event.String(), "error", err)
		return
	case err != nil:
		slog.Error("[Dispatcher] Update failed", "call_id", callID, "error", err)
		return
	}

	if !changed {
		return
	}
	switch {
	case snap.State == session.StateEstablished:
		d.media.SessionEstablished(callID)
	case snap.State.IsTerminal():
		d.store.End(callID)
	}
}

// RelayDone is the relay completion hook: whether the relay ended cleanly
// or by transport failure, the owning session terminates.
func (d *Dispatcher) RelayDone(callID string, relayErr error) {
	mu := d.lockFor(callID)
	mu.Lock()
	defer mu.Unlock()

	event := session.EventFinished
	reason := "relay finished"
	if relayErr != nil {
		event = session.EventFailed
		reason = "relay failed: " + relayErr.Error()
	}
	d.apply(callID, event, reason)
	// The terminal transition above removes the session; when the relay
	// died after the session was already gone this is a no-op.
	d.store.End(callID)
}

// TerminateSession forces a session into a terminal state and ends it.
// Used by the supervisor for connection-setup failures and by the reaper
// for deadline enforcement.
func (d *Dispatcher) TerminateSession(callID string, event session.CallEvent, reason string) {
	mu := d.lockFor(callID)
	mu.Lock()
	defer mu.Unlock()

	d.apply(callID, event, reason)
	d.store.End(callID)
}
