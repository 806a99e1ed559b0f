// Package session holds the call session registry and its state machine.
package session

import (
	"time"
)

// Relay is the active media relay attached to an established session.
// Implemented by relay.Relay; declared here so the store can release it on
// End without depending on the relay package.
type Relay interface {
	// Stop cancels both pump directions and closes both endpoints.
	// It must be idempotent and must not block.
	Stop()
}

// CallSession is the unit of work: one live call bridged to one AI
// conversation. Fields are mutated only inside Store.Update callbacks;
// everything handed out by the store is a copy.
type CallSession struct {
	// ID is the telephony-side call identifier.
	ID string `json:"id"`
	// PhoneNumber is the dialed number.
	PhoneNumber string `json:"phone_number"`
	// State is the current lifecycle state.
	State CallState `json:"state"`
	// ConversationRef is the opaque AI-side conversation handle, empty
	// until assigned.
	ConversationRef string `json:"conversation_ref,omitempty"`
	// Variables is the immutable input context forwarded to the AI side.
	Variables map[string]string `json:"variables,omitempty"`
	// CustomData is scratch state written by event handlers. Writes are
	// serialized through Store.Update.
	CustomData map[string]string `json:"custom_data,omitempty"`
	// CreatedAt is when the session was registered.
	CreatedAt time.Time `json:"created_at"`
	// EndedAt is zero until the session reaches a terminal state. It is
	// set exactly once, at removal.
	EndedAt time.Time `json:"ended_at,omitzero"`

	relay Relay
}

// AttachRelay records the active relay handle. At most one relay exists per
// session; attaching over an existing handle stops the old one first.
func (s *CallSession) AttachRelay(r Relay) {
	if s.relay != nil && s.relay != r {
		s.relay.Stop()
	}
	s.relay = r
}

// Relay returns the attached relay handle, or nil.
func (s *CallSession) Relay() Relay {
	return s.relay
}

// clone returns a copy safe to hand outside the store's locks. Maps are
// copied; the relay handle is shared (it is internally synchronized).
func (s *CallSession) clone() *CallSession {
	c := *s
	if s.Variables != nil {
		c.Variables = make(map[string]string, len(s.Variables))
		for k, v := range s.Variables {
			c.Variables[k] = v
		}
	}
	if s.CustomData != nil {
		c.CustomData = make(map[string]string, len(s.CustomData))
		for k, v := range s.CustomData {
			c.CustomData[k] = v
		}
	}
	return &c
}
