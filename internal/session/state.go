package session

import "fmt"

// CallState represents the lifecycle state of a bridged call.
type CallState int

const (
	// StateCreated is the initial state when the session is created.
	StateCreated CallState = iota
	// StateCalling is after the outbound call attempt has been placed.
	StateCalling
	// StateRinging is after the remote party has started ringing.
	StateRinging
	// StatePreEstablished is after early media is available, before answer.
	StatePreEstablished
	// StateEstablished is after the call is answered and media may flow.
	StateEstablished
	// StateMediaChanged is within the established set, after a media update.
	StateMediaChanged
	// StateRecording is within the established set, while recording is active.
	StateRecording
	// StateFinished is the terminal state after a normal hangup.
	StateFinished
	// StateFailed is the terminal state after an error.
	StateFailed
	// StateRejected is the terminal state after the callee rejected the call.
	StateRejected
	// StateBusy is the terminal state after the callee was busy.
	StateBusy
	// StateNoAnswer is the terminal state after the callee did not answer.
	StateNoAnswer
)

// String returns the string representation of the state.
func (s CallState) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateCalling:
		return "Calling"
	case StateRinging:
		return "Ringing"
	case StatePreEstablished:
		return "PreEstablished"
	case StateEstablished:
		return "Established"
	case StateMediaChanged:
		return "MediaChanged"
	case StateRecording:
		return "Recording"
	case StateFinished:
		return "Finished"
	case StateFailed:
		return "Failed"
	case StateRejected:
		return "Rejected"
	case StateBusy:
		return "Busy"
	case StateNoAnswer:
		return "NoAnswer"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// IsTerminal returns true if no further transition is possible.
func (s CallState) IsTerminal() bool {
	switch s {
	case StateFinished, StateFailed, StateRejected, StateBusy, StateNoAnswer:
		return true
	}
	return false
}

// InEstablishedSet returns true while answered media may flow.
// MediaChanged and Recording are self-loop states within this set.
func (s CallState) InEstablishedSet() bool {
	switch s {
	case StateEstablished, StateMediaChanged, StateRecording:
		return true
	}
	return false
}

// MediaEligible returns true if an inbound media stream may be admitted.
// The telephony side may open its stream during early media, before the
// answer notification arrives.
func (s CallState) MediaEligible() bool {
	return s == StatePreEstablished || s.InEstablishedSet()
}

// CallEvent is a lifecycle event applied to a session state.
type CallEvent int

const (
	// EventUnknown is any vendor state string this build does not model.
	EventUnknown CallEvent = iota
	// EventCalling signals the call attempt has been placed.
	EventCalling
	// EventRinging signals the remote party is ringing.
	EventRinging
	// EventPreEstablished signals early media availability.
	EventPreEstablished
	// EventEstablished signals the call was answered.
	EventEstablished
	// EventMediaChanged signals a media path update on an answered call.
	EventMediaChanged
	// EventRecording signals recording started on an answered call.
	EventRecording
	// EventFinished signals a normal hangup.
	EventFinished
	// EventFailed signals a call failure.
	EventFailed
	// EventRejected signals the callee rejected the call.
	EventRejected
	// EventBusy signals the callee was busy.
	EventBusy
	// EventNoAnswer signals the callee did not answer.
	EventNoAnswer
)

// String returns the string representation of the event.
func (e CallEvent) String() string {
	switch e {
	case EventCalling:
		return "Calling"
	case EventRinging:
		return "Ringing"
	case EventPreEstablished:
		return "PreEstablished"
	case EventEstablished:
		return "Established"
	case EventMediaChanged:
		return "MediaChanged"
	case EventRecording:
		return "Recording"
	case EventFinished:
		return "Finished"
	case EventFailed:
		return "Failed"
	case EventRejected:
		return "Rejected"
	case EventBusy:
		return "Busy"
	case EventNoAnswer:
		return "NoAnswer"
	default:
		return fmt.Sprintf("Unknown(%d)", int(e))
	}
}

// vendorStates maps upstream lifecycle state strings onto events. Strings
// not present here are forward-compatibility no-ops, never errors.
var vendorStates = map[string]CallEvent{
	"CALLING":            EventCalling,
	"RINGING":            EventRinging,
	"CALL_RINGING":       EventRinging,
	"PRE_ESTABLISHED":    EventPreEstablished,
	"ESTABLISHED":        EventEstablished,
	"MEDIA_CHANGED":      EventMediaChanged,
	"CALL_MEDIA_CHANGED": EventMediaChanged,
	"RECORDING":          EventRecording,
	"CALL_RECORDING":     EventRecording,
	"FINISHED":           EventFinished,
	"FAILED":             EventFailed,
	"CALL_REJECTED":      EventRejected,
	"CALL_BUSY":          EventBusy,
	"CALL_NO_ANSWER":     EventNoAnswer,
}

// EventFromVendorState maps an upstream state string to a CallEvent.
// The second return is false for strings this build does not model.
func EventFromVendorState(state string) (CallEvent, bool) {
	ev, ok := vendorStates[state]
	if !ok {
		return EventUnknown, false
	}
	return ev, true
}

// eventTargets defines, for each event, the state it lands in.
var eventTargets = map[CallEvent]CallState{
	EventCalling:        StateCalling,
	EventRinging:        StateRinging,
	EventPreEstablished: StatePreEstablished,
	EventEstablished:    StateEstablished,
	EventMediaChanged:   StateMediaChanged,
	EventRecording:      StateRecording,
	EventFinished:       StateFinished,
	EventFailed:         StateFailed,
	EventRejected:       StateRejected,
	EventBusy:           StateBusy,
	EventNoAnswer:       StateNoAnswer,
}

// validSources defines which states each non-terminal event may fire from.
// Terminal events are valid from any non-terminal state and are not listed.
// Notifications arrive asynchronously and may skip intermediate states, so
// each progress event accepts every earlier state on the path.
var validSources = map[CallEvent][]CallState{
	EventCalling:        {StateCreated},
	EventRinging:        {StateCreated, StateCalling},
	EventPreEstablished: {StateCreated, StateCalling, StateRinging},
	EventEstablished:    {StateCreated, StateCalling, StateRinging, StatePreEstablished},
	EventMediaChanged:   {StateEstablished, StateMediaChanged, StateRecording},
	EventRecording:      {StateEstablished, StateMediaChanged, StateRecording},
}

// Apply is the pure transition function. It returns the next state and
// whether the state changed.
//
// Rules:
//   - events on a terminal state are no-ops
//   - unknown events are no-ops
//   - a duplicate delivery (state already equals the event target) is a
//     no-op, so side effects keyed on "changed" fire at most once
//   - a known event fired from an illegal state returns an
//     InvalidTransitionError and leaves the state unchanged
func Apply(current CallState, event CallEvent) (CallState, bool, error) {
	if current.IsTerminal() {
		return current, false, nil
	}
	target, ok := eventTargets[event]
	if !ok {
		return current, false, nil
	}
	if current == target {
		return current, false, nil
	}
	if target.IsTerminal() {
		return target, true, nil
	}
	for _, from := range validSources[event] {
		if current == from {
			return target, true, nil
		}
	}
	return current, false, &InvalidTransitionError{From: current, Event: event}
}
