package session

import (
	"errors"
	"testing"
)

func TestApplyHappyPath(t *testing.T) {
	steps := []struct {
		event CallEvent
		want  CallState
	}{
		{EventCalling, StateCalling},
		{EventRinging, StateRinging},
		{EventPreEstablished, StatePreEstablished},
		{EventEstablished, StateEstablished},
		{EventMediaChanged, StateMediaChanged},
		{EventRecording, StateRecording},
		{EventFinished, StateFinished},
	}

	state := StateCreated
	for _, step := range steps {
		next, changed, err := Apply(state, step.event)
		if err != nil {
			t.Fatalf("Apply(%s, %s) error: %v", state, step.event, err)
		}
		if !changed {
			t.Fatalf("Apply(%s, %s) changed = false, want true", state, step.event)
		}
		if next != step.want {
			t.Fatalf("Apply(%s, %s) = %s, want %s", state, step.event, next, step.want)
		}
		state = next
	}
}

func TestApplySkipsIntermediateStates(t *testing.T) {
	// Notifications are asynchronous; ESTABLISHED may arrive without any
	// earlier progress event.
	next, changed, err := Apply(StateCreated, EventEstablished)
	if err != nil || !changed || next != StateEstablished {
		t.Errorf("Apply(Created, Established) = (%s, %v, %v), want (Established, true, nil)", next, changed, err)
	}
}

func TestApplyIdempotent(t *testing.T) {
	// Replaying a delivered event must not change state again.
	events := []CallEvent{EventCalling, EventRinging, EventEstablished, EventRecording}
	state := StateCreated
	for _, ev := range events {
		var err error
		state, _, err = Apply(state, ev)
		if err != nil {
			t.Fatalf("Apply(%s): %v", ev, err)
		}
		again, changed, err := Apply(state, ev)
		if err != nil {
			t.Errorf("duplicate Apply(%s, %s) error: %v", state, ev, err)
		}
		if changed {
			t.Errorf("duplicate Apply(%s, %s) changed = true, want false", state, ev)
		}
		if again != state {
			t.Errorf("duplicate Apply(%s, %s) = %s, want %s", state, ev, again, state)
		}
	}
}

func TestApplyReplayedSequenceMatchesSingleDelivery(t *testing.T) {
	seq := []CallEvent{EventCalling, EventRinging, EventEstablished, EventMediaChanged, EventFinished}

	runOnce := func(deliveries int) CallState {
		state := StateCreated
		for _, ev := range seq {
			for i := 0; i < deliveries; i++ {
				state, _, _ = Apply(state, ev)
			}
		}
		return state
	}

	if single, double := runOnce(1), runOnce(2); single != double {
		t.Errorf("double delivery state = %s, single delivery state = %s", double, single)
	}
}

func TestApplyTerminalIsAbsorbing(t *testing.T) {
	terminals := []CallState{StateFinished, StateFailed, StateRejected, StateBusy, StateNoAnswer}
	events := []CallEvent{EventCalling, EventEstablished, EventFinished, EventFailed, EventUnknown}

	for _, term := range terminals {
		for _, ev := range events {
			next, changed, err := Apply(term, ev)
			if err != nil || changed || next != term {
				t.Errorf("Apply(%s, %s) = (%s, %v, %v), want no-op", term, ev, next, changed, err)
			}
		}
	}
}

func TestApplyUnknownEventIsNoOp(t *testing.T) {
	next, changed, err := Apply(StateEstablished, EventUnknown)
	if err != nil || changed || next != StateEstablished {
		t.Errorf("Apply(Established, Unknown) = (%s, %v, %v), want no-op", next, changed, err)
	}
}

func TestApplyRejectsBackwardTransition(t *testing.T) {
	_, changed, err := Apply(StateEstablished, EventRinging)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Apply(Established, Ringing) error = %v, want ErrInvalidTransition", err)
	}
	if changed {
		t.Error("Apply(Established, Ringing) changed = true, want false")
	}

	var te *InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("error type = %T, want *InvalidTransitionError", err)
	}
	if te.From != StateEstablished || te.Event != EventRinging {
		t.Errorf("InvalidTransitionError = %+v", te)
	}
}

func TestApplyMediaEventsRequireEstablishedSet(t *testing.T) {
	for _, ev := range []CallEvent{EventMediaChanged, EventRecording} {
		if _, changed, err := Apply(StateRinging, ev); err == nil || changed {
			t.Errorf("Apply(Ringing, %s) accepted, want rejection", ev)
		}
	}
}

func TestEventFromVendorState(t *testing.T) {
	cases := []struct {
		state string
		want  CallEvent
		known bool
	}{
		{"CALLING", EventCalling, true},
		{"CALL_RINGING", EventRinging, true},
		{"ESTABLISHED", EventEstablished, true},
		{"CALL_REJECTED", EventRejected, true},
		{"CALL_BUSY", EventBusy, true},
		{"CALL_NO_ANSWER", EventNoAnswer, true},
		{"FINISHED", EventFinished, true},
		{"FAILED", EventFailed, true},
		{"SOMETHING_NEW", EventUnknown, false},
		{"", EventUnknown, false},
	}
	for _, tc := range cases {
		got, known := EventFromVendorState(tc.state)
		if got != tc.want || known != tc.known {
			t.Errorf("EventFromVendorState(%q) = (%s, %v), want (%s, %v)", tc.state, got, known, tc.want, tc.known)
		}
	}
}

func TestStatePredicates(t *testing.T) {
	if !StateEstablished.InEstablishedSet() || !StateMediaChanged.InEstablishedSet() || !StateRecording.InEstablishedSet() {
		t.Error("established set membership wrong")
	}
	if StatePreEstablished.InEstablishedSet() {
		t.Error("PreEstablished must not be in the established set")
	}
	if !StatePreEstablished.MediaEligible() {
		t.Error("PreEstablished must be media eligible")
	}
	if StateRinging.MediaEligible() {
		t.Error("Ringing must not be media eligible")
	}
	if StateEstablished.IsTerminal() || !StateNoAnswer.IsTerminal() {
		t.Error("terminal predicate wrong")
	}
}
