package actionlog

import (
	"context"
	"fmt"
	"time"

	"github.com/looplab/fsm"
)

// Trigger names an edge of the action state machine.
type Trigger string

const (
	TriggerSucceed Trigger = "succeed"
	TriggerFail    Trigger = "fail"
	TriggerAbort   Trigger = "abort"
	TriggerResend  Trigger = "resend"
)

// transitions is the complete edge table. Only the resend trigger leaves a
// terminal state, and SUCCESS is never left.
var transitions = fsm.Events{
	{Name: string(TriggerSucceed), Src: []string{string(StateWaiting)}, Dst: string(StateSuccess)},
	{Name: string(TriggerFail), Src: []string{string(StateWaiting)}, Dst: string(StateFailed)},
	{Name: string(TriggerAbort), Src: []string{string(StateWaiting)}, Dst: string(StateAborted)},
	{Name: string(TriggerResend), Src: []string{string(StateWaiting), string(StateFailed), string(StateAborted)}, Dst: string(StateWaiting)},
}

// triggerFor maps a destination state to the trigger that reaches it.
func triggerFor(to State) (Trigger, bool) {
	switch to {
	case StateSuccess:
		return TriggerSucceed, true
	case StateFailed:
		return TriggerFail, true
	case StateAborted:
		return TriggerAbort, true
	case StateWaiting:
		return TriggerResend, true
	default:
		return "", false
	}
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to State) bool {
	trigger, ok := triggerFor(to)
	if !ok || !from.Valid() {
		return false
	}
	machine := fsm.NewFSM(string(from), transitions, fsm.Callbacks{})
	return machine.Can(string(trigger))
}

// EventType classifies a side-effect event emitted by ApplyTransition.
type EventType string

const (
	// EventStateChanged is emitted for every applied transition.
	EventStateChanged EventType = "state_changed"
	// EventAlert is emitted when an automatic campaign-state change failed.
	EventAlert EventType = "alert"
)

// Event is a side effect of a transition, returned to the caller for
// delivery after the new state has been persisted.
type Event struct {
	Type     EventType `json:"type"`
	ActionID string    `json:"action_id"`
	Kind     Kind      `json:"kind"`
	Origin   Origin    `json:"origin"`
	Target   TargetRef `json:"target"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// AlertWorthy reports whether a transition of a into the given state pages a human.
func AlertWorthy(a *Action, to State) bool {
	return to == StateFailed && a.Origin == OriginAutomatic && a.Kind == KindSetCampaignState
}

// ApplyTransition computes the next version of a without touching storage.
// detail becomes the action message when non-empty. WAITING and SUCCESS
// replace the message outright, so a failure reason never outlives a resend.
// A transition back to WAITING also clears the sent marker.
func ApplyTransition(a Action, to State, detail string, now time.Time) (Action, []Event, error) {
	if !CanTransition(a.State, to) {
		return a, nil, fmt.Errorf("%w: %s -> %s (action %s)", ErrInvalidTransition, a.State, to, a.ID)
	}

	from := a.State
	next := a
	next.State = to
	next.UpdatedAt = now
	if detail != "" || to == StateWaiting || to == StateSuccess {
		next.Message = detail
	}
	if to == StateWaiting {
		next.SentAt = nil
	}

	base := Event{
		ActionID: a.ID,
		Kind:     a.Kind,
		Origin:   a.Origin,
		Target:   a.Target,
		From:     from,
		To:       to,
		Message:  next.Message,
		At:       now,
	}
	changed := base
	changed.Type = EventStateChanged
	events := []Event{changed}

	if AlertWorthy(&a, to) {
		alert := base
		alert.Type = EventAlert
		events = append(events, alert)
	}
	return next, events, nil
}

// EventSink receives events once the transition that produced them has been persisted.
type EventSink interface {
	Handle(ctx context.Context, events []Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, events []Event)

func (f EventSinkFunc) Handle(ctx context.Context, events []Event) { f(ctx, events) }
