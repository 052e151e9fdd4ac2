// Package actionlog is the durable record of dispatched actions and the
// orders that group them. Rows are append-only: an action is never deleted,
// it is the audit trail of what was asked of the external worker and how the
// worker answered.
package actionlog

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an action or order does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a state change is not allowed by the state machine.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// State is the lifecycle position of an action.
type State string

const (
	StateWaiting State = "WAITING"
	StateSuccess State = "SUCCESS"
	StateFailed  State = "FAILED"
	StateAborted State = "ABORTED"
)

// Terminal reports whether the state ends the normal lifecycle.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateAborted
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return s == StateWaiting || s.Terminal()
}

// Kind is the type of work requested from the worker.
type Kind string

const (
	KindSetCampaignState   Kind = "SET_CAMPAIGN_STATE"
	KindSetProperty        Kind = "SET_PROPERTY"
	KindGetCampaignStatus  Kind = "GET_CAMPAIGN_STATUS"
	KindGetContentAdStatus Kind = "GET_CONTENT_AD_STATUS"
	KindGetReports         Kind = "GET_REPORTS"
)

// Kinds lists every supported kind.
var Kinds = []Kind{
	KindSetCampaignState,
	KindSetProperty,
	KindGetCampaignStatus,
	KindGetContentAdStatus,
	KindGetReports,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Origin tells whether an action was issued by the system or by an operator.
type Origin string

const (
	OriginAutomatic Origin = "AUTOMATIC"
	OriginManual    Origin = "MANUAL"
)

// Valid reports whether o is a known origin.
func (o Origin) Valid() bool {
	return o == OriginAutomatic || o == OriginManual
}

// TargetRef identifies the ad group / media source pairing an action applies to.
type TargetRef struct {
	AdGroupID int64 `json:"ad_group_id"`
	SourceID  int64 `json:"source_id"`
}

// Action is one unit of work dispatched to the external worker.
type Action struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Origin    Origin          `json:"origin"`
	State     State           `json:"state"`
	Target    TargetRef       `json:"target"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Message   string          `json:"message,omitempty"`
	OrderID   string          `json:"order_id,omitempty"`
	CreatedBy string          `json:"created_by,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	ExpiresAt time.Time       `json:"expires_at"`

	// SentAt is nil until the worker accepted the dispatch request.
	SentAt *time.Time `json:"sent_at,omitempty"`
}

// Expired reports whether a WAITING action is past its expiration.
func (a *Action) Expired(now time.Time) bool {
	return a.State == StateWaiting && a.ExpiresAt.Before(now)
}

// OrderKind names the sweep that issued a group of actions.
type OrderKind string

const (
	OrderFetchAll  OrderKind = "FETCH_ALL"
	OrderStopAll   OrderKind = "STOP_ALL"
	OrderAutopilot OrderKind = "AUTOPILOT"
	OrderManual    OrderKind = "MANUAL"
)

// Order groups related actions. Its state is derived from the children.
type Order struct {
	ID        string    `json:"id"`
	Kind      OrderKind `json:"order_kind"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OrderState aggregates child states: any WAITING wins, then FAILED, then
// ABORTED. An order whose children all succeeded is SUCCESS; an empty order
// is still WAITING.
func OrderState(children []State) State {
	if len(children) == 0 {
		return StateWaiting
	}
	var failed, aborted bool
	for _, s := range children {
		switch s {
		case StateWaiting:
			return StateWaiting
		case StateFailed:
			failed = true
		case StateAborted:
			aborted = true
		}
	}
	switch {
	case failed:
		return StateFailed
	case aborted:
		return StateAborted
	default:
		return StateSuccess
	}
}
