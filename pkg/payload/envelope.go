// Package payload defines the execution envelope sent to the external
// worker. Arguments are typed per action kind and validated against a JSON
// schema when the envelope is built, so malformed requests fail at
// construction rather than at the worker.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/actiond/pkg/actionlog"
)

var (
	ErrUnknownKind   = errors.New("payload: unknown action kind")
	ErrInvalidArgs   = errors.New("payload: invalid arguments")
	ErrKindMismatch  = errors.New("payload: arguments do not match action kind")
	ErrMissingField  = errors.New("payload: missing required field")
	ErrExpiredOnSend = errors.New("payload: expiration is not in the future")
)

// Envelope is the wire body of a dispatch request.
type Envelope struct {
	Action       actionlog.Kind  `json:"action"`
	Source       string          `json:"source"`
	ExpirationDT time.Time       `json:"expiration_dt"`
	Credentials  *string         `json:"credentials"`
	Args         json.RawMessage `json:"args"`
	CallbackURL  string          `json:"callback_url"`
}

// Input carries everything needed to build an envelope.
type Input struct {
	Kind        actionlog.Kind
	Source      string
	Credentials *string
	Args        Args
	CallbackURL string
	ExpiresAt   time.Time
	Now         time.Time
}

// Build validates in and returns the envelope.
func Build(in Input) (*Envelope, error) {
	if !in.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, in.Kind)
	}
	if in.Args == nil {
		return nil, fmt.Errorf("%w: args", ErrMissingField)
	}
	if in.Args.Kind() != in.Kind {
		return nil, fmt.Errorf("%w: %s args for %s action", ErrKindMismatch, in.Args.Kind(), in.Kind)
	}
	if in.Source == "" {
		return nil, fmt.Errorf("%w: source", ErrMissingField)
	}
	if in.CallbackURL == "" {
		return nil, fmt.Errorf("%w: callback_url", ErrMissingField)
	}
	if !in.Now.IsZero() && !in.ExpiresAt.After(in.Now) {
		return nil, ErrExpiredOnSend
	}

	raw, err := json.Marshal(in.Args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if err := ValidateArgs(in.Kind, raw); err != nil {
		return nil, err
	}

	return &Envelope{
		Action:       in.Kind,
		Source:       in.Source,
		ExpirationDT: in.ExpiresAt.UTC(),
		Credentials:  in.Credentials,
		Args:         raw,
		CallbackURL:  in.CallbackURL,
	}, nil
}

// ValidateArgs checks raw arguments against the schema of kind.
func ValidateArgs(kind actionlog.Kind, raw json.RawMessage) error {
	schema, err := schemaFor(kind)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArgs, kind, err)
	}
	return nil
}

// DecodeArgs validates raw arguments and decodes them into the typed form of kind.
func DecodeArgs(kind actionlog.Kind, raw json.RawMessage) (Args, error) {
	args, ok := newArgs(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err := ValidateArgs(kind, raw); err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return args, nil
}

// Encode returns the wire form of e.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a stored or received envelope.
func Decode(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("payload: decode envelope: %w", err)
	}
	if !e.Action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Action)
	}
	return &e, nil
}
