// Package protocol is the wire format exchanged between the relay and its
// participants: JSON text frames, each an envelope with a type discriminator
// and a payload.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/astromechza/lottie-sync/pkg/document"
)

var (
	ErrDecode      = errors.New("failed to decode message")
	ErrUnknownKind = errors.New("unknown message kind")
)

type Kind string

const (
	KindInitialState     Kind = "initialState"
	KindPropertyChange   Kind = "propertyChange"
	KindKeyframeValue    Kind = "updateKeyframeValue"
	KindScrubberPosition Kind = "updateScrubberPosition"
	KindLayerAdded       Kind = "layerAdded"
	KindLayerDeleted     Kind = "layerDeleted"
	KindLayerReordered   Kind = "layerReordered"
	KindRequestState     Kind = "requestState"
)

// Scope says who receives a message once the relay has applied it.
type Scope uint8

const (
	ScopeNone Scope = iota
	ScopeSender
	ScopeAll
	ScopeOthers
)

func (s Scope) String() string {
	switch s {
	case ScopeSender:
		return "sender"
	case ScopeAll:
		return "all"
	case ScopeOthers:
		return "others"
	}
	return "none"
}

// Scope returns the broadcast scope of the kind. Field edits are echoed to the
// sender too, structural edits are not.
func (k Kind) Scope() Scope {
	switch k {
	case KindPropertyChange, KindKeyframeValue, KindScrubberPosition:
		return ScopeAll
	case KindLayerAdded, KindLayerDeleted, KindLayerReordered:
		return ScopeOthers
	case KindInitialState, KindRequestState:
		return ScopeSender
	}
	return ScopeNone
}

// Structural reports whether the kind changes the layer list rather than a field.
func (k Kind) Structural() bool {
	return k.Scope() == ScopeOthers
}

type Envelope struct {
	Type      Kind            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	// Ack is set on initialState: the number of frames from the recipient the
	// relay had processed when it took the snapshot.
	Ack int64 `json:"ack,omitempty"`
}

// Message is implemented by every payload type.
type Message interface {
	Kind() Kind
}

type PropertyChange struct {
	LayerID   int            `json:"layerId"`
	Channel   string         `json:"channelName"`
	NewValue  document.Value `json:"newValue"`
	Component *int           `json:"componentIndex,omitempty"`
	Frame     *float64       `json:"frame,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

type KeyframeValue struct {
	LayerID   int            `json:"layerId"`
	Keyframe  int            `json:"keyframeIndex"`
	Channel   string         `json:"channelName"`
	NewValue  document.Value `json:"newValue"`
	Component *int           `json:"componentIndex,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// ScrubberPosition travels as a bare number.
type ScrubberPosition struct {
	Frame float64
}

type LayerAdded struct {
	Layer *document.Layer
}

type LayerDeleted struct {
	LayerID int `json:"layerId"`
}

type LayerReordered struct {
	Source      int `json:"sourcePosition"`
	Destination int `json:"destinationPosition"`
}

type InitialState struct {
	Document *document.Document
	// Acked counts the recipient's frames already reflected in Document.
	Acked int64
}

type RequestState struct{}

func (PropertyChange) Kind() Kind   { return KindPropertyChange }
func (KeyframeValue) Kind() Kind    { return KindKeyframeValue }
func (ScrubberPosition) Kind() Kind { return KindScrubberPosition }
func (LayerAdded) Kind() Kind       { return KindLayerAdded }
func (LayerDeleted) Kind() Kind     { return KindLayerDeleted }
func (LayerReordered) Kind() Kind   { return KindLayerReordered }
func (InitialState) Kind() Kind     { return KindInitialState }
func (RequestState) Kind() Kind     { return KindRequestState }

// Decode parses one frame. Parse failures wrap ErrDecode, a well formed
// envelope with a type nobody handles wraps ErrUnknownKind.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrDecode)
	}
	payload := env.Payload
	hasPayload := len(bytes.TrimSpace(payload)) > 0 && !bytes.Equal(bytes.TrimSpace(payload), []byte("null"))

	switch env.Type {
	case KindPropertyChange:
		var m PropertyChange
		if err := decodePayload(env.Type, payload, hasPayload, &m); err != nil {
			return nil, err
		}
		if m.Channel == "" || !m.NewValue.Valid() {
			return nil, fmt.Errorf("%w: %s needs channelName and newValue", ErrDecode, env.Type)
		}
		if m.Timestamp == 0 {
			m.Timestamp = env.Timestamp
		}
		return m, nil
	case KindKeyframeValue:
		var m KeyframeValue
		if err := decodePayload(env.Type, payload, hasPayload, &m); err != nil {
			return nil, err
		}
		if m.Channel == "" || !m.NewValue.Valid() {
			return nil, fmt.Errorf("%w: %s needs channelName and newValue", ErrDecode, env.Type)
		}
		if m.Timestamp == 0 {
			m.Timestamp = env.Timestamp
		}
		return m, nil
	case KindScrubberPosition:
		var m ScrubberPosition
		if err := decodePayload(env.Type, payload, hasPayload, &m.Frame); err != nil {
			return nil, err
		}
		return m, nil
	case KindLayerAdded:
		var l document.Layer
		if err := decodePayload(env.Type, payload, hasPayload, &l); err != nil {
			return nil, err
		}
		return LayerAdded{Layer: &l}, nil
	case KindLayerDeleted:
		var m LayerDeleted
		if err := decodePayload(env.Type, payload, hasPayload, &m); err != nil {
			return nil, err
		}
		return m, nil
	case KindLayerReordered:
		var m LayerReordered
		if err := decodePayload(env.Type, payload, hasPayload, &m); err != nil {
			return nil, err
		}
		return m, nil
	case KindInitialState:
		var d document.Document
		if err := decodePayload(env.Type, payload, hasPayload, &d); err != nil {
			return nil, err
		}
		return InitialState{Document: &d, Acked: env.Ack}, nil
	case KindRequestState:
		return RequestState{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
}

func decodePayload(kind Kind, payload json.RawMessage, present bool, into any) error {
	if !present {
		return fmt.Errorf("%w: %s has no payload", ErrDecode, kind)
	}
	if err := json.Unmarshal(payload, into); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrDecode, kind, err)
	}
	return nil
}

// Encode wraps msg in an envelope.
func Encode(msg Message) ([]byte, error) {
	env := Envelope{Type: msg.Kind()}
	var payload any
	switch m := msg.(type) {
	case PropertyChange, KeyframeValue, LayerDeleted, LayerReordered:
		payload = m
	case ScrubberPosition:
		payload = m.Frame
	case LayerAdded:
		payload = m.Layer
	case InitialState:
		payload = m.Document
		env.Ack = m.Acked
	case RequestState:
	default:
		return nil, fmt.Errorf("cannot encode %T", msg)
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", env.Type, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}
