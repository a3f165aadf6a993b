// Package engine applies edit messages to a document. The same Apply is used
// by the relay on its authoritative copy and by every participant on its local
// mirror, which is what makes them converge.
package engine

import (
	"errors"
	"fmt"

	"github.com/astromechza/lottie-sync/pkg/document"
	"github.com/astromechza/lottie-sync/pkg/protocol"
)

type Outcome uint8

const (
	Applied Outcome = iota
	Rejected
)

func (o Outcome) String() string {
	if o == Applied {
		return "applied"
	}
	return "rejected"
}

type Reason string

const (
	ReasonNone        Reason = ""
	ReasonStale       Reason = "stale"
	ReasonNotFound    Reason = "notFound"
	ReasonOutOfRange  Reason = "outOfRange"
	ReasonDuplicate   Reason = "duplicate"
	ReasonInvalid     Reason = "invalid"
	ReasonUnsupported Reason = "unsupported"
)

// Result describes what Apply did with a message. Rejections are normal
// outcomes and never faults of the connection that sent them.
type Result struct {
	Outcome Outcome
	Reason  Reason
	Err     error
	// Scope is who should see the message now that it has been applied.
	Scope protocol.Scope
	// RemovedPosition is the position a deleted layer occupied, or -1.
	RemovedPosition int
}

func (r Result) Applied() bool {
	return r.Outcome == Applied
}

func applied(msg protocol.Message) Result {
	return Result{Outcome: Applied, Scope: msg.Kind().Scope(), RemovedPosition: -1}
}

func rejected(reason Reason, err error) Result {
	return Result{Outcome: Rejected, Reason: reason, Err: err, Scope: protocol.ScopeNone, RemovedPosition: -1}
}

func rejectedBy(err error) Result {
	switch {
	case errors.Is(err, document.ErrNotFound):
		return rejected(ReasonNotFound, err)
	case errors.Is(err, document.ErrOutOfRange):
		return rejected(ReasonOutOfRange, err)
	case errors.Is(err, document.ErrDuplicate):
		return rejected(ReasonDuplicate, err)
	case errors.Is(err, ErrStale):
		return rejected(ReasonStale, err)
	}
	return rejected(ReasonInvalid, err)
}

// Apply runs msg against doc and returns the resulting document. doc is never
// modified; when the message is rejected the returned document is doc itself.
// clock is updated in place for accepted field edits.
//
// Field edits are gated by the clock. An edit without a timestamp bypasses the
// clock entirely and neither consults nor advances it. Structural edits are
// applied in arrival order. Scrubber moves do not change the document.
func Apply(doc *document.Document, clock *FieldClock, msg protocol.Message) (*document.Document, Result) {
	switch m := msg.(type) {
	case protocol.PropertyChange:
		return applyField(doc, clock, msg, Field{Layer: m.LayerID, Channel: m.Channel}, m.Timestamp, func() (*document.Document, error) {
			return doc.SetChannelConstant(m.LayerID, m.Channel, m.NewValue, m.Component, m.Frame)
		})

	case protocol.KeyframeValue:
		return applyField(doc, clock, msg, Field{Layer: m.LayerID, Channel: m.Channel}, m.Timestamp, func() (*document.Document, error) {
			return doc.SetKeyframeValue(m.LayerID, m.Channel, m.Keyframe, m.NewValue, m.Component)
		})

	case protocol.ScrubberPosition:
		return doc, applied(msg)

	case protocol.LayerAdded:
		if m.Layer == nil {
			return doc, rejected(ReasonInvalid, fmt.Errorf("%w: empty layer", document.ErrInvalid))
		}
		next, err := doc.InsertLayer(m.Layer, len(doc.Layers))
		if err != nil {
			return doc, rejectedBy(err)
		}
		return next, applied(msg)

	case protocol.LayerDeleted:
		next, pos, err := doc.RemoveLayer(m.LayerID)
		if err != nil {
			return doc, rejectedBy(err)
		}
		clock.Forget(m.LayerID)
		res := applied(msg)
		res.RemovedPosition = pos
		return next, res

	case protocol.LayerReordered:
		next, err := doc.MoveLayer(m.Source, m.Destination)
		if err != nil {
			return doc, rejectedBy(err)
		}
		return next, applied(msg)
	}
	return doc, rejected(ReasonUnsupported, fmt.Errorf("%s is not an edit", msg.Kind()))
}

// FieldOf returns the field a property or keyframe edit targets and its
// timestamp. ok is false for every other message.
func FieldOf(msg protocol.Message) (f Field, ts int64, ok bool) {
	switch m := msg.(type) {
	case protocol.PropertyChange:
		return Field{Layer: m.LayerID, Channel: m.Channel}, m.Timestamp, true
	case protocol.KeyframeValue:
		return Field{Layer: m.LayerID, Channel: m.Channel}, m.Timestamp, true
	}
	return Field{}, 0, false
}

func applyField(
	doc *document.Document,
	clock *FieldClock,
	msg protocol.Message,
	field Field,
	ts int64,
	mutate func() (*document.Document, error),
) (*document.Document, Result) {
	if ts != 0 && !clock.Allows(field, ts) {
		last, _ := clock.Last(field)
		return doc, rejected(ReasonStale, fmt.Errorf("%w: %s at %d, last accepted %d", ErrStale, field, ts, last))
	}
	next, err := mutate()
	if err != nil {
		return doc, rejectedBy(err)
	}
	if ts != 0 {
		clock.Record(field, ts)
	}
	return next, applied(msg)
}
