package engine

import (
	"errors"
	"fmt"
)

var ErrStale = errors.New("stale edit")

// Field identifies one editable slot: a channel on a layer.
type Field struct {
	Layer   int
	Channel string
}

func (f Field) String() string {
	return fmt.Sprintf("%d-%s", f.Layer, f.Channel)
}

// FieldClock remembers the timestamp of the last accepted edit per field.
// It is not safe for concurrent use; Replica guards it.
type FieldClock struct {
	last map[Field]int64
}

func NewFieldClock() *FieldClock {
	return &FieldClock{last: map[Field]int64{}}
}

// Allows reports whether an edit stamped ts may be applied to f without
// recording anything.
func (c *FieldClock) Allows(f Field, ts int64) bool {
	prev, ok := c.last[f]
	return !ok || ts > prev
}

// Record notes ts as the latest accepted timestamp for f.
func (c *FieldClock) Record(f Field, ts int64) {
	if c.last == nil {
		c.last = map[Field]int64{}
	}
	c.last[f] = ts
}

// Admit is Allows followed by Record when the edit is allowed.
func (c *FieldClock) Admit(f Field, ts int64) bool {
	if !c.Allows(f, ts) {
		return false
	}
	c.Record(f, ts)
	return true
}

func (c *FieldClock) Last(f Field) (int64, bool) {
	ts, ok := c.last[f]
	return ts, ok
}

// Forget drops every entry for a layer. Entries for deleted layers are
// harmless; this only keeps the map from growing.
func (c *FieldClock) Forget(layer int) {
	for f := range c.last {
		if f.Layer == layer {
			delete(c.last, f)
		}
	}
}

func (c *FieldClock) Len() int {
	return len(c.last)
}

func (c *FieldClock) Clone() *FieldClock {
	out := &FieldClock{last: make(map[Field]int64, len(c.last))}
	for f, ts := range c.last {
		out.last[f] = ts
	}
	return out
}

// ShouldApply is the last-write-wins rule for a single field: the edit is
// accepted when nothing was recorded yet or ts is strictly newer, and an
// accepted edit is recorded.
func ShouldApply(clock *FieldClock, layer int, channel string, ts int64) bool {
	return clock.Admit(Field{Layer: layer, Channel: channel}, ts)
}
