package document

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Channel names used by the Lottie transform block.
const (
	Opacity  = "o"
	Position = "p"
	Anchor   = "a"
	Scale    = "s"
	Rotation = "r"
)

// ChannelSpec describes how many components a channel conceptually has and the
// value used for components that are not stored.
type ChannelSpec struct {
	Name    string
	Arity   int
	Neutral float64
}

var channelSpecs = map[string]ChannelSpec{
	Opacity:  {Name: Opacity, Arity: 1, Neutral: 100},
	Rotation: {Name: Rotation, Arity: 1, Neutral: 0},
	Position: {Name: Position, Arity: 3, Neutral: 0},
	Anchor:   {Name: Anchor, Arity: 3, Neutral: 0},
	Scale:    {Name: Scale, Arity: 3, Neutral: 100},
}

// Spec returns the catalogue entry for a channel. Unknown channels are treated
// as single-component with a neutral value of zero.
func Spec(name string) ChannelSpec {
	if s, ok := channelSpecs[name]; ok {
		return s
	}
	return ChannelSpec{Name: name, Arity: 1}
}

func (s ChannelSpec) fill() Value {
	components := make([]float64, s.Arity)
	for i := range components {
		components[i] = s.Neutral
	}
	return Vector(components...)
}

// Kind is the storage representation of a channel.
type Kind uint8

const (
	Constant Kind = iota
	Track
)

func (k Kind) String() string {
	if k == Track {
		return "track"
	}
	return "constant"
}

// Channel is one animatable property slot on a layer. Kind decides which of
// Value or Keyframes is meaningful.
type Channel struct {
	Kind      Kind
	Value     Value
	Keyframes []Keyframe
	Extra     map[string]json.RawMessage
}

// Keyframe is one (frame, value) pair of a track. T is nil when the source
// omitted it. E is the legacy end value some exporters write instead of
// putting a start value on the following keyframe.
type Keyframe struct {
	T     *float64
	S     Value
	E     Value
	Extra map[string]json.RawMessage
}

func NewConstant(v Value) *Channel {
	return &Channel{Kind: Constant, Value: v.clone()}
}

func NewTrack(keyframes ...Keyframe) *Channel {
	c := &Channel{Kind: Track}
	for _, kf := range keyframes {
		c.Keyframes = append(c.Keyframes, kf.clone())
	}
	return c
}

// At builds a keyframe at frame t.
func At(t float64, v Value) Keyframe {
	return Keyframe{T: &t, S: v}
}

func (c *Channel) Clone() *Channel {
	if c == nil {
		return nil
	}
	out := &Channel{Kind: c.Kind, Value: c.Value.clone(), Extra: c.Extra}
	if c.Keyframes != nil {
		out.Keyframes = make([]Keyframe, len(c.Keyframes))
		for i, kf := range c.Keyframes {
			out.Keyframes[i] = kf.clone()
		}
	}
	return out
}

func (k Keyframe) clone() Keyframe {
	out := Keyframe{S: k.S.clone(), E: k.E.clone(), Extra: k.Extra}
	if k.T != nil {
		t := *k.T
		out.T = &t
	}
	return out
}

// ValidateTrack checks that the defined frame numbers of a track are strictly
// increasing.
func ValidateTrack(keyframes []Keyframe) error {
	var prev *float64
	for i, kf := range keyframes {
		if kf.T == nil {
			continue
		}
		if prev != nil && *kf.T <= *prev {
			return fmt.Errorf("%w: keyframe %d at frame %v does not follow frame %v", ErrInvalid, i, *kf.T, *prev)
		}
		prev = kf.T
	}
	return nil
}

type channelFields struct {
	Animated int             `json:"a"`
	K        json.RawMessage `json:"k,omitempty"`
}

func (c Channel) MarshalJSON() ([]byte, error) {
	fields := channelFields{}
	var err error
	if c.Kind == Track {
		fields.Animated = 1
		keyframes := c.Keyframes
		if keyframes == nil {
			keyframes = []Keyframe{}
		}
		fields.K, err = json.Marshal(keyframes)
	} else if c.Value.Valid() {
		fields.K, err = json.Marshal(c.Value)
	}
	if err != nil {
		return nil, err
	}
	return marshalMerged(fields, c.Extra)
}

// UnmarshalJSON decides the channel representation once: an explicit "a":1 or
// a "k" that is a list of objects makes a track, everything else a constant.
func (c *Channel) UnmarshalJSON(data []byte) error {
	var fields channelFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("invalid channel: %w", err)
	}
	extra, err := splitExtra(data, "a", "k")
	if err != nil {
		return err
	}
	*c = Channel{Extra: extra}
	if fields.Animated == 1 || isObjectList(fields.K) {
		c.Kind = Track
		if len(fields.K) > 0 {
			if err := json.Unmarshal(fields.K, &c.Keyframes); err != nil {
				return fmt.Errorf("invalid keyframes: %w", err)
			}
		}
		return nil
	}
	c.Kind = Constant
	return c.Value.UnmarshalJSON(fields.K)
}

func isObjectList(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return false
	}
	rest := bytes.TrimSpace(raw[1:])
	return len(rest) > 0 && rest[0] == '{'
}

type keyframeFields struct {
	T *float64 `json:"t,omitempty"`
	S *Value   `json:"s,omitempty"`
	E *Value   `json:"e,omitempty"`
}

func (k Keyframe) MarshalJSON() ([]byte, error) {
	fields := keyframeFields{T: k.T}
	if k.S.Valid() {
		fields.S = &k.S
	}
	if k.E.Valid() {
		fields.E = &k.E
	}
	return marshalMerged(fields, k.Extra)
}

func (k *Keyframe) UnmarshalJSON(data []byte) error {
	var fields keyframeFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("invalid keyframe: %w", err)
	}
	extra, err := splitExtra(data, "t", "s", "e")
	if err != nil {
		return err
	}
	*k = Keyframe{T: fields.T, Extra: extra}
	if fields.S != nil {
		k.S = *fields.S
	}
	if fields.E != nil {
		k.E = *fields.E
	}
	return nil
}
