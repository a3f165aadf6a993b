// Package document holds the in-memory animation document shared by a
// session: an ordered list of layers, each carrying a set of animatable
// channels. Every mutation is copy-on-write so a *Document that has been handed
// out is never changed underneath its reader.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrOutOfRange = errors.New("out of range")
	ErrDuplicate  = errors.New("duplicate layer")
	ErrInvalid    = errors.New("invalid")
)

// Document is the root of the animation. Layers are kept in render order.
type Document struct {
	ID        string
	Name      string
	Version   string
	FrameRate float64
	InPoint   float64
	OutPoint  float64
	Width     int
	Height    int
	Layers    []*Layer
	// NextIndex is the lowest layer identity never handed out. It only grows,
	// so a deleted layer's identity is not reused.
	NextIndex int
	Extra     map[string]json.RawMessage
}

// Layer is identified by Index, which is assigned at creation and never reused.
type Layer struct {
	Index     int
	Name      string
	Type      int
	InPoint   float64
	OutPoint  float64
	StartTime float64
	Transform map[string]*Channel
	Extra     map[string]json.RawMessage
}

// New returns an empty document.
func New(id, name string) *Document {
	return &Document{ID: id, Name: name, Version: "5.7.0", FrameRate: 30, OutPoint: 60, Layers: []*Layer{}}
}

// NewLayer returns a layer with the five transform channels at their neutral
// values.
func NewLayer(index int, name string) *Layer {
	l := &Layer{Index: index, Name: name, Transform: map[string]*Channel{}}
	for _, ch := range []string{Opacity, Rotation, Position, Anchor, Scale} {
		spec := Spec(ch)
		if spec.Arity == 1 {
			l.Transform[ch] = NewConstant(Scalar(spec.Neutral))
			continue
		}
		l.Transform[ch] = NewConstant(spec.fill())
	}
	return l
}

// Parse decodes a Lottie JSON document.
func Parse(data []byte) (*Document, error) {
	d := &Document{}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	out.Layers = make([]*Layer, len(d.Layers))
	for i, l := range d.Layers {
		out.Layers[i] = l.Clone()
	}
	return &out
}

func (l *Layer) Clone() *Layer {
	if l == nil {
		return nil
	}
	out := *l
	if l.Transform != nil {
		out.Transform = make(map[string]*Channel, len(l.Transform))
		for name, c := range l.Transform {
			out.Transform[name] = c.Clone()
		}
	}
	return &out
}

// Channel returns the named channel of the layer.
func (l *Layer) Channel(name string) (*Channel, error) {
	c, ok := l.Transform[name]
	if !ok || c == nil {
		return nil, fmt.Errorf("%w: channel %q on layer %d", ErrNotFound, name, l.Index)
	}
	return c, nil
}

// ChannelNames returns the layer's channel names in a stable order.
func (l *Layer) ChannelNames() []string {
	names := make([]string, 0, len(l.Transform))
	for name := range l.Transform {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (l *Layer) validate() error {
	for _, name := range l.ChannelNames() {
		if c := l.Transform[name]; c != nil && c.Kind == Track {
			if err := ValidateTrack(c.Keyframes); err != nil {
				return fmt.Errorf("layer %d channel %q: %w", l.Index, name, err)
			}
		}
	}
	return nil
}

type documentFields struct {
	ID        string   `json:"id,omitempty"`
	Name      string   `json:"nm"`
	Version   string   `json:"v,omitempty"`
	FrameRate float64  `json:"fr"`
	InPoint   float64  `json:"ip"`
	OutPoint  float64  `json:"op"`
	Width     int      `json:"w"`
	Height    int      `json:"h"`
	Layers    []*Layer `json:"layers"`
	NextIndex int      `json:"nextInd,omitempty"`
}

var documentKeys = []string{"id", "nm", "v", "fr", "ip", "op", "w", "h", "layers", "nextInd"}

func (d Document) MarshalJSON() ([]byte, error) {
	layers := d.Layers
	if layers == nil {
		layers = []*Layer{}
	}
	return marshalMerged(documentFields{
		ID:        d.ID,
		Name:      d.Name,
		Version:   d.Version,
		FrameRate: d.FrameRate,
		InPoint:   d.InPoint,
		OutPoint:  d.OutPoint,
		Width:     d.Width,
		Height:    d.Height,
		Layers:    layers,
		NextIndex: d.NextIndex,
	}, d.Extra)
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var fields documentFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}
	extra, err := splitExtra(data, documentKeys...)
	if err != nil {
		return err
	}
	*d = Document{
		ID:        fields.ID,
		Name:      fields.Name,
		Version:   fields.Version,
		FrameRate: fields.FrameRate,
		InPoint:   fields.InPoint,
		OutPoint:  fields.OutPoint,
		Width:     fields.Width,
		Height:    fields.Height,
		Layers:    fields.Layers,
		NextIndex: fields.NextIndex,
		Extra:     extra,
	}
	if d.Layers == nil {
		d.Layers = []*Layer{}
	}
	seen := make(map[int]bool, len(d.Layers))
	for i, l := range d.Layers {
		if l == nil {
			return fmt.Errorf("%w: layer %d is null", ErrInvalid, i)
		}
		if seen[l.Index] {
			return fmt.Errorf("%w: index %d", ErrDuplicate, l.Index)
		}
		seen[l.Index] = true
	}
	return nil
}

type layerFields struct {
	Index     int                 `json:"ind"`
	Name      string              `json:"nm"`
	Type      int                 `json:"ty"`
	InPoint   float64             `json:"ip"`
	OutPoint  float64             `json:"op"`
	StartTime float64             `json:"st"`
	Transform map[string]*Channel `json:"ks,omitempty"`
}

var layerKeys = []string{"ind", "nm", "ty", "ip", "op", "st", "ks"}

func (l Layer) MarshalJSON() ([]byte, error) {
	return marshalMerged(layerFields{
		Index:     l.Index,
		Name:      l.Name,
		Type:      l.Type,
		InPoint:   l.InPoint,
		OutPoint:  l.OutPoint,
		StartTime: l.StartTime,
		Transform: l.Transform,
	}, l.Extra)
}

func (l *Layer) UnmarshalJSON(data []byte) error {
	var fields layerFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("invalid layer: %w", err)
	}
	extra, err := splitExtra(data, layerKeys...)
	if err != nil {
		return err
	}
	*l = Layer{
		Index:     fields.Index,
		Name:      fields.Name,
		Type:      fields.Type,
		InPoint:   fields.InPoint,
		OutPoint:  fields.OutPoint,
		StartTime: fields.StartTime,
		Transform: fields.Transform,
		Extra:     extra,
	}
	if l.Transform == nil {
		l.Transform = map[string]*Channel{}
	}
	return nil
}

// marshalMerged encodes known and then overlays it on top of the preserved
// unknown keys so a decoded document re-encodes without losing data.
func marshalMerged(known any, extra map[string]json.RawMessage) ([]byte, error) {
	raw, err := json.Marshal(known)
	if err != nil || len(extra) == 0 {
		return raw, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	merged := make(map[string]json.RawMessage, len(extra)+len(fields))
	for k, v := range extra {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func splitExtra(data []byte, known ...string) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("%w: expected an object: %v", ErrInvalid, err)
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}
