package document

import (
	"fmt"
)

// Layer looks a layer up by identity and also returns its current position.
func (d *Document) Layer(id int) (*Layer, int, error) {
	for i, l := range d.Layers {
		if l.Index == id {
			return l, i, nil
		}
	}
	return nil, -1, fmt.Errorf("%w: layer %d", ErrNotFound, id)
}

// NextLayerIndex returns an identity no layer of this document has ever used.
func (d *Document) NextLayerIndex() int {
	next := max(1, d.NextIndex)
	for _, l := range d.Layers {
		if l.Index >= next {
			next = l.Index + 1
		}
	}
	return next
}

// withLayers returns a shallow copy of d that owns its own layer slice.
func (d *Document) withLayers(layers []*Layer) *Document {
	out := *d
	out.Layers = layers
	return &out
}

func (d *Document) replaceLayer(pos int, l *Layer) *Document {
	layers := make([]*Layer, len(d.Layers))
	copy(layers, d.Layers)
	layers[pos] = l
	return d.withLayers(layers)
}

// editChannel copies the layer and the named channel, hands the copy to fn
// and returns a document containing the edited copy.
func (d *Document) editChannel(id int, channel string, fn func(spec ChannelSpec, c *Channel) error) (*Document, error) {
	l, pos, err := d.Layer(id)
	if err != nil {
		return nil, err
	}
	c, err := l.Channel(channel)
	if err != nil {
		return nil, err
	}
	edited := c.Clone()
	if err := fn(Spec(channel), edited); err != nil {
		return nil, err
	}
	nl := *l
	nl.Transform = make(map[string]*Channel, len(l.Transform))
	for name, existing := range l.Transform {
		nl.Transform[name] = existing
	}
	nl.Transform[channel] = edited
	return d.replaceLayer(pos, &nl), nil
}

// SetChannelConstant writes v into a channel. On a constant channel the value
// is replaced, or only one component when component is set. On a keyframed
// channel the keyframe sitting exactly at frame is written instead.
func (d *Document) SetChannelConstant(id int, channel string, v Value, component *int, frame *float64) (*Document, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("%w: empty value", ErrInvalid)
	}
	return d.editChannel(id, channel, func(spec ChannelSpec, c *Channel) error {
		if c.Kind == Constant {
			nv, err := writeComponent(c.Value, v, component, spec)
			if err != nil {
				return err
			}
			c.Value = nv
			return nil
		}
		if frame == nil {
			return fmt.Errorf("%w: channel %q is keyframed and no frame was given", ErrNotFound, channel)
		}
		for i := range c.Keyframes {
			kf := &c.Keyframes[i]
			if kf.T != nil && *kf.T == *frame {
				nv, err := writeComponent(kf.S, v, component, spec)
				if err != nil {
					return err
				}
				kf.S = nv
				return nil
			}
		}
		return fmt.Errorf("%w: no keyframe of %q at frame %v", ErrNotFound, channel, *frame)
	})
}

// SetKeyframeValue writes the value of the keyframe at position keyframe of a
// keyframed channel. Frame numbers are untouched so track ordering holds.
func (d *Document) SetKeyframeValue(id int, channel string, keyframe int, v Value, component *int) (*Document, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("%w: empty value", ErrInvalid)
	}
	return d.editChannel(id, channel, func(spec ChannelSpec, c *Channel) error {
		if c.Kind != Track {
			return fmt.Errorf("%w: channel %q has no keyframes", ErrNotFound, channel)
		}
		if keyframe < 0 || keyframe >= len(c.Keyframes) {
			return fmt.Errorf("%w: keyframe %d of %q", ErrNotFound, keyframe, channel)
		}
		kf := &c.Keyframes[keyframe]
		nv, err := writeComponent(kf.S, v, component, spec)
		if err != nil {
			return err
		}
		kf.S = nv
		return nil
	})
}

// writeComponent produces the value that results from writing v over cur.
// Without a component v replaces cur. With one, a scalar (or missing) cur is
// first promoted to a vector of the channel's arity filled with its neutral
// value.
func writeComponent(cur, v Value, component *int, spec ChannelSpec) (Value, error) {
	if component == nil {
		return v.clone(), nil
	}
	i := *component
	var components []float64
	if cur.IsVector() {
		components = cur.Components()
	} else {
		components = spec.fill().Components()
	}
	size := len(components)
	if spec.Arity > size {
		size = spec.Arity
	}
	if i < 0 || i >= size {
		return Value{}, fmt.Errorf("%w: component %d of %q", ErrOutOfRange, i, spec.Name)
	}
	for len(components) < size {
		components = append(components, spec.Neutral)
	}
	components[i] = v.Float()
	return Vector(components...), nil
}

// InsertLayer places l at position at, which may equal the layer count to
// append.
func (d *Document) InsertLayer(l *Layer, at int) (*Document, error) {
	if l == nil {
		return nil, fmt.Errorf("%w: nil layer", ErrInvalid)
	}
	if at < 0 || at > len(d.Layers) {
		return nil, fmt.Errorf("%w: insert position %d of %d", ErrOutOfRange, at, len(d.Layers))
	}
	if _, _, err := d.Layer(l.Index); err == nil {
		return nil, fmt.Errorf("%w: index %d", ErrDuplicate, l.Index)
	}
	if err := l.validate(); err != nil {
		return nil, err
	}
	layers := make([]*Layer, 0, len(d.Layers)+1)
	layers = append(layers, d.Layers[:at]...)
	layers = append(layers, l.Clone())
	layers = append(layers, d.Layers[at:]...)
	out := d.withLayers(layers)
	out.NextIndex = out.NextLayerIndex()
	return out, nil
}

// RemoveLayer drops the layer with identity id and reports the position it
// occupied.
func (d *Document) RemoveLayer(id int) (*Document, int, error) {
	_, pos, err := d.Layer(id)
	if err != nil {
		return nil, -1, err
	}
	layers := make([]*Layer, 0, len(d.Layers)-1)
	layers = append(layers, d.Layers[:pos]...)
	layers = append(layers, d.Layers[pos+1:]...)
	out := d.withLayers(layers)
	// computed before the removal so the removed identity stays retired
	out.NextIndex = d.NextLayerIndex()
	return out, pos, nil
}

// MoveLayer takes the layer at position from out of the sequence and
// reinserts it at position to.
func (d *Document) MoveLayer(from, to int) (*Document, error) {
	n := len(d.Layers)
	if from < 0 || from >= n || to < 0 || to >= n {
		return nil, fmt.Errorf("%w: move %d -> %d with %d layers", ErrOutOfRange, from, to, n)
	}
	layers := make([]*Layer, 0, n)
	layers = append(layers, d.Layers[:from]...)
	layers = append(layers, d.Layers[from+1:]...)
	moved := d.Layers[from]
	layers = append(layers[:to], append([]*Layer{moved}, layers[to:]...)...)
	return d.withLayers(layers), nil
}
