package document

// Resolve returns the effective value of a layer channel at frame. ok is false
// when the channel has nothing to offer at any frame (an empty track).
func (d *Document) Resolve(id int, channel string, frame float64) (v Value, ok bool, err error) {
	l, _, err := d.Layer(id)
	if err != nil {
		return Value{}, false, err
	}
	c, err := l.Channel(channel)
	if err != nil {
		return Value{}, false, err
	}
	v, ok = c.ValueAt(Spec(channel), frame)
	return v, ok, nil
}

// ValueAt resolves the channel at frame. Before the first keyframe the first
// value holds, after the last keyframe the last value holds, and in between
// values are interpolated linearly.
func (c *Channel) ValueAt(spec ChannelSpec, frame float64) (Value, bool) {
	if c.Kind == Constant {
		return c.Value.clone(), c.Value.Valid()
	}

	timed := make([]int, 0, len(c.Keyframes))
	for i, kf := range c.Keyframes {
		if kf.T != nil {
			timed = append(timed, i)
		}
	}
	if len(timed) == 0 {
		return Value{}, false
	}

	idx := -1
	for j, i := range timed {
		if *c.Keyframes[i].T >= frame {
			idx = j
			break
		}
	}

	switch {
	case idx == -1:
		return c.startValue(timed[len(timed)-1])
	case idx == 0 || c.Keyframes[0].T == nil:
		if c.Keyframes[0].T == nil {
			return c.startValue(0)
		}
		return c.startValue(timed[0])
	}

	prevAt, nextAt := timed[idx-1], timed[idx]
	next, nextOK := c.startValue(nextAt)
	t1 := *c.Keyframes[nextAt].T
	if t1 == frame && nextOK {
		return next, true
	}
	prev, prevOK := c.startValue(prevAt)
	if !prevOK || !nextOK {
		if prevOK {
			return prev, true
		}
		return next, nextOK
	}
	t0 := *c.Keyframes[prevAt].T
	progress := (frame - t0) / (t1 - t0)
	return interpolate(prev, next, progress, spec), true
}

// startValue is the value a keyframe starts at. Old exporters leave s off a
// keyframe and put the value on the previous keyframe's e instead.
func (c *Channel) startValue(i int) (Value, bool) {
	kf := c.Keyframes[i]
	if kf.S.Valid() {
		return kf.S.clone(), true
	}
	if i > 0 && c.Keyframes[i-1].E.Valid() {
		return c.Keyframes[i-1].E.clone(), true
	}
	return Value{}, false
}

// interpolate blends a towards b component-wise. When the channel is a vector
// (either endpoint is one, or the channel has more than one component) a
// scalar endpoint contributes the neutral value for every component.
func interpolate(a, b Value, progress float64, spec ChannelSpec) Value {
	if !a.IsVector() && !b.IsVector() && spec.Arity == 1 {
		pa, pb := a.Float(), b.Float()
		return Scalar(pa + progress*(pb-pa))
	}
	width := 0
	if a.IsVector() {
		width = a.Len()
	}
	if b.IsVector() && b.Len() > width {
		width = b.Len()
	}
	if width == 0 {
		width = spec.Arity
	}
	out := make([]float64, width)
	for i := range out {
		pa, pb := a.At(i, spec.Neutral), b.At(i, spec.Neutral)
		out[i] = pa + progress*(pb-pa)
	}
	return Vector(out...)
}
