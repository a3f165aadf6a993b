package engine

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/lottie-sync/pkg/document"
	"github.com/astromechza/lottie-sync/pkg/protocol"
)

func seed(t *testing.T, n int) *document.Document {
	t.Helper()
	d := document.New("doc", "doc")
	for i := 0; i < n; i++ {
		var err error
		d, err = d.InsertLayer(document.NewLayer(i, ""), i)
		require.NoError(t, err)
	}
	return d
}

func permutations(msgs []protocol.Message) [][]protocol.Message {
	if len(msgs) <= 1 {
		return [][]protocol.Message{append([]protocol.Message{}, msgs...)}
	}
	var out [][]protocol.Message
	for i := range msgs {
		rest := make([]protocol.Message, 0, len(msgs)-1)
		rest = append(rest, msgs[:i]...)
		rest = append(rest, msgs[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]protocol.Message{msgs[i]}, p...))
		}
	}
	return out
}

func encoded(t *testing.T, d *document.Document) string {
	t.Helper()
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	return string(raw)
}

func component(i int) *int { return &i }

func TestShouldApply(t *testing.T) {
	c := NewFieldClock()
	assert.True(t, ShouldApply(c, 1, "o", 10))
	assert.False(t, ShouldApply(c, 1, "o", 10))
	assert.False(t, ShouldApply(c, 1, "o", 9))
	assert.True(t, ShouldApply(c, 1, "p", 1), "fields are independent")
	assert.True(t, ShouldApply(c, 2, "o", 1), "layers are independent")
	assert.True(t, ShouldApply(c, 1, "o", 11))
	last, ok := c.Last(Field{Layer: 1, Channel: "o"})
	assert.True(t, ok)
	assert.EqualValues(t, 11, last)

	c.Forget(1)
	assert.Equal(t, 1, c.Len())
	assert.True(t, ShouldApply(c, 1, "o", 1))
}

func TestConvergesInAnyOrder(t *testing.T) {
	msgs := []protocol.Message{
		protocol.PropertyChange{LayerID: 0, Channel: "o", NewValue: document.Scalar(50), Timestamp: 100},
		protocol.PropertyChange{LayerID: 0, Channel: "o", NewValue: document.Scalar(20), Timestamp: 90},
		protocol.PropertyChange{LayerID: 0, Channel: "o", NewValue: document.Scalar(70), Timestamp: 95},
		protocol.PropertyChange{LayerID: 1, Channel: "s", NewValue: document.Scalar(10), Component: component(1), Timestamp: 3},
		protocol.PropertyChange{LayerID: 1, Channel: "r", NewValue: document.Scalar(45), Timestamp: 4},
	}
	var want string
	for i, order := range permutations(msgs) {
		d, clock := seed(t, 2), NewFieldClock()
		for _, msg := range order {
			d, _ = Apply(d, clock, msg)
		}
		got := encoded(t, d)
		if i == 0 {
			want = got
			v, _, err := d.Resolve(0, "o", 0)
			require.NoError(t, err)
			assert.Equal(t, 50.0, v.Float())
			continue
		}
		require.Equal(t, want, got, "order %d", i)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	d, clock := seed(t, 1), NewFieldClock()
	msg := protocol.PropertyChange{LayerID: 0, Channel: "o", NewValue: document.Scalar(25), Timestamp: 7}

	d1, res := Apply(d, clock, msg)
	require.True(t, res.Applied())
	assert.Equal(t, protocol.ScopeAll, res.Scope)

	d2, res := Apply(d1, clock, msg)
	assert.False(t, res.Applied())
	assert.Equal(t, ReasonStale, res.Reason)
	assert.ErrorIs(t, res.Err, ErrStale)
	assert.Equal(t, protocol.ScopeNone, res.Scope)
	assert.Same(t, d1, d2)
}

func TestUntimedEditBypassesClock(t *testing.T) {
	d, clock := seed(t, 1), NewFieldClock()
	d, res := Apply(d, clock, protocol.PropertyChange{LayerID: 0, Channel: "o", NewValue: document.Scalar(10), Timestamp: 50})
	require.True(t, res.Applied())

	d, res = Apply(d, clock, protocol.PropertyChange{LayerID: 0, Channel: "o", NewValue: document.Scalar(11)})
	require.True(t, res.Applied())
	last, _ := clock.Last(Field{Layer: 0, Channel: "o"})
	assert.EqualValues(t, 50, last)

	v, _, err := d.Resolve(0, "o", 0)
	require.NoError(t, err)
	assert.Equal(t, 11.0, v.Float())
}

func TestFailedEditDoesNotAdvanceClock(t *testing.T) {
	d, clock := seed(t, 1), NewFieldClock()
	_, res := Apply(d, clock, protocol.PropertyChange{LayerID: 0, Channel: "o", NewValue: document.Scalar(1), Component: component(4), Timestamp: 9})
	assert.Equal(t, ReasonOutOfRange, res.Reason)
	_, ok := clock.Last(Field{Layer: 0, Channel: "o"})
	assert.False(t, ok)

	_, res = Apply(d, clock, protocol.PropertyChange{LayerID: 5, Channel: "o", NewValue: document.Scalar(1), Timestamp: 9})
	assert.Equal(t, ReasonNotFound, res.Reason)
	assert.ErrorIs(t, res.Err, document.ErrNotFound)
}

func TestKeyframeValueEdit(t *testing.T) {
	l := document.NewLayer(0, "")
	l.Transform["o"] = document.NewTrack(document.At(0, document.Scalar(0)), document.At(10, document.Scalar(100)))
	d, err := document.New("", "").InsertLayer(l, 0)
	require.NoError(t, err)
	clock := NewFieldClock()

	d, res := Apply(d, clock, protocol.KeyframeValue{LayerID: 0, Channel: "o", Keyframe: 1, NewValue: document.Scalar(50), Timestamp: 2})
	require.True(t, res.Applied())
	v, _, err := d.Resolve(0, "o", 5)
	require.NoError(t, err)
	assert.Equal(t, 25.0, v.Float())

	_, res = Apply(d, clock, protocol.KeyframeValue{LayerID: 0, Channel: "o", Keyframe: 1, NewValue: document.Scalar(10), Timestamp: 1})
	assert.Equal(t, ReasonStale, res.Reason)

	_, res = Apply(d, clock, protocol.KeyframeValue{LayerID: 0, Channel: "o", Keyframe: 6, NewValue: document.Scalar(10), Timestamp: 3})
	assert.Equal(t, ReasonNotFound, res.Reason)
}

func TestStructuralEdits(t *testing.T) {
	d, clock := seed(t, 4), NewFieldClock()

	next, res := Apply(d, clock, protocol.LayerReordered{Source: 2, Destination: 0})
	require.True(t, res.Applied())
	assert.Equal(t, protocol.ScopeOthers, res.Scope)
	var order []int
	for _, l := range next.Layers {
		order = append(order, l.Index)
	}
	assert.Equal(t, []int{2, 0, 1, 3}, order)

	_, res = Apply(d, clock, protocol.LayerReordered{Source: 0, Destination: 4})
	assert.Equal(t, ReasonOutOfRange, res.Reason)

	Apply(d, clock, protocol.PropertyChange{LayerID: 1, Channel: "o", NewValue: document.Scalar(1), Timestamp: 1})
	next, res = Apply(d, clock, protocol.LayerDeleted{LayerID: 1})
	require.True(t, res.Applied())
	assert.Equal(t, 1, res.RemovedPosition)
	assert.Len(t, next.Layers, 3)
	assert.Equal(t, 0, clock.Len())

	same, res := Apply(next, clock, protocol.LayerDeleted{LayerID: 1})
	assert.Equal(t, ReasonNotFound, res.Reason)
	assert.Same(t, next, same)

	added, res := Apply(next, clock, protocol.LayerAdded{Layer: document.NewLayer(7, "seven")})
	require.True(t, res.Applied())
	assert.Equal(t, 7, added.Layers[len(added.Layers)-1].Index)

	_, res = Apply(added, clock, protocol.LayerAdded{Layer: document.NewLayer(7, "again")})
	assert.Equal(t, ReasonDuplicate, res.Reason)

	_, res = Apply(added, clock, protocol.LayerAdded{})
	assert.Equal(t, ReasonInvalid, res.Reason)
}

func TestNonEditsAreUnsupported(t *testing.T) {
	d := seed(t, 1)
	out, res := Apply(d, NewFieldClock(), protocol.RequestState{})
	assert.Equal(t, ReasonUnsupported, res.Reason)
	assert.Same(t, d, out)
	_, res = Apply(d, NewFieldClock(), protocol.InitialState{Document: d})
	assert.Equal(t, ReasonUnsupported, res.Reason)
}

func TestReplica(t *testing.T) {
	r := NewReplica(seed(t, 2))
	before := r.Document()

	res := r.Apply(protocol.ScrubberPosition{Frame: 12})
	require.True(t, res.Applied())
	assert.Equal(t, 12.0, r.Frame())
	assert.Same(t, before, r.Document())

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(ts int) {
			defer wg.Done()
			r.Apply(protocol.PropertyChange{LayerID: 0, Channel: "r", NewValue: document.Scalar(float64(ts)), Timestamp: int64(ts)})
		}(i)
	}
	wg.Wait()

	v, ok, err := r.Resolve(0, "r", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 20.0, v.Float())
	v, _, _ = before.Resolve(0, "r", 0)
	assert.Equal(t, 0.0, v.Float(), "snapshots are immutable")

	r.Reset(seed(t, 1))
	assert.Len(t, r.Document().Layers, 1)
	_, ok = r.Last(Field{Layer: 0, Channel: "r"})
	assert.False(t, ok, "reset starts a fresh clock")
	res = r.Apply(protocol.PropertyChange{LayerID: 0, Channel: "r", NewValue: document.Scalar(5), Timestamp: 3})
	assert.True(t, res.Applied())
}

func TestFieldOf(t *testing.T) {
	f, ts, ok := FieldOf(protocol.PropertyChange{LayerID: 2, Channel: "o", Timestamp: 9})
	assert.True(t, ok)
	assert.Equal(t, Field{Layer: 2, Channel: "o"}, f)
	assert.EqualValues(t, 9, ts)
	f, _, ok = FieldOf(protocol.KeyframeValue{LayerID: 1, Channel: "p"})
	assert.True(t, ok)
	assert.Equal(t, "1-p", f.String())
	_, _, ok = FieldOf(protocol.LayerDeleted{LayerID: 1})
	assert.False(t, ok)
}
