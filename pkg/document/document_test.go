package document

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLottie = `{
  "v": "5.7.4", "fr": 30, "ip": 0, "op": 60, "w": 512, "h": 512, "nm": "bounce",
  "ddd": 0, "assets": [], "markers": [{"cm": "intro", "tm": 0, "dr": 10}],
  "layers": [
    {
      "ddd": 0, "ind": 1, "ty": 4, "nm": "ball", "sr": 1, "ip": 0, "op": 60, "st": 0, "bm": 0,
      "shapes": [{"ty": "el", "nm": "circle"}],
      "ks": {
        "o": {"a": 0, "k": 100, "ix": 11},
        "r": {"a": 0, "k": 0, "ix": 10},
        "p": {"a": 1, "k": [
          {"i": {"x": 0.8, "y": 0.8}, "o": {"x": 0.2, "y": 0.2}, "t": 0, "s": [256, 100, 0]},
          {"t": 30, "s": [256, 400, 0]}
        ], "ix": 2},
        "a": {"a": 0, "k": [0, 0, 0]},
        "s": {"k": [{"t": 0, "s": [100, 100, 100]}, {"t": 60, "s": [50, 50, 100]}]}
      }
    }
  ]
}`

func TestParseLottie(t *testing.T) {
	d, err := Parse([]byte(sampleLottie))
	require.NoError(t, err)

	assert.Equal(t, "bounce", d.Name)
	assert.Equal(t, 60.0, d.OutPoint)
	require.Len(t, d.Layers, 1)
	l := d.Layers[0]
	assert.Equal(t, 1, l.Index)
	assert.Equal(t, "ball", l.Name)

	assert.Equal(t, Constant, l.Transform[Opacity].Kind)
	assert.Equal(t, Track, l.Transform[Position].Kind)
	assert.Equal(t, Track, l.Transform[Scale].Kind, "a list of keyframe objects is a track even without a")
	assert.Equal(t, Constant, l.Transform[Anchor].Kind)
	assert.Len(t, l.Transform[Position].Keyframes, 2)

	v, ok, err := d.Resolve(1, Position, 15)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float64{256, 250, 0}, v.Components())
}

func TestRoundTripPreservesUnknownKeys(t *testing.T) {
	d, err := Parse([]byte(sampleLottie))
	require.NoError(t, err)

	raw, err := json.Marshal(d)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Contains(t, generic, "markers")
	assert.Contains(t, generic, "assets")

	layer := generic["layers"].([]any)[0].(map[string]any)
	assert.Contains(t, layer, "shapes")
	ks := layer["ks"].(map[string]any)
	assert.EqualValues(t, 11, ks["o"].(map[string]any)["ix"])
	kf := ks["p"].(map[string]any)["k"].([]any)[0].(map[string]any)
	assert.Contains(t, kf, "i")

	again, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, d.Layers[0].Transform[Position].Keyframes[1].S, again.Layers[0].Transform[Position].Keyframes[1].S)
}

func TestParseRejectsDuplicateLayers(t *testing.T) {
	_, err := Parse([]byte(`{"nm":"x","layers":[{"ind":1},{"ind":1}]}`))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestValueJSON(t *testing.T) {
	var v Value
	require.NoError(t, json.Unmarshal([]byte(`12.5`), &v))
	assert.False(t, v.IsVector())
	assert.Equal(t, 12.5, v.Float())

	require.NoError(t, json.Unmarshal([]byte(`[1, 2]`), &v))
	assert.True(t, v.IsVector())
	assert.Equal(t, 2, v.Len())

	require.NoError(t, json.Unmarshal([]byte(`null`), &v))
	assert.False(t, v.Valid())

	assert.Error(t, json.Unmarshal([]byte(`"nope"`), &v))

	raw, err := json.Marshal(Vector(1, 2.5))
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2.5]`, string(raw))
}

func TestCloneIsDeep(t *testing.T) {
	d, err := Parse([]byte(sampleLottie))
	require.NoError(t, err)
	c := d.Clone()
	c.Layers[0].Transform[Position].Keyframes[0].S = Scalar(1)
	assert.True(t, d.Layers[0].Transform[Position].Keyframes[0].S.IsVector())
}
