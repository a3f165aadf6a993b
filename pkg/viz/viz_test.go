package viz

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/lottie-sync/pkg/store"
)

var history = []store.Revision{
	{Hash: "aaaaaaaaaaaa", Actor: "73657276", Seq: 1, Name: "doc", Layers: 1},
	{Hash: "bbbbbbbbbbbb", Actor: "73657276", Seq: 2, Name: "doc", Layers: 2, Deps: []string{"aaaaaaaaaaaa"}},
}

func TestRenderHistory(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderHistory(history, &buf))
	assert.Contains(t, buf.String(), "<svg")
	assert.Contains(t, buf.String(), "layers=2")
}

func TestRenderHistoryUnknownDependency(t *testing.T) {
	var buf bytes.Buffer
	err := RenderHistory([]store.Revision{{Hash: "cc", Deps: []string{"dd"}}}, &buf)
	assert.Error(t, err)
}

func TestRenderToTemp(t *testing.T) {
	path, err := RenderToTemp(history)
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Remove(path) })
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "<svg")
}
