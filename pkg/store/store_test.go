package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/lottie-sync/pkg/document"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.sqlite3"), "test", nil)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sample(t *testing.T, layers int) *document.Document {
	t.Helper()
	d := document.New("doc", "sample")
	for i := 0; i < layers; i++ {
		var err error
		d, err = d.InsertLayer(document.NewLayer(i, ""), i)
		require.NoError(t, err)
	}
	return d
}

func TestLoadMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNoSnapshot)
	_, err = s.History(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	d := sample(t, 2)

	changed, err := s.Save(ctx, "a", d)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.Save(ctx, "a", d)
	require.NoError(t, err)
	assert.False(t, changed, "identical document is not saved again")

	d2, err := d.SetChannelConstant(1, document.Opacity, document.Scalar(30), nil, nil)
	require.NoError(t, err)
	changed, err = s.Save(ctx, "a", d2)
	require.NoError(t, err)
	assert.True(t, changed)

	loaded, err := s.Load(ctx, "a")
	require.NoError(t, err)
	v, _, err := loaded.Resolve(1, document.Opacity, 0)
	require.NoError(t, err)
	assert.Equal(t, 30.0, v.Float())

	_, err = s.Save(ctx, "b", sample(t, 1))
	require.NoError(t, err)
	sessions, err := s.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, sessions)
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.Save(ctx, "a", sample(t, 1))
	require.NoError(t, err)
	_, err = s.Save(ctx, "a", sample(t, 3))
	require.NoError(t, err)

	revs, err := s.History(ctx, "a")
	require.NoError(t, err)
	require.Len(t, revs, 2)
	assert.Equal(t, 1, revs[0].Layers)
	assert.Equal(t, 3, revs[1].Layers)
	assert.Equal(t, "sample", revs[1].Name)
	assert.Equal(t, []string{revs[0].Hash}, revs[1].Deps)
	assert.Equal(t, revs[0].Actor, revs[1].Actor)

	first, err := s.LoadRevision(ctx, "a", revs[0].Hash)
	require.NoError(t, err)
	assert.Len(t, first.Layers, 1)

	_, err = s.LoadRevision(ctx, "a", "zz")
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anim.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"nm":"file","fr":24,"layers":[{"ind":3,"ks":{"o":{"a":0,"k":80}}}]}`), 0o600))
	d, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "file", d.Name)
	v, _, err := d.Resolve(3, document.Opacity, 0)
	require.NoError(t, err)
	assert.Equal(t, 80.0, v.Float())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
