package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/lottie-sync/pkg/config"
	"github.com/astromechza/lottie-sync/pkg/document"
	"github.com/astromechza/lottie-sync/pkg/relay"
)

func hubURL(t *testing.T, doc *document.Document) (*relay.Hub, string) {
	t.Helper()
	h := relay.NewHub("test", doc, relay.Options{})
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	t.Cleanup(h.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestScriptedEdits(t *testing.T) {
	d, err := document.New("doc", "doc").InsertLayer(document.NewLayer(0, ""), 0)
	require.NoError(t, err)
	h, url := hubURL(t, d)

	cfg := config.DefaultClient()
	cfg.Edits = 3
	cfg.Interval = 10 * time.Millisecond
	cfg.Channel = document.Position
	p := &participant{url: url, cfg: cfg, logger: slog.Default()}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.connectAndEditContinuously(ctx)

	assert.True(t, p.done())
	require.NotNil(t, p.lastDocument())
	want, _, err := p.lastDocument().Resolve(0, document.Position, 0)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		got, _, err := h.Resolve(0, document.Position, 0)
		return err == nil && got.Equal(want)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEditKeyframedChannel(t *testing.T) {
	l := document.NewLayer(0, "")
	l.Transform[document.Opacity] = document.NewTrack(document.At(0, document.Scalar(0)), document.At(10, document.Scalar(100)))
	d, err := document.New("doc", "doc").InsertLayer(l, 0)
	require.NoError(t, err)
	_, url := hubURL(t, d)

	cfg := config.DefaultClient()
	cfg.Edits = 1
	cfg.Interval = 10 * time.Millisecond
	p := &participant{url: url, cfg: cfg, logger: slog.Default()}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.connectAndEditContinuously(ctx)
	assert.True(t, p.done())
}

func TestEditUnknownLayer(t *testing.T) {
	_, url := hubURL(t, document.New("doc", "doc"))
	cfg := config.DefaultClient()
	cfg.Edits = 1
	cfg.Interval = 10 * time.Millisecond
	p := &participant{url: url, cfg: cfg, logger: slog.Default()}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	p.connectAndEditContinuously(ctx)
	assert.False(t, p.done())
}
