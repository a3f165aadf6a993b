package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/lottie-sync/pkg/client"
	"github.com/astromechza/lottie-sync/pkg/config"
	"github.com/astromechza/lottie-sync/pkg/discovery"
	"github.com/astromechza/lottie-sync/pkg/document"
	"github.com/astromechza/lottie-sync/pkg/engine"
	"github.com/astromechza/lottie-sync/pkg/protocol"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.LoadClient(os.Args[1:], os.LookupEnv)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := cfg.URL
	if cfg.Discover {
		dctx, dcancel := context.WithTimeout(ctx, 10*time.Second)
		base, err = discovery.Discover(dctx, cfg.Service)
		dcancel()
		if err != nil {
			return err
		}
		slog.Info("discovered relay", "url", base)
	}
	u, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("failed to parse url: %w", err)
	}
	c := &participant{
		url:    u.JoinPath("sessions", cfg.Session, "sync").String(),
		cfg:    cfg,
		logger: logger,
	}

	wg := new(sync.WaitGroup)
	finished := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(finished)
		c.connectAndEditContinuously(ctx)
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-finished:
	}
	cancel()

	wg.Wait()

	doc := c.lastDocument()
	if doc == nil {
		return nil
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("lottiesync-%s-%d.json", cfg.Session, os.Getpid()))
	if err := os.WriteFile(tf, raw, 0o644); err != nil {
		return err
	}
	slog.Info("dumped", "dump", tf)
	return nil
}

type participant struct {
	url    string
	cfg    config.Client
	logger *slog.Logger

	mu    sync.Mutex
	doc   *document.Document
	edits int
}

func (c *participant) lastDocument() *document.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc
}

func (c *participant) done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Edits > 0 && c.edits >= c.cfg.Edits
}

func (c *participant) connectAndEditContinuously(ctx context.Context) {
	for !c.done() {
		if err := c.connectAndEdit(ctx); err != nil {
			c.logger.Error("session ended", "err", err)
		}
		if c.done() {
			return
		}
		t := time.NewTimer(c.cfg.Interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			c.logger.Info("stopping scheduled edits")
			return
		}
	}
}

func (c *participant) connectAndEdit(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	a, err := client.Dial(dctx, c.url, client.Options{Logger: c.logger})
	cancel()
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer a.Close()
	c.logger.Info("connected", "url", c.url, "id", a.ID)

	a.OnChange(func(msg protocol.Message, res engine.Result, local bool) {
		c.mu.Lock()
		c.doc = a.Document()
		c.mu.Unlock()
		if local || !res.Applied() {
			return
		}
		if _, ok := msg.(protocol.ScrubberPosition); !ok {
			c.logger.Debug("remote edit", "kind", msg.Kind())
		}
	})
	c.mu.Lock()
	c.doc = a.Document()
	c.mu.Unlock()

	t := time.NewTicker(c.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := c.edit(a); err != nil {
				c.logger.Error("failed to edit", "err", err)
			}
			if c.done() {
				return nil
			}
		case <-a.Done():
			if err := a.Err(); err != nil && !errors.Is(err, client.ErrClosed) {
				return err
			}
			return client.ErrClosed
		case <-ctx.Done():
			return nil
		}
	}
}

// edit writes a random value into the configured channel. Keyframed channels
// get one of their keyframes changed instead.
func (c *participant) edit(a *client.Adapter) error {
	spec := document.Spec(c.cfg.Channel)
	components := make([]float64, spec.Arity)
	for i := range components {
		components[i] = float64(rand.Intn(101))
	}
	v := document.Scalar(components[0])
	if spec.Arity > 1 {
		v = document.Vector(components...)
	}

	layer, _, err := a.Document().Layer(c.cfg.Layer)
	if err != nil {
		return err
	}
	ch, err := layer.Channel(c.cfg.Channel)
	if err != nil {
		return err
	}
	var res engine.Result
	if ch.Kind == document.Track && len(ch.Keyframes) > 0 {
		res, err = a.SetKeyframeValue(c.cfg.Layer, c.cfg.Channel, rand.Intn(len(ch.Keyframes)), v)
	} else {
		res, err = a.SetProperty(c.cfg.Layer, c.cfg.Channel, v)
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.edits++
	c.mu.Unlock()

	resolved, _, err := a.Resolve(c.cfg.Layer, c.cfg.Channel, a.Frame())
	if err != nil {
		return err
	}
	c.logger.Info("edited", "layer", c.cfg.Layer, "channel", c.cfg.Channel, "value", v, "outcome", res.Outcome, "resolved", resolved, "frame", a.Frame())
	return nil
}
