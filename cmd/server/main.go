package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/astromechza/lottie-sync/pkg/config"
	"github.com/astromechza/lottie-sync/pkg/discovery"
	"github.com/astromechza/lottie-sync/pkg/document"
	"github.com/astromechza/lottie-sync/pkg/store"
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
	cfg, err := config.LoadServer(os.Args[1:], os.LookupEnv)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	slog.Info("Opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database, "relay", logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Init(context.Background()); err != nil {
		return fmt.Errorf("failed to init database: %w", err)
	}
	slog.Info("Ensured initial tables exist")

	var seed *document.Document
	if cfg.Seed != "" {
		if seed, err = store.LoadFile(cfg.Seed); err != nil {
			return err
		}
		slog.Info("Loaded seed document", "path", cfg.Seed, "layers", len(seed.Layers))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s := newServer(st, seed, cfg.SendBuffer, reg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(cfg.BackupInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.backup(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	httpServer := &http.Server{Handler: s.router(reg)}
	slog.Info("Listening", "addr", ln.Addr())

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	if cfg.Advertise {
		shutdown, err := discovery.Advertise(cfg.Service, ln.Addr().(*net.TCPAddr).Port, "path=/sessions")
		if err != nil {
			slog.Error("failed to advertise", "err", err)
		} else {
			slog.Info("Advertising", "service", cfg.Service)
			defer shutdown()
		}
	}

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	s.close()
	_ = httpServer.Close()

	wg.Wait()

	// final backup after every connection is gone
	s.backup(context.Background())
	return nil
}
