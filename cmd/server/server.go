package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astromechza/lottie-sync/pkg/document"
	"github.com/astromechza/lottie-sync/pkg/relay"
	"github.com/astromechza/lottie-sync/pkg/store"
)

const maxDocumentSize = 16 << 20

type server struct {
	store  *store.Store
	seed   *document.Document
	logger *slog.Logger
	opts   relay.Options

	mu   sync.Mutex
	hubs map[string]*relay.Hub
}

func newServer(st *store.Store, seed *document.Document, sendBuffer int, reg prometheus.Registerer, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	return &server{
		store:  st,
		seed:   seed,
		logger: logger,
		opts: relay.Options{
			SendBuffer: sendBuffer,
			Logger:     logger,
			Metrics:    relay.NewMetrics(reg),
		},
		hubs: map[string]*relay.Hub{},
	}
}

// hub returns the session's hub, creating it from the stored snapshot, the
// seed document or an empty document in that order.
func (s *server) hub(ctx context.Context, session string) (*relay.Hub, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.hubs[session]; ok {
		return h, nil
	}
	doc, err := s.store.Load(ctx, session)
	switch {
	case errors.Is(err, store.ErrNoSnapshot):
		if s.seed != nil {
			doc = s.seed.Clone()
		} else {
			doc = document.New(session, session)
		}
		s.logger.Info("created session", "session", session, "layers", len(doc.Layers))
	case err != nil:
		return nil, fmt.Errorf("failed to load session %s: %w", session, err)
	default:
		s.logger.Info("restored session", "session", session, "layers", len(doc.Layers))
	}
	h := relay.NewHub(session, doc, s.opts)
	s.hubs[session] = h
	return h, nil
}

func (s *server) router(gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/sessions/{session}/sync").HandlerFunc(s.syncSession)
	r.Methods(http.MethodGet).Path("/sessions/{session}/latest").HandlerFunc(s.getLatest)
	r.Methods(http.MethodPut).Path("/sessions/{session}").HandlerFunc(s.putSession)
	r.Methods(http.MethodGet).Path("/sessions/{session}/layers/{layer}/channels/{channel}").HandlerFunc(s.resolveChannel)
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusNoContent)
	})
	return r
}

func (s *server) requestHub(writer http.ResponseWriter, request *http.Request) (*relay.Hub, bool) {
	h, err := s.hub(request.Context(), mux.Vars(request)["session"])
	if err != nil {
		s.logger.Error("failed to open session", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return nil, false
	}
	return h, true
}

func (s *server) syncSession(writer http.ResponseWriter, request *http.Request) {
	if h, ok := s.requestHub(writer, request); ok {
		h.ServeWS(writer, request)
	}
}

func (s *server) getLatest(writer http.ResponseWriter, request *http.Request) {
	h, ok := s.requestHub(writer, request)
	if !ok {
		return
	}
	writeJSON(writer, http.StatusOK, h.Document())
}

func (s *server) putSession(writer http.ResponseWriter, request *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(request.Body, maxDocumentSize))
	if err != nil {
		http.Error(writer, "failed to read body", http.StatusBadRequest)
		return
	}
	doc, err := document.Parse(raw)
	if err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}
	h, ok := s.requestHub(writer, request)
	if !ok {
		return
	}
	if err := h.Replace(doc); errors.Is(err, relay.ErrBusy) {
		http.Error(writer, err.Error(), http.StatusConflict)
		return
	} else if err != nil {
		s.logger.Error("failed to replace document", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	if _, err := s.store.Save(request.Context(), h.Session(), doc); err != nil {
		s.logger.Error("failed to save replaced document", "session", h.Session(), "err", err)
	}
	writer.WriteHeader(http.StatusNoContent)
}

type resolved struct {
	Layer   int            `json:"layer"`
	Channel string         `json:"channel"`
	Frame   float64        `json:"frame"`
	Value   document.Value `json:"value"`
}

func (s *server) resolveChannel(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	layer, err := strconv.Atoi(vars["layer"])
	if err != nil {
		http.Error(writer, "layer must be an integer", http.StatusBadRequest)
		return
	}
	h, ok := s.requestHub(writer, request)
	if !ok {
		return
	}
	frame := h.Frame()
	if raw := request.URL.Query().Get("frame"); raw != "" {
		if frame, err = strconv.ParseFloat(raw, 64); err != nil {
			http.Error(writer, "frame must be a number", http.StatusBadRequest)
			return
		}
	}
	v, ok, err := h.Resolve(layer, vars["channel"], frame)
	if errors.Is(err, document.ErrNotFound) || (err == nil && !ok) {
		writer.WriteHeader(http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(writer, http.StatusOK, resolved{Layer: layer, Channel: vars["channel"], Frame: frame, Value: v})
}

func writeJSON(writer http.ResponseWriter, status int, body any) {
	raw, err := json.Marshal(body)
	if err != nil {
		slog.Error("failed to encode response", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Add("Content-Type", "application/json")
	writer.WriteHeader(status)
	if _, err := writer.Write(raw); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

// backup saves every open session whose document changed since the last save.
func (s *server) backup(ctx context.Context) {
	s.mu.Lock()
	hubs := make([]*relay.Hub, 0, len(s.hubs))
	for _, h := range s.hubs {
		hubs = append(hubs, h)
	}
	s.mu.Unlock()
	for _, h := range hubs {
		if _, err := s.store.Save(ctx, h.Session(), h.Document()); err != nil {
			s.logger.Error("failed to backup session in database", "session", h.Session(), "err", err)
		}
	}
}

func (s *server) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.hubs {
		h.Close()
	}
}
