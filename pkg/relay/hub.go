// Package relay fans edits out between the participants of one session. A Hub
// owns the session's authoritative replica and is the only place edits are
// serialized: apply and enqueue happen under one lock so every peer sees
// broadcasts in apply order.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/astromechza/lottie-sync/pkg/document"
	"github.com/astromechza/lottie-sync/pkg/engine"
	"github.com/astromechza/lottie-sync/pkg/protocol"
)

var ErrBusy = errors.New("session has connected participants")

const DefaultSendBuffer = 256

type State int32

const (
	Connecting State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	}
	return "closed"
}

// Peer is one connected participant as seen by the hub.
type Peer struct {
	ID      uuid.UUID
	send    chan []byte
	state   atomic.Int32
	dropped atomic.Int64
	// received counts every frame read from the peer, decodable or not.
	received atomic.Int64
}

func (p *Peer) State() State {
	return State(p.state.Load())
}

// Outbound yields the frames queued for this peer. It is closed when the peer
// leaves.
func (p *Peer) Outbound() <-chan []byte {
	return p.send
}

// Dropped counts frames discarded because the peer's buffer was full.
func (p *Peer) Dropped() int64 {
	return p.dropped.Load()
}

type Options struct {
	SendBuffer int
	Logger     *slog.Logger
	Metrics    *Metrics
}

type Hub struct {
	session    string
	sendBuffer int
	logger     *slog.Logger
	metrics    *Metrics

	mu      sync.Mutex
	replica *engine.Replica
	peers   map[uuid.UUID]*Peer
}

func NewHub(session string, doc *document.Document, opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &Hub{
		session:    session,
		sendBuffer: opts.SendBuffer,
		logger:     opts.Logger.With("session", session),
		metrics:    opts.Metrics,
		replica:    engine.NewReplica(doc),
		peers:      map[uuid.UUID]*Peer{},
	}
}

func (h *Hub) Session() string {
	return h.session
}

// Join registers a new peer and queues the current document for it alone.
func (h *Hub) Join() (*Peer, error) {
	p := &Peer{ID: uuid.New(), send: make(chan []byte, h.sendBuffer)}
	p.state.Store(int32(Connecting))

	h.mu.Lock()
	defer h.mu.Unlock()
	snapshot, err := protocol.Encode(protocol.InitialState{Document: h.replica.Document()})
	if err != nil {
		p.state.Store(int32(Closed))
		return nil, fmt.Errorf("failed to encode initial state: %w", err)
	}
	h.peers[p.ID] = p
	p.state.Store(int32(Open))
	h.enqueue(p, snapshot)
	h.metrics.Connections.Inc()
	h.logger.Info("peer joined", "peer", p.ID, "peers", len(h.peers))
	return p, nil
}

// Leave unregisters the peer and discards anything still queued for it.
func (h *Hub) Leave(p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(p)
}

func (h *Hub) leaveLocked(p *Peer) {
	if _, ok := h.peers[p.ID]; !ok {
		return
	}
	delete(h.peers, p.ID)
	p.state.Store(int32(Closed))
	close(p.send)
	h.metrics.Connections.Dec()
	h.logger.Info("peer left", "peer", p.ID, "peers", len(h.peers), "dropped", p.Dropped())
}

// Close disconnects every peer.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.peers {
		h.leaveLocked(p)
	}
}

// Receive handles one inbound frame from p. Frames that cannot be decoded are
// dropped without affecting the connection. A rejected edit is never
// broadcast; instead the sender is sent a fresh snapshot so its optimistic
// copy does not drift, unless the rejection only means a newer value for the
// same field already won. The returned error is only informational.
func (h *Hub) Receive(p *Peer, raw []byte) (engine.Result, error) {
	p.received.Add(1)
	msg, err := protocol.Decode(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownKind) {
			h.metrics.Undecodable.WithLabelValues(reasonUnknownKind).Inc()
			h.logger.Warn("dropping message of unknown kind", "peer", p.ID, "err", err)
		} else {
			h.metrics.Undecodable.WithLabelValues(reasonMalformed).Inc()
			h.logger.Warn("dropping malformed message", "peer", p.ID, "err", err)
		}
		return engine.Result{Outcome: engine.Rejected, Reason: engine.ReasonInvalid, Err: err, RemovedPosition: -1}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if p.State() != Open {
		return engine.Result{Outcome: engine.Rejected, Reason: engine.ReasonUnsupported, RemovedPosition: -1}, fmt.Errorf("peer %s is %s", p.ID, p.State())
	}

	if _, ok := msg.(protocol.RequestState); ok {
		if err := h.resync(p); err != nil {
			return engine.Result{Outcome: engine.Rejected, Reason: engine.ReasonInvalid, Err: err, RemovedPosition: -1}, err
		}
		h.metrics.Messages.WithLabelValues(string(msg.Kind()), engine.Applied.String()).Inc()
		return engine.Result{Outcome: engine.Applied, Scope: protocol.ScopeSender, RemovedPosition: -1}, nil
	}

	res := h.replica.Apply(msg)
	if add, ok := msg.(protocol.LayerAdded); ok && res.Reason == engine.ReasonDuplicate {
		return h.renumber(p, add, res)
	}
	h.metrics.Messages.WithLabelValues(string(msg.Kind()), res.Outcome.String()).Inc()
	if !res.Applied() {
		h.logger.Debug("edit rejected", "peer", p.ID, "kind", msg.Kind(), "reason", res.Reason, "err", res.Err)
		if h.superseded(msg, res) {
			return res, nil
		}
		if err := h.resync(p); err != nil {
			h.logger.Error("failed to resync peer", "peer", p.ID, "err", err)
		}
		return res, nil
	}
	h.broadcast(p, raw, res.Scope)
	return res, nil
}

// renumber handles a layer added under an identity some other participant
// took first. The layer is added under the next free identity instead; the
// other participants get the rewritten add and the sender a snapshot holding
// the identity it ended up with.
func (h *Hub) renumber(p *Peer, add protocol.LayerAdded, dup engine.Result) (engine.Result, error) {
	layer := add.Layer.Clone()
	layer.Index = h.replica.Document().NextLayerIndex()
	msg := protocol.LayerAdded{Layer: layer}
	raw, err := protocol.Encode(msg)
	if err != nil {
		h.metrics.Messages.WithLabelValues(string(msg.Kind()), dup.Outcome.String()).Inc()
		return dup, fmt.Errorf("failed to encode renumbered layer: %w", err)
	}
	res := h.replica.Apply(msg)
	h.metrics.Messages.WithLabelValues(string(msg.Kind()), res.Outcome.String()).Inc()
	if res.Applied() {
		h.logger.Info("renumbered added layer", "peer", p.ID, "from", add.Layer.Index, "to", layer.Index)
		h.broadcast(p, raw, res.Scope)
	}
	if err := h.resync(p); err != nil {
		h.logger.Error("failed to resync peer", "peer", p.ID, "err", err)
	}
	return res, nil
}

// superseded reports whether a rejected field edit lost to a strictly newer
// edit of the same field. The sender will see that newer value through the
// normal broadcast, so it needs nothing else.
func (h *Hub) superseded(msg protocol.Message, res engine.Result) bool {
	if res.Reason != engine.ReasonStale {
		return false
	}
	f, ts, ok := engine.FieldOf(msg)
	if !ok {
		return false
	}
	last, ok := h.replica.Last(f)
	return ok && last > ts
}

// resync queues the current document for p alone, together with how many of
// p's frames have been handled so far. Callers hold h.mu.
func (h *Hub) resync(p *Peer) error {
	snapshot, err := protocol.Encode(protocol.InitialState{Document: h.replica.Document(), Acked: p.received.Load()})
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	h.enqueue(p, snapshot)
	return nil
}

// broadcast forwards the frame exactly as it was received.
func (h *Hub) broadcast(sender *Peer, raw []byte, scope protocol.Scope) {
	switch scope {
	case protocol.ScopeAll:
		for _, p := range h.peers {
			h.enqueue(p, raw)
		}
	case protocol.ScopeOthers:
		for _, p := range h.peers {
			if p.ID != sender.ID {
				h.enqueue(p, raw)
			}
		}
	case protocol.ScopeSender:
		h.enqueue(sender, raw)
	}
}

// enqueue never blocks. A peer whose buffer is full misses the frame and stays
// connected.
func (h *Hub) enqueue(p *Peer, raw []byte) {
	select {
	case p.send <- raw:
	default:
		p.dropped.Add(1)
		h.metrics.Dropped.Inc()
		h.logger.Warn("peer send buffer full, dropping frame", "peer", p.ID)
	}
}

func (h *Hub) Document() *document.Document {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.replica.Document()
}

func (h *Hub) Frame() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.replica.Frame()
}

func (h *Hub) Resolve(id int, channel string, frame float64) (document.Value, bool, error) {
	return h.Document().Resolve(id, channel, frame)
}

// Replace installs doc as the session's document. It is only allowed while
// nobody is connected.
func (h *Hub) Replace(doc *document.Document) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.peers) > 0 {
		return fmt.Errorf("%w: %d connected", ErrBusy, len(h.peers))
	}
	h.replica = engine.NewReplica(doc)
	return nil
}

func (h *Hub) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}
