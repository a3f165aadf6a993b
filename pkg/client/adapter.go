// Package client is the participant side of a session. An Adapter keeps a
// local mirror of the shared document, applies local edits to it straight away
// and sends them to the relay, and runs everything the relay broadcasts
// through the same apply path.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/lottie-sync/pkg/document"
	"github.com/astromechza/lottie-sync/pkg/engine"
	"github.com/astromechza/lottie-sync/pkg/protocol"
)

var ErrClosed = errors.New("connection closed")

const (
	writeWait = 10 * time.Second

	DefaultSettleTimeout = 3 * time.Second
)

type Options struct {
	Logger *slog.Logger
	// Now is the clock edits are stamped from.
	Now    func() time.Time
	Dialer *websocket.Dialer
	Header http.Header
	// SettleTimeout is how long a sent edit may stay unconfirmed before the
	// adapter asks the relay for its document.
	SettleTimeout time.Duration
}

// Observer is told about every message the adapter applied or rejected,
// local or remote. Observers run after the edit has been sent and may submit
// edits themselves.
type Observer func(msg protocol.Message, res engine.Result, local bool)

type Adapter struct {
	ID      uuid.UUID
	logger  *slog.Logger
	now     func() time.Time
	conn    *websocket.Conn
	replica *engine.Replica

	// applyMu orders local submits against inbound messages so a snapshot
	// never lands between applying an edit and recording it as sent.
	applyMu sync.Mutex
	writeMu sync.Mutex

	mu        sync.Mutex
	last      int64
	seq       int64
	outbox    []outgoing
	resyncAt  time.Time
	selection Selection
	observers []Observer

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	err       error
}

// outgoing is an edit the relay has not confirmed yet. seq is its position
// among all frames written on the connection.
type outgoing struct {
	seq  int64
	msg  protocol.Message
	sent time.Time
}

// Dial connects to a session endpoint and returns once the relay has sent the
// initial document.
func Dial(ctx context.Context, url string, opts Options) (*Adapter, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = DefaultSettleTimeout
	}
	conn, _, err := opts.Dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	a := &Adapter{
		ID:      uuid.New(),
		now:     opts.Now,
		conn:    conn,
		replica: engine.NewReplica(nil),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	a.logger = opts.Logger.With("client", a.ID)
	go a.readLoop()

	select {
	case <-a.ready:
		go a.watch(opts.SettleTimeout)
		return a, nil
	case <-a.done:
		return nil, fmt.Errorf("failed to receive initial state: %w", a.Err())
	case <-ctx.Done():
		_ = a.Close()
		return nil, ctx.Err()
	}
}

func (a *Adapter) readLoop() {
	defer close(a.done)
	defer a.conn.Close()
	for {
		_, raw, err := a.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = ErrClosed
			}
			a.mu.Lock()
			a.err = err
			a.mu.Unlock()
			return
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			a.logger.Warn("dropping message", "err", err)
			continue
		}
		a.receive(msg)
	}
}

func (a *Adapter) receive(msg protocol.Message) {
	st, snapshot := msg.(protocol.InitialState)
	a.applyMu.Lock()
	res := engine.Result{Outcome: engine.Applied, Scope: protocol.ScopeSender, RemovedPosition: -1}
	if snapshot {
		a.reseed(st)
	} else {
		res = a.apply(msg, false)
	}
	a.applyMu.Unlock()

	if snapshot {
		a.readyOnce.Do(func() { close(a.ready) })
		a.logger.Info("received document", "name", st.Document.Name, "layers", len(st.Document.Layers), "acked", st.Acked)
	} else if !res.Applied() {
		a.logger.Debug("remote edit rejected", "kind", msg.Kind(), "reason", res.Reason)
	}
	a.notify(msg, res, false)
}

// reseed replaces the mirror with the relay's document and replays the local
// edits the relay had not handled when it took the snapshot.
func (a *Adapter) reseed(st protocol.InitialState) {
	a.replica.Reset(st.Document)

	a.mu.Lock()
	defer a.mu.Unlock()
	i := 0
	for i < len(a.outbox) && a.outbox[i].seq <= st.Acked {
		i++
	}
	a.outbox = a.outbox[i:]
	for _, o := range a.outbox {
		if res := a.replica.Apply(o.msg); !res.Applied() {
			a.logger.Debug("replayed edit rejected", "kind", o.msg.Kind(), "reason", res.Reason)
		}
	}
	a.resyncAt = time.Time{}
	a.selection.Bound(len(a.replica.Document().Layers))
}

// apply is the single path for local and remote edits. Callers hold applyMu
// and notify observers once they have released it.
func (a *Adapter) apply(msg protocol.Message, local bool) engine.Result {
	res := a.replica.Apply(msg)

	a.mu.Lock()
	defer a.mu.Unlock()
	switch m := msg.(type) {
	case protocol.LayerDeleted:
		if res.Applied() {
			a.selection.LayerRemoved(res.RemovedPosition)
		}
	case protocol.LayerReordered:
		if res.Applied() {
			a.selection.LayerMoved(m.Source, m.Destination)
		}
	}
	if !local {
		a.confirm(msg)
	}
	return res
}

// confirm drops the outbox up to the entry msg echoes. The relay handles a
// connection's frames in order, so everything sent before it was handled too.
func (a *Adapter) confirm(msg protocol.Message) {
	f, ts, ok := engine.FieldOf(msg)
	if !ok || ts == 0 {
		return
	}
	for i, o := range a.outbox {
		if o.msg.Kind() != msg.Kind() {
			continue
		}
		if of, ots, _ := engine.FieldOf(o.msg); of == f && ots == ts {
			a.outbox = a.outbox[i+1:]
			return
		}
	}
}

// watch asks for the relay's document whenever the oldest unconfirmed edit
// has waited longer than timeout. Structural edits are never echoed, so this
// is also what confirms them when no field edit follows.
func (a *Adapter) watch(timeout time.Duration) {
	t := time.NewTicker(timeout / 2)
	defer t.Stop()
	for {
		select {
		case <-a.done:
			return
		case now := <-t.C:
			if !a.overdue(now, timeout) {
				continue
			}
			a.logger.Debug("edits unconfirmed, requesting state", "pending", a.Pending())
			if err := a.Resync(); err != nil {
				a.logger.Warn("failed to request state", "err", err)
			}
		}
	}
}

func (a *Adapter) overdue(now time.Time, timeout time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.outbox) == 0 || now.Sub(a.outbox[0].sent) < timeout {
		return false
	}
	if !a.resyncAt.IsZero() && now.Sub(a.resyncAt) < timeout {
		return false
	}
	a.resyncAt = now
	return true
}

func (a *Adapter) notify(msg protocol.Message, res engine.Result, local bool) {
	a.mu.Lock()
	observers := append([]Observer{}, a.observers...)
	a.mu.Unlock()
	for _, o := range observers {
		o(msg, res, local)
	}
}

// OnChange registers an observer.
func (a *Adapter) OnChange(o Observer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, o)
}

// timestamp returns a stamp strictly greater than any this adapter issued.
func (a *Adapter) timestamp() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ts := a.now().UnixMilli()
	if ts <= a.last {
		ts = a.last + 1
	}
	a.last = ts
	return ts
}

// submit applies a local edit and sends it when it applied.
func (a *Adapter) submit(msg protocol.Message) (engine.Result, error) {
	select {
	case <-a.done:
		return engine.Result{Outcome: engine.Rejected, Reason: engine.ReasonUnsupported, RemovedPosition: -1}, ErrClosed
	default:
	}
	a.applyMu.Lock()
	res := a.apply(msg, true)
	var err error
	if res.Applied() {
		_, _, field := engine.FieldOf(msg)
		err = a.send(msg, field || msg.Kind().Structural())
	}
	a.applyMu.Unlock()

	a.notify(msg, res, true)
	return res, err
}

// send writes msg and, when track is set, keeps it in the outbox until the
// relay confirms it.
func (a *Adapter) send(msg protocol.Message, track bool) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = a.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := a.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	if track {
		a.outbox = append(a.outbox, outgoing{seq: a.seq, msg: msg, sent: time.Now()})
	}
	return nil
}

type EditOption func(*editOptions)

type editOptions struct {
	component *int
	frame     *float64
}

// WithComponent limits an edit to one component of a vector channel.
func WithComponent(i int) EditOption {
	return func(o *editOptions) { o.component = &i }
}

// AtFrame targets the keyframe at frame when the channel is keyframed.
func AtFrame(frame float64) EditOption {
	return func(o *editOptions) { o.frame = &frame }
}

func collect(opts []EditOption) editOptions {
	var o editOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func (a *Adapter) SetProperty(layer int, channel string, v document.Value, opts ...EditOption) (engine.Result, error) {
	o := collect(opts)
	return a.submit(protocol.PropertyChange{
		LayerID:   layer,
		Channel:   channel,
		NewValue:  v,
		Component: o.component,
		Frame:     o.frame,
		Timestamp: a.timestamp(),
	})
}

func (a *Adapter) SetKeyframeValue(layer int, channel string, keyframe int, v document.Value, opts ...EditOption) (engine.Result, error) {
	o := collect(opts)
	return a.submit(protocol.KeyframeValue{
		LayerID:   layer,
		Keyframe:  keyframe,
		Channel:   channel,
		NewValue:  v,
		Component: o.component,
		Timestamp: a.timestamp(),
	})
}

func (a *Adapter) Scrub(frame float64) (engine.Result, error) {
	return a.submit(protocol.ScrubberPosition{Frame: frame})
}

// AddLayer appends a new layer with the five transform channels at their
// neutral values and returns its identity. When another participant claimed
// the same identity first the relay renumbers the layer and the next snapshot
// carries the identity it ended up with.
func (a *Adapter) AddLayer(name string) (int, engine.Result, error) {
	l := document.NewLayer(a.Document().NextLayerIndex(), name)
	l.OutPoint = a.Document().OutPoint
	res, err := a.submit(protocol.LayerAdded{Layer: l})
	return l.Index, res, err
}

func (a *Adapter) DeleteLayer(layer int) (engine.Result, error) {
	return a.submit(protocol.LayerDeleted{LayerID: layer})
}

func (a *Adapter) MoveLayer(from, to int) (engine.Result, error) {
	return a.submit(protocol.LayerReordered{Source: from, Destination: to})
}

// Resync asks the relay for its current document. The reply replaces the
// local mirror; local edits sent after the request are replayed on top.
func (a *Adapter) Resync() error {
	return a.send(protocol.RequestState{}, false)
}

// Pending returns the number of sent edits the relay has not confirmed yet.
func (a *Adapter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.outbox)
}

func (a *Adapter) Select(pos int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.selection.Select(pos)
	a.selection.Bound(len(a.replica.Document().Layers))
}

func (a *Adapter) Selected() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selection.Get()
}

func (a *Adapter) Document() *document.Document {
	return a.replica.Document()
}

func (a *Adapter) Frame() float64 {
	return a.replica.Frame()
}

func (a *Adapter) Resolve(layer int, channel string, frame float64) (document.Value, bool, error) {
	return a.replica.Resolve(layer, channel, frame)
}

func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Close sends a close frame and waits for the read loop to stop.
func (a *Adapter) Close() error {
	a.writeMu.Lock()
	_ = a.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	a.writeMu.Unlock()
	select {
	case <-a.done:
	case <-time.After(writeWait):
		_ = a.conn.Close()
		<-a.done
	}
	if err := a.Err(); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}
