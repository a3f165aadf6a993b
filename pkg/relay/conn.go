package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ServeWS upgrades the request and runs the connection until either side
// goes away.
func (h *Hub) ServeWS(writer http.ResponseWriter, request *http.Request) {
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()
	if err := h.Serve(request.Context(), conn); err != nil {
		h.logger.Error("failed to serve connection", "err", err)
	}
}

// Serve joins conn to the hub and pumps frames in both directions. It returns
// once both pumps have stopped.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn) error {
	p, err := h.Join()
	if err != nil {
		return err
	}
	defer h.Leave(p)

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		// closes p's outbound channel so the writer stops too
		defer h.Leave(p)
		if err := h.readPump(p, conn); err != nil {
			h.logger.Debug("read pump stopped", "peer", p.ID, "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		if err := writePump(ctx, p, conn); err != nil {
			h.logger.Debug("write pump stopped", "peer", p.ID, "err", err)
		}
	}()

	wg.Wait()
	return nil
}

func (h *Hub) readPump(p *Peer, conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}
		switch mt {
		case websocket.TextMessage, websocket.BinaryMessage:
			_, _ = h.Receive(p, raw)
		default:
		}
	}
}

func writePump(ctx context.Context, p *Peer, conn *websocket.Conn) error {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case raw, ok := <-p.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			// queued frames are discarded once the peer has left
			if !ok || p.State() == Closed {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return nil
			}
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return fmt.Errorf("failed to write message: %w", err)
			}
		case <-t.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("failed to write ping: %w", err)
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		}
	}
}
