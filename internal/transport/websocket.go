package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"ordsync/internal/wire"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// wsEnvelope carries one frame, or the reason the station could not
// produce one. Seq pairs a reply with its request.
type wsEnvelope struct {
	Seq            uint64          `json:"seq"`
	Frame          json.RawMessage `json:"frame,omitempty"`
	Error          string          `json:"error,omitempty"`
	Status         int             `json:"status,omitempty"`
	SessionInvalid bool            `json:"sessionInvalid,omitempty"`
}

var errClosed = errors.New("websocket closed")

// WebSocketTransport exchanges frames over one long-lived connection.
// Concurrent exchanges are paired with their replies by sequence number;
// a reply to an abandoned exchange is dropped.
type WebSocketTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	seq     atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan wsEnvelope

	done    chan struct{}
	readErr error
}

// DialWebSocket connects to baseURL + WebSocketPath. http and https
// schemes are mapped to ws and wss.
func DialWebSocket(ctx context.Context, baseURL string, header http.Header) (*WebSocketTransport, error) {
	url := strings.TrimSuffix(strings.TrimSpace(baseURL), "/") + WebSocketPath
	switch {
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, statusError(resp.StatusCode, err.Error())
		}
		return nil, &wire.TransportError{Err: err}
	}
	t := &WebSocketTransport{
		conn:    conn,
		pending: map[uint64]chan wsEnvelope{},
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// readLoop owns every read on the connection, which also keeps the
// default ping handler answering the server's pings.
func (t *WebSocketTransport) readLoop() {
	defer close(t.done)
	for {
		var env wsEnvelope
		if err := t.conn.ReadJSON(&env); err != nil {
			t.readErr = err
			return
		}
		t.mu.Lock()
		ch := t.pending[env.Seq]
		delete(t.pending, env.Seq)
		t.mu.Unlock()
		if ch != nil {
			ch <- env
		}
	}
}

func (t *WebSocketTransport) Exchange(ctx context.Context, frame []byte) ([]byte, error) {
	select {
	case <-t.done:
		return nil, t.closedError()
	default:
	}
	seq := t.seq.Add(1)
	ch := make(chan wsEnvelope, 1)
	t.mu.Lock()
	t.pending[seq] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, seq)
		t.mu.Unlock()
	}()

	if err := t.write(ctx, wsEnvelope{Seq: seq, Frame: frame}); err != nil {
		return nil, &wire.TransportError{Err: err}
	}
	select {
	case env := <-ch:
		if env.Error != "" {
			status := env.Status
			if env.SessionInvalid {
				status = http.StatusUnauthorized
			}
			return nil, statusError(status, env.Error)
		}
		return env.Frame, nil
	case <-t.done:
		return nil, t.closedError()
	case <-ctx.Done():
		return nil, &wire.TransportError{Err: ctx.Err()}
	}
}

func (t *WebSocketTransport) write(ctx context.Context, env wsEnvelope) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteJSON(env)
}

func (t *WebSocketTransport) closedError() error {
	if t.readErr == nil {
		return &wire.TransportError{Err: errClosed}
	}
	return &wire.TransportError{Err: fmt.Errorf("%w: %v", errClosed, t.readErr)}
}

// Close sends a close message and waits for the reader to stop.
func (t *WebSocketTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait))
	err := t.conn.Close()
	<-t.done
	return err
}

// HandleWS upgrades the request and answers frames until the client goes
// away. The server pings every wsPingEvery and drops silent clients.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		h.logger.Printf("transport: ws set read deadline failed: %v", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	writeCh := make(chan wsEnvelope, 32)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(wsPingEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case out := <-writeCh:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteJSON(out); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		var in wsEnvelope
		if err := conn.ReadJSON(&in); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Printf("transport: ws read failed: %v", err)
			}
			break
		}
		if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
			break
		}
		out := wsEnvelope{Seq: in.Seq}
		frame, err := h.x.Exchange(ctx, in.Frame)
		if err != nil {
			h.logger.Printf("transport: ws exchange failed: %v", err)
			out.Error = err.Error()
			out.Status = errorStatus(err)
			out.SessionInvalid = wire.IsSessionInvalid(err)
		} else {
			out.Frame = frame
		}
		select {
		case writeCh <- out:
		case <-writerDone:
		}
	}
	cancel()
	<-writerDone
}
