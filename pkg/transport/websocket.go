package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/myforce/opal-go/pkg/transportaddr"
)

// WebSocketTransport is the ws/wss Transport variant: an HTTP upgrade
// followed by framed binary messaging, one gorilla/websocket message per
// PDU.
type WebSocketTransport struct {
	conn *websocket.Conn

	mu      sync.Mutex
	good    atomic.Bool
	lastErr error
}

// DialWebSocket performs the HTTP upgrade to urlStr ("ws://..." or
// "wss://...") and returns a framed Transport.
func DialWebSocket(ctx context.Context, urlStr string, subprotocols []string) (*WebSocketTransport, error) {
	dialer := websocket.Dialer{Subprotocols: subprotocols}
	conn, _, err := dialer.DialContext(ctx, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial %s: %w", urlStr, err)
	}
	t := &WebSocketTransport{conn: conn}
	t.good.Store(true)
	return t, nil
}

func newWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	t := &WebSocketTransport{conn: conn}
	t.good.Store(true)
	return t
}

func (t *WebSocketTransport) Connect() error { return nil }

func (t *WebSocketTransport) ReadPDU(buf *[]byte) bool {
	t.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return t.fail(err)
	}
	*buf = data
	return true
}

func (t *WebSocketTransport) WritePDU(data []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.lastErr = err
		return false
	}
	return true
}

func (t *WebSocketTransport) Close() error {
	t.good.Store(false)
	return t.conn.Close()
}

func (t *WebSocketTransport) SetKeepAlive(intervalSeconds int, payload []byte) {
	if intervalSeconds < 10 {
		intervalSeconds = 10
	}
	t.conn.SetPingHandler(func(string) error { return nil })
	go func() {
		ticker := time.NewTicker(time.Duration(intervalSeconds) * time.Second)
		defer ticker.Stop()
		for t.good.Load() {
			<-ticker.C
			if !t.good.Load() {
				return
			}
			t.mu.Lock()
			err := t.conn.WriteMessage(websocket.PingMessage, payload)
			t.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()
}

func (t *WebSocketTransport) IsGood() bool { return t.good.Load() }

func (t *WebSocketTransport) LocalAddress() transportaddr.Address {
	a, _ := transportaddr.Parse("ws$" + t.conn.LocalAddr().String())
	return a
}

func (t *WebSocketTransport) RemoteAddress() transportaddr.Address {
	a, _ := transportaddr.Parse("ws$" + t.conn.RemoteAddr().String())
	return a
}

func (t *WebSocketTransport) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *WebSocketTransport) fail(err error) bool {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
	return false
}

// WebSocketListener upgrades inbound HTTP connections to WebSocket and
// delivers each as a Transport. Serving the HTTP listener socket itself is
// left to net/http; this type is the http.Handler that performs the
// upgrade before switching to framed messaging.
type WebSocketListener struct {
	upgrader websocket.Upgrader
	accept   func(Transport)
	mode     ThreadMode
}

// NewWebSocketListener returns an http.Handler that upgrades every request
// and hands the resulting Transport to accept.
func NewWebSocketListener() *WebSocketListener {
	return &WebSocketListener{upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}}
}

func (l *WebSocketListener) Open(accept func(Transport), mode ThreadMode) error {
	l.accept = accept
	l.mode = mode
	return nil
}

func (l *WebSocketListener) Close() error { return nil }

func (l *WebSocketListener) GetLocalAddress(peer transportaddr.Address) (transportaddr.Address, error) {
	return transportaddr.Address{}, fmt.Errorf("transport: websocket listener has no fixed local address; derive it from the HTTP server")
}

// ServeHTTP performs the upgrade and dispatches the resulting Transport.
// SpawnNewThread runs accept on a new goroutine; every other mode,
// HandOffThread included, runs it on the request's serving goroutine,
// so dispatch is not serialized across requests.
func (l *WebSocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	t := newWebSocketTransport(conn)
	switch l.mode {
	case SpawnNewThread:
		go l.accept(t)
	default:
		l.accept(t)
	}
}
