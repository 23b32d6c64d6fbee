package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/myforce/opal-go/pkg/transportaddr"
	"github.com/pion/dtls/v2"
)

// DTLSTransport is a DTLS-secured datagram Transport, the secure variant
// of the RTP transport for SRTP keys negotiated via DTLS-SRTP rather than
// SDES key exchange; no endpoint in this module dials or accepts one.
// The handshake runs over a plain UDP net.Conn via
// dtls.ClientWithContext/ServerWithContext.
type DTLSTransport struct {
	udp  net.Conn
	conn *dtls.Conn

	good    atomic.Bool
	mu      sync.Mutex
	lastErr error
}

// DialDTLS dials addr over UDP and runs the DTLS client handshake.
func DialDTLS(ctx context.Context, addr string, cfg *dtls.Config, handshakeTimeout time.Duration) (*DTLSTransport, error) {
	udpConn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dtls dial udp %s: %w", addr, err)
	}
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	conn, err := dtls.ClientWithContext(hctx, udpConn, cfg)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("transport: dtls client handshake %s: %w", addr, err)
	}
	t := &DTLSTransport{udp: udpConn, conn: conn}
	t.good.Store(true)
	return t, nil
}

// AcceptDTLS runs the DTLS server handshake over an already-accepted UDP
// association (one net.Conn per peer
// for the server side; there is no separate dtls.Listener in scope).
func AcceptDTLS(ctx context.Context, udpConn net.Conn, cfg *dtls.Config, handshakeTimeout time.Duration) (*DTLSTransport, error) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	conn, err := dtls.ServerWithContext(hctx, udpConn, cfg)
	if err != nil {
		return nil, fmt.Errorf("transport: dtls server handshake: %w", err)
	}
	t := &DTLSTransport{udp: udpConn, conn: conn}
	t.good.Store(true)
	return t, nil
}

func (t *DTLSTransport) Connect() error { return nil }

func (t *DTLSTransport) ReadPDU(buf *[]byte) bool {
	scratch := make([]byte, 65535)
	t.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := t.conn.Read(scratch)
	if err != nil {
		return t.fail(err)
	}
	*buf = append([]byte(nil), scratch[:n]...)
	return true
}

func (t *DTLSTransport) WritePDU(data []byte) bool {
	if _, err := t.conn.Write(data); err != nil {
		return t.fail(err)
	}
	return true
}

func (t *DTLSTransport) Close() error {
	t.good.Store(false)
	return t.conn.Close()
}

func (t *DTLSTransport) SetKeepAlive(intervalSeconds int, payload []byte) {}

func (t *DTLSTransport) IsGood() bool { return t.good.Load() }

func (t *DTLSTransport) LocalAddress() transportaddr.Address {
	a, _ := parseNetAddr("udp", t.conn.LocalAddr())
	return a
}

func (t *DTLSTransport) RemoteAddress() transportaddr.Address {
	a, _ := parseNetAddr("udp", t.conn.RemoteAddr())
	return a
}

func (t *DTLSTransport) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *DTLSTransport) fail(err error) bool {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
	return false
}
