package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/myforce/opal-go/pkg/transportaddr"
)

// ErrNoRemoteAddress is recorded when WritePDU runs before the remote
// transmit address is known. Callers that treat early sends as benign
// (RTP before SDP answers) test for it with errors.Is.
var ErrNoRemoteAddress = errors.New("transport: no remote address set")

// UDPTransport is a monitored-socket UDP Transport: it
// binds a single *net.UDPConn to all interfaces and learns its peer's
// transmit address from the first packet received, subject to
// AllowRemoteAddressChange.
//
// A transport handed out by UDPListener shares the listener's socket;
// in that mode inbound datagrams arrive demultiplexed through a
// per-peer queue fed by the listener's read pump (two goroutines must
// never race ReadFromUDP on one socket), and Close releases only the
// queue, not the shared socket.
type UDPTransport struct {
	conn *net.UDPConn

	mu                       sync.RWMutex
	remote                   *net.UDPAddr
	remoteLocked             bool
	AllowRemoteAddressChange bool // symmetric-RTP learning

	// inbound is non-nil for listener-demuxed transports.
	inbound   chan []byte
	closeOnce sync.Once
	closed    chan struct{}

	good    atomic.Bool
	lastErr error

	readTimeout time.Duration
}

// NewUDPTransport opens a UDP socket bound to localAddr ("host:port", host
// may be empty/0.0.0.0 for wildcard). If remoteAddr is non-empty the
// transmit address is pre-seeded and locked; otherwise it is learned from
// the first inbound packet.
func NewUDPTransport(localAddr, remoteAddr string) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve local udp addr %q: %w", localAddr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp %q: %w", localAddr, err)
	}
	t := &UDPTransport{conn: conn, readTimeout: 100 * time.Millisecond, closed: make(chan struct{})}
	t.good.Store(true)
	if remoteAddr != "" {
		raddr, err := net.ResolveUDPAddr("udp", remoteAddr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: resolve remote udp addr %q: %w", remoteAddr, err)
		}
		t.remote = raddr
		t.remoteLocked = true
	}
	return t, nil
}

func (t *UDPTransport) Connect() error { return nil }

func (t *UDPTransport) ReadPDU(buf *[]byte) bool {
	if t.inbound != nil {
		return t.readQueued(buf)
	}
	scratch := make([]byte, 65535)
	t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	n, addr, err := t.conn.ReadFromUDP(scratch)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return t.fail(err) // a read timeout is not a session-ending error
		}
		return t.fail(fmt.Errorf("%w: %v", ErrInterrupted, err))
	}

	if !t.acceptRemote(addr) {
		return false // packet from an unexpected address is dropped, not an error
	}
	*buf = append([]byte(nil), scratch[:n]...)
	return true
}

// readQueued is the listener-demuxed receive path.
func (t *UDPTransport) readQueued(buf *[]byte) bool {
	select {
	case data, ok := <-t.inbound:
		if !ok {
			return t.fail(ErrInterrupted)
		}
		*buf = data
		return true
	case <-t.closed:
		return t.fail(ErrInterrupted)
	case <-time.After(t.readTimeout):
		return t.fail(&timeoutError{})
	}
}

// acceptRemote applies the first-packet lock / address-change policy and
// reports whether a packet from addr may be processed.
func (t *UDPTransport) acceptRemote(addr *net.UDPAddr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.remote == nil:
		// First packet from any peer locks the remote transmit address.
		t.remote = addr
		t.remoteLocked = true
		return true
	case addrEqual(t.remote, addr):
		return true
	case t.AllowRemoteAddressChange:
		t.remote = addr
		return true
	default:
		return false
	}
}

func (t *UDPTransport) WritePDU(data []byte) bool {
	t.mu.RLock()
	remote := t.remote
	t.mu.RUnlock()
	if remote == nil {
		return t.fail(ErrNoRemoteAddress)
	}
	if _, err := t.conn.WriteToUDP(data, remote); err != nil {
		// A late ICMP unreachable for an earlier datagram surfaces here;
		// record it without killing the session.
		return t.fail(err)
	}
	return true
}

func (t *UDPTransport) Close() error {
	t.good.Store(false)
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		// A listener-demuxed transport shares the listener's socket and
		// must not close it; a standalone transport owns its own.
		if t.inbound == nil {
			err = t.conn.Close()
		}
	})
	return err
}

func (t *UDPTransport) SetKeepAlive(intervalSeconds int, payload []byte) {
	if intervalSeconds < 10 {
		intervalSeconds = 10
	}
	go func() {
		ticker := time.NewTicker(time.Duration(intervalSeconds) * time.Second)
		defer ticker.Stop()
		for t.good.Load() {
			<-ticker.C
			if !t.good.Load() {
				return
			}
			t.WritePDU(payload)
		}
	}()
}

func (t *UDPTransport) IsGood() bool { return t.good.Load() }

func (t *UDPTransport) LocalAddress() transportaddr.Address {
	a, _ := parseNetAddr("udp", t.conn.LocalAddr())
	return a
}

func (t *UDPTransport) RemoteAddress() transportaddr.Address {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.remote == nil {
		return transportaddr.Address{}
	}
	a, _ := parseNetAddr("udp", t.remote)
	return a
}

// LocalUDPAddr exposes the bound socket address for callers building
// session descriptions.
func (t *UDPTransport) LocalUDPAddr() *net.UDPAddr {
	if a, ok := t.conn.LocalAddr().(*net.UDPAddr); ok {
		return a
	}
	return nil
}

// RemoteUDPAddr reports the locked transmit address, nil while unknown.
func (t *UDPTransport) RemoteUDPAddr() *net.UDPAddr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.remote
}

// SetRemoteUDPAddr (re)targets the transmit address, e.g. when SDP or
// H.245 renegotiation moves the peer's media port. A nil address clears
// the lock so the next inbound packet re-learns it.
func (t *UDPTransport) SetRemoteUDPAddr(addr *net.UDPAddr) {
	t.mu.Lock()
	t.remote = addr
	t.remoteLocked = addr != nil
	t.mu.Unlock()
}

// SetQoS applies the DSCP marking to outgoing datagrams; failure is
// harmless on platforms or namespaces that refuse it.
func (t *UDPTransport) SetQoS(dscp uint8) {
	if dscp == 0 {
		return
	}
	raw, err := t.conn.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, int(dscp)<<2)
	})
}

func (t *UDPTransport) LastError() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastErr
}

func (t *UDPTransport) fail(err error) bool {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
	return false
}

func addrEqual(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// timeoutError satisfies net.Error for the queued receive path so both
// ReadPDU modes report timeouts uniformly.
type timeoutError struct{}

func (*timeoutError) Error() string   { return "transport: read timeout" }
func (*timeoutError) Timeout() bool   { return true }
func (*timeoutError) Temporary() bool { return true }

// UDPListener is a pseudo-listener: UDP has no accept() loop, so Open
// starts a read pump that demultiplexes inbound datagrams by peer
// address. The first datagram from a new peer surfaces a Transport via
// accept; that and every later datagram from the same peer is delivered
// through the peer transport's queue; the pump is the only goroutine
// reading the shared socket.
type UDPListener struct {
	conn       *net.UDPConn
	natMethods NATMethods
	local      transportaddr.Address

	mu       sync.Mutex
	peers    map[string]*UDPTransport
	closed   bool
	onAccept func(Transport)
}

// NewUDPListener binds addr and returns a Listener.
func NewUDPListener(addr string, nat NATMethods) (*UDPListener, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve udp listen addr %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp %q: %w", addr, err)
	}
	local, _ := parseNetAddr("udp", conn.LocalAddr())
	return &UDPListener{conn: conn, natMethods: nat, local: local, peers: make(map[string]*UDPTransport)}, nil
}

func (l *UDPListener) Open(accept func(Transport), mode ThreadMode) error {
	l.onAccept = accept
	go l.readPump(mode)
	return nil
}

func (l *UDPListener) readPump(mode ThreadMode) {
	var handoff chan Transport
	if mode == HandOffThread {
		handoff = make(chan Transport, 16)
		defer close(handoff)
		go func() {
			for t := range handoff {
				l.onAccept(t)
			}
		}()
	}
	buf := make([]byte, 65535)
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		payload := append([]byte(nil), buf[:n]...)

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		key := addr.String()
		peer, known := l.peers[key]
		if !known {
			peer = &UDPTransport{
				conn:         l.conn,
				remote:       addr,
				remoteLocked: true,
				inbound:      make(chan []byte, 64),
				closed:       make(chan struct{}),
				readTimeout:  100 * time.Millisecond,
			}
			peer.good.Store(true)
			l.peers[key] = peer
		}
		l.mu.Unlock()

		select {
		case peer.inbound <- payload:
		default:
			// Peer not draining; drop rather than stall the pump.
		}

		if !known {
			switch mode {
			case SpawnNewThread:
				go l.onAccept(peer)
			case HandOffThread:
				handoff <- peer
			default:
				l.onAccept(peer)
			}
		}
	}
}

func (l *UDPListener) Close() error {
	l.mu.Lock()
	l.closed = true
	peers := make([]*UDPTransport, 0, len(l.peers))
	for _, p := range l.peers {
		peers = append(peers, p)
	}
	l.mu.Unlock()
	for _, p := range peers {
		p.Close()
	}
	return l.conn.Close()
}

func (l *UDPListener) GetLocalAddress(peer transportaddr.Address) (transportaddr.Address, error) {
	if !l.local.Wildcard {
		return l.local, nil
	}
	return l.natMethods.Translate(l.local, peer)
}
