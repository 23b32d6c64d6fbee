package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/myforce/opal-go/pkg/transportaddr"
)

// tpktVersion is the fixed first byte of an RFC1006 TPKT header.
const tpktVersion = 3

// tpktHeaderSize is the fixed 4-byte TPKT header: version, reserved,
// 16-bit big-endian total length (header + payload).
const tpktHeaderSize = 4

// FramingMode selects how TCPTransport delimits PDUs on the wire.
type FramingMode int

const (
	// FramingTPKT uses the RFC1006 4-byte TPKT header.
	FramingTPKT FramingMode = iota
	// FramingLengthPrefix uses a configurable-width big-endian length
	// prefix with no other header bytes, for protocol engines that don't
	// speak TPKT.
	FramingLengthPrefix
)

// TCPTransport is the TCP variant of Transport, framing PDUs with TPKT or
// a raw length prefix.
type TCPTransport struct {
	conn   net.Conn
	reader *bufio.Reader

	framing      FramingMode
	prefixWidth  int // bytes, only used for FramingLengthPrefix
	local, remote transportaddr.Address

	mu        sync.Mutex
	good      atomic.Bool
	lastErr   error
	keepAlive time.Duration
	kaPayload []byte
	kaStop    chan struct{}
}

// NewTCPTransport wraps an already-connected net.Conn.
func NewTCPTransport(conn net.Conn, framing FramingMode, prefixWidth int) *TCPTransport {
	t := &TCPTransport{
		conn:        conn,
		reader:      bufio.NewReader(conn),
		framing:     framing,
		prefixWidth: prefixWidth,
	}
	t.good.Store(true)
	if a, err := parseNetAddr("tcp", conn.LocalAddr()); err == nil {
		t.local = a
	}
	if a, err := parseNetAddr("tcp", conn.RemoteAddr()); err == nil {
		t.remote = a
	}
	return t
}

func (t *TCPTransport) Connect() error { return nil } // the wrapped net.Conn is already connected

func (t *TCPTransport) ReadPDU(buf *[]byte) bool {
	switch t.framing {
	case FramingTPKT:
		return t.readTPKT(buf)
	default:
		return t.readLengthPrefixed(buf)
	}
}

func (t *TCPTransport) readTPKT(buf *[]byte) bool {
	header := make([]byte, tpktHeaderSize)
	if _, err := readFull(t.reader, header); err != nil {
		return t.fail(err)
	}
	if header[0] != tpktVersion {
		return t.fail(fmt.Errorf("%w: TPKT version %d != 3", ErrProtocolFailure, header[0]))
	}
	length := binary.BigEndian.Uint16(header[2:4])
	if length < tpktHeaderSize {
		return t.fail(fmt.Errorf("%w: TPKT length %d < header size", ErrProtocolFailure, length))
	}
	payload := make([]byte, int(length)-tpktHeaderSize)
	if len(payload) > 0 {
		if _, err := readFull(t.reader, payload); err != nil {
			return t.fail(err)
		}
	}
	*buf = payload
	return true
}

func (t *TCPTransport) readLengthPrefixed(buf *[]byte) bool {
	prefix := make([]byte, t.prefixWidth)
	if _, err := readFull(t.reader, prefix); err != nil {
		return t.fail(err)
	}
	var length uint64
	for _, b := range prefix {
		length = length<<8 | uint64(b)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := readFull(t.reader, payload); err != nil {
			return t.fail(err)
		}
	}
	*buf = payload
	return true
}

func (t *TCPTransport) WritePDU(data []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	var framed []byte
	switch t.framing {
	case FramingTPKT:
		framed = make([]byte, tpktHeaderSize+len(data))
		framed[0] = tpktVersion
		framed[1] = 0
		binary.BigEndian.PutUint16(framed[2:4], uint16(tpktHeaderSize+len(data)))
		copy(framed[tpktHeaderSize:], data)
	default:
		framed = make([]byte, t.prefixWidth+len(data))
		length := uint64(len(data))
		for i := t.prefixWidth - 1; i >= 0; i-- {
			framed[i] = byte(length)
			length >>= 8
		}
		copy(framed[t.prefixWidth:], data)
	}
	if _, err := t.conn.Write(framed); err != nil {
		return t.fail(err)
	}
	return true
}

func (t *TCPTransport) Close() error {
	t.good.Store(false)
	if t.kaStop != nil {
		close(t.kaStop)
		t.kaStop = nil
	}
	return t.conn.Close()
}

func (t *TCPTransport) SetKeepAlive(intervalSeconds int, payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.kaStop != nil {
		close(t.kaStop)
	}
	if intervalSeconds <= 0 {
		t.kaStop = nil
		return
	}
	if intervalSeconds < 10 {
		intervalSeconds = 10 // keep-alive interval minimum
	}
	t.keepAlive = time.Duration(intervalSeconds) * time.Second
	t.kaPayload = payload
	stop := make(chan struct{})
	t.kaStop = stop
	go t.keepAliveLoop(stop)
}

func (t *TCPTransport) keepAliveLoop(stop chan struct{}) {
	ticker := time.NewTicker(t.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !t.good.Load() {
				return
			}
			t.WritePDU(t.kaPayload)
		}
	}
}

func (t *TCPTransport) IsGood() bool { return t.good.Load() }

func (t *TCPTransport) LocalAddress() transportaddr.Address  { return t.local }
func (t *TCPTransport) RemoteAddress() transportaddr.Address { return t.remote }

func (t *TCPTransport) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *TCPTransport) fail(err error) bool {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
	if !isTransientSocketError(err) {
		t.good.Store(false)
	}
	return false
}

// readFull is io.ReadFull with Close() racing a blocked Read translated to
// ErrInterrupted.
func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return n, err
			}
			if n < len(buf) {
				return n, fmt.Errorf("%w: %v", ErrInterrupted, err)
			}
		}
	}
	return n, nil
}

func isTransientSocketError(error) bool {
	// TCP treats every read/write error as terminal: it is a reliable,
	// connection-oriented transport, unlike UDP where a late ICMP error
	// is survivable.
	return false
}

// TCPListener accepts inbound TCP Transports framed per framing/prefixWidth.
type TCPListener struct {
	ln            net.Listener
	framing       FramingMode
	prefixWidth   int
	natMethods    NATMethods
	wildcardLocal transportaddr.Address

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewTCPListener binds addr ("host:port") and returns a Listener using the
// given framing.
func NewTCPListener(addr string, framing FramingMode, prefixWidth int, nat NATMethods) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: tcp listen %s: %w", addr, err)
	}
	wildcard, _ := parseNetAddr("tcp", ln.Addr())
	return &TCPListener{ln: ln, framing: framing, prefixWidth: prefixWidth, natMethods: nat, wildcardLocal: wildcard}, nil
}

func (l *TCPListener) Open(accept func(Transport), mode ThreadMode) error {
	var handoff chan Transport
	if mode == HandOffThread {
		handoff = make(chan Transport, 16)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for t := range handoff {
				accept(t)
			}
		}()
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			conn, err := l.ln.Accept()
			if err != nil {
				if handoff != nil {
					close(handoff)
				}
				return
			}
			transport := NewTCPTransport(conn, l.framing, l.prefixWidth)
			switch mode {
			case SpawnNewThread:
				go accept(transport)
			case HandOffThread:
				handoff <- transport
			case SingleThread:
				accept(transport)
			}
		}
	}()
	return nil
}

// NetListener exposes the bound socket for protocol engines that pump
// their own byte stream (the SIP stack parses message grammar straight
// off accepted connections); binding and NAT-aware address presentation
// stay with this listener. The socket is bound with net.Listen's
// defaults; no exclusive bind is requested.
func (l *TCPListener) NetListener() net.Listener { return l.ln }

func (l *TCPListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	err := l.ln.Close()
	l.wg.Wait()
	return err
}

func (l *TCPListener) GetLocalAddress(peer transportaddr.Address) (transportaddr.Address, error) {
	if !l.wildcardLocal.Wildcard {
		return l.wildcardLocal, nil
	}
	translated, err := l.natMethods.Translate(l.wildcardLocal, peer)
	if err != nil {
		return transportaddr.Address{}, err
	}
	return translated, nil
}

func parseNetAddr(proto string, a net.Addr) (transportaddr.Address, error) {
	if a == nil {
		return transportaddr.Address{}, fmt.Errorf("transport: nil address")
	}
	return transportaddr.Parse(proto + "$" + a.String())
}
