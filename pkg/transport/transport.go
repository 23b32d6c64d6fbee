// Package transport implements the listener/transport layer: duplex
// channels over TCP/UDP/TLS/DTLS/WebSocket, NAT-aware address
// translation, and port-range allocation. Protocol engines (H.323/SIP
// message grammars) are external collaborators; this package only moves
// bytes and frames them.
package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/myforce/opal-go/pkg/transportaddr"
)

// ThreadMode controls how a Listener dispatches an accepted Transport to
// its acceptCallback.
type ThreadMode int

const (
	// SpawnNewThread runs acceptCallback on its own goroutine per accepted
	// Transport; the listener loop keeps accepting concurrently.
	SpawnNewThread ThreadMode = iota
	// HandOffThread hands the accepted Transport to a single long-lived
	// worker goroutine via a channel, decoupling it from the accept loop
	// but serializing dispatch.
	HandOffThread
	// SingleThread runs acceptCallback synchronously on the accept loop's
	// own goroutine; the listener cannot accept a new connection until the
	// callback returns.
	SingleThread
)

// Failure sentinels. Components compose these with fmt.Errorf's %w
// rather than invent new sentinel types; error propagation stays a
// two-state outcome plus a reason.
var (
	// ErrProtocolFailure indicates a malformed framing header (e.g. a TPKT
	// version other than 3, or a declared length shorter than the header).
	ErrProtocolFailure = errors.New("transport: protocol failure")
	// ErrInterrupted indicates Close() raced with a blocked Read.
	ErrInterrupted = errors.New("transport: interrupted")
	// ErrPortRangeExhausted is returned by PortRange.Allocate when every
	// port in the configured range is already taken.
	ErrPortRangeExhausted = errors.New("transport: port range exhausted")
)

// Transport is a duplex channel carrying framed PDUs. ReadPDU/WritePDU
// return a plain boolean success flag; callers that need the underlying
// cause use LastError.
type Transport interface {
	Connect() error
	ReadPDU(buf *[]byte) bool
	WritePDU(data []byte) bool
	Close() error
	SetKeepAlive(interval int, payload []byte)
	IsGood() bool
	LocalAddress() transportaddr.Address
	RemoteAddress() transportaddr.Address
	// LastError returns the error recorded by the most recent failing
	// ReadPDU/WritePDU call, or nil if none has failed. A successful call
	// does not clear it, and a false return that records no error (a UDP
	// datagram dropped from an unexpected peer) leaves the previous one.
	LastError() error
}

// Listener accepts inbound Transports for one bound local address.
type Listener interface {
	// Open starts accepting. accept is invoked once per inbound Transport
	// according to mode; Open returns once the listening socket is bound,
	// not when accepting stops.
	Open(accept func(Transport), mode ThreadMode) error
	Close() error
	// GetLocalAddress returns the address this listener would present to
	// peer, applying NAT translation and route-interface selection when
	// the listener itself is bound to a wildcard address.
	GetLocalAddress(peer transportaddr.Address) (transportaddr.Address, error)
}

// NATMethod translates a local/peer address pair to a publicly reachable
// address. Methods are held in a priority-ordered list; the first one
// that applies to a given pair supplies the translation.
type NATMethod interface {
	Name() string
	// AppliesTo reports whether this method can translate the given
	// local/peer pair (e.g. a STUN method applies only to UDP).
	AppliesTo(local, peer transportaddr.Address) bool
	// GetMappedAddress returns the externally-reachable address for local.
	GetMappedAddress(local transportaddr.Address) (transportaddr.Address, error)
}

// NATMethods is a priority-ordered list; the first applicable method
// wins.
type NATMethods []NATMethod

// Translate returns the mapped address from the first applicable method,
// or local unchanged if none applies.
func (methods NATMethods) Translate(local, peer transportaddr.Address) (transportaddr.Address, error) {
	for _, m := range methods {
		if m.AppliesTo(local, peer) {
			return m.GetMappedAddress(local)
		}
	}
	return local, nil
}

// PortRange allocates ports from a configured [Base, Max] window.
// Exhaustion returns ErrPortRangeExhausted without panicking or
// leaking any socket, since Allocate never opens one itself; callers open
// the socket after a port is granted and Release it on failure.
type PortRange struct {
	Base, Max uint16

	mu      sync.Mutex
	taken   map[uint16]bool
	cursor  uint16
	started bool
}

// Allocate reserves and returns the next free port in the range.
func (r *PortRange) Allocate() (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Base == 0 || r.Max < r.Base {
		return 0, fmt.Errorf("transport: invalid port range [%d,%d]", r.Base, r.Max)
	}
	if r.taken == nil {
		r.taken = make(map[uint16]bool)
		r.cursor = r.Base
		r.started = true
	}
	span := int(r.Max) - int(r.Base) + 1
	for i := 0; i < span; i++ {
		p := r.cursor
		r.cursor++
		if r.cursor > r.Max || r.cursor < r.Base {
			r.cursor = r.Base
		}
		if !r.taken[p] {
			r.taken[p] = true
			return p, nil
		}
	}
	return 0, ErrPortRangeExhausted
}

// Release returns a port to the pool.
func (r *PortRange) Release(port uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.taken != nil {
		delete(r.taken, port)
	}
}
