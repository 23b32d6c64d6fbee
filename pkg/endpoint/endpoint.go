// Package endpoint provides the per-protocol-family factories: each
// endpoint parses outbound party URIs into originating connections,
// terminates inbound signalling into connections, and supplies the
// media-stream implementations its protocol needs. Concrete families:
// sip (emiago/sipgo), h323 (external protocol engine), pc (sound
// system), pots (line interface), ivr and mcu (mixer).
package endpoint

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/myforce/opal-go/pkg/call"
	"github.com/myforce/opal-go/pkg/callend"
	"github.com/myforce/opal-go/pkg/connection"
	"github.com/myforce/opal-go/pkg/jitter"
	"github.com/myforce/opal-go/pkg/logging"
	"github.com/myforce/opal-go/pkg/mediaformat"
	"github.com/myforce/opal-go/pkg/transport"
)

// ManagerContext is the slice of the manager an endpoint depends on.
type ManagerContext interface {
	// NewToken mints a process-unique token starting with prefix.
	NewToken(prefix byte) string
	// NewIncomingCall creates and registers a call for inbound
	// signalling that arrived outside any existing call.
	NewIncomingCall() *call.Call
	// OnIncomingConnection routes a freshly set-up originating
	// connection and builds the terminating side.
	OnIncomingConnection(conn *connection.Connection) error
	// Queue runs fn on the decoupled worker pool.
	Queue(fn func())

	ProductInfo() connection.ProductInfo
	DefaultUserName() string
	RTPPortRange() *transport.PortRange
	NATMethods() transport.NATMethods
	JitterDefaults() jitter.Params
	// MediaQoS returns the DSCP value for a media type.
	MediaQoS(kind mediaformat.Kind) uint8
}

// Endpoint is one protocol family. It doubles as the
// connection.EndpointContext its connections call back into.
type Endpoint interface {
	connection.EndpointContext

	// MakeConnection builds a connection on owner for the given party
	// URI. Originating connections represent inbound callers; the rest
	// dial out.
	MakeConnection(owner *call.Call, party string, originating bool, stringOptions map[string]string) (*connection.Connection, error)

	// Connections snapshots the live connection set.
	Connections() []*connection.Connection
	// CleanUpClosedConnections reaps connections that have reached
	// their terminal phase; the manager's garbage collector calls it
	// once per pass.
	CleanUpClosedConnections()

	Close() error
}

var ErrEndpointClosed = errors.New("endpoint: closed")

// Base carries the bookkeeping every family shares.
type Base struct {
	prefix string
	mgr    ManagerContext
	log    zerolog.Logger

	formats []mediaformat.Format

	defaultUser    string
	defaultDisplay string
	product        connection.ProductInfo

	mu          sync.RWMutex
	connections map[string]*connection.Connection
	listeners   []transport.Listener
	closed      bool
}

// NewBase builds the shared core for a family registered under prefix.
func NewBase(mgr ManagerContext, prefix string, formats []mediaformat.Format) *Base {
	return &Base{
		prefix:      prefix,
		mgr:         mgr,
		log:         logging.New("endpoint").With().Str("prefix", prefix).Logger(),
		formats:     formats,
		defaultUser: mgr.DefaultUserName(),
		product:     mgr.ProductInfo(),
		connections: make(map[string]*connection.Connection),
	}
}

func (b *Base) Prefix() string                     { return b.prefix }
func (b *Base) Manager() ManagerContext            { return b.mgr }
func (b *Base) MediaFormats() []mediaformat.Format { return b.formats }

// ProductInfo returns the identity advertised by this family.
func (b *Base) ProductInfo() connection.ProductInfo { return b.product }

// SetDefaults overrides the user/display names presented by outbound
// connections of this family.
func (b *Base) SetDefaults(user, display string) {
	b.mu.Lock()
	b.defaultUser = user
	b.defaultDisplay = display
	b.mu.Unlock()
}

// DefaultLocalParty builds the local party identity for new
// connections.
func (b *Base) DefaultLocalParty() connection.PartyInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	name := b.defaultDisplay
	if name == "" {
		name = b.defaultUser
	}
	return connection.PartyInfo{
		Name:    name,
		Number:  b.defaultUser,
		URL:     b.prefix + ":" + b.defaultUser,
		Product: b.product,
	}
}

// Register tracks a new connection under its token.
func (b *Base) Register(c *connection.Connection) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrEndpointClosed
	}
	b.connections[c.Token()] = c
	return nil
}

// FindConnection resolves a token.
func (b *Base) FindConnection(token string) *connection.Connection {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connections[token]
}

// Connections snapshots the live set.
func (b *Base) Connections() []*connection.Connection {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*connection.Connection, 0, len(b.connections))
	for _, c := range b.connections {
		out = append(out, c)
	}
	return out
}

// OnConnectionReleased is the release notification; the connection
// stays registered until the garbage collector reaps it.
func (b *Base) OnConnectionReleased(*connection.Connection) {}

// CleanUpClosedConnections drops every connection that has reached
// Released.
func (b *Base) CleanUpClosedConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for token, c := range b.connections {
		if c.Phase() == connection.Released {
			delete(b.connections, token)
		}
	}
}

// AttachListener records a transport listener owned by this family.
func (b *Base) AttachListener(l transport.Listener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

// Close releases every connection and shuts the listeners.
func (b *Base) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	listeners := b.listeners
	conns := make([]*connection.Connection, 0, len(b.connections))
	for _, c := range b.connections {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	for _, c := range conns {
		c.Release(callend.LocalUser, true)
	}
	return nil
}
