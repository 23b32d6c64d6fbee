package endpoint

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/myforce/opal-go/pkg/call"
	"github.com/myforce/opal-go/pkg/callend"
	"github.com/myforce/opal-go/pkg/connection"
	"github.com/myforce/opal-go/pkg/media"
	"github.com/myforce/opal-go/pkg/mediaformat"
	"github.com/myforce/opal-go/pkg/transport"
)

// H323Signalling is the external protocol engine boundary: H.225/H.245
// ASN.1 encoding lives on the far side of this interface. The engine
// receives structured outgoing events here and delivers decoded
// incoming events through the H323Endpoint's On* methods.
type H323Signalling interface {
	// SendSetup opens the call signalling channel toward remoteParty.
	SendSetup(token, remoteParty string, formats []mediaformat.Format) error
	SendAlerting(token string) error
	SendConnect(token string, formats []mediaformat.Format) error
	SendReleaseComplete(token string, q931Cause uint8) error
	// SendUserInput carries a digit string as an H.245 user-input
	// indication.
	SendUserInput(token, value string) error
}

// H323ChannelHandler is implemented by protocol engines that consume
// raw call-signalling channels: the endpoint owns the TPKT-framed
// transport and its lifecycle, the engine reads/writes H.225 PDUs on
// it with ReadPDU/WritePDU.
type H323ChannelHandler interface {
	OnSignallingChannel(t transport.Transport)
}

// H323Endpoint is the H.323 protocol family. Media runs over the same
// RTP plane as SIP; signalling events cross the H323Signalling
// boundary in both directions, keyed by connection token.
type H323Endpoint struct {
	*Base
	rtp    *RTPMedia
	engine H323Signalling

	mu       sync.Mutex
	pending  map[string]*h323Leg
	httpSrvs []*http.Server
}

type h323Leg struct {
	conn        *connection.Connection
	remoteMedia struct {
		host string
		port uint16
		set  bool
	}
}

// NewH323 creates the family around an injected protocol engine. A nil
// engine is legal for receive-only use (e.g. tests driving the On*
// methods directly).
func NewH323(mgr ManagerContext, formats []mediaformat.Format, engine H323Signalling) *H323Endpoint {
	return &H323Endpoint{
		Base:    NewBase(mgr, "h323", formats),
		rtp:     NewRTPMedia(mgr),
		engine:  engine,
		pending: make(map[string]*h323Leg),
	}
}

// StartSignallingListener binds the H.225 call-signalling socket:
// TPKT-framed TCP accepted through the transport layer, each channel
// handed to the protocol engine for PDU decoding.
func (e *H323Endpoint) StartSignallingListener(addr string) error {
	handler, ok := e.engine.(H323ChannelHandler)
	if !ok {
		return fmt.Errorf("endpoint: protocol engine accepts no signalling channels")
	}
	l, err := transport.NewTCPListener(addr, transport.FramingTPKT, 0, e.mgr.NATMethods())
	if err != nil {
		return err
	}
	e.AttachListener(l)
	return l.Open(func(t transport.Transport) {
		handler.OnSignallingChannel(t)
	}, transport.SpawnNewThread)
}

// StartWebSocketSignalling serves the call-signalling channel over
// WebSocket upgrades: one message per PDU instead of TPKT framing, for
// entities reached through HTTP infrastructure. Channels surface to the
// engine exactly like the TCP ones.
func (e *H323Endpoint) StartWebSocketSignalling(addr string) error {
	handler, ok := e.engine.(H323ChannelHandler)
	if !ok {
		return fmt.Errorf("endpoint: protocol engine accepts no signalling channels")
	}
	wsl := transport.NewWebSocketListener()
	if err := wsl.Open(func(t transport.Transport) {
		handler.OnSignallingChannel(t)
	}, transport.SpawnNewThread); err != nil {
		return err
	}
	e.AttachListener(wsl)
	srv := &http.Server{Addr: addr, Handler: wsl}
	e.mu.Lock()
	e.httpSrvs = append(e.httpSrvs, srv)
	e.mu.Unlock()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.log.Error().Err(err).Msg("websocket signalling listener stopped")
		}
	}()
	return nil
}

// DialSignalling opens an outgoing TPKT-framed call-signalling channel
// toward a remote H.323 entity, for the engine's SendSetup path.
func (e *H323Endpoint) DialSignalling(addr string) (transport.Transport, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("endpoint: h225 dial %s: %w", addr, err)
	}
	return transport.NewTCPTransport(conn, transport.FramingTPKT, 0), nil
}

func (e *H323Endpoint) CreateMediaStream(c *connection.Connection, format mediaformat.Format, sessionID uint32, isSource bool) (media.Stream, error) {
	s, err := e.rtp.CreateStream(c, format, sessionID, isSource)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	leg := e.pending[c.Token()]
	e.mu.Unlock()
	if leg != nil && leg.remoteMedia.set {
		e.rtp.SetRemoteAddress(c, sessionID, leg.remoteMedia.host, leg.remoteMedia.port)
	}
	return s, nil
}

func (e *H323Endpoint) OnConnectionReleased(c *connection.Connection) {
	e.rtp.CloseConnection(c)
	e.mu.Lock()
	delete(e.pending, c.Token())
	e.mu.Unlock()
	e.Base.OnConnectionReleased(c)
}

// Close shuts the signalling surfaces down with the base teardown.
func (e *H323Endpoint) Close() error {
	err := e.Base.Close()
	e.mu.Lock()
	srvs := e.httpSrvs
	e.httpSrvs = nil
	e.mu.Unlock()
	for _, srv := range srvs {
		srv.Close()
	}
	return err
}

func (e *H323Endpoint) MakeConnection(owner *call.Call, party string, originating bool, stringOptions map[string]string) (*connection.Connection, error) {
	conn, err := connection.New(connection.Config{
		Call:          owner,
		Endpoint:      e,
		Token:         e.mgr.NewToken('H'),
		Originating:   originating,
		LocalParty:    e.DefaultLocalParty(),
		RemoteParty:   connection.PartyInfo{URL: party},
		CalledParty:   connection.PartyInfo{URL: party},
		StringOptions: stringOptions,
		Jitter:        e.mgr.JitterDefaults(),
		Queue:         e.mgr.Queue,
		Lock:          owner.Lock(),
		Hooks: connection.Hooks{
			OnIncoming: e.mgr.OnIncomingConnection,
			OnSetUp: func(c *connection.Connection) error {
				if e.engine == nil {
					return fmt.Errorf("endpoint: no h323 protocol engine attached")
				}
				return e.engine.SendSetup(c.Token(), c.RemoteParty().URL, c.MediaFormats())
			},
			OnAlerting: func(c *connection.Connection, _ bool) {
				if e.engine != nil && c.IsOriginating() {
					e.engine.SendAlerting(c.Token())
				}
			},
			OnConnected: func(c *connection.Connection) {
				if e.engine != nil && c.IsOriginating() {
					e.engine.SendConnect(c.Token(), c.MediaFormats())
				}
			},
			OnRelease: func(c *connection.Connection, reason callend.Reason) {
				if e.engine != nil {
					cause, ok := reason.IsQ931Cause()
					if !ok {
						cause = 16 // normal call clearing
					}
					e.engine.SendReleaseComplete(c.Token(), cause)
				}
			},
			SendUserInputString: func(c *connection.Connection, value string) error {
				if e.engine == nil {
					return fmt.Errorf("endpoint: no h323 protocol engine attached")
				}
				return e.engine.SendUserInput(c.Token(), value)
			},
			SendUserInputQ931: func(c *connection.Connection, digit byte) error {
				if e.engine == nil {
					return fmt.Errorf("endpoint: no h323 protocol engine attached")
				}
				return e.engine.SendUserInput(c.Token(), string(digit))
			},
		},
	})
	if err != nil {
		return nil, err
	}
	if err := e.Register(conn); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.pending[conn.Token()] = &h323Leg{conn: conn}
	e.mu.Unlock()
	return conn, nil
}

// OnSetupReceived is the engine's inbound SETUP: it creates an
// originating connection on a fresh call and runs routing. The returned
// token keys all further events for this call leg.
func (e *H323Endpoint) OnSetupReceived(calledParty, callingParty string) (string, error) {
	owner := e.mgr.NewIncomingCall()
	conn, err := e.MakeConnection(owner, calledParty, true, nil)
	if err != nil {
		return "", err
	}
	conn.SetRemoteParty(connection.PartyInfo{URL: callingParty, Name: callingParty})
	owner.AddConnection(conn)

	token := conn.Token()
	e.mgr.Queue(func() {
		if err := conn.SetUpConnection(); err != nil {
			e.log.Warn().Err(err).Str("token", token).Msg("inbound setup failed")
		}
	})
	return token, nil
}

// OnMediaAddressReceived records the peer's RTP address from an H.245
// open-logical-channel acknowledgement.
func (e *H323Endpoint) OnMediaAddressReceived(token, host string, port uint16) error {
	conn := e.FindConnection(token)
	if conn == nil {
		return fmt.Errorf("endpoint: no h323 connection %q", token)
	}
	e.mu.Lock()
	if leg := e.pending[token]; leg != nil {
		leg.remoteMedia.host = host
		leg.remoteMedia.port = port
		leg.remoteMedia.set = true
	}
	e.mu.Unlock()
	// Channels already open retarget immediately.
	for _, s := range conn.MediaStreams() {
		e.rtp.SetRemoteAddress(conn, s.SessionID(), host, port)
	}
	return nil
}

// OnAlertingReceived advances the leg when the far side rings.
func (e *H323Endpoint) OnAlertingReceived(token string, withMedia bool) error {
	conn := e.FindConnection(token)
	if conn == nil {
		return fmt.Errorf("endpoint: no h323 connection %q", token)
	}
	return conn.OnAlerting(withMedia)
}

// OnConnectReceived answers the leg.
func (e *H323Endpoint) OnConnectReceived(token string) error {
	conn := e.FindConnection(token)
	if conn == nil {
		return fmt.Errorf("endpoint: no h323 connection %q", token)
	}
	if err := conn.OnConnected(); err != nil {
		return err
	}
	conn.AutoStartMediaStreams(false)
	return nil
}

// OnReleaseReceived tears the leg down with the decoded Q.931 cause.
func (e *H323Endpoint) OnReleaseReceived(token string, q931Cause uint8) error {
	conn := e.FindConnection(token)
	if conn == nil {
		return fmt.Errorf("endpoint: no h323 connection %q", token)
	}
	reason := callend.RemoteUser
	if q931Cause != 16 {
		reason = callend.Q931Cause(q931Cause)
	}
	conn.Release(reason, false)
	return nil
}

// OnUserInputReceived delivers a decoded user-input indication to the
// application via the decoupled worker pool.
func (e *H323Endpoint) OnUserInputReceived(token, value string) error {
	conn := e.FindConnection(token)
	if conn == nil {
		return fmt.Errorf("endpoint: no h323 connection %q", token)
	}
	e.mgr.Queue(func() {
		e.log.Info().Str("token", token).Str("value", value).Msg("user input")
	})
	return nil
}
