package endpoint

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/myforce/opal-go/pkg/call"
	"github.com/myforce/opal-go/pkg/callend"
	"github.com/myforce/opal-go/pkg/connection"
	"github.com/myforce/opal-go/pkg/media"
	"github.com/myforce/opal-go/pkg/mediaformat"
	"github.com/myforce/opal-go/pkg/transport"
	"github.com/myforce/opal-go/pkg/transportaddr"
)

// SIPConfig parameterises the SIP family.
type SIPConfig struct {
	// ListenAddr is "host:port" for the signalling socket.
	ListenAddr string
	// Transport is "udp", "tcp" or "tls".
	Transport string
	// TLS supplies the credential files for the tls transport.
	TLS transport.TLSCredentials
}

// sipLeg tracks the signalling state of one connection's SIP half.
type sipLeg struct {
	conn   *connection.Connection
	callID string

	invite   *sip.Request
	serverTx sip.ServerTransaction // incoming leg only
	response *sip.Response         // last response on the outgoing leg

	remoteMedia sdpMediaInfo
	hasMedia    bool
}

// SIPEndpoint is the SIP protocol family, built on the sipgo user
// agent. Message grammar and transaction plumbing live in sipgo; this
// endpoint translates between SIP transactions and connection phases.
type SIPEndpoint struct {
	*Base
	cfg SIPConfig
	rtp *RTPMedia

	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	ctx    context.Context
	cancel context.CancelFunc

	// sigListener is the transport-layer listener behind the tcp/tls
	// signalling socket, consulted for the address to present to peers.
	sigListener transport.Listener

	mu       sync.Mutex
	byCallID map[string]*sipLeg
	byToken  map[string]*sipLeg
}

// NewSIP creates the family; Start brings up the listener.
func NewSIP(mgr ManagerContext, formats []mediaformat.Format, cfg SIPConfig) *SIPEndpoint {
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}
	return &SIPEndpoint{
		Base:     NewBase(mgr, "sip", formats),
		cfg:      cfg,
		rtp:      NewRTPMedia(mgr),
		byCallID: make(map[string]*sipLeg),
		byToken:  make(map[string]*sipLeg),
	}
}

// Start builds the user agent and begins listening for signalling.
func (e *SIPEndpoint) Start() error {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent(e.ProductInfo().String()))
	if err != nil {
		return fmt.Errorf("endpoint: sip user agent: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		return fmt.Errorf("endpoint: sip server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		return fmt.Errorf("endpoint: sip client: %w", err)
	}
	e.ua, e.server, e.client = ua, server, client
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.server.OnInvite(e.handleInvite)
	e.server.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {})
	e.server.OnBye(e.handleBye)
	e.server.OnCancel(e.handleCancel)

	if e.cfg.ListenAddr != "" {
		if err := e.listen(); err != nil {
			return err
		}
	}
	return nil
}

// listen binds the signalling socket. The stream transports bind
// through the transport layer's listeners, which keep NAT-aware address
// presentation (no exclusive bind is requested), and sipgo pumps the
// SIP message grammar off the accepted connections. Plain UDP stays
// with sipgo's own packet loop, which must own the socket to
// demultiplex transactions.
func (e *SIPEndpoint) listen() error {
	switch e.cfg.Transport {
	case "tcp":
		l, err := transport.NewTCPListener(e.cfg.ListenAddr, transport.FramingLengthPrefix, 2, e.mgr.NATMethods())
		if err != nil {
			return err
		}
		e.AttachListener(l)
		e.sigListener = l
		go func() {
			if err := e.server.ServeTCP(l.NetListener()); err != nil {
				e.log.Error().Err(err).Msg("sip tcp listener stopped")
			}
		}()
	case "tls":
		tlsCfg, err := transport.BuildTLSConfig(e.cfg.TLS)
		if err != nil {
			return err
		}
		l, err := transport.NewTLSListener(e.cfg.ListenAddr, tlsCfg, transport.FramingLengthPrefix, 2)
		if err != nil {
			return err
		}
		e.AttachListener(l)
		e.sigListener = l
		go func() {
			// The listener hands sipgo already-decrypted streams.
			if err := e.server.ServeTCP(l.NetListener()); err != nil {
				e.log.Error().Err(err).Msg("sip tls listener stopped")
			}
		}()
	default:
		go func() {
			if err := e.server.ListenAndServe(e.ctx, e.cfg.Transport, e.cfg.ListenAddr); err != nil {
				e.log.Error().Err(err).Msg("sip listener stopped")
			}
		}()
	}
	return nil
}

// Close shuts the user agent down after the base teardown.
func (e *SIPEndpoint) Close() error {
	err := e.Base.Close()
	if e.cancel != nil {
		e.cancel()
	}
	if e.client != nil {
		e.client.Close()
	}
	if e.server != nil {
		e.server.Close()
	}
	if e.ua != nil {
		e.ua.Close()
	}
	return err
}

// CreateMediaStream builds RTP-backed streams, retargeting the channel
// at the peer's advertised media address when it is already known.
func (e *SIPEndpoint) CreateMediaStream(c *connection.Connection, format mediaformat.Format, sessionID uint32, isSource bool) (media.Stream, error) {
	s, err := e.rtp.CreateStream(c, format, sessionID, isSource)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	leg := e.byToken[c.Token()]
	e.mu.Unlock()
	if leg != nil && leg.hasMedia {
		if err := e.rtp.SetRemoteAddress(c, sessionID, leg.remoteMedia.host, leg.remoteMedia.port); err != nil {
			e.log.Warn().Err(err).Msg("media retarget failed")
		}
	}
	return s, nil
}

// OnConnectionReleased drops the RTP channels with the connection.
func (e *SIPEndpoint) OnConnectionReleased(c *connection.Connection) {
	e.rtp.CloseConnection(c)
	e.mu.Lock()
	if leg := e.byToken[c.Token()]; leg != nil {
		delete(e.byCallID, leg.callID)
		delete(e.byToken, c.Token())
	}
	e.mu.Unlock()
	e.Base.OnConnectionReleased(c)
}

// MakeConnection builds the SIP half of a call. Terminating connections
// dial out with INVITE on set-up; originating ones are built by
// handleInvite and driven by the transaction handlers.
func (e *SIPEndpoint) MakeConnection(owner *call.Call, party string, originating bool, stringOptions map[string]string) (*connection.Connection, error) {
	conn, err := connection.New(connection.Config{
		Call:          owner,
		Endpoint:      e,
		Token:         e.mgr.NewToken('S'),
		Originating:   originating,
		LocalParty:    e.DefaultLocalParty(),
		RemoteParty:   connection.PartyInfo{URL: party},
		CalledParty:   connection.PartyInfo{URL: party},
		StringOptions: stringOptions,
		Jitter:        e.mgr.JitterDefaults(),
		Queue:         e.mgr.Queue,
		Lock:          owner.Lock(),
		Hooks: connection.Hooks{
			OnIncoming:          e.mgr.OnIncomingConnection,
			OnSetUp:             e.sendInvite,
			OnConnected:         e.signalAnswer,
			OnRelease:           e.signalTeardown,
			SendUserInputString: e.sendInfo,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := e.Register(conn); err != nil {
		return nil, err
	}
	leg := &sipLeg{conn: conn}
	e.mu.Lock()
	e.byToken[conn.Token()] = leg
	e.mu.Unlock()
	return conn, nil
}

func (e *SIPEndpoint) legFor(c *connection.Connection) *sipLeg {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.byToken[c.Token()]
}

func (e *SIPEndpoint) bindCallID(leg *sipLeg, callID string) {
	e.mu.Lock()
	leg.callID = callID
	e.byCallID[callID] = leg
	e.mu.Unlock()
}

// handleInvite terminates inbound signalling: it builds an originating
// connection on a fresh call and runs routing through the manager.
func (e *SIPEndpoint) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	tx.Respond(sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil))

	from := req.From()
	party := "sip:" + req.Recipient.User + "@" + req.Recipient.Host
	caller := ""
	if from != nil {
		caller = "sip:" + from.Address.User + "@" + from.Address.Host
	}

	owner := e.mgr.NewIncomingCall()
	conn, err := e.MakeConnection(owner, party, true, nil)
	if err != nil {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Error", nil))
		return
	}
	conn.SetRemoteParty(connection.PartyInfo{
		Name: displayNameOf(from),
		URL:  caller,
	})
	owner.AddConnection(conn)

	leg := e.legFor(conn)
	leg.invite = req
	leg.serverTx = tx
	e.bindCallID(leg, callIDOf(req))

	if info, err := parseSDP(req.Body()); err == nil {
		leg.remoteMedia = info
		leg.hasMedia = true
	}

	e.mgr.Queue(func() {
		if err := conn.SetUpConnection(); err != nil {
			tx.Respond(sip.NewResponseFromRequest(req, sip.StatusNotFound, "Not Found", nil))
			return
		}
		// Routing may have answered synchronously (auto-answering
		// destinations); ringing only goes out while still unanswered.
		if conn.Phase() < connection.Connected {
			tx.Respond(sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil))
			conn.OnAlerting(false)
		}
	})
}

// signalAnswer sends 200 OK with the local SDP answer on the incoming
// leg; outgoing legs answered at the far end need nothing here.
func (e *SIPEndpoint) signalAnswer(c *connection.Connection) {
	leg := e.legFor(c)
	if leg == nil || leg.serverTx == nil || leg.invite == nil {
		return
	}
	// Bind the media channel before answering so the SDP carries a real
	// port; the streams opened after establishment reuse it.
	if _, err := e.rtp.channel(c, firstAudio(c.MediaFormats()), 1); err != nil {
		e.log.Warn().Err(err).Msg("media channel bind failed")
	}
	body := e.localSDP(c, leg)
	resp := sip.NewResponseFromRequest(leg.invite, sip.StatusOK, "OK", body)
	resp.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	leg.serverTx.Respond(resp)
}

// localSDP builds this side's session description for a leg.
func (e *SIPEndpoint) localSDP(c *connection.Connection, leg *sipLeg) []byte {
	peer := transportaddr.Address{Proto: transportaddr.UDP, Host: leg.remoteMedia.host}
	local, err := e.rtp.LocalAddress(c, 1, peer)
	if err != nil {
		// Media not opened yet: advertise the signalling host with port
		// 0. No later offer revises it.
		host := hostOf(e.cfg.ListenAddr)
		if e.sigListener != nil {
			if sigAddr, err := e.sigListener.GetLocalAddress(peer); err == nil && sigAddr.Host != "" {
				host = sigAddr.Host
			}
		}
		local = transportaddr.Address{Proto: transportaddr.UDP, Host: host, Port: 0}
	}
	body, err := buildSDPOffer(local.Host, local.Port, c.MediaFormats())
	if err != nil {
		e.log.Error().Err(err).Msg("session description build failed")
		return nil
	}
	return body
}

// sendInvite drives an outgoing (terminating) leg.
func (e *SIPEndpoint) sendInvite(c *connection.Connection) error {
	var target sip.Uri
	if err := sip.ParseUri(c.RemoteParty().URL, &target); err != nil {
		return fmt.Errorf("endpoint: bad sip target %q: %w", c.RemoteParty().URL, err)
	}
	leg := e.legFor(c)

	invite := sip.NewRequest(sip.INVITE, target)
	callID := uuid.NewString()
	invite.AppendHeader(sip.NewHeader("Call-ID", callID))
	invite.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: e.mgr.DefaultUserName(), Host: hostOf(e.cfg.ListenAddr)},
		Params:  sip.HeaderParams{"tag": uuid.NewString()[:8]},
	})
	invite.AppendHeader(&sip.ToHeader{Address: target, Params: sip.HeaderParams{}})
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	invite.AppendHeader(sip.NewHeader("User-Agent", e.ProductInfo().String()))

	// Open the media channel up front so the offer carries a real port.
	if _, err := e.rtp.channel(c, firstAudio(c.MediaFormats()), 1); err != nil {
		return err
	}
	peer := transportaddr.Address{Proto: transportaddr.UDP, Host: target.Host}
	local, err := e.rtp.LocalAddress(c, 1, peer)
	if err != nil {
		return err
	}
	body, err := buildSDPOffer(local.Host, local.Port, c.MediaFormats())
	if err != nil {
		return err
	}
	invite.SetBody(body)
	invite.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	leg.invite = invite
	e.bindCallID(leg, callID)

	tx, err := e.client.TransactionRequest(e.ctx, invite)
	if err != nil {
		return fmt.Errorf("endpoint: INVITE failed: %w", err)
	}

	go e.watchInvite(c, leg, invite, tx)
	return nil
}

// watchInvite maps transaction responses onto connection phases.
func (e *SIPEndpoint) watchInvite(c *connection.Connection, leg *sipLeg, invite *sip.Request, tx sip.ClientTransaction) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case res, ok := <-tx.Responses():
			if !ok {
				return
			}
			switch {
			case res.StatusCode < 200:
				if res.StatusCode == sip.StatusRinging || res.StatusCode == sip.StatusSessionInProgress {
					c.OnAlerting(res.Body() != nil)
				} else {
					c.OnProceeding()
				}
			case res.StatusCode < 300:
				leg.response = res
				if info, err := parseSDP(res.Body()); err == nil {
					leg.hasMedia = true
					leg.remoteMedia = info
					e.rtp.SetRemoteAddress(c, 1, info.host, info.port)
				}
				ack := sip.NewAckRequest(invite, res, nil)
				e.client.WriteRequest(ack)
				c.OnConnected()
				return
			default:
				c.Release(reasonForStatus(res.StatusCode), false)
				return
			}
		}
	}
}

// signalTeardown sends the protocol-side goodbye appropriate to the
// leg's progress.
func (e *SIPEndpoint) signalTeardown(c *connection.Connection, reason callend.Reason) {
	leg := e.legFor(c)
	if leg == nil {
		return
	}
	switch {
	case leg.serverTx != nil && c.PhaseTime(connection.Connected).IsZero():
		// Unanswered incoming leg: refuse.
		code, text := statusForReason(reason)
		leg.serverTx.Respond(sip.NewResponseFromRequest(leg.invite, code, text, nil))
	case leg.invite != nil && !c.PhaseTime(connection.Connected).IsZero():
		bye := byeRequestFor(leg)
		if bye != nil {
			e.client.WriteRequest(bye, sipgo.ClientRequestAddVia)
		}
	}
}

// byeRequestFor derives an in-dialog BYE from the leg's INVITE.
func byeRequestFor(leg *sipLeg) *sip.Request {
	if leg.invite == nil {
		return nil
	}
	bye := sip.NewRequest(sip.BYE, leg.invite.Recipient)
	if callID := leg.invite.CallID(); callID != nil {
		bye.AppendHeader(callID)
	}
	if from := leg.invite.From(); from != nil {
		bye.AppendHeader(from)
	}
	if to := leg.invite.To(); to != nil {
		bye.AppendHeader(to)
	}
	if cseq := leg.invite.CSeq(); cseq != nil {
		bye.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo + 1, MethodName: sip.BYE})
	}
	return bye
}

// handleBye releases the connection behind the dialog.
func (e *SIPEndpoint) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	e.mu.Lock()
	leg := e.byCallID[callIDOf(req)]
	e.mu.Unlock()
	tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	if leg != nil {
		leg.conn.Release(callend.RemoteUser, false)
	}
}

// handleCancel aborts a not-yet-answered incoming leg.
func (e *SIPEndpoint) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	e.mu.Lock()
	leg := e.byCallID[callIDOf(req)]
	e.mu.Unlock()
	tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	if leg != nil {
		leg.conn.Release(callend.CallerAbort, false)
	}
}

// sendInfo carries DTMF digits as SIP INFO, the protocol-level
// user-input mode.
func (e *SIPEndpoint) sendInfo(c *connection.Connection, value string) error {
	leg := e.legFor(c)
	if leg == nil || leg.invite == nil {
		return fmt.Errorf("endpoint: no dialog for user input")
	}
	info := sip.NewRequest(sip.INFO, leg.invite.Recipient)
	info.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
	info.SetBody([]byte(fmt.Sprintf("Signal=%s\r\nDuration=180\r\n", value)))
	return e.client.WriteRequest(info, sipgo.ClientRequestAddVia)
}

func callIDOf(req *sip.Request) string {
	if id := req.CallID(); id != nil {
		return id.Value()
	}
	return ""
}

func displayNameOf(from *sip.FromHeader) string {
	if from == nil {
		return ""
	}
	if from.DisplayName != "" {
		return from.DisplayName
	}
	return from.Address.User
}

func hostOf(listenAddr string) string {
	host, _, err := net.SplitHostPort(listenAddr)
	if err != nil || host == "" || host == "0.0.0.0" {
		return "127.0.0.1"
	}
	return host
}

func firstAudio(formats []mediaformat.Format) mediaformat.Format {
	for _, f := range formats {
		if f.Kind == mediaformat.Audio {
			return f
		}
	}
	if len(formats) > 0 {
		return formats[0]
	}
	return mediaformat.Format{Name: "G.711-uLaw", Kind: mediaformat.Audio, ClockRate: 8000}
}

// reasonForStatus maps a SIP final response to the end-reason taxonomy.
func reasonForStatus(code int) callend.Reason {
	switch code {
	case sip.StatusBusyHere, sip.StatusGlobalBusyEverywhere:
		return callend.RemoteBusy
	case sip.StatusNotFound:
		return callend.NoUser
	case sip.StatusRequestTerminated:
		return callend.CallerAbort
	case sip.StatusTemporarilyUnavailable:
		return callend.TemporaryFailure
	case sip.StatusServiceUnavailable:
		return callend.RemoteCongestion
	case sip.StatusForbidden, sip.StatusUnauthorized:
		return callend.SecurityDenial
	default:
		return callend.Refusal
	}
}

// statusForReason is the reverse mapping for refusing incoming calls.
func statusForReason(reason callend.Reason) (int, string) {
	switch reason {
	case callend.LocalBusy, callend.RemoteBusy:
		return 486, "Busy Here"
	case callend.AnswerDenied, callend.Refusal:
		return 603, "Decline"
	case callend.NoUser, callend.NoRouteToDestination:
		return sip.StatusNotFound, "Not Found"
	case callend.SecurityDenial:
		return 403, "Forbidden"
	default:
		return 480, "Temporarily Unavailable"
	}
}

// legCount reports the live dialog count, for tests and metrics.
func (e *SIPEndpoint) legCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.byToken)
}

