package endpoint

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/pion/rtp"

	"github.com/myforce/opal-go/pkg/connection"
	"github.com/myforce/opal-go/pkg/media"
	"github.com/myforce/opal-go/pkg/mediaformat"
	"github.com/myforce/opal-go/pkg/rtpsession"
	"github.com/myforce/opal-go/pkg/transport"
	"github.com/myforce/opal-go/pkg/transportaddr"
)

// RTPMedia builds and pools the RTP sessions behind the stream pairs of
// RTP-capable families (sip, h323). One session carries both directions
// of one media channel of one connection; source and sink streams share
// it. Each leg rides a transport.UDPTransport, so the monitored-socket
// policies (first-packet remote lock, symmetric-RTP relearning, DSCP
// marking, transient ICMP tolerance) live in one place.
type RTPMedia struct {
	mgr ManagerContext

	mu       sync.Mutex
	channels map[string]*rtpChannel
}

type rtpChannel struct {
	session  *rtpsession.Session
	data     *transport.UDPTransport
	control  *transport.UDPTransport
	dataPort uint16
	ctlPort  uint16

	mu     sync.Mutex
	source *media.RTPSourceStream
}

func NewRTPMedia(mgr ManagerContext) *RTPMedia {
	return &RTPMedia{mgr: mgr, channels: make(map[string]*rtpChannel)}
}

func channelKey(c *connection.Connection, sessionID uint32) string {
	return fmt.Sprintf("%s/%d", c.Token(), sessionID)
}

// CreateStream is the EndpointContext media factory for RTP families.
func (r *RTPMedia) CreateStream(c *connection.Connection, format mediaformat.Format, sessionID uint32, isSource bool) (media.Stream, error) {
	ch, err := r.channel(c, format, sessionID)
	if err != nil {
		return nil, err
	}
	if isSource {
		s := media.NewRTPSourceStream(sessionID, format, ch.session, c.JitterParams())
		ch.mu.Lock()
		ch.source = s
		ch.mu.Unlock()
		c.BindSSRC(ch.session.SSRC(), s)
		return s, nil
	}
	return media.NewRTPSinkStream(sessionID, format, ch.session), nil
}

func (r *RTPMedia) channel(c *connection.Connection, format mediaformat.Format, sessionID uint32) (*rtpChannel, error) {
	key := channelKey(c, sessionID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[key]; ok {
		return ch, nil
	}

	ports := r.mgr.RTPPortRange()
	dataT, dataPort, err := bindEvenTransport(ports)
	if err != nil {
		return nil, err
	}
	ctlT, err := transport.NewUDPTransport(fmt.Sprintf(":%d", dataPort+1), "")
	if err != nil {
		// Control leg conflicts; surrender the pair and retry once on a
		// fresh allocation.
		dataT.Close()
		ports.Release(dataPort)
		dataT, dataPort, err = bindEvenTransport(ports)
		if err != nil {
			return nil, err
		}
		ctlT, err = transport.NewUDPTransport(fmt.Sprintf(":%d", dataPort+1), "")
		if err != nil {
			dataT.Close()
			ports.Release(dataPort)
			return nil, fmt.Errorf("endpoint: no control port beside %d: %w", dataPort, err)
		}
	}
	dataT.SetQoS(r.mgr.MediaQoS(format.Kind))

	ch := &rtpChannel{
		data:     dataT,
		control:  ctlT,
		dataPort: dataPort,
		ctlPort:  dataPort + 1,
	}
	sess, err := rtpsession.New(rtpsession.Config{
		Format:        format,
		Data:          &datagramLeg{t: dataT},
		Control:       &datagramLeg{t: ctlT},
		CanonicalName: r.mgr.DefaultUserName(),
		ToolName:      r.mgr.ProductInfo().String(),
		Handlers: rtpsession.Handlers{
			OnPacket: func(pkt *rtp.Packet) {
				ch.mu.Lock()
				src := ch.source
				ch.mu.Unlock()
				if src != nil {
					src.OnPacket(pkt)
				}
			},
		},
	})
	if err != nil {
		dataT.Close()
		ctlT.Close()
		ports.Release(dataPort)
		return nil, err
	}
	ch.session = sess
	r.channels[key] = ch
	return ch, nil
}

// SetRemoteAddress targets a channel's legs after SDP/H.245 negotiation
// reveals the peer's media address.
func (r *RTPMedia) SetRemoteAddress(c *connection.Connection, sessionID uint32, host string, port uint16) error {
	r.mu.Lock()
	ch := r.channels[channelKey(c, sessionID)]
	r.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("endpoint: no media channel %d on %s", sessionID, c.Token())
	}
	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := net.LookupIP(host)
		if err != nil || len(addrs) == 0 {
			return fmt.Errorf("endpoint: cannot resolve media host %q", host)
		}
		ip = addrs[0]
	}
	ch.data.SetRemoteUDPAddr(&net.UDPAddr{IP: ip, Port: int(port)})
	ch.control.SetRemoteUDPAddr(&net.UDPAddr{IP: ip, Port: int(port) + 1})
	return nil
}

// LocalAddress reports the address to advertise for a channel, applying
// NAT translation against the peer.
func (r *RTPMedia) LocalAddress(c *connection.Connection, sessionID uint32, peer transportaddr.Address) (transportaddr.Address, error) {
	r.mu.Lock()
	ch := r.channels[channelKey(c, sessionID)]
	r.mu.Unlock()
	if ch == nil {
		return transportaddr.Address{}, fmt.Errorf("endpoint: no media channel %d on %s", sessionID, c.Token())
	}
	local := transportaddr.Address{
		Proto:         transportaddr.UDP,
		Host:          localHostFor(peer),
		Port:          ch.dataPort,
		PortSpecified: true,
	}
	return r.mgr.NATMethods().Translate(local, peer)
}

// CloseConnection tears down every channel the connection opened.
func (r *RTPMedia) CloseConnection(c *connection.Connection) {
	prefix := c.Token() + "/"
	r.mu.Lock()
	var closing []*rtpChannel
	for key, ch := range r.channels {
		if strings.HasPrefix(key, prefix) {
			closing = append(closing, ch)
			delete(r.channels, key)
		}
	}
	r.mu.Unlock()
	ports := r.mgr.RTPPortRange()
	for _, ch := range closing {
		ch.session.Close()
		ports.Release(ch.dataPort)
	}
}

// bindEvenTransport allocates from the range until an even data port
// binds; RTP convention puts RTCP on the odd port above.
func bindEvenTransport(ports *transport.PortRange) (*transport.UDPTransport, uint16, error) {
	for attempt := 0; attempt < 64; attempt++ {
		port, err := ports.Allocate()
		if err != nil {
			return nil, 0, err
		}
		if port%2 != 0 {
			ports.Release(port)
			continue
		}
		t, err := transport.NewUDPTransport(fmt.Sprintf(":%d", port), "")
		if err != nil {
			ports.Release(port)
			continue
		}
		return t, port, nil
	}
	return nil, 0, transport.ErrPortRangeExhausted
}

// datagramLeg adapts a transport.UDPTransport to the rtpsession leg
// interface: whole datagrams in, whole datagrams out, with read
// timeouts and pre-answer sends treated as non-events.
type datagramLeg struct {
	t *transport.UDPTransport
}

func (l *datagramLeg) Read(buf []byte) (int, error) {
	var pdu []byte
	for {
		if l.t.ReadPDU(&pdu) {
			return copy(buf, pdu), nil
		}
		if !l.t.IsGood() {
			return 0, net.ErrClosed
		}
		err := l.t.LastError()
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			continue
		}
		if errors.Is(err, transport.ErrInterrupted) {
			return 0, net.ErrClosed
		}
		// Dropped third-party packet or other recorded oddity: keep
		// reading.
	}
}

func (l *datagramLeg) Write(data []byte) (int, error) {
	if l.t.WritePDU(data) {
		return len(data), nil
	}
	if err := l.t.LastError(); errors.Is(err, transport.ErrNoRemoteAddress) {
		// Media sent before the remote address is learned is silently
		// dropped, matching the symmetric-RTP learning flow.
		return len(data), nil
	} else if err != nil {
		return 0, err
	}
	return 0, net.ErrClosed
}

func (l *datagramLeg) Close() error { return l.t.Close() }

func (l *datagramLeg) LocalAddr() net.Addr {
	if a := l.t.LocalUDPAddr(); a != nil {
		return a
	}
	return nil
}

func (l *datagramLeg) RemoteAddr() net.Addr {
	if a := l.t.RemoteUDPAddr(); a != nil {
		return a
	}
	return nil
}

// localHostFor chooses the interface address to advertise to a peer by
// asking the kernel's route table with a throwaway datagram socket.
func localHostFor(peer transportaddr.Address) string {
	if peer.Host == "" || peer.Wildcard {
		return "0.0.0.0"
	}
	conn, err := net.Dial("udp", net.JoinHostPort(peer.Host, "9"))
	if err != nil {
		return "0.0.0.0"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "0.0.0.0"
}
