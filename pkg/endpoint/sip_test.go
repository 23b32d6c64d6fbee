package endpoint_test

import (
	"io"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myforce/opal-go/pkg/call"
	"github.com/myforce/opal-go/pkg/callend"
	"github.com/myforce/opal-go/pkg/connection"
	"github.com/myforce/opal-go/pkg/endpoint"
	"github.com/myforce/opal-go/pkg/logging"
	"github.com/myforce/opal-go/pkg/manager"
	"github.com/myforce/opal-go/pkg/media"
	"github.com/myforce/opal-go/pkg/mediaformat"
)

func init() {
	logging.SetOutput(io.Discard)
}

func sipFormats() []mediaformat.Format {
	return []mediaformat.Format{
		{Name: "G.711-uLaw", Kind: mediaformat.Audio, PayloadType: mediaformat.PayloadTypePCMU, ClockRate: 8000},
	}
}

// buildSIPNode assembles a manager with an auto-answering sound-system
// endpoint and a SIP endpoint listening on sipAddr.
func buildSIPNode(t *testing.T, sipAddr string, rtpPorts manager.PortWindow, routes ...string) *manager.Manager {
	t.Helper()
	m, err := manager.New(manager.Config{Routes: routes, RTPPorts: rtpPorts})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	pc := endpoint.NewPCSS(m, sipFormats())
	pc.AutoAnswer = true
	m.AttachEndpoint(pc)

	sipEP := endpoint.NewSIP(m, sipFormats(), endpoint.SIPConfig{ListenAddr: sipAddr})
	require.NoError(t, sipEP.Start())
	m.AttachEndpoint(sipEP)
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func pcConnOf(t *testing.T, c *call.Call) *connection.Connection {
	t.Helper()
	for _, conn := range c.Connections() {
		if conn.Endpoint().Prefix() == "pc" {
			return conn
		}
	}
	t.Fatal("call has no pc connection")
	return nil
}

func TestSIPInviteAnswerByeRoundTrip(t *testing.T) {
	calleeAddr := "127.0.0.1:25061"
	callee := buildSIPNode(t, calleeAddr,
		manager.PortWindow{Base: 40100, Max: 40198},
		"sip:.* = pc:*")
	caller := buildSIPNode(t, "127.0.0.1:25060",
		manager.PortWindow{Base: 40000, Max: 40098},
		"pc:.* = sip:<da>")

	c, err := caller.SetUpCall("pc:tester", "sip:svc@"+calleeAddr, nil)
	require.NoError(t, err)

	// The INVITE crosses to the callee, the auto-answering pc leg sends
	// the 200, and the caller's ACK completes the handshake.
	waitFor(t, "caller call established", func() bool { return !c.EstablishedTime().IsZero() })
	waitFor(t, "callee call established", func() bool {
		calls := callee.Calls()
		return len(calls) == 1 && !calls[0].EstablishedTime().IsZero()
	})
	calleeCall := callee.Calls()[0]

	for _, conn := range c.Connections() {
		assert.Equal(t, connection.Established, conn.Phase())
	}

	// Media flows end to end over the negotiated RTP addresses: a frame
	// injected at the caller's sound device arrives at the callee's.
	callerSrc, ok := pcConnOf(t, c).FindMediaStream(1, true).(*media.QueueStream)
	require.True(t, ok)
	calleeSink, ok := pcConnOf(t, calleeCall).FindMediaStream(1, false).(*media.QueueStream)
	require.True(t, ok)

	received := make(chan *rtp.Packet, 1)
	go func() {
		for {
			pkt, ok := calleeSink.ReadPacket()
			if !ok {
				return
			}
			if len(pkt.Payload) == 160 && pkt.Payload[0] == 0x55 {
				received <- pkt
				return
			}
		}
	}()

	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = 0x55
	}
	injection := time.NewTicker(20 * time.Millisecond)
	defer injection.Stop()
	deadline := time.After(5 * time.Second)
injectLoop:
	for {
		select {
		case <-received:
			break injectLoop
		case <-deadline:
			t.Fatal("no media crossed the RTP path")
		case <-injection.C:
			callerSrc.Inject(&rtp.Packet{
				Header:  rtp.Header{PayloadType: uint8(mediaformat.PayloadTypePCMU)},
				Payload: append([]byte(nil), payload...),
			})
		}
	}

	// Caller hangs up: the BYE releases the callee's legs too.
	require.NoError(t, caller.ClearCall(c.Token(), callend.LocalUser, true))
	assert.Equal(t, 0, caller.GetActiveCallCount())
	waitFor(t, "callee cleared by BYE", func() bool { return callee.GetActiveCallCount() == 0 })
	assert.Equal(t, callend.RemoteUser, calleeCall.EndReason())
}

func TestSIPRefusesUnroutableInvite(t *testing.T) {
	calleeAddr := "127.0.0.1:25063"
	// The callee routes everything at a scheme no endpoint serves.
	callee := buildSIPNode(t, calleeAddr,
		manager.PortWindow{Base: 40300, Max: 40398},
		"sip:.* = xmpp:<du>")
	caller := buildSIPNode(t, "127.0.0.1:25062",
		manager.PortWindow{Base: 40200, Max: 40298},
		"pc:.* = sip:<da>")

	c, err := caller.SetUpCall("pc:tester", "sip:nobody@"+calleeAddr, nil)
	require.NoError(t, err)

	// The callee cannot place the call anywhere: the INVITE is refused
	// and the caller's call clears with a refusal-class reason.
	waitFor(t, "caller call cleared", func() bool { return c.IsCleared() })
	assert.NotEqual(t, callend.Unset, c.EndReason())
	waitFor(t, "callee quiet", func() bool { return callee.GetActiveCallCount() == 0 })
}
