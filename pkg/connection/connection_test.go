package connection

import (
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myforce/opal-go/pkg/callend"
	"github.com/myforce/opal-go/pkg/logging"
	"github.com/myforce/opal-go/pkg/media"
	"github.com/myforce/opal-go/pkg/mediaformat"
)

func init() {
	logging.SetOutput(io.Discard)
}

// fakeCall and fakeEndpoint satisfy the context interfaces with just
// enough behaviour to exercise a connection in isolation.
type fakeCall struct {
	mu          sync.Mutex
	established []*Connection
	released    []*Connection
	peerRelease int
}

func (f *fakeCall) Token() string { return "Ctest" }

func (f *fakeCall) OpenSourceMediaStreams(*Connection, mediaformat.Kind, uint32, *mediaformat.Format) bool {
	return true
}

func (f *fakeCall) OnConnectionConnected(*Connection) {}

func (f *fakeCall) OnConnectionEstablished(c *Connection) {
	f.mu.Lock()
	f.established = append(f.established, c)
	f.mu.Unlock()
}

func (f *fakeCall) OnConnectionReleased(c *Connection) {
	f.mu.Lock()
	f.released = append(f.released, c)
	f.mu.Unlock()
}

func (f *fakeCall) ReleasePeers(*Connection, callend.Reason) {
	f.mu.Lock()
	f.peerRelease++
	f.mu.Unlock()
}

type fakeEndpoint struct {
	formats    []mediaformat.Format
	streamFail error
}

func (f *fakeEndpoint) Prefix() string { return "test" }

func (f *fakeEndpoint) MediaFormats() []mediaformat.Format { return f.formats }

func (f *fakeEndpoint) CreateMediaStream(c *Connection, format mediaformat.Format, sessionID uint32, isSource bool) (media.Stream, error) {
	if f.streamFail != nil {
		return nil, f.streamFail
	}
	return media.NewQueueStream(sessionID, format, isSource), nil
}

func (f *fakeEndpoint) OnConnectionReleased(*Connection) {}

func ulaw() mediaformat.Format {
	return mediaformat.Format{Name: "G.711-uLaw", Kind: mediaformat.Audio, ClockRate: 8000}
}

func newTestConnection(t *testing.T, mutate func(*Config)) (*Connection, *fakeCall, *fakeEndpoint) {
	t.Helper()
	call := &fakeCall{}
	ep := &fakeEndpoint{formats: []mediaformat.Format{ulaw()}}
	cfg := Config{
		Call:     call,
		Endpoint: ep,
		Token:    "C1234",
		Queue:    func(fn func()) { fn() }, // synchronous for tests
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c, call, ep
}

func TestPhaseAdvancesAndSkipsForward(t *testing.T) {
	c, _, _ := newTestConnection(t, nil)

	require.Equal(t, Uninitialised, c.Phase())
	require.NoError(t, c.SetPhase(SetUpPhase))
	// SetUp straight to Alerting, skipping Proceeding, is legal.
	require.NoError(t, c.SetPhase(Alerting))
	require.NoError(t, c.SetPhase(Connected))
	assert.Equal(t, Connected, c.Phase())
	assert.False(t, c.PhaseTime(Connected).IsZero())
	assert.True(t, c.PhaseTime(Proceeding).IsZero())
}

func TestPhaseNeverRegresses(t *testing.T) {
	c, _, _ := newTestConnection(t, nil)
	require.NoError(t, c.SetPhase(Connected))
	assert.ErrorIs(t, c.SetPhase(Alerting), ErrBadPhaseJump)
	assert.Equal(t, Connected, c.Phase())
}

func TestReleasingOnlyAdvancesToReleased(t *testing.T) {
	c, _, _ := newTestConnection(t, nil)
	require.NoError(t, c.SetPhase(Releasing))
	assert.ErrorIs(t, c.SetPhase(Connected), ErrBadPhaseJump)
	require.NoError(t, c.SetPhase(Released))
	// Released is terminal: nothing leaves it.
	assert.ErrorIs(t, c.SetPhase(Releasing), ErrBadPhaseJump)
	assert.NoError(t, c.SetPhase(Released)) // idempotent no-op
}

func TestEstablishedRequiresOpenStream(t *testing.T) {
	c, call, _ := newTestConnection(t, nil)

	require.NoError(t, c.OnConnected())
	// Connected but no stream: not established yet.
	assert.Equal(t, Connected, c.Phase())
	assert.Empty(t, call.established)

	_, err := c.OpenMediaStream(ulaw(), 1, false)
	require.NoError(t, err)
	c.InternalOnEstablished()
	assert.Equal(t, Established, c.Phase())
	assert.Len(t, call.established, 1)
}

func TestOnConnectedIsIdempotent(t *testing.T) {
	c, _, _ := newTestConnection(t, nil)
	_, err := c.OpenMediaStream(ulaw(), 1, false)
	require.NoError(t, err)

	require.NoError(t, c.OnConnected())
	require.NoError(t, c.OnConnected())
	assert.Equal(t, Established, c.Phase())
}

func TestReleaseIsIdempotentAndFirstReasonWins(t *testing.T) {
	c, call, _ := newTestConnection(t, nil)
	require.NoError(t, c.SetPhase(Connected))

	c.Release(callend.RemoteUser, true)
	c.Release(callend.LocalUser, true)

	assert.Equal(t, callend.RemoteUser, c.CallEndReason())
	assert.Equal(t, Released, c.Phase())
	call.mu.Lock()
	defer call.mu.Unlock()
	assert.Len(t, call.released, 1)
	assert.Equal(t, 1, call.peerRelease)
}

func TestReleaseClosesStreamsAndReturnsBandwidth(t *testing.T) {
	c, _, _ := newTestConnection(t, func(cfg *Config) {
		cfg.BandwidthTx = 128000
	})
	s, err := c.OpenMediaStream(ulaw(), 1, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(64000), c.txBudget.Used())

	c.Release(callend.LocalUser, true)
	assert.False(t, s.IsOpen())
	assert.Zero(t, c.txBudget.Used())
	assert.Empty(t, c.MediaStreams())
}

func TestOpenMediaStreamFailsOnNoBandwidth(t *testing.T) {
	c, _, _ := newTestConnection(t, func(cfg *Config) {
		cfg.BandwidthTx = 100000 // room for one 64k stream, not two
	})
	_, err := c.OpenMediaStream(ulaw(), 1, false)
	require.NoError(t, err)
	_, err = c.OpenMediaStream(ulaw(), 2, false)
	assert.ErrorIs(t, err, ErrNoBandwidth)
	assert.Equal(t, uint64(64000), c.txBudget.Used())
}

func TestOpenMediaStreamUnwindsOnEndpointFailure(t *testing.T) {
	c, _, ep := newTestConnection(t, func(cfg *Config) {
		cfg.BandwidthTx = 64000
	})
	ep.streamFail = assert.AnError
	_, err := c.OpenMediaStream(ulaw(), 1, false)
	require.Error(t, err)
	assert.Zero(t, c.txBudget.Used())

	// The reservation was fully returned: a later open succeeds.
	ep.streamFail = nil
	_, err = c.OpenMediaStream(ulaw(), 1, false)
	assert.NoError(t, err)
}

func TestApplyStringOptionsIsRepeatable(t *testing.T) {
	raw := map[string]string{
		OptUserInputMode:     "RFC2833",
		OptMinJitter:         "80",
		OptMaxJitter:         "800",
		OptSilenceDetectMode: "adaptive",
		OptAutoStart:         "audio:sendrecv;video:none",
		OptDTMFMult:          "2",
	}
	c, _, _ := newTestConnection(t, nil)

	require.NoError(t, c.ApplyStringOptions(raw))
	first := c.StringOptions()
	firstMode := c.UserInputMode()
	firstJitter := c.JitterParams()

	require.NoError(t, c.ApplyStringOptions(raw))
	assert.Equal(t, first, c.StringOptions())
	assert.Equal(t, firstMode, c.UserInputMode())
	assert.Equal(t, firstJitter, c.JitterParams())

	assert.Equal(t, UserInputTone, c.UserInputMode())
	assert.Equal(t, uint32(80), c.JitterParams().MinDelay)
	assert.Equal(t, media.SilenceDetectAdaptive, c.SilenceDetectMode())
	assert.Equal(t, AutoStartBidirectional, c.AutoStart(mediaformat.Audio))
	assert.Equal(t, AutoStartNone, c.AutoStart(mediaformat.Video))
	assert.Equal(t, uint32(2), c.StringOptions().DTMFMult)
}

func TestDisableJitterOverridesDelays(t *testing.T) {
	c, _, _ := newTestConnection(t, nil)
	require.NoError(t, c.ApplyStringOptions(map[string]string{
		OptMinJitter:     "80",
		OptDisableJitter: "true",
	}))
	assert.Zero(t, c.JitterParams().MinDelay)
	assert.Zero(t, c.JitterParams().MaxDelay)
}

func TestMediaFormatsAppliesRemoveCodecMask(t *testing.T) {
	c, _, _ := newTestConnection(t, func(cfg *Config) {
		cfg.Endpoint = &fakeEndpoint{formats: []mediaformat.Format{
			ulaw(),
			{Name: "iLBC-13k3", Kind: mediaformat.Audio, ClockRate: 8000},
		}}
	})
	require.NoError(t, c.ApplyStringOptions(map[string]string{
		OptRemoveCodec: "iLBC-13k3",
	}))
	formats := c.MediaFormats()
	require.Len(t, formats, 1)
	assert.Equal(t, "G.711-uLaw", formats[0].Name)
}

func TestSelectMediaFormatPrefersMaskedOrder(t *testing.T) {
	g722 := mediaformat.Format{Name: "G.722", Kind: mediaformat.Audio, ClockRate: 8000}
	ilbc := mediaformat.Format{Name: "iLBC-13k3", Kind: mediaformat.Audio, ClockRate: 8000}

	// A-party offers iLBC and uLaw; local speaks all three. The mask
	// removes iLBC, the order prefers G.722 which the remote lacks, so
	// negotiation lands on uLaw.
	got, err := SelectMediaFormat(
		mediaformat.Audio,
		[]mediaformat.Format{g722, ulaw(), ilbc},
		[]mediaformat.Format{ilbc, ulaw()},
		[]string{"G.722", "G.711-uLaw"},
		[]string{"iLBC-13k3"},
	)
	require.NoError(t, err)
	assert.Equal(t, "G.711-uLaw", got.Name)

	_, err = SelectMediaFormat(mediaformat.Audio,
		[]mediaformat.Format{g722}, []mediaformat.Format{ulaw()}, nil, nil)
	assert.Error(t, err)
}

func TestSendUserInputToneStringMode(t *testing.T) {
	var sent []string
	c, _, _ := newTestConnection(t, func(cfg *Config) {
		cfg.Hooks.SendUserInputString = func(_ *Connection, v string) error {
			sent = append(sent, v)
			return nil
		}
	})
	require.NoError(t, c.SendUserInputTone('5', 180))
	assert.Equal(t, []string{"5"}, sent)

	assert.Error(t, c.SendUserInputTone('x', 180))
}

func TestSetUpConnectionRoutesOriginatingSide(t *testing.T) {
	var routed bool
	c, _, _ := newTestConnection(t, func(cfg *Config) {
		cfg.Originating = true
		cfg.Hooks.OnIncoming = func(*Connection) error {
			routed = true
			return nil
		}
	})
	require.NoError(t, c.SetUpConnection())
	assert.True(t, routed)
	assert.Equal(t, SetUpPhase, c.Phase())
}

func TestForwardBeforeAnswer(t *testing.T) {
	var forwardedTo string
	c, _, _ := newTestConnection(t, func(cfg *Config) {
		cfg.Hooks.OnForwarded = func(_ *Connection, to string) { forwardedTo = to }
	})
	require.NoError(t, c.SetPhase(Alerting))
	require.NoError(t, c.Forward("sip:voicemail@pbx"))

	assert.Equal(t, "sip:voicemail@pbx", forwardedTo)
	assert.Equal(t, Released, c.Phase())
	assert.Equal(t, callend.CallForwarded, c.CallEndReason())

	// After answer, forwarding is refused.
	c2, _, _ := newTestConnection(t, nil)
	require.NoError(t, c2.SetPhase(Connected))
	assert.Error(t, c2.Forward("sip:late@pbx"))
}

func TestCallForwardStringOptionRedirectsSetUp(t *testing.T) {
	var forwardedTo string
	c, _, _ := newTestConnection(t, func(cfg *Config) {
		cfg.StringOptions = map[string]string{OptCallForward: "sip:fwd@pbx"}
		cfg.Hooks.OnForwarded = func(_ *Connection, to string) { forwardedTo = to }
	})
	require.NoError(t, c.SetUpConnection())
	assert.Equal(t, "sip:fwd@pbx", forwardedTo)
	assert.Equal(t, callend.CallForwarded, c.CallEndReason())
}

func TestSetHoldPausesSinkStreams(t *testing.T) {
	var holds []bool
	c, _, _ := newTestConnection(t, func(cfg *Config) {
		cfg.Hooks.OnHold = func(_ *Connection, onHold bool) { holds = append(holds, onHold) }
	})
	sink, err := c.OpenMediaStream(ulaw(), 1, false)
	require.NoError(t, err)

	c.SetHold(true)
	assert.True(t, sink.IsPaused())
	c.SetHold(true) // no-op
	c.SetHold(false)
	assert.False(t, sink.IsPaused())
	assert.Equal(t, []bool{true, false}, holds)
}

func TestSetUpConnectionFailureReleases(t *testing.T) {
	c, _, _ := newTestConnection(t, func(cfg *Config) {
		cfg.Originating = true
		cfg.Hooks.OnIncoming = func(*Connection) error { return assert.AnError }
	})
	require.Error(t, c.SetUpConnection())
	assert.Equal(t, Released, c.Phase())
	assert.Equal(t, callend.NoRouteToDestination, c.CallEndReason())
}
