package manager

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myforce/opal-go/pkg/call"
	"github.com/myforce/opal-go/pkg/callend"
	"github.com/myforce/opal-go/pkg/connection"
	"github.com/myforce/opal-go/pkg/endpoint"
	"github.com/myforce/opal-go/pkg/logging"
	"github.com/myforce/opal-go/pkg/mediaformat"
)

func init() {
	logging.SetOutput(io.Discard)
}

func audioFormats() []mediaformat.Format {
	return []mediaformat.Format{
		{Name: "G.711-uLaw", Kind: mediaformat.Audio, PayloadType: mediaformat.PayloadTypePCMU, ClockRate: 8000},
		{Name: "G.722", Kind: mediaformat.Audio, PayloadType: mediaformat.PayloadTypeG722, ClockRate: 8000},
	}
}

func newTestManager(t *testing.T, routes ...string) *Manager {
	t.Helper()
	m, err := New(Config{Routes: routes})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)
	return m
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSetUpCallRoutesAndEstablishes(t *testing.T) {
	m := newTestManager(t, "pc:.* = pc:<da>")

	pc := endpoint.NewPCSS(m, audioFormats())
	pc.AutoAnswer = true
	m.AttachEndpoint(pc)

	c, err := m.SetUpCall("pc:alice", "bob", nil)
	require.NoError(t, err)
	require.NotEmpty(t, c.Token())
	assert.Equal(t, 1, m.GetActiveCallCount())

	waitUntil(t, func() bool { return !c.EstablishedTime().IsZero() })
	for _, conn := range c.Connections() {
		assert.Equal(t, connection.Established, conn.Phase())
	}
}

func TestSetUpCallWithoutRouteClears(t *testing.T) {
	m := newTestManager(t) // empty table
	pc := endpoint.NewPCSS(m, audioFormats())
	m.AttachEndpoint(pc)

	c, err := m.SetUpCall("pc:alice", "nowhere", nil)
	require.Error(t, err)
	require.NotNil(t, c)

	waitUntil(t, func() bool { return c.IsCleared() })
	assert.Equal(t, callend.NoRouteToDestination, c.EndReason())
	waitUntil(t, func() bool { return m.GetActiveCallCount() == 0 })
}

func TestSetUpCallUnknownSchemeFails(t *testing.T) {
	m := newTestManager(t)
	_, err := m.SetUpCall("xmpp:alice", "bob", nil)
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

func TestClearAllCallsSynchronous(t *testing.T) {
	m := newTestManager(t, "pc:.* = pc:<da>")
	pc := endpoint.NewPCSS(m, audioFormats())
	pc.AutoAnswer = true
	m.AttachEndpoint(pc)

	_, err := m.SetUpCall("pc:alice", "bob", nil)
	require.NoError(t, err)
	_, err = m.SetUpCall("pc:carol", "dave", nil)
	require.NoError(t, err)
	require.Equal(t, 2, m.GetActiveCallCount())

	m.ClearAllCalls(callend.LocalUser, true)
	assert.Equal(t, 0, m.GetActiveCallCount())

	// The released connections are reaped from the endpoint by the
	// collector pass.
	waitUntil(t, func() bool { return len(pc.Connections()) == 0 })
}

func TestNewCallSucceedsAfterClearAllCalls(t *testing.T) {
	m := newTestManager(t, "pc:.* = pc:<da>")
	pc := endpoint.NewPCSS(m, audioFormats())
	pc.AutoAnswer = true
	m.AttachEndpoint(pc)

	var inClear sync.WaitGroup
	inClear.Add(1)
	go func() {
		defer inClear.Done()
		m.ClearAllCalls(callend.LocalUser, true)
	}()
	inClear.Wait()

	// A fresh SetUpCall after the drain completes works again.
	_, err := m.SetUpCall("pc:alice", "bob", nil)
	assert.NoError(t, err)
}

func TestOnCallClearedObserverFires(t *testing.T) {
	var mu sync.Mutex
	var reasons []callend.Reason

	m, err := New(Config{
		Routes: []string{"pc:.* = pc:<da>"},
		OnCallCleared: func(c *call.Call) {
			mu.Lock()
			reasons = append(reasons, c.EndReason())
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	pc := endpoint.NewPCSS(m, audioFormats())
	pc.AutoAnswer = true
	m.AttachEndpoint(pc)

	c, err := m.SetUpCall("pc:alice", "bob", nil)
	require.NoError(t, err)
	waitUntil(t, func() bool { return !c.EstablishedTime().IsZero() })

	require.NoError(t, m.ClearCall(c.Token(), callend.RemoteUser, true))
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reasons) == 1
	})
	mu.Lock()
	assert.Equal(t, callend.RemoteUser, reasons[0])
	mu.Unlock()
}

func TestSetUpConferencePullsCallIntoNode(t *testing.T) {
	m := newTestManager(t, "pc:.* = pc:<da>")
	pc := endpoint.NewPCSS(m, audioFormats())
	pc.AutoAnswer = true
	m.AttachEndpoint(pc)
	mcu := endpoint.NewMixer(m, audioFormats())
	m.AttachEndpoint(mcu)

	c, err := m.SetUpCall("pc:alice", "bob", nil)
	require.NoError(t, err)
	waitUntil(t, func() bool { return !c.EstablishedTime().IsZero() })

	require.Nil(t, mcu.FindNode("conf42"))
	require.NoError(t, m.SetUpConference(c, "mcu:conf42", "pc:*"))

	assert.Equal(t, "mcu:conf42", c.PartyB())
	node := mcu.FindNode("conf42")
	require.NotNil(t, node, "conference node created on first use")
	assert.Equal(t, 1, node.MemberCount())
	assert.Equal(t, 4, c.ConnectionCount())

	// A second member joins the same node.
	c2, err := m.SetUpCall("pc:eve", "frank", nil)
	require.NoError(t, err)
	require.NoError(t, m.SetUpConference(c2, "mcu:conf42", ""))
	assert.Equal(t, 2, node.MemberCount())
}

func TestH323InboundCallViaProtocolEngine(t *testing.T) {
	m := newTestManager(t, "h323:.* = pc:<da>")
	pc := endpoint.NewPCSS(m, audioFormats())
	pc.AutoAnswer = true
	m.AttachEndpoint(pc)

	engine := &fakeH323Engine{}
	h323 := endpoint.NewH323(m, audioFormats(), engine)
	m.AttachEndpoint(h323)

	token, err := h323.OnSetupReceived("pc:*", "h323:alice@1.2.3.4")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	waitUntil(t, func() bool { return engine.connects() == 1 })

	conn := h323.FindConnection(token)
	require.NotNil(t, conn)
	assert.Equal(t, connection.Established, conn.Phase())

	// Far end hangs up: both sides release, reason is RemoteUser.
	owner := conn.Call().(*call.Call)
	require.NoError(t, h323.OnReleaseReceived(token, 16))
	waitUntil(t, func() bool { return owner.IsCleared() })
	assert.Equal(t, callend.RemoteUser, owner.EndReason())
	waitUntil(t, func() bool { return engine.releases() >= 1 })
}

func TestTokensAreUniqueAndPrefixed(t *testing.T) {
	m := newTestManager(t)
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tok := m.NewToken('C')
		require.Equal(t, byte('C'), tok[0])
		require.False(t, seen[tok], "token %q repeated", tok)
		seen[tok] = true
	}
}

// fakeH323Engine records the structured outgoing events the endpoint
// emits toward the wire-protocol side.
type fakeH323Engine struct {
	mu         sync.Mutex
	setups     int
	alertings  int
	connectCnt int
	releaseCnt int
}

func (f *fakeH323Engine) SendSetup(token, remoteParty string, formats []mediaformat.Format) error {
	f.mu.Lock()
	f.setups++
	f.mu.Unlock()
	return nil
}

func (f *fakeH323Engine) SendAlerting(string) error {
	f.mu.Lock()
	f.alertings++
	f.mu.Unlock()
	return nil
}

func (f *fakeH323Engine) SendConnect(string, []mediaformat.Format) error {
	f.mu.Lock()
	f.connectCnt++
	f.mu.Unlock()
	return nil
}

func (f *fakeH323Engine) SendReleaseComplete(string, uint8) error {
	f.mu.Lock()
	f.releaseCnt++
	f.mu.Unlock()
	return nil
}

func (f *fakeH323Engine) SendUserInput(string, string) error { return nil }

func (f *fakeH323Engine) connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCnt
}

func (f *fakeH323Engine) releases() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releaseCnt
}
