package endpoint_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myforce/opal-go/pkg/endpoint"
	"github.com/myforce/opal-go/pkg/manager"
	"github.com/myforce/opal-go/pkg/mediaformat"
	"github.com/myforce/opal-go/pkg/transport"
)

// channelEngine is a protocol engine double that accepts raw
// signalling channels and records the PDUs arriving on them.
type channelEngine struct {
	mu       sync.Mutex
	channels []transport.Transport
	pdus     [][]byte
}

func (e *channelEngine) SendSetup(string, string, []mediaformat.Format) error { return nil }
func (e *channelEngine) SendAlerting(string) error                            { return nil }
func (e *channelEngine) SendConnect(string, []mediaformat.Format) error       { return nil }
func (e *channelEngine) SendReleaseComplete(string, uint8) error              { return nil }
func (e *channelEngine) SendUserInput(string, string) error                   { return nil }

func (e *channelEngine) OnSignallingChannel(t transport.Transport) {
	e.mu.Lock()
	e.channels = append(e.channels, t)
	e.mu.Unlock()
	go func() {
		for {
			var pdu []byte
			if !t.ReadPDU(&pdu) {
				if !t.IsGood() {
					return
				}
				continue
			}
			e.mu.Lock()
			e.pdus = append(e.pdus, pdu)
			e.mu.Unlock()
			// Echo so the dialling side can verify the return path.
			t.WritePDU(append([]byte("ack:"), pdu...))
		}
	}()
}

func (e *channelEngine) pduCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pdus)
}

func TestH323SignallingChannelOverTPKT(t *testing.T) {
	m, err := manager.New(manager.Config{})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	engine := &channelEngine{}
	h323 := endpoint.NewH323(m, sipFormats(), engine)
	m.AttachEndpoint(h323)

	const addr = "127.0.0.1:21720"
	require.NoError(t, h323.StartSignallingListener(addr))

	client, err := h323.DialSignalling(addr)
	require.NoError(t, err)
	defer client.Close()

	setupPDU := []byte{0x08, 0x02, 0x01, 0x05} // opaque to this layer
	require.True(t, client.WritePDU(setupPDU))

	deadline := time.Now().Add(2 * time.Second)
	for engine.pduCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, engine.pduCount(), "PDU crossed the TPKT channel")
	engine.mu.Lock()
	assert.Equal(t, setupPDU, engine.pdus[0])
	engine.mu.Unlock()

	var reply []byte
	require.True(t, client.ReadPDU(&reply))
	assert.Equal(t, append([]byte("ack:"), setupPDU...), reply)
}

func TestH323SignallingListenerRequiresChannelHandler(t *testing.T) {
	m, err := manager.New(manager.Config{})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	// The plain signalling interface without channel support cannot
	// accept raw transports.
	h323 := endpoint.NewH323(m, sipFormats(), plainEngine{})
	m.AttachEndpoint(h323)
	assert.Error(t, h323.StartSignallingListener("127.0.0.1:21721"))
}

// plainEngine implements only the structured-event interface.
type plainEngine struct{}

func (plainEngine) SendSetup(string, string, []mediaformat.Format) error { return nil }
func (plainEngine) SendAlerting(string) error                            { return nil }
func (plainEngine) SendConnect(string, []mediaformat.Format) error       { return nil }
func (plainEngine) SendReleaseComplete(string, uint8) error              { return nil }
func (plainEngine) SendUserInput(string, string) error                   { return nil }
