package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPTransportTPKTRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	st := NewTCPTransport(server, FramingTPKT, 0)
	ct := NewTCPTransport(client, FramingTPKT, 0)

	done := make(chan struct{})
	var got []byte
	go func() {
		var buf []byte
		require.True(t, st.ReadPDU(&buf))
		got = buf
		close(done)
	}()

	require.True(t, ct.WritePDU([]byte("hello")))
	<-done
	assert.Equal(t, []byte("hello"), got)
}

func TestTCPTransportRejectsBadTPKTVersion(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	st := NewTCPTransport(server, FramingTPKT, 0)
	go func() {
		client.Write([]byte{2, 0, 0, 4}) // version 2, not 3
	}()

	var buf []byte
	ok := st.ReadPDU(&buf)
	assert.False(t, ok)
	require.ErrorIs(t, st.LastError(), ErrProtocolFailure)
}

func TestPortRangeAllocateExhaustion(t *testing.T) {
	r := &PortRange{Base: 30000, Max: 30001}
	p1, err := r.Allocate()
	require.NoError(t, err)
	p2, err := r.Allocate()
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)

	_, err = r.Allocate()
	assert.ErrorIs(t, err, ErrPortRangeExhausted)

	r.Release(p1)
	p3, err := r.Allocate()
	require.NoError(t, err)
	assert.Equal(t, p1, p3)
}
