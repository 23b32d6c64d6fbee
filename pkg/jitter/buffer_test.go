package jitter

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myforce/opal-go/pkg/mediaformat"
)

func pkt(seq uint16, ts uint32) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: seq, Timestamp: ts}}
}

func TestBypassModePassesThroughImmediately(t *testing.T) {
	b := NewBuffer(Params{}, 8000, nil)
	defer b.Close()

	b.Write(pkt(1, 160))
	got, res := b.ReadData()
	require.Equal(t, GotFrame, res)
	assert.Equal(t, uint16(1), got.SequenceNumber)
}

func TestReordersByTimestamp(t *testing.T) {
	b := NewBuffer(Params{MinDelay: 80, MaxDelay: 800}, 8000, nil)
	defer b.Close()

	b.Write(pkt(3, 480))
	b.Write(pkt(1, 160))
	b.Write(pkt(2, 320))

	for want := uint16(1); want <= 3; want++ {
		got, res := b.ReadData()
		require.Equal(t, GotFrame, res)
		assert.Equal(t, want, got.SequenceNumber)
	}
}

func TestTimestampWrapKeepsOrder(t *testing.T) {
	b := NewBuffer(Params{}, 8000, nil)
	defer b.Close()

	b.Write(pkt(2, 100)) // after the wrap
	b.Write(pkt(1, 0xFFFFFF00))

	got, res := b.ReadData()
	require.Equal(t, GotFrame, res)
	assert.Equal(t, uint16(1), got.SequenceNumber)
}

func TestStarvationReturnsComfortNoise(t *testing.T) {
	var lateCalls int
	b := NewBuffer(Params{MinDelay: 40, MaxDelay: 80}, 8000, func() { lateCalls++ })
	defer b.Close()

	start := time.Now()
	got, res := b.ReadData()
	require.Equal(t, Starved, res)
	assert.Equal(t, uint8(mediaformat.PayloadTypeCN), got.PayloadType)
	assert.Equal(t, 1, lateCalls)
	// 40 clock units at 8kHz is 5ms; the read must have blocked at least
	// that long before starving.
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestOverrunDropsOldest(t *testing.T) {
	b := NewBuffer(Params{MinDelay: 8000, MaxDelay: 16000, Capacity: 4}, 8000, nil)
	defer b.Close()

	for i := 0; i < 6; i++ {
		b.Write(pkt(uint16(i), uint32(i)*160))
	}
	assert.Equal(t, uint64(2), b.Dropped())
}

func TestDelayGrowsOnOutOfOrderArrivals(t *testing.T) {
	b := NewBuffer(Params{MinDelay: 160, MaxDelay: 1600}, 8000, nil)
	defer b.Close()

	b.Write(pkt(10, 1600))
	require.Equal(t, uint32(160), b.CurrentDelay())

	b.Write(pkt(8, 1280)) // late arrival
	assert.Greater(t, b.CurrentDelay(), uint32(160))
	assert.LessOrEqual(t, b.CurrentDelay(), uint32(1600))
}

func TestCloseUnblocksReader(t *testing.T) {
	b := NewBuffer(Params{MinDelay: 80000, MaxDelay: 80000}, 8000, nil)

	done := make(chan ReadResult, 1)
	go func() {
		_, res := b.ReadData()
		done <- res
	}()
	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case res := <-done:
		assert.Equal(t, Closed, res)
	case <-time.After(time.Second):
		t.Fatal("reader still blocked after Close")
	}
}
