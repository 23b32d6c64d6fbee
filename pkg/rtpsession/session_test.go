package rtpsession

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myforce/opal-go/pkg/logging"
	"github.com/myforce/opal-go/pkg/mediaformat"
)

func init() {
	logging.SetOutput(io.Discard)
}

func testFormat() mediaformat.Format {
	return mediaformat.Format{
		Name:        "G.711-uLaw",
		Kind:        mediaformat.Audio,
		PayloadType: mediaformat.PayloadTypePCMU,
		ClockRate:   8000,
	}
}

// collector accumulates packets delivered by a session's receive path.
type collector struct {
	mu      sync.Mutex
	packets []*rtp.Packet
	byes    int
}

func (c *collector) onPacket(p *rtp.Packet) {
	c.mu.Lock()
	c.packets = append(c.packets, p)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.packets)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSendAssignsConsecutiveSequenceNumbers(t *testing.T) {
	aData, bData := NewPipe()
	recv := &collector{}

	sender, err := New(Config{Format: testFormat(), Data: aData})
	require.NoError(t, err)
	defer sender.Close()

	receiver, err := New(Config{
		Format:   testFormat(),
		Data:     bData,
		Handlers: Handlers{OnPacket: recv.onPacket},
	})
	require.NoError(t, err)
	defer receiver.Close()

	for i := 0; i < 20; i++ {
		ok := sender.WriteData(&rtp.Packet{
			Header:  rtp.Header{PayloadType: 0, Timestamp: uint32(i * 160)},
			Payload: make([]byte, 160),
		})
		require.True(t, ok)
	}
	waitFor(t, func() bool { return recv.count() == 20 })

	recv.mu.Lock()
	defer recv.mu.Unlock()
	for i := 1; i < len(recv.packets); i++ {
		assert.Equal(t, recv.packets[i-1].SequenceNumber+1, recv.packets[i].SequenceNumber)
	}

	stats := sender.Statistics()
	assert.Equal(t, uint64(20), stats.PacketsSent)
	assert.Equal(t, uint64(20*160), stats.OctetsSent)

	rstats := receiver.Statistics()
	assert.Equal(t, uint64(20), rstats.PacketsReceived)
	assert.Zero(t, rstats.PacketsLost)
}

func TestReceiveDropsWrongVersion(t *testing.T) {
	s := &Session{cfg: Config{Format: testFormat(), StatisticsEvery: 100}}
	pkt := &rtp.Packet{Header: rtp.Header{Version: 1}}
	assert.Equal(t, IgnorePacket, s.onReceiveData(pkt, time.Now()))
}

func TestReceivePayloadTypeLatch(t *testing.T) {
	s := &Session{cfg: Config{Format: testFormat(), StatisticsEvery: 100}}

	first := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 0, SequenceNumber: 1, SSRC: 7}}
	assert.Equal(t, ProcessPacket, s.onReceiveData(first, time.Now()))

	other := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 8, SequenceNumber: 2, SSRC: 7}}
	assert.Equal(t, IgnorePacket, s.onReceiveData(other, time.Now()))

	s.cfg.IgnorePayloadTypeChanges = true
	other.Header.SequenceNumber = 3
	assert.Equal(t, ProcessPacket, s.onReceiveData(other, time.Now()))
}

func TestReceiveSSRCPolicy(t *testing.T) {
	mk := func(ssrc uint32, seq uint16) *rtp.Packet {
		return &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: seq, SSRC: ssrc}}
	}

	t.Run("default drops changed source", func(t *testing.T) {
		s := &Session{cfg: Config{Format: testFormat(), StatisticsEvery: 100}}
		assert.Equal(t, ProcessPacket, s.onReceiveData(mk(1, 1), time.Now()))
		assert.Equal(t, IgnorePacket, s.onReceiveData(mk(2, 2), time.Now()))
	})

	t.Run("one change relatches exactly once", func(t *testing.T) {
		s := &Session{cfg: Config{Format: testFormat(), StatisticsEvery: 100, AllowOneSyncSourceChange: true}, oneChangeLeft: true}
		assert.Equal(t, ProcessPacket, s.onReceiveData(mk(1, 1), time.Now()))
		assert.Equal(t, ProcessPacket, s.onReceiveData(mk(2, 2), time.Now()))
		assert.Equal(t, IgnorePacket, s.onReceiveData(mk(3, 3), time.Now()))
		assert.Equal(t, ProcessPacket, s.onReceiveData(mk(2, 3), time.Now()))
	})

	t.Run("any source always relatches", func(t *testing.T) {
		s := &Session{cfg: Config{Format: testFormat(), StatisticsEvery: 100, AllowAnySyncSource: true}}
		assert.Equal(t, ProcessPacket, s.onReceiveData(mk(1, 1), time.Now()))
		assert.Equal(t, ProcessPacket, s.onReceiveData(mk(2, 2), time.Now()))
		assert.Equal(t, ProcessPacket, s.onReceiveData(mk(3, 3), time.Now()))
	})
}

func TestReceiveSequenceGapCountsLost(t *testing.T) {
	s := &Session{cfg: Config{Format: testFormat(), StatisticsEvery: 1 << 30}}
	mk := func(seq uint16) *rtp.Packet {
		return &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: seq, SSRC: 5}}
	}
	s.onReceiveData(mk(100), time.Now())
	s.onReceiveData(mk(101), time.Now())
	s.onReceiveData(mk(105), time.Now()) // 102..104 missing
	assert.Equal(t, uint64(3), s.packetsLost)
	assert.Equal(t, uint16(106), s.expectedSeq)
}

func TestReceiveOutOfOrderAdoptsAfterTen(t *testing.T) {
	s := &Session{cfg: Config{Format: testFormat(), StatisticsEvery: 1 << 30}}
	mk := func(seq uint16) *rtp.Packet {
		return &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: seq, SSRC: 5}}
	}
	s.onReceiveData(mk(5000), time.Now())
	// Sender restarts from a lower base: ten consecutive "old" sequence
	// numbers are treated as renumbering and the base is adopted.
	for seq := uint16(100); seq < 110; seq++ {
		s.onReceiveData(mk(seq), time.Now())
	}
	assert.Equal(t, uint64(10), s.packetsOutOfOrder)
	assert.Equal(t, uint16(110), s.expectedSeq)
	assert.Equal(t, ProcessPacket, s.onReceiveData(mk(110), time.Now()))
}

func TestWriteOOBDataRewritesTimestamp(t *testing.T) {
	aData, bData := NewPipe()
	recv := &collector{}

	sender, err := New(Config{Format: testFormat(), Data: aData})
	require.NoError(t, err)
	defer sender.Close()

	receiver, err := New(Config{Format: testFormat(), Data: bData,
		Handlers: Handlers{OnPacket: recv.onPacket}, IgnorePayloadTypeChanges: true})
	require.NoError(t, err)
	defer receiver.Close()

	require.True(t, sender.WriteData(&rtp.Packet{
		Header:  rtp.Header{PayloadType: 0, Timestamp: 4000},
		Payload: make([]byte, 160),
	}))
	require.True(t, sender.WriteOOBData(&rtp.Packet{
		Header:  rtp.Header{PayloadType: 101, Marker: true},
		Payload: []byte{5, 0x0A, 0x05, 0xA0},
	}, true))

	waitFor(t, func() bool { return recv.count() == 2 })
	recv.mu.Lock()
	defer recv.mu.Unlock()
	oob := recv.packets[1]
	assert.Equal(t, uint8(101), oob.PayloadType)
	// Phase-locked to the media base: within one second of clock at 8kHz.
	assert.InDelta(t, 4000, float64(oob.Timestamp), 8000)
	assert.Equal(t, recv.packets[0].SequenceNumber+1, oob.SequenceNumber)
}

func TestByeClosesSessionWhenConfigured(t *testing.T) {
	aData, bData := NewPipe()
	aCtl, bCtl := NewPipe()

	var byeMu sync.Mutex
	var byeReceived bool

	a, err := New(Config{Format: testFormat(), Data: aData, Control: aCtl})
	require.NoError(t, err)

	b, err := New(Config{
		Format: testFormat(), Data: bData, Control: bCtl, CloseOnBye: true,
		Handlers: Handlers{OnBye: func(ssrc uint32, reason string) {
			byeMu.Lock()
			byeReceived = true
			byeMu.Unlock()
		}},
	})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Close()) // emits SR/RR + SDES + BYE
	waitFor(t, func() bool {
		byeMu.Lock()
		defer byeMu.Unlock()
		return byeReceived
	})
}

func TestReceptionReportLossFraction(t *testing.T) {
	s := &Session{cfg: Config{Format: testFormat(), StatisticsEvery: 1 << 30}}
	mk := func(seq uint16) *rtp.Packet {
		return &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: seq, SSRC: 9}}
	}
	// Receive 1..4, lose 5..8, receive 9.
	for seq := uint16(1); seq <= 4; seq++ {
		s.onReceiveData(mk(seq), time.Now())
	}
	s.onReceiveData(mk(9), time.Now())

	s.mu.Lock()
	rr := s.buildReceptionReportLocked(time.Now())
	s.mu.Unlock()

	assert.Equal(t, uint32(4), rr.TotalLost)
	// 4 lost of 10 expected → 102/256.
	assert.Equal(t, uint8(4*256/10), rr.FractionLost)
	assert.Equal(t, uint32(10), rr.LastSequenceNumber)
}

func TestStatisticsCallbackEveryN(t *testing.T) {
	aData, bData := NewPipe()

	var mu sync.Mutex
	var snaps []Statistics

	sender, err := New(Config{
		Format:          testFormat(),
		Data:            aData,
		StatisticsEvery: 10,
		Handlers: Handlers{OnStatistics: func(st Statistics) {
			mu.Lock()
			snaps = append(snaps, st)
			mu.Unlock()
		}},
	})
	require.NoError(t, err)
	defer sender.Close()
	defer bData.Close()

	for i := 0; i < 25; i++ {
		require.True(t, sender.WriteData(&rtp.Packet{Payload: make([]byte, 160)}))
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, snaps, 2)
	assert.Equal(t, uint64(10), snaps[0].PacketsSent)
	assert.Equal(t, uint64(20), snaps[1].PacketsSent)
}
