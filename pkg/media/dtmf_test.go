package media

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myforce/opal-go/pkg/mediaformat"
	"github.com/myforce/opal-go/pkg/rtpsession"
)

func TestEventPayloadRoundTrip(t *testing.T) {
	in := EventPayload{Event: 5, End: true, Volume: 10, Duration: 1440}
	out, err := UnmarshalEventPayload(in.Marshal())
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = UnmarshalEventPayload([]byte{1, 2})
	assert.Error(t, err)
}

func TestDigitCharMapping(t *testing.T) {
	d, ok := DigitFromChar('5')
	require.True(t, ok)
	assert.Equal(t, Digit(5), d)

	d, ok = DigitFromChar('*')
	require.True(t, ok)
	assert.Equal(t, DigitStar, d)

	d, ok = DigitFromChar('#')
	require.True(t, ok)
	assert.Equal(t, DigitPound, d)
	assert.Equal(t, byte('#'), d.Char())

	_, ok = DigitFromChar('x')
	assert.False(t, ok)
}

func TestToneSenderEmitsEventPackets(t *testing.T) {
	aData, bData := rtpsession.NewPipe()

	var mu sync.Mutex
	var packets []*rtp.Packet

	fmtNTE := mediaformat.Format{Name: "NTE", Kind: mediaformat.Audio,
		PayloadType: mediaformat.PayloadTypeTelephoneEvent, ClockRate: 8000}

	sender, err := rtpsession.New(rtpsession.Config{Format: ulawFormat(), Data: aData})
	require.NoError(t, err)
	defer sender.Close()

	receiver, err := rtpsession.New(rtpsession.Config{
		Format: fmtNTE, Data: bData,
		Handlers: rtpsession.Handlers{OnPacket: func(p *rtp.Packet) {
			mu.Lock()
			packets = append(packets, p)
			mu.Unlock()
		}},
	})
	require.NoError(t, err)
	defer receiver.Close()

	ts := &ToneSender{}
	require.NoError(t, ts.SendTone(sender, 5, 180))

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(packets)
		mu.Unlock()
		if n >= 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d event packets arrived", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	start, err := UnmarshalEventPayload(packets[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, Digit(5), start.Event)
	assert.False(t, start.End)
	assert.Equal(t, uint16(180*8000/1000), start.Duration)
	assert.True(t, packets[0].Marker)
	assert.Equal(t, uint8(mediaformat.PayloadTypeTelephoneEvent), packets[0].PayloadType)

	last, err := UnmarshalEventPayload(packets[3].Payload)
	require.NoError(t, err)
	assert.True(t, last.End)
}

func TestToneDetectorReportsDigitOnce(t *testing.T) {
	var mu sync.Mutex
	var digits []Digit

	d := &ToneDetector{OnDigit: func(digit Digit, durationMS, clockRate uint32) {
		mu.Lock()
		digits = append(digits, digit)
		mu.Unlock()
	}}

	mk := func(ev EventPayload) *rtp.Packet {
		return &rtp.Packet{
			Header:  rtp.Header{PayloadType: uint8(mediaformat.PayloadTypeTelephoneEvent)},
			Payload: ev.Marshal(),
		}
	}

	// start, continuation, then three end packets: one report.
	assert.Equal(t, DropFrame, d.Filter(mk(EventPayload{Event: 7, Duration: 800})))
	assert.Equal(t, DropFrame, d.Filter(mk(EventPayload{Event: 7, Duration: 1600})))
	for i := 0; i < 3; i++ {
		assert.Equal(t, DropFrame, d.Filter(mk(EventPayload{Event: 7, End: true, Duration: 1600})))
	}

	// Non-event audio passes untouched.
	audio := &rtp.Packet{Header: rtp.Header{PayloadType: 0}, Payload: []byte{1}}
	assert.Equal(t, PassFrame, d.Filter(audio))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, digits, 1)
	assert.Equal(t, Digit(7), digits[0])
}

func TestInBandGenerateDetectRoundTrip(t *testing.T) {
	gen := &InBandToneGenerator{ClockRate: 8000}

	for _, digit := range []Digit{1, 5, 0, DigitStar, DigitPound} {
		pcm, err := gen.Generate(digit, 60)
		require.NoError(t, err)
		require.Len(t, pcm, 60*8*2)

		done := make(chan Digit, 1)
		det := &InBandToneDetector{ClockRate: 8000, OnDigit: func(d Digit) {
			select {
			case done <- d:
			default:
			}
		}}
		det.ProcessFrame(pcm)

		select {
		case got := <-done:
			assert.Equal(t, digit, got, "digit %c", digit.Char())
		case <-time.After(time.Second):
			t.Fatalf("digit %c not detected", digit.Char())
		}
	}
}
