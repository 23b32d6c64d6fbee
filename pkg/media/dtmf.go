package media

import (
	"fmt"
	"math"
	"sync"

	"github.com/pion/rtp"

	"github.com/myforce/opal-go/pkg/mediaformat"
	"github.com/myforce/opal-go/pkg/rtpsession"
)

// Digit is one DTMF event code per RFC 4733: 0-9, then 10="*", 11="#",
// 12-15="A"-"D".
type Digit uint8

const (
	DigitStar  Digit = 10
	DigitPound Digit = 11
	DigitA     Digit = 12
	DigitD     Digit = 15
)

const digitChars = "0123456789*#ABCD"

// DigitFromChar maps a dialable character to its event code.
func DigitFromChar(c byte) (Digit, bool) {
	for i := 0; i < len(digitChars); i++ {
		if digitChars[i] == c {
			return Digit(i), true
		}
	}
	return 0, false
}

func (d Digit) Char() byte {
	if int(d) < len(digitChars) {
		return digitChars[d]
	}
	return '?'
}

// EventPayload is the 4-byte RFC 4733 telephone-event payload.
type EventPayload struct {
	Event    Digit
	End      bool
	Volume   uint8  // 0-63, attenuation in -dBm
	Duration uint16 // media clock units
}

// Marshal encodes the payload into its wire form.
func (p EventPayload) Marshal() []byte {
	b := make([]byte, 4)
	b[0] = byte(p.Event)
	b[1] = p.Volume & 0x3F
	if p.End {
		b[1] |= 0x80
	}
	b[2] = byte(p.Duration >> 8)
	b[3] = byte(p.Duration)
	return b
}

// UnmarshalEventPayload decodes a telephone-event payload.
func UnmarshalEventPayload(data []byte) (EventPayload, error) {
	if len(data) < 4 {
		return EventPayload{}, fmt.Errorf("media: telephone-event payload too short (%d bytes)", len(data))
	}
	return EventPayload{
		Event:    Digit(data[0]),
		End:      data[1]&0x80 != 0,
		Volume:   data[1] & 0x3F,
		Duration: uint16(data[2])<<8 | uint16(data[3]),
	}, nil
}

// ToneSender emits RFC 4733 events out-of-band on an RTP session: a
// marker-flagged start packet followed by the conventional three end
// packets, all sharing the event's start timestamp.
type ToneSender struct {
	PayloadType uint8
	Volume      uint8
}

// SendTone writes the event for digit with the given duration in
// milliseconds. The duration is converted to media clock units with the
// session's clock rate.
func (t *ToneSender) SendTone(sess *rtpsession.Session, digit Digit, durationMS uint32) error {
	pt := t.PayloadType
	if pt == 0 {
		pt = uint8(mediaformat.PayloadTypeTelephoneEvent)
	}
	volume := t.Volume
	if volume == 0 {
		volume = 10
	}
	duration := uint16(durationMS * sess.Format().ClockRate / 1000)

	start := EventPayload{Event: digit, Volume: volume, Duration: duration}
	pkt := &rtp.Packet{
		Header:  rtp.Header{PayloadType: pt, Marker: true},
		Payload: start.Marshal(),
	}
	if !sess.WriteOOBData(pkt, true) {
		return fmt.Errorf("media: tone start packet not sent")
	}
	startTS := pkt.Header.Timestamp
	end := EventPayload{Event: digit, End: true, Volume: volume, Duration: duration}
	for i := 0; i < 3; i++ {
		pkt := &rtp.Packet{
			Header:  rtp.Header{PayloadType: pt, Timestamp: startTS},
			Payload: end.Marshal(),
		}
		if !sess.WriteOOBData(pkt, false) {
			return fmt.Errorf("media: tone end packet not sent")
		}
	}
	return nil
}

// ToneDetector recognises RFC 4733 events in a received packet flow and
// reports each digit once, on its first end packet. An event whose end
// packets never arrive is not reported; the next event start replaces it.
type ToneDetector struct {
	PayloadType uint8
	OnDigit     func(digit Digit, durationMS uint32, clockRate uint32)

	mu        sync.Mutex
	inEvent   bool
	current   Digit
	clockRate uint32
}

// Filter watches frames on a patch. Event packets are consumed (dropped
// from the media flow); everything else passes.
func (d *ToneDetector) Filter(pkt *rtp.Packet) FilterAction {
	pt := d.PayloadType
	if pt == 0 {
		pt = uint8(mediaformat.PayloadTypeTelephoneEvent)
	}
	if pkt.PayloadType != pt {
		return PassFrame
	}
	ev, err := UnmarshalEventPayload(pkt.Payload)
	if err != nil {
		return DropFrame
	}

	d.mu.Lock()
	fire := false
	switch {
	case ev.End && d.inEvent && ev.Event == d.current:
		d.inEvent = false
		fire = true
	case !ev.End && (!d.inEvent || ev.Event != d.current):
		d.inEvent = true
		d.current = ev.Event
	}
	cb := d.OnDigit
	rate := d.clockRate
	if rate == 0 {
		rate = 8000
	}
	d.mu.Unlock()

	if fire && cb != nil {
		cb(ev.Event, uint32(ev.Duration)*1000/rate, rate)
	}
	return DropFrame
}

// InBandToneGenerator synthesises the dual-frequency DTMF waveform as
// 16-bit little-endian PCM, for connections whose user-input mode is
// sample-level injection rather than signalling or RFC 4733.
type InBandToneGenerator struct {
	ClockRate uint32
	Amplitude float64 // 0..1, default 0.4
}

// dtmfLow and dtmfHigh hold the row (low) and column (high) tones.
var dtmfLow = [4]float64{697, 770, 852, 941}
var dtmfHigh = [4]float64{1209, 1336, 1477, 1633}

func dtmfPair(d Digit) (low, high float64, ok bool) {
	// Keypad layout: rows 1-3/4-6/7-9/*0#, column 4 = A-D.
	switch {
	case d >= 1 && d <= 9:
		return dtmfLow[(d-1)/3], dtmfHigh[(d-1)%3], true
	case d == 0:
		return dtmfLow[3], dtmfHigh[1], true
	case d == DigitStar:
		return dtmfLow[3], dtmfHigh[0], true
	case d == DigitPound:
		return dtmfLow[3], dtmfHigh[2], true
	case d >= DigitA && d <= DigitD:
		return dtmfLow[d-DigitA], dtmfHigh[3], true
	default:
		return 0, 0, false
	}
}

// Generate returns durationMS worth of PCM carrying the digit's tone
// pair.
func (g *InBandToneGenerator) Generate(digit Digit, durationMS uint32) ([]byte, error) {
	low, high, ok := dtmfPair(digit)
	if !ok {
		return nil, fmt.Errorf("media: no tone pair for digit %d", digit)
	}
	rate := g.ClockRate
	if rate == 0 {
		rate = 8000
	}
	amp := g.Amplitude
	if amp == 0 {
		amp = 0.4
	}
	samples := int(durationMS * rate / 1000)
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		t := float64(i) / float64(rate)
		v := amp / 2 * (math.Sin(2*math.Pi*low*t) + math.Sin(2*math.Pi*high*t))
		s := int16(v * math.MaxInt16)
		out[i*2] = byte(uint16(s))
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out, nil
}

// InBandToneDetector recognises DTMF in raw PCM using the Goertzel
// algorithm over the eight DTMF frequencies. It reports a digit when the
// same tone pair dominates ProcessFrame input.
type InBandToneDetector struct {
	ClockRate uint32
	OnDigit   func(digit Digit)

	mu   sync.Mutex
	last Digit
	live bool
}

// ProcessFrame analyses one PCM frame; also usable as a patch filter via
// Filter.
func (d *InBandToneDetector) ProcessFrame(payload []byte) {
	n := len(payload) / 2
	if n < 64 {
		return
	}
	samples := make([]float64, n)
	for i := 0; i < n; i++ {
		samples[i] = float64(int16(uint16(payload[i*2]) | uint16(payload[i*2+1])<<8))
	}
	rate := d.ClockRate
	if rate == 0 {
		rate = 8000
	}

	bestLow, lowPower := dominant(samples, rate, dtmfLow[:])
	bestHigh, highPower := dominant(samples, rate, dtmfHigh[:])

	// Both tones must carry real energy for a detection.
	total := 0.0
	for _, s := range samples {
		total += s * s
	}
	mean := total / float64(n)
	d.mu.Lock()
	defer d.mu.Unlock()
	if lowPower < mean || highPower < mean {
		d.live = false
		return
	}
	digit := digitFor(bestLow, bestHigh)
	if d.live && digit == d.last {
		return
	}
	d.last = digit
	d.live = true
	if d.OnDigit != nil {
		go d.OnDigit(digit)
	}
}

// Filter adapts ProcessFrame to the patch chain; frames always pass.
func (d *InBandToneDetector) Filter(pkt *rtp.Packet) FilterAction {
	d.ProcessFrame(pkt.Payload)
	return PassFrame
}

// dominant returns the index and Goertzel power of the strongest of
// freqs in samples.
func dominant(samples []float64, rate uint32, freqs []float64) (int, float64) {
	best, bestPower := 0, 0.0
	for i, f := range freqs {
		p := goertzel(samples, rate, f)
		if p > bestPower {
			best, bestPower = i, p
		}
	}
	return best, bestPower / float64(len(samples))
}

func goertzel(samples []float64, rate uint32, freq float64) float64 {
	w := 2 * math.Pi * freq / float64(rate)
	coeff := 2 * math.Cos(w)
	var s0, s1, s2 float64
	for _, x := range samples {
		s0 = x + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	return s1*s1 + s2*s2 - coeff*s1*s2
}

func digitFor(lowIdx, highIdx int) Digit {
	if lowIdx < 3 && highIdx < 3 {
		return Digit(lowIdx*3 + highIdx + 1)
	}
	if lowIdx == 3 {
		switch highIdx {
		case 0:
			return DigitStar
		case 1:
			return 0
		case 2:
			return DigitPound
		}
	}
	if highIdx == 3 && lowIdx < 4 {
		return DigitA + Digit(lowIdx)
	}
	return 0
}
