package media

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/pion/rtp"
)

// SilenceDetectMode selects how the silence detector derives its
// threshold.
type SilenceDetectMode int

const (
	SilenceDetectNone SilenceDetectMode = iota
	// SilenceDetectFixed compares frame energy against a fixed threshold.
	SilenceDetectFixed
	// SilenceDetectAdaptive tracks a rolling noise floor and treats
	// frames within a margin of it as silence.
	SilenceDetectAdaptive
)

// SilenceDetector drops audio frames whose average sample energy marks
// them as silence, saving bandwidth on half-duplex conversations. It
// operates on 16-bit little-endian PCM payloads.
type SilenceDetector struct {
	mode      SilenceDetectMode
	threshold int64

	mu         sync.Mutex
	noiseFloor int64
	frames     uint64
	suppressed uint64
}

// NewSilenceDetector creates a detector. threshold is the fixed-mode
// energy level; adaptive mode uses it as the initial noise floor.
func NewSilenceDetector(mode SilenceDetectMode, threshold int64) *SilenceDetector {
	if threshold == 0 {
		threshold = 500
	}
	return &SilenceDetector{mode: mode, threshold: threshold, noiseFloor: threshold}
}

// Suppressed reports how many frames have been dropped as silence.
func (d *SilenceDetector) Suppressed() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suppressed
}

// Filter is the FilterFunc to install on a patch.
func (d *SilenceDetector) Filter(pkt *rtp.Packet) FilterAction {
	if d.mode == SilenceDetectNone || len(pkt.Payload) < 2 {
		return PassFrame
	}
	energy := frameEnergy(pkt.Payload)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames++
	limit := d.threshold
	if d.mode == SilenceDetectAdaptive {
		// Slow-follow noise floor: 1/64 step toward each frame's energy.
		d.noiseFloor += (energy - d.noiseFloor) / 64
		limit = d.noiseFloor * 2
	}
	if energy < limit {
		d.suppressed++
		return DropFrame
	}
	return PassFrame
}

func frameEnergy(payload []byte) int64 {
	var sum int64
	n := len(payload) / 2
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(payload[i*2:]))
		if s < 0 {
			s = -s
		}
		sum += int64(s)
	}
	if n == 0 {
		return 0
	}
	return sum / int64(n)
}

// EchoCanceler applies a fixed-attenuation echo suppressor to 16-bit PCM
// frames. It is deliberately simple: real acoustic echo cancellation
// lives in codec/DSP plugins outside this module; this filter provides
// the in-chain hookup point and a usable default.
type EchoCanceler struct {
	// AttenuationShift halves the signal this many times while the far
	// end is active.
	AttenuationShift uint

	mu        sync.Mutex
	farActive bool
}

// NotifyFarEnd marks whether far-end audio is currently flowing; the
// canceler only attenuates while it is.
func (e *EchoCanceler) NotifyFarEnd(active bool) {
	e.mu.Lock()
	e.farActive = active
	e.mu.Unlock()
}

// Filter attenuates the near-end frame while the far end talks.
func (e *EchoCanceler) Filter(pkt *rtp.Packet) FilterAction {
	e.mu.Lock()
	active := e.farActive
	e.mu.Unlock()
	if !active || e.AttenuationShift == 0 {
		return PassFrame
	}
	for i := 0; i+1 < len(pkt.Payload); i += 2 {
		s := int16(binary.LittleEndian.Uint16(pkt.Payload[i:]))
		binary.LittleEndian.PutUint16(pkt.Payload[i:], uint16(s>>e.AttenuationShift))
	}
	return PassFrame
}

// RecordingTap copies every payload passing through a patch to w,
// leaving the frame untouched. Used for the per-call audio recording
// option and mixer taps.
type RecordingTap struct {
	mu sync.Mutex
	w  io.Writer
}

func NewRecordingTap(w io.Writer) *RecordingTap { return &RecordingTap{w: w} }

func (t *RecordingTap) Filter(pkt *rtp.Packet) FilterAction {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w != nil {
		t.w.Write(pkt.Payload)
	}
	return PassFrame
}
