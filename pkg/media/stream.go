// Package media implements the application-level media plane: streams
// (unidirectional frame flows), patches (one source fanned out to sinks
// through a filter chain), and the audio filters themselves: silence
// detection, echo cancellation, DTMF detect/generate and recording taps.
package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"

	"github.com/myforce/opal-go/pkg/jitter"
	"github.com/myforce/opal-go/pkg/mediaformat"
	"github.com/myforce/opal-go/pkg/rtpsession"
)

// Command is an out-of-band instruction passed down a stream, e.g. an
// intra-frame refresh request travelling from a video sink to its source.
type Command interface{ isCommand() }

// IntraFrameRequest asks a video source for a full refresh frame.
type IntraFrameRequest struct{}

func (IntraFrameRequest) isCommand() {}

// Stream is one unidirectional media flow. A source produces frames via
// ReadPacket; a sink consumes them via WritePacket. Streams are owned by
// their Connection; a stream's patch is owned by the source side.
type Stream interface {
	// SessionID groups the streams belonging to one logical media channel
	// of a call (audio = 1, video = 2 by convention).
	SessionID() uint32
	Format() mediaformat.Format
	IsSource() bool

	Open() error
	Close() error
	IsOpen() bool

	SetPaused(paused bool)
	IsPaused() bool

	// ReadPacket blocks until the next frame is available; ok is false
	// once the stream is closed. Only meaningful for sources.
	ReadPacket() (pkt *rtp.Packet, ok bool)
	// WritePacket delivers one frame; false once closed. Sinks only.
	WritePacket(pkt *rtp.Packet) bool

	ExecuteCommand(cmd Command) bool

	// RequiresPatchThread reports whether this source must be actively
	// pulled (a patch thread loops on ReadPacket) rather than pushing
	// frames into its patch itself.
	RequiresPatchThread() bool

	SetPatch(p *Patch)
	Patch() *Patch
}

// streamBase carries the state common to every Stream implementation.
type streamBase struct {
	sessionID uint32
	format    mediaformat.Format
	isSource  bool

	open   atomic.Bool
	paused atomic.Bool

	patchMu sync.Mutex
	patch   *Patch
}

func (s *streamBase) SessionID() uint32            { return s.sessionID }
func (s *streamBase) Format() mediaformat.Format   { return s.format }
func (s *streamBase) IsSource() bool               { return s.isSource }
func (s *streamBase) IsOpen() bool                 { return s.open.Load() }
func (s *streamBase) SetPaused(paused bool)        { s.paused.Store(paused) }
func (s *streamBase) IsPaused() bool               { return s.paused.Load() }
func (s *streamBase) ExecuteCommand(Command) bool  { return false }
func (s *streamBase) RequiresPatchThread() bool    { return s.isSource }

func (s *streamBase) SetPatch(p *Patch) {
	s.patchMu.Lock()
	s.patch = p
	s.patchMu.Unlock()
}

func (s *streamBase) Patch() *Patch {
	s.patchMu.Lock()
	defer s.patchMu.Unlock()
	return s.patch
}

// QueueStream is an in-process stream backed by a bounded channel. The
// PCSS, IVR and mixer endpoints use it as their device-facing stream, and
// tests use it to observe media without sockets.
type QueueStream struct {
	streamBase
	ch     chan *rtp.Packet
	closed chan struct{}
	once   sync.Once
}

// NewQueueStream creates a queue stream with the given direction.
func NewQueueStream(sessionID uint32, format mediaformat.Format, isSource bool) *QueueStream {
	return &QueueStream{
		streamBase: streamBase{sessionID: sessionID, format: format, isSource: isSource},
		ch:         make(chan *rtp.Packet, 64),
		closed:     make(chan struct{}),
	}
}

func (s *QueueStream) Open() error {
	s.open.Store(true)
	return nil
}

func (s *QueueStream) Close() error {
	s.open.Store(false)
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *QueueStream) ReadPacket() (*rtp.Packet, bool) {
	select {
	case pkt := <-s.ch:
		return pkt, true
	case <-s.closed:
		// Drain anything queued before the close.
		select {
		case pkt := <-s.ch:
			return pkt, true
		default:
			return nil, false
		}
	}
}

func (s *QueueStream) WritePacket(pkt *rtp.Packet) bool {
	if !s.open.Load() || s.paused.Load() {
		return s.open.Load()
	}
	select {
	case s.ch <- pkt:
		return true
	case <-s.closed:
		return false
	}
}

// Inject feeds a frame into a source queue stream, as a sound device or
// tone generator would.
func (s *QueueStream) Inject(pkt *rtp.Packet) bool { return s.WritePacket(pkt) }

// RTPSourceStream reads media arriving on an RTP session, reordered
// through a jitter buffer.
type RTPSourceStream struct {
	streamBase
	session *rtpsession.Session
	buffer  *jitter.Buffer
}

// NewRTPSourceStream wires session's receive path into a jitter buffer
// with the given parameters.
func NewRTPSourceStream(sessionID uint32, format mediaformat.Format, session *rtpsession.Session, params jitter.Params) *RTPSourceStream {
	s := &RTPSourceStream{
		streamBase: streamBase{sessionID: sessionID, format: format, isSource: true},
		session:    session,
	}
	s.buffer = jitter.NewBuffer(params, format.ClockRate, session.MarkTooLate)
	return s
}

// Session exposes the underlying RTP session (for bypass patching).
func (s *RTPSourceStream) Session() *rtpsession.Session { return s.session }

// OnPacket is installed as the session's packet handler.
func (s *RTPSourceStream) OnPacket(pkt *rtp.Packet) {
	if s.open.Load() && !s.paused.Load() {
		s.buffer.Write(pkt)
	}
}

func (s *RTPSourceStream) Open() error {
	s.open.Store(true)
	return nil
}

func (s *RTPSourceStream) Close() error {
	if s.open.Swap(false) {
		s.buffer.Close()
	}
	return nil
}

func (s *RTPSourceStream) ReadPacket() (*rtp.Packet, bool) {
	for {
		pkt, res := s.buffer.ReadData()
		switch res {
		case jitter.Closed:
			return nil, false
		case jitter.Starved:
			if s.format.Capabilities&mediaformat.CapComfortNoise != 0 {
				return pkt, true
			}
			continue
		default:
			return pkt, true
		}
	}
}

func (s *RTPSourceStream) WritePacket(*rtp.Packet) bool { return false }

// RTPSinkStream writes media out through an RTP session's send path.
type RTPSinkStream struct {
	streamBase
	session *rtpsession.Session
}

func NewRTPSinkStream(sessionID uint32, format mediaformat.Format, session *rtpsession.Session) *RTPSinkStream {
	return &RTPSinkStream{
		streamBase: streamBase{sessionID: sessionID, format: format, isSource: false},
		session:    session,
	}
}

// Session exposes the underlying RTP session (for bypass patching and
// out-of-band DTMF).
func (s *RTPSinkStream) Session() *rtpsession.Session { return s.session }

func (s *RTPSinkStream) Open() error {
	s.open.Store(true)
	return nil
}

func (s *RTPSinkStream) Close() error {
	s.open.Store(false)
	return nil
}

func (s *RTPSinkStream) ReadPacket() (*rtp.Packet, bool) { return nil, false }

func (s *RTPSinkStream) WritePacket(pkt *rtp.Packet) bool {
	if !s.open.Load() {
		return false
	}
	if s.paused.Load() {
		return true
	}
	return s.session.WriteData(pkt)
}

// ExecuteCommand accepts intra-frame requests and reports other commands
// as unhandled. No RTCP feedback is sent; accepting the request lets
// pass-through work end to end on the narrowband stack.
func (s *RTPSinkStream) ExecuteCommand(cmd Command) bool {
	_, ok := cmd.(IntraFrameRequest)
	return ok
}
