// Package rtpsession carries one media channel between two endpoints: a
// socket pair (data + control), RFC 3550 sequence/timestamp/SSRC
// machinery, RTCP sender/receiver reporting, and reception statistics.
// Wire formats come from pion/rtp and pion/rtcp; an optional SRTP context
// from pion/srtp protects both legs.
//
// The RTCP report interval is a fixed period with ±1/3 random jitter
// rather than the full RFC 3550 participant-scaled algorithm; that is
// adequate for unicast telephony, which is all this stack carries.
package rtpsession

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"math"
	mrand "math/rand"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/srtp/v3"
	"github.com/rs/zerolog"

	"github.com/myforce/opal-go/pkg/logging"
	"github.com/myforce/opal-go/pkg/mediaformat"
)

// ReceiveAction is the three-state outcome of the receive path. There are
// no exceptions on this path; every packet resolves to one of these.
type ReceiveAction int

const (
	ProcessPacket ReceiveAction = iota
	IgnorePacket
	AbortTransport
)

// ReceptionInfo is one reception report block extracted from an incoming
// SR or RR.
type ReceptionInfo struct {
	SSRC               uint32
	FractionLost       uint8
	TotalLost          uint32
	LastSequenceNumber uint32
	Jitter             uint32
}

// SenderInfo is the sender portion of an incoming SR. NTPTime follows the
// RTCP convention: seconds since 1900 in the high word, 2^-32 fractions
// in the low.
type SenderInfo struct {
	SSRC        uint32
	NTPTime     uint64
	RTPTime     uint32
	PacketCount uint32
	OctetCount  uint32
}

// Handlers are the session's upward callbacks. All fields are optional.
// Receive-path callbacks run on the session's reader goroutines, except
// receive-side OnStatistics, which runs on a goroutine of its own;
// send-side OnStatistics runs on the goroutine that called WriteData.
// Implementations must not block for long or call back into Close.
type Handlers struct {
	// OnPacket receives every data packet the receive path accepted.
	OnPacket func(*rtp.Packet)
	// OnStatistics fires every StatisticsEvery sent or received packets.
	OnStatistics func(Statistics)
	// OnSenderReport and OnReceiverReport deliver parsed RTCP reports.
	OnSenderReport   func(SenderInfo, []ReceptionInfo)
	OnReceiverReport func([]ReceptionInfo)
	// OnApplication delivers RTCP APP sub-packets.
	OnApplication func(name string, subType uint8, ssrc uint32, data []byte)
	// OnIntraFrameRequest fires for video intra-frame refresh requests
	// (PLI/FIR).
	OnIntraFrameRequest func()
	// OnBye fires when the peer announces departure.
	OnBye func(ssrc uint32, reason string)
}

// Config assembles a Session.
type Config struct {
	Format mediaformat.Format

	// Data carries RTP; Control carries RTCP. Control may be nil, in
	// which case reports are neither sent nor expected.
	Data    Transport
	Control Transport

	// SSRC of outgoing packets; randomly chosen when zero.
	SSRC uint32

	CanonicalName string
	ToolName      string

	// TimestampOffset is added to every data-path timestamp after the
	// first packet establishes the out-of-band base.
	TimestampOffset uint32

	// SSRC policy for the receive path.
	AllowAnySyncSource       bool
	AllowOneSyncSourceChange bool
	// IgnorePayloadTypeChanges accepts packets whose payload type differs
	// from the first one seen instead of dropping them.
	IgnorePayloadTypeChanges bool

	// CloseOnBye aborts the transport when the peer sends RTCP BYE;
	// otherwise the BYE is logged and the session stays up.
	CloseOnBye bool

	// ReportInterval is the RTCP compound period (default 12s, jittered
	// ±1/3). StatisticsEvery is the per-direction packet count between
	// statistics callbacks (default 100).
	ReportInterval  time.Duration
	StatisticsEvery int

	// SRTPTx/SRTPRx, when set, protect outgoing and unprotect incoming
	// packets on both legs.
	SRTPTx *srtp.Context
	SRTPRx *srtp.Context

	Handlers Handlers
}

const (
	defaultReportInterval  = 12 * time.Second
	defaultStatisticsEvery = 100

	// After this many consecutive packets with sequence numbers below the
	// expected one, the sender is assumed to have renumbered and the
	// receive path adopts the new sequence base.
	outOfOrderAdoptThreshold = 10
)

// Session is one RTP media channel. Create with New, feed the send path
// with WriteData/WriteOOBData, and receive via Handlers.OnPacket. Close
// sends an RTCP BYE (once) and releases both legs.
type Session struct {
	cfg Config
	log zerolog.Logger

	data    Transport
	control Transport

	mu sync.Mutex

	// Send side.
	ssrcOut     uint32
	lastSentSeq uint16
	seqPrimed   bool
	tsBase      uint32
	tsBaseTime  time.Time
	tsPrimed    bool
	sendSpread  timeSpread

	// Receive side.
	ssrcIn        uint32
	ssrcInLatched bool
	oneChangeLeft bool
	expectedSeq   uint16
	seqCycles     uint32
	recvPrimed    bool
	expectedPT    uint8
	ptLatched     bool
	consecOOO     int
	lastTransit   int64
	transitPrimed bool
	jitterAccum   uint32
	maxJitter     uint32
	recvSpread    timeSpread
	baseTime      time.Time

	// Counters.
	packetsSent       uint64
	octetsSent        uint64
	packetsReceived   uint64
	octetsReceived    uint64
	packetsLost       uint64
	packetsOutOfOrder uint64
	packetsTooLate    uint64
	lastRcvPT         uint8

	// Last-report bookkeeping for reception-report construction.
	reportExpectedPrior uint32
	reportLostPrior     uint64
	lastSRNTP           uint64
	lastSRArrival       time.Time

	byeSent bool
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates the session and starts its reader and report goroutines.
func New(cfg Config) (*Session, error) {
	if cfg.Data == nil {
		return nil, errors.New("rtpsession: data transport required")
	}
	if cfg.Format.ClockRate == 0 {
		return nil, errors.New("rtpsession: format clock rate required")
	}
	if cfg.ReportInterval == 0 {
		cfg.ReportInterval = defaultReportInterval
	}
	if cfg.StatisticsEvery == 0 {
		cfg.StatisticsEvery = defaultStatisticsEvery
	}
	ssrc := cfg.SSRC
	if ssrc == 0 {
		ssrc = randomUint32()
	}
	s := &Session{
		cfg:           cfg,
		log:           logging.New("rtpsession"),
		data:          cfg.Data,
		control:       cfg.Control,
		ssrcOut:       ssrc,
		lastSentSeq:   uint16(randomUint32()),
		oneChangeLeft: cfg.AllowOneSyncSourceChange,
		baseTime:      time.Now(),
		done:          make(chan struct{}),
	}
	s.wg.Add(1)
	go s.dataLoop()
	if s.control != nil {
		s.wg.Add(2)
		go s.controlLoop()
		go s.reportLoop()
	}
	return s, nil
}

// SSRC returns the outgoing synchronisation source identifier.
func (s *Session) SSRC() uint32 { return s.ssrcOut }

// Format returns the media format the session was opened with.
func (s *Session) Format() mediaformat.Format { return s.cfg.Format }

// LocalDataAddr exposes the data leg's bound address, used when building
// outgoing session descriptions.
func (s *Session) LocalDataAddr() net.Addr { return s.data.LocalAddr() }

// WriteData sends one frame on the data leg: sequence number and SSRC
// are assigned here, the configured timestamp offset is applied, and send
// statistics are updated. Returns false once the session is closed or the
// transport has failed hard.
func (s *Session) WriteData(pkt *rtp.Packet) bool {
	now := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.lastSentSeq++
	pkt.Header.Version = 2
	pkt.Header.SequenceNumber = s.lastSentSeq
	pkt.Header.SSRC = s.ssrcOut
	if !s.tsPrimed {
		s.tsBase = pkt.Header.Timestamp
		s.tsBaseTime = now
		s.tsPrimed = true
	} else {
		pkt.Header.Timestamp += s.cfg.TimestampOffset
		if pkt.Header.Marker {
			// Talk-spurt restart: re-anchor the out-of-band base.
			s.tsBase = pkt.Header.Timestamp
			s.tsBaseTime = now
		}
	}
	s.packetsSent++
	s.octetsSent += uint64(len(pkt.Payload))
	skipInterval := pkt.Header.Marker && s.cfg.Format.Kind == mediaformat.Audio
	s.sendSpread.mark(now, skipInterval)
	emitStats := s.packetsSent%uint64(s.cfg.StatisticsEvery) == 0
	var snap Statistics
	if emitStats {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()

	if !s.writeRaw(pkt) {
		return false
	}
	if emitStats && s.cfg.Handlers.OnStatistics != nil {
		s.cfg.Handlers.OnStatistics(snap)
	}
	return true
}

// WriteOOBData injects a frame outside the normal media pacing, e.g. an
// RFC 2833 tone event. When rewriteTimestamp is set the frame's timestamp
// is recomputed from wall clock against the out-of-band base so it stays
// phase-locked with the regular media flow.
func (s *Session) WriteOOBData(pkt *rtp.Packet, rewriteTimestamp bool) bool {
	now := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.lastSentSeq++
	pkt.Header.Version = 2
	pkt.Header.SequenceNumber = s.lastSentSeq
	pkt.Header.SSRC = s.ssrcOut
	if rewriteTimestamp && s.tsPrimed {
		elapsed := now.Sub(s.tsBaseTime)
		pkt.Header.Timestamp = s.tsBase + uint32(elapsed.Seconds()*float64(s.cfg.Format.ClockRate))
	}
	s.packetsSent++
	s.octetsSent += uint64(len(pkt.Payload))
	s.mu.Unlock()

	return s.writeRaw(pkt)
}

func (s *Session) writeRaw(pkt *rtp.Packet) bool {
	raw, err := pkt.Marshal()
	if err != nil {
		s.log.Error().Err(err).Msg("marshal outgoing packet")
		return false
	}
	if s.cfg.SRTPTx != nil {
		raw, err = s.cfg.SRTPTx.EncryptRTP(nil, raw, nil)
		if err != nil {
			s.log.Error().Err(err).Msg("srtp protect")
			return false
		}
	}
	if _, err := s.data.Write(raw); err != nil {
		if transientSendError(err) {
			// UDP may report a late ICMP for an earlier datagram; the
			// session stays alive.
			s.log.Debug().Err(err).Msg("transient send error ignored")
			return true
		}
		s.log.Error().Err(err).Msg("data send failed")
		return false
	}
	return true
}

// MarkTooLate is called by the jitter buffer when a frame missed its
// playout deadline, so the session's statistics reflect it.
func (s *Session) MarkTooLate() {
	s.mu.Lock()
	s.packetsTooLate++
	s.mu.Unlock()
}

// Statistics returns a point-in-time snapshot of the session counters.
func (s *Session) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Statistics {
	return Statistics{
		SSRCOut:                 s.ssrcOut,
		SSRCIn:                  s.ssrcIn,
		PacketsSent:             s.packetsSent,
		OctetsSent:              s.octetsSent,
		PacketsReceived:         s.packetsReceived,
		OctetsReceived:          s.octetsReceived,
		PacketsLost:             s.packetsLost,
		PacketsOutOfOrder:       s.packetsOutOfOrder,
		PacketsTooLate:          s.packetsTooLate,
		JitterLevel:             s.jitterAccum >> 4,
		MaximumJitter:           s.maxJitter >> 4,
		MinimumSendTime:         s.sendSpread.min,
		AverageSendTime:         s.sendSpread.average(),
		MaximumSendTime:         s.sendSpread.max,
		MinimumReceiveTime:      s.recvSpread.min,
		AverageReceiveTime:      s.recvSpread.average(),
		MaximumReceiveTime:      s.recvSpread.max,
		LastReceivedPayloadType: s.lastRcvPT,
	}
}

// Close sends a final report with BYE (once), stops the loops and closes
// both legs. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sendBye := !s.byeSent && s.control != nil
	s.byeSent = true
	s.mu.Unlock()

	if sendBye {
		if err := s.sendReport(true); err != nil {
			s.log.Debug().Err(err).Msg("final report failed")
		}
	}
	close(s.done)
	s.data.Close()
	if s.control != nil {
		s.control.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Session) dataLoop() {
	defer s.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := s.data.Read(buf)
		if err != nil {
			if transientSendError(err) {
				continue
			}
			select {
			case <-s.done:
			default:
				s.log.Debug().Err(err).Msg("data read ended")
			}
			return
		}
		// Copy out of the read buffer: a parsed packet's payload aliases
		// its input and must survive the next read.
		raw := append([]byte(nil), buf[:n]...)
		if s.cfg.SRTPRx != nil {
			raw, err = s.cfg.SRTPRx.DecryptRTP(nil, raw, nil)
			if err != nil {
				s.log.Debug().Err(err).Msg("srtp unprotect failed, packet dropped")
				continue
			}
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(raw); err != nil {
			s.log.Debug().Err(err).Msg("malformed data packet dropped")
			continue
		}
		switch s.onReceiveData(pkt, time.Now()) {
		case ProcessPacket:
			if s.cfg.Handlers.OnPacket != nil {
				s.cfg.Handlers.OnPacket(pkt)
			}
		case IgnorePacket:
		case AbortTransport:
			s.data.Close()
			return
		}
	}
}

// onReceiveData applies the version, payload-type, SSRC and sequence
// policies to an arrived packet and updates receive statistics.
func (s *Session) onReceiveData(pkt *rtp.Packet, arrival time.Time) ReceiveAction {
	if pkt.Header.Version != 2 {
		return IgnorePacket
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ptLatched {
		s.expectedPT = pkt.Header.PayloadType
		s.ptLatched = true
	} else if pkt.Header.PayloadType != s.expectedPT && !s.cfg.IgnorePayloadTypeChanges {
		return IgnorePacket
	}

	if !s.ssrcInLatched {
		s.ssrcIn = pkt.Header.SSRC
		s.ssrcInLatched = true
	} else if pkt.Header.SSRC != s.ssrcIn {
		switch {
		case s.cfg.AllowAnySyncSource:
			s.ssrcIn = pkt.Header.SSRC
		case s.oneChangeLeft:
			s.ssrcIn = pkt.Header.SSRC
			s.oneChangeLeft = false
		default:
			return IgnorePacket
		}
	}

	seq := pkt.Header.SequenceNumber
	if !s.recvPrimed {
		s.expectedSeq = seq + 1
		s.recvPrimed = true
	} else {
		switch delta := int16(seq - s.expectedSeq); {
		case delta == 0:
			s.expectedSeq++
			if s.expectedSeq == 0 {
				s.seqCycles++
			}
			s.consecOOO = 0
			s.updateJitter(pkt.Header.Timestamp, arrival)
		case delta < 0:
			s.packetsOutOfOrder++
			s.consecOOO++
			if s.consecOOO >= outOfOrderAdoptThreshold {
				// Sender appears to have renumbered; adopt its base.
				s.expectedSeq = seq + 1
				s.consecOOO = 0
			}
		default:
			s.packetsLost += uint64(delta)
			s.expectedSeq = seq + 1
			s.consecOOO = 0
		}
	}

	s.packetsReceived++
	s.octetsReceived += uint64(len(pkt.Payload))
	s.lastRcvPT = pkt.Header.PayloadType
	skipInterval := pkt.Header.Marker && s.cfg.Format.Kind == mediaformat.Audio
	s.recvSpread.mark(arrival, skipInterval)

	if s.packetsReceived%uint64(s.cfg.StatisticsEvery) == 0 && s.cfg.Handlers.OnStatistics != nil {
		snap := s.snapshotLocked()
		go s.cfg.Handlers.OnStatistics(snap)
	}
	return ProcessPacket
}

// updateJitter applies the RFC 3550 inter-arrival jitter estimator:
// J += (|D| - J) / 16, kept in a 16x scaled accumulator.
func (s *Session) updateJitter(ts uint32, arrival time.Time) {
	arrivalClock := int64(arrival.Sub(s.baseTime)) * int64(s.cfg.Format.ClockRate) / int64(time.Second)
	transit := arrivalClock - int64(ts)
	if !s.transitPrimed {
		s.lastTransit = transit
		s.transitPrimed = true
		return
	}
	d := transit - s.lastTransit
	s.lastTransit = transit
	if d < 0 {
		d = -d
	}
	if d > math.MaxUint32 {
		d = math.MaxUint32
	}
	s.jitterAccum += uint32(d) - ((s.jitterAccum + 8) >> 4)
	if s.jitterAccum > s.maxJitter {
		s.maxJitter = s.jitterAccum
	}
}

func transientSendError(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED)
}

func randomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return mrand.Uint32()
	}
	return binary.BigEndian.Uint32(b[:])
}
