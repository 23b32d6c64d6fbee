// Package connection implements one endpoint's half of a conversation:
// the phase state machine, capability negotiation, media-stream
// lifecycle, per-call string options, bandwidth admission and the
// unified user-input (DTMF) interface.
package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/myforce/opal-go/pkg/callend"
	"github.com/myforce/opal-go/pkg/jitter"
	"github.com/myforce/opal-go/pkg/logging"
	"github.com/myforce/opal-go/pkg/media"
	"github.com/myforce/opal-go/pkg/mediaformat"
	"github.com/myforce/opal-go/pkg/rtpsession"
)

// ProductInfo is the vendor/name/version triple advertised in SDES TOOL
// items and protocol user-agent fields.
type ProductInfo struct {
	Vendor  string
	Name    string
	Version string
}

func (p ProductInfo) String() string {
	if p.Name == "" {
		return ""
	}
	return fmt.Sprintf("%s %s %s", p.Vendor, p.Name, p.Version)
}

// PartyInfo describes one party of a call.
type PartyInfo struct {
	Name    string
	Number  string
	URL     string
	Product ProductInfo
}

// CallContext is what a connection needs from its owning call.
type CallContext interface {
	Token() string
	// OpenSourceMediaStreams asks the call to pair a source stream on
	// from's side with a sink on the other side.
	OpenSourceMediaStreams(from *Connection, kind mediaformat.Kind, sessionID uint32, format *mediaformat.Format) bool
	// OnConnectionConnected, OnConnectionEstablished and
	// OnConnectionReleased propagate lifecycle changes to the rest of
	// the call (e.g. one side answering drives the peer to Connected).
	OnConnectionConnected(c *Connection)
	OnConnectionEstablished(c *Connection)
	OnConnectionReleased(c *Connection)
	// ReleasePeers releases every other connection of the call with the
	// given reason (only when the call has exactly two).
	ReleasePeers(from *Connection, reason callend.Reason)
}

// EndpointContext is what a connection needs from its protocol family.
type EndpointContext interface {
	Prefix() string
	MediaFormats() []mediaformat.Format
	// CreateMediaStream builds the protocol-appropriate stream; failure
	// discards the stream attempt entirely.
	CreateMediaStream(c *Connection, format mediaformat.Format, sessionID uint32, isSource bool) (media.Stream, error)
	OnConnectionReleased(c *Connection)
}

// Hooks are the protocol-specific extension points a connection calls
// out through. All optional.
type Hooks struct {
	// OnIncoming runs when an originating connection sets up: the
	// manager uses it to route the call and build the terminating side.
	OnIncoming func(*Connection) error
	// OnSetUp drives outgoing protocol signalling for a terminating
	// connection.
	OnSetUp func(*Connection) error
	// OnAlerting is notified when the connection starts ringing.
	OnAlerting func(c *Connection, withMedia bool)
	// OnConnected is notified on the first transition to Connected, so
	// the protocol can signal the answer (SIP 200, H.225 CONNECT).
	OnConnected func(c *Connection)
	// OnRelease lets the protocol send its teardown signalling.
	OnRelease func(c *Connection, reason callend.Reason)
	// OnForwarded is notified when the connection redirects to a new
	// destination before answer; the application typically re-dials via
	// the manager.
	OnForwarded func(c *Connection, to string)
	// OnHold is notified when the hold state toward the remote party
	// changes.
	OnHold func(c *Connection, onHold bool)
	// SendUserInputString/SendUserInputQ931 carry digits at the
	// signalling level for the corresponding user-input modes.
	SendUserInputString func(c *Connection, value string) error
	SendUserInputQ931   func(c *Connection, digit byte) error
}

// Config assembles a connection.
type Config struct {
	Call     CallContext
	Endpoint EndpointContext
	Token    string
	// Originating marks the A-party side.
	Originating bool

	LocalParty  PartyInfo
	RemoteParty PartyInfo
	CalledParty PartyInfo

	StringOptions map[string]string

	BandwidthRx uint64
	BandwidthTx uint64
	Jitter      jitter.Params

	Hooks Hooks

	// Queue runs a function on the decoupled worker pool so callbacks
	// never run on protocol threads. Defaults to spawning a goroutine.
	Queue func(func())

	// Lock, when supplied by the owning call, is shared between the call
	// and all its connections to avoid lock-order inversions.
	Lock *sync.RWMutex
}

var (
	ErrNoBandwidth   = errors.New("connection: no bandwidth")
	ErrReleased      = errors.New("connection: released")
	ErrBadPhaseJump  = errors.New("connection: illegal phase transition")
	ErrNoMediaStream = errors.New("connection: no usable media stream")
)

// Connection is one half of a conversation.
type Connection struct {
	log   zerolog.Logger
	call  CallContext
	ep    EndpointContext
	token string

	originating bool

	lock *sync.RWMutex // shared with the owning call

	machine    *fsm.FSM
	phase      Phase
	phaseTimes [numPhases]time.Time

	localParty  PartyInfo
	remoteParty PartyInfo
	calledParty PartyInfo

	endReason     callend.Reason
	endReasonOnce sync.Once

	rawOptions map[string]string
	options    StringOptions
	autoStart  map[mediaformat.Kind]AutoStartDirection
	inputMode  UserInputMode
	silence    media.SilenceDetectMode
	jitterCfg  jitter.Params

	rxBudget *BandwidthBudget
	txBudget *BandwidthBudget

	streams      []media.Stream
	streamUsage  map[media.Stream]uint64
	ssrcToStream map[uint32]media.Stream

	hooks Hooks
	queue func(func())

	releaseOnce sync.Once
	connected   bool
}

// New builds a connection in the Uninitialised phase.
func New(cfg Config) (*Connection, error) {
	if cfg.Call == nil || cfg.Endpoint == nil {
		return nil, errors.New("connection: call and endpoint required")
	}
	if cfg.Token == "" {
		return nil, errors.New("connection: token required")
	}
	lock := cfg.Lock
	if lock == nil {
		lock = &sync.RWMutex{}
	}
	queue := cfg.Queue
	if queue == nil {
		queue = func(fn func()) { go fn() }
	}
	c := &Connection{
		log: logging.New("connection").With().
			Str("token", cfg.Token).
			Str("prefix", cfg.Endpoint.Prefix()).Logger(),
		call:         cfg.Call,
		ep:           cfg.Endpoint,
		token:        cfg.Token,
		originating:  cfg.Originating,
		lock:         lock,
		localParty:   cfg.LocalParty,
		remoteParty:  cfg.RemoteParty,
		calledParty:  cfg.CalledParty,
		autoStart:    ParseAutoStart(""),
		jitterCfg:    cfg.Jitter,
		rxBudget:     NewBandwidthBudget(cfg.BandwidthRx),
		txBudget:     NewBandwidthBudget(cfg.BandwidthTx),
		streamUsage:  make(map[media.Stream]uint64),
		ssrcToStream: make(map[uint32]media.Stream),
		hooks:        cfg.Hooks,
		queue:        queue,
	}
	c.machine = newPhaseFSM(func(p Phase) {
		c.phase = p
		c.phaseTimes[p] = time.Now()
	})
	c.phaseTimes[Uninitialised] = time.Now()
	if cfg.StringOptions != nil {
		if err := c.ApplyStringOptions(cfg.StringOptions); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Connection) Token() string            { return c.token }
func (c *Connection) IsOriginating() bool      { return c.originating }
func (c *Connection) Call() CallContext        { return c.call }
func (c *Connection) Endpoint() EndpointContext { return c.ep }

func (c *Connection) LocalParty() PartyInfo  { c.lock.RLock(); defer c.lock.RUnlock(); return c.localParty }
func (c *Connection) RemoteParty() PartyInfo { c.lock.RLock(); defer c.lock.RUnlock(); return c.remoteParty }
func (c *Connection) CalledParty() PartyInfo { c.lock.RLock(); defer c.lock.RUnlock(); return c.calledParty }

// SetRemoteParty updates the far side's identity, e.g. when conferencing
// re-targets the call.
func (c *Connection) SetRemoteParty(p PartyInfo) {
	c.lock.Lock()
	c.remoteParty = p
	c.lock.Unlock()
}

// Phase returns the current lifecycle phase.
func (c *Connection) Phase() Phase {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.phase
}

// PhaseTime reports when the connection entered p (zero if never).
func (c *Connection) PhaseTime(p Phase) time.Time {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.phaseTimes[p]
}

// SetPhase advances the machine. Idempotent re-entry of the current
// phase succeeds silently; regressions and jumps out of the terminal
// phases fail.
func (c *Connection) SetPhase(to Phase) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.setPhaseLocked(to)
}

func (c *Connection) setPhaseLocked(to Phase) error {
	if to == c.phase {
		return nil
	}
	if !canAdvance(c.phase, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadPhaseJump, c.phase, to)
	}
	return c.machine.Event(context.Background(), phaseEvent[to])
}

// CallEndReason reports the recorded end reason (Unset while active).
func (c *Connection) CallEndReason() callend.Reason {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.endReason
}

// setEndReason records the first reason only.
func (c *Connection) setEndReason(r callend.Reason) {
	c.endReasonOnce.Do(func() {
		c.lock.Lock()
		c.endReason = r
		c.lock.Unlock()
	})
}

// ApplyStringOptions applies the per-call option map. Applying the same
// map twice yields the same observable state.
func (c *Connection) ApplyStringOptions(raw map[string]string) error {
	opts, err := DecodeStringOptions(raw)
	if err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.rawOptions = raw
	c.options = opts
	c.autoStart = ParseAutoStart(opts.AutoStart)
	if mode, ok := ParseUserInputMode(opts.UserInputMode); ok {
		c.inputMode = mode
	}
	switch opts.SilenceDetectMode {
	case "fixed":
		c.silence = media.SilenceDetectFixed
	case "adaptive":
		c.silence = media.SilenceDetectAdaptive
	default:
		c.silence = media.SilenceDetectNone
	}
	if opts.DisableJitter {
		c.jitterCfg = jitter.Params{}
	} else {
		if opts.MinJitter > 0 {
			c.jitterCfg.MinDelay = opts.MinJitter
		}
		if opts.MaxJitter > 0 {
			c.jitterCfg.MaxDelay = opts.MaxJitter
		}
	}
	if opts.CallingPartyName != "" && c.originating {
		c.localParty.Name = opts.CallingPartyName
	}
	if opts.CalledPartyName != "" {
		c.calledParty.Name = opts.CalledPartyName
	}
	return nil
}

// StringOptions returns the typed option view.
func (c *Connection) StringOptions() StringOptions {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.options
}

// UserInputMode reports the active DTMF transport mode.
func (c *Connection) UserInputMode() UserInputMode {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.inputMode
}

// SilenceDetectMode reports the configured silence-detection policy.
func (c *Connection) SilenceDetectMode() media.SilenceDetectMode {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.silence
}

// JitterParams returns the effective jitter-buffer settings.
func (c *Connection) JitterParams() jitter.Params {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.jitterCfg
}

// AutoStart reports the auto-start direction for a media type.
func (c *Connection) AutoStart(kind mediaformat.Kind) AutoStartDirection {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.autoStart[kind]
}

// SetUpConnection begins the lifecycle: an originating connection runs
// incoming routing, a terminating one applies its options and drives
// protocol signalling.
func (c *Connection) SetUpConnection() error {
	if err := c.SetPhase(SetUpPhase); err != nil {
		return err
	}
	if c.originating {
		if c.hooks.OnIncoming != nil {
			if err := c.hooks.OnIncoming(c); err != nil {
				c.Release(callend.NoRouteToDestination, false)
				return err
			}
		}
		return nil
	}
	if to := c.StringOptions().CallForward; to != "" {
		return c.Forward(to)
	}
	if c.hooks.OnSetUp != nil {
		if err := c.hooks.OnSetUp(c); err != nil {
			c.Release(callend.ConnectFail, false)
			return err
		}
	}
	return nil
}

// Forward redirects an unanswered connection to a new destination. The
// connection releases with the CallForwarded reason; re-dialling the
// new destination is up to the OnForwarded hook or the application.
func (c *Connection) Forward(to string) error {
	if c.Phase() >= Connected {
		return fmt.Errorf("connection: cannot forward after answer (phase %s)", c.Phase())
	}
	if c.hooks.OnForwarded != nil {
		c.hooks.OnForwarded(c, to)
	}
	c.Release(callend.CallForwarded, false)
	return nil
}

// SetHold pauses or resumes the media flowing toward the remote party
// and notifies the call. Holding an already-held connection is a no-op.
func (c *Connection) SetHold(onHold bool) {
	changed := false
	for _, s := range c.MediaStreams() {
		if !s.IsSource() && s.IsPaused() != onHold {
			s.SetPaused(onHold)
			changed = true
		}
	}
	if !changed {
		return
	}
	if c.hooks.OnHold != nil {
		c.hooks.OnHold(c, onHold)
	}
	if holder, ok := c.call.(interface {
		OnHold(c *Connection, onHold bool)
	}); ok {
		holder.OnHold(c, onHold)
	}
}

// OnProceeding marks signalling progress.
func (c *Connection) OnProceeding() error { return c.SetPhase(Proceeding) }

// OnAlerting advances to Alerting; with media, early sink streams may
// open so ringback flows before answer.
func (c *Connection) OnAlerting(withMedia bool) error {
	if err := c.SetPhase(Alerting); err != nil {
		return err
	}
	if c.hooks.OnAlerting != nil {
		c.hooks.OnAlerting(c, withMedia)
	}
	if withMedia {
		c.call.OpenSourceMediaStreams(c, mediaformat.Audio, 1, nil)
	}
	return nil
}

// OnConnected is idempotent: the first call advances the phase and
// checks whether the connection is already established.
func (c *Connection) OnConnected() error {
	c.lock.Lock()
	if c.connected {
		c.lock.Unlock()
		return nil
	}
	c.connected = true
	if err := c.setPhaseLocked(Connected); err != nil {
		c.lock.Unlock()
		return err
	}
	c.lock.Unlock()
	if c.hooks.OnConnected != nil {
		c.hooks.OnConnected(c)
	}
	c.call.OnConnectionConnected(c)
	if !c.hasSourceStream() {
		c.AutoStartMediaStreams(false)
	}
	c.InternalOnEstablished()
	return nil
}

func (c *Connection) hasSourceStream() bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	for _, s := range c.streams {
		if s.IsSource() {
			return true
		}
	}
	return false
}

// InternalOnEstablished moves Connected -> Established once at least one
// media stream exists and all streams report open.
func (c *Connection) InternalOnEstablished() {
	c.lock.Lock()
	if c.phase != Connected || len(c.streams) == 0 {
		c.lock.Unlock()
		return
	}
	for _, s := range c.streams {
		if !s.IsOpen() {
			c.lock.Unlock()
			return
		}
	}
	err := c.setPhaseLocked(Established)
	c.lock.Unlock()
	if err != nil {
		return
	}
	c.call.OnConnectionEstablished(c)
}

// Release begins teardown. The first caller's reason wins; a call on a
// connection that is already releasing or released returns at once.
// Synchronous mode runs OnReleased on the calling goroutine; otherwise
// it is queued on the decoupled worker pool.
func (c *Connection) Release(reason callend.Reason, synchronous bool) {
	c.setEndReason(reason)
	c.lock.Lock()
	if c.phase >= Releasing {
		c.lock.Unlock()
		return // already releasing or released
	}
	err := c.setPhaseLocked(Releasing)
	c.lock.Unlock()
	if err != nil {
		return
	}
	c.releaseOnce.Do(func() {
		if c.hooks.OnRelease != nil {
			c.hooks.OnRelease(c, c.CallEndReason())
		}
		c.call.ReleasePeers(c, c.CallEndReason())
		if synchronous {
			c.OnReleased()
		} else {
			c.queue(c.OnReleased)
		}
	})
}

// OnReleased performs the actual teardown: closes media streams,
// releases bandwidth, reaches Released and notifies call and endpoint.
func (c *Connection) OnReleased() {
	c.lock.Lock()
	streams := append([]media.Stream(nil), c.streams...)
	c.streams = nil
	c.lock.Unlock()

	for _, s := range streams {
		c.closeStreamInternal(s)
	}
	if err := c.SetPhase(Released); err != nil {
		c.log.Error().Err(err).Msg("release convergence failed")
	}
	if r, ok := c.CallEndReason().IsQ931Cause(); ok {
		c.log.Info().Msgf("call cleared with Q.931 cause code %d", r)
	} else {
		c.log.Info().Stringer("reason", c.CallEndReason()).Msg("connection released")
	}
	c.ep.OnConnectionReleased(c)
	c.call.OnConnectionReleased(c)
}

// OpenMediaStream builds a stream via the endpoint, reserving bandwidth
// first; a failed open is fully unwound.
func (c *Connection) OpenMediaStream(format mediaformat.Format, sessionID uint32, isSource bool) (media.Stream, error) {
	if p := c.Phase(); p >= Releasing {
		return nil, ErrReleased
	}
	budget := c.txBudget
	if isSource {
		budget = c.rxBudget
	}
	usage := declaredUsage(format)
	if err := budget.Reserve(usage); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoBandwidth, err)
	}
	stream, err := c.ep.CreateMediaStream(c, format, sessionID, isSource)
	if err != nil {
		budget.Release(usage)
		return nil, err
	}
	if err := stream.Open(); err != nil {
		budget.Release(usage)
		stream.Close()
		return nil, err
	}
	c.lock.Lock()
	c.streams = append(c.streams, stream)
	c.streamUsage[stream] = usage
	c.lock.Unlock()
	c.log.Debug().
		Str("format", format.Name).
		Uint32("session", sessionID).
		Bool("source", isSource).
		Msg("media stream opened")
	return stream, nil
}

// CloseMediaStream closes one stream and returns its reservation.
func (c *Connection) CloseMediaStream(stream media.Stream) {
	c.lock.Lock()
	for i, s := range c.streams {
		if s == stream {
			c.streams = append(c.streams[:i], c.streams[i+1:]...)
			break
		}
	}
	c.lock.Unlock()
	c.closeStreamInternal(stream)
}

func (c *Connection) closeStreamInternal(stream media.Stream) {
	if p := stream.Patch(); p != nil && stream.IsSource() {
		p.Close()
	} else {
		stream.Close()
	}
	c.lock.Lock()
	usage, ok := c.streamUsage[stream]
	delete(c.streamUsage, stream)
	c.lock.Unlock()
	if ok {
		if stream.IsSource() {
			c.rxBudget.Release(usage)
		} else {
			c.txBudget.Release(usage)
		}
	}
}

// MediaStreams snapshots the stream list.
func (c *Connection) MediaStreams() []media.Stream {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return append([]media.Stream(nil), c.streams...)
}

// FindMediaStream returns the stream matching direction and session.
func (c *Connection) FindMediaStream(sessionID uint32, isSource bool) media.Stream {
	c.lock.RLock()
	defer c.lock.RUnlock()
	for _, s := range c.streams {
		if s.SessionID() == sessionID && s.IsSource() == isSource {
			return s
		}
	}
	return nil
}

// BindSSRC records which stream carries a synchronisation source.
func (c *Connection) BindSSRC(ssrc uint32, stream media.Stream) {
	c.lock.Lock()
	c.ssrcToStream[ssrc] = stream
	c.lock.Unlock()
}

// StreamForSSRC resolves a synchronisation source to its stream.
func (c *Connection) StreamForSSRC(ssrc uint32) media.Stream {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.ssrcToStream[ssrc]
}

// AutoStartMediaStreams opens a source stream for every media type whose
// auto-start configuration lets this side transmit; the call pairs it
// with a receiving sink on the peer.
func (c *Connection) AutoStartMediaStreams(transfer bool) {
	formats := c.MediaFormats()
	hasKind := func(kind mediaformat.Kind) bool {
		for _, f := range formats {
			if f.Kind == kind {
				return true
			}
		}
		return false
	}
	sessionID := uint32(1)
	for _, kind := range []mediaformat.Kind{mediaformat.Audio, mediaformat.Video} {
		if hasKind(kind) && c.AutoStart(kind).CanTransmit() {
			c.call.OpenSourceMediaStreams(c, kind, sessionID, nil)
		}
		sessionID++
	}
}

// MediaFormats returns the endpoint's capability set reduced by the
// per-call remove-codec mask and per-codec option overrides.
func (c *Connection) MediaFormats() []mediaformat.Format {
	c.lock.RLock()
	removeCodec := c.options.RemoveCodec
	overrides := CodecOverrides(c.rawOptions)
	c.lock.RUnlock()

	list := mediaformat.NewOrderedList(c.ep.MediaFormats()...)
	if removeCodec != "" {
		list.RemoveMask(splitList(removeCodec))
	}
	out := list.Formats()
	for i := range out {
		for _, o := range overrides[out[i].Name] {
			out[i] = out[i].WithOption(o)
		}
	}
	return out
}

// SendUserInputTone sends one DTMF digit using the connection's
// user-input mode. Sending a tone never changes connection state.
func (c *Connection) SendUserInputTone(tone byte, durationMS uint32) error {
	digit, ok := media.DigitFromChar(tone)
	if !ok {
		return fmt.Errorf("connection: %q is not a DTMF digit", tone)
	}
	switch c.UserInputMode() {
	case UserInputString:
		if c.hooks.SendUserInputString == nil {
			return errors.New("connection: no protocol user-input support")
		}
		return c.hooks.SendUserInputString(c, string(tone))
	case UserInputQ931:
		if c.hooks.SendUserInputQ931 == nil {
			return errors.New("connection: no Q.931 user-input support")
		}
		return c.hooks.SendUserInputQ931(c, tone)
	case UserInputTone:
		sess := c.rtpSendSession()
		if sess == nil {
			return ErrNoMediaStream
		}
		sender := media.ToneSender{}
		return sender.SendTone(sess, digit, c.scaledDuration(durationMS))
	case UserInputInBand:
		sink := c.FindMediaStream(1, false)
		if sink == nil {
			return ErrNoMediaStream
		}
		gen := media.InBandToneGenerator{ClockRate: sink.Format().ClockRate}
		pcm, err := gen.Generate(digit, c.scaledDuration(durationMS))
		if err != nil {
			return err
		}
		if !sink.WritePacket(&rtp.Packet{Payload: pcm}) {
			return ErrNoMediaStream
		}
		return nil
	default:
		return errors.New("connection: unknown user-input mode")
	}
}

// SendUserInputString sends a digit string at the protocol level
// regardless of the tone mode.
func (c *Connection) SendUserInputString(value string) error {
	if c.hooks.SendUserInputString == nil {
		return errors.New("connection: no protocol user-input support")
	}
	return c.hooks.SendUserInputString(c, value)
}

// scaledDuration applies the OPT_DTMF_MULT / OPT_DTMF_DIV adjustment.
func (c *Connection) scaledDuration(durationMS uint32) uint32 {
	c.lock.RLock()
	mult, div := c.options.DTMFMult, c.options.DTMFDiv
	c.lock.RUnlock()
	if mult > 0 {
		durationMS *= mult
	}
	if div > 0 {
		durationMS /= div
	}
	return durationMS
}

// rtpSendSession finds the RTP session behind any open sink stream.
func (c *Connection) rtpSendSession() *rtpsession.Session {
	for _, s := range c.MediaStreams() {
		if s.IsSource() {
			continue
		}
		if rs, ok := s.(interface{ Session() *rtpsession.Session }); ok {
			return rs.Session()
		}
	}
	return nil
}

// declaredUsage derives a format's admission debit in bits per second
// from its declared options, falling back to 64 kbit/s narrowband.
func declaredUsage(f mediaformat.Format) uint64 {
	if o, ok := f.Option("bitrate"); ok && !o.IsStr && o.Value > 0 {
		return uint64(o.Value)
	}
	return 64000
}

func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	for i, f := range fields {
		fields[i] = strings.TrimSpace(f)
	}
	return fields
}
