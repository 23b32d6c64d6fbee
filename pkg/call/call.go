// Package call implements the shared container of the connections that
// belong to one conversation: it bridges their media streams through
// patches, drives end-to-end lifecycle, and owns the clearing handshake
// the manager's garbage collector completes.
package call

import (
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/myforce/opal-go/pkg/callend"
	"github.com/myforce/opal-go/pkg/connection"
	"github.com/myforce/opal-go/pkg/logging"
	"github.com/myforce/opal-go/pkg/media"
	"github.com/myforce/opal-go/pkg/mediaformat"
)

// Observer receives call-level lifecycle notifications. The manager
// registers one to drive garbage collection and application callbacks.
type Observer interface {
	OnEstablished(c *Call)
	OnCleared(c *Call)
}

// Config assembles a call.
type Config struct {
	Token    string
	PartyA   string
	PartyB   string
	Observer Observer

	// MediaOrder and MediaMask are the manager-wide codec preference and
	// disable lists applied during stream negotiation.
	MediaOrder []string
	MediaMask  []string

	// SymmetricMedia opens both directions of a media session together
	// or neither.
	SymmetricMedia bool
}

// Call owns two (occasionally more) connections.
type Call struct {
	log   zerolog.Logger
	token string

	// lock is shared with every connection of the call so child objects
	// never take locks in a different order.
	lock sync.RWMutex

	connections []*connection.Connection

	startTime       time.Time
	establishedTime time.Time
	endTime         time.Time

	endReason     callend.Reason
	endReasonOnce sync.Once

	partyA string
	partyB string

	mediaOrder []string
	mediaMask  []string
	symmetric  bool

	recordings map[string]*media.RecordingTap

	switchingT38 bool

	observer Observer

	clearedOnce sync.Once
	cleared     chan struct{}
}

// New creates an empty call.
func New(cfg Config) *Call {
	return &Call{
		log:        logging.New("call").With().Str("token", cfg.Token).Logger(),
		token:      cfg.Token,
		startTime:  time.Now(),
		partyA:     cfg.PartyA,
		partyB:     cfg.PartyB,
		mediaOrder: cfg.MediaOrder,
		mediaMask:  cfg.MediaMask,
		symmetric:  cfg.SymmetricMedia,
		recordings: make(map[string]*media.RecordingTap),
		observer:   cfg.Observer,
		cleared:    make(chan struct{}),
	}
}

// Token returns the call's stable identifier.
func (c *Call) Token() string { return c.token }

// Lock exposes the shared lock for connection construction.
func (c *Call) Lock() *sync.RWMutex { return &c.lock }

// PartyA and PartyB return the symbolic party labels.
func (c *Call) PartyA() string { c.lock.RLock(); defer c.lock.RUnlock(); return c.partyA }
func (c *Call) PartyB() string { c.lock.RLock(); defer c.lock.RUnlock(); return c.partyB }

// SetPartyA records the caller label once inbound signalling reveals
// it.
func (c *Call) SetPartyA(party string) {
	c.lock.Lock()
	c.partyA = party
	c.lock.Unlock()
}

// SetPartyB re-targets the call's remote label (conferencing).
func (c *Call) SetPartyB(party string) {
	c.lock.Lock()
	c.partyB = party
	c.lock.Unlock()
}

// StartTime, EstablishedTime and EndTime report lifecycle timestamps.
func (c *Call) StartTime() time.Time { return c.startTime }

func (c *Call) EstablishedTime() time.Time {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.establishedTime
}

func (c *Call) EndTime() time.Time {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.endTime
}

// EndReason reports the recorded end reason (Unset while active).
func (c *Call) EndReason() callend.Reason {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.endReason
}

func (c *Call) setEndReason(r callend.Reason) {
	c.endReasonOnce.Do(func() {
		c.lock.Lock()
		c.endReason = r
		c.lock.Unlock()
	})
}

// SetSwitchingT38 flags an in-progress audio-to-T.38 switch so media
// renegotiation doesn't clear the call.
func (c *Call) SetSwitchingT38(on bool) {
	c.lock.Lock()
	c.switchingT38 = on
	c.lock.Unlock()
}

func (c *Call) IsSwitchingT38() bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.switchingT38
}

// AddConnection attaches a connection; topology changes take the lock
// exclusively.
func (c *Call) AddConnection(conn *connection.Connection) {
	c.lock.Lock()
	c.connections = append(c.connections, conn)
	c.lock.Unlock()
}

// Connections snapshots the connection list.
func (c *Call) Connections() []*connection.Connection {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return append([]*connection.Connection(nil), c.connections...)
}

// ConnectionCount reports the number of attached connections.
func (c *Call) ConnectionCount() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return len(c.connections)
}

// OtherConnection returns the first connection that is not from, the
// usual peer in a two-party call.
func (c *Call) OtherConnection(from *connection.Connection) *connection.Connection {
	c.lock.RLock()
	defer c.lock.RUnlock()
	for _, conn := range c.connections {
		if conn != from {
			return conn
		}
	}
	return nil
}

// OpenSourceMediaStreams pairs a source stream on from's side with a
// sink on the peer, negotiating the format across both capability sets
// and patching them together. With symmetric media enabled the reverse
// direction opens in the same operation, or the whole operation fails.
func (c *Call) OpenSourceMediaStreams(from *connection.Connection, kind mediaformat.Kind, sessionID uint32, format *mediaformat.Format) bool {
	peer := c.OtherConnection(from)
	if peer == nil {
		return false
	}
	if !c.openOneDirection(from, peer, kind, sessionID, format) {
		return false
	}
	if c.symmetric && peer.AutoStart(kind).CanTransmit() && from.AutoStart(kind).CanReceive() {
		if peer.FindMediaStream(sessionID, true) == nil {
			if !c.openOneDirection(peer, from, kind, sessionID, format) {
				// Both directions or neither.
				if src := from.FindMediaStream(sessionID, true); src != nil {
					from.CloseMediaStream(src)
				}
				if sink := peer.FindMediaStream(sessionID, false); sink != nil {
					peer.CloseMediaStream(sink)
				}
				return false
			}
		}
	}
	return true
}

func (c *Call) openOneDirection(from, to *connection.Connection, kind mediaformat.Kind, sessionID uint32, format *mediaformat.Format) bool {
	var streamFormat mediaformat.Format
	if format != nil {
		streamFormat = *format
	} else {
		negotiated, err := connection.SelectMediaFormat(
			kind, from.MediaFormats(), to.MediaFormats(), c.mediaOrder, c.mediaMask)
		if err != nil {
			c.log.Warn().Err(err).Msg("no common media format")
			return false
		}
		streamFormat = negotiated
	}

	source := from.FindMediaStream(sessionID, true)
	if source == nil {
		var err error
		source, err = from.OpenMediaStream(streamFormat, sessionID, true)
		if err != nil {
			c.log.Warn().Err(err).Str("format", streamFormat.Name).Msg("source stream open failed")
			return false
		}
	}
	sink := to.FindMediaStream(sessionID, false)
	if sink == nil {
		var err error
		sink, err = to.OpenMediaStream(streamFormat, sessionID, false)
		if err != nil {
			c.log.Warn().Err(err).Str("format", streamFormat.Name).Msg("sink stream open failed")
			from.CloseMediaStream(source)
			return false
		}
	}

	patch := source.Patch()
	if patch == nil {
		var err error
		patch, err = media.NewPatch(source)
		if err != nil {
			from.CloseMediaStream(source)
			to.CloseMediaStream(sink)
			return false
		}
	} else {
		// Re-entry with both streams already patched is a no-op, not a
		// second fan-out attachment.
		for _, attached := range patch.Sinks() {
			if attached == sink {
				return true
			}
		}
	}
	if err := patch.AddSink(sink); err != nil {
		from.CloseMediaStream(source)
		to.CloseMediaStream(sink)
		return false
	}
	c.installFilters(from, patch, streamFormat)
	patch.Start()

	c.log.Debug().
		Str("from", from.Token()).
		Str("to", to.Token()).
		Str("format", streamFormat.Name).
		Uint32("session", sessionID).
		Msg("media streams patched")
	return true
}

// installFilters wires the per-connection audio filters and any active
// recording taps into a new patch.
func (c *Call) installFilters(from *connection.Connection, patch *media.Patch, format mediaformat.Format) {
	if format.Kind != mediaformat.Audio {
		return
	}
	if mode := from.SilenceDetectMode(); mode != media.SilenceDetectNone {
		det := media.NewSilenceDetector(mode, 0)
		patch.AddFilter(format.Name, det.Filter)
	}
	c.lock.RLock()
	taps := make([]*media.RecordingTap, 0, len(c.recordings))
	for _, tap := range c.recordings {
		taps = append(taps, tap)
	}
	c.lock.RUnlock()
	for _, tap := range taps {
		patch.AddFilter(format.Name, tap.Filter)
	}
}

// StartRecording attaches a recording tap under key, capturing the
// payload of every audio patch opened from now on.
func (c *Call) StartRecording(key string, w io.Writer) {
	tap := media.NewRecordingTap(w)
	c.lock.Lock()
	c.recordings[key] = tap
	c.lock.Unlock()

	for _, conn := range c.Connections() {
		for _, s := range conn.MediaStreams() {
			if s.IsSource() && s.Format().Kind == mediaformat.Audio {
				if p := s.Patch(); p != nil {
					p.AddFilter(s.Format().Name, tap.Filter)
				}
			}
		}
	}
}

// StopRecording removes the tap under key; patches created later no
// longer carry it.
func (c *Call) StopRecording(key string) {
	c.lock.Lock()
	delete(c.recordings, key)
	c.lock.Unlock()
}

// IsRecording reports whether any tap is active.
func (c *Call) IsRecording() bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return len(c.recordings) > 0
}

// OnHold logs a hold-state change of one connection. The other
// connections of the call are not notified.
func (c *Call) OnHold(from *connection.Connection, onHold bool) {
	c.log.Info().
		Str("connection", from.Token()).
		Bool("on_hold", onHold).
		Msg("hold state changed")
}

// OnConnectionConnected propagates an answer: the first connection to
// reach Connected drives its peer there too.
func (c *Call) OnConnectionConnected(from *connection.Connection) {
	if peer := c.OtherConnection(from); peer != nil && peer.Phase() < connection.Connected {
		peer.OnConnected()
	}
}

// OnConnectionEstablished propagates once every connection has reached
// Established.
func (c *Call) OnConnectionEstablished(*connection.Connection) {
	for _, conn := range c.Connections() {
		if conn.Phase() != connection.Established {
			return
		}
	}
	c.lock.Lock()
	if c.establishedTime.IsZero() {
		c.establishedTime = time.Now()
	}
	c.lock.Unlock()
	if c.observer != nil {
		c.observer.OnEstablished(c)
	}
}

// ReleasePeers releases the other connection with the same reason when
// the call has exactly two; conferences lose one member only.
func (c *Call) ReleasePeers(from *connection.Connection, reason callend.Reason) {
	c.setEndReason(reason)
	if c.ConnectionCount() != 2 {
		return
	}
	if peer := c.OtherConnection(from); peer != nil {
		peer.Release(reason, false)
	}
}

// OnConnectionReleased removes a torn-down connection; the last one out
// marks the call cleared for the garbage collector.
func (c *Call) OnConnectionReleased(conn *connection.Connection) {
	c.setEndReason(conn.CallEndReason())

	c.lock.Lock()
	for i, cc := range c.connections {
		if cc == conn {
			c.connections = append(c.connections[:i], c.connections[i+1:]...)
			break
		}
	}
	remaining := len(c.connections)
	if remaining == 0 && c.endTime.IsZero() {
		c.endTime = time.Now()
	}
	c.lock.Unlock()

	if remaining == 0 {
		c.clearedOnce.Do(func() {
			close(c.cleared)
			c.log.Info().Stringer("reason", c.EndReason()).Msg("call cleared")
			if c.observer != nil {
				c.observer.OnCleared(c)
			}
		})
	}
}

// Clear releases every connection. When wait is true, the caller
// blocks until teardown completes (the Cleared channel is closed when
// the call is cleared).
func (c *Call) Clear(reason callend.Reason, wait bool) {
	c.setEndReason(reason)
	conns := c.Connections()
	if len(conns) == 0 {
		c.clearedOnce.Do(func() {
			c.lock.Lock()
			if c.endTime.IsZero() {
				c.endTime = time.Now()
			}
			c.lock.Unlock()
			close(c.cleared)
			if c.observer != nil {
				c.observer.OnCleared(c)
			}
		})
		return
	}
	for _, conn := range conns {
		conn.Release(reason, false)
	}
	if wait {
		<-c.cleared
	}
}

// Cleared exposes the completion signal: closed once every connection
// has been released and removed.
func (c *Call) Cleared() <-chan struct{} { return c.cleared }

// IsCleared reports whether teardown has completed.
func (c *Call) IsCleared() bool {
	select {
	case <-c.cleared:
		return true
	default:
		return false
	}
}
