package media

import (
	"errors"
	"sync"

	"github.com/pion/rtp"
)

// FilterAction is a filter's verdict on one frame.
type FilterAction int

const (
	PassFrame FilterAction = iota
	DropFrame
)

// FilterFunc inspects and may modify a frame in place.
type FilterFunc func(pkt *rtp.Packet) FilterAction

type filterEntry struct {
	id        uint64
	formatKey string
	fn        FilterFunc
}

// Patch pipes one source stream to one or more sinks, applying an
// ordered filter chain on the way. Active patches (sources that must be
// pulled) run a dedicated goroutine; passive sources push frames in via
// PushPacket. A bypass sink short-circuits the chain entirely for
// zero-copy forwarding between two RTP sessions.
//
// The sink list is locked during frame delivery: AddSink/RemoveSink block
// until the in-flight frame has been dispatched.
type Patch struct {
	source Stream

	mu       sync.Mutex
	sinks    []Stream
	filters  []filterEntry
	bypass   Stream
	nextID   uint64
	started  bool
	closed   bool
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewPatch creates a patch for source and attaches itself to it. The
// source must already be open.
func NewPatch(source Stream) (*Patch, error) {
	if !source.IsOpen() {
		return nil, errors.New("media: patch source not open")
	}
	p := &Patch{source: source, done: make(chan struct{})}
	source.SetPatch(p)
	return p, nil
}

// Source returns the patch's single source stream.
func (p *Patch) Source() Stream { return p.source }

// AddSink attaches an open sink.
func (p *Patch) AddSink(sink Stream) error {
	if !sink.IsOpen() {
		return errors.New("media: patch sink not open")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks = append(p.sinks, sink)
	sink.SetPatch(p)
	return nil
}

// RemoveSink detaches a sink; delivery in progress completes first.
func (p *Patch) RemoveSink(sink Stream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.sinks {
		if s == sink {
			p.sinks = append(p.sinks[:i], p.sinks[i+1:]...)
			break
		}
	}
}

// Sinks returns a snapshot of the sink list.
func (p *Patch) Sinks() []Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Stream(nil), p.sinks...)
}

// AddFilter appends fn to the chain, keyed by the media-format name it
// was installed for. The returned id removes exactly this filter.
func (p *Patch) AddFilter(formatKey string, fn FilterFunc) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.filters = append(p.filters, filterEntry{id: p.nextID, formatKey: formatKey, fn: fn})
	return p.nextID
}

// RemoveFilter removes the filter with the given id.
func (p *Patch) RemoveFilter(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, f := range p.filters {
		if f.id == id {
			p.filters = append(p.filters[:i], p.filters[i+1:]...)
			return
		}
	}
}

// RemoveFiltersForFormat drops every filter bound to formatKey. Called
// when a stream's format changes so stale filters don't see frames of a
// format they were never built for.
func (p *Patch) RemoveFiltersForFormat(formatKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.filters[:0]
	for _, f := range p.filters {
		if f.formatKey != formatKey {
			kept = append(kept, f)
		}
	}
	p.filters = kept
}

// SetBypass hands every frame directly to sink, skipping the filter
// chain, until cleared with a nil argument. Used to forward between two
// RTP sessions without transcoding.
func (p *Patch) SetBypass(sink Stream) {
	p.mu.Lock()
	p.bypass = sink
	p.mu.Unlock()
}

// Start begins moving frames. For a pull source this launches the patch
// goroutine; push sources simply start calling PushPacket.
func (p *Patch) Start() {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	pull := p.source.RequiresPatchThread()
	p.mu.Unlock()

	if !pull {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			pkt, ok := p.source.ReadPacket()
			if !ok {
				return
			}
			if !p.dispatch(pkt) {
				return
			}
		}
	}()
}

// PushPacket is the passive-mode entry: the source delivers one frame
// and the patch fans it out inline on the caller's goroutine.
func (p *Patch) PushPacket(pkt *rtp.Packet) bool { return p.dispatch(pkt) }

func (p *Patch) dispatch(pkt *rtp.Packet) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if p.bypass != nil {
		p.bypass.WritePacket(pkt)
		return true
	}
	for _, f := range p.filters {
		if f.fn(pkt) == DropFrame {
			return true
		}
	}
	for _, sink := range p.sinks {
		sink.WritePacket(pkt)
	}
	return true
}

// ExecuteCommand forwards a command from any sink back to the source
// (e.g. an intra-frame request crossing a forwarding patch).
func (p *Patch) ExecuteCommand(cmd Command) bool {
	return p.source.ExecuteCommand(cmd)
}

// Close stops the patch goroutine and detaches all streams. The source
// itself is closed too (closing its jitter buffer unblocks the pull
// loop); sinks are left open since the peer connection owns them.
func (p *Patch) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	sinks := append([]Stream(nil), p.sinks...)
	p.sinks = nil
	p.filters = nil
	p.mu.Unlock()

	p.source.Close()
	p.wg.Wait()
	p.source.SetPatch(nil)
	for _, s := range sinks {
		s.SetPatch(nil)
	}
}
