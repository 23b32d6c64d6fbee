// Package jitter implements the adaptive reordering buffer that sits in
// front of an RTP read path. Frames are queued by RTP timestamp; readers
// block until the frame for the current playout time is due, receiving a
// comfort-noise frame when the buffer starves.
package jitter

import (
	"container/heap"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/myforce/opal-go/pkg/mediaformat"
)

// Params bound the adaptive playout delay, in media clock units. With
// both zero there is no playout delay: a queued frame goes to a waiting
// reader at once, and frames queued while no reader waits leave in
// timestamp order.
type Params struct {
	MinDelay uint32
	MaxDelay uint32
	// Capacity is the maximum queued frame count; an overrun drops the
	// oldest frame. Defaults to 64.
	Capacity int
}

// ReadResult distinguishes a real frame from starvation filler.
type ReadResult int

const (
	// GotFrame means frame holds queued media.
	GotFrame ReadResult = iota
	// Starved means the playout deadline passed with nothing queued; the
	// returned frame is silence/comfort noise.
	Starved
	// Closed means the buffer was shut down.
	Closed
)

type entry struct {
	pkt     *rtp.Packet
	arrival time.Time
}

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	// Timestamp comparison in modular arithmetic so a wrap does not
	// invert the queue order.
	return int32(h[i].pkt.Timestamp-h[j].pkt.Timestamp) < 0
}
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Buffer is the adaptive queue. One goroutine inserts via Write (the RTP
// reader), one consumes via ReadData (the media stream).
type Buffer struct {
	params    Params
	clockRate uint32

	mu      sync.Mutex
	cond    *sync.Cond
	heap    entryHeap
	closed  bool
	bypass  bool
	dropped uint64
	tooLate uint64

	// currentDelay adapts between params.MinDelay and params.MaxDelay.
	currentDelay uint32
	// inOrderRun counts consecutive in-order arrivals, used to decay the
	// delay back toward MinDelay during calm intervals.
	inOrderRun int
	lastSeq    uint16
	seqPrimed  bool

	// onTooLate, when set, is notified for each starved read so the
	// owning RTP session can count it.
	onTooLate func()
}

// NewBuffer creates a buffer for a stream with the given media clock
// rate. onTooLate may be nil.
func NewBuffer(params Params, clockRate uint32, onTooLate func()) *Buffer {
	if params.Capacity == 0 {
		params.Capacity = 64
	}
	b := &Buffer{
		params:       params,
		clockRate:    clockRate,
		bypass:       params.MinDelay == 0 && params.MaxDelay == 0,
		currentDelay: params.MinDelay,
		onTooLate:    onTooLate,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// CurrentDelay reports the adaptive playout delay in media clock units.
func (b *Buffer) CurrentDelay() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentDelay
}

// Dropped reports frames discarded by overruns.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Write inserts a frame. An overrun drops the oldest queued frame.
func (b *Buffer) Write(pkt *rtp.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if b.seqPrimed {
		if int16(pkt.SequenceNumber-b.lastSeq) < 0 {
			// Out-of-order arrival: grow the delay so reordering has
			// room, up to the configured maximum.
			b.inOrderRun = 0
			if !b.bypass && b.currentDelay < b.params.MaxDelay {
				grow := b.clockRate / 50 // one nominal frame
				if b.currentDelay+grow > b.params.MaxDelay {
					b.currentDelay = b.params.MaxDelay
				} else {
					b.currentDelay += grow
				}
			}
		} else {
			b.lastSeq = pkt.SequenceNumber
			b.inOrderRun++
			// A sustained in-order interval shrinks the delay again.
			if !b.bypass && b.inOrderRun >= 100 && b.currentDelay > b.params.MinDelay {
				shrink := b.clockRate / 50
				if b.currentDelay < b.params.MinDelay+shrink {
					b.currentDelay = b.params.MinDelay
				} else {
					b.currentDelay -= shrink
				}
				b.inOrderRun = 0
			}
		}
	} else {
		b.lastSeq = pkt.SequenceNumber
		b.seqPrimed = true
	}

	heap.Push(&b.heap, entry{pkt: pkt, arrival: time.Now()})
	if b.heap.Len() > b.params.Capacity {
		heap.Pop(&b.heap)
		b.dropped++
	}
	b.cond.Broadcast()
}

// ReadData returns the next frame in timestamp order. It blocks until the
// head frame has aged past the current playout delay (immediately in
// bypass mode), or until the deadline passes with an empty queue, in
// which case it returns Starved with a comfort-noise frame.
func (b *Buffer) ReadData() (*rtp.Packet, ReadResult) {
	b.mu.Lock()
	for {
		if b.closed {
			b.mu.Unlock()
			return nil, Closed
		}
		if b.heap.Len() > 0 {
			head := b.heap[0]
			if b.bypass {
				heap.Pop(&b.heap)
				b.mu.Unlock()
				return head.pkt, GotFrame
			}
			wait := b.delayRemaining(head.arrival)
			if wait <= 0 {
				heap.Pop(&b.heap)
				b.mu.Unlock()
				return head.pkt, GotFrame
			}
			b.timedWait(wait)
			continue
		}
		if b.bypass {
			b.cond.Wait()
			continue
		}
		// Empty queue: wait one playout delay, then declare starvation.
		deadline := b.delayDuration()
		if !b.timedWait(deadline) {
			continue // woken by a writer or close
		}
		if b.heap.Len() == 0 && !b.closed {
			b.tooLate++
			cb := b.onTooLate
			b.mu.Unlock()
			if cb != nil {
				cb()
			}
			return comfortNoiseFrame(), Starved
		}
	}
}

// delayDuration converts the adaptive delay from clock units to time.
func (b *Buffer) delayDuration() time.Duration {
	if b.clockRate == 0 {
		return 20 * time.Millisecond
	}
	return time.Duration(b.currentDelay) * time.Second / time.Duration(b.clockRate)
}

func (b *Buffer) delayRemaining(arrival time.Time) time.Duration {
	return b.delayDuration() - time.Since(arrival)
}

// timedWait releases the lock for at most d, returning true if the full
// duration elapsed without a signal.
func (b *Buffer) timedWait(d time.Duration) bool {
	timer := time.AfterFunc(d, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	start := time.Now()
	b.cond.Wait()
	timer.Stop()
	return time.Since(start) >= d
}

// Close unblocks readers; they observe the Closed result.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// comfortNoiseFrame is the filler handed out on starvation: a single CN
// payload octet at minimal level.
func comfortNoiseFrame() *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: uint8(mediaformat.PayloadTypeCN)},
		Payload: []byte{127},
	}
}
