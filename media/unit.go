// Package media defines the reference-counted unit type that flows through
// the vidflow processing pipeline, from sources through codecs to sinks.
package media

import (
	"sync"
	"sync/atomic"
)

// TimeBase expresses the unit of a timestamp as Num/Den seconds per tick.
// Packets produced by a demuxer carry the MPEG 90 kHz base; frames and
// packets produced by an encoder carry 1/fps. Only the muxer rescales.
type TimeBase struct {
	Num int
	Den int
}

// TB90k is the MPEG transport-stream clock, 90000 ticks per second.
var TB90k = TimeBase{1, 90000}

// Seconds converts ticks in this time base to seconds.
func (tb TimeBase) Seconds(ticks int64) float64 {
	if tb.Den == 0 {
		return 0
	}
	return float64(ticks) * float64(tb.Num) / float64(tb.Den)
}

// Rescale converts ticks from this time base into dst.
func (tb TimeBase) Rescale(ticks int64, dst TimeBase) int64 {
	if tb.Den == 0 || dst.Num == 0 {
		return ticks
	}
	return ticks * int64(tb.Num) * int64(dst.Den) / (int64(tb.Den) * int64(dst.Num))
}

// NoPTS marks an absent timestamp.
const NoPTS = int64(-1 << 62)

// Packet is one compressed video access unit in Annex B form.
type Packet struct {
	Data        []byte
	PTS         int64
	DTS         int64
	TimeBase    TimeBase
	Keyframe    bool
	StreamIndex int
}

// Frame is one decoded picture. Planes are packed into Data according to
// Format unless HW is set, in which case the pixel data lives on an
// accelerator surface and Data is empty; such frames must be downloaded
// to system memory before any plane-reading sink sees them.
type Frame struct {
	Data     []byte
	Width    int
	Height   int
	Stride   int
	Format   PixelFormat
	PTS      int64
	DTS      int64
	TimeBase TimeBase
	HW       bool
}

// Unit is the reference-counted envelope carrying either a Packet or a
// Frame between stages. Every stage that hands a unit downstream extends
// its lifetime with Retain for the duration of the call; the payload
// buffer is returned to its pool exactly once, when the last reference
// is released.
type Unit struct {
	refs    atomic.Int32
	packet  *Packet
	frame   *Frame
	release func()
}

// NewPacketUnit wraps a packet with an initial reference count of one.
// release, if non-nil, runs when the last reference is dropped.
func NewPacketUnit(p *Packet, release func()) *Unit {
	u := &Unit{packet: p, release: release}
	u.refs.Store(1)
	return u
}

// NewFrameUnit wraps a frame with an initial reference count of one.
func NewFrameUnit(f *Frame, release func()) *Unit {
	u := &Unit{frame: f, release: release}
	u.refs.Store(1)
	return u
}

// Packet returns the packet payload, or nil if the unit carries a frame.
func (u *Unit) Packet() *Packet { return u.packet }

// Frame returns the frame payload, or nil if the unit carries a packet.
func (u *Unit) Frame() *Frame { return u.frame }

// Retain adds a reference and returns the unit for chaining.
func (u *Unit) Retain() *Unit {
	if u.refs.Add(1) <= 1 {
		panic("media: retain of released unit")
	}
	return u
}

// Release drops a reference. The unit must not be touched afterwards by
// the caller; the final release runs the unit's release hook.
func (u *Unit) Release() {
	n := u.refs.Add(-1)
	if n < 0 {
		panic("media: release of released unit")
	}
	if n == 0 && u.release != nil {
		u.release()
	}
}

// Refs reports the current reference count. Test hook only.
func (u *Unit) Refs() int32 { return u.refs.Load() }

// BufferPool recycles payload byte slices across units. Sources allocate
// from a pool and arrange for the unit's release hook to return the
// buffer, bounding steady-state allocation on hot paths.
type BufferPool struct {
	pool sync.Pool
}

// NewBufferPool creates an empty pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{}
}

// Get returns a buffer with length n, reusing a pooled slice when its
// capacity suffices.
func (p *BufferPool) Get(n int) []byte {
	if v := p.pool.Get(); v != nil {
		buf := v.([]byte)
		if cap(buf) >= n {
			return buf[:n]
		}
	}
	return make([]byte, n)
}

// Put returns a buffer to the pool.
func (p *BufferPool) Put(buf []byte) {
	if buf == nil {
		return
	}
	p.pool.Put(buf[:cap(buf)]) //nolint:staticcheck // slices are pointer-like here
}
