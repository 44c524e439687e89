package serve

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidflow/vidflow/media"
)

func pktUnit(pts int64, freed *atomic.Int32) *media.Unit {
	var release func()
	if freed != nil {
		release = func() { freed.Add(1) }
	}
	return media.NewPacketUnit(&media.Packet{
		Data: []byte{0, 0, 0, 1, 0x41, 0x9a},
		PTS:  pts,
		DTS:  pts,
	}, release)
}

// stalledServer returns a server accepting units with no dispatcher
// draining them, modeling a wedged consumer.
func stalledServer() *StreamServer {
	s := NewStreamServer(8554, "live", nil)
	s.running.Store(true)
	return s
}

func TestQueueNeverExceedsCapUnderOverload(t *testing.T) {
	t.Parallel()

	s := stalledServer()
	var freed atomic.Int32

	const injected = 200
	for i := 0; i < injected; i++ {
		u := pktUnit(int64(i), &freed)
		s.Process(u)
		u.Release()
		assert.LessOrEqual(t, s.QueueLen(), queueCap)
	}

	assert.Equal(t, queueCap, s.QueueLen())
	assert.Equal(t, int64(injected-queueCap), s.Evicted())
	// Evicted units must have released their payload references.
	assert.Equal(t, int32(injected-queueCap), freed.Load())
}

func TestQueueKeepsNewestUnits(t *testing.T) {
	t.Parallel()

	s := stalledServer()
	for i := 0; i < 25; i++ {
		u := pktUnit(int64(i), nil)
		s.Process(u)
		u.Release()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.queue, queueCap)
	assert.Equal(t, int64(15), s.queue[0].Packet().PTS)
	assert.Equal(t, int64(24), s.queue[queueCap-1].Packet().PTS)
}

func TestProcessAfterStopIsNoop(t *testing.T) {
	t.Parallel()

	s := NewStreamServer(8554, "live", nil)
	// Never initialized: running is false, late units are dropped.
	var freed atomic.Int32
	u := pktUnit(0, &freed)
	s.Process(u)
	u.Release()

	assert.Equal(t, 0, s.QueueLen())
	assert.Equal(t, int32(1), freed.Load(), "dropped unit must not leak a reference")
}

func TestProcessIgnoresFrames(t *testing.T) {
	t.Parallel()

	s := stalledServer()
	u := media.NewFrameUnit(&media.Frame{Width: 2, Height: 2}, nil)
	s.Process(u)
	u.Release()
	assert.Equal(t, 0, s.QueueLen())
}

func TestStopReleasesQueuedUnits(t *testing.T) {
	t.Parallel()

	s := stalledServer()
	var freed atomic.Int32
	for i := 0; i < 5; i++ {
		u := pktUnit(int64(i), &freed)
		s.Process(u)
		u.Release()
	}
	require.Equal(t, 5, s.QueueLen())

	// The dispatcher was never started for a stalled server, so Stop's
	// join returns at once and Stop releases the queued units itself.
	s.Stop()

	assert.Equal(t, int32(5), freed.Load())
}

func TestURL(t *testing.T) {
	t.Parallel()

	s := NewStreamServer(8554, "live", nil)
	assert.Equal(t, "rtsp://localhost:8554/live", s.URL())
}
