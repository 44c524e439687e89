package mux

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidflow/vidflow/media"
)

// fakeBackend records writes for assertion.
type fakeBackend struct {
	mu      sync.Mutex
	opened  int
	closed  int
	written []writeCall
}

type writeCall struct {
	pts90, dts90 int64
	keyframe     bool
	size         int
}

func (f *fakeBackend) open() error { f.opened++; return nil }

func (f *fakeBackend) write(au []byte, pts90, dts90 int64, keyframe bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, writeCall{pts90, dts90, keyframe, len(au)})
	return nil
}

func (f *fakeBackend) close() error { f.closed++; return nil }

func packetUnit(pts, dts int64, tb media.TimeBase, keyframe bool) *media.Unit {
	return media.NewPacketUnit(&media.Packet{
		Data:     []byte{0, 0, 0, 1, 0x65},
		PTS:      pts,
		DTS:      dts,
		TimeBase: tb,
		Keyframe: keyframe,
	}, nil)
}

func TestMuxerRescalesToStreamTimeBase(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	m := NewMuxer("udp://127.0.0.1:5000", nil)
	m.SetBackend(b)
	m.SetSourceTimeBase(media.TimeBase{Num: 1, Den: 30})
	require.NoError(t, m.Initialize())

	for i := int64(0); i < 3; i++ {
		u := packetUnit(i, i, media.TimeBase{Num: 1, Den: 30}, i == 0)
		m.Process(u)
		u.Release()
	}
	m.Stop()

	require.Len(t, b.written, 3)
	assert.Equal(t, int64(0), b.written[0].pts90)
	assert.Equal(t, int64(3000), b.written[1].pts90)
	assert.Equal(t, int64(6000), b.written[2].pts90)
	assert.True(t, b.written[0].keyframe)

	// Non-decreasing in the stream time base.
	for i := 1; i < len(b.written); i++ {
		assert.GreaterOrEqual(t, b.written[i].pts90, b.written[i-1].pts90)
	}
}

func TestMuxerMissingDTSFallsBackToPTS(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	m := NewMuxer("udp://127.0.0.1:5000", nil)
	m.SetBackend(b)
	require.NoError(t, m.Initialize())

	u := packetUnit(90, media.NoPTS, media.TB90k, true)
	m.Process(u)
	u.Release()
	m.Stop()

	require.Len(t, b.written, 1)
	assert.Equal(t, b.written[0].pts90, b.written[0].dts90)
}

func TestMuxerTrailerWrittenOnce(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	m := NewMuxer("out.ts", nil)
	m.SetBackend(b)
	require.NoError(t, m.Initialize())

	m.Stop()
	m.Stop()
	assert.Equal(t, 1, b.closed)
}

func TestMuxerIgnoresFramesAndLateWrites(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	m := NewMuxer("out.ts", nil)
	m.SetBackend(b)
	require.NoError(t, m.Initialize())
	m.Stop()

	u := packetUnit(0, 0, media.TB90k, true)
	m.Process(u) // after stop: dropped
	u.Release()

	fu := media.NewFrameUnit(&media.Frame{Width: 2, Height: 2}, nil)
	m.Process(fu)
	fu.Release()

	assert.Empty(t, b.written)
}

func TestSelectBackendScheme(t *testing.T) {
	t.Parallel()

	m := NewMuxer("rtsp://host:8554/live", nil)
	b, err := m.selectBackend()
	require.NoError(t, err)
	_, ok := b.(*rtspRecord)
	assert.True(t, ok)

	m = NewMuxer("rtmp://host/app/key", nil)
	b, err = m.selectBackend()
	require.NoError(t, err)
	_, ok = b.(*flvPassthrough)
	assert.True(t, ok)

	m = NewMuxer("srt://host:9000", nil)
	_, err = m.selectBackend()
	assert.Error(t, err)
}

func TestRawFileByExtension(t *testing.T) {
	t.Parallel()

	m := NewMuxer(t.TempDir()+"/clip.h264", nil)
	b, err := m.selectBackend()
	require.NoError(t, err)
	_, ok := b.(*rawFile)
	assert.True(t, ok)
	require.NoError(t, b.close())
}

func TestRTSPRecordWaitsForKeyframe(t *testing.T) {
	t.Parallel()

	r := newRTSPRecord("rtsp://127.0.0.1:1/never", nil)
	require.NoError(t, r.open())

	// Non-keyframe before any session: silently skipped, no dial.
	err := r.write([]byte{0, 0, 0, 1, 0x41, 0x9a}, 0, 0, false)
	assert.NoError(t, err)
	assert.False(t, r.started)

	// Keyframe without parameter sets: still waiting.
	err = r.write([]byte{0, 0, 0, 1, 0x65, 0x88}, 0, 0, true)
	assert.NoError(t, err)
	assert.False(t, r.started)

	require.NoError(t, r.close())
}
