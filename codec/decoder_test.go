package codec

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidflow/vidflow/ffrun"
	"github.com/vidflow/vidflow/media"
)

func waitUnits(t *testing.T, s *unitSink, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for unit %d of %d", i+1, n)
		}
	}
}

func newTestDecoder(info ffrun.StreamInfo) (*Decoder, *fakeLauncher) {
	l := &fakeLauncher{}
	d := NewDecoder(info, nil, nil)
	d.SetLauncher(l)
	d.SetBinary("/usr/bin/ffmpeg")
	return d, l
}

func TestDecoderRejectsUnknownCodec(t *testing.T) {
	t.Parallel()

	d, _ := newTestDecoder(ffrun.StreamInfo{Codec: "av1", Width: 4, Height: 4})
	assert.Error(t, d.Initialize())
}

func TestDecoderProducesFramesWithSourceTimestamps(t *testing.T) {
	t.Parallel()

	d, l := newTestDecoder(ffrun.StreamInfo{Codec: "h264", Width: 4, Height: 4})
	sink := newUnitSink()
	d.SetNext(sink)
	require.NoError(t, d.Initialize())
	defer d.Stop()

	pkt := &media.Packet{Data: au(aud, idr), PTS: 9000, DTS: 8000, TimeBase: media.TB90k}
	u := media.NewPacketUnit(pkt, nil)
	d.Process(u)
	u.Release()

	// One decoded I420 frame at 4x4.
	l.proc(0).feed(make([]byte, 4*4*3/2))
	waitUnits(t, sink, 1)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.frames, 1)
	f := sink.frames[0]
	assert.Equal(t, media.PixelFormatI420, f.Format)
	assert.Equal(t, int64(9000), f.PTS)
	assert.Equal(t, int64(8000), f.DTS)
	assert.Equal(t, 4, f.Width)
	assert.Len(t, f.Data, 24)
}

func TestDecoderForwardsPacketBytesToProcess(t *testing.T) {
	t.Parallel()

	d, l := newTestDecoder(ffrun.StreamInfo{Codec: "h264", Width: 4, Height: 4})
	require.NoError(t, d.Initialize())
	defer d.Stop()

	payload := au(sps, pps, idr)
	u := media.NewPacketUnit(&media.Packet{Data: payload, PTS: 0, DTS: 0}, nil)
	d.Process(u)
	u.Release()

	require.Eventually(t, func() bool {
		return len(l.proc(0).writtenBytes()) == len(payload)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, payload, l.proc(0).writtenBytes())
}

func TestDecoderPassthroughForRawSources(t *testing.T) {
	t.Parallel()

	d, l := newTestDecoder(ffrun.StreamInfo{Codec: "rawvideo", Width: 4, Height: 4})
	sink := newUnitSink()
	d.SetNext(sink)
	require.NoError(t, d.Initialize())
	assert.Equal(t, 0, l.count(), "raw sources must not spawn a decode process")

	f := &media.Frame{Width: 4, Height: 4, Format: media.PixelFormatNV12, PTS: 7}
	u := media.NewFrameUnit(f, nil)
	d.Process(u)
	u.Release()
	waitUnits(t, sink, 1)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.frames, 1)
	assert.Equal(t, int64(7), sink.frames[0].PTS)

	d.Stop()
}

func TestDecoderHardwareArgsAndFallbackToSoftware(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{}
	d := NewDecoder(ffrun.StreamInfo{Codec: "h264", Width: 4, Height: 4}, &ffrun.Device{Type: "cuda"}, nil)
	d.SetLauncher(l)
	d.SetBinary("/usr/bin/ffmpeg")
	require.NoError(t, d.Initialize())
	assert.Contains(t, strings.Join(l.lastArgs, " "), "-hwaccel cuda")
	d.Stop()

	// nil device: software path, no hwaccel flag.
	d2, l2 := newTestDecoder(ffrun.StreamInfo{Codec: "h264", Width: 4, Height: 4})
	require.NoError(t, d2.Initialize())
	assert.NotContains(t, strings.Join(l2.lastArgs, " "), "hwaccel")
	d2.Stop()
}

func TestDecoderStopIdempotentAndLateProcessNoop(t *testing.T) {
	t.Parallel()

	d, _ := newTestDecoder(ffrun.StreamInfo{Codec: "h264", Width: 4, Height: 4})
	require.NoError(t, d.Initialize())
	d.Stop()
	d.Stop()

	u := media.NewPacketUnit(&media.Packet{Data: []byte{1}}, nil)
	d.Process(u) // must not panic or block
	u.Release()
}
