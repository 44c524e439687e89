package media

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnitReleasedExactlyOnce(t *testing.T) {
	t.Parallel()

	var freed atomic.Int32
	u := NewPacketUnit(&Packet{Data: []byte{1, 2, 3}}, func() { freed.Add(1) })

	u.Retain()
	u.Retain()
	u.Release()
	u.Release()
	assert.Equal(t, int32(0), freed.Load(), "freed before last reference dropped")

	u.Release()
	assert.Equal(t, int32(1), freed.Load(), "release hook must run exactly once")
}

func TestUnitConcurrentRetainRelease(t *testing.T) {
	t.Parallel()

	var freed atomic.Int32
	u := NewFrameUnit(&Frame{Width: 2, Height: 2}, func() { freed.Add(1) })

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		u.Retain()
		wg.Add(1)
		go func() {
			defer wg.Done()
			u.Release()
		}()
	}
	wg.Wait()
	require.Equal(t, int32(0), freed.Load())

	u.Release()
	assert.Equal(t, int32(1), freed.Load())
}

func TestUnitRetainAfterReleasePanics(t *testing.T) {
	t.Parallel()

	u := NewPacketUnit(&Packet{}, nil)
	u.Release()
	assert.Panics(t, func() { u.Retain() })
}

func TestTimeBaseRescale(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		src   TimeBase
		dst   TimeBase
		ticks int64
		want  int64
	}{
		{"fps to 90k", TimeBase{1, 30}, TB90k, 30, 90000},
		{"90k to fps", TB90k, TimeBase{1, 30}, 90000, 30},
		{"identity", TB90k, TB90k, 12345, 12345},
		{"zero den passthrough", TimeBase{}, TB90k, 7, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.src.Rescale(tt.ticks, tt.dst))
		})
	}
}

func TestPixelFormatFrameSize(t *testing.T) {
	t.Parallel()

	n, err := PixelFormatI420.FrameSize(1920, 1080)
	require.NoError(t, err)
	assert.Equal(t, 1920*1080*3/2, n)

	n, err = PixelFormatRGBA.FrameSize(640, 480)
	require.NoError(t, err)
	assert.Equal(t, 640*480*4, n)

	_, err = PixelFormatNV12.FrameSize(641, 480)
	assert.Error(t, err)
}

func TestBufferPoolReuse(t *testing.T) {
	t.Parallel()

	p := NewBufferPool()
	buf := p.Get(128)
	require.Len(t, buf, 128)
	p.Put(buf)

	again := p.Get(64)
	assert.Len(t, again, 64)
}
