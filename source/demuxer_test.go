package source

import (
	"strings"
	"testing"
	"time"

	"github.com/asticode/go-astits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidflow/vidflow/media"
	"github.com/vidflow/vidflow/stage"
)

func TestReaderArgsLatencyProfiles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		latency stage.LatencyClass
		want    []string
		absent  []string
	}{
		{stage.LatencyUltraLow, []string{"-probesize", "32768", "-analyzeduration", "50000", "-flags", "low_delay"}, nil},
		{stage.LatencyLow, []string{"-probesize", "200000", "-fflags", "nobuffer"}, []string{"low_delay"}},
		{stage.LatencyStandard, []string{"-probesize", "1000000"}, []string{"nobuffer", "low_delay"}},
	}
	for _, tt := range tests {
		t.Run(tt.latency.String(), func(t *testing.T) {
			t.Parallel()
			d := NewDemuxer("file.mp4", nil)
			d.SetLatency(tt.latency)
			joined := strings.Join(d.readerArgs(), " ")
			for _, w := range tt.want {
				assert.Contains(t, joined, w)
			}
			for _, a := range tt.absent {
				assert.NotContains(t, joined, a)
			}
			assert.Contains(t, joined, "-map 0:v:0")
			assert.Contains(t, joined, "-c:v copy")
		})
	}
}

func TestReaderArgsRTSPTransport(t *testing.T) {
	t.Parallel()

	d := NewDemuxer("rtsp://cam.local/stream", nil)
	joined := strings.Join(d.readerArgs(), " ")
	assert.Contains(t, joined, "-rtsp_transport udp")
	assert.Contains(t, joined, "-timeout 5000000")
}

func TestInputURLUDPOptions(t *testing.T) {
	t.Parallel()

	d := NewDemuxer("udp://127.0.0.1:5000", nil)
	u := d.inputURL()
	assert.Contains(t, u, "fifo_size=1000000")
	assert.Contains(t, u, "buffer_size=1000000")
	assert.Contains(t, u, "overrun_nonfatal=1")

	d = NewDemuxer("rtmp://example.com/live", nil)
	assert.Equal(t, "rtmp://example.com/live", d.inputURL())
}

func TestIsRealtime(t *testing.T) {
	t.Parallel()

	for url, want := range map[string]bool{
		"rtsp://h/s":        true,
		"udp://1.2.3.4:1":   true,
		"rtp://1.2.3.4:1":   true,
		"/tmp/clip.mp4":     false,
		"http://h/clip.mp4": false,
	} {
		assert.Equal(t, want, NewDemuxer(url, nil).isRealtime(), url)
	}
}

func TestPacketFromPES(t *testing.T) {
	t.Parallel()

	d := NewDemuxer("file.ts", nil)
	pes := &astits.PESData{
		Header: &astits.PESHeader{
			OptionalHeader: &astits.PESOptionalHeader{
				PTS: &astits.ClockReference{Base: 90000},
				DTS: &astits.ClockReference{Base: 87000},
			},
		},
		Data: []byte{0, 0, 0, 1, 0x65, 0x11},
	}
	pkt := d.packetFromPES(pes)
	assert.Equal(t, int64(90000), pkt.PTS)
	assert.Equal(t, int64(87000), pkt.DTS)
	assert.Equal(t, media.TB90k, pkt.TimeBase)
	assert.True(t, pkt.Keyframe)
	assert.Equal(t, pes.Data, pkt.Data)
}

func TestPacingTSPrefersDTS(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(5), pacingTS(&media.Packet{DTS: 5, PTS: 9}))
	assert.Equal(t, int64(9), pacingTS(&media.Packet{DTS: media.NoPTS, PTS: 9}))
}

func TestPacerSleepsToWallClock(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	var slept []time.Duration
	p := newPacer(true)
	p.now = func() time.Time { return now }
	p.sleep = func(d time.Duration) { slept = append(slept, d); now = now.Add(d) }

	p.wait(0, media.TB90k)     // anchor, no sleep
	p.wait(90000, media.TB90k) // one second later in stream time
	p.wait(180000, media.TB90k)

	require.Len(t, slept, 2)
	assert.Equal(t, time.Second, slept[0])
	assert.Equal(t, time.Second, slept[1])
}

func TestPacerDisabledAndNoPTS(t *testing.T) {
	t.Parallel()

	p := newPacer(false)
	p.sleep = func(time.Duration) { t.Fatal("disabled pacer must not sleep") }
	p.wait(0, media.TB90k)
	p.wait(90000, media.TB90k)

	p = newPacer(true)
	p.sleep = func(time.Duration) { t.Fatal("untimestamped packets must not sleep") }
	p.wait(media.NoPTS, media.TB90k)
	p.wait(media.NoPTS, media.TB90k)
}
