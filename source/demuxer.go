// Package source contains the producer stages that originate media
// units: the Demuxer for network/file inputs and the ScreenGrab stage
// for live desktop capture. Sources are the only stages that own
// producer goroutines.
package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astits"

	"github.com/vidflow/vidflow/codec"
	"github.com/vidflow/vidflow/ffrun"
	"github.com/vidflow/vidflow/media"
	"github.com/vidflow/vidflow/stage"
)

// probeTimeout bounds the ffprobe call at Initialize.
const probeTimeout = 10 * time.Second

// realtimeSchemes are inputs that arrive at wall-clock speed already;
// pacing is disabled for them.
var realtimeSchemes = []string{"rtsp://", "udp://", "rtp://"}

// Demuxer opens an input URL, selects its first video stream, and
// produces compressed Packet units in the 90 kHz time base. The input is
// normalized to MPEG-TS by an ffmpeg reader process and parsed with
// go-astits; file-backed inputs are paced against the wall clock by DTS.
type Demuxer struct {
	stage.Base

	url      string
	launcher ffrun.Launcher

	ffmpegPath  string
	ffprobePath string

	info ffrun.StreamInfo

	proc    ffrun.Proc
	running atomic.Bool
	wg      sync.WaitGroup

	pool       media.BufferPool
	packetsOut atomic.Int64
}

// NewDemuxer creates a demuxer for url. If log is nil, slog.Default()
// is used.
func NewDemuxer(rawURL string, log *slog.Logger) *Demuxer {
	return &Demuxer{
		Base:     stage.NewBase("demuxer", log),
		url:      rawURL,
		launcher: &ffrun.ExecLauncher{Log: log},
	}
}

// SetLauncher overrides the process launcher. Test hook.
func (d *Demuxer) SetLauncher(l ffrun.Launcher) { d.launcher = l }

// SetBinaries overrides binary discovery with explicit paths.
func (d *Demuxer) SetBinaries(ffmpeg, ffprobe string) {
	d.ffmpegPath = ffmpeg
	d.ffprobePath = ffprobe
}

// Info returns the probed parameters of the selected video stream.
// Valid after Initialize.
func (d *Demuxer) Info() ffrun.StreamInfo { return d.info }

// Initialize locates the ffmpeg binaries and probes the input. Inputs
// without a video stream are rejected.
func (d *Demuxer) Initialize() error {
	if d.State() != stage.StateCreated {
		return nil
	}

	var err error
	if d.ffmpegPath == "" {
		if d.ffmpegPath, err = ffrun.FindBinary("ffmpeg", "VIDFLOW_FFMPEG"); err != nil {
			return err
		}
	}
	if d.ffprobePath == "" {
		if d.ffprobePath, err = ffrun.FindBinary("ffprobe", "VIDFLOW_FFPROBE"); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	d.info, err = ffrun.ProbeVideo(ctx, d.ffprobePath, d.inputURL())
	if err != nil {
		return fmt.Errorf("open %s: %w", d.url, err)
	}

	d.Log.Info("input opened", "url", d.url, "codec", d.info.Codec,
		"width", d.info.Width, "height", d.info.Height)
	d.SetState(stage.StateInitialized)
	return nil
}

// Process is a no-op: the demuxer is a source.
func (d *Demuxer) Process(u *media.Unit) {}

// Start launches the reader process and the producer goroutine.
func (d *Demuxer) Start() {
	if !d.CompareState(stage.StateInitialized, stage.StateRunning) {
		return
	}

	proc, err := d.launcher.Launch(d.ffmpegPath, d.readerArgs())
	if err != nil {
		d.Log.Error("reader start failed", "error", err)
		d.SetState(stage.StateStopped)
		return
	}
	d.proc = proc
	d.running.Store(true)
	d.wg.Add(1)
	go d.run()
}

// Stop breaks the producer loop and joins it. Killing the reader process
// releases any read blocked on the pipe, the interrupt-callback analog
// for a blocked read_frame. Safe from any state and idempotent.
func (d *Demuxer) Stop() {
	d.running.Store(false)
	if d.proc != nil {
		d.proc.Stop()
	}
	d.wg.Wait()
	d.SetState(stage.StateStopped)
}

// PacketsProduced reports the number of packets forwarded. Telemetry.
func (d *Demuxer) PacketsProduced() int64 { return d.packetsOut.Load() }

func (d *Demuxer) run() {
	defer d.wg.Done()

	pace := newPacer(!d.isRealtime())
	dmx := astits.NewDemuxer(context.Background(), bufio.NewReaderSize(d.proc.Stdout(), 64*1024))

	for d.running.Load() {
		data, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, astits.ErrNoMorePackets) {
				d.Log.Info("end of stream", "url", d.url, "packets", d.packetsOut.Load())
			} else if d.running.Load() {
				d.Log.Error("read failed", "url", d.url, "error", err)
			}
			d.running.Store(false)
			return
		}
		if data.PES == nil || len(data.PES.Data) == 0 {
			continue
		}

		pkt := d.packetFromPES(data.PES)
		pace.wait(pacingTS(pkt), media.TB90k)
		if !d.running.Load() {
			d.pool.Put(pkt.Data)
			break
		}

		u := media.NewPacketUnit(pkt, func() { d.pool.Put(pkt.Data) })
		d.Forward(u)
		u.Release()
		d.packetsOut.Add(1)
	}
}

func (d *Demuxer) packetFromPES(pes *astits.PESData) *media.Packet {
	pkt := &media.Packet{
		PTS:      media.NoPTS,
		DTS:      media.NoPTS,
		TimeBase: media.TB90k,
	}
	if h := pes.Header; h != nil && h.OptionalHeader != nil {
		if h.OptionalHeader.PTS != nil {
			pkt.PTS = h.OptionalHeader.PTS.Base
		}
		if h.OptionalHeader.DTS != nil {
			pkt.DTS = h.OptionalHeader.DTS.Base
		}
	}
	pkt.Data = d.pool.Get(len(pes.Data))
	copy(pkt.Data, pes.Data)
	pkt.Keyframe = codec.HasIDR(pkt.Data)
	return pkt
}

// pacingTS picks the pacing reference: DTS when present, else PTS.
func pacingTS(pkt *media.Packet) int64 {
	if pkt.DTS != media.NoPTS {
		return pkt.DTS
	}
	return pkt.PTS
}

func (d *Demuxer) isRealtime() bool {
	for _, scheme := range realtimeSchemes {
		if strings.HasPrefix(d.url, scheme) {
			return true
		}
	}
	return false
}

// inputURL returns the URL with protocol-specific options attached. UDP
// inputs get a large FIFO, a large socket buffer, and non-fatal overrun
// handling, expressed as URL options.
func (d *Demuxer) inputURL() string {
	if !strings.HasPrefix(d.url, "udp://") {
		return d.url
	}
	sep := "?"
	if strings.Contains(d.url, "?") {
		sep = "&"
	}
	opts := url.Values{}
	opts.Set("fifo_size", "1000000")
	opts.Set("buffer_size", "1000000")
	opts.Set("overrun_nonfatal", "1")
	return d.url + sep + opts.Encode()
}

// readerArgs builds the ffmpeg invocation that remuxes the input's first
// video stream to MPEG-TS on stdout. Probing depth follows the latency
// class; rtsp inputs request UDP transport with a 5 s socket timeout.
func (d *Demuxer) readerArgs() []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}

	switch d.Latency() {
	case stage.LatencyUltraLow:
		args = append(args,
			"-probesize", "32768",
			"-analyzeduration", "50000",
			"-fflags", "nobuffer",
			"-flags", "low_delay",
		)
	case stage.LatencyLow:
		args = append(args,
			"-probesize", "200000",
			"-fflags", "nobuffer",
		)
	default:
		args = append(args, "-probesize", "1000000")
	}

	if strings.HasPrefix(d.url, "rtsp://") {
		args = append(args, "-rtsp_transport", "udp", "-timeout", "5000000")
	}

	args = append(args,
		"-i", d.inputURL(),
		"-map", "0:v:0",
		"-c:v", "copy",
		"-f", "mpegts",
		"pipe:1",
	)
	return args
}
