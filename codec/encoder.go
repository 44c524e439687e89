package codec

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vidflow/vidflow/ffrun"
	"github.com/vidflow/vidflow/media"
	"github.com/vidflow/vidflow/pixconv"
	"github.com/vidflow/vidflow/stage"
)

// Encoder bitrate cap: 4 Mbit/s with a matching VBV window, keeping UDP
// and RTP outputs inside a predictable envelope.
const (
	encoderBitrate = 4_000_000
	encoderVBV     = 8_000_000
	encoderGOP     = 30
	hwPoolSize     = 20
)

// flushTimeout bounds how long Stop waits for the encode process to
// drain after stdin closes before killing it.
const flushTimeout = 3 * time.Second

// Encoder turns frames into H.264 access units. Frames are written as
// rawvideo into an ffmpeg encode process; Annex B output is split on
// access-unit delimiters and stamped with a monotonically increasing
// PTS, discarding source timestamps so the output stream is strictly
// ordered regardless of input jitter. SPS/PPS repeat at every IDR; no
// global header is used, so any receiver can join at any IDR.
//
// A resolution change on an incoming frame tears the encode process
// down and rebuilds it at the new geometry, preserving the frame rate;
// screen sources discover their true size only at the first frame.
type Encoder struct {
	stage.Base

	codecName string
	device    *ffrun.Device
	width     int
	height    int
	fps       int

	launcher   ffrun.Launcher
	ffmpegPath string

	proc    ffrun.Proc
	running atomic.Bool
	wg      sync.WaitGroup

	conv *pixconv.Converter

	// pts is advanced only by the drain goroutine; rebuilds join the
	// old drain before starting a new one, so it stays single-writer
	// and survives a mid-stream process rebuild.
	pts int64

	packetsOut   atomic.Int64
	transientErr atomic.Int64
}

// NewEncoder creates an encoder producing codecName at the target
// geometry and rate. device may be nil for software encoders; hardware
// codec names require one. If log is nil, slog.Default() is used.
func NewEncoder(codecName string, device *ffrun.Device, width, height, fps int, log *slog.Logger) *Encoder {
	if fps <= 0 {
		fps = 30
	}
	return &Encoder{
		Base:      stage.NewBase("encoder", log),
		codecName: codecName,
		device:    device,
		width:     width,
		height:    height,
		fps:       fps,
		launcher:  &ffrun.ExecLauncher{Log: log},
	}
}

// SetLauncher overrides the process launcher. Test hook.
func (e *Encoder) SetLauncher(l ffrun.Launcher) { e.launcher = l }

// SetBinary overrides ffmpeg discovery with an explicit path.
func (e *Encoder) SetBinary(ffmpeg string) { e.ffmpegPath = ffmpeg }

// TimeBase returns the encoder's output time base, 1/fps. The muxer
// remembers it as its source scale.
func (e *Encoder) TimeBase() media.TimeBase { return media.TimeBase{Num: 1, Den: e.fps} }

// PacketsProduced reports emitted access units. Telemetry.
func (e *Encoder) PacketsProduced() int64 { return e.packetsOut.Load() }

// hardwareCodec reports whether the codec name names an accelerator
// implementation that cannot run without its device.
func hardwareCodec(name string) bool {
	for _, s := range []string{"nvenc", "vaapi", "qsv", "videotoolbox", "amf"} {
		if strings.Contains(name, s) {
			return true
		}
	}
	return false
}

// inFormat is the pixel format the encode process expects on stdin:
// NV12 when a hardware pool is in play, planar 4:2:0 otherwise.
func (e *Encoder) inFormat() media.PixelFormat {
	if e.device != nil && hardwareCodec(e.codecName) {
		return media.PixelFormatNV12
	}
	return media.PixelFormatI420
}

// Initialize validates the configuration and launches the encode
// process at the configured geometry.
func (e *Encoder) Initialize() error {
	if e.State() != stage.StateCreated {
		return nil
	}
	if e.width <= 0 || e.height <= 0 {
		return fmt.Errorf("encoder: invalid geometry %dx%d", e.width, e.height)
	}
	if hardwareCodec(e.codecName) && e.device == nil {
		return fmt.Errorf("encoder: %s requires a hardware device", e.codecName)
	}

	var err error
	if e.ffmpegPath == "" {
		if e.ffmpegPath, err = ffrun.FindBinary("ffmpeg", "VIDFLOW_FFMPEG"); err != nil {
			return err
		}
	}

	if err := e.launch(e.width, e.height); err != nil {
		return err
	}
	e.running.Store(true)
	e.SetState(stage.StateInitialized)
	return nil
}

func (e *Encoder) launch(width, height int) error {
	proc, err := e.launcher.Launch(e.ffmpegPath, e.encodeArgs(width, height))
	if err != nil {
		return fmt.Errorf("encoder: %w", err)
	}
	e.proc = proc
	e.wg.Add(1)
	go e.drain(proc)
	return nil
}

// encodeArgs builds the encode invocation: zero B-frames to avoid
// reorder delay, CBR at the bitrate cap, SPS/PPS in band, and an AUD
// before every access unit so the output splits cleanly. Hardware
// codecs bind the shared device and upload frames into a fixed-size
// hardware pool before the encoder sees them.
func (e *Encoder) encodeArgs(width, height int) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}

	hw := e.device != nil && hardwareCodec(e.codecName)
	if hw {
		args = append(args,
			"-init_hw_device", fmt.Sprintf("%s=gpu", e.device.Type),
			"-filter_hw_device", "gpu",
		)
	}

	args = append(args,
		"-f", "rawvideo",
		"-pix_fmt", e.inFormat().String(),
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-framerate", fmt.Sprintf("%d", e.fps),
		"-i", "pipe:0",
		"-an",
		"-c:v", e.codecName,
	)

	if hw {
		args = append(args, "-vf", fmt.Sprintf("hwupload=extra_hw_frames=%d", hwPoolSize))
	}

	switch {
	case e.codecName == "libx264":
		args = append(args,
			"-preset", "ultrafast",
			"-tune", "zerolatency",
			"-x264-params", "repeat-headers=1:nal-hrd=cbr:force-cfr=1",
		)
	case strings.Contains(e.codecName, "nvenc"):
		args = append(args,
			"-preset", "p1",
			"-tune", "ull",
			"-rc", "cbr",
			"-zerolatency", "1",
			"-delay", "0",
			"-forced-idr", "1",
			"-repeat_headers", "1",
		)
	}

	args = append(args,
		"-b:v", fmt.Sprintf("%d", encoderBitrate),
		"-maxrate", fmt.Sprintf("%d", encoderBitrate),
		"-bufsize", fmt.Sprintf("%d", encoderVBV),
		"-g", fmt.Sprintf("%d", encoderGOP),
		"-bf", "0",
		"-bsf:v", "h264_metadata=aud=insert",
		"-f", "h264",
		"pipe:1",
	)
	return args
}

// Process encodes one frame. Format mismatches run through a reusable
// conversion pass; a geometry change rebuilds the encode process.
func (e *Encoder) Process(u *media.Unit) {
	if !e.running.Load() {
		return
	}
	f := u.Frame()
	if f == nil {
		return
	}
	if f.HW {
		e.Log.Error("hardware-resident frame reached the encoder without download")
		return
	}

	if f.Width != e.width || f.Height != e.height {
		e.Log.Warn("resolution changed, rebuilding encoder",
			"from", fmt.Sprintf("%dx%d", e.width, e.height),
			"to", fmt.Sprintf("%dx%d", f.Width, f.Height))
		if err := e.rebuild(f.Width, f.Height); err != nil {
			e.Log.Error("encoder rebuild failed", "error", err)
			e.running.Store(false)
			return
		}
	}

	data := f.Data
	if f.Format != e.inFormat() {
		conv, err := e.converterFor(f)
		if err != nil {
			e.transientErr.Add(1)
			e.Log.Error("unsupported frame format", "format", f.Format, "error", err)
			return
		}
		if data, err = conv.Convert(f.Data, f.Stride); err != nil {
			e.transientErr.Add(1)
			e.Log.Error("frame conversion failed", "error", err)
			return
		}
	}

	if _, err := e.proc.Stdin().Write(data); err != nil {
		e.transientErr.Add(1)
		e.Log.Error("frame send failed", "error", err)
	}
}

func (e *Encoder) converterFor(f *media.Frame) (*pixconv.Converter, error) {
	if e.conv.Matches(f.Width, f.Height, f.Format) {
		return e.conv, nil
	}
	conv, err := pixconv.New(f.Width, f.Height, f.Format, e.inFormat())
	if err != nil {
		return nil, err
	}
	e.conv = conv
	e.Log.Info("conversion pass initialized",
		"width", f.Width, "height", f.Height, "from", f.Format, "to", e.inFormat())
	return conv, nil
}

// rebuild drains the current process to EOF and starts a fresh one at
// the new geometry, keeping fps and the PTS counter.
func (e *Encoder) rebuild(width, height int) error {
	e.proc.Stdin().Close()
	if !e.waitDrain(flushTimeout) {
		e.proc.Stop()
		e.wg.Wait()
	}
	e.width, e.height = width, height
	e.conv = nil
	return e.launch(width, height)
}

func (e *Encoder) drain(proc ffrun.Proc) {
	defer e.wg.Done()

	sc := NewAUScanner(proc.Stdout())
	tb := e.TimeBase()
	for {
		au, err := sc.Next()
		if err != nil {
			return
		}
		pts := e.pts
		e.pts++

		pkt := &media.Packet{
			Data:     au,
			PTS:      pts,
			DTS:      pts,
			TimeBase: tb,
			Keyframe: HasIDR(au),
		}
		u := media.NewPacketUnit(pkt, nil)
		e.Forward(u)
		u.Release()
		e.packetsOut.Add(1)
	}
}

// waitDrain waits for the drain goroutine with a deadline, reporting
// whether it finished in time.
func (e *Encoder) waitDrain(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// Stop flushes the encoder: closing stdin signals end-of-stream, the
// process emits its remaining access units, and the drain goroutine
// forwards them before exiting on EOF. A process that does not flush
// within the timeout is killed. Idempotent.
func (e *Encoder) Stop() {
	if !e.running.Swap(false) {
		e.SetState(stage.StateStopped)
		return
	}
	if e.proc != nil {
		e.proc.Stdin().Close()
		if !e.waitDrain(flushTimeout) {
			e.proc.Stop()
			e.wg.Wait()
		} else {
			e.proc.Stop()
		}
	}
	e.SetState(stage.StateStopped)
}
