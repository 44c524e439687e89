package codec

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vidflow/vidflow/ffrun"
	"github.com/vidflow/vidflow/media"
	"github.com/vidflow/vidflow/stage"
)

// Decoder turns compressed packets into system-memory frames. It feeds
// an ffmpeg process over stdin and drains I420 rawvideo from stdout; a
// bound hardware device decodes on the accelerator with the surface
// downloaded to system memory on the way out, which plane-reading sinks
// require. A nil device selects software decoding; the controller
// passes nil, after logging a warning, when the requested hardware type
// is unavailable.
//
// The drain goroutine is the producer for everything downstream of the
// decoder, preserving the one-producer-per-stage rule.
type Decoder struct {
	stage.Base

	info     ffrun.StreamInfo
	device   *ffrun.Device
	launcher ffrun.Launcher

	ffmpegPath  string
	passthrough bool

	proc    ffrun.Proc
	running atomic.Bool
	wg      sync.WaitGroup

	// Input timestamps paired FIFO with output frames. Low-latency
	// streams carry no B-frames, so decode order is presentation order.
	tsMu    sync.Mutex
	tsQueue []tsPair

	pool media.BufferPool

	framesOut    atomic.Int64
	transientErr atomic.Int64
}

type tsPair struct {
	pts, dts int64
	tb       media.TimeBase
}

// NewDecoder creates a decoder for the probed stream parameters. device
// may be nil for software decoding. If log is nil, slog.Default() is used.
func NewDecoder(info ffrun.StreamInfo, device *ffrun.Device, log *slog.Logger) *Decoder {
	return &Decoder{
		Base:     stage.NewBase("decoder", log),
		info:     info,
		device:   device,
		launcher: &ffrun.ExecLauncher{Log: log},
	}
}

// SetLauncher overrides the process launcher. Test hook.
func (d *Decoder) SetLauncher(l ffrun.Launcher) { d.launcher = l }

// SetBinary overrides ffmpeg discovery with an explicit path.
func (d *Decoder) SetBinary(ffmpeg string) { d.ffmpegPath = ffmpeg }

// FramesProduced reports decoded frames forwarded downstream. Telemetry.
func (d *Decoder) FramesProduced() int64 { return d.framesOut.Load() }

// Initialize locates the decoder for the stream's codec and launches the
// decode process. Raw (already decoded) sources turn the stage into a
// passthrough.
func (d *Decoder) Initialize() error {
	if d.State() != stage.StateCreated {
		return nil
	}

	if d.info.Codec == "rawvideo" {
		d.passthrough = true
		d.running.Store(true)
		d.SetState(stage.StateInitialized)
		return nil
	}

	inFormat, err := elementaryFormat(d.info.Codec)
	if err != nil {
		return err
	}
	if d.info.Width <= 0 || d.info.Height <= 0 {
		return fmt.Errorf("decoder: unknown stream geometry for %s", d.info.Codec)
	}

	if d.ffmpegPath == "" {
		if d.ffmpegPath, err = ffrun.FindBinary("ffmpeg", "VIDFLOW_FFMPEG"); err != nil {
			return err
		}
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if d.device != nil {
		args = append(args, "-hwaccel", d.device.Type)
		d.Log.Info("hardware decoding bound", "type", d.device.Type)
	} else {
		d.Log.Info("software decoding", "codec", d.info.Codec)
	}
	args = append(args,
		"-f", inFormat,
		"-i", "pipe:0",
		"-pix_fmt", media.PixelFormatI420.String(),
		"-f", "rawvideo",
		"pipe:1",
	)

	proc, err := d.launcher.Launch(d.ffmpegPath, args)
	if err != nil {
		return fmt.Errorf("decoder: %w", err)
	}
	d.proc = proc
	d.running.Store(true)
	d.wg.Add(1)
	go d.drain()

	d.SetState(stage.StateInitialized)
	return nil
}

// elementaryFormat maps a probed codec name onto the raw elementary
// stream format the decode process reads.
func elementaryFormat(codec string) (string, error) {
	switch codec {
	case "h264":
		return "h264", nil
	case "hevc", "h265":
		return "hevc", nil
	default:
		return "", fmt.Errorf("decoder: codec %q not supported", codec)
	}
}

// Process pushes one packet into the decoder. Frames pass through
// untouched (raw sources). Errors on a single unit are logged and the
// unit dropped.
func (d *Decoder) Process(u *media.Unit) {
	if !d.running.Load() {
		return
	}
	if f := u.Frame(); f != nil {
		d.Forward(u)
		return
	}
	pkt := u.Packet()
	if pkt == nil || d.passthrough {
		return
	}

	d.tsMu.Lock()
	d.tsQueue = append(d.tsQueue, tsPair{pts: pkt.PTS, dts: pkt.DTS, tb: pkt.TimeBase})
	d.tsMu.Unlock()

	if _, err := d.proc.Stdin().Write(pkt.Data); err != nil {
		d.transientErr.Add(1)
		d.Log.Error("packet send failed", "error", err)
	}
}

func (d *Decoder) drain() {
	defer d.wg.Done()

	frameSize, err := media.PixelFormatI420.FrameSize(d.info.Width, d.info.Height)
	if err != nil {
		d.Log.Error("bad decode geometry", "error", err)
		return
	}

	for d.running.Load() {
		buf := d.pool.Get(frameSize)
		if _, err := io.ReadFull(d.proc.Stdout(), buf); err != nil {
			if d.running.Load() && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				d.Log.Error("frame receive failed", "error", err)
			}
			d.pool.Put(buf)
			return
		}

		frame := &media.Frame{
			Data:     buf,
			Width:    d.info.Width,
			Height:   d.info.Height,
			Format:   media.PixelFormatI420,
			PTS:      media.NoPTS,
			DTS:      media.NoPTS,
			TimeBase: media.TB90k,
		}
		d.tsMu.Lock()
		if len(d.tsQueue) > 0 {
			pair := d.tsQueue[0]
			d.tsQueue = d.tsQueue[1:]
			frame.PTS, frame.DTS, frame.TimeBase = pair.pts, pair.dts, pair.tb
		}
		d.tsMu.Unlock()

		u := media.NewFrameUnit(frame, func() { d.pool.Put(frame.Data) })
		d.Forward(u)
		u.Release()
		d.framesOut.Add(1)
	}
}

// Stop tears the decode process down and joins the drain goroutine.
// Idempotent; late Process calls become no-ops.
func (d *Decoder) Stop() {
	if !d.running.Swap(false) {
		d.SetState(stage.StateStopped)
		return
	}
	if d.proc != nil {
		d.proc.Stop()
	}
	d.wg.Wait()
	d.SetState(stage.StateStopped)
}
