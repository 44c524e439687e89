// Package preview converts decoded frames to a display-native RGBA
// layout and publishes them to an externally supplied surface.
package preview

import (
	"image"
	"log/slog"
	"sync/atomic"

	"github.com/vidflow/vidflow/media"
	"github.com/vidflow/vidflow/pixconv"
	"github.com/vidflow/vidflow/stage"
)

// Surface is the display target. Present is called from a producer
// goroutine and must copy the pixels it wants to keep: the backing
// buffer is reused for the next frame.
type Surface interface {
	Present(img *image.RGBA)
}

type surfaceBox struct {
	s Surface
}

// Sink renders decoded frames onto a weakly held surface. The surface
// pointer is written on the UI side and read from the producer; when
// the surface is destroyed the owner nulls the pointer and subsequent
// frames are silently dropped.
type Sink struct {
	stage.Base

	surface atomic.Pointer[surfaceBox]
	conv    *pixconv.Converter

	framesShown   atomic.Int64
	framesDropped atomic.Int64
}

// NewSink creates a preview sink with no surface attached. If log is
// nil, slog.Default() is used.
func NewSink(log *slog.Logger) *Sink {
	return &Sink{Base: stage.NewBase("preview", log)}
}

// SetSurface attaches a surface, or detaches with nil when the surface
// is being destroyed.
func (s *Sink) SetSurface(surface Surface) {
	if surface == nil {
		s.surface.Store(nil)
		s.Log.Info("surface detached")
		return
	}
	s.surface.Store(&surfaceBox{s: surface})
}

// FramesShown reports presented frames. Telemetry.
func (s *Sink) FramesShown() int64 { return s.framesShown.Load() }

// FramesDropped reports frames dropped for lack of a surface. Telemetry.
func (s *Sink) FramesDropped() int64 { return s.framesDropped.Load() }

// Initialize is immediate: the sink holds no external resources.
func (s *Sink) Initialize() error {
	if s.State() == stage.StateCreated {
		s.SetState(stage.StateInitialized)
	}
	return nil
}

// Process converts one frame to RGBA and hands it to the surface.
// Packets and hardware-resident frames are rejected: the sink reads
// planes, so surfaces must be downloaded upstream.
func (s *Sink) Process(u *media.Unit) {
	f := u.Frame()
	if f == nil {
		return
	}
	if f.HW {
		s.Log.Error("hardware-resident frame reached the preview sink")
		return
	}

	box := s.surface.Load()
	if box == nil {
		s.framesDropped.Add(1)
		return
	}

	if !s.conv.Matches(f.Width, f.Height, f.Format) {
		conv, err := pixconv.New(f.Width, f.Height, f.Format, media.PixelFormatRGBA)
		if err != nil {
			s.Log.Error("unsupported preview format", "format", f.Format, "error", err)
			return
		}
		s.conv = conv
		s.Log.Info("preview converter rebuilt",
			"width", f.Width, "height", f.Height, "from", f.Format)
	}

	pix, err := s.conv.Convert(f.Data, f.Stride)
	if err != nil {
		s.Log.Error("preview conversion failed", "error", err)
		return
	}

	box.s.Present(&image.RGBA{
		Pix:    pix,
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	})
	s.framesShown.Add(1)
}

// Stop marks the sink stopped; the surface stays attached so a later
// chain can reuse it.
func (s *Sink) Stop() {
	s.SetState(stage.StateStopped)
}
