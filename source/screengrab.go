package source

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vidflow/vidflow/media"
	"github.com/vidflow/vidflow/pixconv"
	"github.com/vidflow/vidflow/stage"
)

// RawFrame is one captured picture as delivered by the capture
// subsystem: a standalone byte buffer plus geometry, holding no
// reference to the capturer's internal frame so it can recycle freely.
type RawFrame struct {
	Data   []byte
	Width  int
	Height int
	Stride int
	Format media.PixelFormat
}

// CaptureProvider is the external subsystem that grabs the desktop and
// delivers raw frames via a callback on an unspecified goroutine.
type CaptureProvider interface {
	// Open prepares capture of the given display and returns its pixel
	// geometry.
	Open(display string) (width, height int, err error)
	// Start begins delivery; deliver may be invoked from any goroutine.
	Start(deliver func(RawFrame)) error
	// Stop ends delivery. No deliver calls are in flight after it returns.
	Stop()
}

// ScreenGrab captures the desktop and produces NV12 Frame units with
// frame-index timestamps. Delivery from the capture subsystem is
// decoupled from downstream processing by a small bounded queue (depth 1
// at low latency, 3 at standard; oldest evicted on overflow) and a
// frame-rate gate that drops callbacks arriving faster than the target
// interval. The RGB→YUV conversion happens here so downstream hardware
// uploads see a single canonical layout.
type ScreenGrab struct {
	stage.Base

	display  string
	fps      int
	provider CaptureProvider

	width  int
	height int

	mu          sync.Mutex
	cond        *sync.Cond
	queue       []RawFrame
	depth       int
	lastArrival time.Time

	running atomic.Bool
	wg      sync.WaitGroup

	conv     *pixconv.Converter
	frameIdx int64

	framesOut atomic.Int64
	dropped   atomic.Int64
	gated     atomic.Int64
}

// NewScreenGrab creates a screen source for display (":0", ":1", ...)
// at the given frame rate. If log is nil, slog.Default() is used.
func NewScreenGrab(display string, fps int, provider CaptureProvider, log *slog.Logger) *ScreenGrab {
	if fps <= 0 {
		fps = 30
	}
	g := &ScreenGrab{
		Base:     stage.NewBase("screengrab", log),
		display:  display,
		fps:      fps,
		provider: provider,
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Width returns the captured display width. Valid after Initialize.
func (g *ScreenGrab) Width() int { return g.width }

// Height returns the captured display height. Valid after Initialize.
func (g *ScreenGrab) Height() int { return g.height }

// FPS returns the configured capture rate.
func (g *ScreenGrab) FPS() int { return g.fps }

// FramesProduced reports forwarded frames. Telemetry.
func (g *ScreenGrab) FramesProduced() int64 { return g.framesOut.Load() }

// FramesDropped reports queue evictions plus gate drops. Telemetry.
func (g *ScreenGrab) FramesDropped() int64 { return g.dropped.Load() + g.gated.Load() }

// Initialize opens the capture provider and sizes the hand-off queue by
// latency class.
func (g *ScreenGrab) Initialize() error {
	if g.State() != stage.StateCreated {
		return nil
	}

	w, h, err := g.provider.Open(g.display)
	if err != nil {
		return err
	}
	g.width, g.height = w, h

	g.depth = 1
	if g.Latency() == stage.LatencyStandard {
		g.depth = 3
	}

	g.Log.Info("screen capture opened",
		"display", g.display, "width", w, "height", h, "fps", g.fps, "queue", g.depth)
	g.SetState(stage.StateInitialized)
	return nil
}

// Process is a no-op: the screen grabber is a source.
func (g *ScreenGrab) Process(u *media.Unit) {}

// Start spawns the conversion worker and begins capture delivery.
func (g *ScreenGrab) Start() {
	if !g.CompareState(stage.StateInitialized, stage.StateRunning) {
		return
	}
	g.running.Store(true)
	g.wg.Add(1)
	go g.worker()

	if err := g.provider.Start(g.deliver); err != nil {
		g.Log.Error("capture start failed", "error", err)
		g.Stop()
	}
}

// Stop halts delivery, wakes the worker, and joins it. Idempotent.
func (g *ScreenGrab) Stop() {
	if !g.running.Swap(false) {
		g.SetState(stage.StateStopped)
		return
	}
	g.provider.Stop()
	g.mu.Lock()
	g.cond.Broadcast()
	g.mu.Unlock()
	g.wg.Wait()
	g.SetState(stage.StateStopped)
}

// deliver is the capture callback. It gates over-rate callbacks and
// enqueues the frame, evicting the oldest entry when the queue is full.
func (g *ScreenGrab) deliver(f RawFrame) {
	if !g.running.Load() {
		return
	}

	minGap := time.Duration(1000/g.fps-2) * time.Millisecond

	g.mu.Lock()
	now := time.Now()
	if !g.lastArrival.IsZero() && now.Sub(g.lastArrival) < minGap {
		g.mu.Unlock()
		g.gated.Add(1)
		return
	}
	g.lastArrival = now

	if len(g.queue) >= g.depth {
		g.queue = g.queue[1:]
		g.dropped.Add(1)
	}
	g.queue = append(g.queue, f)
	g.cond.Signal()
	g.mu.Unlock()
}

func (g *ScreenGrab) worker() {
	defer g.wg.Done()

	for {
		g.mu.Lock()
		for len(g.queue) == 0 && g.running.Load() {
			g.cond.Wait()
		}
		if !g.running.Load() {
			g.mu.Unlock()
			return
		}
		raw := g.queue[0]
		g.queue = g.queue[1:]
		g.mu.Unlock()

		u, err := g.convert(raw)
		if err != nil {
			g.Log.Error("frame conversion failed", "error", err)
			continue
		}
		g.Forward(u)
		u.Release()
		g.framesOut.Add(1)
	}
}

// convert turns a raw capture into an NV12 frame with a monotonically
// increasing frame-index PTS. The converter is rebuilt when geometry or
// source format changes.
func (g *ScreenGrab) convert(raw RawFrame) (*media.Unit, error) {
	src := canonicalFormat(raw.Format)
	if !g.conv.Matches(raw.Width, raw.Height, src) {
		conv, err := pixconv.New(raw.Width, raw.Height, src, media.PixelFormatNV12)
		if err != nil {
			return nil, err
		}
		g.conv = conv
		g.Log.Info("converter rebuilt",
			"width", raw.Width, "height", raw.Height, "from", src, "to", media.PixelFormatNV12)
	}

	nv12, err := g.conv.Convert(raw.Data, raw.Stride)
	if err != nil {
		return nil, err
	}

	data := make([]byte, len(nv12))
	copy(data, nv12)

	pts := g.frameIdx
	g.frameIdx++
	return media.NewFrameUnit(&media.Frame{
		Data:     data,
		Width:    raw.Width,
		Height:   raw.Height,
		Format:   media.PixelFormatNV12,
		PTS:      pts,
		DTS:      pts,
		TimeBase: media.TimeBase{Num: 1, Den: g.fps},
	}, nil), nil
}

// canonicalFormat maps capture layouts onto the two packed orders the
// converter understands: alpha-leading red orders become RGBA, blue
// orders become BGRA.
func canonicalFormat(f media.PixelFormat) media.PixelFormat {
	if f == media.PixelFormatBGRA {
		return media.PixelFormatBGRA
	}
	return media.PixelFormatRGBA
}
