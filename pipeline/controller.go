// Package pipeline assembles stage chains for each operating mode and
// owns their lifecycle: build on a detached builder goroutine, publish
// into the mutex-guarded live set, tear down in order on stop.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vidflow/vidflow/codec"
	"github.com/vidflow/vidflow/ffrun"
	"github.com/vidflow/vidflow/mux"
	"github.com/vidflow/vidflow/preview"
	"github.com/vidflow/vidflow/serve"
	"github.com/vidflow/vidflow/source"
	"github.com/vidflow/vidflow/stage"
)

// PlayRequest configures the play mode: source → decoder → preview.
type PlayRequest struct {
	URL     string
	HWType  string
	Latency stage.LatencyClass
}

// PublishRequest configures the publish mode: source → decoder →
// encoder → muxer, optionally teeing decoded frames to the preview.
type PublishRequest struct {
	Input   string
	Output  string
	Encoder string
	HWType  string
	FPS     int
	Latency stage.LatencyClass
	Echo    bool
}

// ServeRequest configures the serve mode, terminating in the RTSP
// streaming server instead of a muxer.
type ServeRequest struct {
	Input   string
	Port    int
	Name    string
	Encoder string
	HWType  string
	FPS     int
	Latency stage.LatencyClass
	Echo    bool
}

// chain is one live pipeline: its stages in teardown order, plus the
// source whose producer must stop first.
type chain struct {
	id     string
	source stage.Stage
	stages []stage.Stage
}

// Controller owns every live chain. Each public operation replaces the
// active set: there is a single active configuration, never a
// composition. Construction happens on a detached builder goroutine so
// callers never block on network probes; the builder initializes
// stages in order, aborts the whole chain on the first failure, wires
// successor pointers, publishes the chain, and starts the source.
type Controller struct {
	log     *slog.Logger
	preview *preview.Sink

	mu     sync.Mutex
	chains []*chain

	// gen invalidates in-flight builders: StopAll bumps it, and a
	// builder publishes only if its generation is still current, so at
	// most one chain is live at any instant.
	gen atomic.Int64
}

// NewController creates a controller with a shared preview sink that
// survives across chains, the way a UI-owned surface does.
func NewController(log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		log:     log.With("component", "controller"),
		preview: preview.NewSink(log),
	}
}

// PreviewSink returns the shared preview sink so the embedder can
// attach or detach its surface.
func (c *Controller) PreviewSink() *preview.Sink { return c.preview }

// SetSurface attaches the display surface, or detaches it with nil.
func (c *Controller) SetSurface(s preview.Surface) { c.preview.SetSurface(s) }

// HWTypes lists the accelerator names the local ffmpeg build reports,
// prefixed with "None".
func (c *Controller) HWTypes(ctx context.Context) []string {
	types := []string{"None"}
	ffmpeg, err := ffrun.FindBinary("ffmpeg", "VIDFLOW_FFMPEG")
	if err != nil {
		return types
	}
	accels, err := ffrun.ListAccels(ctx, ffmpeg)
	if err != nil {
		return types
	}
	return append(types, accels...)
}

// Play starts playback: source → decoder → preview. The returned
// channel delivers the builder's result: nil once the chain is live (or
// once it has been torn down because a later operation superseded it
// before start), or the initialization failure.
func (c *Controller) Play(req PlayRequest) <-chan error {
	c.StopAll()
	gen := c.gen.Load()
	done := make(chan error, 1)
	go func() {
		done <- c.buildPlay(gen, req)
	}()
	return done
}

func (c *Controller) buildPlay(gen int64, req PlayRequest) error {
	demux := source.NewDemuxer(req.URL, c.log)
	demux.SetLatency(req.Latency)
	if err := demux.Initialize(); err != nil {
		c.log.Error("chain build failed", "mode", "play", "error", err)
		return err
	}

	dec := codec.NewDecoder(demux.Info(), c.resolveDevice(req.HWType), c.log)
	dec.SetLatency(req.Latency)
	if err := dec.Initialize(); err != nil {
		demux.Stop()
		c.log.Error("chain build failed", "mode", "play", "error", err)
		return err
	}

	demux.SetNext(dec)
	dec.SetNext(c.preview)

	ch := &chain{
		id:     uuid.NewString(),
		source: demux,
		stages: []stage.Stage{demux, dec},
	}
	if !c.publish(gen, ch) {
		return nil
	}
	c.log.Info("playback started", "url", req.URL, "chain", ch.id)
	demux.Start()
	return nil
}

// Publish starts publishing to a mux target.
func (c *Controller) Publish(req PublishRequest) <-chan error {
	c.StopAll()
	gen := c.gen.Load()
	done := make(chan error, 1)
	go func() {
		sink := mux.NewMuxer(req.Output, c.log)
		done <- c.buildTranscode(gen, "publish", transcodeRequest{
			input:   req.Input,
			encoder: req.Encoder,
			hwType:  req.HWType,
			fps:     req.FPS,
			latency: req.Latency,
			echo:    req.Echo,
		}, sink)
	}()
	return done
}

// Serve starts the on-demand streaming server.
func (c *Controller) Serve(req ServeRequest) <-chan error {
	c.StopAll()
	gen := c.gen.Load()
	done := make(chan error, 1)
	go func() {
		sink := serve.NewStreamServer(req.Port, req.Name, c.log)
		done <- c.buildTranscode(gen, "serve", transcodeRequest{
			input:   req.Input,
			encoder: req.Encoder,
			hwType:  req.HWType,
			fps:     req.FPS,
			latency: req.Latency,
			echo:    req.Echo,
		}, sink)
	}()
	return done
}

type transcodeRequest struct {
	input   string
	encoder string
	hwType  string
	fps     int
	latency stage.LatencyClass
	echo    bool
}

// buildTranscode assembles source → decoder → [tee →] encoder → sink,
// shared by publish and serve. sink terminates the encoded branch.
func (c *Controller) buildTranscode(gen int64, mode string, req transcodeRequest, sink stage.Stage) error {
	fail := func(err error, built ...stage.Stage) error {
		for i := len(built) - 1; i >= 0; i-- {
			built[i].Stop()
		}
		c.log.Error("chain build failed", "mode", mode, "error", err)
		return err
	}

	src, info, err := c.buildSource(req.input, req.fps, req.latency)
	if err != nil {
		return fail(err)
	}

	device := c.resolveDevice(req.hwType)

	dec := codec.NewDecoder(info, device, c.log)
	dec.SetLatency(req.latency)
	if err := dec.Initialize(); err != nil {
		return fail(err, src)
	}

	enc := codec.NewEncoder(req.encoder, device, info.Width, info.Height, req.fps, c.log)
	enc.SetLatency(req.latency)
	if err := enc.Initialize(); err != nil {
		return fail(err, src, dec)
	}

	if m, ok := sink.(*mux.Muxer); ok {
		m.SetSourceTimeBase(enc.TimeBase())
	}
	sink.SetLatency(req.latency)
	if err := sink.Initialize(); err != nil {
		return fail(err, src, dec, enc)
	}

	stages := []stage.Stage{src, dec, enc, sink}
	src.SetNext(dec)
	if req.echo {
		tee := NewTee(c.log)
		tee.AddTarget(enc)
		tee.AddTarget(c.preview)
		if err := tee.Initialize(); err != nil {
			return fail(err, src, dec, enc, sink)
		}
		dec.SetNext(tee)
		stages = append(stages, tee)
	} else {
		dec.SetNext(enc)
	}
	enc.SetNext(sink)

	ch := &chain{id: uuid.NewString(), source: src, stages: stages}
	if !c.publish(gen, ch) {
		return nil
	}
	c.log.Info("chain started", "mode", mode, "input", req.input, "chain", ch.id)
	src.Start()
	return nil
}

// buildSource creates and initializes the source stage: a screen
// grabber for "screen"/"screen:<display>" inputs, a demuxer otherwise.
// It returns the codec parameters downstream stages size themselves by.
func (c *Controller) buildSource(input string, fps int, latency stage.LatencyClass) (stage.Stage, ffrun.StreamInfo, error) {
	if strings.HasPrefix(input, "screen") {
		display := ":0"
		if i := strings.Index(input, ":"); i >= 0 {
			display = input[i:]
		}
		grab := source.NewScreenGrab(display, fps, source.NewFFmpegCapture(fps, c.log), c.log)
		grab.SetLatency(latency)
		if err := grab.Initialize(); err != nil {
			return nil, ffrun.StreamInfo{}, err
		}
		return grab, ffrun.StreamInfo{
			Codec:  "rawvideo",
			Width:  grab.Width(),
			Height: grab.Height(),
		}, nil
	}

	demux := source.NewDemuxer(input, c.log)
	demux.SetLatency(latency)
	if err := demux.Initialize(); err != nil {
		return nil, ffrun.StreamInfo{}, err
	}
	return demux, demux.Info(), nil
}

// resolveDevice binds the requested hardware type, falling back to
// software with a warning when the accelerator is unavailable. Hardware
// encoder names still fail later without a device; that is the
// configured-failure path.
func (c *Controller) resolveDevice(hwType string) *ffrun.Device {
	if hwType == "" || strings.EqualFold(hwType, "none") {
		return nil
	}
	ffmpeg, err := ffrun.FindBinary("ffmpeg", "VIDFLOW_FFMPEG")
	if err != nil {
		c.log.Warn("hardware unavailable, using software", "type", hwType, "error", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dev, err := ffrun.ResolveDevice(ctx, ffmpeg, hwType)
	if err != nil {
		c.log.Warn("hardware unavailable, using software", "type", hwType, "error", err)
		return nil
	}
	return dev
}

// publish inserts the chain into the live set if the builder's
// generation is still current; a superseded chain is torn down instead.
func (c *Controller) publish(gen int64, ch *chain) bool {
	c.mu.Lock()
	if gen != c.gen.Load() {
		c.mu.Unlock()
		c.log.Info("chain superseded before start", "chain", ch.id)
		c.stopChain(ch)
		return false
	}
	c.chains = append(c.chains, ch)
	c.mu.Unlock()
	return true
}

// StopAll terminates every live chain: the source stops first, breaking
// its producer loop, then every stage in order. In-flight builders are
// invalidated.
func (c *Controller) StopAll() {
	c.gen.Add(1)

	c.mu.Lock()
	chains := c.chains
	c.chains = nil
	c.mu.Unlock()

	// Chains are independent; their teardown joins (producer threads,
	// process waits) can proceed concurrently.
	var g errgroup.Group
	for _, ch := range chains {
		g.Go(func() error {
			c.stopChain(ch)
			return nil
		})
	}
	_ = g.Wait() // stopChain never errors
	if len(chains) > 0 {
		c.log.Info("all chains stopped", "count", len(chains))
	}
}

func (c *Controller) stopChain(ch *chain) {
	ch.source.Stop()
	for _, s := range ch.stages {
		s.Stop()
	}
}

// LiveChains reports the number of live chains. Telemetry and tests.
func (c *Controller) LiveChains() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chains)
}

// ChainDescription summarizes the live set for logs.
func (c *Controller) ChainDescription() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.chains) == 0 {
		return "idle"
	}
	names := make([]string, 0, len(c.chains[0].stages))
	for _, s := range c.chains[0].stages {
		names = append(names, s.Name())
	}
	return strings.Join(names, " -> ")
}
