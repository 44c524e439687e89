// Package serve hosts the on-demand RTSP streaming endpoint. Encoded
// access units flow into a small bounded queue; a dispatch goroutine
// drains it into a shared server stream that the RTSP library fans out
// to every subscriber.
package serve

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"

	"github.com/vidflow/vidflow/codec"
	"github.com/vidflow/vidflow/media"
	"github.com/vidflow/vidflow/stage"
)

// queueCap is the hard cap on buffered access units, ~300 ms at 30 fps.
// The oldest unit is evicted when a slow consumer lets the queue fill;
// dropping oldest is the low-latency-correct policy, and truncated GOPs
// recover at the next IDR because parameter sets repeat in band.
const queueCap = 10

// writeQueueSize is the per-session outbound packet queue. 1080p IDR
// frames regularly exceed 1 MB; at ~1.4 kB per RTP packet this keeps
// well over 2 MB in flight before the library drops.
const writeQueueSize = 2048

// StreamServer exposes one H.264 subsession at rtsp://host:port/<name>.
// All subscribers share the single bounded queue through one server
// stream; the library duplicates packets per session.
type StreamServer struct {
	stage.Base

	port int
	name string

	srv *gortsplib.Server

	streamMu sync.RWMutex
	stream   *gortsplib.ServerStream
	medi     *description.Media
	enc      *rtph264.Encoder

	mu    sync.Mutex
	cond  *sync.Cond
	queue []*media.Unit

	running atomic.Bool
	wg      sync.WaitGroup
	epoch   time.Time

	packetsIn  atomic.Int64
	evicted    atomic.Int64
	packetsOut atomic.Int64
}

// NewStreamServer creates a server for rtsp://<host>:<port>/<name>.
// If log is nil, slog.Default() is used.
func NewStreamServer(port int, name string, log *slog.Logger) *StreamServer {
	s := &StreamServer{
		Base: stage.NewBase("streamserver", log),
		port: port,
		name: name,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// URL returns the advertised endpoint.
func (s *StreamServer) URL() string {
	return fmt.Sprintf("rtsp://localhost:%d/%s", s.port, s.name)
}

// QueueLen returns the current queue depth. Telemetry.
func (s *StreamServer) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Evicted reports units dropped under back-pressure. Telemetry.
func (s *StreamServer) Evicted() int64 { return s.evicted.Load() }

// Initialize binds the RTSP listener and starts the dispatch goroutine.
func (s *StreamServer) Initialize() error {
	if s.State() != stage.StateCreated {
		return nil
	}

	s.srv = &gortsplib.Server{
		Handler:        s,
		RTSPAddress:    fmt.Sprintf(":%d", s.port),
		WriteQueueSize: writeQueueSize,
	}
	if err := s.srv.Start(); err != nil {
		return fmt.Errorf("rtsp server on port %d: %w", s.port, err)
	}

	s.epoch = time.Now()
	s.running.Store(true)
	s.wg.Add(1)
	go s.dispatch()

	s.Log.Info("rtsp server started", "url", s.URL())
	s.SetState(stage.StateInitialized)
	return nil
}

// Process enqueues one access unit, evicting from the head when full.
// Safe to call after Stop; late units are dropped.
func (s *StreamServer) Process(u *media.Unit) {
	if !s.running.Load() {
		return
	}
	pkt := u.Packet()
	if pkt == nil {
		return
	}

	u.Retain()
	s.mu.Lock()
	for len(s.queue) >= queueCap {
		old := s.queue[0]
		s.queue = s.queue[1:]
		old.Release()
		s.evicted.Add(1)
	}
	s.queue = append(s.queue, u)
	s.cond.Signal()
	s.mu.Unlock()
	s.packetsIn.Add(1)
}

// Stop flips the watch flag, wakes the dispatcher, joins it, and shuts
// the listener down. Idempotent.
func (s *StreamServer) Stop() {
	if !s.running.Swap(false) {
		s.SetState(stage.StateStopped)
		return
	}
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()

	s.streamMu.Lock()
	if s.stream != nil {
		s.stream.Close()
		s.stream = nil
	}
	s.streamMu.Unlock()

	if s.srv != nil {
		s.srv.Close()
	}

	s.mu.Lock()
	for _, u := range s.queue {
		u.Release()
	}
	s.queue = nil
	s.mu.Unlock()

	s.SetState(stage.StateStopped)
}

func (s *StreamServer) dispatch() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && s.running.Load() {
			s.cond.Wait()
		}
		if !s.running.Load() {
			s.mu.Unlock()
			return
		}
		u := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.emit(u.Packet())
		u.Release()
	}
}

// emit writes one access unit to the shared stream, creating it from
// the first IDR seen. Units before the first IDR are discarded: a
// client joining mid-GOP could not decode them anyway.
func (s *StreamServer) emit(pkt *media.Packet) {
	s.streamMu.RLock()
	ready := s.stream != nil
	s.streamMu.RUnlock()

	if !ready {
		if !pkt.Keyframe {
			return
		}
		sps, pps := codec.ExtractParameterSets(pkt.Data)
		if sps == nil || pps == nil {
			return
		}
		if err := s.createStream(sps, pps); err != nil {
			s.Log.Error("stream setup failed", "error", err)
			return
		}
	}

	pkts, err := s.enc.Encode(codec.NALUs(pkt.Data))
	if err != nil {
		s.Log.Error("packetize failed", "error", err)
		return
	}
	// Presentation time is wall-clock at emission.
	ts := uint32(time.Since(s.epoch).Seconds() * 90000)
	for _, p := range pkts {
		p.Timestamp = ts
		if err := s.stream.WritePacketRTP(s.medi, p); err != nil {
			s.Log.Debug("rtp write failed", "error", err)
			return
		}
	}
	s.packetsOut.Add(1)
}

func (s *StreamServer) createStream(sps, pps []byte) error {
	forma := &format.H264{
		PayloadTyp:        96,
		SPS:               sps,
		PPS:               pps,
		PacketizationMode: 1,
	}
	medi := &description.Media{
		Type:    description.MediaTypeVideo,
		Formats: []format.Format{forma},
	}
	stream := gortsplib.NewServerStream(s.srv, &description.Session{Medias: []*description.Media{medi}})

	s.enc = &rtph264.Encoder{PayloadType: 96}
	if err := s.enc.Init(); err != nil {
		stream.Close()
		return err
	}

	s.streamMu.Lock()
	s.medi = medi
	s.stream = stream
	s.streamMu.Unlock()

	s.Log.Info("subsession ready", "name", s.name)
	return nil
}

// OnConnOpen logs client connections.
func (s *StreamServer) OnConnOpen(ctx *gortsplib.ServerHandlerOnConnOpenCtx) {
	s.Log.Info("client connected", "remote", ctx.Conn.NetConn().RemoteAddr())
}

// OnConnClose logs client disconnections.
func (s *StreamServer) OnConnClose(ctx *gortsplib.ServerHandlerOnConnCloseCtx) {
	s.Log.Info("client disconnected", "remote", ctx.Conn.NetConn().RemoteAddr())
}

// OnDescribe hands the shared stream to a subscriber, or 404 when the
// path is wrong or the first IDR has not arrived yet.
func (s *StreamServer) OnDescribe(ctx *gortsplib.ServerHandlerOnDescribeCtx) (*base.Response, *gortsplib.ServerStream, error) {
	s.streamMu.RLock()
	defer s.streamMu.RUnlock()
	if ctx.Path != "/"+s.name || s.stream == nil {
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}
	return &base.Response{StatusCode: base.StatusOK}, s.stream, nil
}

// OnSetup wires a subscriber session onto the shared stream.
func (s *StreamServer) OnSetup(ctx *gortsplib.ServerHandlerOnSetupCtx) (*base.Response, *gortsplib.ServerStream, error) {
	s.streamMu.RLock()
	defer s.streamMu.RUnlock()
	if ctx.Path != "/"+s.name || s.stream == nil {
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}
	return &base.Response{StatusCode: base.StatusOK}, s.stream, nil
}

// OnPlay acknowledges playback start.
func (s *StreamServer) OnPlay(ctx *gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	return &base.Response{StatusCode: base.StatusOK}, nil
}
