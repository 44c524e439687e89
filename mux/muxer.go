// Package mux writes encoded packets to a file or network container.
// The container is selected from the URL scheme: MPEG-TS over UDP,
// MPEG-TS in RTP (so the receiver needs no SDP), RTSP record with TCP
// transport, FLV for RTMP targets, and TS or raw Annex B for local
// files by extension.
package mux

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/vidflow/vidflow/media"
	"github.com/vidflow/vidflow/stage"
)

// backend is one container/transport implementation behind the Muxer.
type backend interface {
	// open writes the container header where the format has one.
	open() error
	// write emits one access unit with timestamps already rescaled to
	// the 90 kHz stream time base.
	write(au []byte, pts90, dts90 int64, keyframe bool) error
	// close writes the trailer and releases the transport.
	close() error
}

// Muxer terminates a chain at a file or network target. It remembers
// the encoder's time base as the source scale and is the only stage
// that rescales timestamps.
type Muxer struct {
	stage.Base

	url     string
	srcTB   media.TimeBase
	backend backend

	headerWritten  bool
	trailerWritten bool
	running        atomic.Bool

	packetsOut atomic.Int64
}

// NewMuxer creates a muxer for the output URL. The source time base
// must be set from the upstream encoder before Initialize. If log is
// nil, slog.Default() is used.
func NewMuxer(url string, log *slog.Logger) *Muxer {
	return &Muxer{
		Base:  stage.NewBase("muxer", log),
		url:   url,
		srcTB: media.TimeBase{Num: 1, Den: 30},
	}
}

// SetSourceTimeBase records the time base incoming packets are
// expressed in, normally the encoder's 1/fps.
func (m *Muxer) SetSourceTimeBase(tb media.TimeBase) { m.srcTB = tb }

// SetBackend overrides backend selection. Test hook.
func (m *Muxer) SetBackend(b backend) { m.backend = b }

// PacketsWritten reports muxed packets. Telemetry.
func (m *Muxer) PacketsWritten() int64 { return m.packetsOut.Load() }

// Initialize selects the backend from the URL scheme and writes the
// container header.
func (m *Muxer) Initialize() error {
	if m.State() != stage.StateCreated {
		return nil
	}

	if m.backend == nil {
		b, err := m.selectBackend()
		if err != nil {
			return err
		}
		m.backend = b
	}
	if err := m.backend.open(); err != nil {
		return fmt.Errorf("open output %s: %w", m.url, err)
	}
	m.headerWritten = true
	m.running.Store(true)

	m.Log.Info("output opened", "url", m.url)
	m.SetState(stage.StateInitialized)
	return nil
}

func (m *Muxer) selectBackend() (backend, error) {
	switch {
	case strings.HasPrefix(m.url, "udp://"):
		return newTSOverUDP(m.url)
	case strings.HasPrefix(m.url, "rtp://"):
		return newTSOverRTP(m.url)
	case strings.HasPrefix(m.url, "rtsp://"):
		return newRTSPRecord(m.url, m.Log), nil
	case strings.HasPrefix(m.url, "rtmp://"):
		return newFLVPassthrough(m.url, m.Log), nil
	case strings.Contains(m.url, "://"):
		return nil, fmt.Errorf("unsupported output scheme in %s", m.url)
	case strings.HasSuffix(m.url, ".h264"), strings.HasSuffix(m.url, ".264"):
		return newRawFile(m.url)
	default:
		return newTSFile(m.url)
	}
}

// Process rescales the packet's timestamps into the stream time base
// and performs the write. Write errors are logged and the packet
// dropped; the producer never sees them.
func (m *Muxer) Process(u *media.Unit) {
	if !m.running.Load() {
		return
	}
	pkt := u.Packet()
	if pkt == nil {
		return
	}

	srcTB := pkt.TimeBase
	if srcTB.Den == 0 {
		srcTB = m.srcTB
	}
	pts90 := srcTB.Rescale(pkt.PTS, media.TB90k)
	dts90 := srcTB.Rescale(pkt.DTS, media.TB90k)
	if pkt.DTS == media.NoPTS {
		dts90 = pts90
	}

	if err := m.backend.write(pkt.Data, pts90, dts90, pkt.Keyframe); err != nil {
		m.Log.Error("write failed", "url", m.url, "error", err)
		return
	}
	m.packetsOut.Add(1)
}

// Stop writes the trailer exactly once and closes the target.
func (m *Muxer) Stop() {
	if !m.running.Swap(false) {
		if m.headerWritten && !m.trailerWritten {
			// Initialized but never started: still release the target.
			m.closeBackend()
		}
		m.SetState(stage.StateStopped)
		return
	}
	m.closeBackend()
	m.SetState(stage.StateStopped)
}

func (m *Muxer) closeBackend() {
	if m.trailerWritten || m.backend == nil {
		return
	}
	m.trailerWritten = true
	if err := m.backend.close(); err != nil {
		m.Log.Error("close failed", "url", m.url, "error", err)
	}
}
