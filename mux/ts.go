package mux

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/asticode/go-astits"
	"github.com/pion/rtp"
)

// videoPID is the single elementary stream PID in produced transport
// streams.
const videoPID = 256

// tsWriter wraps a go-astits muxer around an arbitrary byte sink.
type tsWriter struct {
	mux *astits.Muxer
	w   io.Closer
}

func newTSWriter(w io.WriteCloser) *tsWriter {
	m := astits.NewMuxer(context.Background(), w)
	return &tsWriter{mux: m, w: w}
}

func (t *tsWriter) open() error {
	if err := t.mux.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: videoPID,
		StreamType:    astits.StreamTypeH264Video,
	}); err != nil {
		return err
	}
	t.mux.SetPCRPID(videoPID)
	if _, err := t.mux.WriteTables(); err != nil {
		return err
	}
	return nil
}

func (t *tsWriter) write(au []byte, pts90, dts90 int64, keyframe bool) error {
	af := &astits.PacketAdaptationField{
		RandomAccessIndicator: keyframe,
		HasPCR:                true,
		PCR:                   &astits.ClockReference{Base: dts90},
	}
	_, err := t.mux.WriteData(&astits.MuxerData{
		PID:             videoPID,
		AdaptationField: af,
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				StreamID: 0xe0, // video stream 0
				OptionalHeader: &astits.PESOptionalHeader{
					MarkerBits:      2,
					PTSDTSIndicator: astits.PTSDTSIndicatorBothPresent,
					PTS:             &astits.ClockReference{Base: pts90},
					DTS:             &astits.ClockReference{Base: dts90},
				},
			},
			Data: au,
		},
	})
	return err
}

func (t *tsWriter) close() error {
	return t.w.Close()
}

// newTSFile writes a transport stream to a local file.
func newTSFile(path string) (backend, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return newTSWriter(f), nil
}

// newTSOverUDP streams transport packets to a UDP destination.
func newTSOverUDP(rawURL string) (backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	conn, err := net.Dial("udp", u.Host)
	if err != nil {
		return nil, err
	}
	return newTSWriter(conn), nil
}

// rawFile writes the Annex B elementary stream with no container.
type rawFile struct {
	f *os.File
}

func newRawFile(path string) (backend, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &rawFile{f: f}, nil
}

func (r *rawFile) open() error { return nil }

func (r *rawFile) write(au []byte, pts90, dts90 int64, keyframe bool) error {
	_, err := r.f.Write(au)
	return err
}

func (r *rawFile) close() error { return r.f.Close() }

// tsPacketSize is the MPEG transport packet size; tsPacketsPerRTP is
// the conventional 7-packet RTP payload.
const (
	tsPacketSize    = 188
	tsPacketsPerRTP = 7
)

// rtpTS carries MPEG-TS inside RTP (payload type 33), sparing the
// receiver an SDP exchange. It implements io.WriteCloser so the astits
// muxer can treat it as a plain byte sink; writes are batched into RTP
// payloads of seven transport packets.
type rtpTS struct {
	conn  net.Conn
	buf   []byte
	seq   uint16
	ssrc  uint32
	epoch time.Time
}

func newTSOverRTP(rawURL string) (backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	conn, err := net.Dial("udp", u.Host)
	if err != nil {
		return nil, err
	}
	r := &rtpTS{
		conn:  conn,
		ssrc:  uint32(time.Now().UnixNano()),
		epoch: time.Now(),
	}
	return newTSWriter(r), nil
}

func (r *rtpTS) Write(p []byte) (int, error) {
	r.buf = append(r.buf, p...)
	for len(r.buf) >= tsPacketsPerRTP*tsPacketSize {
		if err := r.send(r.buf[:tsPacketsPerRTP*tsPacketSize]); err != nil {
			return 0, err
		}
		r.buf = r.buf[tsPacketsPerRTP*tsPacketSize:]
	}
	return len(p), nil
}

func (r *rtpTS) send(payload []byte) error {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    33, // MP2T
			SequenceNumber: r.seq,
			Timestamp:      uint32(time.Since(r.epoch).Seconds() * 90000),
			SSRC:           r.ssrc,
		},
		Payload: payload,
	}
	r.seq++
	raw, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = r.conn.Write(raw)
	return err
}

func (r *rtpTS) Close() error {
	if len(r.buf) > 0 {
		if err := r.send(r.buf); err != nil {
			return err
		}
		r.buf = nil
	}
	return r.conn.Close()
}

var _ io.WriteCloser = (*rtpTS)(nil)

// errNotOpened guards write-before-open misuse in backends that defer
// session setup.
var errNotOpened = fmt.Errorf("mux: backend not opened")
