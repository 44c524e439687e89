package mux

import (
	"log/slog"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"

	"github.com/vidflow/vidflow/codec"
)

// rtspRecord publishes the stream to an RTSP server in record mode.
// TCP transport is forced so packet loss cannot corrupt the picture,
// with a 5 s socket timeout. The session starts lazily on the first
// keyframe, which carries the SPS/PPS the session description needs.
type rtspRecord struct {
	log *slog.Logger
	url string

	client *gortsplib.Client
	medi   *description.Media
	enc    *rtph264.Encoder

	started bool
}

func newRTSPRecord(url string, log *slog.Logger) *rtspRecord {
	if log == nil {
		log = slog.Default()
	}
	return &rtspRecord{log: log, url: url}
}

// open is deferred: the session description needs parameter sets that
// only exist once the encoder has produced its first IDR.
func (r *rtspRecord) open() error { return nil }

func (r *rtspRecord) write(au []byte, pts90, dts90 int64, keyframe bool) error {
	if !r.started {
		if !keyframe {
			return nil // wait for parameter sets
		}
		sps, pps := codec.ExtractParameterSets(au)
		if sps == nil || pps == nil {
			return nil
		}
		if err := r.start(sps, pps); err != nil {
			return err
		}
	}

	pkts, err := r.enc.Encode(codec.NALUs(au))
	if err != nil {
		return err
	}
	for _, pkt := range pkts {
		pkt.Timestamp = uint32(pts90)
		if err := r.client.WritePacketRTP(r.medi, pkt); err != nil {
			return err
		}
	}
	return nil
}

func (r *rtspRecord) start(sps, pps []byte) error {
	forma := &format.H264{
		PayloadTyp:        96,
		SPS:               sps,
		PPS:               pps,
		PacketizationMode: 1,
	}
	r.medi = &description.Media{
		Type:    description.MediaTypeVideo,
		Formats: []format.Format{forma},
	}

	transport := gortsplib.TransportTCP
	r.client = &gortsplib.Client{
		Transport:    &transport,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	if err := r.client.StartRecording(r.url, &description.Session{
		Medias: []*description.Media{r.medi},
	}); err != nil {
		return err
	}

	r.enc = &rtph264.Encoder{PayloadType: 96}
	if err := r.enc.Init(); err != nil {
		r.client.Close()
		return err
	}

	r.started = true
	r.log.Info("rtsp record session started", "url", r.url)
	return nil
}

func (r *rtspRecord) close() error {
	if r.client != nil {
		r.client.Close()
	}
	return nil
}
