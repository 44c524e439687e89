package mux

import (
	"log/slog"

	"github.com/vidflow/vidflow/ffrun"
)

// flvPassthrough remuxes the elementary stream into FLV for RTMP
// targets through an ffmpeg copy process; FLV tagging and the RTMP
// handshake stay inside ffmpeg.
type flvPassthrough struct {
	log      *slog.Logger
	url      string
	launcher ffrun.Launcher
	ffmpeg   string
	proc     ffrun.Proc
}

func newFLVPassthrough(url string, log *slog.Logger) *flvPassthrough {
	if log == nil {
		log = slog.Default()
	}
	return &flvPassthrough{
		log:      log,
		url:      url,
		launcher: &ffrun.ExecLauncher{Log: log},
	}
}

func (f *flvPassthrough) open() error {
	var err error
	if f.ffmpeg == "" {
		if f.ffmpeg, err = ffrun.FindBinary("ffmpeg", "VIDFLOW_FFMPEG"); err != nil {
			return err
		}
	}
	f.proc, err = f.launcher.Launch(f.ffmpeg, []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", "h264",
		"-i", "pipe:0",
		"-c:v", "copy",
		"-f", "flv",
		"-flvflags", "no_duration_filesize",
		f.url,
	})
	return err
}

func (f *flvPassthrough) write(au []byte, pts90, dts90 int64, keyframe bool) error {
	if f.proc == nil {
		return errNotOpened
	}
	_, err := f.proc.Stdin().Write(au)
	return err
}

func (f *flvPassthrough) close() error {
	if f.proc != nil {
		f.proc.Stdin().Close()
		f.proc.Stop()
	}
	return nil
}
