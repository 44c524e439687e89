package source

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/vidflow/vidflow/ffrun"
	"github.com/vidflow/vidflow/media"
)

// FFmpegCapture grabs the desktop through an ffmpeg device input
// (x11grab on Linux, avfoundation on macOS, gdigrab on Windows),
// reading BGRA rawvideo from the process and delivering each frame
// through the callback the way a native capture subsystem would.
type FFmpegCapture struct {
	log      *slog.Logger
	fps      int
	launcher ffrun.Launcher

	ffmpegPath  string
	ffprobePath string

	display string
	width   int
	height  int

	proc ffrun.Proc
	wg   sync.WaitGroup
}

// NewFFmpegCapture creates a capture provider at the given frame rate.
func NewFFmpegCapture(fps int, log *slog.Logger) *FFmpegCapture {
	if log == nil {
		log = slog.Default()
	}
	return &FFmpegCapture{
		log:      log.With("component", "capture"),
		fps:      fps,
		launcher: &ffrun.ExecLauncher{Log: log},
	}
}

// SetLauncher overrides the process launcher. Test hook.
func (c *FFmpegCapture) SetLauncher(l ffrun.Launcher) { c.launcher = l }

func grabFormat() string {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation"
	case "windows":
		return "gdigrab"
	default:
		return "x11grab"
	}
}

// Open probes the display geometry with ffprobe.
func (c *FFmpegCapture) Open(display string) (int, int, error) {
	var err error
	if c.ffmpegPath == "" {
		if c.ffmpegPath, err = ffrun.FindBinary("ffmpeg", "VIDFLOW_FFMPEG"); err != nil {
			return 0, 0, err
		}
	}
	if c.ffprobePath == "" {
		if c.ffprobePath, err = ffrun.FindBinary("ffprobe", "VIDFLOW_FFPROBE"); err != nil {
			return 0, 0, err
		}
	}
	if display == "" {
		display = ":0"
	}
	c.display = display

	out, err := exec.Command(c.ffprobePath,
		"-v", "error",
		"-f", grabFormat(),
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "json",
		"-i", c.grabInput(),
	).Output()
	if err != nil {
		return 0, 0, fmt.Errorf("capture: probe display %s: %w", display, err)
	}

	var parsed struct {
		Streams []struct {
			Width  int `json:"width"`
			Height int `json:"height"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil || len(parsed.Streams) == 0 {
		return 0, 0, fmt.Errorf("capture: no geometry for display %s", display)
	}

	// Rawvideo parsing and NV12 conversion need even dimensions.
	c.width = parsed.Streams[0].Width &^ 1
	c.height = parsed.Streams[0].Height &^ 1
	return c.width, c.height, nil
}

func (c *FFmpegCapture) grabInput() string {
	if grabFormat() == "x11grab" && !strings.Contains(c.display, ".") {
		return c.display + ".0"
	}
	return c.display
}

// Start launches the grab process and the delivery goroutine.
func (c *FFmpegCapture) Start(deliver func(RawFrame)) error {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", grabFormat(),
		"-framerate", fmt.Sprintf("%d", c.fps),
		"-video_size", fmt.Sprintf("%dx%d", c.width, c.height),
		"-i", c.grabInput(),
		"-pix_fmt", "bgra",
		"-f", "rawvideo",
		"pipe:1",
	}
	proc, err := c.launcher.Launch(c.ffmpegPath, args)
	if err != nil {
		return fmt.Errorf("capture: start grab: %w", err)
	}
	c.proc = proc

	frameSize := c.width * c.height * 4
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			buf := make([]byte, frameSize)
			if _, err := io.ReadFull(proc.Stdout(), buf); err != nil {
				if err != io.EOF {
					c.log.Debug("grab read ended", "error", err)
				}
				return
			}
			deliver(RawFrame{
				Data:   buf,
				Width:  c.width,
				Height: c.height,
				Stride: c.width * 4,
				Format: media.PixelFormatBGRA,
			})
		}
	}()
	return nil
}

// Stop kills the grab process and waits for delivery to cease.
func (c *FFmpegCapture) Stop() {
	if c.proc != nil {
		c.proc.Stop()
	}
	c.wg.Wait()
}
