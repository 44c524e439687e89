package ffrun

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// StreamInfo describes the first video stream of an input, as reported
// by ffprobe.
type StreamInfo struct {
	Codec  string
	Width  int
	Height int
}

type probeOutput struct {
	Streams []struct {
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// ProbeVideo inspects url and returns its first video stream. An input
// without a video stream is an error.
func ProbeVideo(ctx context.Context, ffprobePath, url string) (StreamInfo, error) {
	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_name,width,height",
		"-of", "json",
		url,
	)
	out, err := cmd.Output()
	if err != nil {
		return StreamInfo{}, fmt.Errorf("ffrun: probe %s: %w", url, err)
	}

	var parsed probeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return StreamInfo{}, fmt.Errorf("ffrun: probe output: %w", err)
	}
	if len(parsed.Streams) == 0 {
		return StreamInfo{}, fmt.Errorf("ffrun: no video stream in %s", url)
	}

	s := parsed.Streams[0]
	return StreamInfo{Codec: s.CodecName, Width: s.Width, Height: s.Height}, nil
}

// Device is a hardware-accelerator handle shared between the decoder and
// encoder of a chain. It is immutable after construction.
type Device struct {
	Type string
}

// ListAccels returns the hardware acceleration methods the ffmpeg build
// supports, parsed from `ffmpeg -hwaccels`.
func ListAccels(ctx context.Context, ffmpegPath string) ([]string, error) {
	cmd := exec.CommandContext(ctx, ffmpegPath, "-hwaccels", "-hide_banner")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffrun: list hwaccels: %w", err)
	}
	return parseAccels(string(out)), nil
}

func parseAccels(out string) []string {
	var accels []string
	inList := false
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "Hardware acceleration methods:" {
			inList = true
			continue
		}
		if inList && line != "" {
			accels = append(accels, line)
		}
	}
	return accels
}

// ResolveDevice binds a hardware device of the requested type, matching
// it against the accelerators the ffmpeg build reports. An empty or
// "none" type resolves to no device. The same Device is shared by every
// codec stage of a chain.
func ResolveDevice(ctx context.Context, ffmpegPath, hwType string) (*Device, error) {
	if hwType == "" || strings.EqualFold(hwType, "none") {
		return nil, nil
	}
	accels, err := ListAccels(ctx, ffmpegPath)
	if err != nil {
		return nil, err
	}
	for _, a := range accels {
		if strings.EqualFold(a, hwType) {
			return &Device{Type: a}, nil
		}
	}
	return nil, fmt.Errorf("ffrun: hardware type %q not supported (have %v)", hwType, accels)
}
