package cmd

import (
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vidflow/vidflow/pipeline"
)

var playCmd = &cobra.Command{
	Use:   "play <url>",
	Short: "Decode a source and render it to the preview surface",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctrl := pipeline.NewController(slog.Default())
		ctrl.SetSurface(newConsoleSurface())

		done := ctrl.Play(pipeline.PlayRequest{
			URL:     args[0],
			HWType:  viper.GetString("hw"),
			Latency: latencyClass(),
		})
		return runChain(ctrl, done)
	},
}

func init() {
	rootCmd.AddCommand(playCmd)
}

// consoleSurface is the headless preview target: it counts presented
// frames and reports the rate once a second. A GUI embedder supplies a
// real surface instead.
type consoleSurface struct {
	frames atomic.Int64
	last   atomic.Int64
}

func newConsoleSurface() *consoleSurface {
	s := &consoleSurface{}
	go func() {
		for range time.Tick(time.Second) {
			n := s.frames.Load()
			fmt.Printf("preview: %d fps\n", n-s.last.Load())
			s.last.Store(n)
		}
	}()
	return s
}

func (s *consoleSurface) Present(img *image.RGBA) {
	s.frames.Add(1)
}
