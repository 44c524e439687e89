package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vidflow/vidflow/pipeline"
)

var echo bool

var publishCmd = &cobra.Command{
	Use:   "publish <input> <output> <encoder>",
	Short: "Re-encode a source and push it to a file or network target",
	Long: `Re-encodes the input (a URL, file path, or "screen"/"screen:<display>")
with the given encoder (e.g. libx264, h264_nvenc) and writes it to the
output URL: rtmp://, rtsp://, rtp://, udp://, or a local file.`,
	Args: cobra.ExactArgs(3),
	RunE: func(_ *cobra.Command, args []string) error {
		ctrl := pipeline.NewController(slog.Default())
		if echo {
			ctrl.SetSurface(newConsoleSurface())
		}

		done := ctrl.Publish(pipeline.PublishRequest{
			Input:   args[0],
			Output:  args[1],
			Encoder: args[2],
			HWType:  viper.GetString("hw"),
			FPS:     viper.GetInt("fps"),
			Latency: latencyClass(),
			Echo:    echo,
		})
		return runChain(ctrl, done)
	},
}

func init() {
	publishCmd.Flags().BoolVar(&echo, "echo", false, "tee decoded frames to the preview while publishing")
	rootCmd.AddCommand(publishCmd)
}
