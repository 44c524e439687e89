package cmd

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vidflow/vidflow/pipeline"
)

var serveEcho bool

var serveCmd = &cobra.Command{
	Use:   "serve <input> <port> <name> <encoder>",
	Short: "Host an on-demand RTSP stream of a re-encoded source",
	Long: `Re-encodes the input and serves it at rtsp://<host>:<port>/<name>.
Clients can join at any time; the stream starts from the next IDR.`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := strconv.Atoi(args[1])
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port %q", args[1])
		}

		ctrl := pipeline.NewController(slog.Default())
		if serveEcho {
			ctrl.SetSurface(newConsoleSurface())
		}

		done := ctrl.Serve(pipeline.ServeRequest{
			Input:   args[0],
			Port:    port,
			Name:    args[2],
			Encoder: args[3],
			HWType:  viper.GetString("hw"),
			FPS:     viper.GetInt("fps"),
			Latency: latencyClass(),
			Echo:    serveEcho,
		})
		return runChain(ctrl, done)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveEcho, "echo", false, "tee decoded frames to the preview while serving")
	rootCmd.AddCommand(serveCmd)
}
