// Package cmd implements the CLI commands for vidflow.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/vidflow/vidflow/pipeline"
	"github.com/vidflow/vidflow/stage"
)

var (
	logLevel string
	hwType   string
	latency  int
	fps      int
)

var rootCmd = &cobra.Command{
	Use:   "vidflow",
	Short: "Low-latency video pipeline",
	Long: `vidflow ingests a video source (network URL, local file, or live
screen capture), optionally re-encodes it, and delivers the result to a
preview, a mux target, or an on-demand RTSP streaming server.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initLogging()
	},
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&hwType, "hw", "None", "hardware acceleration type (None or a name from `vidflow hwaccels`)")
	rootCmd.PersistentFlags().IntVar(&latency, "latency", 1, "latency class: 0=ultralow 1=low 2=standard")
	rootCmd.PersistentFlags().IntVar(&fps, "fps", 30, "target frame rate for encoding modes")

	mustBindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("hw", rootCmd.PersistentFlags().Lookup("hw"))
	mustBindPFlag("latency", rootCmd.PersistentFlags().Lookup("latency"))
	mustBindPFlag("fps", rootCmd.PersistentFlags().Lookup("fps"))
}

func initConfig() {
	viper.SetDefault("log.level", "info")
	viper.SetDefault("hw", "None")
	viper.SetDefault("latency", 1)
	viper.SetDefault("fps", 30)

	viper.SetEnvPrefix("VIDFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func initLogging() error {
	var level slog.Level
	switch strings.ToLower(viper.GetString("log.level")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", viper.GetString("log.level"))
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", key, err))
	}
}

func latencyClass() stage.LatencyClass {
	switch viper.GetInt("latency") {
	case 0:
		return stage.LatencyUltraLow
	case 2:
		return stage.LatencyStandard
	default:
		return stage.LatencyLow
	}
}

// runChain waits for the builder result, then blocks until SIGINT or
// SIGTERM and tears every chain down. Exit is non-zero on a fatal
// initialization failure.
func runChain(ctrl *pipeline.Controller, done <-chan error) error {
	if err := <-done; err != nil {
		ctrl.StopAll()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig)

	ctrl.StopAll()
	return nil
}
