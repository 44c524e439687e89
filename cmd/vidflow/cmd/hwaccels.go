package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/vidflow/vidflow/pipeline"
)

var hwaccelsCmd = &cobra.Command{
	Use:   "hwaccels",
	Short: "List hardware acceleration types the local ffmpeg build supports",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctrl := pipeline.NewController(slog.Default())
		for _, t := range ctrl.HWTypes(cmd.Context()) {
			fmt.Println(t)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hwaccelsCmd)
}
