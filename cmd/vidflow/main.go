// Package main is the entry point for the vidflow pipeline CLI.
package main

import (
	"os"

	"github.com/vidflow/vidflow/cmd/vidflow/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
