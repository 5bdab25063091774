// Package main is the autoclip orchestrator entry point.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "autoclip",
	Short:   "Vertical highlight clip orchestrator",
	Long:    "autoclip turns a long video into vertical, subtitled highlight clips: input, transcription, highlight selection, approval, rendering and delivery.",
	Version: Version,
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
