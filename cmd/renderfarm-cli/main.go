// Package main is the render-farm coordinator CLI: it plans a render into
// frame-range chunks, fans them out across streaming worker invocations, and
// reassembles the streamed media locally.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build identity baked in via -ldflags.
var (
	commitHash = "dev"
	buildTime  = ""
)

var rootCmd = &cobra.Command{
	Use:   "renderfarm",
	Short: "Distributed video rendering on AWS Lambda",
	Long: `Renderfarm splits a video render into frame-range chunks, renders each
chunk on its own streaming Lambda invocation, and reassembles the streamed
output locally for downstream concatenation.

Examples:
  renderfarm render --composition intro --frames 900 --chunk-frames 100
  renderfarm render --composition promo --frames 3000 --codec h264 --concurrency 20 --out ./chunks
  renderfarm logs --limit 100
  renderfarm version`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build identity",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("renderfarm %s", commitHash)
		if buildTime != "" {
			fmt.Printf(" (built %s)", buildTime)
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
