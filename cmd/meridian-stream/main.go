// meridian-stream streams LLM turns into persisted message blocks.
//
// Usage:
//
//	meridian-stream run --model lorem-fast "Tell me something"
//	meridian-stream fanout --model lorem-fast --model claude-haiku-4-5 "Compare these"
//	meridian-stream blocks <message-id>
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath  string
	storeDriver string
	replayPath  string
)

var rootCmd = &cobra.Command{
	Use:           "meridian-stream",
	Short:         "Stream LLM responses into persisted message blocks",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./configs/config.yaml or ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&storeDriver, "store", "", "store driver override: sqlite or memory")
	rootCmd.PersistentFlags().StringVar(&replayPath, "replay", "", "JSONL transcript served for replay-* models")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
