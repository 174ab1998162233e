package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pdfreader/sticker-engine/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "sticker-engine",
	Short: "AI-generated page annotations for PDF readers",
	Long:  "Generates, caches, and schedules explain-page stickers ahead of a reader's position, mining reusable course context along the way.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
