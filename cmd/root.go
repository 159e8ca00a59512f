package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	_ "go.uber.org/automaxprocs"

	"github.com/sells-group/segment-cli/internal/config"
	"github.com/sells-group/segment-cli/internal/resilience"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "segment-cli",
	Short: "LLM product segmentation pipeline",
	Long:  "Groups a product catalog into market segments: per-batch taxonomy extraction, pairwise consolidation and per-product refinement against the final taxonomy set.",
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
		os.Exit(exitCode(err))
	}
}

// exitCode separates caller mistakes from run failures for scripts.
func exitCode(err error) int {
	switch resilience.Kind(err) {
	case "invalid_input":
		return 2
	case "configuration":
		return 3
	default:
		return 1
	}
}
