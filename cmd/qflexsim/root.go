package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sarchlab/qflex/timing/cache"
)

// configEnv names the environment variable that provides a default for
// --config. It may also be set in a .env file in the working directory.
const configEnv = "QFLEXSIM_CONFIG"

var (
	configPath string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "qflexsim",
	Short: "qflexsim replays execution traces through the qflex cache models.",
	Long: `qflexsim replays execution traces through the qflex cache and TLB ` +
		`models, stepping the trace one retired instruction at a time, and ` +
		`reports per-level miss statistics.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()

		if configPath == "" {
			configPath = os.Getenv(configEnv)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to cache geometry JSON file (default: $"+configEnv+" or built-in)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Verbose output")
}

func buildLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

func loadCacheConfig() (*cache.Config, error) {
	if configPath == "" {
		return cache.DefaultConfig(), nil
	}

	config, err := cache.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}
