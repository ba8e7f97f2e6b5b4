package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mathtutor/internal/config"
	"mathtutor/internal/logger"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "mathtutor",
	Short: "Math study tutor backend",
	Long: `mathtutor reads a ZIP of PDF study materials, extracts the primary equation
of every page with a Gemini vision model and opens a tutoring chat seeded with
the equations it found.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default $MATHTUTOR_CONFIG or config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to the console only, at debug level")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return os.Getenv("MATHTUTOR_CONFIG")
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, nil, err
	}
	logFile := cfg.BasicConfig.LogFile
	if verbose {
		logFile = ""
	}
	return cfg, logger.New(logFile, cfg.BasicConfig.Environment == "production"), nil
}
