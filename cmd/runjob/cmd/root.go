package cmd

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"upscaler/internal/config"
	"upscaler/internal/pkg/logger"
)

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "runjob",
	Short: "Run upscaling jobs against a media backend from the command line",
	Long: `runjob executes a single upscaling job in-process, the same way the queue
worker does, and prints the job result as JSON.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "optional YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")
}

// loadConfig reads .env, the config file and the environment.
func loadConfig() (*config.Config, *logger.Logger, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	// stdout carries the job result; logs go to stderr unless a file is set.
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Output:      stderr,
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		ServiceName: "upscaler-runjob",
	})
	return cfg, log, nil
}
