// Package cmd implements the CLI commands for tsrelay.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rvierich/tsrelay/internal/config"
	"github.com/rvierich/tsrelay/internal/observability"
	"github.com/rvierich/tsrelay/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "tsrelay",
	Short:   "Clustered MPEG-TS live stream relay",
	Version: version.Short(),
	Long: `tsrelay ingests live IPTV upstreams (raw MPEG-TS or HLS) once per
channel and fans the stream out to any number of clients through a
shared Redis ring buffer. Workers coordinate channel ownership over
Redis leases, so a channel is ingested by exactly one worker while
every worker can serve its clients.`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., /etc/tsrelay, $HOME/.tsrelay)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}

// loadConfig reads the configuration and applies CLI flag overrides.
// Flag overrides only apply when the user set them explicitly, so the
// priority stays: CLI flag > env var > config file > default.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if v, ok := changedString(rootCmd.PersistentFlags(), "log-level"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := changedString(rootCmd.PersistentFlags(), "log-format"); ok {
		cfg.Logging.Format = v
	}
	return cfg, nil
}

// changedString returns a string flag's value only when the user set it
// explicitly.
func changedString(flags *pflag.FlagSet, name string) (string, bool) {
	if !flags.Changed(name) {
		return "", false
	}
	v, _ := flags.GetString(name)
	return v, true
}

// newLogger builds and installs the process logger.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	logger := observability.WithApp(observability.NewLogger(cfg), version.ApplicationName)
	observability.SetDefault(logger)
	return logger
}
