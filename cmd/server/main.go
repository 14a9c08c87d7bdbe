// Command threatfence runs the admission and threat escalation service.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/KanavDutta/threatfence/internal/logging"
	"github.com/KanavDutta/threatfence/pkg/threatfence"
)

// cli holds the global flags and what PersistentPreRunE builds from them.
type cli struct {
	configPath string
	logLevel   string
	logFormat  string
	logFile    string

	logger    *slog.Logger
	logCloser io.Closer
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "threatfence",
		Short: "Admission control and threat escalation service",
		Long: `threatfence evaluates every request through escalation, reputation and
multi-layer rate limiting, and escalates persistent offenders from
quarantine to sinkhole decoys to blackhole.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, closer, err := logging.New(logging.Config{
				Level:  c.logLevel,
				Format: c.logFormat,
				File:   logging.FileConfig{Path: c.logFile, MaxSizeMB: 50, MaxBackups: 5},
			}, cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("failed to initialize logging: %w", err)
			}
			c.logger, c.logCloser = logger, closer
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.logCloser != nil {
				return c.logCloser.Close()
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", getEnv("THREATFENCE_CONFIG", ""), "path to the YAML configuration file")
	flags.StringVar(&c.logLevel, "log-level", getEnv("THREATFENCE_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	flags.StringVar(&c.logFormat, "log-format", "text", "log format (text, json)")
	flags.StringVar(&c.logFile, "log-file", "", "also write logs to this file, rotated")

	root.AddCommand(newServeCmd(c), newValidateCmd(c))
	return root
}

// loadConfig reads the configured file, or returns defaults when none
// is given.
func (c *cli) loadConfig() (*threatfence.Config, error) {
	if c.configPath == "" {
		return threatfence.NewConfig(), nil
	}
	return threatfence.LoadConfigFromFile(c.configPath)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
