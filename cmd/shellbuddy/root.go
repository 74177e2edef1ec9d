package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tiancaiamao/shellbuddy/pkg/config"
	"github.com/tiancaiamao/shellbuddy/pkg/logger"
)

var version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCmd builds the shellbuddy command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "shellbuddy",
		Short:         "A terminal assistant that runs shell commands on your behalf",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (.json, .toml or .yaml; default ~/.shellbuddy/config.json)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log level (debug|info|warn|error)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newAskCmd(opts))
	cmd.AddCommand(newTokenCmd(opts))
	return cmd
}

// loadConfig reads the config file named by --config or the default path.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		p, err := config.GetDefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("failed to get config path: %w", err)
		}
		path = p
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	return cfg, nil
}

// setupLogger builds the logger from cfg and installs it as the slog default.
// quiet keeps log lines off the terminal.
func setupLogger(cfg *config.Config, quiet bool) (*logger.Logger, error) {
	log, err := cfg.Log.CreateLogger(quiet)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	slog.SetDefault(log.Logger)
	return log, nil
}
