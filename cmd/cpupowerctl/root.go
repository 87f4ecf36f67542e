package main

import (
	"codeberg.org/mutker/cpupowerctl/internal/config"
	"codeberg.org/mutker/cpupowerctl/internal/errors"
	"codeberg.org/mutker/cpupowerctl/internal/logger"
	"github.com/spf13/cobra"
)

var (
	cfgFile      string
	outputFormat string

	loader *config.Loader
	cfg    *config.Config

	rootCmd = &cobra.Command{
		Use:   "cpupowerctl",
		Short: "Control CPU frequency scaling and power profiles",
		Long: `cpupowerctl inspects and controls Linux CPU frequency scaling.

Run it as a service to let the auto-tune engine pick a power profile from
temperature, load and power source, or use the subcommands for one-shot
changes.

Examples:
  cpupowerctl status                 # Show cores, signals and active profile
  cpupowerctl apply-profile silent   # Apply a profile by name
  cpupowerctl set-turbo off          # Disable turbo boost
  cpupowerctl service                # Run the auto-tune daemon`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: loadConfig,
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: /etc/cpupowerctl.toml)")
	flags.String("log-level", config.DefaultLogLevel, "log level (debug, info, warn, error)")
	flags.StringVarP(&outputFormat, "output", "o", formatText, "output format (text, json, yaml)")
}

// loadConfig runs before every subcommand.
func loadConfig(cmd *cobra.Command, _ []string) error {
	if _, err := parseFormat(outputFormat); err != nil {
		return err
	}

	var err error
	loader, err = config.NewLoader(
		config.WithConfigFile(cfgFile),
		config.WithFlags(cmd.Flags()),
	)
	if err != nil {
		return err
	}

	cfg, err = loader.Load()
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.LogLevel, logger.IsService()); err != nil {
		return errors.New().Wrap(errors.ErrInvalidLogLevel, err)
	}
	logger.Debug().Str("file", cfg.File).Msg("Config loaded")

	return nil
}
