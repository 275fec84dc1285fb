package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/energizer-project/photonmeter/internal/config"
	"github.com/energizer-project/photonmeter/internal/util"
)

var (
	// Global flags
	configDir string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "photonmeter",
	Short: "photonmeter - passive combat meter for Photon game traffic",
	Long: `photonmeter decodes Photon/Protocol16 game traffic from a live interface
or a capture file and reports per-source damage and healing.

Examples:
  photonmeter live -i eth0
  photonmeter replay session.pcapng
  photonmeter setup`,
	Version:       util.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configDir, "config", "c", config.DefaultConfigDir,
		"configuration directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"override the configured log level")

	rootCmd.AddCommand(liveCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(interfacesCmd)
}

// loadConfig initializes logging, loads the configuration and re-applies
// the configured logging settings.
func loadConfig() (*config.Config, error) {
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logCfg := cfg.Logging.LogConfig()
	if logLevel != "" {
		logCfg.Level = logLevel
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}
	return cfg, nil
}

// checkConfig logs validation warnings and fails on errors.
func checkConfig(cfg *config.Config) error {
	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return fmt.Errorf("configuration validation failed, run 'photonmeter setup' or fix %s", cfg.Path())
	}
	return nil
}
