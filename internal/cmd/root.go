// Package cmd implements the tinypg command line interface.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tinypg/tinypg/internal/config"
	"github.com/tinypg/tinypg/internal/logging"
	"github.com/tinypg/tinypg/internal/registry"
)

var rootCmd = &cobra.Command{
	Use:   "tinypg",
	Short: "Disposable PostgreSQL instances",
	Long: `Tinypg starts throwaway PostgreSQL instances: each gets its own data
directory, a free loopback port, and its own server process. Instances not
stopped explicitly are reclaimed once their cleanup timeout elapses.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/tinypg/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/tinypg")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("TINYPG")
	// Replace dots with underscores for nested keys in env vars
	// e.g., TINYPG_INSTANCE_PORT for instance.port
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// loadConfig resolves the effective configuration after viper initialization.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the CLI logger from the logging configuration.
func newLogger(cfg *config.Config) *logging.Logger {
	if !cfg.Logging.Enabled {
		return logging.NopLogger()
	}
	logger, err := logging.NewLogger(config.ConfigDir(), cfg.Logging.Level)
	if err != nil {
		return logging.NopLogger()
	}
	return logger
}

// newReaper builds a reaper over the registry for one-shot Reap/Sweep calls.
func newReaper(cfg *config.Config, reg *registry.Registry, logger *logging.Logger) *registry.Reaper {
	return registry.NewReaper(reg, cfg.Registry.SweepInterval(), logger)
}

// openRegistry opens the configured instance registry.
func openRegistry(cfg *config.Config, logger *logging.Logger) (*registry.Registry, error) {
	reg, err := registry.New(cfg.Registry.ResolveDir(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open instance registry: %w", err)
	}
	return reg, nil
}
