// Package cli implements the geocomply command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hupe1980/geocomply"
	"github.com/hupe1980/geocomply/config"
	"github.com/hupe1980/geocomply/server"
)

var rootCmd = &cobra.Command{
	Use:   "geocomply",
	Short: "Geo-regulatory compliance analysis for product features",
	Long: `Geocomply screens product feature descriptions for geo-specific
regulatory obligations. Each feature runs through a staged workflow of
reasoning steps and evidence retrieval, and uncertain runs are parked
for human review.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// service is what the subcommands drive. *geocomply.Geocomply satisfies it.
type service interface {
	server.Service
	Close() error
}

// newService builds the service for one command invocation. Tests swap it.
var newService = func(cfg *config.Config) (service, error) {
	g, err := geocomply.NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return g, nil
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/geocomply/config.yaml)")
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
		viper.AddConfigPath(".")
	}

	// e.g. GEOCOMPLY_STORE_DRIVER for store.driver
	config.BindEnv()

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// openService loads the configuration and builds the service from it.
func openService() (*config.Config, service, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	svc, err := newService(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, svc, nil
}
