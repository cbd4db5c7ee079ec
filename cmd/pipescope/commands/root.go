package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/PipeScope/internal/config"
	"github.com/bryanchriswhite/PipeScope/internal/logger"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "pipescope",
		Short: "PipeScope - Inspect and override media processing graphs",
		Long: `PipeScope builds media processing graphs for players and cameras, lets you
swap individual conversion stages for custom element chains, and shows the
resulting graphs.

Features:
  • Per-stage element overrides from the environment or the config file
  • Graph inspection as a tree, JSON, YAML or DOT
  • In-memory engine for dry runs, GStreamer engine for the real thing
  • Camera graphs with portal access checks
  • REST API, websocket events and Prometheus metrics`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/pipescope/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("engine", "", "graph engine (memgraph, gstreamer)")

	// Bind flags to viper
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("engine", rootCmd.PersistentFlags().Lookup("engine"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig opens the config manager, applies flag overrides in memory and initializes
// logging from the result
func loadConfig() (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if level := viper.GetString("log_level"); level != "" {
		if err := configMgr.Set("log_level", level); err != nil {
			return nil, err
		}
	}
	if eng := viper.GetString("engine"); eng != "" {
		if err := configMgr.Set("engine", eng); err != nil {
			return nil, err
		}
	}

	cfg := configMgr.Get()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Init(cfg.LogLevel, cfg.LogPretty)
	return configMgr, nil
}
