// Package main provides the unified CLI entry point for the irrigation hub services.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "irrigation-hub",
		Short: "Irrigation site control backend",
		Long: `Backend for a small IoT irrigation site with two components:
- backend: Ingests device traffic, reconciles pump/valve commands and serves the HTTP API
- simulator: Emulates the actuator and sensor nodes against a broker`,
		Version: "1.0.0",
	}
)

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or /etc/irrigation-hub/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("topic-prefix", "vermilinks", "broker topic root shared with the field devices")
	rootCmd.PersistentFlags().String("metrics-namespace", "irrigation_hub", "Prometheus metrics namespace")

	// Bind flags to viper
	if err := viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		log.Fatalf("failed to bind log-level flag: %v", err)
	}
	_ = viper.BindPFlag("topics.prefix", rootCmd.PersistentFlags().Lookup("topic-prefix"))
	_ = viper.BindPFlag("metrics.namespace", rootCmd.PersistentFlags().Lookup("metrics-namespace"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if err := InitConfig(cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Log config file being used
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}
