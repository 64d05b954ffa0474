// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package main is the entry point for the mdrelay CLI. mdrelay relays
// PDFs to a remote Markdown conversion service and files the results
// locally, either one-shot (convert), from a watched directory (watch),
// or over HTTP (serve).
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/mdrelay/internal/secrets"
	"github.com/pdiddy/mdrelay/pkg/types"
)

// version is set at build time via ldflags.
var version = "dev"

// loadedSecrets holds API keys loaded from .secrets/ at startup.
var loadedSecrets map[string]string

// rootCmd is the base command for the mdrelay CLI.
var rootCmd = &cobra.Command{
	Use:   "mdrelay",
	Short: "Relay PDFs to a Markdown conversion service",
	Long: `mdrelay uploads PDF files to a remote conversion service, polls until
the conversion finishes, and files the Markdown output locally next to the
original PDF.

Use convert for a one-shot batch, watch to monitor a directory, serve to
expose the same flow over HTTP, and history to inspect past conversions.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := secrets.Load(".secrets/")
		if err != nil {
			return err
		}
		loadedSecrets = s
		if len(s) > 0 {
			keys := make([]string, 0, len(s))
			for k := range s {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Fprintf(os.Stderr, "Loaded secrets: %v\n", keys)
		}
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./mdrelay.yaml or ~/.config/mdrelay/config.yaml)")
	rootCmd.PersistentFlags().String("input-dir", "", "directory watched for new PDFs")
	rootCmd.PersistentFlags().String("processing-dir", "", "directory holding in-flight PDFs")
	rootCmd.PersistentFlags().String("output-dir", "", "directory for converted Markdown")
	rootCmd.PersistentFlags().String("failed-dir", "", "quarantine directory for failed inputs")
	rootCmd.PersistentFlags().String("history", "", "path to the conversion history database")
}

func initConfig() {
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("mdrelay")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "mdrelay"))
		}
	}

	viper.SetEnvPrefix("MDRELAY")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// relayConfig resolves the effective configuration: defaults, then the
// config file and environment, then flags, then the secrets directory.
func relayConfig(cmd *cobra.Command) types.RelayConfig {
	cfg := types.Defaults()

	if v := viper.GetString("service.base_url"); v != "" {
		cfg.Service.BaseURL = v
	}
	if v := viper.GetString("service.api_key"); v != "" {
		cfg.Service.APIKey = v
	}
	if v := viper.GetInt("service.max_retries"); v > 0 {
		cfg.Service.MaxRetries = v
	}
	if v := viper.GetDuration("tracker.poll_interval"); v > 0 {
		cfg.Tracker.PollInterval = v
	}
	if v := viper.GetInt("tracker.max_polls"); v > 0 {
		cfg.Tracker.MaxPolls = v
	}
	if v := viper.GetInt64("tracker.max_file_size"); v > 0 {
		cfg.Tracker.MaxFileSize = v
	}
	if v := viper.GetString("tracker.on_failure"); v != "" {
		cfg.Tracker.OnFailure = types.FailurePolicy(v)
	}
	if v := viper.GetString("server.bind"); v != "" {
		cfg.Server.Bind = v
	}
	if v := viper.GetDuration("server.max_wait"); v > 0 {
		cfg.Server.MaxWait = v
	}

	if v, _ := cmd.Flags().GetString("input-dir"); v != "" {
		cfg.Tracker.InputDir = v
	}
	if v, _ := cmd.Flags().GetString("processing-dir"); v != "" {
		cfg.Tracker.ProcessingDir = v
	}
	if v, _ := cmd.Flags().GetString("output-dir"); v != "" {
		cfg.Tracker.OutputDir = v
	}
	if v, _ := cmd.Flags().GetString("failed-dir"); v != "" {
		cfg.Tracker.FailedDir = v
	}
	if v, _ := cmd.Flags().GetString("history"); v != "" {
		cfg.HistoryPath = v
	}
	cfg.Server.SpoolDir = cfg.Tracker.ProcessingDir

	if cfg.Service.APIKey == "" {
		cfg.Service.APIKey = loadedSecrets[secrets.APIKeyFile]
	}
	return cfg
}

// requireAPIKey turns a missing key into a startup error instead of a
// per-file upload failure.
func requireAPIKey(cfg types.RelayConfig) error {
	if cfg.Service.APIKey == "" {
		return fmt.Errorf("%s: no conversion service API key: set MDRELAY_SERVICE_API_KEY, service.api_key in mdrelay.yaml, or .secrets/%s",
			types.FailureConfig, secrets.APIKeyFile)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
