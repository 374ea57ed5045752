package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/iTrooz/offline-agent/internal/config"
	"github.com/iTrooz/offline-agent/internal/logging"
)

const defaultConfigPath = "configs/config.yaml"

var (
	configPath string
	envFile    string
	verbose    bool

	// loaded by the root command before any subcommand runs
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "offline-agent",
	Short:         "Intercepting proxy keeping a web application usable offline",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && (cmd.Flags().Changed("env-file") || !errors.Is(err, fs.ErrNotExist)) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}

		if !cmd.Flags().Changed("config") {
			if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
				configPath = ""
			}
		}

		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if verbose {
			loaded.Log.Level = "debug"
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		if _, err := logging.Init(loaded.Log); err != nil {
			return err
		}

		cfg = loaded
		if configPath != "" {
			logrus.Debugf("Loaded configuration from %s", configPath)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", defaultConfigPath, "config file")
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the configuration")
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(serveCmd, installCmd, generationsCmd, configCmd)
}
