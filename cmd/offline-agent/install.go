package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/iTrooz/offline-agent/internal/proxy"
)

var forceInstall bool

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and activate the configured generation, then exit",
	Long: `Fetches every seed resource into the store of the configured generation and
records it as the active generation. A later "serve" reuses it without fetching again.
Without --force nothing is fetched when the generation is already installed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		server, err := proxy.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to create proxy server: %w", err)
		}
		if err := server.Deploy(cmd.Context(), forceInstall); err != nil {
			return err
		}
		logrus.Infof("Generation %s installed and active", cfg.StoreName())
		return nil
	},
}

func init() {
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "fetch the seeds even if the generation is already installed")
}
