package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iTrooz/offline-agent/internal/admin"
	"github.com/iTrooz/offline-agent/internal/config"
	"github.com/iTrooz/offline-agent/internal/proxy"
)

var watchConfig bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy, deploying the configured generation in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		server, err := proxy.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to create proxy server: %w", err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return server.Start(gctx)
		})

		if cfg.Admin.Enabled {
			api := admin.New(server.Controller(), server.Generations(), server.Metrics())
			g.Go(func() error {
				return api.Start(gctx, fmt.Sprintf(":%d", cfg.Admin.Port))
			})
		}

		if watchConfig && configPath != "" {
			if err := watch(gctx, server); err != nil {
				return err
			}
		}

		return g.Wait()
	},
}

// watch redeploys when the cache version in the config file changes
func watch(ctx context.Context, server *proxy.Server) error {
	logrus.Infof("Watching %s for changes", configPath)
	return config.Watch(configPath, func(next *config.Config) {
		if err := server.Reload(ctx, next); err != nil {
			logrus.Errorf("Failed to apply configuration change: %v", err)
		}
	}, func(err error) {
		logrus.Warnf("Ignoring configuration change: %v", err)
	})
}

func init() {
	serveCmd.Flags().BoolVar(&watchConfig, "watch", true, "redeploy when the cache version in the config file changes")
}
