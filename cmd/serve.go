package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/voicerec/internal/config"
	"github.com/audiolibrelab/voicerec/internal/library"
	"github.com/audiolibrelab/voicerec/internal/server"
	"github.com/audiolibrelab/voicerec/internal/service"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the voicerec web server to control recording via HTTP and a
WebSocket status stream. This allows you to control recording from your
smartphone or any device on the same network.

The server will display the local network URL for easy access from mobile devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if port, _ := cmd.Flags().GetString("port"); port != "" {
			cfg.Server.Port = port
		}

		svc, err := service.Open(cfg)
		if err != nil {
			return err
		}
		defer svc.Close(context.Background())

		if err := os.MkdirAll(cfg.Output.Directory, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		if removed, added, err := svc.Sync(cmd.Context()); err != nil {
			slog.Warn("Catalog sync failed", "error", err)
		} else {
			slog.Info("Catalog synchronized", "dir", cfg.Output.Directory, "added", added, "removed", removed)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)

		srv := server.New(svc, activeProfileName())
		g.Go(func() error {
			return srv.Run(ctx)
		})

		if cfg.Library.Watch {
			watcher, err := library.NewWatcher(svc.Catalog(), cfg.Output.Directory)
			if err != nil {
				return err
			}
			g.Go(func() error {
				return watcher.Run(ctx)
			})
		}

		slog.Info("voicerec web server starting", "port", cfg.Server.Port, "config", cfgFile)
		return g.Wait()
	},
}

// activeProfileName reports the profile in use: the --profile flag, else
// the file's active_config
func activeProfileName() string {
	if profile != "" {
		return profile
	}
	if _, active, err := config.Profiles(cfgFile); err == nil && active != "" {
		return active
	}
	return "default"
}

func init() {
	serveCmd.Flags().String("port", "", "port for the web server (overrides config)")
}
