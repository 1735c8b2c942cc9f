package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/scamshield/callguard/internal/server"
	"github.com/scamshield/callguard/internal/service"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the CallGuard web server to control recording over HTTP.
Scam alerts are queued and answered with POST /alerts/{id} (choice=cut|ignore),
so a phone or browser on the same network can act as the alert UI.

The server will display the local network URL for easy access from mobile devices.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")

		svc, err := service.New(cfg, service.Options{LogWriter: captureLogWriter()})
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		srv := server.New(svc, cfgFile, port)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := srv.Start(gctx); err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			slog.Info("Shutting down, stopping any active recording")
			closeCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			if err := svc.Close(closeCtx); err != nil {
				slog.Warn("Shutdown incomplete", "error", err)
			}
			return nil
		})

		slog.Info("CallGuard web server starting", "port", port, "config", cfgFile)
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().String("port", "8080", "port for the web server")
}
