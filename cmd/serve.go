package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/perimetric/periscope/api"
	"github.com/perimetric/periscope/config"
	"github.com/perimetric/periscope/log"
	"github.com/perimetric/periscope/session"
	"github.com/perimetric/periscope/tunnel"
)

const serveShutdownTimeout = 10 * time.Second

func getServeCmd(c *rootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the GUI api server",
		Long: `Start the HTTP server the GUI talks to: connection management,
session lifecycle, page operations, network capture and a WebSocket
event stream.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(c.ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := log.New(c.logger, nil)
			fs := afero.NewOsFs()

			store, err := config.NewStore(fs, c.configDir, logger)
			if err != nil {
				return err
			}
			pool := tunnel.NewPool(ctx, logger, fs, tunnel.PoolOptions{})
			defer pool.Close()
			manager := session.NewManager(ctx, logger, fs, store, session.Options{})

			srv := api.GetServer(ctx, c.address, &api.ControlSurface{
				Logger:   logger,
				Store:    store,
				Sessions: manager,
				Pool:     pool,
			})

			maybePrintBanner(c)
			if !c.quiet {
				fprintf(stdout, "  server: http://%s\n  config: %s\n\n", c.address, c.configDir)
			}
			logger.Infof("Serve", "api server listening on %s", c.address)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			logger.Infof("Serve", "shutting down")
			shutCtx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutCtx); err != nil {
				logger.Warnf("Serve", "server shutdown: %v", err)
			}
			// A session still running at shutdown is unwound here, not leaked.
			if err := manager.Stop(shutCtx); err != nil {
				logger.Debugf("Serve", "session stop on shutdown: %v", err)
			}
			return nil
		},
	}
}
