package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/scout-interest/scout/internal/api"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if n, err := env.Runner.RecoverStale(ctx); err != nil {
			zap.L().Warn("could not recover stale runs", zap.Error(err))
		} else if n > 0 {
			zap.L().Info("closed runs interrupted by a previous process", zap.Int("projects", n))
		}

		h := api.NewHandler(env.Store, env.Runner, env.Estimator, api.HandlerOptions{
			MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
			JobThrottle:    api.NewThrottle(rate.Every(time.Second), 3),
		})
		router := api.NewRouter(h, api.RouterOptions{
			APIKey:       cfg.Server.APIKey,
			CORSOrigins:  cfg.Server.CORSOrigins,
			AuthThrottle: api.NewAuthThrottle(),
			Metrics:      env.Metrics,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown: stop accepting requests, then let batches
		// persist their in-flight codes.
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			if err := env.Runner.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("batches still running at shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		// Wait for the shutdown goroutine to finish closing runs.
		waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 35*time.Second)
		defer cancel()
		return env.Runner.Wait(waitCtx)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
