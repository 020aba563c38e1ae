package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/comfynaut/comfynaut/api"
	"github.com/comfynaut/comfynaut/pipeline"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	if a.cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	sessions := pipeline.NewSessions(pipeline.DefaultSessionExpiration, pipeline.DefaultCleanupInterval)
	handler, err := api.NewHandler(a.pipeline, a.templates, a.comfy, sessions, api.Options{
		PublicURL:   a.cfg.PublicURL,
		MaxMarathon: a.cfg.Marathon.MaxCount,
		Logger:      a.logger,
	})
	if err != nil {
		return err
	}
	defer handler.Close()

	srv := &http.Server{
		Addr:    a.cfg.Listen,
		Handler: api.NewRouter(handler),
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "listen", a.cfg.Listen, "comfy", a.cfg.ComfyURL(), "templates", a.templates.Dir())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errc:
		return err
	case <-quit:
	}

	a.logger.Info("server shutting down")
	handler.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	a.logger.Info("server exited")
	return nil
}
