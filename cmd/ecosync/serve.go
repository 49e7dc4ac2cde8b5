package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/xelth-com/ecosyncgo/internal/handlers"
	"github.com/xelth-com/ecosyncgo/internal/logger"
	"github.com/xelth-com/ecosyncgo/internal/websocket"
)

func serveCommand(c *cli) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and the local UI API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = c.cfg.HTTPAddr
			}
			return serve(c, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to HTTP_ADDR)")
	return cmd
}

func serve(c *cli, addr string) error {
	log := logger.Component("server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := bootstrap(ctx, c.cfg, c.syncCfg)
	if err != nil {
		return err
	}

	hub := websocket.NewHub()
	go hub.Run()

	// subscribe before Start so the first transition is not missed
	pending := a.queue.PendingCountStream()
	transitions := a.monitor.OnTransition()
	go handlers.PumpEvents(ctx, hub, pending, transitions)

	if err := a.engine.Start(ctx); err != nil {
		hub.Stop()
		a.close()
		return err
	}

	router := handlers.NewRouter(a.engine, a.queue, a.cache, hub)
	router.RequireToken(c.cfg.APIToken)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("Local API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case sig := <-shutdown:
		log.WithField("signal", sig.String()).Info("Shutting down")
	case err := <-serveErr:
		if err != nil {
			log.WithError(err).Error("Server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown error")
	}

	a.engine.Stop()
	cancel()
	hub.Stop()
	a.close()

	log.Info("Shutdown complete")
	return nil
}
