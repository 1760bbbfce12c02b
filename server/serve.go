package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"collabtext/internal/api"
	"collabtext/internal/discovery"
	"collabtext/internal/engine"
	_ "collabtext/internal/engine/opset"
	"collabtext/internal/relay"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	factory, err := engine.Lookup(cfg.Engine)
	if err != nil {
		return err
	}
	store, err := openUpdateLog(cfg, logger)
	if err != nil {
		return fmt.Errorf("open update log: %w", err)
	}
	defer store.Close()
	logger.Info("update log opened", "backend", cfg.UpdateLog.Backend, "path", cfg.UpdateLogPath())

	docs, err := openDocuments(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}
	defer docs.Close()
	logger.Info("document store opened", "backend", cfg.Documents.Backend)

	registry, err := relay.NewRegistry(store, docs, factory, cfg.RelayOptions(), logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: api.NewServer(registry, docs, api.Options{
			MaxFrameBytes: cfg.Websocket.MaxFrameBytes,
			PongWait:      cfg.Websocket.PongWait,
			WriteWait:     cfg.Websocket.WriteWait,
			RetryAfter:    cfg.Websocket.RetryAfter,
		}, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	if cfg.Discovery.Enabled {
		port, err := discovery.PortOf(ln.Addr().String())
		if err != nil {
			return err
		}
		shutdown, err := discovery.Advertise(cfg.Discovery.Instance, cfg.Discovery.Service, cfg.Discovery.Domain, port, map[string]string{
			"engine": factory.Name(),
		})
		if err != nil {
			logger.Warn("mdns advertisement disabled", "error", err)
		} else {
			defer shutdown()
			logger.Info("mdns service registered", "service", cfg.Discovery.Service, "port", port)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("collabtext relay listening", "addr", ln.Addr().String(), "engine", factory.Name())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		// Rooms hold hijacked websocket connections the HTTP server does
		// not track, so they are closed first.
		registry.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
