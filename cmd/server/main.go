// Package main starts the GoChat relay: a TCP line listener and, when
// configured, the WebSocket gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/gochat/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gochat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := server.LoadConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}
	logger := server.NewLogger(cfg.LogLevel, os.Stderr)

	hub := server.NewHub(cfg, logger)

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr(), err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := hub.Serve(ln); err != nil && !errors.Is(err, server.ErrServerClosed) {
			return fmt.Errorf("serve tcp: %w", err)
		}
		return nil
	})

	gateway := server.CreateServer(cfg.WebSocketAddr, server.SetupRoutes(hub))
	if cfg.WebSocketAddr != "" {
		g.Go(func() error {
			if err := server.StartServer(gateway, logger); err != nil {
				return fmt.Errorf("serve gateway: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if cfg.WebSocketAddr != "" {
			_ = server.ShutdownServer(gateway, cfg.ShutdownTimeout, logger)
		}
		if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	logger.Info("relay started", "addr", ln.Addr().String(), "ws_addr", cfg.WebSocketAddr)
	return g.Wait()
}
