// Copyright 2024 The go-equa Authors
// Verity Oracle Node - HTTP/websocket listener lifecycle

package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/verity-oracle/oracle-node/gossip"
	"github.com/verity-oracle/oracle-node/ingress"
	"github.com/verity-oracle/oracle-node/internal/oracle"
)

const shutdownGrace = 5 * time.Second

// serveHTTP runs the Vote Ingress HTTP surface until ctx is cancelled,
// then drains in-flight requests for shutdownGrace before returning.
func serveHTTP(ctx context.Context, cfg *oracle.Config, handler *ingress.Server) error {
	return serveUntilDone(ctx, fmt.Sprintf(":%d", cfg.HTTPPort), handler)
}

// serveGossip runs the peer gossip websocket listener on /gossip until
// ctx is cancelled.
func serveGossip(ctx context.Context, cfg *oracle.Config, actor *gossip.Actor) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/gossip", actor.ServeHTTP)
	return serveUntilDone(ctx, fmt.Sprintf(":%d", cfg.WebsocketPort), mux)
}

func serveUntilDone(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
