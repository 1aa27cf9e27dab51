// Package server composes the replica: it builds every component from the
// configuration, starts them in dependency order and tears them down in
// reverse.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dd0wney/cluso-controlplane/pkg/logging"
)

// GracefulServer wraps an HTTP server that binds eagerly, so its address is
// known before Serve, and drains on Shutdown
type GracefulServer struct {
	name     string
	server   *http.Server
	logger   logging.Logger
	listener net.Listener
	tls      *tls.Config

	shutdownOnce sync.Once
	done         chan struct{}
	serveErr     error
}

// NewGracefulServer creates a server for handler on addr
func NewGracefulServer(name, addr string, handler http.Handler, logger logging.Logger) *GracefulServer {
	return &GracefulServer{
		name: name,
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		logger: logging.OrNop(logger).With(logging.Component("http"), logging.String("listener", name)),
		done:   make(chan struct{}),
	}
}

// WithTLS serves TLS with tc. A nil tc serves plain HTTP. Call before Listen.
func (gs *GracefulServer) WithTLS(tc *tls.Config) *GracefulServer {
	gs.tls = tc
	return gs
}

// Listen binds the address and serves in the background
func (gs *GracefulServer) Listen() error {
	ln, err := net.Listen("tcp", gs.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s on %s: %w", gs.name, gs.server.Addr, err)
	}
	if gs.tls != nil {
		ln = tls.NewListener(ln, gs.tls)
	}
	gs.listener = ln
	gs.logger.Info("http server listening",
		logging.String("addr", ln.Addr().String()),
		logging.Bool("tls", gs.tls != nil))

	go func() {
		defer close(gs.done)
		if err := gs.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			gs.serveErr = err
			gs.logger.Error("http server stopped", logging.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Listen
func (gs *GracefulServer) Addr() string {
	if gs.listener == nil {
		return ""
	}
	return gs.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// is done. Hijacked connections (websockets) are not waited for.
func (gs *GracefulServer) Shutdown(ctx context.Context) error {
	var err error
	gs.shutdownOnce.Do(func() {
		if gs.listener == nil {
			return
		}
		start := time.Now()
		if err = gs.server.Shutdown(ctx); err != nil {
			gs.logger.Warn("http shutdown incomplete", logging.Error(err))
			_ = gs.server.Close()
		}
		<-gs.done
		if err == nil {
			err = gs.serveErr
		}
		gs.logger.Info("http server stopped", logging.Latency(time.Since(start)))
	})
	return err
}
