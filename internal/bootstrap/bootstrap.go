// Package bootstrap holds the small pieces of composition-root plumbing
// shared by every fulcrum binary: picking a transport adapter from config
// and building a context that cancels on SIGINT/SIGTERM.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/haroldsh/fulcrum/internal/config"
	"github.com/haroldsh/fulcrum/internal/logging"
	"github.com/haroldsh/fulcrum/internal/transport"
)

// NewTransport constructs the pub/sub + KV adapter selected by cfg.Transport.Kind.
func NewTransport(cfg config.Config) (transport.Adapter, error) {
	switch cfg.Transport.Kind {
	case "redis":
		return transport.NewRedis(transport.RedisOptions{
			Addr:     cfg.Transport.Addr,
			Password: cfg.Transport.Password,
			DB:       cfg.Transport.DB,
		}), nil
	case "memory":
		return transport.NewMemory(), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown transport kind %q", cfg.Transport.Kind)
	}
}

// SignalContext returns a context cancelled on the process receiving
// SIGINT or SIGTERM, along with the stop function that must be deferred to
// release the signal handler.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// RunAdminServer registers handlers on a fresh mux, serves it on addr, and
// blocks until ctx is cancelled, at which point it shuts the server down
// gracefully within 5 seconds.
func RunAdminServer(ctx context.Context, addr string, register func(mux *http.ServeMux), logger *logging.Logger) error {
	mux := http.NewServeMux()
	register(mux)
	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin server listening", logging.String("address", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("admin server shutdown: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
