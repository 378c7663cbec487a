// Command proxy runs the fabric side of a player-facing proxy: the routing
// core that decides where players go and relays route commands to the
// platform-specific connection layer. The actual network layer (a
// Velocity/BungeeCord-style plugin holding real player connections) is
// outside this module's scope; it injects its own PlayerDirectory and
// BackendConnector into router.New. This binary wires a no-op stand-in so
// the fabric plumbing can be rehearsed standalone.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/haroldsh/fulcrum/internal/admin"
	"github.com/haroldsh/fulcrum/internal/auditlog"
	"github.com/haroldsh/fulcrum/internal/bootstrap"
	"github.com/haroldsh/fulcrum/internal/bus"
	"github.com/haroldsh/fulcrum/internal/config"
	"github.com/haroldsh/fulcrum/internal/envelope"
	"github.com/haroldsh/fulcrum/internal/lifecycle"
	"github.com/haroldsh/fulcrum/internal/lifecycle/skew"
	"github.com/haroldsh/fulcrum/internal/logging"
	"github.com/haroldsh/fulcrum/internal/router"
	"github.com/haroldsh/fulcrum/internal/signing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}

	tr, err := bootstrap.NewTransport(*cfg)
	if err != nil {
		logger.Fatal("failed to construct transport", logging.Error(err))
	}
	defer func() { _ = tr.Close() }()

	var signer bus.Signer
	if cfg.SigningKey != "" {
		signer, err = signing.New(cfg.SigningKey)
		if err != nil {
			logger.Fatal("failed to configure envelope signer", logging.Error(err))
		}
	}

	var auditSink bus.AuditSink
	if dir := cfg.AuditLogDir; dir != "" {
		writer, err := auditlog.NewWriter(dir, cfg.AuditSegmentMaxBytes, nil)
		if err != nil {
			logger.Warn("audit log writer unavailable, continuing without it", logging.Error(err))
		} else {
			auditSink = writer
			defer func() { _ = writer.Close() }()
		}
	}

	ctx, stop := bootstrap.SignalContext()
	defer stop()

	stream := admin.NewStream(logger.With(logging.String("component", "admin-stream")))

	typeRegistry := envelope.NewTypeRegistry()
	if err := lifecycle.RegisterTypes(typeRegistry); err != nil {
		logger.Fatal("failed to register lifecycle message types", logging.Error(err))
	}
	if err := router.RegisterTypes(typeRegistry); err != nil {
		logger.Fatal("failed to register router message types", logging.Error(err))
	}
	if err := skew.RegisterTypes(typeRegistry); err != nil {
		logger.Fatal("failed to register clock-skew message types", logging.Error(err))
	}

	b := bus.New(*cfg, tr, typeRegistry,
		bus.WithLogger(logger.With(logging.String("component", "bus"))),
		bus.WithRegulator(bus.NewPublishRegulator(0, nil)),
		bus.WithSigner(signer),
		bus.WithAuditSink(auditSink),
		bus.WithTap(stream.Tap),
	)
	if err := b.Sweep(ctx); err != nil {
		logger.Warn("bus startup sweep failed", logging.Error(err))
	}

	role := envOr("FULCRUM_PROXY_ROLE", "edge")
	address := envOr("FULCRUM_PROXY_ADDRESS", "127.0.0.1")
	port := envIntOr("FULCRUM_PROXY_PORT", 25577)

	identity, err := lifecycle.NewIdentity(lifecycle.ServiceTypeProxy, role, address, port)
	if err != nil {
		logger.Fatal("failed to build service identity", logging.Error(err))
	}

	backend := newStandaloneBackend()
	r := router.New(b, *cfg, logger.With(logging.String("component", "router")), identity.TempID, backend, backend)

	skewLogger := logger.With(logging.String("component", "skew"))
	prober := skew.NewProber(b, skewLogger, identity.TempID, cfg.SkewThreshold)
	if err := prober.Start(ctx); err != nil {
		logger.Fatal("failed to start clock-skew prober", logging.Error(err))
	}

	ready := make(chan struct{})
	var readyOnce bool
	manager := lifecycle.New(b, *cfg, logger.With(logging.String("component", "lifecycle")), identity, 0, lifecycle.Callbacks{
		OnRegistrationSuccess: func(serviceID string) {
			logger.Info("registered with fleet", logging.String("service_id", serviceID))
			if err := r.SetProxyID(ctx, serviceID); err != nil {
				logger.Error("failed to rebind router to assigned proxy id", logging.Error(err))
			}
			prober.SetServiceID(serviceID)
			if !readyOnce {
				readyOnce = true
				close(ready)
				go prober.Run(ctx, cfg.SkewProbeInterval, cfg.SkewProbeInterval/2)
			}
		},
		OnRegistrationFailure: func(reason string) {
			logger.Error("registration failed", logging.String("reason", reason))
		},
		OnShutdown: func() {
			logger.Info("lifecycle shutdown complete")
		},
	})

	if err := r.Start(ctx); err != nil {
		logger.Fatal("failed to start router", logging.Error(err))
	}
	if err := manager.Start(ctx); err != nil {
		logger.Fatal("failed to start lifecycle manager", logging.Error(err))
	}

	handlers := admin.NewHandlerSet(admin.Options{
		Logger:      logger.With(logging.String("component", "admin")),
		Readiness:   proxyReadiness{manager: manager, ready: ready},
		Stream:      stream,
		AdminToken:  cfg.AdminToken,
		RateLimiter: admin.NewSlidingWindowLimiter(time.Second, 20, nil),
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- bootstrap.RunAdminServer(ctx, cfg.AdminAddr, handlers.Register, logger) }()

	<-ctx.Done()
	r.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("lifecycle shutdown reported an error", logging.Error(err))
	}
	if err := <-serveErr; err != nil {
		logger.Warn("admin server terminated with error", logging.Error(err))
	}
}

// standaloneBackend is a no-op PlayerDirectory/BackendConnector for running
// the routing core without a platform-specific proxy plugin attached; every
// player lookup reports absent, so route commands fail closed rather than
// pretending to move a connection that does not exist.
type standaloneBackend struct{}

func newStandaloneBackend() *standaloneBackend { return &standaloneBackend{} }

func (s *standaloneBackend) IsOnline(playerID string) bool { return false }

func (s *standaloneBackend) CurrentServer(playerID string) (string, bool) { return "", false }

func (s *standaloneBackend) Connect(ctx context.Context, playerID, serverID string) error {
	return fmt.Errorf("standalone backend: no platform connector attached")
}

func (s *standaloneBackend) SendRoutePayload(ctx context.Context, playerID string, cmd router.ProxyCommand) error {
	return fmt.Errorf("standalone backend: no platform connector attached")
}

func (s *standaloneBackend) Kick(ctx context.Context, playerID, reason string) error { return nil }

type proxyReadiness struct {
	manager *lifecycle.Manager
	ready   <-chan struct{}
}

func (p proxyReadiness) Ready() (bool, string) {
	select {
	case <-p.ready:
	default:
		return false, "registration pending"
	}
	status := p.manager.Status()
	if status == lifecycle.StatusAvailable || status == lifecycle.StatusFull {
		return true, ""
	}
	return false, string(status)
}

func (p proxyReadiness) Uptime() time.Duration {
	return time.Since(p.manager.Identity().StartedAt)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
