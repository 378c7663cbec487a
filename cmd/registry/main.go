// Command registry runs the fleet's coordinating process: service id
// allocation, crash detection, and the admin surface operators use to
// inspect the fleet.
package main

import (
	"context"
	"fmt"
	"os"
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
	"github.com/haroldsh/fulcrum/internal/registry"
	"github.com/haroldsh/fulcrum/internal/signing"
)

func main() {
	startedAt := time.Now()

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

	auditWriter, err := auditlog.NewWriter(cfg.AuditLogDir, cfg.AuditSegmentMaxBytes, nil)
	if err != nil {
		logger.Fatal("failed to initialise audit log writer", logging.Error(err))
	}
	defer func() {
		if err := auditWriter.Close(); err != nil {
			logger.Warn("audit log writer close failed", logging.Error(err))
		}
	}()

	cleanerLogger := logger.With(logging.String("component", "audit-cleaner"))
	cleaner := auditlog.NewCleaner(cfg.AuditLogDir, auditlog.RetentionPolicy{
		MaxSegments: cfg.AuditMaxSegments,
		MaxAge:      time.Duration(cfg.AuditMaxAgeDays) * 24 * time.Hour,
	}, cleanerLogger)

	ctx, stop := bootstrap.SignalContext()
	defer stop()

	go cleaner.Run(ctx, time.Hour)

	fleet, err := registry.LoadFleetConfig(cfg.FleetConfigPath)
	if err != nil {
		logger.Fatal("failed to load fleet configuration", logging.Error(err))
	}
	knownRoles := fleet.KnownRoles()

	stream := admin.NewStream(logger.With(logging.String("component", "admin-stream")))

	typeRegistry := envelope.NewTypeRegistry()
	if err := lifecycle.RegisterTypes(typeRegistry); err != nil {
		logger.Fatal("failed to register lifecycle message types", logging.Error(err))
	}
	if err := skew.RegisterTypes(typeRegistry); err != nil {
		logger.Fatal("failed to register clock-skew message types", logging.Error(err))
	}

	busLogger := logger.With(logging.String("component", "bus"))
	b := bus.New(*cfg, tr, typeRegistry,
		bus.WithLogger(busLogger),
		bus.WithRegulator(bus.NewPublishRegulator(0, nil)),
		bus.WithSigner(signer),
		bus.WithAuditSink(auditWriter),
		bus.WithTap(stream.Tap),
	)
	if err := b.Sweep(ctx); err != nil {
		logger.Warn("bus startup sweep failed", logging.Error(err))
	}
	if err := b.SetServiceID(ctx, "registry"); err != nil {
		logger.Fatal("failed to bind registry service id", logging.Error(err))
	}
	if err := skew.Respond(ctx, b, logger.With(logging.String("component", "skew"))); err != nil {
		logger.Fatal("failed to subscribe clock-skew responder", logging.Error(err))
	}

	reg := registry.New(tr, *cfg, logger.With(logging.String("component", "registry"))).WithAuditSink(auditWriter)

	if err := wireRegistrationHandlers(ctx, b, reg, knownRoles, logger); err != nil {
		logger.Fatal("failed to subscribe registry handlers", logging.Error(err))
	}

	go runCrashSweep(ctx, b, reg, cfg.CrashDetectionTimeout, logger)

	handlers := admin.NewHandlerSet(admin.Options{
		Logger:      logger.With(logging.String("component", "admin")),
		Readiness:   registryReadiness{transport: tr, startedAt: startedAt},
		Registry:    reg,
		Stream:      stream,
		AdminToken:  cfg.AdminToken,
		RateLimiter: admin.NewSlidingWindowLimiter(time.Second, 20, nil),
		Compressor:  admin.NewGZIPCompressor(),
	})

	if err := bootstrap.RunAdminServer(ctx, cfg.AdminAddr, handlers.Register, logger); err != nil {
		logger.Fatal("admin server terminated", logging.Error(err))
	}
}

// wireRegistrationHandlers subscribes the bus-facing glue that drives the
// Registry from fleet traffic: registration requests, heartbeats, and
// explicit unregistration on shutdown.
func wireRegistrationHandlers(ctx context.Context, b *bus.Bus, reg *registry.Registry, knownRoles map[string]registry.FamilySpec, logger *logging.Logger) error {
	if err := b.Subscribe(ctx, lifecycle.TypeRegistrationRequest, func(ctx context.Context, env envelope.Envelope) {
		handleRegistrationRequest(ctx, b, reg, knownRoles, logger, env)
	}); err != nil {
		return fmt.Errorf("subscribe registration request: %w", err)
	}
	if err := b.Subscribe(ctx, lifecycle.TypeHeartbeat, func(ctx context.Context, env envelope.Envelope) {
		handleHeartbeat(ctx, b, reg, logger, env)
	}); err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	if err := b.Subscribe(ctx, lifecycle.TypeServerRemoved, func(ctx context.Context, env envelope.Envelope) {
		handleServerRemoved(ctx, reg, logger, env)
	}); err != nil {
		return fmt.Errorf("subscribe server removed: %w", err)
	}
	return nil
}

func handleRegistrationRequest(ctx context.Context, b *bus.Bus, reg *registry.Registry, knownRoles map[string]registry.FamilySpec, logger *logging.Logger, env envelope.Envelope) {
	var req lifecycle.RegistrationRequest
	if err := env.Unmarshal(&req); err != nil {
		logger.Warn("registration: malformed request", logging.Error(err))
		return
	}
	if len(knownRoles) > 0 {
		if _, known := knownRoles[req.Role]; !known {
			logger.Warn("registration: unexpected role", logging.String("role", req.Role), logging.String("temp_id", req.TempID))
		}
	}

	identity := lifecycle.Identity{
		TempID:      req.TempID,
		ServiceType: lifecycle.ServiceType(req.ServiceType),
		Role:        req.Role,
		Address:     req.Address,
		Port:        req.Port,
		StartedAt:   time.Now(),
	}

	result, err := reg.Register(ctx, identity, req.InstanceUUID, req.MaxCapacity)
	resp := lifecycle.RegistrationResponse{TempID: req.TempID}
	if err != nil {
		logger.Error("registration: register call failed", logging.Error(err))
		resp.Success = false
		resp.Reason = "internal error"
	} else if result.Outcome == registry.OutcomeFailure {
		resp.Success = false
		resp.Reason = result.Reason
	} else {
		resp.Success = true
		resp.AssignedServerID = result.ServiceID
	}

	if err := b.Broadcast(ctx, lifecycle.TypeRegistrationResponse, resp); err != nil {
		logger.Warn("registration: broadcast response failed", logging.Error(err))
	}
}

func handleHeartbeat(ctx context.Context, b *bus.Bus, reg *registry.Registry, logger *logging.Logger, env envelope.Envelope) {
	var hb lifecycle.Heartbeat
	if err := env.Unmarshal(&hb); err != nil {
		logger.Warn("heartbeat: malformed payload", logging.Error(err))
		return
	}
	found, err := reg.Heartbeat(ctx, hb.ServiceID, hb.PlayerCount, hb.MaxCapacity, hb.TPS, lifecycle.Status(hb.Status))
	if err != nil {
		logger.Warn("heartbeat: update failed", logging.String("service_id", hb.ServiceID), logging.Error(err))
		return
	}
	if !found {
		//1.- A heartbeat from an id the registry has no record for means the
		// sender's state has drifted (expired record, crash/restart race);
		// ask the whole fleet to reregister rather than just this one id,
		// since we cannot address a reply to an id we don't recognise.
		logger.Warn("heartbeat: unknown service id, requesting reregistration", logging.String("service_id", hb.ServiceID))
		if err := b.Broadcast(ctx, lifecycle.TypeReregisterGlobal, struct{}{}); err != nil {
			logger.Warn("heartbeat: reregister broadcast failed", logging.Error(err))
		}
	}
}

func handleServerRemoved(ctx context.Context, reg *registry.Registry, logger *logging.Logger, env envelope.Envelope) {
	var removal lifecycle.RemovalNotification
	if err := env.Unmarshal(&removal); err != nil {
		logger.Warn("removal: malformed payload", logging.Error(err))
		return
	}
	if err := reg.Unregister(ctx, removal.ServiceID); err != nil {
		logger.Warn("removal: unregister failed", logging.String("service_id", removal.ServiceID), logging.Error(err))
	}
}

// runCrashSweep periodically marks stale records OFFLINE until ctx is done.
func runCrashSweep(ctx context.Context, b *bus.Bus, reg *registry.Registry, timeout time.Duration, logger *logging.Logger) {
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			crashed, err := reg.CheckCrashed(ctx, timeout)
			if err != nil {
				logger.Warn("crash sweep failed", logging.Error(err))
				continue
			}
			for _, id := range crashed {
				logger.Info("crash sweep marked service offline", logging.String("service_id", id))
				removal := lifecycle.RemovalNotification{ServiceID: id, Reason: "CRASH_DETECTED"}
				if err := b.Broadcast(ctx, lifecycle.TypeServerRemoved, removal); err != nil {
					logger.Warn("crash sweep broadcast failed", logging.Error(err))
				}
			}
		}
	}
}

type registryReadiness struct {
	transport interface{ IsConnected() bool }
	startedAt time.Time
}

func (r registryReadiness) Ready() (bool, string) {
	if !r.transport.IsConnected() {
		return false, "transport unavailable"
	}
	return true, ""
}

func (r registryReadiness) Uptime() time.Duration { return time.Since(r.startedAt) }
