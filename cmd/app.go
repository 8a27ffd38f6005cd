package cmd

import (
	"context"
	"fmt"
	"strings"

	"rollgroups/config"
	"rollgroups/database"
	"rollgroups/events"
	"rollgroups/observability"
	"rollgroups/repository"
	"rollgroups/runlock"
	"rollgroups/service"

	log "github.com/sirupsen/logrus"
)

// natsStreamName is the JetStream stream that captures forwarded events
const natsStreamName = "ROLLGROUPS"

// app holds the wired dependencies shared by serve and run-once
type app struct {
	cfg       *config.Config
	db        *database.DB
	eventBus  *events.Bus
	nats      *events.NATSClient
	redisLock *runlock.Redis
	metrics   *observability.MetricsProvider
	groups    service.GroupService
	recompute *service.RecomputeEngine
}

// newApp connects to every configured backend and builds the services
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	log.Info("Connecting to database...")
	db, err := database.NewConnection(ctx, cfg.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.db = db
	log.Info("Database connection established")

	a.metrics = observability.NewMetricsProvider(cfg)
	if err := a.metrics.Initialize(ctx); err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	a.eventBus = events.NewBus()
	if cfg.NATSServers != "" {
		if err := a.connectNATS(ctx); err != nil {
			a.close(ctx)
			return nil, err
		}
	}

	opts := []service.EngineOption{
		service.WithWorkers(cfg.RecomputeWorkers),
		service.WithGroupTimeout(cfg.RecomputeGroupTimeout),
		service.WithMode(cfg.MembershipMode),
		service.WithMetrics(a.metrics),
		service.WithPublisher(a.eventBus),
	}

	if cfg.RedisURL != "" {
		lock, err := runlock.NewRedisFromURL(ctx, cfg.RedisURL, cfg.RunLockTTL)
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redisLock = lock
		opts = append(opts, service.WithLocker(lock))
		log.Info("Using Redis run lock")
	}

	uowFactory := repository.NewUnitOfWorkFactory(db, a.eventBus)
	a.groups = service.NewGroupService(uowFactory)
	a.recompute = service.NewRecomputeEngine(uowFactory, opts...)

	log.WithFields(log.Fields{
		"mode":         cfg.MembershipMode,
		"workers":      cfg.RecomputeWorkers,
		"groupTimeout": cfg.RecomputeGroupTimeout,
	}).Info("Recompute engine initialized")

	return a, nil
}

func (a *app) connectNATS(ctx context.Context) error {
	client := events.NewNATSClient(a.cfg.NATSServers)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	a.nats = client

	if err := client.EnsureStream(natsStreamName, a.cfg.NATSSubjectPrefix); err != nil {
		return fmt.Errorf("failed to ensure NATS stream: %w", err)
	}

	events.NewForwarder(client, a.cfg.NATSSubjectPrefix).
		WithObserver(a.metrics).
		Attach(a.eventBus)

	log.WithFields(log.Fields{
		"servers": a.cfg.NATSServers,
		"subject": a.cfg.NATSSubjectPrefix + ".>",
	}).Info("Forwarding events to NATS")
	return nil
}

// healthChecks returns a check per connected backend
func (a *app) healthChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{
		"database": a.db.Ping,
	}
	if a.nats != nil {
		checks["nats"] = func(context.Context) error {
			if !a.nats.IsConnected() {
				return fmt.Errorf("not connected")
			}
			return nil
		}
	}
	if a.redisLock != nil {
		checks["redis"] = a.redisLock.Ping
	}
	return checks
}

// close releases backends in reverse order of acquisition
func (a *app) close(ctx context.Context) {
	var errs []string

	if a.redisLock != nil {
		if err := a.redisLock.Close(); err != nil {
			errs = append(errs, "redis: "+err.Error())
		}
	}
	if a.nats != nil {
		if err := a.nats.Close(); err != nil {
			errs = append(errs, "nats: "+err.Error())
		}
	}
	if a.metrics != nil {
		if err := a.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, "metrics: "+err.Error())
		}
	}
	if a.db != nil {
		a.db.Close()
	}

	if len(errs) > 0 {
		log.WithField("errors", strings.Join(errs, "; ")).Warn("Errors during shutdown")
	}
}
