// Package service wires together the hub client, state store, relay, sinks,
// scheduler and HTTP server into a single orchestrator.
package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/everywhere-relay/everywhere-relay/internal/collector"
	"github.com/everywhere-relay/everywhere-relay/internal/config"
	"github.com/everywhere-relay/everywhere-relay/internal/hub"
	"github.com/everywhere-relay/everywhere-relay/internal/relay"
	"github.com/everywhere-relay/everywhere-relay/internal/scheduler"
	"github.com/everywhere-relay/everywhere-relay/internal/server"
	"github.com/everywhere-relay/everywhere-relay/internal/sink"
	"github.com/everywhere-relay/everywhere-relay/internal/store"
)

// Options tune how a Service follows its configuration file.
type Options struct {
	// ConfigPath is watched for changes when non-empty.
	ConfigPath string
	// Overrides is applied to every reloaded config before validation, so
	// that command-line flags survive a reload.
	Overrides func(*config.Config)
	// OnReload is called with each accepted config.
	OnReload func(*config.Config)
}

// Service is the main application orchestrator.
type Service struct {
	holder    *config.Holder
	opts      Options
	store     store.Store
	relay     *relay.Relay
	queue     *scheduler.TaskQueue
	feed      *sink.WebSocketHub
	scheduler *scheduler.Scheduler
	server    *server.Server
	logger    *logrus.Entry
}

// New creates and initialises the service:
//  1. Opens the state store for the configured backend.
//  2. Creates the hub client.
//  3. Assembles the downstream sinks behind the delivery queue.
//  4. Creates the relay and its collectors.
//  5. Creates the scheduler and HTTP server.
func New(holder *config.Holder, opts Options, logger *logrus.Entry) (*Service, error) {
	cfg := holder.Get()
	log := logger.WithField("component", "service")

	// --- 1. Store ---
	st, err := NewStore(cfg.State)
	if err != nil {
		return nil, err
	}
	log.WithField("backend", cfg.State.Backend).Info("state store opened")

	// --- 2. Hub client ---
	client, err := hub.New(
		cfg.Hub.URL,
		cfg.Hub.RequestTimeout(),
		cfg.Hub.MaxRequestsPerSecond,
		cfg.Hub.BurstRequestsPerSecond,
		logger,
	)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("creating hub client: %w", err)
	}
	if cfg.Hub.TokenID == "" {
		log.Warn("no hub access token configured, bulk pulls disabled")
	}

	// --- 3. Sinks ---
	sinks := sink.Multi{sink.Log{Logger: logger}}
	if cfg.Output.URL != "" {
		sinks = append(sinks, sink.NewHTTP(cfg.Output.URL, cfg.Output.Token, cfg.Hub.RequestTimeout()))
		log.WithField("url", cfg.Output.URL).Info("HTTP output enabled")
	}
	var feed *sink.WebSocketHub
	if cfg.Output.WebSocket {
		feed = sink.NewWebSocketHub(logger)
		sinks = append(sinks, feed)
	}
	queue := scheduler.NewTaskQueue(cfg.Output.QueueSize, logger)
	out := sink.NewQueued(sinks, queue, cfg.Hub.RequestTimeout(), logger)

	// --- 4. Relay and collectors ---
	rl := relay.New(holder, client, st, out, logger)

	registry := collector.NewRegistry(logger)
	registry.Register(collector.NewDevicesCollector(rl, cfg.Server.DeviceMetrics))
	registry.Register(collector.NewQueueCollector(queue))

	// --- 5. Scheduler and HTTP server ---
	sched := scheduler.NewScheduler(logger)
	sched.AddTask(scheduler.NewTask("tick",
		func() time.Duration { return holder.Get().Schedule.Interval() },
		func(ctx context.Context) error {
			_, err := rl.Tick(ctx)
			return err
		},
		logger,
	))
	sched.AddQueue(queue)

	var feedHandler http.Handler
	if feed != nil {
		feedHandler = feed
	}
	srv := server.NewServer(holder, registry, rl, feedHandler, logger)

	return &Service{
		holder:    holder,
		opts:      opts,
		store:     st,
		relay:     rl,
		queue:     queue,
		feed:      feed,
		scheduler: sched,
		server:    srv,
		logger:    log,
	}, nil
}

// NewStore opens the store selected by cfg.Backend.
func NewStore(cfg config.StateConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		rs, err := store.NewRedisStore(cfg.RedisURL, cfg.Key, cfg.LockTTL())
		if err != nil {
			return nil, fmt.Errorf("creating redis store: %w", err)
		}
		return rs, nil
	case config.BackendPostgres:
		ps, err := store.NewPostgresStore(cfg.PostgresDSN, cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("creating postgres store: %w", err)
		}
		return ps, nil
	case config.BackendMemory, "":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

// Relay returns the service's relay.
func (s *Service) Relay() *relay.Relay {
	return s.relay
}

// Run starts the scheduler, the HTTP server and the config watcher, then
// blocks until ctx is cancelled. On cancellation it performs a graceful
// shutdown.
func (s *Service) Run(ctx context.Context) error {
	s.scheduler.Start(ctx)

	if err := s.server.Start(ctx); err != nil {
		s.scheduler.Stop()
		_ = s.store.Close()
		return fmt.Errorf("starting server: %w", err)
	}

	if s.opts.ConfigPath != "" {
		go func() {
			if err := config.Watch(ctx, s.opts.ConfigPath, s.reload, s.logger); err != nil {
				s.logger.WithError(err).Error("config watcher stopped")
			}
		}()
	}

	s.server.SetReady(true)
	s.logger.Info("relay is ready")

	<-ctx.Done()

	s.logger.Info("shutting down relay")
	s.server.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.server.Stop(shutdownCtx); err != nil {
		s.logger.WithError(err).Error("error during server shutdown")
	}

	// Stopping the scheduler drains the delivery queue.
	s.scheduler.Stop()

	if s.feed != nil {
		s.feed.Close()
	}
	if err := s.store.Close(); err != nil {
		s.logger.WithError(err).Error("error closing store")
	}

	return nil
}

// RunOnce performs a single scheduled tick, waits for its emission to be
// delivered and releases every resource.
func (s *Service) RunOnce(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.WithError(err).Error("error closing store")
		}
	}()

	fc, tickErr := s.relay.Tick(ctx)

	// Deliveries are detached from ctx; a cancelled context makes the queue
	// run what is pending and return.
	drainCtx, cancel := context.WithCancel(context.Background())
	cancel()
	s.queue.Start(drainCtx)

	if tickErr != nil {
		return fmt.Errorf("tick: %w", tickErr)
	}
	s.logger.WithField("features", len(fc.Features)).Info("tick finished")
	return nil
}

// reload accepts a config read by the watcher. Connection-level settings
// (listen address, store backend, hub URL and rate limits) apply on restart.
func (s *Service) reload(cfg *config.Config) {
	if s.opts.Overrides != nil {
		s.opts.Overrides(cfg)
		if err := config.Validate(cfg); err != nil {
			s.logger.WithError(err).Error("reloaded config invalid after overrides, keeping previous config")
			return
		}
	}
	s.holder.Set(cfg)
	if s.opts.OnReload != nil {
		s.opts.OnReload(cfg)
	}
}
