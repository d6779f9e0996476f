// Package app builds and holds the long-lived services: the relay and its
// sinks, the correlation core, the configured progress source and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/web-progress/internal/api"
	"github.com/JakeFAU/web-progress/internal/cancel"
	"github.com/JakeFAU/web-progress/internal/clock"
	"github.com/JakeFAU/web-progress/internal/clock/system"
	"github.com/JakeFAU/web-progress/internal/config"
	"github.com/JakeFAU/web-progress/internal/id/uuid"
	"github.com/JakeFAU/web-progress/internal/metrics"
	pubsubpub "github.com/JakeFAU/web-progress/internal/publisher/pubsub"
	"github.com/JakeFAU/web-progress/internal/registry"
	"github.com/JakeFAU/web-progress/internal/relay"
	"github.com/JakeFAU/web-progress/internal/relay/sinks"
	"github.com/JakeFAU/web-progress/internal/serial"
	"github.com/JakeFAU/web-progress/internal/source/memory"
	"github.com/JakeFAU/web-progress/internal/source/pubsub"
	"github.com/JakeFAU/web-progress/internal/tagger"
	"github.com/JakeFAU/web-progress/internal/tracker"
)

// App contains the application's dependencies.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	clock   clock.Clock
	exec    *serial.Executor
	bus     *relay.Relay
	hub     *relay.Hub
	metrics *prometheus.Registry

	registry  *registry.Registry
	tagger    *tagger.Tagger
	tracker   *tracker.Tracker
	canceller *cancel.Requester

	memory         *memory.Service
	listener       tracker.Listener
	eventPublisher sinks.TopicPublisher
	httpMetrics    *metrics.HTTP
	closers        []func() error

	apiServer *api.Server
}

// Option customises Build.
type Option func(*App)

// WithClock replaces the system clock.
func WithClock(clk clock.Clock) Option {
	return func(a *App) { a.clock = clk }
}

// WithEventPublisher replaces the Pub/Sub client used when
// pubsub.events_topic is set.
func WithEventPublisher(pub sinks.TopicPublisher) Option {
	return func(a *App) { a.eventPublisher = pub }
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:     cfg,
		logger:  logger,
		clock:   system.New(),
		exec:    serial.New(),
		metrics: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("transport", cfg.Progress.Transport),
		zap.String("source", cfg.Source.Kind),
	)

	a.bus = relay.New(a.clock, logger.Named("relay"))
	if err := a.setupHub(ctx); err != nil {
		a.closeInfrastructure(ctx)
		return nil, err
	}

	src, err := a.setupSource(ctx)
	if err != nil {
		a.closeInfrastructure(ctx)
		return nil, err
	}
	if err := a.setupListener(ctx); err != nil {
		a.closeInfrastructure(ctx)
		return nil, err
	}

	ids := uuid.New()
	a.registry = registry.New(a.bus, tagger.ExtractCode, logger.Named("registry"))
	a.tagger = tagger.New(tagger.Config{
		RoutePrefix:   cfg.Progress.RoutePrefix,
		Function:      cfg.Progress.Function,
		ProgressModel: cfg.Progress.Model,
	}, ids, a.registry, a.bus, a.exec, a.clock, logger.Named("tagger"))

	mode := tracker.ModePoll
	if cfg.Progress.Transport == config.TransportPush {
		mode = tracker.ModePush
	}
	a.tracker, err = tracker.New(tracker.Config{
		Mode:             mode,
		PollInterval:     cfg.Progress.PollInterval,
		FetchTimeout:     cfg.Progress.FetchTimeout,
		MaxFetchFailures: cfg.Progress.MaxFetchFailures,
	}, src.Fetcher, a.registry, a.bus, a.exec, a.clock, logger.Named("tracker"))
	if err != nil {
		a.closeInfrastructure(ctx)
		return nil, fmt.Errorf("tracker init failed: %w", err)
	}
	a.canceller = cancel.New(src.Canceller, a.registry, a.bus, a.exec, cfg.Progress.CancelTimeout, logger.Named("cancel"))

	a.apiServer = api.NewServer(api.Deps{
		Tagger:   a.tagger,
		Registry: registry.NewSerialized(a.registry, a.exec),
		Tracker:  a.tracker,
		Cancel:   a.canceller,
		Events:   a.bus,
		Active:   src.Active,
		Gatherer: a.metrics,
		IDs:      ids,

		HTTPMetrics: a.httpMetrics,
	}, cfg, logger.Named("api"))

	return a, nil
}

func (a *App) setupHub(ctx context.Context) error {
	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promSink, err := sinks.NewPrometheusSink(a.metrics)
	if err != nil {
		return fmt.Errorf("metrics sink init failed: %w", err)
	}
	a.httpMetrics, err = metrics.NewHTTP(a.metrics)
	if err != nil {
		return fmt.Errorf("http metrics init failed: %w", err)
	}
	hubSinks := []relay.Sink{sinks.NewLogSink(a.logger.Named("events")), promSink}

	if topic := a.cfg.PubSub.EventsTopic; topic != "" {
		pub := a.eventPublisher
		if pub == nil {
			client, err := pubsubpub.New(ctx, a.cfg.PubSub.ProjectID)
			if err != nil {
				return fmt.Errorf("pubsub publisher init failed: %w", err)
			}
			a.closers = append(a.closers, client.Close)
			pub = client
		}
		topicSink, err := sinks.NewTopicSink(pub, topic, a.logger.Named("events_topic"))
		if err != nil {
			return fmt.Errorf("topic sink init failed: %w", err)
		}
		hubSinks = append(hubSinks, topicSink)
		a.logger.Info("relay events republished to Pub/Sub", zap.String("topic", topic))
	}
	hubCfg := relay.HubConfig{
		BufferSize:     a.cfg.Hub.BufferSize,
		MaxBatchEvents: a.cfg.Hub.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Hub.MaxBatchWait,
		Logger:         a.logger.Named("relay_hub"),
	}
	a.hub = relay.NewHub(hubCfg, hubSinks...)
	a.hub.Attach(a.bus)
	a.logger.Info("relay hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupSource(ctx context.Context) (*Source, error) {
	src, err := OpenSource(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	a.memory = src.Memory
	a.closers = append(a.closers, src.Close)
	return src, nil
}

func (a *App) setupListener(ctx context.Context) error {
	if a.cfg.Progress.Transport != config.TransportPush {
		return nil
	}
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.Subscription == "" {
		if a.memory == nil {
			return errors.New("push transport requires a pubsub subscription")
		}
		a.listener = a.memory
		a.logger.Info("push transport fed by the in-memory source")
		return nil
	}
	sub, err := pubsub.New(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.Subscription, a.logger.Named("pubsub"))
	if err != nil {
		return fmt.Errorf("pubsub listener init failed: %w", err)
	}
	a.listener = sub
	a.closers = append(a.closers, sub.Close)
	a.logger.Info("Pub/Sub listener initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("subscription", a.cfg.PubSub.Subscription),
	)
	return nil
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Tagger returns the request tagger.
func (a *App) Tagger() *tagger.Tagger { return a.tagger }

// Registry returns the correlation registry.
func (a *App) Registry() *registry.Registry { return a.registry }

// Tracker returns the progress tracker.
func (a *App) Tracker() *tracker.Tracker { return a.tracker }

// Canceller returns the cancellation requester.
func (a *App) Canceller() *cancel.Requester { return a.canceller }

// Bus returns the event relay.
func (a *App) Bus() *relay.Relay { return a.bus }

// Memory returns the in-memory source, or nil when another source is configured.
func (a *App) Memory() *memory.Service { return a.memory }

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Listen runs the push listener, if any, until ctx ends.
func (a *App) Listen(ctx context.Context) error {
	if a.listener == nil {
		return nil
	}
	if err := a.tracker.Listen(ctx, a.listener); err != nil {
		return fmt.Errorf("push listener stopped: %w", err)
	}
	return nil
}

// Run serves HTTP and the push listener until ctx is cancelled or a signal
// arrives, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := a.Listen(ctx); err != nil {
			a.logger.Error("push listener error", zap.Error(err))
			stop()
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close stops tracking and releases every resource. Server-side operations
// keep running.
func (a *App) Close(ctx context.Context) error {
	if a.tracker != nil {
		if n := a.tracker.Close(); n > 0 {
			a.logger.Info("stopped tracking progress codes", zap.Int("codes", n))
		}
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("relay hub close failed", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("source close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
