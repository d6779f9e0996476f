package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-progress/internal/cancel"
	"github.com/JakeFAU/web-progress/internal/config"
	"github.com/JakeFAU/web-progress/internal/policy/ratelimit"
	"github.com/JakeFAU/web-progress/internal/source"
	"github.com/JakeFAU/web-progress/internal/source/jsonrpc"
	"github.com/JakeFAU/web-progress/internal/source/memory"
	"github.com/JakeFAU/web-progress/internal/source/postgres"
	"github.com/JakeFAU/web-progress/internal/tracker"
)

// Source is the server-side collaborator selected by source.kind.
type Source struct {
	Kind      string
	Fetcher   tracker.Fetcher
	Canceller cancel.Canceller
	Active    source.ActiveLister
	// Memory is set only for the in-memory source.
	Memory *memory.Service

	close func()
}

// Close releases connections held by the source.
func (s *Source) Close() error {
	if s != nil && s.close != nil {
		s.close()
		s.close = nil
	}
	return nil
}

// Remote reports whether the source talks to a real server.
func (s *Source) Remote() bool {
	return s != nil && s.Kind != config.SourceMemory
}

// OpenSource builds the progress source named by cfg.Source.Kind.
func OpenSource(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Source.Kind {
	case config.SourceJSONRPC:
		client, err := jsonrpc.New(jsonrpc.Config{
			BaseURL:   cfg.Source.JSONRPC.URL,
			SessionID: cfg.Source.JSONRPC.SessionID,
			Model:     cfg.Progress.Model,
			Timeout:   cfg.Progress.FetchTimeout,
			Limiter: ratelimit.New(ratelimit.Config{
				DefaultRPS:   cfg.Source.JSONRPC.MaxRPS,
				DefaultBurst: cfg.Source.JSONRPC.Burst,
				OnDelay: func(host string, d time.Duration) {
					logger.Debug("json-rpc call delayed by rate limit", zap.String("host", host), zap.Duration("delay", d))
				},
			}),
		}, nil, logger.Named("jsonrpc"))
		if err != nil {
			return nil, fmt.Errorf("jsonrpc source init failed: %w", err)
		}
		logger.Info("using json-rpc progress source", zap.String("url", cfg.Source.JSONRPC.URL))
		return &Source{Kind: cfg.Source.Kind, Fetcher: client, Canceller: client, Active: client}, nil
	case config.SourcePostgres:
		store, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.Source.Postgres.DSN,
			Table:    cfg.Source.Postgres.Table,
			MaxConns: cfg.Source.Postgres.MaxConns,
			MaxAge:   cfg.Source.Postgres.MaxAge,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres source init failed: %w", err)
		}
		logger.Info("using postgres progress source", zap.String("table", cfg.Source.Postgres.Table))
		return &Source{Kind: cfg.Source.Kind, Fetcher: store, Canceller: store, Active: store, close: store.Close}, nil
	case config.SourceMemory, "":
		svc := memory.New()
		logger.Info("using in-memory progress source")
		return &Source{Kind: config.SourceMemory, Fetcher: svc, Canceller: svc, Active: svc, Memory: svc}, nil
	default:
		return nil, fmt.Errorf("unknown progress source %q", cfg.Source.Kind)
	}
}
