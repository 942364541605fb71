// Package chatflow provides a top-level convenience entry point for
// wiring the turn scheduler with minimal boilerplate.
//
// Usage:
//
//	app, err := chatflow.Open(config.Default(),
//	    chatflow.WithProvider(myProvider),
//	    chatflow.WithAssembler(myAssembler),
//	)
//
// The provider and assembler are external collaborators; everything
// else (store, pool, metrics, event sinks) is assembled from the
// configuration.
package chatflow

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/chatflow/config"
	"github.com/BaSui01/chatflow/events"
	"github.com/BaSui01/chatflow/internal/database"
	"github.com/BaSui01/chatflow/internal/metrics"
	"github.com/BaSui01/chatflow/llm"
	"github.com/BaSui01/chatflow/scheduler"
	"github.com/BaSui01/chatflow/store"
)

// App bundles the wired components.
type App struct {
	Scheduler *scheduler.Scheduler
	Store     *store.Store
	Pool      *database.PoolManager
	Sink      events.Sink
	WebSocket *events.WebSocketSink
	Logger    *zap.Logger
}

// Option customizes Open.
type Option func(*options)

type options struct {
	provider  llm.Provider
	assembler llm.Assembler
	logger    *zap.Logger
	extraSink events.Sink
	metricsNS string
}

// WithProvider sets the generation client.
func WithProvider(p llm.Provider) Option { return func(o *options) { o.provider = p } }

// WithAssembler sets the prompt assembler.
func WithAssembler(a llm.Assembler) Option { return func(o *options) { o.assembler = a } }

// WithLogger sets a custom zap logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithSink adds an extra event sink alongside the configured ones.
func WithSink(s events.Sink) Option { return func(o *options) { o.extraSink = s } }

// WithMetricsNamespace overrides the prometheus namespace (default
// "chatflow"). Pass "" through the default to keep it.
func WithMetricsNamespace(ns string) Option { return func(o *options) { o.metricsNS = ns } }

// Open assembles an App from the configuration.
func Open(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.provider == nil {
		return nil, fmt.Errorf("a generation provider is required (chatflow.WithProvider)")
	}
	if o.assembler == nil {
		return nil, fmt.Errorf("a prompt assembler is required (chatflow.WithAssembler)")
	}
	if o.metricsNS == "" {
		o.metricsNS = "chatflow"
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = buildLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
	}

	st, err := store.Open(store.Dialect(cfg.Database.Dialect), cfg.Database.DSN, logger)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		return nil, err
	}

	pool, err := database.NewPoolManager(st.DB(), database.PoolConfig{
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, err
	}

	ws := events.NewWebSocketSink(logger)
	sinks := events.MultiSink{ws}
	if cfg.Events.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Events.RedisAddr})
		sinks = append(sinks, events.NewRedisSink(client, cfg.Events.RedisChannel, logger))
	}
	if o.extraSink != nil {
		sinks = append(sinks, o.extraSink)
	}

	collector := metrics.NewCollector(o.metricsNS, logger)

	sched := scheduler.New(st, scheduler.Options{
		Provider:     o.provider,
		Assembler:    o.assembler,
		Sink:         sinks,
		Metrics:      collector,
		Logger:       logger,
		ReapInterval: cfg.Scheduler.ReapInterval,
		ReapTimeout:  cfg.Scheduler.ReapTimeout,
	})

	return &App{
		Scheduler: sched,
		Store:     st,
		Pool:      pool,
		Sink:      sinks,
		WebSocket: ws,
		Logger:    logger,
	}, nil
}

// Close releases the App's resources.
func (a *App) Close() error {
	a.WebSocket.Close()
	return a.Pool.Close()
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.Set(cfg.Level); err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
