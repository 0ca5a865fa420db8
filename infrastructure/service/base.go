// Package service provides a common start/stop/health lifecycle for
// long-running components; cmd/api runs the scheduler on it.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opslens/sentinel/pkg/logger"
)

const healthCheckTimeout = 5 * time.Second

// HealthChecker is satisfied by anything the base service should probe for
// liveness (the relational store, the vector store).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// BaseConfig contains shared configuration for all long-running services.
type BaseConfig struct {
	ID     string
	Name   string
	DB     HealthChecker
	Logger *logger.Logger
}

// BaseService provides a consistent start/stop/health shape:
//   - safe stop channel management (sync.Once prevents double-close panic)
//   - optional hydration hook run once before workers start
//   - background ticker/plain worker management
//   - cached health status for an /info or /healthz endpoint
type BaseService struct {
	id   string
	name string
	db   HealthChecker
	log  *logger.Logger

	stopCh   chan struct{}
	stopOnce sync.Once

	hydrate func(context.Context) error
	statsFn func() map[string]any
	workers []func(context.Context)

	healthMu        sync.RWMutex
	dbHealthy       bool
	lastHealthCheck time.Time
	startTime       time.Time
}

// NewBase constructs a BaseService from shared config.
func NewBase(cfg BaseConfig) *BaseService {
	log := cfg.Logger
	if log == nil {
		name := cfg.ID
		if name == "" {
			name = "service"
		}
		log = logger.NewDefault(name)
	}

	return &BaseService{
		id:        cfg.ID,
		name:      cfg.Name,
		db:        cfg.DB,
		log:       log,
		stopCh:    make(chan struct{}),
		dbHealthy: cfg.DB == nil,
	}
}

// Logger returns the service's structured logger.
func (b *BaseService) Logger() *logger.Logger { return b.log }

// ID returns the service's identifier.
func (b *BaseService) ID() string { return b.id }

// WithHydrate sets an optional hydrate hook executed once during Start,
// before background workers are launched. Use it to load persisted state.
func (b *BaseService) WithHydrate(fn func(context.Context) error) *BaseService {
	b.hydrate = fn
	return b
}

// WithStats sets a statistics provider consulted by a status endpoint.
func (b *BaseService) WithStats(fn func() map[string]any) *BaseService {
	b.statsFn = fn
	return b
}

// Stats returns the current statistics snapshot, or nil if none registered.
func (b *BaseService) Stats() map[string]any {
	if b.statsFn == nil {
		return nil
	}
	return b.statsFn()
}

// AddWorker registers a background worker started after hydrate completes.
// Workers receive the context and must respect context cancellation and
// StopChan().
func (b *BaseService) AddWorker(fn func(context.Context)) *BaseService {
	b.workers = append(b.workers, fn)
	return b
}

type tickerWorkerConfig struct {
	name           string
	runImmediately bool
}

// TickerWorkerOption configures AddTickerWorker behavior.
type TickerWorkerOption func(*tickerWorkerConfig)

// WithTickerWorkerName sets a friendly name used in error logs.
func WithTickerWorkerName(name string) TickerWorkerOption {
	return func(cfg *tickerWorkerConfig) { cfg.name = name }
}

// WithTickerWorkerImmediate runs the worker once immediately on start,
// before waiting for the first tick.
func WithTickerWorkerImmediate() TickerWorkerOption {
	return func(cfg *tickerWorkerConfig) { cfg.runImmediately = true }
}

// AddTickerWorker registers a periodic background worker that calls fn on
// every tick until the context is cancelled or Stop is called; cmd/api uses
// it for the scheduler tick.
func (b *BaseService) AddTickerWorker(interval time.Duration, fn func(context.Context) error, opts ...TickerWorkerOption) *BaseService {
	cfg := tickerWorkerConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	worker := func(ctx context.Context) {
		logErr := func(err error) {
			if err == nil {
				return
			}
			entry := b.log.WithError(err)
			if cfg.name != "" {
				entry = entry.WithField("worker", cfg.name)
			}
			entry.Warn("worker error")
		}

		if cfg.runImmediately {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			default:
			}
			if err := fn(ctx); err != nil {
				logErr(err)
			}
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					logErr(err)
				}
			}
		}
	}
	b.workers = append(b.workers, worker)
	return b
}

// StopChan exposes the stop channel for worker goroutines.
func (b *BaseService) StopChan() <-chan struct{} { return b.stopCh }

// Start runs hydrate once, then launches every registered worker.
func (b *BaseService) Start(ctx context.Context) error {
	b.healthMu.Lock()
	if b.startTime.IsZero() {
		b.startTime = time.Now()
	}
	b.healthMu.Unlock()

	if b.hydrate != nil {
		if err := b.hydrate(ctx); err != nil {
			return fmt.Errorf("hydrate: %w", err)
		}
	}

	for _, w := range b.workers {
		worker := w
		go worker(ctx)
	}
	return nil
}

// Stop signals workers to return. Idempotent via sync.Once.
func (b *BaseService) Stop() error {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	return nil
}

// WorkerCount returns the number of registered background workers.
func (b *BaseService) WorkerCount() int { return len(b.workers) }

// CheckHealth refreshes the cached health state by probing the store.
func (b *BaseService) CheckHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	healthy := true
	if b.db != nil {
		if err := b.db.HealthCheck(ctx); err != nil {
			healthy = false
		}
	}

	b.healthMu.Lock()
	b.dbHealthy = healthy
	b.lastHealthCheck = time.Now()
	b.healthMu.Unlock()
}

// HealthStatus returns "healthy" or "unhealthy" after refreshing state.
func (b *BaseService) HealthStatus() string {
	b.CheckHealth()
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	if b.db != nil && !b.dbHealthy {
		return "unhealthy"
	}
	return "healthy"
}

// HealthDetails returns a map describing the most recent health state.
func (b *BaseService) HealthDetails() map[string]any {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()

	details := map[string]any{
		"db_connected": b.dbHealthy,
	}
	if !b.lastHealthCheck.IsZero() {
		details["last_check"] = b.lastHealthCheck.Format(time.RFC3339)
	} else {
		details["last_check"] = ""
	}
	uptime := time.Duration(0)
	if !b.startTime.IsZero() {
		uptime = time.Since(b.startTime)
	}
	details["uptime"] = uptime.String()
	return details
}
