// Package coordinator wires the queue, cache, rate limiter, circuit
// breakers, transport, retry policy, dead-letter queue and monitor
// into the single external API the rest of an application calls:
// submit work, read status, and manage the engine's lifecycle.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dispatchkit/dispatchkit/internal/clock"
	"github.com/dispatchkit/dispatchkit/pkg/breaker"
	"github.com/dispatchkit/dispatchkit/pkg/cache"
	"github.com/dispatchkit/dispatchkit/pkg/config"
	"github.com/dispatchkit/dispatchkit/pkg/dispatch"
	"github.com/dispatchkit/dispatchkit/pkg/dlq"
	"github.com/dispatchkit/dispatchkit/pkg/events"
	"github.com/dispatchkit/dispatchkit/pkg/model"
	"github.com/dispatchkit/dispatchkit/pkg/monitor"
	"github.com/dispatchkit/dispatchkit/pkg/queue"
	"github.com/dispatchkit/dispatchkit/pkg/ratelimit"
	"github.com/dispatchkit/dispatchkit/pkg/retry"
	"github.com/dispatchkit/dispatchkit/pkg/transport"
)

// Status is the point-in-time summary external callers poll for.
type Status struct {
	Health      monitor.Health
	QueueStats  queue.Stats
	DLQDepth    int
	DLQDropped  uint64
	Breakers    []breaker.Stats
	CacheSize   int
	FailureRate float64
}

// Coordinator is the engine's external API surface: Submit work in,
// Status and events out, Start/Stop for lifecycle.
type Coordinator struct {
	cfg config.Config

	clock     clock.Clock
	queue     *queue.PriorityQueue
	cacheImpl *cache.Cache
	limiter   *ratelimit.Limiter
	breakers  *breaker.Manager
	dlqImpl   *dlq.Queue
	bus       *events.Bus
	monitor   *monitor.Monitor
	prom      *monitor.PrometheusExporter
	dispatcher *dispatch.Dispatcher
	logger    *zap.Logger

	collectStop chan struct{}
}

// New assembles every collaborator from cfg. transport.Transport is
// supplied by the caller so tests can swap in a fake one; production
// callers pass transport.NewHTTPClient(nil, logger).
func New(cfg config.Config, t transport.Transport, logger *zap.Logger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := clock.NewReal()
	q := queue.New(c, cfg.MaxQueueSize)

	var cacheImpl *cache.Cache
	if cfg.CacheEnabled {
		var err error
		cacheImpl, err = cache.New(cfg.CacheMaxEntries, cfg.CacheTTL, nil)
		if err != nil {
			return nil, fmt.Errorf("coordinator: building cache: %w", err)
		}
		if len(cfg.CacheableStatuses) > 0 {
			allowed := make(map[int]struct{}, len(cfg.CacheableStatuses))
			for _, s := range cfg.CacheableStatuses {
				allowed[s] = struct{}{}
			}
			cacheImpl.SetCacheablePredicate(func(r model.ResponseRecord) bool {
				if r.Outcome != model.Success {
					return false
				}
				_, ok := allowed[r.StatusCode]
				return ok
			})
		}
	}

	breakerCfg := breaker.Config{
		FailureThreshold: uint64(cfg.BreakerFailureThreshold),
		ResetTimeout:     cfg.BreakerTimeout,
		HalfOpenMaxCalls: int64(cfg.BreakerHalfOpenMaxCalls),
		SuccessThreshold: uint64(cfg.BreakerProbeRequired),
	}

	bus := events.NewBus()
	m := monitor.New(monitor.Thresholds{
		DegradedFailureRate:  cfg.MonitorDegradedRate,
		UnhealthyFailureRate: cfg.MonitorUnhealthyRate,
		MaxQueueDepth:        cfg.MaxQueueSize,
		Window:               cfg.MonitorFailureWindow,
	}, nil, nil)
	bus.Subscribe(m)

	var prom *monitor.PrometheusExporter
	if cfg.PrometheusEnabled {
		prom = monitor.NewPrometheusExporter()
		bus.Subscribe(prom)
	}

	dlqImpl := dlq.New(cfg.DLQMaxSize)

	var limiter *ratelimit.Limiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = ratelimit.New(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	}

	breakers := breaker.NewManager(breakerCfg, c)

	d := dispatch.New(dispatch.Config{
		Workers:   cfg.MaxConcurrentRequests,
		Queue:     q,
		Cache:     cacheImpl,
		Limiter:   limiter,
		Breakers:  breakers,
		Transport: t,
		DLQ:       dlqImpl,
		Bus:       bus,
		Clock:     c,
		Retry: retry.Policy{
			MaxRetries: cfg.RetryCount,
			BaseDelay:  cfg.RetryBaseDelay,
			MaxDelay:   cfg.RetryMaxDelay,
		},
		Logger: logger,
	})

	return &Coordinator{
		cfg:        cfg,
		clock:      c,
		queue:      q,
		cacheImpl:  cacheImpl,
		limiter:    limiter,
		breakers:   breakers,
		dlqImpl:    dlqImpl,
		bus:        bus,
		monitor:    m,
		prom:       prom,
		dispatcher: d,
		logger:     logger,
	}, nil
}

// Start loads a persisted queue snapshot if configured, then launches
// the worker pool and the periodic status collector.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.cfg.QueuePersistPath != "" {
		if data, err := os.ReadFile(c.cfg.QueuePersistPath); err == nil {
			if err := c.queue.Restore(data); err != nil && !errors.Is(err, queue.ErrClosed) {
				aside := fmt.Sprintf("%s.corrupt.%d", c.cfg.QueuePersistPath, time.Now().UnixNano())
				if renameErr := os.Rename(c.cfg.QueuePersistPath, aside); renameErr != nil {
					c.logger.Warn("coordinator: moving unreadable queue snapshot aside", zap.Error(renameErr))
				}
				c.logger.Warn("coordinator: discarding unreadable queue snapshot", zap.Error(err), zap.String("moved_to", aside))
			}
		}
	}
	if c.cfg.DLQPersistPath != "" {
		if data, err := os.ReadFile(c.cfg.DLQPersistPath); err == nil {
			if err := c.dlqImpl.Restore(data); err != nil {
				c.logger.Warn("coordinator: discarding unreadable dead-letter snapshot", zap.Error(err))
			}
		}
	}

	c.dispatcher.Start(ctx)
	c.collectStop = make(chan struct{})
	go c.collectLoop()
	c.logger.Info("coordinator started", zap.Int("workers", c.cfg.MaxConcurrentRequests))
	return nil
}

// Stop drains in-flight work, persists a queue snapshot if configured,
// and returns once every worker has exited or grace elapses.
func (c *Coordinator) Stop(grace time.Duration) error {
	close(c.collectStop)

	done := make(chan struct{})
	go func() {
		c.dispatcher.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		c.logger.Warn("coordinator: grace period elapsed before workers finished")
	}

	c.queue.Close()

	if c.cfg.QueuePersistPath != "" {
		data, err := c.queue.Snapshot()
		if err != nil {
			return fmt.Errorf("coordinator: snapshotting queue: %w", err)
		}
		if err := os.WriteFile(c.cfg.QueuePersistPath, data, 0o600); err != nil {
			return fmt.Errorf("coordinator: writing queue snapshot: %w", err)
		}
	}
	if c.cfg.DLQPersistPath != "" {
		data, err := c.dlqImpl.Snapshot()
		if err != nil {
			return fmt.Errorf("coordinator: snapshotting dead-letter queue: %w", err)
		}
		if err := os.WriteFile(c.cfg.DLQPersistPath, data, 0o600); err != nil {
			return fmt.Errorf("coordinator: writing dead-letter snapshot: %w", err)
		}
	}

	c.logger.Info("coordinator stopped")
	return nil
}

func (c *Coordinator) collectLoop() {
	ticker := time.NewTicker(c.cfg.MonitorCollectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.collectStop:
			return
		case <-ticker.C:
			stats := c.queue.Stats()
			c.monitor.SetQueueDepth(stats.Total)

			openCount := 0
			for _, b := range c.breakers.Snapshot() {
				if b.State == breaker.Open {
					openCount++
				}
			}
			c.monitor.SetBreakerOpenCount(openCount)

			if c.prom != nil {
				c.prom.Observe(c.monitor, stats.Total)
			}
		}
	}
}

// Submit admits a single request to the queue, assigning its expiry
// from the configured item TTL. It returns the request's ID for
// correlation against the event stream.
func (c *Coordinator) Submit(d *model.RequestDescriptor) (uuid.UUID, error) {
	now := c.clock.Now()
	expiresAt := now.Add(c.cfg.QueueItemTTL)

	if _, err := c.queue.Enqueue(d, now, expiresAt); err != nil {
		return d.ID, err
	}
	c.bus.Publish(events.Event{Kind: events.Submitted, At: now, RequestID: d.ID.String(), Priority: d.Priority})
	return d.ID, nil
}

// SubmitBatch admits every descriptor, stopping at the first failure
// (typically ErrFull) and reporting how many were admitted before it.
func (c *Coordinator) SubmitBatch(descs []*model.RequestDescriptor) (admitted int, err error) {
	for _, d := range descs {
		if _, err := c.Submit(d); err != nil {
			return admitted, err
		}
		admitted++
	}
	return admitted, nil
}

// Status reports a point-in-time view of the engine's health.
func (c *Coordinator) Status() Status {
	cacheSize := 0
	if c.cacheImpl != nil {
		cacheSize = c.cacheImpl.Len()
	}
	return Status{
		Health:      c.monitor.Health(),
		QueueStats:  c.queue.Stats(),
		DLQDepth:    c.dlqImpl.Len(),
		DLQDropped:  c.dlqImpl.Dropped(),
		Breakers:    c.breakers.Snapshot(),
		CacheSize:   cacheSize,
		FailureRate: c.monitor.FailureRate(),
	}
}

// Cancel marks a request so that when the dispatcher next sees it, it
// resolves as CANCELED rather than being attempted or retried. It has
// no effect on an attempt already in flight at the transport.
func (c *Coordinator) Cancel(id uuid.UUID) {
	c.dispatcher.Cancel(id)
}

// Events returns the bus new sinks can subscribe to.
func (c *Coordinator) Events() *events.Bus {
	return c.bus
}

// DeadLettered returns every record currently held in the dead-letter
// queue, for operator inspection or manual replay.
func (c *Coordinator) DeadLettered() []dlq.Record {
	return c.dlqImpl.List()
}

// PrometheusHandler returns an http.Handler serving /metrics, or nil
// if Prometheus export was not enabled in config.
func (c *Coordinator) PrometheusHandler() http.Handler {
	if c.prom == nil {
		return nil
	}
	return c.prom.Handler()
}
