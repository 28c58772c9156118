// Package engine wires storage, locking, events, settings and the request
// lifecycle into the single object the API and CLI talk to.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/tripdesk/internal/audit"
	"github.com/jordanhubbard/tripdesk/internal/database"
	"github.com/jordanhubbard/tripdesk/internal/eventbus"
	"github.com/jordanhubbard/tripdesk/internal/lifecycle"
	"github.com/jordanhubbard/tripdesk/internal/locking"
	"github.com/jordanhubbard/tripdesk/internal/messagebus"
	"github.com/jordanhubbard/tripdesk/internal/metrics"
	"github.com/jordanhubbard/tripdesk/internal/scheduler"
	"github.com/jordanhubbard/tripdesk/internal/settings"
	"github.com/jordanhubbard/tripdesk/internal/storage"
	"github.com/jordanhubbard/tripdesk/internal/store"
	"github.com/jordanhubbard/tripdesk/internal/temporal"
	"github.com/jordanhubbard/tripdesk/pkg/config"
	"github.com/jordanhubbard/tripdesk/pkg/models"
)

const eventSource = "engine"

// Engine is the backup assignment engine
type Engine struct {
	config     *config.Config
	store      store.Store
	database   *database.Database
	locker     locking.Locker
	redis      *locking.RedisLocker
	eventBus   *eventbus.EventBus
	messageBus *messagebus.NatsMessageBus
	bridge     *messagebus.Bridge
	trail      *audit.Trail
	dispatcher *audit.Dispatcher
	settings   *settings.Store
	metrics    *metrics.Metrics
	lifecycle  *lifecycle.Manager
	scheduler  *scheduler.Scheduler
	temporal   *temporal.Manager

	cancel       context.CancelFunc
	shutdownOnce sync.Once
	startedAt    time.Time
}

// New opens the configured storage and builds an engine on top of it
func New(cfg *config.Config) (*Engine, error) {
	var (
		st store.Store
		db *database.Database
	)
	switch cfg.Database.Type {
	case "postgres":
		pg, err := database.NewPostgres(cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		st, db = pg, pg
		log.Printf("[Engine] Using postgres database")
	case "sqlite":
		lite, err := database.New(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		st, db = lite, lite
		log.Printf("[Engine] Using sqlite database at %s", cfg.Database.Path)
	case "memory", "":
		st = storage.New()
		log.Printf("[Engine] Using in-memory storage (nothing is persisted)")
	default:
		return nil, fmt.Errorf("unknown database type %q", cfg.Database.Type)
	}

	e, err := build(cfg, st, db)
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, err
	}
	return e, nil
}

// NewWithStore builds an engine over an existing store. The store doubles
// as the settings KV when it implements settings.KV.
func NewWithStore(cfg *config.Config, st store.Store) (*Engine, error) {
	return build(cfg, st, nil)
}

func build(cfg *config.Config, st store.Store, db *database.Database) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	e := &Engine{
		config:    cfg,
		store:     st,
		database:  db,
		metrics:   metrics.NewMetrics(),
		startedAt: time.Now(),
	}

	if err := e.setupLocker(); err != nil {
		return nil, err
	}

	e.eventBus = eventbus.New(eventbus.Config{
		BufferSize:  cfg.EventBus.BufferSize,
		HistorySize: cfg.EventBus.HistorySize,
	})
	e.setupMessageBus()

	sinks := []audit.Sink{audit.NewEventBusSink(e.eventBus), audit.LogSink{}}
	if db != nil {
		e.trail = audit.NewTrail(db.DB(), db.IsPostgres())
	} else {
		e.trail = audit.NewTrail(nil, false)
	}
	sinks = append(sinks, e.trail)
	if e.messageBus != nil {
		sinks = append(sinks, audit.NewAlertBusSink(e.messageBus))
	}
	e.dispatcher = audit.NewDispatcher(audit.DispatcherConfig{
		QueueSize:       cfg.Audit.QueueSize,
		Workers:         cfg.Audit.Workers,
		MaxTries:        cfg.Audit.MaxTries,
		InitialInterval: cfg.Audit.InitialInterval,
		MaxInterval:     cfg.Audit.MaxInterval,
		Metrics:         e.metrics,
	}, sinks...)
	e.dispatcher.OnError(func(err error) {
		log.Printf("[Engine] Audit delivery failed permanently: %v", err)
	})

	var kv settings.KV
	if k, ok := st.(settings.KV); ok {
		kv = k
	}
	s, err := settings.NewStore(kv)
	if err != nil {
		return nil, err
	}
	e.settings = s
	if err := e.seedSettings(kv); err != nil {
		return nil, err
	}

	e.lifecycle = lifecycle.NewManager(lifecycle.Config{
		Store:   st,
		Locker:  e.locker,
		Emitter: e.dispatcher,
		Metrics: e.metrics,
	})
	e.scheduler = scheduler.New(scheduler.Config{
		Store:       st,
		Lifecycle:   e.lifecycle,
		Locker:      e.locker,
		Emitter:     e.dispatcher,
		Metrics:     e.metrics,
		Settings:    e.settings.Get(),
		Interval:    cfg.Scheduler.Interval,
		Concurrency: cfg.Scheduler.Concurrency,
	})
	e.settings.OnChange(func(next models.AutomationSettings) {
		e.scheduler.UpdateSettings(next)
		e.dispatcher.AppendLifecycleEvent(&eventbus.Event{
			ID:        uuid.New().String(),
			Type:      eventbus.EventTypeSettingsUpdated,
			Timestamp: time.Now(),
			Source:    eventSource,
			Data: map[string]interface{}{
				"enabled":                next.Enabled,
				"max_requests_per_trip":  next.MaxRequestsPerTrip,
				"response_timeout_hours": next.ResponseTimeoutHours,
				"min_match_score":        next.MinMatchScore,
				"retry_after_hours":      next.RetryAfterHours,
				"escalate_after_retries": next.EscalateAfterRetries,
			},
		})
	})

	return e, nil
}

func (e *Engine) setupLocker() error {
	cfg := e.config.Locking
	switch cfg.Backend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r, err := locking.NewRedisLocker(ctx, locking.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.TTL,
		})
		if err != nil {
			return err
		}
		e.redis, e.locker = r, r
	case "database":
		if e.database == nil {
			return fmt.Errorf("database lock backend requires a SQL database")
		}
		e.locker = e.database.NewLocker(cfg.TTL)
	default:
		e.locker = locking.NewKeyedMutex()
	}
	return nil
}

// setupMessageBus connects to NATS when enabled. A broker that cannot be
// reached leaves the engine running on local events only.
func (e *Engine) setupMessageBus() {
	cfg := e.config.NATS
	if !cfg.Enabled {
		return
	}
	hostname, _ := os.Hostname()
	mb, err := messagebus.NewNatsMessageBus(messagebus.Config{
		URL:            cfg.URL,
		StreamName:     cfg.StreamName,
		Timeout:        cfg.Timeout,
		ConsumerPrefix: hostname,
	})
	if err != nil {
		log.Printf("[Engine] Warning: failed to initialize NATS message bus: %v", err)
		return
	}
	e.messageBus = mb
	e.bridge = messagebus.NewBridge(mb, mb.Conn(), e.eventBus, "tripdesk-"+hostname)
	e.eventBus.SetForwarder(e.bridge)
	if err := e.bridge.Start(); err != nil {
		log.Printf("[Engine] Warning: %v", err)
	}
	log.Printf("[Engine] Initialized NATS message bus at %s", cfg.URL)
}

// seedSettings stores the configured automation settings the first time the
// engine runs against an empty settings table.
func (e *Engine) seedSettings(kv settings.KV) error {
	if kv != nil {
		if _, ok, err := kv.GetConfigValue(settings.ConfigKey); err != nil || ok {
			return err
		}
	}
	if e.config.Automation == e.settings.Get() {
		return nil
	}
	if err := e.settings.Update(e.config.Automation); err != nil {
		return fmt.Errorf("invalid automation settings in config: %w", err)
	}
	return nil
}

// Initialize starts background work: the settings file watcher and either
// the Temporal sweep workflow or the local sweep ticker.
func (e *Engine) Initialize(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	if path := e.config.Scheduler.SettingsFile; path != "" {
		w, err := settings.NewWatcher(path, e.settings)
		if err != nil {
			return fmt.Errorf("failed to watch settings file: %w", err)
		}
		go w.Run(ctx)
	}

	if e.database != nil && e.config.Locking.Backend == "database" {
		go e.reapLocks(ctx)
	}

	if e.config.Temporal.Enabled {
		tm, err := temporal.NewManager(ctx, &e.config.Temporal, e.scheduler)
		if err == nil {
			err = tm.Start(ctx)
			if err != nil {
				tm.Stop()
			}
		}
		if err == nil {
			e.temporal = tm
			log.Printf("[Engine] Sweeps driven by Temporal workflow %s", temporal.SweepWorkflowID)
			return nil
		}
		log.Printf("[Engine] Warning: Temporal unavailable, falling back to local scheduler: %v", err)
	}

	go e.scheduler.Run(ctx)
	return nil
}

// reapLocks removes trip locks left behind by crashed instances
func (e *Engine) reapLocks(ctx context.Context) {
	ticker := time.NewTicker(e.config.Locking.TTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.database.CleanupExpiredLocks(ctx)
			if err != nil {
				log.Printf("[Engine] Lock cleanup failed: %v", err)
			} else if n > 0 {
				log.Printf("[Engine] Removed %d expired trip locks", n)
			}
		}
	}
}

// Shutdown stops background work and releases connections
func (e *Engine) Shutdown(ctx context.Context) {
	e.shutdownOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.scheduler.Stop()
		if e.temporal != nil {
			e.temporal.Stop()
		}
		if err := e.dispatcher.Close(ctx); err != nil {
			log.Printf("[Engine] Audit dispatcher did not drain: %v", err)
		}
		if e.bridge != nil {
			e.bridge.Stop()
		}
		e.eventBus.Close()
		if e.messageBus != nil {
			_ = e.messageBus.Close()
		}
		if e.redis != nil {
			_ = e.redis.Close()
		}
		if e.database != nil {
			_ = e.database.Close()
		}
		log.Printf("[Engine] Shut down after %v", time.Since(e.startedAt).Round(time.Second))
	})
}

// TriggerSweep runs one reconciliation pass now
func (e *Engine) TriggerSweep(ctx context.Context) (*scheduler.SweepReport, error) {
	return e.scheduler.TriggerSweep(ctx, scheduler.TriggerManual)
}

// RespondToRequest records a sensei's accept or decline
func (e *Engine) RespondToRequest(ctx context.Context, requestID, decision, reason string) (*models.BackupRequest, error) {
	d, ok := models.ParseDecision(decision)
	if !ok {
		return nil, lifecycle.ErrInvalidDecision
	}
	return e.lifecycle.Respond(ctx, requestID, d, reason)
}

// GetRequestsForTrip lists every request for a trip. Unknown trips return ErrNotFound.
func (e *Engine) GetRequestsForTrip(ctx context.Context, tripID string) ([]*models.BackupRequest, error) {
	if _, err := e.store.GetTrip(ctx, tripID); err != nil {
		return nil, err
	}
	return e.lifecycle.RequestsForTrip(ctx, tripID)
}

// GetRequestsForSensei lists every request offered to a sensei
func (e *Engine) GetRequestsForSensei(ctx context.Context, senseiID string) ([]*models.BackupRequest, error) {
	if _, err := e.store.GetSensei(ctx, senseiID); err != nil {
		return nil, err
	}
	return e.lifecycle.RequestsForSensei(ctx, senseiID)
}

// OverrideAssign fills a trip's backup slot as an administrator
func (e *Engine) OverrideAssign(ctx context.Context, tripID, senseiID string, admin bool) (*lifecycle.OverrideResult, error) {
	return e.lifecycle.OverrideAssign(ctx, tripID, senseiID, admin)
}

// ResolveEscalation clears a trip's escalation so sweeps resume
func (e *Engine) ResolveEscalation(ctx context.Context, tripID string) (int, error) {
	return e.scheduler.ResolveEscalation(ctx, tripID)
}

// ListAlerts lists escalation alerts, newest first
func (e *Engine) ListAlerts(ctx context.Context, includeResolved bool) ([]*models.EscalationAlert, error) {
	return e.store.ListAlerts(ctx, includeResolved)
}

// TripState returns the scheduler's bookkeeping for a trip
func (e *Engine) TripState(ctx context.Context, tripID string) (*models.TripAutomationState, error) {
	if _, err := e.store.GetTrip(ctx, tripID); err != nil {
		return nil, err
	}
	return e.scheduler.TripState(ctx, tripID)
}

// GetSettings returns the current automation settings
func (e *Engine) GetSettings() models.AutomationSettings {
	return e.settings.Get()
}

// UpdateSettings validates and applies new automation settings
func (e *Engine) UpdateSettings(next models.AutomationSettings) error {
	return e.settings.Update(next)
}

// RecentEvents returns lifecycle events from the in-memory history, newest first
func (e *Engine) RecentEvents(limit int, tripID, eventType string) []*eventbus.Event {
	return e.eventBus.GetRecentEvents(limit, tripID, eventType)
}

// TripHistory returns the audit trail for a trip, oldest first
func (e *Engine) TripHistory(ctx context.Context, tripID string, limit int) ([]audit.Entry, error) {
	return e.trail.Query(ctx, tripID, limit)
}

// Health reports the state of each dependency
func (e *Engine) Health(ctx context.Context) map[string]string {
	status := map[string]string{"engine": "ok"}
	if e.database != nil {
		status["database"] = "ok"
		if err := e.database.Ping(ctx); err != nil {
			status["database"] = err.Error()
		}
	}
	if e.messageBus != nil {
		status["nats"] = "ok"
		if err := e.messageBus.Health(); err != nil {
			status["nats"] = err.Error()
		}
	}
	if e.temporal != nil {
		status["temporal"] = "ok"
	}
	stats := e.dispatcher.Stats()
	status["audit"] = fmt.Sprintf("delivered=%d failed=%d dropped=%d pending=%d",
		stats.Delivered, stats.Failed, stats.Dropped, e.dispatcher.Pending())
	return status
}

// Healthy reports whether every dependency answered
func (e *Engine) Healthy(ctx context.Context) bool {
	if e.database != nil && e.database.Ping(ctx) != nil {
		return false
	}
	if e.messageBus != nil && e.messageBus.Health() != nil {
		return false
	}
	return true
}

// GetEventBus returns the local event bus
func (e *Engine) GetEventBus() *eventbus.EventBus {
	return e.eventBus
}

// GetMetrics returns the Prometheus metrics
func (e *Engine) GetMetrics() *metrics.Metrics {
	return e.metrics
}

// GetStore returns the underlying store
func (e *Engine) GetStore() store.Store {
	return e.store
}

// Uptime returns time since the engine was built
func (e *Engine) Uptime() time.Duration {
	return time.Since(e.startedAt)
}

// IsNotFound reports whether err means an unknown trip, sensei or request
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
