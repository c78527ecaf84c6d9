// Package cadence schedules and delivers social-media posts derived from
// published articles.
//
// Service is the composition root of the engine: it decides when a post goes
// out (urgency, platform audience windows, ±10 min collision avoidance,
// breaking-news suppression), governs evergreen recycling, and runs the
// delivery state machine over a durable SQLite queue. HTTP and MCP adapters
// sit on top (NewHandler, RegisterMCP).
//
//	svc, _ := cadence.New(db, &cadence.Config{}, logger)
//	svc.Start(ctx)
//	defer svc.Close()
//	post, err := svc.SchedulePost(ctx, cadence.ScheduleRequest{ArticleID: "a1", Platform: cadence.Twitter})
package cadence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hazyhaar/cadence/cadence/internal/copytext"
	"github.com/hazyhaar/cadence/cadence/internal/delivery"
	"github.com/hazyhaar/cadence/cadence/internal/model"
	"github.com/hazyhaar/cadence/cadence/internal/recycle"
	"github.com/hazyhaar/cadence/cadence/internal/scheduler"
	"github.com/hazyhaar/cadence/cadence/internal/store"
	"github.com/hazyhaar/cadence/idgen"
	"github.com/hazyhaar/cadence/observability"
	"github.com/hazyhaar/cadence/publisher"
	"github.com/hazyhaar/cadence/vtq"
	"github.com/hazyhaar/cadence/watch"
)

// Scorer rates the historical performance of an article in [0, 1].
type Scorer = recycle.Scorer

// Service is the cadence orchestrator.
type Service struct {
	db        *sql.DB
	store     *store.Store
	queue     *vtq.Q
	scheduler *scheduler.Scheduler
	recycler  *recycle.Engine
	delivery  *delivery.Engine
	router    *publisher.Router // nil when a custom publisher is injected
	publisher publisher.Publisher
	finalizer Finalizer
	scorer    Scorer
	events    *observability.EventLogger
	metrics   *observability.Metrics
	registry  *prometheus.Registry
	watcher   *watch.Watcher
	config    *Config
	schedCfg  atomic.Pointer[model.SchedulingConfig]
	now       model.Clock
	newID     idgen.Generator
	logger    *slog.Logger
	subscribe observability.Subscriber

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed sync.Once
}

// Option configures a Service during creation.
type Option func(*Service)

// WithClock pins the clock used by scheduling, delivery and recycling.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPublisher replaces the per-platform router.
func WithPublisher(p publisher.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithFinalizer replaces the default copy finalizer.
func WithFinalizer(f Finalizer) Option {
	return func(s *Service) { s.finalizer = f }
}

// WithScorer replaces the article performance scorer.
func WithScorer(sc Scorer) Option {
	return func(s *Service) { s.scorer = sc }
}

// WithRegistry registers the metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Service) { s.registry = reg }
}

// WithIDGenerator sets how post ids are generated.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Service) { s.newID = gen }
}

// WithEventSubscriber receives every business event in-process.
func WithEventSubscriber(fn observability.Subscriber) Option {
	return func(s *Service) { s.subscribe = fn }
}

// New creates a Service on db. Schemas are applied and the scheduling config
// is loaded, or seeded from cfg.SeedConfig on first start.
func New(db *sql.DB, cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		db:     db,
		store:  store.NewStore(db),
		config: cfg,
		now:    model.SystemClock,
		newID:  idgen.Prefixed("post_", idgen.Default),
		logger: logger,
	}
	for _, o := range opts {
		o(s)
	}

	ctx := context.Background()
	if err := store.ApplySchema(db); err != nil {
		return nil, fmt.Errorf("cadence: apply schema: %w", err)
	}
	if err := observability.Init(db); err != nil {
		return nil, err
	}
	if err := publisher.EnsureTable(db); err != nil {
		return nil, err
	}

	s.queue = vtq.New(db, vtq.Options{
		Queue:        cfg.Queue,
		Visibility:   cfg.Visibility,
		PollInterval: cfg.PollInterval,
		Now:          s.now,
		Logger:       logger,
		OnTerminal:   func(j *vtq.Job, err error) { s.delivery.JobFinished(j, err) },
	})
	if err := s.queue.EnsureTable(ctx); err != nil {
		return nil, fmt.Errorf("cadence: queue table: %w", err)
	}

	sc, err := s.store.LoadSchedulingConfig(ctx, cfg.SeedConfig)
	if err != nil {
		return nil, fmt.Errorf("cadence: load scheduling config: %w", err)
	}
	s.schedCfg.Store(sc)

	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = observability.NewMetrics(s.registry)

	evOpts := []observability.EventLoggerOption{
		observability.WithLogger(logger),
		observability.WithEventClock(s.now),
	}
	if s.subscribe != nil {
		evOpts = append(evOpts, observability.WithSubscriber(s.subscribe))
	}
	s.events = observability.NewEventLogger(db, evOpts...)

	if s.publisher == nil {
		s.router = publisher.NewRouter(publisher.WithLogger(logger))
		for _, p := range model.Platforms {
			s.router.RegisterLocal(string(p), publisher.DryRun{Logger: logger})
		}
		if err := s.router.Reload(ctx, db); err != nil {
			s.events.Close()
			return nil, fmt.Errorf("cadence: publisher routes: %w", err)
		}
		s.publisher = s.router
	}
	if s.finalizer == nil {
		s.finalizer = copytext.New(cfg.Tracking)
	}
	if s.scorer == nil {
		s.scorer = store.ArticleScorer{Store: s.store}
	}

	s.scheduler = scheduler.New(s.store, s.now, logger)
	s.recycler = recycle.New(s.store, s.scorer,
		recycle.WithCriteria(cfg.Eligibility),
		recycle.WithClock(s.now),
		recycle.WithLogger(logger))
	s.delivery = delivery.New(s.store, s.queue, s.publisher,
		delivery.WithClock(s.now),
		delivery.WithLogger(logger),
		delivery.WithMetrics(s.metrics),
		delivery.OnPublished(func(p *model.ScheduledPost) {
			s.emit(observability.EventPostPublished, "publish", p, true, map[string]any{
				"platform_post_id": p.PlatformPostID,
				"attempts":         p.PublishingAttempts.Count + 1,
			})
		}),
		delivery.OnFailed(func(p *model.ScheduledPost) {
			s.emit(observability.EventPostFailed, "publish", p, false, map[string]any{
				"failure_reason": p.FailureReason,
				"attempts":       p.PublishingAttempts.Count,
			})
		}))

	s.watcher = watch.New(db, watch.Options{
		Name:     "cadence-config",
		Interval: cfg.ReloadInterval,
		Debounce: cfg.ReloadInterval / 2,
		Detector: watch.Sum(
			watch.MaxColumn("scheduling_config", "updated_at"),
			watch.MaxColumn("publisher_routes", "updated_at"),
		),
		Logger: logger,
	})
	return s, nil
}

// Start launches the delivery workers, the config watcher, housekeeping and
// the optional recycle sweep. Non-blocking; Close stops them.
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if n, err := s.delivery.RequeueScheduled(ctx); err != nil {
		s.logger.Error("cadence: requeue scheduled posts", "error", err)
	} else if n > 0 {
		s.logger.Warn("cadence: requeued scheduled posts without a live job", "count", n)
	}

	s.goLoop(func() {
		s.queue.RunBatch(ctx, s.config.BatchSize, s.config.Concurrency, s.delivery.Handle)
	})
	s.goLoop(func() { s.watcher.Run(ctx, s.reload) })
	s.goLoop(func() { s.every(ctx, s.config.HousekeepingInterval, s.housekeeping) })
	if s.config.RecycleInterval > 0 {
		s.goLoop(func() {
			s.every(ctx, s.config.RecycleInterval, func(ctx context.Context) {
				res, err := s.RecycleDue(ctx, s.config.RecycleBatch)
				if err != nil {
					s.logger.Error("cadence: recycle sweep", "error", err)
					return
				}
				s.logger.Info("cadence: recycle sweep", "considered", res.Considered, "recycled", len(res.Recycled), "posts", res.Posts)
			})
		})
	}
	s.logger.Info("cadence: started", "queue", s.config.Queue, "concurrency", s.config.Concurrency)
}

func (s *Service) goLoop(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Service) every(ctx context.Context, d time.Duration, fn func(context.Context)) {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(ctx)
		}
	}
}

// Close stops the background loops, drains in-flight deliveries and flushes
// pending business events.
func (s *Service) Close() error {
	s.closed.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.events.Close()
		if s.router != nil {
			s.router.Close()
		}
		s.logger.Info("cadence: closed")
	})
	return nil
}

// reload swaps in the stored scheduling config and publisher routes.
func (s *Service) reload(ctx context.Context) error {
	cfg, err := s.store.LoadSchedulingConfig(ctx, s.config.SeedConfig)
	if err != nil {
		return err
	}
	s.schedCfg.Store(cfg)
	if s.router != nil {
		if err := s.router.Reload(ctx, s.db); err != nil {
			return err
		}
	}
	s.events.Emit(observability.BusinessEvent{
		Type: observability.EventConfigReloaded, EntityType: "config", EntityID: "scheduling", Action: "reload", Success: true,
	})
	return nil
}

func (s *Service) housekeeping(ctx context.Context) {
	cutoff := s.now().Add(-s.config.Retention)
	jobs, err := s.queue.PurgeFinished(ctx, cutoff)
	if err != nil {
		s.logger.Warn("cadence: purge queue", "error", err)
	}
	events, err := observability.Cleanup(ctx, s.db, cutoff)
	if err != nil {
		s.logger.Warn("cadence: purge events", "error", err)
	}
	if jobs+events > 0 {
		s.logger.Info("cadence: housekeeping", "jobs_purged", jobs, "events_purged", events)
	}
}

// SchedulingConfig returns the config in effect.
func (s *Service) SchedulingConfig() *SchedulingConfig {
	return s.schedCfg.Load()
}

// UpdateSchedulingConfig validates and stores cfg and applies it at once.
func (s *Service) UpdateSchedulingConfig(ctx context.Context, cfg *SchedulingConfig) error {
	if cfg == nil {
		return &model.ValidationError{Field: "config", Reason: "required"}
	}
	cfg.Normalize()
	if err := s.store.SaveSchedulingConfig(ctx, cfg); err != nil {
		return err
	}
	s.schedCfg.Store(cfg)
	s.events.Emit(observability.BusinessEvent{
		Type: observability.EventConfigReloaded, EntityType: "config", EntityID: "scheduling", Action: "update", Success: true,
		Details: map[string]any{"timezone": cfg.Timezone},
	})
	s.logger.Info("cadence: scheduling config updated", "timezone", cfg.Timezone)
	return nil
}

// UpsertArticle stores source content. It is the ingest hook of the article
// feed.
func (s *Service) UpsertArticle(ctx context.Context, a *Article) error {
	switch {
	case a == nil || a.ID == "":
		return &model.ValidationError{Field: "id", Reason: "required"}
	case a.URL == "":
		return &model.ValidationError{Field: "url", Reason: "required"}
	case !a.ContentType.Valid():
		return &model.ValidationError{Field: "content_type", Reason: fmt.Sprintf("unknown content type %q", a.ContentType)}
	case a.PerformanceScore != nil && (*a.PerformanceScore < 0 || *a.PerformanceScore > 1):
		return &model.ValidationError{Field: "performance_score", Reason: "must be within [0, 1]"}
	}
	if a.PublishedAt.IsZero() {
		a.PublishedAt = s.now()
	}
	return s.store.UpsertArticle(ctx, a)
}

// SetRoute changes how posts reach platform and applies it at once.
func (s *Service) SetRoute(ctx context.Context, platform Platform, strategy, endpoint string, cfg RouteConfig) error {
	if !platform.Valid() {
		return &model.ValidationError{Field: "platform", Reason: fmt.Sprintf("unsupported platform %q", platform)}
	}
	err := publisher.SetRoute(ctx, s.db, string(platform), strategy, endpoint, cfg)
	var rce *publisher.RouteConfigError
	if errors.As(err, &rce) {
		return &model.ValidationError{Field: "route", Reason: rce.Reason}
	}
	if err != nil {
		return err
	}
	if s.router == nil {
		return nil
	}
	return s.reload(ctx)
}

// SetPerformanceScore records the analytics score of an article.
func (s *Service) SetPerformanceScore(ctx context.Context, articleID string, score float64) error {
	if score < 0 || score > 1 {
		return &model.ValidationError{Field: "performance_score", Reason: "must be within [0, 1]"}
	}
	return s.store.SetPerformanceScore(ctx, articleID, score)
}

// Stats reports post and queue counts.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	posts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	st := &Stats{Posts: posts, Queue: map[string]int{}, Dropped: s.events.Dropped(), Reloads: s.watcher.Stats().Reloads}
	for _, state := range []vtq.State{vtq.StateWaiting, vtq.StateActive, vtq.StateCompleted, vtq.StateFailed, vtq.StateCancelled} {
		n, err := s.queue.Count(ctx, state)
		if err != nil {
			return nil, err
		}
		st.Queue[string(state)] = n
	}
	if s.router != nil {
		st.Routes = s.router.Routes()
	}
	return st, nil
}

// DeliverDue processes every delivery job visible now, one at a time, and
// returns how many ran. It serves one-shot runs and tests; Start runs the
// concurrent workers.
func (s *Service) DeliverDue(ctx context.Context) (int, error) {
	n := 0
	for ctx.Err() == nil {
		job, err := s.queue.Claim(ctx)
		if err != nil {
			return n, err
		}
		if job == nil {
			break
		}
		s.queue.Process(ctx, job, s.delivery.Handle)
		n++
	}
	return n, ctx.Err()
}

// Registry is the Prometheus registry holding the service metrics.
func (s *Service) Registry() *prometheus.Registry { return s.registry }

// Events returns the most recent business events for an entity, newest
// first.
func (s *Service) Events(ctx context.Context, entityID string, limit int) ([]observability.BusinessEvent, error) {
	return observability.Query(ctx, s.db, observability.EventFilter{EntityID: entityID, Limit: limit})
}

func (s *Service) emit(typ, action string, p *model.ScheduledPost, success bool, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["platform"] = string(p.Platform)
	details["article_id"] = p.ArticleID
	details["status"] = string(p.Status)
	s.events.Emit(observability.BusinessEvent{
		Type: typ, EntityType: "post", EntityID: p.ID, Action: action, Details: details, Success: success,
	})
}
