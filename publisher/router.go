package publisher

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Route strategies stored in publisher_routes.strategy.
const (
	StrategyLocal    = "local"
	StrategyHTTP     = "http"
	StrategyDisabled = "disabled"
)

// Schema holds the per-platform routing table.
const Schema = `
CREATE TABLE IF NOT EXISTS publisher_routes (
    platform   TEXT PRIMARY KEY,
    strategy   TEXT NOT NULL,
    endpoint   TEXT NOT NULL DEFAULT '',
    config     TEXT NOT NULL DEFAULT '{}',
    updated_at INTEGER NOT NULL
);`

// EnsureTable creates publisher_routes.
func EnsureTable(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("publisher: create routes table: %w", err)
	}
	return nil
}

// RouteConfig is the JSON stored in publisher_routes.config for http routes.
type RouteConfig struct {
	TimeoutMs       int64  `json:"timeout_ms,omitempty"`
	Secret          string `json:"secret,omitempty"`
	BreakerFailures uint   `json:"breaker_failures,omitempty"`
	BreakerRequests uint   `json:"breaker_requests,omitempty"`
	BreakerDelayMs  int64  `json:"breaker_delay_ms,omitempty"`
}

func (c RouteConfig) httpConfig(endpoint string, logger *slog.Logger) HTTPConfig {
	return HTTPConfig{
		Endpoint: endpoint,
		Secret:   c.Secret,
		Timeout:  time.Duration(c.TimeoutMs) * time.Millisecond,
		Breaker: BreakerConfig{
			Failures: c.BreakerFailures,
			Requests: c.BreakerRequests,
			Delay:    time.Duration(c.BreakerDelayMs) * time.Millisecond,
		},
		Logger: logger,
	}
}

type route struct {
	Platform string
	Strategy string
	Endpoint string
	Config   string
}

func (rt route) fingerprint() string {
	return rt.Strategy + "|" + rt.Endpoint + "|" + rt.Config
}

// Router dispatches publishes per platform. Safe for concurrent use.
type Router struct {
	mu     sync.RWMutex
	local  map[string]Publisher
	remote map[string]*HTTPTransport
	snap   map[string]route
	logger *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a Router with no routes.
func NewRouter(opts ...Option) *Router {
	r := &Router{
		local:  make(map[string]Publisher),
		remote: make(map[string]*HTTPTransport),
		snap:   make(map[string]route),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterLocal registers an in-process publisher for a platform. It is
// used when no route row exists or the row says "local".
func (r *Router) RegisterLocal(platform string, p Publisher) {
	r.mu.Lock()
	r.local[platform] = p
	r.mu.Unlock()
}

// Publish resolves the platform route and delivers req:
//  1. disabled route: rejected without sending.
//  2. http route: the gateway transport.
//  3. local handler.
//  4. RouteNotFoundError.
func (r *Router) Publish(ctx context.Context, req *Request) (*Result, error) {
	r.mu.RLock()
	rt, hasRoute := r.snap[req.Platform]
	remote := r.remote[req.Platform]
	local := r.local[req.Platform]
	r.mu.RUnlock()

	if hasRoute && rt.Strategy == StrategyDisabled {
		return nil, &Error{Platform: req.Platform, Kind: KindRejected, Err: ErrDisabled}
	}
	if remote != nil {
		r.logger.DebugContext(ctx, "publisher: routing http", "platform", req.Platform, "endpoint", rt.Endpoint)
		return remote.Publish(ctx, req)
	}
	if local != nil {
		r.logger.DebugContext(ctx, "publisher: routing local", "platform", req.Platform)
		return local.Publish(ctx, req)
	}
	return nil, &RouteNotFoundError{Platform: req.Platform}
}

// Reload reads publisher_routes and rebuilds the http transports. Unchanged
// routes keep their transport, and with it their breaker state.
func (r *Router) Reload(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `SELECT platform, strategy, endpoint, config FROM publisher_routes`)
	if err != nil {
		return fmt.Errorf("publisher: query routes: %w", err)
	}
	defer rows.Close()

	next := make(map[string]route)
	for rows.Next() {
		var rt route
		if err := rows.Scan(&rt.Platform, &rt.Strategy, &rt.Endpoint, &rt.Config); err != nil {
			return fmt.Errorf("publisher: scan route: %w", err)
		}
		next[rt.Platform] = rt
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("publisher: rows: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	remote := make(map[string]*HTTPTransport)
	for name, rt := range next {
		if rt.Strategy != StrategyHTTP {
			continue
		}
		if old, ok := r.snap[name]; ok && old.fingerprint() == rt.fingerprint() {
			if t, ok := r.remote[name]; ok {
				remote[name] = t
				continue
			}
		}
		var cfg RouteConfig
		if rt.Config != "" {
			if err := json.Unmarshal([]byte(rt.Config), &cfg); err != nil {
				r.logger.Error("publisher: bad route config", "platform", name, "error", err)
				continue
			}
		}
		t, err := NewHTTPTransport(name, cfg.httpConfig(rt.Endpoint, r.logger))
		if err != nil {
			r.logger.Error("publisher: build route failed", "platform", name, "error", err)
			continue
		}
		remote[name] = t
		r.logger.Info("publisher: route built", "platform", name, "endpoint", rt.Endpoint)
	}

	for name, old := range r.remote {
		if remote[name] != old {
			old.Close()
		}
	}
	r.remote = remote
	r.snap = next

	r.logger.Info("publisher: routes reloaded", "total", len(next), "http", len(remote))
	return nil
}

// Routes lists the platform strategies of the last reload.
func (r *Router) Routes() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.snap))
	for name, rt := range r.snap {
		out[name] = rt.Strategy
	}
	return out
}

// Close shuts down the http transports.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.remote {
		t.Close()
	}
	r.remote = make(map[string]*HTTPTransport)
	r.snap = make(map[string]route)
	return nil
}

// SetRoute upserts a routing row. Call Reload (or let the watcher do it)
// for the change to take effect.
func SetRoute(ctx context.Context, db *sql.DB, platform, strategy, endpoint string, cfg RouteConfig) error {
	switch strategy {
	case StrategyLocal, StrategyDisabled:
	case StrategyHTTP:
		if _, err := NewHTTPTransport(platform, cfg.httpConfig(endpoint, nil)); err != nil {
			return err
		}
	default:
		return &RouteConfigError{Platform: platform, Reason: fmt.Sprintf("unknown strategy %q", strategy)}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("publisher: encode route config: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO publisher_routes (platform, strategy, endpoint, config, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(platform) DO UPDATE SET
			strategy = excluded.strategy,
			endpoint = excluded.endpoint,
			config = excluded.config,
			updated_at = excluded.updated_at`,
		platform, strategy, endpoint, string(raw), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("publisher: set route %s: %w", platform, err)
	}
	return nil
}
