// Package watch reloads in-memory state when the SQLite rows it was built
// from change.
//
// A Detector reads a version token; two different tokens mean something
// changed. The Watcher polls the detector and calls the reload action once
// the new token has been stable for the debounce window. A failed reload
// keeps the old token, so the next poll tries again.
//
//	w := watch.New(db, watch.Options{
//		Name:     "config",
//		Detector: watch.Sum(watch.MaxColumn("scheduling_config", "updated_at"),
//			watch.MaxColumn("publisher_routes", "updated_at")),
//	})
//	go w.Run(ctx, svc.Reload)
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Detector returns the current version token.
type Detector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes a Watcher.
type Options struct {
	// Name labels log lines. Default: "watch".
	Name string
	// Interval between polls. Default: 2s.
	Interval time.Duration
	// Debounce is how long a new token must stay unchanged before the
	// reload fires. 0 fires on the first poll that sees it.
	Debounce time.Duration
	// Detector is required.
	Detector Detector
	Logger   *slog.Logger
	// Now overrides the clock used for debouncing.
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.Name == "" {
		o.Name = "watch"
	}
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Stats are point-in-time counters.
type Stats struct {
	Checks   int64 `json:"checks"`
	Changes  int64 `json:"changes"`
	Errors   int64 `json:"errors"`
	Reloads  int64 `json:"reloads"`
	Version  int64 `json:"version"`
	LastLoad int64 `json:"last_reload_ms,omitempty"`
}

// Watcher polls a Detector. Poll is not safe for concurrent use; Stats
// and Version are.
type Watcher struct {
	db   *sql.DB
	opts Options

	mu           sync.Mutex
	seeded       bool
	pending      int64
	pendingSince time.Time
	hasPending   bool

	version  atomic.Int64
	checks   atomic.Int64
	changes  atomic.Int64
	errors   atomic.Int64
	reloads  atomic.Int64
	lastLoad atomic.Int64
}

// New creates a Watcher.
func New(db *sql.DB, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{db: db, opts: opts}
}

// Version is the token of the last successful reload (or the initial one).
func (w *Watcher) Version() int64 { return w.version.Load() }

// Stats returns the counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Checks:   w.checks.Load(),
		Changes:  w.changes.Load(),
		Errors:   w.errors.Load(),
		Reloads:  w.reloads.Load(),
		Version:  w.version.Load(),
		LastLoad: w.lastLoad.Load(),
	}
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, reload func(context.Context) error) {
	log := w.opts.Logger.With("watcher", w.opts.Name)
	log.Info("watch: started", "interval", w.opts.Interval, "debounce", w.opts.Debounce)
	t := time.NewTicker(w.opts.Interval)
	defer t.Stop()
	for {
		w.Poll(ctx, reload)
		select {
		case <-ctx.Done():
			log.Info("watch: stopped")
			return
		case <-t.C:
		}
	}
}

// Poll runs one detection cycle and reports whether reload ran
// successfully. The first call only records the initial token.
func (w *Watcher) Poll(ctx context.Context, reload func(context.Context) error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	log := w.opts.Logger.With("watcher", w.opts.Name)

	w.checks.Add(1)
	cur, err := w.opts.Detector(ctx, w.db)
	if err != nil {
		w.errors.Add(1)
		log.Warn("watch: version check failed", "error", err)
		return false
	}
	if !w.seeded {
		w.seeded = true
		w.version.Store(cur)
		return false
	}
	if cur == w.version.Load() {
		w.hasPending = false
		return false
	}

	now := w.opts.Now()
	if !w.hasPending || cur != w.pending {
		w.changes.Add(1)
		w.pending, w.pendingSince, w.hasPending = cur, now, true
		if w.opts.Debounce > 0 {
			log.Debug("watch: change detected, debouncing", "pending", cur)
			return false
		}
	}
	if now.Sub(w.pendingSince) < w.opts.Debounce {
		return false
	}

	start := time.Now()
	if err := reload(ctx); err != nil {
		w.errors.Add(1)
		log.Error("watch: reload failed", "error", err, "pending", cur)
		return false
	}
	took := time.Since(start)
	w.reloads.Add(1)
	w.lastLoad.Store(took.Milliseconds())
	w.version.Store(cur)
	w.hasPending = false
	log.Info("watch: reloaded", "version", cur, "duration", took)
	return true
}

// MaxColumn returns a Detector reading MAX(column) from table. It suits
// tables stamped with a millisecond updated_at.
func MaxColumn(table, column string) Detector {
	query := "SELECT COALESCE(MAX(" + quoteIdent(column) + "), 0) FROM " + quoteIdent(table)
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, query).Scan(&v)
		return v, err
	}
}

// Sum combines detectors. Any change in a monotonic part changes the sum.
func Sum(ds ...Detector) Detector {
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var total int64
		for _, d := range ds {
			v, err := d(ctx, db)
			if err != nil {
				return 0, err
			}
			total += v
		}
		return total, nil
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
