package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/cadence/idgen"
)

// Event types emitted by cadence.
const (
	EventPostScheduled  = "post.scheduled"
	EventPostCancelled  = "post.cancelled"
	EventPostPublished  = "post.published"
	EventPostFailed     = "post.failed"
	EventRecycleCreated = "recycle.created"
	EventConfigReloaded = "config.reloaded"
)

// BusinessEvent is one produced signal.
type BusinessEvent struct {
	ID         string         `json:"event_id"`
	Type       string         `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Action     string         `json:"action"`
	Details    map[string]any `json:"details,omitempty"`
	Success    bool           `json:"success"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Subscriber receives every event in-process, on the flush goroutine.
type Subscriber func(BusinessEvent)

// EventLogger persists events asynchronously. Emit never blocks: when the
// buffer is full the event is dropped and counted.
type EventLogger struct {
	db        *sql.DB
	newID     idgen.Generator
	now       func() time.Time
	logger    *slog.Logger
	subscribe Subscriber

	ch      chan BusinessEvent
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets how event ids are generated.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// WithSubscriber registers an in-process subscriber.
func WithSubscriber(s Subscriber) EventLoggerOption {
	return func(l *EventLogger) { l.subscribe = s }
}

// WithBufferSize sets the queue depth. Default 1024.
func WithBufferSize(n int) EventLoggerOption {
	return func(l *EventLogger) {
		if n > 0 {
			l.ch = make(chan BusinessEvent, n)
		}
	}
}

// WithLogger sets the logger used for persistence failures.
func WithLogger(lg *slog.Logger) EventLoggerOption {
	return func(l *EventLogger) { l.logger = lg }
}

// WithEventClock injects the clock stamping events.
func WithEventClock(now func() time.Time) EventLoggerOption {
	return func(l *EventLogger) { l.now = now }
}

// NewEventLogger starts the flush goroutine. Call Close to drain it.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:     db,
		newID:  idgen.Prefixed("evt_", idgen.Default),
		now:    time.Now,
		logger: slog.Default(),
		ch:     make(chan BusinessEvent, 1024),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.flushLoop()
	return l
}

// Emit queues ev. ID and CreatedAt are filled when empty.
func (l *EventLogger) Emit(ev BusinessEvent) {
	if ev.ID == "" {
		ev.ID = l.newID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.now()
	}
	select {
	case <-l.stop:
		l.dropped.Add(1)
		return
	default:
	}
	select {
	case l.ch <- ev:
	default:
		l.dropped.Add(1)
		l.logger.Warn("observability: event buffer full, dropping", "event_type", ev.Type, "entity_id", ev.EntityID)
	}
}

// Dropped is the number of events lost to a full buffer or a closed logger.
func (l *EventLogger) Dropped() int64 { return l.dropped.Load() }

// Close stops accepting events and waits for the queue to drain.
func (l *EventLogger) Close() error {
	l.once.Do(func() { close(l.stop) })
	<-l.done
	return nil
}

func (l *EventLogger) flushLoop() {
	defer close(l.done)
	batch := make([]BusinessEvent, 0, 64)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.insert(batch); err != nil {
			l.logger.Error("observability: persist events", "error", err, "count", len(batch))
		}
		if l.subscribe != nil {
			for _, ev := range batch {
				l.subscribe(ev)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stop:
			for {
				select {
				case ev := <-l.ch:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		case ev := <-l.ch:
			batch = append(batch, ev)
			if len(batch) >= cap(batch) {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (l *EventLogger) insert(batch []BusinessEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO business_event_logs
			(event_id, event_type, entity_type, entity_id, action, details, success, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, ev := range batch {
		details := []byte("{}")
		if len(ev.Details) > 0 {
			if details, err = json.Marshal(ev.Details); err != nil {
				return fmt.Errorf("encode %s details: %w", ev.ID, err)
			}
		}
		if _, err := stmt.ExecContext(ctx, ev.ID, ev.Type, ev.EntityType, ev.EntityID,
			ev.Action, string(details), ev.Success, ev.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert %s: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

// EventFilter narrows Query.
type EventFilter struct {
	Type     string
	EntityID string
	Limit    int
}

// Query returns events newest first.
func Query(ctx context.Context, db *sql.DB, f EventFilter) ([]BusinessEvent, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	q := `SELECT event_id, event_type, entity_type, entity_id, action, details, success, created_at
		FROM business_event_logs WHERE 1=1`
	var args []any
	if f.Type != "" {
		q += ` AND event_type = ?`
		args = append(args, f.Type)
	}
	if f.EntityID != "" {
		q += ` AND entity_id = ?`
		args = append(args, f.EntityID)
	}
	q += ` ORDER BY created_at DESC, event_id DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query events: %w", err)
	}
	defer rows.Close()

	var out []BusinessEvent
	for rows.Next() {
		var (
			ev      BusinessEvent
			details string
			created int64
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.EntityType, &ev.EntityID, &ev.Action, &details, &ev.Success, &created); err != nil {
			return nil, fmt.Errorf("observability: scan event: %w", err)
		}
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &ev.Details); err != nil {
				return nil, fmt.Errorf("observability: decode %s details: %w", ev.ID, err)
			}
		}
		ev.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than cutoff.
func Cleanup(ctx context.Context, db *sql.DB, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM business_event_logs WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup: %w", err)
	}
	return res.RowsAffected()
}
