// Package vtq implements a durable delayed-job queue with a visibility
// timeout, backed by SQLite.
//
// A job is keyed: enqueuing a key that already exists is a no-op reporting
// ErrDuplicate, so producers can re-enqueue freely. Jobs become visible at a
// chosen time. A claimed job is invisible for the visibility duration; if
// its worker crashes the job reappears and is claimed again. Failed
// attempts are retried with exponential backoff until MaxAttempts, then the
// job is marked failed. Finished rows are kept for audit until purged.
//
//	waiting ──claim──▶ active ──ok──▶ completed
//	   ▲                 │
//	   └──retry(backoff)─┤──last attempt──▶ failed
//	waiting ──cancel──▶ cancelled
//	{completed, failed, cancelled} ──requeue──▶ waiting
//
// Schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS vtq_jobs (
//	    queue        TEXT NOT NULL DEFAULT '',
//	    id           TEXT NOT NULL,
//	    payload      BLOB,
//	    state        TEXT NOT NULL DEFAULT 'waiting',
//	    visible_at   INTEGER NOT NULL,  -- milliseconds since epoch
//	    created_at   INTEGER NOT NULL,
//	    updated_at   INTEGER NOT NULL,
//	    attempts     INTEGER NOT NULL DEFAULT 0,
//	    max_attempts INTEGER NOT NULL DEFAULT 1,
//	    backoff_ms   INTEGER NOT NULL DEFAULT 0,
//	    last_error   TEXT NOT NULL DEFAULT '',
//	    PRIMARY KEY (queue, id)
//	);
package vtq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrDuplicate is returned by Enqueue when the key already exists.
var ErrDuplicate = errors.New("vtq: duplicate job key")

// State is the lifecycle state of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Job is a row in the queue.
type Job struct {
	ID          string
	Queue       string
	Payload     []byte
	State       State
	VisibleAt   time.Time
	CreatedAt   time.Time
	Attempts    int
	MaxAttempts int
	Backoff     time.Duration
	LastError   string
}

// EnqueueOptions controls delivery of one job.
type EnqueueOptions struct {
	// Delay before the first attempt. Negative values are treated as 0.
	Delay time.Duration
	// MaxAttempts is the total number of attempts. Default: 1.
	MaxAttempts int
	// Backoff is the delay before the first retry; it doubles on each
	// further retry. Default: 0 (retry on the next poll).
	Backoff time.Duration
}

// Options configures queue behaviour.
type Options struct {
	// Queue is the logical queue name. Multiple queues can coexist in the
	// same table. Default: "".
	Queue string
	// Visibility is how long a claimed job stays invisible. Default: 30s.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts. Default: 1s.
	PollInterval time.Duration
	// OnTerminal is called once a job completes (err == nil) or fails for
	// the last time (err != nil). It runs on the worker goroutine.
	OnTerminal func(job *Job, err error)
	// Now overrides the clock. Default: time.Now.
	Now func() time.Time
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the vtq_jobs table and index if they don't exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vtq_jobs (
			queue        TEXT NOT NULL DEFAULT '',
			id           TEXT NOT NULL,
			payload      BLOB,
			state        TEXT NOT NULL DEFAULT 'waiting',
			visible_at   INTEGER NOT NULL,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL,
			attempts     INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 1,
			backoff_ms   INTEGER NOT NULL DEFAULT 0,
			last_error   TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (queue, id)
		);
		CREATE INDEX IF NOT EXISTS idx_vtq_claim ON vtq_jobs (queue, state, visible_at);
	`)
	return err
}

const jobColumns = `id, queue, payload, state, visible_at, created_at, attempts, max_attempts, backoff_ms, last_error`

// Enqueue inserts a job under key. It returns ErrDuplicate, and changes
// nothing, when the key already exists in any state.
func (q *Q) Enqueue(ctx context.Context, key string, payload []byte, eo EnqueueOptions) error {
	if eo.MaxAttempts <= 0 {
		eo.MaxAttempts = 1
	}
	if eo.Delay < 0 {
		eo.Delay = 0
	}
	now := q.opts.Now()
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO vtq_jobs (queue, id, payload, state, visible_at, created_at, updated_at, max_attempts, backoff_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(queue, id) DO NOTHING`,
		q.opts.Queue, key, payload, string(StateWaiting), now.Add(eo.Delay).UnixMilli(),
		now.UnixMilli(), now.UnixMilli(), eo.MaxAttempts, eo.Backoff.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("vtq: enqueue %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}
	return nil
}

// Cancel moves a waiting job to cancelled. It reports false when the job is
// missing or no longer waiting (active, finished or already cancelled).
func (q *Q) Cancel(ctx context.Context, key string) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET state = ?, updated_at = ?
		WHERE queue = ? AND id = ? AND state = ?`,
		string(StateCancelled), q.opts.Now().UnixMilli(), q.opts.Queue, key, string(StateWaiting),
	)
	if err != nil {
		return false, fmt.Errorf("vtq: cancel %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Requeue puts a finished or cancelled job back to waiting with a fresh
// attempt budget and payload. It reports false when the job is missing or
// still waiting or active.
func (q *Q) Requeue(ctx context.Context, key string, payload []byte, eo EnqueueOptions) (bool, error) {
	if eo.MaxAttempts <= 0 {
		eo.MaxAttempts = 1
	}
	if eo.Delay < 0 {
		eo.Delay = 0
	}
	now := q.opts.Now()
	res, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET payload = ?, state = ?, visible_at = ?, updated_at = ?,
			attempts = 0, max_attempts = ?, backoff_ms = ?, last_error = ''
		WHERE queue = ? AND id = ? AND state IN (?, ?, ?)`,
		payload, string(StateWaiting), now.Add(eo.Delay).UnixMilli(), now.UnixMilli(),
		eo.MaxAttempts, eo.Backoff.Milliseconds(),
		q.opts.Queue, key, string(StateCompleted), string(StateFailed), string(StateCancelled),
	)
	if err != nil {
		return false, fmt.Errorf("vtq: requeue %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Get returns the job stored under key, or nil if there is none.
func (q *Q) Get(ctx context.Context, key string) (*Job, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM vtq_jobs WHERE queue = ? AND id = ?`, q.opts.Queue, key)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// Claim atomically picks the oldest visible job, marks it active and
// invisible for the visibility duration, and returns it. Active jobs whose
// visibility expired are reclaimed. Returns nil, nil if no job is available.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	jobs, err := q.BatchClaim(ctx, 1)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// BatchClaim atomically claims up to n visible jobs. It returns an empty
// (non-nil) slice when no jobs are available.
func (q *Q) BatchClaim(ctx context.Context, n int) ([]*Job, error) {
	now := q.opts.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	rows, err := q.db.QueryContext(ctx, `
		UPDATE vtq_jobs
		SET state = ?, visible_at = ?, attempts = attempts + 1, updated_at = ?
		WHERE queue = ? AND id IN (
			SELECT id FROM vtq_jobs
			WHERE queue = ? AND state IN (?, ?) AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT ?
		)
		RETURNING `+jobColumns,
		string(StateActive), hideUntil, now.UnixMilli(),
		q.opts.Queue, q.opts.Queue, string(StateWaiting), string(StateActive), now.UnixMilli(), n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Complete marks an active job completed.
func (q *Q) Complete(ctx context.Context, job *Job) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET state = ?, last_error = '', updated_at = ?
		WHERE queue = ? AND id = ? AND state = ?`,
		string(StateCompleted), q.opts.Now().UnixMilli(), q.opts.Queue, job.ID, string(StateActive),
	)
	return err
}

// Fail records a failed attempt. While attempts remain the job goes back to
// waiting after Backoff * 2^(attempts-1); otherwise it is marked failed and
// Fail reports terminal.
func (q *Q) Fail(ctx context.Context, job *Job, cause error) (terminal bool, err error) {
	now := q.opts.Now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if job.Attempts >= job.MaxAttempts {
		_, err = q.db.ExecContext(ctx,
			`UPDATE vtq_jobs SET state = ?, last_error = ?, updated_at = ?
			WHERE queue = ? AND id = ? AND state = ?`,
			string(StateFailed), msg, now.UnixMilli(), q.opts.Queue, job.ID, string(StateActive),
		)
		return true, err
	}
	_, err = q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET state = ?, visible_at = ?, last_error = ?, updated_at = ?
		WHERE queue = ? AND id = ? AND state = ?`,
		string(StateWaiting), now.Add(RetryDelay(job.Backoff, job.Attempts)).UnixMilli(), msg, now.UnixMilli(),
		q.opts.Queue, job.ID, string(StateActive),
	)
	return false, err
}

// RetryDelay is the wait after the given failed attempt (1-based).
func RetryDelay(backoff time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return backoff << (attempt - 1)
}

// Extend pushes the visibility timeout forward for a job that needs more
// processing time (heartbeat pattern).
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET visible_at = ? WHERE queue = ? AND id = ? AND state = ?`,
		q.opts.Now().Add(extra).UnixMilli(), q.opts.Queue, id, string(StateActive),
	)
	return err
}

// PurgeFinished deletes completed, failed and cancelled jobs last updated
// before cutoff and returns how many were removed.
func (q *Q) PurgeFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM vtq_jobs WHERE queue = ? AND state IN (?, ?, ?) AND updated_at < ?`,
		q.opts.Queue, string(StateCompleted), string(StateFailed), string(StateCancelled), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Count returns the number of jobs in state s.
func (q *Q) Count(ctx context.Context, s State) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vtq_jobs WHERE queue = ? AND state = ?`, q.opts.Queue, string(s),
	).Scan(&n)
	return n, err
}

// Handler processes a claimed job. Return nil on success; an error schedules
// a retry or, on the last attempt, fails the job.
type Handler func(ctx context.Context, job *Job) error

// Process runs handler on a claimed job and records the outcome.
func (q *Q) Process(ctx context.Context, job *Job, handler Handler) {
	log := q.opts.Logger

	// A job reclaimed after a crash can arrive past its last attempt.
	if job.Attempts > job.MaxAttempts {
		job.Attempts = job.MaxAttempts
		q.finish(ctx, job, fmt.Errorf("vtq: job %s exceeded %d attempts", job.ID, job.MaxAttempts))
		return
	}

	if err := handler(ctx, job); err != nil {
		q.finish(ctx, job, err)
		return
	}
	if err := q.Complete(context.WithoutCancel(ctx), job); err != nil {
		log.Warn("vtq: complete failed", "id", job.ID, "error", err, "queue", q.opts.Queue)
		return
	}
	job.State = StateCompleted
	if q.opts.OnTerminal != nil {
		q.opts.OnTerminal(job, nil)
	}
}

func (q *Q) finish(ctx context.Context, job *Job, cause error) {
	log := q.opts.Logger
	terminal, err := q.Fail(context.WithoutCancel(ctx), job, cause)
	if err != nil {
		log.Warn("vtq: recording failure failed", "id", job.ID, "error", err, "queue", q.opts.Queue)
		return
	}
	job.LastError = cause.Error()
	if !terminal {
		log.Info("vtq: job failed, will retry",
			"id", job.ID, "attempt", job.Attempts, "max_attempts", job.MaxAttempts,
			"retry_in", RetryDelay(job.Backoff, job.Attempts), "error", cause, "queue", q.opts.Queue)
		return
	}
	job.State = StateFailed
	log.Warn("vtq: job failed permanently",
		"id", job.ID, "attempts", job.Attempts, "error", cause, "queue", q.opts.Queue)
	if q.opts.OnTerminal != nil {
		q.opts.OnTerminal(job, cause)
	}
}

// Run polls for visible jobs and processes them one at a time. It blocks
// until ctx is cancelled.
func (q *Q) Run(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	log.Info("vtq: consumer started", "queue", q.opts.Queue, "visibility", q.opts.Visibility, "poll", q.opts.PollInterval)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("vtq: consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
			q.poll(ctx, handler)
		}
	}
}

func (q *Q) poll(ctx context.Context, handler Handler) {
	for ctx.Err() == nil {
		job, err := q.Claim(ctx)
		if err != nil {
			q.opts.Logger.Warn("vtq: claim failed", "error", err, "queue", q.opts.Queue)
			return
		}
		if job == nil {
			return
		}
		q.Process(ctx, job, handler)
	}
}

// RunBatch polls in batches and processes jobs with bounded concurrency.
// It blocks until ctx is cancelled, draining in-flight handlers before
// returning.
func (q *Q) RunBatch(ctx context.Context, batchSize, maxConcurrency int, handler Handler) {
	if batchSize <= 0 {
		batchSize = 1
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	log := q.opts.Logger
	log.Info("vtq: batch consumer started",
		"queue", q.opts.Queue,
		"batch_size", batchSize,
		"max_concurrency", maxConcurrency,
		"visibility", q.opts.Visibility,
		"poll", q.opts.PollInterval,
	)

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("vtq: batch consumer stopping, draining in-flight handlers", "queue", q.opts.Queue)
			wg.Wait()
			log.Info("vtq: batch consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
			jobs, err := q.BatchClaim(ctx, batchSize)
			if err != nil {
				if ctx.Err() != nil {
					wg.Wait()
					return
				}
				log.Warn("vtq: batch claim failed", "error", err, "queue", q.opts.Queue)
				continue
			}

			for i, job := range jobs {
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					for _, rest := range jobs[i:] {
						q.release(rest)
					}
					wg.Wait()
					return
				}

				wg.Add(1)
				go func(j *Job) {
					defer wg.Done()
					defer func() { <-sem }()
					q.Process(ctx, j, handler)
				}(job)
			}
		}
	}
}

// release returns a claimed but unstarted job to waiting without charging
// the attempt.
func (q *Q) release(job *Job) {
	_, err := q.db.Exec(
		`UPDATE vtq_jobs SET state = ?, visible_at = ?, attempts = attempts - 1
		WHERE queue = ? AND id = ? AND state = ?`,
		string(StateWaiting), q.opts.Now().UnixMilli(), q.opts.Queue, job.ID, string(StateActive),
	)
	if err != nil {
		q.opts.Logger.Warn("vtq: release failed", "id", job.ID, "error", err, "queue", q.opts.Queue)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*Job, error) {
	var (
		j                   Job
		state               string
		visAt, creAt, backM int64
	)
	if err := sc.Scan(&j.ID, &j.Queue, &j.Payload, &state, &visAt, &creAt,
		&j.Attempts, &j.MaxAttempts, &backM, &j.LastError); err != nil {
		return nil, err
	}
	j.State = State(state)
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	j.Backoff = time.Duration(backM) * time.Millisecond
	return &j, nil
}
