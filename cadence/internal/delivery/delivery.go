// Package delivery drives a scheduled post through the durable queue to a
// publisher.
//
// Each post generation owns one queue job keyed post_<id>_g<n>, where n is
// the post's RescheduleCount. The job fires at ScheduledAt; the handler moves
// the post scheduled → processing and persists it before calling the
// publisher, so a crash mid-publish leaves a visible processing row. Retry
// timing belongs to the queue: a failed attempt puts the post back to
// scheduled and returns the error, and vtq re-fires the job after its
// backoff.
//
//	pending ──Submit──▶ scheduled ──job──▶ processing ──ok──▶ published
//	                      ▲    │                │
//	                      └────┼──retry(<3)─────┤──3rd failure──▶ failed
//	                           └──Cancel──▶ cancelled
//	{cancelled, failed} ──Reschedule──▶ scheduled (new generation, new job)
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/cadence/cadence/internal/model"
	"github.com/hazyhaar/cadence/cadence/internal/store"
	"github.com/hazyhaar/cadence/observability"
	"github.com/hazyhaar/cadence/publisher"
	"github.com/hazyhaar/cadence/vtq"
)

// Queue policy of a delivery job.
const (
	MaxAttempts = model.MaxPublishAttempts
	BaseBackoff = 2 * time.Minute
)

// Store is the post persistence the engine needs.
type Store interface {
	GetPost(ctx context.Context, id string) (*model.ScheduledPost, error)
	UpdatePost(ctx context.Context, p *model.ScheduledPost, from model.Status) (bool, error)
	ListPosts(ctx context.Context, f store.PostFilter) ([]*model.ScheduledPost, error)
	StalePosts(ctx context.Context, threshold time.Time, limit int) ([]*model.ScheduledPost, error)
}

// Queue is the delayed-work surface of vtq.
type Queue interface {
	Enqueue(ctx context.Context, key string, payload []byte, eo vtq.EnqueueOptions) error
	Requeue(ctx context.Context, key string, payload []byte, eo vtq.EnqueueOptions) (bool, error)
	Cancel(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (*vtq.Job, error)
}

// Hook observes a post after a delivery outcome was persisted.
type Hook func(p *model.ScheduledPost)

// Engine owns the delivery state machine.
type Engine struct {
	store   Store
	queue   Queue
	pub     publisher.Publisher
	now     model.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
	policy  vtq.EnqueueOptions

	onPublished Hook
	onFailed    Hook
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects the clock.
func WithClock(now model.Clock) Option { return func(e *Engine) { e.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithMetrics records publish attempts and cancellations.
func WithMetrics(m *observability.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithRetryPolicy overrides the attempt count and the first backoff.
func WithRetryPolicy(attempts int, backoff time.Duration) Option {
	return func(e *Engine) {
		if attempts > 0 {
			e.policy.MaxAttempts = attempts
		}
		if backoff > 0 {
			e.policy.Backoff = backoff
		}
	}
}

// OnPublished registers a hook called after a post is published.
func OnPublished(h Hook) Option { return func(e *Engine) { e.onPublished = h } }

// OnFailed registers a hook called after a post exhausts its attempts.
func OnFailed(h Hook) Option { return func(e *Engine) { e.onFailed = h } }

// New builds an Engine.
func New(st Store, q Queue, pub publisher.Publisher, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		queue:  q,
		pub:    pub,
		now:    model.SystemClock,
		logger: slog.Default(),
		policy: vtq.EnqueueOptions{MaxAttempts: MaxAttempts, Backoff: BaseBackoff},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// JobKey is the queue key of the post's current generation.
func JobKey(p *model.ScheduledPost) string {
	return fmt.Sprintf("post_%s_g%d", p.ID, p.RescheduleCount)
}

type payload struct {
	PostID     string `json:"post_id"`
	Generation int    `json:"generation"`
}

func (e *Engine) enqueueOptions(p *model.ScheduledPost) vtq.EnqueueOptions {
	eo := e.policy
	eo.Delay = max(0, p.ScheduledAt.Sub(e.now()))
	return eo
}

func encodePayload(p *model.ScheduledPost) ([]byte, error) {
	return json.Marshal(payload{PostID: p.ID, Generation: p.RescheduleCount})
}

// Submit moves a freshly inserted pending post to scheduled and enqueues its
// job. The status is persisted first: if enqueueing fails the post stays
// scheduled without a job and RequeueScheduled repairs it.
func (e *Engine) Submit(ctx context.Context, p *model.ScheduledPost) (*model.ScheduledPost, error) {
	next, err := model.Transition(*p, model.Event{Kind: model.EventEnqueue, At: e.now()})
	if err != nil {
		return nil, err
	}
	ok, err := e.store.UpdatePost(ctx, &next, model.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("delivery: persist post %s: %w", p.ID, err)
	}
	if !ok {
		return nil, &model.StateConflictError{Op: "submit", From: p.Status, Reason: "post changed concurrently"}
	}
	if err := e.enqueue(ctx, &next); err != nil {
		return &next, err
	}
	return &next, nil
}

// enqueue submits the job of p's current generation. A duplicate key is
// not an error.
func (e *Engine) enqueue(ctx context.Context, p *model.ScheduledPost) error {
	body, err := encodePayload(p)
	if err != nil {
		return fmt.Errorf("delivery: encode job for %s: %w", p.ID, err)
	}
	err = e.queue.Enqueue(ctx, JobKey(p), body, e.enqueueOptions(p))
	if err != nil && !errors.Is(err, vtq.ErrDuplicate) {
		return fmt.Errorf("delivery: enqueue %s: %w", p.ID, err)
	}
	return nil
}

// Handle is the vtq handler for delivery jobs.
func (e *Engine) Handle(ctx context.Context, job *vtq.Job) error {
	var pl payload
	if err := json.Unmarshal(job.Payload, &pl); err != nil || pl.PostID == "" {
		e.logger.Error("delivery: malformed job dropped", "job", job.ID, "error", err)
		return nil
	}

	p, err := e.store.GetPost(ctx, pl.PostID)
	if errors.Is(err, model.ErrNotFound) {
		e.logger.Warn("delivery: job for unknown post dropped", "job", job.ID, "post_id", pl.PostID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("delivery: load post %s: %w", pl.PostID, err)
	}
	if pl.Generation != p.RescheduleCount {
		e.logger.Debug("delivery: stale generation", "job", job.ID, "post_id", p.ID, "generation", p.RescheduleCount)
		return nil
	}

	switch p.Status {
	case model.StatusScheduled:
	case model.StatusProcessing:
		// Only this job drives this generation, so a processing post here
		// means an earlier claim died mid-publish.
		e.logger.Warn("delivery: previous attempt interrupted", "post_id", p.ID, "job_attempt", job.Attempts)
		return e.recordFailure(ctx, p, errors.New("delivery interrupted before the publisher answered"), 0)
	default:
		e.logger.Debug("delivery: post no longer scheduled", "post_id", p.ID, "status", p.Status)
		return nil
	}

	processing, err := model.Transition(*p, model.Event{Kind: model.EventDequeue, At: e.now()})
	if err != nil {
		return err
	}
	ok, err := e.store.UpdatePost(ctx, &processing, model.StatusScheduled)
	if err != nil {
		return fmt.Errorf("delivery: mark %s processing: %w", p.ID, err)
	}
	if !ok {
		e.logger.Info("delivery: post moved before dequeue", "post_id", p.ID)
		return nil
	}

	req := &publisher.Request{
		PostID:      p.ID,
		ArticleID:   p.ArticleID,
		Platform:    string(p.Platform),
		ContentType: string(p.ContentType),
		Content:     p.Content,
		MediaURLs:   p.MediaURLs,
		IsRecycled:  p.IsRecycled,
		Attempt:     p.PublishingAttempts.Count + 1,
	}
	start := time.Now()
	res, perr := e.pub.Publish(ctx, req)
	took := time.Since(start)
	if perr != nil {
		return e.recordFailure(ctx, &processing, perr, took)
	}
	if res == nil {
		res = &publisher.Result{}
	}

	published, err := model.Transition(processing, model.Event{
		Kind:            model.EventPublishSucceeded,
		At:              e.now(),
		PlatformPostID:  res.PlatformPostID,
		PlatformPostURL: res.PlatformPostURL,
	})
	if err != nil {
		return err
	}
	// The platform already has the post; a cancelled ctx must not lose that.
	if _, err := e.store.UpdatePost(context.WithoutCancel(ctx), &published, model.StatusProcessing); err != nil {
		e.logger.Error("delivery: published post not recorded", "post_id", p.ID, "platform_post_id", res.PlatformPostID, "error", err)
		return nil
	}
	e.metrics.PublishAttempt(string(p.Platform), observability.OutcomePublished, took)
	e.logger.Info("delivery: published",
		"post_id", p.ID, "platform", p.Platform, "platform_post_id", res.PlatformPostID, "attempt", req.Attempt)
	if e.onPublished != nil {
		e.onPublished(&published)
	}
	return nil
}

// recordFailure appends the attempt error to a processing post and returns
// an error so the queue schedules its own retry.
func (e *Engine) recordFailure(ctx context.Context, p *model.ScheduledPost, cause error, took time.Duration) error {
	next, err := model.Transition(*p, model.Event{Kind: model.EventPublishFailed, At: e.now(), Err: cause.Error()})
	if err != nil {
		return err
	}
	if _, err := e.store.UpdatePost(context.WithoutCancel(ctx), &next, model.StatusProcessing); err != nil {
		e.logger.Error("delivery: failed attempt not recorded", "post_id", p.ID, "error", err)
	}

	outcome := observability.OutcomeRetry
	if next.Status == model.StatusFailed {
		outcome = observability.OutcomeFailed
		e.logger.Warn("delivery: post failed",
			"post_id", p.ID, "platform", p.Platform, "attempts", next.PublishingAttempts.Count, "error", cause)
		if e.onFailed != nil {
			e.onFailed(&next)
		}
	} else {
		e.logger.Info("delivery: attempt failed, queue will retry",
			"post_id", p.ID, "platform", p.Platform, "attempts", next.PublishingAttempts.Count, "error", cause)
	}
	e.metrics.PublishAttempt(string(p.Platform), outcome, took)
	return fmt.Errorf("delivery: publish %s attempt %d: %w", p.ID, next.PublishingAttempts.Count, cause)
}

// CancelResult reports a cancellation request.
type CancelResult struct {
	PostID    string       `json:"post_id"`
	Cancelled bool         `json:"cancelled"`
	Status    model.Status `json:"status"`
	Reason    string       `json:"reason,omitempty"`
}

// Cancel stops a scheduled post. Posts in any other status return a
// StateConflictError and are left untouched. When the job is claimed by a
// worker the request is refused without an error. A job that already ended
// while the post stayed scheduled does not block the cancel.
func (e *Engine) Cancel(ctx context.Context, id, reason string) (*CancelResult, error) {
	p, err := e.store.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	if !model.CanApply(p.Status, model.EventCancel) {
		return nil, &model.StateConflictError{
			Op:     "cancel",
			From:   p.Status,
			Reason: fmt.Sprintf("post %s is %s", p.ID, p.Status),
		}
	}

	key := JobKey(p)
	removed, err := e.queue.Cancel(ctx, key)
	if err != nil {
		return nil, err
	}
	if !removed {
		job, err := e.queue.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if job != nil && job.State == vtq.StateActive {
			e.logger.Info("delivery: cancellation refused", "post_id", id, "job_state", job.State)
			e.metrics.Cancelled(false)
			return &CancelResult{PostID: id, Status: p.Status, Reason: "delivery in progress"}, nil
		}
	}

	next, err := model.Transition(*p, model.Event{Kind: model.EventCancel, At: e.now()})
	if err != nil {
		return nil, err
	}
	if reason != "" {
		next.FailureReason = reason
	}
	ok, err := e.store.UpdatePost(ctx, &next, model.StatusScheduled)
	if err != nil {
		return nil, fmt.Errorf("delivery: persist cancel %s: %w", id, err)
	}
	if !ok {
		e.metrics.Cancelled(false)
		return &CancelResult{PostID: id, Status: p.Status, Reason: "post changed concurrently"}, nil
	}
	e.metrics.Cancelled(true)
	e.logger.Info("delivery: cancelled", "post_id", id, "reason", reason)
	return &CancelResult{PostID: id, Cancelled: true, Status: next.Status, Reason: reason}, nil
}

// Reschedule revives a cancelled or failed post at sched and enqueues a job
// for its new generation.
func (e *Engine) Reschedule(ctx context.Context, id string, sched *model.SchedulingResult) (*model.ScheduledPost, error) {
	p, err := e.store.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := model.Transition(*p, model.Event{Kind: model.EventReschedule, At: e.now(), Schedule: sched})
	if err != nil {
		return nil, err
	}
	ok, err := e.store.UpdatePost(ctx, &next, p.Status)
	if err != nil {
		return nil, fmt.Errorf("delivery: persist reschedule %s: %w", id, err)
	}
	if !ok {
		return nil, &model.StateConflictError{Op: "reschedule", From: p.Status, Reason: "post changed concurrently"}
	}
	if err := e.enqueue(ctx, &next); err != nil {
		return &next, err
	}
	e.logger.Info("delivery: rescheduled",
		"post_id", id, "scheduled_at", next.ScheduledAt, "generation", next.RescheduleCount, "method", next.SchedulingMetadata.Method)
	return &next, nil
}

// RequeueScheduled makes sure every scheduled post has a live job. Missing
// jobs are enqueued; jobs that ended while the post is still scheduled are
// revived with a fresh attempt budget. It returns how many jobs it touched.
func (e *Engine) RequeueScheduled(ctx context.Context) (int, error) {
	posts, err := e.store.ListPosts(ctx, store.PostFilter{Status: model.StatusScheduled})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range posts {
		key := JobKey(p)
		body, err := encodePayload(p)
		if err != nil {
			return n, err
		}
		err = e.queue.Enqueue(ctx, key, body, e.enqueueOptions(p))
		if err == nil {
			n++
			continue
		}
		if !errors.Is(err, vtq.ErrDuplicate) {
			return n, fmt.Errorf("delivery: requeue %s: %w", p.ID, err)
		}
		revived, err := e.queue.Requeue(ctx, key, body, e.enqueueOptions(p))
		if err != nil {
			return n, err
		}
		if revived {
			e.logger.Warn("delivery: revived orphaned job", "post_id", p.ID, "key", key)
			n++
		}
	}
	if n > 0 {
		e.logger.Info("delivery: requeue sweep", "jobs", n, "scheduled", len(posts))
	}
	return n, nil
}

// StalePosts lists scheduled posts whose time passed more than olderThan
// ago and processing posts untouched for as long. It is a diagnostic;
// nothing is corrected.
func (e *Engine) StalePosts(ctx context.Context, olderThan time.Duration, limit int) ([]*model.ScheduledPost, error) {
	return e.store.StalePosts(ctx, e.now().Add(-olderThan), limit)
}

// JobFinished is the vtq OnTerminal callback. A job that dies while its post
// is processing (a crash on the last attempt is reclaimed past its budget
// and never reaches Handle) has the interrupted attempt recorded here, so
// the post reaches failed on its third recorded attempt. If attempts remain
// the job is revived. A post left scheduled keeps its row for
// RequeueScheduled and shows up in StalePosts.
func (e *Engine) JobFinished(job *vtq.Job, err error) {
	if err == nil {
		e.logger.Debug("delivery: job completed", "job", job.ID, "attempts", job.Attempts)
		return
	}
	e.logger.Warn("delivery: job exhausted", "job", job.ID, "attempts", job.Attempts, "error", err)

	var pl payload
	if json.Unmarshal(job.Payload, &pl) != nil || pl.PostID == "" {
		return
	}
	ctx := context.Background()
	p, gerr := e.store.GetPost(ctx, pl.PostID)
	if gerr != nil {
		if !errors.Is(gerr, model.ErrNotFound) {
			e.logger.Error("delivery: load post of exhausted job", "job", job.ID, "post_id", pl.PostID, "error", gerr)
		}
		return
	}
	if pl.Generation != p.RescheduleCount {
		return
	}
	switch p.Status {
	case model.StatusProcessing:
	case model.StatusScheduled:
		e.logger.Warn("delivery: scheduled post left without a job", "post_id", p.ID, "key", job.ID)
		return
	default:
		return
	}

	_ = e.recordFailure(ctx, p, errors.New("delivery interrupted before the publisher answered"), 0)
	next, gerr := e.store.GetPost(ctx, p.ID)
	if gerr != nil || next.Status != model.StatusScheduled {
		return
	}
	body, gerr := encodePayload(next)
	if gerr != nil {
		return
	}
	eo := e.policy
	eo.Delay = vtq.RetryDelay(e.policy.Backoff, next.PublishingAttempts.Count)
	if _, gerr := e.queue.Requeue(ctx, JobKey(next), body, eo); gerr != nil {
		e.logger.Error("delivery: revive job", "post_id", next.ID, "error", gerr)
	}
}
