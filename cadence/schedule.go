package cadence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/cadence/cadence/internal/model"
	"github.com/hazyhaar/cadence/cadence/internal/store"
	"github.com/hazyhaar/cadence/cadence/internal/timewindow"
	"github.com/hazyhaar/cadence/observability"
)

// SchedulePost computes the publish time of one post, finalizes its copy,
// stores it and hands it to delivery. The returned post is scheduled.
func (s *Service) SchedulePost(ctx context.Context, req ScheduleRequest) (*ScheduledPost, error) {
	if req.ArticleID == "" {
		return nil, &model.ValidationError{Field: "article_id", Reason: "required"}
	}
	if !req.Platform.Valid() {
		return nil, &model.ValidationError{Field: "platform", Reason: fmt.Sprintf("unsupported platform %q", req.Platform)}
	}
	a, err := s.store.GetArticle(ctx, req.ArticleID)
	if err != nil {
		return nil, err
	}
	ct := req.ContentType
	if ct == "" {
		ct = a.ContentType
	}
	if err := validContentType(ct); err != nil {
		return nil, err
	}

	sched, err := s.schedule(ctx, ct, req.Platform, req.ScheduledAt)
	if err != nil {
		return nil, err
	}
	media := req.MediaURLs
	if media == nil {
		media = a.MediaURLs
	}
	p := &model.ScheduledPost{
		ArticleID:   a.ID,
		ContentType: ct,
		Platform:    req.Platform,
		MediaURLs:   media,
	}
	return s.submit(ctx, p, a, req.Content, sched)
}

func validContentType(ct ContentType) error {
	if !ct.Valid() {
		return &model.ValidationError{Field: "content_type", Reason: fmt.Sprintf("unsupported content type %q", ct)}
	}
	return nil
}

// schedule returns the caller's pinned time as a manual result, otherwise
// asks the scheduler.
func (s *Service) schedule(ctx context.Context, ct ContentType, p Platform, at *time.Time) (*SchedulingResult, error) {
	cfg := s.schedCfg.Load()
	if at == nil {
		return s.scheduler.CalculateOptimalTime(ctx, ct, p, cfg)
	}
	if at.IsZero() {
		return nil, &model.ValidationError{Field: "scheduled_at", Reason: "must be a valid time"}
	}
	w := timewindow.New(cfg).Classify(*at, p)
	return &model.SchedulingResult{
		ScheduledAt:  *at,
		CalculatedAt: s.now(),
		Reasoning:    fmt.Sprintf("Manual: time set by caller (%s window)", w),
		Metadata: model.SchedulingMetadata{
			Method:                     model.MethodManual,
			TimeWindow:                 w,
			IsOptimalTime:              w == model.Peak,
			AlternativeTimesConsidered: []time.Time{},
		},
	}, nil
}

// submit finalizes the copy, inserts p as pending and moves it to scheduled.
func (s *Service) submit(ctx context.Context, p *model.ScheduledPost, a *model.Article, draft string, sched *SchedulingResult) (*ScheduledPost, error) {
	text, err := s.finalizer.Finalize(ctx, CopyInput{
		Article:       a,
		Platform:      p.Platform,
		Draft:         draft,
		ContentType:   p.ContentType,
		RecycleNumber: p.RecycleNumber,
	})
	if err != nil {
		return nil, err
	}

	p.ID = s.newID()
	p.Content = text
	p.Status = model.StatusPending
	p.Priority = p.ContentType.Priority()
	p.ScheduledAt = sched.ScheduledAt
	p.CalculatedAt = sched.CalculatedAt
	p.SchedulingReason = sched.Reasoning
	p.SchedulingMetadata = sched.Metadata
	p.PublishingAttempts.Errors = []model.AttemptError{}
	p.CreatedAt = s.now()
	if err := s.store.InsertPost(ctx, p); err != nil {
		return nil, fmt.Errorf("cadence: insert post: %w", err)
	}

	post, err := s.delivery.Submit(ctx, p)
	if err != nil {
		s.logger.Error("cadence: submit post", "post_id", p.ID, "error", err)
		return post, err
	}
	s.metrics.Scheduled(string(post.Platform), string(post.SchedulingMetadata.Method), post.SchedulingMetadata.Degraded)
	s.emit(observability.EventPostScheduled, "schedule", post, true, map[string]any{
		"scheduled_at": post.ScheduledAt,
		"method":       string(post.SchedulingMetadata.Method),
		"time_window":  string(post.SchedulingMetadata.TimeWindow),
		"degraded":     post.SchedulingMetadata.Degraded,
	})
	s.logger.Info("cadence: post scheduled",
		"post_id", post.ID, "article_id", post.ArticleID, "platform", post.Platform,
		"scheduled_at", post.ScheduledAt, "method", post.SchedulingMetadata.Method)
	return post, nil
}

// ScheduleArticle schedules one post per platform. Platforms that fail are
// reported in the joined error; the others are still scheduled. No platform
// list means every supported platform.
func (s *Service) ScheduleArticle(ctx context.Context, req ArticleRequest) ([]*ScheduledPost, error) {
	if req.ContentType != "" {
		if err := validContentType(req.ContentType); err != nil {
			return nil, err
		}
	}
	platforms := req.Platforms
	if len(platforms) == 0 {
		platforms = model.Platforms
	}
	var (
		posts []*ScheduledPost
		errs  []error
	)
	for _, p := range platforms {
		post, err := s.SchedulePost(ctx, ScheduleRequest{
			ArticleID:   req.ArticleID,
			Platform:    p,
			ContentType: req.ContentType,
			Content:     req.Content,
			MediaURLs:   req.MediaURLs,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		posts = append(posts, post)
	}
	return posts, errors.Join(errs...)
}

// PreviewTime runs the scheduler without storing anything.
func (s *Service) PreviewTime(ctx context.Context, ct ContentType, p Platform) (*SchedulingResult, error) {
	if err := validContentType(ct); err != nil {
		return nil, err
	}
	return s.scheduler.CalculateOptimalTime(ctx, ct, p, s.schedCfg.Load())
}

// CancelPost cancels a scheduled post. A post already being delivered is
// refused (Cancelled false) rather than failed.
func (s *Service) CancelPost(ctx context.Context, id, reason string) (*CancelResult, error) {
	res, err := s.delivery.Cancel(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	if res.Cancelled {
		s.events.Emit(observability.BusinessEvent{
			Type: observability.EventPostCancelled, EntityType: "post", EntityID: id, Action: "cancel", Success: true,
			Details: map[string]any{"reason": reason},
		})
	}
	return res, nil
}

// ReschedulePost revives a cancelled or failed post. A nil at recomputes the
// time with the scheduler.
func (s *Service) ReschedulePost(ctx context.Context, id string, at *time.Time) (*ScheduledPost, error) {
	p, err := s.store.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	if !model.CanApply(p.Status, model.EventReschedule) {
		return nil, &model.StateConflictError{Op: "reschedule", From: p.Status, Reason: fmt.Sprintf("post %s is %s", id, p.Status)}
	}
	sched, err := s.schedule(ctx, p.ContentType, p.Platform, at)
	if err != nil {
		return nil, err
	}
	post, err := s.delivery.Reschedule(ctx, id, sched)
	if err != nil {
		return post, err
	}
	s.metrics.Scheduled(string(post.Platform), string(post.SchedulingMetadata.Method), post.SchedulingMetadata.Degraded)
	s.emit(observability.EventPostScheduled, "reschedule", post, true, map[string]any{
		"scheduled_at": post.ScheduledAt,
		"generation":   post.RescheduleCount,
	})
	return post, nil
}

// GetPost returns a post by id.
func (s *Service) GetPost(ctx context.Context, id string) (*ScheduledPost, error) {
	return s.store.GetPost(ctx, id)
}

// ListPosts returns posts, soonest first.
func (s *Service) ListPosts(ctx context.Context, f PostFilter) ([]*ScheduledPost, error) {
	if f.Platform != "" && !f.Platform.Valid() {
		return nil, &model.ValidationError{Field: "platform", Reason: fmt.Sprintf("unsupported platform %q", f.Platform)}
	}
	return s.store.ListPosts(ctx, store.PostFilter{
		Status: f.Status, Platform: f.Platform, ArticleID: f.ArticleID, Limit: f.Limit,
	})
}

// StalePosts lists scheduled posts overdue by more than olderThan. Zero
// uses Config.StaleAfter.
func (s *Service) StalePosts(ctx context.Context, olderThan time.Duration, limit int) ([]*ScheduledPost, error) {
	if olderThan <= 0 {
		olderThan = s.config.StaleAfter
	}
	return s.delivery.StalePosts(ctx, olderThan, limit)
}

// RequeueScheduled gives every scheduled post a live delivery job and
// returns how many jobs were created or revived.
func (s *Service) RequeueScheduled(ctx context.Context) (int, error) {
	return s.delivery.RequeueScheduled(ctx)
}
