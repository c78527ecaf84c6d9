package cadence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/cadence/cadence/internal/model"
	"github.com/hazyhaar/cadence/observability"
)

// CheckEligibility runs the recycling gates for an article. A nil criteria
// uses the configured thresholds; a non-nil one is applied as given, zero
// fields included. Start from EligibilityCriteria to change one threshold.
func (s *Service) CheckEligibility(ctx context.Context, articleID string, criteria *Criteria) (*Eligibility, error) {
	if articleID == "" {
		return nil, &model.ValidationError{Field: "content_id", Reason: "required"}
	}
	return s.recycler.CheckEligibility(ctx, articleID, criteria)
}

// EligibilityCriteria returns the configured recycling thresholds.
func (s *Service) EligibilityCriteria() Criteria { return s.recycler.Criteria() }

// overlayCriteria decodes raw over the configured thresholds. Empty or null
// raw means no override.
func (s *Service) overlayCriteria(raw json.RawMessage) (*Criteria, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	c := s.recycler.Criteria()
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, &model.ValidationError{Field: "criteria", Reason: err.Error()}
	}
	return &c, nil
}

// FindEligibleContent returns up to limit recyclable articles, best score
// first.
func (s *Service) FindEligibleContent(ctx context.Context, limit int) ([]*Eligibility, error) {
	return s.recycler.FindEligibleContent(ctx, limit)
}

// CreateRecycleSchedule creates or refreshes the recycling schedule of an
// eligible article.
func (s *Service) CreateRecycleSchedule(ctx context.Context, articleID string) (*RecyclingSchedule, error) {
	return s.recycler.CreateRecycleSchedule(ctx, articleID)
}

// TrackRecyclePerformance enters one recycle in the article's history with
// its engagement figures. Call it once per recycle; the entry number matches
// the RecycleNumber of that recycle's posts. A zero at means now.
func (s *Service) TrackRecyclePerformance(ctx context.Context, articleID string, at time.Time, m EngagementMetrics) (*PerformanceEntry, error) {
	if at.IsZero() {
		at = s.now()
	}
	return s.recycler.TrackRecyclePerformance(ctx, articleID, at, m)
}

// RecycleContent republishes an eligible article: its schedule is created or
// refreshed, one recycled post is scheduled per platform and the schedule's
// recycle dates move. The history entry is appended when analytics reports
// the recycle through TrackRecyclePerformance.
func (s *Service) RecycleContent(ctx context.Context, req RecycleRequest) (*RecycleOutcome, error) {
	if req.ArticleID == "" {
		return nil, &model.ValidationError{Field: "article_id", Reason: "required"}
	}
	platforms := req.Platforms
	if len(platforms) == 0 {
		platforms = s.config.RecyclePlatforms
	}
	for _, p := range platforms {
		if !p.Valid() {
			return nil, &model.ValidationError{Field: "platforms", Reason: fmt.Sprintf("unsupported platform %q", p)}
		}
	}

	sched, err := s.recycler.CreateRecycleSchedule(ctx, req.ArticleID)
	if err != nil {
		return nil, err
	}
	a, err := s.store.GetArticle(ctx, req.ArticleID)
	if err != nil {
		return nil, err
	}
	number := sched.TotalRecycles() + 1

	var (
		posts []*ScheduledPost
		errs  []error
	)
	for _, p := range platforms {
		res, err := s.schedule(ctx, model.Recycled, p, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		post, err := s.submit(ctx, &model.ScheduledPost{
			ArticleID:           a.ID,
			RecyclingScheduleID: sched.ID,
			ContentType:         model.Recycled,
			Platform:            p,
			IsRecycled:          true,
			RecycleNumber:       number,
			MediaURLs:           a.MediaURLs,
		}, a, req.Content, res)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		posts = append(posts, post)
	}
	if len(posts) == 0 {
		return nil, fmt.Errorf("cadence: recycle %s: no post scheduled: %w", req.ArticleID, errors.Join(errs...))
	}

	if sched, err = s.recycler.MarkRecycled(ctx, a.ID, s.now()); err != nil {
		return nil, fmt.Errorf("cadence: record recycle %s: %w", a.ID, err)
	}

	s.events.Emit(observability.BusinessEvent{
		Type: observability.EventRecycleCreated, EntityType: "article", EntityID: a.ID, Action: "recycle", Success: true,
		Details: map[string]any{
			"schedule_id":    sched.ID,
			"recycle_number": number,
			"recycle_type":   string(sched.RecycleType),
			"posts":          len(posts),
		},
	})
	s.logger.Info("cadence: content recycled", "article_id", a.ID, "recycle_number", number, "posts", len(posts))
	return &RecycleOutcome{Schedule: sched, Posts: posts}, errors.Join(errs...)
}

// RecycleDue recycles up to limit articles: the best eligible candidates
// plus schedules whose next recycle date has passed. Zero uses
// Config.RecycleBatch.
func (s *Service) RecycleDue(ctx context.Context, limit int) (*SweepResult, error) {
	if limit <= 0 {
		limit = s.config.RecycleBatch
	}
	found, err := s.recycler.FindEligibleContent(ctx, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(found))
	seen := make(map[string]bool, len(found))
	for _, el := range found {
		ids = append(ids, el.ContentID)
		seen[el.ContentID] = true
	}

	due, err := s.store.DueRecycles(ctx, s.now(), limit)
	if err != nil {
		return nil, err
	}
	res := &SweepResult{Considered: len(found), Recycled: []string{}}
	for _, id := range due {
		if seen[id] {
			continue
		}
		seen[id] = true
		res.Considered++
		el, err := s.recycler.CheckEligibility(ctx, id, nil)
		if err != nil {
			res.Skipped = append(res.Skipped, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		if !el.IsEligible {
			res.Skipped = append(res.Skipped, fmt.Sprintf("%s: %s", id, el.Reasons[len(el.Reasons)-1]))
			continue
		}
		ids = append(ids, id)
	}

	for _, id := range ids {
		if len(res.Recycled) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		out, err := s.RecycleContent(ctx, RecycleRequest{ArticleID: id})
		if out == nil {
			res.Skipped = append(res.Skipped, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		if err != nil {
			s.logger.Warn("cadence: partial recycle", "article_id", id, "error", err)
		}
		res.Recycled = append(res.Recycled, id)
		res.Posts += len(out.Posts)
	}
	return res, nil
}
