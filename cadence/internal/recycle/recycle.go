// Package recycle decides whether aged content may be republished and keeps
// the per-article recycling schedule.
//
// Eligibility is an ordered sequence of gates. The first failing gate ends
// the evaluation with its reason; the reasons collected on the way double as
// an audit trail when the content is eligible.
package recycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hazyhaar/cadence/cadence/internal/model"
	"github.com/hazyhaar/cadence/idgen"
)

// Defaults of a new recycling schedule.
const (
	DefaultFrequencyDays = 90
	DefaultMaxRecycles   = 3
)

const reasonNotFound = "content not found"

// Criteria are the eligibility thresholds.
type Criteria struct {
	MinAgeMonths            int     `json:"min_age_months" yaml:"min_age_months"`
	MinPerformanceScore     float64 `json:"min_performance_score" yaml:"min_performance_score"`
	MaxTotalRecycles        int     `json:"max_total_recycles" yaml:"max_total_recycles"`
	MinDaysSinceLastRecycle int     `json:"min_days_since_last_recycle" yaml:"min_days_since_last_recycle"`
}

// DefaultCriteria returns the standard thresholds.
func DefaultCriteria() Criteria {
	return Criteria{
		MinAgeMonths:            3,
		MinPerformanceScore:     0.70,
		MaxTotalRecycles:        3,
		MinDaysSinceLastRecycle: 60,
	}
}

func (c *Criteria) defaults() {
	d := DefaultCriteria()
	if c.MinAgeMonths <= 0 {
		c.MinAgeMonths = d.MinAgeMonths
	}
	if c.MinPerformanceScore <= 0 {
		c.MinPerformanceScore = d.MinPerformanceScore
	}
	if c.MaxTotalRecycles <= 0 {
		c.MaxTotalRecycles = d.MaxTotalRecycles
	}
	if c.MinDaysSinceLastRecycle <= 0 {
		c.MinDaysSinceLastRecycle = d.MinDaysSinceLastRecycle
	}
}

// Eligibility is the outcome of CheckEligibility.
type Eligibility struct {
	ContentID              string            `json:"content_id"`
	IsEligible             bool              `json:"is_eligible"`
	RecycleType            model.RecycleType `json:"recycle_type"`
	Reasons                []string          `json:"reasons"`
	NextAllowedRecycleDate *time.Time        `json:"next_allowed_recycle_date,omitempty"`
	PerformanceScore       *float64          `json:"performance_score,omitempty"`
}

// Scorer rates the historical performance of content in [0, 1].
type Scorer interface {
	Score(ctx context.Context, contentID string) (float64, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, contentID string) (float64, error)

// Score implements Scorer.
func (f ScorerFunc) Score(ctx context.Context, contentID string) (float64, error) {
	return f(ctx, contentID)
}

// Store is the persistence the engine needs.
type Store interface {
	// GetArticle returns a *model.NotFoundError when the article is missing.
	GetArticle(ctx context.Context, id string) (*model.Article, error)
	// GetRecyclingSchedule returns nil, nil when the article has no schedule.
	GetRecyclingSchedule(ctx context.Context, articleID string) (*model.RecyclingSchedule, error)
	// RecycleCandidates lists articles of the given types published before
	// cutoff, oldest first.
	RecycleCandidates(ctx context.Context, types []model.ContentType, cutoff time.Time, limit int) ([]*model.Article, error)
	// SaveRecyclingSchedule upserts by article id.
	SaveRecyclingSchedule(ctx context.Context, s *model.RecyclingSchedule) error
}

// Engine evaluates recycling eligibility.
type Engine struct {
	store    Store
	scorer   Scorer
	criteria Criteria
	now      model.Clock
	newID    idgen.Generator
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithCriteria overrides the default thresholds. Zero fields keep their
// default.
func WithCriteria(c Criteria) Option {
	return func(e *Engine) {
		c.defaults()
		e.criteria = c
	}
}

// WithClock injects the clock.
func WithClock(now model.Clock) Option { return func(e *Engine) { e.now = now } }

// WithIDGenerator sets how schedule ids are generated.
func WithIDGenerator(gen idgen.Generator) Option { return func(e *Engine) { e.newID = gen } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// New creates an Engine.
func New(store Store, scorer Scorer, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		scorer:   scorer,
		criteria: DefaultCriteria(),
		now:      model.SystemClock,
		newID:    idgen.Prefixed("rs_", idgen.Default),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Criteria returns the engine's default thresholds.
func (e *Engine) Criteria() Criteria { return e.criteria }

// CheckEligibility runs the gates for contentID. A nil criteria uses the
// engine thresholds. A non-nil one is applied as given, so a zero field
// disables its gate (MinPerformanceScore 0 accepts any score); start from
// Criteria() to override a single threshold.
func (e *Engine) CheckEligibility(ctx context.Context, contentID string, criteria *Criteria) (*Eligibility, error) {
	c := e.criteria
	if criteria != nil {
		c = *criteria
	}
	res := &Eligibility{ContentID: contentID, RecycleType: model.NotRecyclable, Reasons: []string{}}
	now := e.now()

	a, err := e.store.GetArticle(ctx, contentID)
	if errors.Is(err, model.ErrNotFound) {
		res.Reasons = append(res.Reasons, reasonNotFound)
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recycle: load article: %w", err)
	}

	if a.ContentType != model.Evergreen && a.ContentType != model.Blog {
		res.Reasons = append(res.Reasons, fmt.Sprintf("content type %s is not recyclable", a.ContentType))
		return res, nil
	}

	res.RecycleType = ClassifyRecycleType(a)
	res.Reasons = append(res.Reasons, fmt.Sprintf("classified as %s", res.RecycleType))

	minAge := a.PublishedAt.AddDate(0, c.MinAgeMonths, 0)
	if now.Before(minAge) {
		res.Reasons = append(res.Reasons, fmt.Sprintf("content too recent: published %s, recyclable after %d months",
			a.PublishedAt.Format(time.DateOnly), c.MinAgeMonths))
		res.NextAllowedRecycleDate = &minAge
		return res, nil
	}
	res.Reasons = append(res.Reasons, fmt.Sprintf("age sufficient: %d days old (minimum %d months)",
		int(now.Sub(a.PublishedAt).Hours()/24), c.MinAgeMonths))

	score, err := e.scorer.Score(ctx, contentID)
	if err != nil {
		return nil, fmt.Errorf("recycle: score %s: %w", contentID, err)
	}
	res.PerformanceScore = &score
	if score < c.MinPerformanceScore {
		res.Reasons = append(res.Reasons, fmt.Sprintf("performance score %.2f below minimum %.2f", score, c.MinPerformanceScore))
		return res, nil
	}
	res.Reasons = append(res.Reasons, fmt.Sprintf("performance score %.2f meets minimum %.2f", score, c.MinPerformanceScore))

	sched, err := e.store.GetRecyclingSchedule(ctx, contentID)
	if err != nil {
		return nil, fmt.Errorf("recycle: load schedule: %w", err)
	}
	if sched == nil {
		res.Reasons = append(res.Reasons, "never recycled")
		res.IsEligible = true
		return res, nil
	}

	total := sched.TotalRecycles()
	if (c.MaxTotalRecycles > 0 && total >= c.MaxTotalRecycles) || sched.Exhausted() {
		res.Reasons = append(res.Reasons, fmt.Sprintf("recycle limit reached (%d of %d)", total, limit(sched, c)))
		return res, nil
	}
	if sched.LastRecycledAt != nil {
		next := sched.LastRecycledAt.AddDate(0, 0, c.MinDaysSinceLastRecycle)
		if now.Before(next) {
			res.Reasons = append(res.Reasons, fmt.Sprintf("recycled %s, next recycle allowed after %d days",
				sched.LastRecycledAt.Format(time.DateOnly), c.MinDaysSinceLastRecycle))
			res.NextAllowedRecycleDate = &next
			return res, nil
		}
		res.Reasons = append(res.Reasons, fmt.Sprintf("%d days since last recycle (minimum %d)",
			int(now.Sub(*sched.LastRecycledAt).Hours()/24), c.MinDaysSinceLastRecycle))
	}
	res.Reasons = append(res.Reasons, fmt.Sprintf("recycled %d of %d times", total, limit(sched, c)))
	res.IsEligible = true
	return res, nil
}

func limit(s *model.RecyclingSchedule, c Criteria) int {
	if c.MaxTotalRecycles <= 0 || (s.MaxRecyclesAllowed > 0 && s.MaxRecyclesAllowed < c.MaxTotalRecycles) {
		return s.MaxRecyclesAllowed
	}
	return c.MaxTotalRecycles
}

// FindEligibleContent returns up to limit eligible items, best score first.
// It evaluates at most limit*3 of the oldest candidates.
func (e *Engine) FindEligibleContent(ctx context.Context, limit int) ([]*Eligibility, error) {
	if limit <= 0 {
		return nil, &model.ValidationError{Field: "limit", Reason: "must be positive"}
	}
	cutoff := e.now().AddDate(0, -e.criteria.MinAgeMonths, 0)
	candidates, err := e.store.RecycleCandidates(ctx, []model.ContentType{model.Evergreen, model.Blog}, cutoff, limit*3)
	if err != nil {
		return nil, fmt.Errorf("recycle: list candidates: %w", err)
	}

	var out []*Eligibility
	for _, a := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		el, err := e.CheckEligibility(ctx, a.ID, nil)
		if err != nil {
			e.logger.Warn("recycle: eligibility check failed", "article_id", a.ID, "error", err)
			continue
		}
		if !el.IsEligible {
			continue
		}
		out = append(out, el)
		if len(out) == limit {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return scoreOf(out[i]) > scoreOf(out[j])
	})
	e.logger.Debug("recycle: eligible content", "candidates", len(candidates), "eligible", len(out))
	return out, nil
}

func scoreOf(el *Eligibility) float64 {
	if el.PerformanceScore == nil {
		return 0
	}
	return *el.PerformanceScore
}

// CreateRecycleSchedule returns the article's schedule, creating it if
// needed. It refuses ineligible content and exhausted schedules with a
// *model.StateConflictError. Calling it again on an existing schedule only
// refreshes the recycle type.
func (e *Engine) CreateRecycleSchedule(ctx context.Context, articleID string) (*model.RecyclingSchedule, error) {
	existing, err := e.store.GetRecyclingSchedule(ctx, articleID)
	if err != nil {
		return nil, fmt.Errorf("recycle: load schedule: %w", err)
	}
	if existing != nil && existing.Exhausted() {
		return nil, &model.StateConflictError{
			Op:     "create_recycle_schedule",
			Reason: fmt.Sprintf("article %s reached %d of %d recycles", articleID, existing.TotalRecycles(), existing.MaxRecyclesAllowed),
		}
	}

	el, err := e.CheckEligibility(ctx, articleID, nil)
	if err != nil {
		return nil, err
	}
	if !el.IsEligible {
		if len(el.Reasons) > 0 && el.Reasons[0] == reasonNotFound {
			return nil, &model.NotFoundError{Kind: "article", ID: articleID}
		}
		return nil, &model.StateConflictError{
			Op:     "create_recycle_schedule",
			Reason: fmt.Sprintf("article %s is not eligible: %s", articleID, el.Reasons[len(el.Reasons)-1]),
		}
	}

	now := e.now()
	s := existing
	if s == nil {
		s = &model.RecyclingSchedule{
			ID:                   e.newID(),
			ArticleID:            articleID,
			RecycleFrequencyDays: DefaultFrequencyDays,
			MaxRecyclesAllowed:   DefaultMaxRecycles,
			PerformanceHistory:   []model.PerformanceEntry{},
			CreatedAt:            now,
		}
	}
	s.RecycleType = el.RecycleType
	s.UpdatedAt = now
	if err := e.store.SaveRecyclingSchedule(ctx, s); err != nil {
		return nil, fmt.Errorf("recycle: save schedule: %w", err)
	}
	return s, nil
}

// Metrics are the engagement figures of one recycle instance. Zero values
// are allowed; they are filled in later by analytics outside this package.
type Metrics struct {
	Likes      int64 `json:"likes"`
	Shares     int64 `json:"shares"`
	Comments   int64 `json:"comments"`
	Clicks     int64 `json:"clicks"`
	TotalReach int64 `json:"total_reach"`
	// Baseline is the engagement of the original publication, if known.
	Baseline int64 `json:"baseline"`
}

// MarkRecycled stamps the schedule with a recycle that just went out: the
// last and next recycle dates move, the history does not. The recycle is
// entered in the history once, by TrackRecyclePerformance.
func (e *Engine) MarkRecycled(ctx context.Context, articleID string, at time.Time) (*model.RecyclingSchedule, error) {
	s, err := e.store.GetRecyclingSchedule(ctx, articleID)
	if err != nil {
		return nil, fmt.Errorf("recycle: load schedule: %w", err)
	}
	if s == nil {
		return nil, &model.NotFoundError{Kind: "recycling schedule", ID: articleID}
	}
	e.stamp(s, at)
	if err := e.store.SaveRecyclingSchedule(ctx, s); err != nil {
		return nil, fmt.Errorf("recycle: save schedule: %w", err)
	}
	return s, nil
}

func (e *Engine) stamp(s *model.RecyclingSchedule, at time.Time) {
	freq := s.RecycleFrequencyDays
	if freq <= 0 {
		freq = DefaultFrequencyDays
	}
	next := at.AddDate(0, 0, freq)
	s.LastRecycledAt = &at
	s.NextScheduledRecycle = &next
	s.UpdatedAt = e.now()
}

// TrackRecyclePerformance appends one entry to the article's history, once
// per recycle instance. The recycle number is always len(history)+1, which
// is the RecycleNumber the recycle's posts were created with.
func (e *Engine) TrackRecyclePerformance(ctx context.Context, articleID string, recycleDate time.Time, m Metrics) (*model.PerformanceEntry, error) {
	s, err := e.store.GetRecyclingSchedule(ctx, articleID)
	if err != nil {
		return nil, fmt.Errorf("recycle: load schedule: %w", err)
	}
	if s == nil {
		return nil, &model.NotFoundError{Kind: "recycling schedule", ID: articleID}
	}
	if s.Exhausted() {
		return nil, &model.StateConflictError{
			Op:     "track_recycle_performance",
			Reason: fmt.Sprintf("article %s already recycled %d times", articleID, s.TotalRecycles()),
		}
	}

	total := m.Likes + m.Shares + m.Comments + m.Clicks
	entry := model.PerformanceEntry{
		RecycleDate:     recycleDate,
		RecycleNumber:   len(s.PerformanceHistory) + 1,
		Likes:           m.Likes,
		Shares:          m.Shares,
		Comments:        m.Comments,
		Clicks:          m.Clicks,
		TotalEngagement: total,
		TotalReach:      m.TotalReach,
	}
	if m.TotalReach > 0 {
		entry.EngagementRate = float64(total) / float64(m.TotalReach)
	}
	if m.Baseline > 0 {
		entry.PerformanceVsOriginal = float64(total) / float64(m.Baseline)
	}

	s.PerformanceHistory = append(s.PerformanceHistory, entry)
	if s.LastRecycledAt == nil || recycleDate.After(*s.LastRecycledAt) {
		e.stamp(s, recycleDate)
	} else {
		s.UpdatedAt = e.now()
	}
	if err := e.store.SaveRecyclingSchedule(ctx, s); err != nil {
		return nil, fmt.Errorf("recycle: save schedule: %w", err)
	}
	return &entry, nil
}
