package cadence

import (
	"context"
	"time"

	"github.com/hazyhaar/cadence/cadence/internal/copytext"
	"github.com/hazyhaar/cadence/cadence/internal/delivery"
	"github.com/hazyhaar/cadence/cadence/internal/model"
	"github.com/hazyhaar/cadence/cadence/internal/recycle"
	"github.com/hazyhaar/cadence/publisher"
)

// Domain types callers outside this package work with.
type (
	ContentType       = model.ContentType
	Platform          = model.Platform
	Status            = model.Status
	Method            = model.Method
	TimeWindow        = model.TimeWindow
	RecycleType       = model.RecycleType
	Article           = model.Article
	ScheduledPost     = model.ScheduledPost
	SchedulingResult  = model.SchedulingResult
	SchedulingConfig  = model.SchedulingConfig
	RecyclingSchedule = model.RecyclingSchedule
	PerformanceEntry  = model.PerformanceEntry
	Eligibility       = recycle.Eligibility
	Criteria          = recycle.Criteria
	EngagementMetrics = recycle.Metrics
	CancelResult      = delivery.CancelResult
	CopyInput         = copytext.Input
	RouteConfig       = publisher.RouteConfig
)

const (
	BreakingNews = model.BreakingNews
	NormalNews   = model.NormalNews
	Blog         = model.Blog
	Evergreen    = model.Evergreen
	Recycled     = model.Recycled

	Facebook  = model.Facebook
	Twitter   = model.Twitter
	Instagram = model.Instagram

	StatusScheduled  = model.StatusScheduled
	StatusProcessing = model.StatusProcessing
	StatusPublished  = model.StatusPublished
	StatusFailed     = model.StatusFailed
	StatusCancelled  = model.StatusCancelled
)

// DefaultSchedulingConfig returns the built-in windows and caps.
func DefaultSchedulingConfig() *SchedulingConfig { return model.DefaultSchedulingConfig() }

// ParseConfigYAML reads a scheduling config seed.
func ParseConfigYAML(data []byte) (*SchedulingConfig, error) { return model.ParseConfigYAML(data) }

// ParsePlatform validates a platform name.
func ParsePlatform(s string) (Platform, error) { return model.ParsePlatform(s) }

// Finalizer turns a draft into the copy posted on a platform.
type Finalizer interface {
	Finalize(ctx context.Context, in CopyInput) (string, error)
}

// ScheduleRequest asks for one post of an article on one platform.
type ScheduleRequest struct {
	ArticleID string   `json:"article_id"`
	Platform  Platform `json:"platform"`
	// ContentType defaults to the article's.
	ContentType ContentType `json:"content_type,omitempty"`
	// Content is the draft copy; empty uses the article title.
	Content   string   `json:"content,omitempty"`
	MediaURLs []string `json:"media_urls,omitempty"`
	// ScheduledAt pins the publish time and skips the scheduler.
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// ArticleRequest fans one article out to several platforms.
type ArticleRequest struct {
	ArticleID   string      `json:"article_id"`
	Platforms   []Platform  `json:"platforms,omitempty"`
	ContentType ContentType `json:"content_type,omitempty"`
	Content     string      `json:"content,omitempty"`
	MediaURLs   []string    `json:"media_urls,omitempty"`
}

// RecycleRequest republishes an eligible article.
type RecycleRequest struct {
	ArticleID string     `json:"article_id"`
	Platforms []Platform `json:"platforms,omitempty"`
	Content   string     `json:"content,omitempty"`
}

// RecycleOutcome is the result of RecycleContent.
type RecycleOutcome struct {
	Schedule *RecyclingSchedule `json:"schedule"`
	Posts    []*ScheduledPost   `json:"posts"`
}

// SweepResult summarizes one RecycleDue run.
type SweepResult struct {
	Considered int      `json:"considered"`
	Recycled   []string `json:"recycled"`
	Posts      int      `json:"posts"`
	Skipped    []string `json:"skipped,omitempty"`
}

// PostFilter narrows ListPosts.
type PostFilter struct {
	Status    Status   `json:"status,omitempty"`
	Platform  Platform `json:"platform,omitempty"`
	ArticleID string   `json:"article_id,omitempty"`
	Limit     int      `json:"limit,omitempty"`
}

// Stats is a snapshot for health checks.
type Stats struct {
	Posts   map[Status]int    `json:"posts"`
	Queue   map[string]int    `json:"queue"`
	Routes  map[string]string `json:"routes,omitempty"`
	Reloads int64             `json:"config_reloads"`
	Dropped int64             `json:"events_dropped"`
}
