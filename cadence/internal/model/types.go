// Package model holds the domain types shared by the scheduling and delivery
// packages: content classification, scheduled posts, recycling schedules and
// the scheduling configuration.
package model

import (
	"fmt"
	"time"
)

// ContentType classifies the source content of a post.
type ContentType string

const (
	BreakingNews ContentType = "breaking_news"
	NormalNews   ContentType = "normal_news"
	Blog         ContentType = "blog"
	Evergreen    ContentType = "evergreen"
	Recycled     ContentType = "recycled"
)

// ContentTypes lists every recognised content type.
var ContentTypes = []ContentType{BreakingNews, NormalNews, Blog, Evergreen, Recycled}

// Valid reports whether c is a recognised content type.
func (c ContentType) Valid() bool {
	for _, v := range ContentTypes {
		if c == v {
			return true
		}
	}
	return false
}

// Priority is the informational sort key derived from the content type.
func (c ContentType) Priority() int {
	switch c {
	case BreakingNews:
		return 10
	case NormalNews:
		return 7
	case Blog:
		return 5
	case Evergreen:
		return 3
	case Recycled:
		return 1
	default:
		return 1
	}
}

// Platform is a social network a post is delivered to.
type Platform string

const (
	Facebook  Platform = "facebook"
	Twitter   Platform = "twitter"
	Instagram Platform = "instagram"
)

// Platforms lists every supported platform.
var Platforms = []Platform{Facebook, Twitter, Instagram}

// Valid reports whether p is a supported platform.
func (p Platform) Valid() bool {
	switch p {
	case Facebook, Twitter, Instagram:
		return true
	}
	return false
}

// ParsePlatform validates s as a platform name.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(s)
	if !p.Valid() {
		return "", &ValidationError{Field: "platform", Reason: fmt.Sprintf("unsupported platform %q", s)}
	}
	return p, nil
}

// TimeWindow is the audience-activity class of an instant on a platform.
type TimeWindow string

const (
	Peak     TimeWindow = "peak"
	Moderate TimeWindow = "moderate"
	Low      TimeWindow = "low"
)

// Method records how a publish time was computed.
type Method string

const (
	MethodImmediate  Method = "immediate"
	MethodQuick      Method = "quick"
	MethodOptimal    Method = "optimal"
	MethodDelayedLow Method = "delayed_low"
	MethodLowTraffic Method = "low_traffic"
	MethodManual     Method = "manual"
	MethodFallback   Method = "fallback"
)

// Status is the delivery state of a scheduled post.
type Status string

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusProcessing Status = "processing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusPublished || s == StatusFailed || s == StatusCancelled
}

// RecycleType classifies how aged content may be republished.
type RecycleType string

const (
	PureEvergreen     RecycleType = "pure_evergreen"
	SeasonalEvergreen RecycleType = "seasonal_evergreen"
	Durable           RecycleType = "durable"
	NotRecyclable     RecycleType = "not_recyclable"
)

// MaxPublishAttempts is the number of delivery attempts before a post fails.
const MaxPublishAttempts = 3

// SchedulingMetadata explains how ScheduledAt was chosen.
type SchedulingMetadata struct {
	Method                     Method      `json:"calculation_method"`
	TimeWindow                 TimeWindow  `json:"time_window"`
	IsOptimalTime              bool        `json:"is_optimal_time"`
	Degraded                   bool        `json:"degraded"`
	AlternativeTimesConsidered []time.Time `json:"alternative_times_considered"`
}

// AttemptError is one failed delivery attempt.
type AttemptError struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
}

// PublishingAttempts is the retry bookkeeping of a post.
type PublishingAttempts struct {
	Count       int            `json:"count"`
	LastAttempt *time.Time     `json:"last_attempt,omitempty"`
	Errors      []AttemptError `json:"errors"`
}

// ScheduledPost is a unit of social-media publication work.
type ScheduledPost struct {
	ID                  string `json:"id"`
	ArticleID           string `json:"article_id"`
	RecyclingScheduleID string `json:"recycling_schedule_id,omitempty"`

	ContentType   ContentType `json:"content_type"`
	Platform      Platform    `json:"platform"`
	IsRecycled    bool        `json:"is_recycled"`
	RecycleNumber int         `json:"recycle_number"`

	Content   string   `json:"content"`
	MediaURLs []string `json:"media_urls,omitempty"`

	ScheduledAt        time.Time          `json:"scheduled_at"`
	CalculatedAt       time.Time          `json:"calculated_at"`
	SchedulingReason   string             `json:"scheduling_reason"`
	SchedulingMetadata SchedulingMetadata `json:"scheduling_metadata"`

	Status             Status             `json:"status"`
	PublishedAt        *time.Time         `json:"published_at,omitempty"`
	PlatformPostID     string             `json:"platform_post_id,omitempty"`
	PlatformPostURL    string             `json:"platform_post_url,omitempty"`
	FailureReason      string             `json:"failure_reason,omitempty"`
	PublishingAttempts PublishingAttempts `json:"publishing_attempts"`

	Priority int `json:"priority"`
	// RescheduleCount is the delivery generation; it changes the queue key.
	RescheduleCount int `json:"reschedule_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Article is the published content posts are derived from.
type Article struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Summary     string      `json:"summary"`
	URL         string      `json:"url"`
	ContentType ContentType `json:"content_type"`
	PublishedAt time.Time   `json:"published_at"`
	// PerformanceScore is written by external analytics, 0..1.
	PerformanceScore *float64 `json:"performance_score,omitempty"`
	MediaURLs        []string `json:"media_urls,omitempty"`
}

// PerformanceEntry is one recycle instance in a schedule's history.
type PerformanceEntry struct {
	RecycleDate           time.Time `json:"recycle_date"`
	RecycleNumber         int       `json:"recycle_number"`
	Likes                 int64     `json:"likes"`
	Shares                int64     `json:"shares"`
	Comments              int64     `json:"comments"`
	Clicks                int64     `json:"clicks"`
	TotalEngagement       int64     `json:"total_engagement"`
	TotalReach            int64     `json:"total_reach"`
	EngagementRate        float64   `json:"engagement_rate"`
	PerformanceVsOriginal float64   `json:"performance_vs_original"`
}

// RecyclingSchedule governs republication of one article.
type RecyclingSchedule struct {
	ID                   string             `json:"id"`
	ArticleID            string             `json:"article_id"`
	RecycleType          RecycleType        `json:"recycle_type"`
	LastRecycledAt       *time.Time         `json:"last_recycled_at,omitempty"`
	NextScheduledRecycle *time.Time         `json:"next_scheduled_recycle,omitempty"`
	RecycleFrequencyDays int                `json:"recycle_frequency_days"`
	MaxRecyclesAllowed   int                `json:"max_recycles_allowed"`
	PerformanceHistory   []PerformanceEntry `json:"performance_history"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// TotalRecycles is the number of recorded recycle instances.
func (s *RecyclingSchedule) TotalRecycles() int {
	return len(s.PerformanceHistory)
}

// Exhausted reports whether the schedule reached its recycle cap.
func (s *RecyclingSchedule) Exhausted() bool {
	return s.MaxRecyclesAllowed > 0 && s.TotalRecycles() >= s.MaxRecyclesAllowed
}

// Clock returns the current time. Components take one so tests can pin it.
type Clock func() time.Time

// SystemClock is the wall clock.
func SystemClock() time.Time { return time.Now() }
