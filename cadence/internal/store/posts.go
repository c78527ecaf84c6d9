package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/cadence/cadence/internal/model"
)

const postColumns = `id, article_id, recycling_schedule_id, content_type, platform, is_recycled,
	recycle_number, content, media_json, scheduled_at, calculated_at, scheduling_reason,
	metadata_json, status, published_at, platform_post_id, platform_post_url, failure_reason,
	attempt_count, last_attempt_at, attempt_errors_json, priority, reschedule_count,
	created_at, updated_at`

// PostFilter narrows ListPosts. Zero fields match everything.
type PostFilter struct {
	Status    model.Status
	Platform  model.Platform
	ArticleID string
	Limit     int
}

type postJSON struct {
	media    string
	metadata string
	errs     string
}

func encodePost(p *model.ScheduledPost) (postJSON, error) {
	var (
		out postJSON
		err error
	)
	if out.media, err = jsonText(nonNil(p.MediaURLs)); err != nil {
		return out, err
	}
	meta := p.SchedulingMetadata
	if meta.AlternativeTimesConsidered == nil {
		meta.AlternativeTimesConsidered = []time.Time{}
	}
	if out.metadata, err = jsonText(meta); err != nil {
		return out, err
	}
	errs := p.PublishingAttempts.Errors
	if errs == nil {
		errs = []model.AttemptError{}
	}
	out.errs, err = jsonText(errs)
	return out, err
}

// InsertPost stores a new post.
func (s *Store) InsertPost(ctx context.Context, p *model.ScheduledPost) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	j, err := encodePost(p)
	if err != nil {
		return fmt.Errorf("store: encode post %s: %w", p.ID, err)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO scheduled_posts (`+postColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ArticleID, p.RecyclingScheduleID, string(p.ContentType), string(p.Platform), p.IsRecycled,
		p.RecycleNumber, p.Content, j.media, ms(p.ScheduledAt), ms(p.CalculatedAt), p.SchedulingReason,
		j.metadata, string(p.Status), nullMS(p.PublishedAt), p.PlatformPostID, p.PlatformPostURL, p.FailureReason,
		p.PublishingAttempts.Count, nullMS(p.PublishingAttempts.LastAttempt), j.errs, p.Priority, p.RescheduleCount,
		ms(p.CreatedAt), ms(p.UpdatedAt),
	)
	return err
}

// GetPost returns the post or a *model.NotFoundError.
func (s *Store) GetPost(ctx context.Context, id string) (*model.ScheduledPost, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+postColumns+` FROM scheduled_posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.NotFoundError{Kind: "post", ID: id}
	}
	return p, err
}

// UpdatePost writes the mutable fields of p only if the stored status is
// still from. It reports whether the row was updated; false means another
// writer moved the post first.
func (s *Store) UpdatePost(ctx context.Context, p *model.ScheduledPost, from model.Status) (bool, error) {
	j, err := encodePost(p)
	if err != nil {
		return false, fmt.Errorf("store: encode post %s: %w", p.ID, err)
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE scheduled_posts SET
			content=?, scheduled_at=?, calculated_at=?, scheduling_reason=?, metadata_json=?,
			status=?, published_at=?, platform_post_id=?, platform_post_url=?, failure_reason=?,
			attempt_count=?, last_attempt_at=?, attempt_errors_json=?, reschedule_count=?, updated_at=?
		WHERE id = ? AND status = ?`,
		p.Content, ms(p.ScheduledAt), ms(p.CalculatedAt), p.SchedulingReason, j.metadata,
		string(p.Status), nullMS(p.PublishedAt), p.PlatformPostID, p.PlatformPostURL, p.FailureReason,
		p.PublishingAttempts.Count, nullMS(p.PublishingAttempts.LastAttempt), j.errs, p.RescheduleCount, ms(p.UpdatedAt),
		p.ID, string(from),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListPosts returns posts matching f, soonest first.
func (s *Store) ListPosts(ctx context.Context, f PostFilter) ([]*model.ScheduledPost, error) {
	q := `SELECT ` + postColumns + ` FROM scheduled_posts WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Platform != "" {
		q += ` AND platform = ?`
		args = append(args, string(f.Platform))
	}
	if f.ArticleID != "" {
		q += ` AND article_id = ?`
		args = append(args, f.ArticleID)
	}
	q += ` ORDER BY scheduled_at ASC, priority DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryPosts(ctx, q, args...)
}

// StalePosts returns scheduled posts whose ScheduledAt is before threshold
// and processing posts not updated since threshold.
func (s *Store) StalePosts(ctx context.Context, threshold time.Time, limit int) ([]*model.ScheduledPost, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryPosts(ctx,
		`SELECT `+postColumns+` FROM scheduled_posts
		WHERE (status = ? AND scheduled_at < ?) OR (status = ? AND updated_at < ?)
		ORDER BY scheduled_at ASC LIMIT ?`,
		string(model.StatusScheduled), ms(threshold), string(model.StatusProcessing), ms(threshold), limit)
}

// ScheduledTimes returns ScheduledAt of scheduled or processing posts on p
// within [from, to].
func (s *Store) ScheduledTimes(ctx context.Context, p model.Platform, from, to time.Time) ([]time.Time, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT scheduled_at FROM scheduled_posts
		WHERE platform = ? AND status IN (?, ?) AND scheduled_at BETWEEN ? AND ?
		ORDER BY scheduled_at`,
		string(p), string(model.StatusScheduled), string(model.StatusProcessing), ms(from), ms(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, fromMS(v))
	}
	return out, rows.Err()
}

// UpcomingBreaking counts breaking-news posts scheduled or processing with
// ScheduledAt in [from, to].
func (s *Store) UpcomingBreaking(ctx context.Context, from, to time.Time) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scheduled_posts
		WHERE content_type = ? AND status IN (?, ?) AND scheduled_at BETWEEN ? AND ?`,
		string(model.BreakingNews), string(model.StatusScheduled), string(model.StatusProcessing),
		ms(from), ms(to)).Scan(&n)
	return n, err
}

// CountScheduled counts posts on p that are scheduled, processing or
// published with ScheduledAt in [from, to).
func (s *Store) CountScheduled(ctx context.Context, p model.Platform, from, to time.Time) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scheduled_posts
		WHERE platform = ? AND status IN (?, ?, ?) AND scheduled_at >= ? AND scheduled_at < ?`,
		string(p), string(model.StatusScheduled), string(model.StatusProcessing), string(model.StatusPublished),
		ms(from), ms(to)).Scan(&n)
	return n, err
}

// CountByStatus returns the number of posts per status.
func (s *Store) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM scheduled_posts GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[model.Status]int{}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[model.Status(st)] = n
	}
	return out, rows.Err()
}

func (s *Store) queryPosts(ctx context.Context, q string, args ...any) ([]*model.ScheduledPost, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []*model.ScheduledPost
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func scanPost(sc scanner) (*model.ScheduledPost, error) {
	var (
		p                         model.ScheduledPost
		ct, platform, status      string
		media, metadata, errs     string
		scheduledAt, calculatedAt int64
		createdAt, updatedAt      int64
		publishedAt, lastAttempt  sql.NullInt64
	)
	err := sc.Scan(
		&p.ID, &p.ArticleID, &p.RecyclingScheduleID, &ct, &platform, &p.IsRecycled,
		&p.RecycleNumber, &p.Content, &media, &scheduledAt, &calculatedAt, &p.SchedulingReason,
		&metadata, &status, &publishedAt, &p.PlatformPostID, &p.PlatformPostURL, &p.FailureReason,
		&p.PublishingAttempts.Count, &lastAttempt, &errs, &p.Priority, &p.RescheduleCount,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.ContentType = model.ContentType(ct)
	p.Platform = model.Platform(platform)
	p.Status = model.Status(status)
	p.ScheduledAt = fromMS(scheduledAt)
	p.CalculatedAt = fromMS(calculatedAt)
	p.PublishedAt = ptrMS(publishedAt)
	p.PublishingAttempts.LastAttempt = ptrMS(lastAttempt)
	p.CreatedAt = fromMS(createdAt)
	p.UpdatedAt = fromMS(updatedAt)
	if err := json.Unmarshal([]byte(media), &p.MediaURLs); err != nil {
		return nil, fmt.Errorf("store: post %s media: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(metadata), &p.SchedulingMetadata); err != nil {
		return nil, fmt.Errorf("store: post %s metadata: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(errs), &p.PublishingAttempts.Errors); err != nil {
		return nil, fmt.Errorf("store: post %s attempt errors: %w", p.ID, err)
	}
	return &p, nil
}
