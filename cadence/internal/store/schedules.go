package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/cadence/cadence/internal/model"
	"github.com/hazyhaar/cadence/dbopen"
)

// GetRecyclingSchedule returns the schedule of articleID with its
// performance history, or nil when there is none.
func (s *Store) GetRecyclingSchedule(ctx context.Context, articleID string) (*model.RecyclingSchedule, error) {
	var (
		rs                   string
		sched                model.RecyclingSchedule
		last, next           sql.NullInt64
		createdAt, updatedAt int64
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, article_id, recycle_type, last_recycled_at, next_scheduled_recycle,
		recycle_frequency_days, max_recycles_allowed, created_at, updated_at
		FROM recycling_schedules WHERE article_id = ?`, articleID,
	).Scan(&sched.ID, &sched.ArticleID, &rs, &last, &next,
		&sched.RecycleFrequencyDays, &sched.MaxRecyclesAllowed, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sched.RecycleType = model.RecycleType(rs)
	sched.LastRecycledAt = ptrMS(last)
	sched.NextScheduledRecycle = ptrMS(next)
	sched.CreatedAt = fromMS(createdAt)
	sched.UpdatedAt = fromMS(updatedAt)

	history, err := s.performanceHistory(ctx, sched.ID)
	if err != nil {
		return nil, err
	}
	sched.PerformanceHistory = history
	return &sched, nil
}

func (s *Store) performanceHistory(ctx context.Context, scheduleID string) ([]model.PerformanceEntry, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT recycle_date, recycle_number, likes, shares, comments, clicks,
		total_engagement, total_reach, engagement_rate, performance_vs_original
		FROM recycle_performance WHERE schedule_id = ? ORDER BY recycle_number`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.PerformanceEntry{}
	for rows.Next() {
		var (
			e    model.PerformanceEntry
			date int64
		)
		if err := rows.Scan(&date, &e.RecycleNumber, &e.Likes, &e.Shares, &e.Comments, &e.Clicks,
			&e.TotalEngagement, &e.TotalReach, &e.EngagementRate, &e.PerformanceVsOriginal); err != nil {
			return nil, err
		}
		e.RecycleDate = fromMS(date)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveRecyclingSchedule upserts the schedule by article id and appends any
// history entries not yet stored. Stored entries are never rewritten.
func (s *Store) SaveRecyclingSchedule(ctx context.Context, rs *model.RecyclingSchedule) error {
	now := time.Now().UTC()
	if rs.CreatedAt.IsZero() {
		rs.CreatedAt = now
	}
	if rs.UpdatedAt.IsZero() {
		rs.UpdatedAt = now
	}
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO recycling_schedules (id, article_id, recycle_type, last_recycled_at,
			next_scheduled_recycle, recycle_frequency_days, max_recycles_allowed, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(article_id) DO UPDATE SET
				recycle_type=excluded.recycle_type, last_recycled_at=excluded.last_recycled_at,
				next_scheduled_recycle=excluded.next_scheduled_recycle,
				recycle_frequency_days=excluded.recycle_frequency_days,
				max_recycles_allowed=excluded.max_recycles_allowed, updated_at=excluded.updated_at`,
			rs.ID, rs.ArticleID, string(rs.RecycleType), nullMS(rs.LastRecycledAt), nullMS(rs.NextScheduledRecycle),
			rs.RecycleFrequencyDays, rs.MaxRecyclesAllowed, ms(rs.CreatedAt), ms(rs.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("store: upsert recycling schedule: %w", err)
		}

		var id string
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM recycling_schedules WHERE article_id = ?`, rs.ArticleID).Scan(&id); err != nil {
			return err
		}
		rs.ID = id

		for _, e := range rs.PerformanceHistory {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO recycle_performance (schedule_id, recycle_number, recycle_date, likes, shares,
				comments, clicks, total_engagement, total_reach, engagement_rate, performance_vs_original)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(schedule_id, recycle_number) DO NOTHING`,
				id, e.RecycleNumber, ms(e.RecycleDate), e.Likes, e.Shares,
				e.Comments, e.Clicks, e.TotalEngagement, e.TotalReach, e.EngagementRate, e.PerformanceVsOriginal,
			)
			if err != nil {
				return fmt.Errorf("store: append performance #%d: %w", e.RecycleNumber, err)
			}
		}
		return nil
	})
}

// DueRecycles lists article ids whose next scheduled recycle is before t.
func (s *Store) DueRecycles(ctx context.Context, t time.Time, limit int) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT article_id FROM recycling_schedules
		WHERE next_scheduled_recycle IS NOT NULL AND next_scheduled_recycle <= ?
		ORDER BY next_scheduled_recycle LIMIT ?`, ms(t), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
