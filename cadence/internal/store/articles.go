package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/cadence/cadence/internal/model"
)

const articleColumns = `id, title, summary, url, content_type, published_at, performance_score, media_json`

// UpsertArticle inserts or replaces an article. The performance score is only
// overwritten when a is carrying one.
func (s *Store) UpsertArticle(ctx context.Context, a *model.Article) error {
	media, err := jsonText(nonNil(a.MediaURLs))
	if err != nil {
		return err
	}
	var score sql.NullFloat64
	if a.PerformanceScore != nil {
		score = sql.NullFloat64{Float64: *a.PerformanceScore, Valid: true}
	}
	now := time.Now().UnixMilli()
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO articles (id, title, summary, url, content_type, published_at,
		performance_score, media_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, summary=excluded.summary, url=excluded.url,
			content_type=excluded.content_type, published_at=excluded.published_at,
			performance_score=COALESCE(excluded.performance_score, articles.performance_score),
			media_json=excluded.media_json, updated_at=excluded.updated_at`,
		a.ID, a.Title, a.Summary, a.URL, string(a.ContentType), ms(a.PublishedAt),
		score, media, now, now,
	)
	return err
}

// GetArticle returns the article or a *model.NotFoundError.
func (s *Store) GetArticle(ctx context.Context, id string) (*model.Article, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+articleColumns+` FROM articles WHERE id = ?`, id)
	a, err := scanArticle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.NotFoundError{Kind: "article", ID: id}
	}
	return a, err
}

// SetPerformanceScore records the analytics score of an article.
func (s *Store) SetPerformanceScore(ctx context.Context, id string, score float64) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE articles SET performance_score = ?, updated_at = ? WHERE id = ?`,
		score, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &model.NotFoundError{Kind: "article", ID: id}
	}
	return nil
}

// RecycleCandidates lists articles of the given types published before
// cutoff, oldest first.
func (s *Store) RecycleCandidates(ctx context.Context, types []model.ContentType, cutoff time.Time, limit int) ([]*model.Article, error) {
	if len(types) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(types)+2)
	for _, t := range types {
		args = append(args, string(t))
	}
	args = append(args, ms(cutoff), limit)
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+articleColumns+` FROM articles
		WHERE content_type IN (`+placeholders(len(types))+`) AND published_at < ?
		ORDER BY published_at ASC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PublishedBreaking counts breaking-news articles published in [from, to]
// plus breaking-news posts published in the same range.
func (s *Store) PublishedBreaking(ctx context.Context, from, to time.Time) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM articles
			 WHERE content_type = ? AND published_at BETWEEN ? AND ?)
		  + (SELECT COUNT(*) FROM scheduled_posts
			 WHERE content_type = ? AND status = ? AND published_at BETWEEN ? AND ?)`,
		string(model.BreakingNews), ms(from), ms(to),
		string(model.BreakingNews), string(model.StatusPublished), ms(from), ms(to),
	).Scan(&n)
	return n, err
}

// ArticleScorer reads the analytics-written performance_score column.
// Articles without a score rate 0.
type ArticleScorer struct {
	Store *Store
}

// Score implements recycle.Scorer.
func (sc ArticleScorer) Score(ctx context.Context, contentID string) (float64, error) {
	var v sql.NullFloat64
	err := sc.Store.DB.QueryRowContext(ctx,
		`SELECT performance_score FROM articles WHERE id = ?`, contentID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &model.NotFoundError{Kind: "article", ID: contentID}
	}
	if err != nil {
		return 0, fmt.Errorf("store: score %s: %w", contentID, err)
	}
	if !v.Valid {
		return 0, nil
	}
	return v.Float64, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArticle(sc scanner) (*model.Article, error) {
	var (
		a         model.Article
		ct        string
		published int64
		score     sql.NullFloat64
		media     string
	)
	if err := sc.Scan(&a.ID, &a.Title, &a.Summary, &a.URL, &ct, &published, &score, &media); err != nil {
		return nil, err
	}
	a.ContentType = model.ContentType(ct)
	a.PublishedAt = fromMS(published)
	if score.Valid {
		v := score.Float64
		a.PerformanceScore = &v
	}
	if err := json.Unmarshal([]byte(media), &a.MediaURLs); err != nil {
		return nil, fmt.Errorf("store: article %s media: %w", a.ID, err)
	}
	return &a, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
