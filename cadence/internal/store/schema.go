package store

import "database/sql"

// Schema is the complete cadence schema.
const Schema = `
CREATE TABLE IF NOT EXISTS articles (
    id                TEXT PRIMARY KEY,
    title             TEXT NOT NULL DEFAULT '',
    summary           TEXT NOT NULL DEFAULT '',
    url               TEXT NOT NULL DEFAULT '',
    content_type      TEXT NOT NULL,
    published_at      INTEGER NOT NULL,
    performance_score REAL,
    media_json        TEXT NOT NULL DEFAULT '[]',
    created_at        INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_articles_type_published ON articles(content_type, published_at);

CREATE TABLE IF NOT EXISTS scheduled_posts (
    id                    TEXT PRIMARY KEY,
    article_id            TEXT NOT NULL,
    recycling_schedule_id TEXT NOT NULL DEFAULT '',
    content_type          TEXT NOT NULL,
    platform              TEXT NOT NULL,
    is_recycled           INTEGER NOT NULL DEFAULT 0,
    recycle_number        INTEGER NOT NULL DEFAULT 0,
    content               TEXT NOT NULL DEFAULT '',
    media_json            TEXT NOT NULL DEFAULT '[]',
    scheduled_at          INTEGER NOT NULL,
    calculated_at         INTEGER NOT NULL,
    scheduling_reason     TEXT NOT NULL DEFAULT '',
    metadata_json         TEXT NOT NULL DEFAULT '{}',
    status                TEXT NOT NULL,
    published_at          INTEGER,
    platform_post_id      TEXT NOT NULL DEFAULT '',
    platform_post_url     TEXT NOT NULL DEFAULT '',
    failure_reason        TEXT NOT NULL DEFAULT '',
    attempt_count         INTEGER NOT NULL DEFAULT 0,
    last_attempt_at       INTEGER,
    attempt_errors_json   TEXT NOT NULL DEFAULT '[]',
    priority              INTEGER NOT NULL DEFAULT 1,
    reschedule_count      INTEGER NOT NULL DEFAULT 0,
    created_at            INTEGER NOT NULL,
    updated_at            INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_posts_platform_status_time ON scheduled_posts(platform, status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_posts_status_time ON scheduled_posts(status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_posts_type_status_time ON scheduled_posts(content_type, status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_posts_article ON scheduled_posts(article_id);

CREATE TABLE IF NOT EXISTS recycling_schedules (
    id                     TEXT PRIMARY KEY,
    article_id             TEXT NOT NULL UNIQUE,
    recycle_type           TEXT NOT NULL,
    last_recycled_at       INTEGER,
    next_scheduled_recycle INTEGER,
    recycle_frequency_days INTEGER NOT NULL DEFAULT 90,
    max_recycles_allowed   INTEGER NOT NULL DEFAULT 3,
    created_at             INTEGER NOT NULL,
    updated_at             INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recycling_next ON recycling_schedules(next_scheduled_recycle);

-- Append-only: one row per recycle instance, numbered from 1.
CREATE TABLE IF NOT EXISTS recycle_performance (
    schedule_id             TEXT NOT NULL REFERENCES recycling_schedules(id) ON DELETE CASCADE,
    recycle_number          INTEGER NOT NULL,
    recycle_date            INTEGER NOT NULL,
    likes                   INTEGER NOT NULL DEFAULT 0,
    shares                  INTEGER NOT NULL DEFAULT 0,
    comments                INTEGER NOT NULL DEFAULT 0,
    clicks                  INTEGER NOT NULL DEFAULT 0,
    total_engagement        INTEGER NOT NULL DEFAULT 0,
    total_reach             INTEGER NOT NULL DEFAULT 0,
    engagement_rate         REAL NOT NULL DEFAULT 0,
    performance_vs_original REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (schedule_id, recycle_number)
);

-- Single-row scheduling configuration.
CREATE TABLE IF NOT EXISTS scheduling_config (
    id          INTEGER PRIMARY KEY CHECK (id = 1),
    config_json TEXT NOT NULL,
    updated_at  INTEGER NOT NULL
);
`

// ApplySchema creates all tables and indexes. Idempotent.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
