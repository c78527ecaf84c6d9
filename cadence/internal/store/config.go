package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/cadence/cadence/internal/model"
)

// LoadSchedulingConfig returns the stored config. On first read the row is
// created from seed, or from the defaults when seed is nil.
func (s *Store) LoadSchedulingConfig(ctx context.Context, seed *model.SchedulingConfig) (*model.SchedulingConfig, error) {
	var data string
	err := s.DB.QueryRowContext(ctx, `SELECT config_json FROM scheduling_config WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		if seed == nil {
			seed = model.DefaultSchedulingConfig()
		}
		b, err := seed.Encode()
		if err != nil {
			return nil, err
		}
		// A concurrent first read may have seeded already; keep its row.
		if _, err := s.DB.ExecContext(ctx,
			`INSERT INTO scheduling_config (id, config_json, updated_at) VALUES (1, ?, ?)
			ON CONFLICT(id) DO NOTHING`, string(b), time.Now().UnixMilli()); err != nil {
			return nil, fmt.Errorf("store: seed scheduling config: %w", err)
		}
		return s.LoadSchedulingConfig(ctx, seed)
	}
	if err != nil {
		return nil, err
	}
	return model.DecodeSchedulingConfig([]byte(data))
}

// SaveSchedulingConfig replaces the stored config.
func (s *Store) SaveSchedulingConfig(ctx context.Context, cfg *model.SchedulingConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b, err := cfg.Encode()
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO scheduling_config (id, config_json, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`,
		string(b), time.Now().UnixMilli())
	return err
}
