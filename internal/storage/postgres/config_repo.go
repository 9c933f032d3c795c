package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fortai/legalcrawl/internal/crawler"
)

// ConfigRepo reads scraper configurations; the engine consumes them
// read-only.
type ConfigRepo struct {
	pool *pgxpool.Pool
}

// NewConfigRepo creates a ConfigRepo.
func NewConfigRepo(pool *pgxpool.Pool) *ConfigRepo {
	return &ConfigRepo{pool: pool}
}

const configColumns = `
	id, name, COALESCE(description, ''), base_url, include_patterns,
	exclude_patterns, max_depth, COALESCE(max_pages_per_job, 0),
	respect_robots_txt, user_agent, request_delay_ms,
	max_concurrent_requests, COALESCE(schedule, ''), headers, active,
	created_at, updated_at
`

// GetConfig fetches a configuration by ID.
func (r *ConfigRepo) GetConfig(ctx context.Context, configID uuid.UUID) (crawler.ScraperConfig, error) {
	query := `SELECT ` + configColumns + ` FROM scraper_configs WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, configID)
	cfg, err := scanConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ScraperConfig{}, crawler.ErrNotFound
	}
	return cfg, err
}

// ListScheduled returns active configs carrying a cron schedule.
func (r *ConfigRepo) ListScheduled(ctx context.Context) ([]crawler.ScraperConfig, error) {
	query := `SELECT ` + configColumns + `
		FROM scraper_configs
		WHERE active AND schedule IS NOT NULL AND schedule <> ''
		ORDER BY id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select scheduled configs: %w", err)
	}
	defer rows.Close()

	var configs []crawler.ScraperConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate configs: %w", err)
	}
	return configs, nil
}

// SetNextRun records the next scheduled fire time for the config.
func (r *ConfigRepo) SetNextRun(ctx context.Context, configID uuid.UUID, next time.Time) error {
	query := `UPDATE scraper_configs SET next_run_at = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, configID, next)
	if err != nil {
		return fmt.Errorf("set next run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

func scanConfig(row pgx.Row) (crawler.ScraperConfig, error) {
	var (
		cfg     crawler.ScraperConfig
		headers []byte
	)
	err := row.Scan(
		&cfg.ID, &cfg.Name, &cfg.Description, &cfg.BaseURL,
		&cfg.IncludePatterns, &cfg.ExcludePatterns, &cfg.MaxDepth,
		&cfg.MaxPagesPerJob, &cfg.RespectRobots, &cfg.UserAgent,
		&cfg.RequestDelayMs, &cfg.MaxConcurrentRequests, &cfg.Schedule,
		&headers, &cfg.Active, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return crawler.ScraperConfig{}, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &cfg.Headers); err != nil {
			return crawler.ScraperConfig{}, fmt.Errorf("unmarshal config headers: %w", err)
		}
	}
	return cfg, nil
}
