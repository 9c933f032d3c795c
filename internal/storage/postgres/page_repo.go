package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fortai/legalcrawl/internal/crawler"
)

// PageRepo implements crawler.PageRepository over the pages table. Pages
// are append-only per job; (job_id, normalized_url) carries a unique index.
type PageRepo struct {
	pool *pgxpool.Pool
}

// NewPageRepo creates a PageRepo.
func NewPageRepo(pool *pgxpool.Pool) *PageRepo {
	return &PageRepo{pool: pool}
}

// InsertPage appends a page record. A conflicting (job_id, normalized_url)
// drops the new record and returns false so the caller skips the counter.
func (r *PageRepo) InsertPage(ctx context.Context, page crawler.Page) (bool, error) {
	headers, err := json.Marshal(page.HTTPHeaders)
	if err != nil {
		return false, fmt.Errorf("marshal page headers: %w", err)
	}
	metadata, err := json.Marshal(page.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal page metadata: %w", err)
	}

	query := `
		INSERT INTO pages (
			id, job_id, url, normalized_url, content_hash, http_status,
			http_headers, crawled_at, html_storage_key, markdown_storage_key,
			title, metadata, error_message, depth, parent_url
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (job_id, normalized_url) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query,
		page.ID, page.JobID, page.URL, page.NormalizedURL,
		nullable(page.ContentHash), page.HTTPStatus, headers, page.CrawledAt,
		nullable(page.HTMLKey), nullable(page.MarkdownKey), nullable(page.Title),
		metadata, nullable(page.ErrorMessage), page.Depth, nullable(page.ParentURL),
	)
	if err != nil {
		return false, fmt.Errorf("insert page: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListPagesByJob pages through a job's records in id order. Page IDs are
// random (v4) UUIDs, so this is not insertion order. The cursor is the last
// seen page ID.
func (r *PageRepo) ListPagesByJob(ctx context.Context, jobID uuid.UUID, cursor string, limit int) ([]crawler.Page, string, error) {
	if limit <= 0 {
		limit = 100
	}
	after := uuid.Nil
	if cursor != "" {
		parsed, err := uuid.Parse(cursor)
		if err != nil {
			return nil, "", crawler.Validationf("bad cursor %q", cursor)
		}
		after = parsed
	}

	query := `
		SELECT id, job_id, url, normalized_url, content_hash, http_status,
		       http_headers, crawled_at, html_storage_key, markdown_storage_key,
		       title, metadata, error_message, depth, parent_url
		FROM pages
		WHERE job_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, jobID, after, limit)
	if err != nil {
		return nil, "", fmt.Errorf("select pages: %w", err)
	}
	defer rows.Close()

	var pages []crawler.Page
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, "", err
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate pages: %w", err)
	}

	next := ""
	if len(pages) == limit {
		next = pages[len(pages)-1].ID.String()
	}
	return pages, next, nil
}

// FindMarkdownKeyByHash returns a markdown storage key already recorded for
// the content hash within the job.
func (r *PageRepo) FindMarkdownKeyByHash(ctx context.Context, jobID uuid.UUID, hash string) (string, bool, error) {
	query := `
		SELECT markdown_storage_key
		FROM pages
		WHERE job_id = $1 AND content_hash = $2 AND markdown_storage_key IS NOT NULL
		LIMIT 1
	`
	var key string
	err := r.pool.QueryRow(ctx, query, jobID, hash).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select markdown key: %w", err)
	}
	return key, true, nil
}

func scanPage(rows pgx.Rows) (crawler.Page, error) {
	var (
		page                                    crawler.Page
		hash, htmlKey, mdKey, title, errMsg, pu *string
		headers, metadata                       []byte
	)
	err := rows.Scan(
		&page.ID, &page.JobID, &page.URL, &page.NormalizedURL, &hash,
		&page.HTTPStatus, &headers, &page.CrawledAt, &htmlKey, &mdKey,
		&title, &metadata, &errMsg, &page.Depth, &pu,
	)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("scan page: %w", err)
	}
	page.ContentHash = deref(hash)
	page.HTMLKey = deref(htmlKey)
	page.MarkdownKey = deref(mdKey)
	page.Title = deref(title)
	page.ErrorMessage = deref(errMsg)
	page.ParentURL = deref(pu)
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &page.HTTPHeaders); err != nil {
			return crawler.Page{}, fmt.Errorf("unmarshal page headers: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &page.Metadata); err != nil {
			return crawler.Page{}, fmt.Errorf("unmarshal page metadata: %w", err)
		}
	}
	return page, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
