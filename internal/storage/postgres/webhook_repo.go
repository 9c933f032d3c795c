package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fortai/legalcrawl/internal/crawler"
)

// WebhookRepo persists subscriptions and the delivery ledger.
type WebhookRepo struct {
	pool *pgxpool.Pool
}

// NewWebhookRepo creates a WebhookRepo.
func NewWebhookRepo(pool *pgxpool.Pool) *WebhookRepo {
	return &WebhookRepo{pool: pool}
}

// ListActiveByEvent returns active webhooks subscribed to the event type.
func (r *WebhookRepo) ListActiveByEvent(ctx context.Context, event crawler.EventType) ([]crawler.Webhook, error) {
	query := `
		SELECT id, name, url, event_types, COALESCE(secret, ''), active,
		       headers, created_at, updated_at
		FROM webhooks
		WHERE active AND $1 = ANY(event_types)
		ORDER BY id
	`
	rows, err := r.pool.Query(ctx, query, string(event))
	if err != nil {
		return nil, fmt.Errorf("select webhooks: %w", err)
	}
	defer rows.Close()

	var webhooks []crawler.Webhook
	for rows.Next() {
		var (
			w       crawler.Webhook
			types   []string
			headers []byte
		)
		if err := rows.Scan(&w.ID, &w.Name, &w.URL, &types, &w.Secret,
			&w.Active, &headers, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		for _, t := range types {
			w.EventTypes = append(w.EventTypes, crawler.EventType(t))
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &w.Headers); err != nil {
				return nil, fmt.Errorf("unmarshal webhook headers: %w", err)
			}
		}
		webhooks = append(webhooks, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhooks: %w", err)
	}
	return webhooks, nil
}

// InsertDelivery records a new delivery ledger row (status pending).
func (r *WebhookRepo) InsertDelivery(ctx context.Context, d crawler.WebhookDelivery) error {
	query := `
		INSERT INTO webhook_deliveries (
			id, webhook_id, event_type, payload, status, retry_count,
			next_retry_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.pool.Exec(ctx, query,
		d.ID, d.WebhookID, string(d.EventType), d.Payload, string(d.Status),
		d.RetryCount, d.NextRetryAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// UpdateDelivery advances a delivery row after an attempt.
func (r *WebhookRepo) UpdateDelivery(ctx context.Context, d crawler.WebhookDelivery) error {
	query := `
		UPDATE webhook_deliveries
		SET status = $2, response_status = $3, response_body = $4,
		    error_message = $5, retry_count = $6, next_retry_at = $7,
		    delivered_at = $8, updated_at = $9
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query,
		d.ID, string(d.Status), d.ResponseStatus, d.ResponseBody,
		d.ErrorMessage, d.RetryCount, d.NextRetryAt, d.DeliveredAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}
