// Package webhook implements the event fan-out and delivery pipeline.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fortai/legalcrawl/internal/crawler"
	"github.com/fortai/legalcrawl/internal/metrics"
)

// DefaultRetrySchedule holds the offsets between delivery attempts. Each
// waits with ±20% jitter; the first attempt fires immediately.
var DefaultRetrySchedule = []time.Duration{
	0,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	time.Hour,
	6 * time.Hour,
}

const (
	attemptTimeout  = 10 * time.Second
	responseSnippet = 512
)

// Dispatcher fans events out to subscribed webhooks with at-least-once
// semantics. Receivers deduplicate on the X-Delivery-Id header.
type Dispatcher struct {
	repo     crawler.WebhookRepository
	client   *http.Client
	clock    crawler.Clock
	logger   *zap.Logger
	schedule []time.Duration

	wg sync.WaitGroup
}

// NewDispatcher builds a Dispatcher with the default retry schedule.
func NewDispatcher(repo crawler.WebhookRepository, clock crawler.Clock, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		repo:     repo,
		client:   &http.Client{Timeout: attemptTimeout},
		clock:    clock,
		logger:   logger,
		schedule: DefaultRetrySchedule,
	}
}

// WithSchedule overrides the retry offsets; tests use short ones.
func (d *Dispatcher) WithSchedule(schedule []time.Duration) *Dispatcher {
	d.schedule = schedule
	return d
}

// Emit records one pending delivery per active subscribed webhook and
// launches the delivery loop for each. It never blocks on receivers.
func (d *Dispatcher) Emit(ctx context.Context, event crawler.Event) {
	hooks, err := d.repo.ListActiveByEvent(ctx, event.Type)
	if err != nil {
		d.logger.Error("list webhooks failed",
			zap.String("event", string(event.Type)), zap.Error(err))
		return
	}
	if len(hooks) == 0 {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("marshal event failed", zap.Error(err))
		return
	}

	for _, hook := range hooks {
		now := d.clock.Now()
		delivery := crawler.WebhookDelivery{
			ID:        uuid.New(),
			WebhookID: hook.ID,
			EventType: event.Type,
			Payload:   payload,
			Status:    crawler.DeliveryPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := d.repo.InsertDelivery(ctx, delivery); err != nil {
			d.logger.Error("insert delivery failed",
				zap.String("webhook_id", hook.ID.String()), zap.Error(err))
			continue
		}

		d.wg.Add(1)
		go func(hook crawler.Webhook, delivery crawler.WebhookDelivery) {
			defer d.wg.Done()
			d.deliver(ctx, hook, delivery)
		}(hook, delivery)
	}
}

// Wait blocks until all in-flight deliveries settle.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, hook crawler.Webhook, delivery crawler.WebhookDelivery) {
	for attempt := 0; attempt < len(d.schedule); attempt++ {
		if wait := jitter(d.schedule[attempt], 0.20); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		status, body, err := d.attempt(ctx, hook, delivery)
		now := d.clock.Now()
		delivery.UpdatedAt = now
		delivery.ResponseStatus = status
		delivery.ResponseBody = body

		if err == nil && status >= 200 && status < 300 {
			delivery.Status = crawler.DeliveryDelivered
			delivery.DeliveredAt = &now
			delivery.ErrorMessage = ""
			delivery.NextRetryAt = nil
			d.persist(ctx, delivery)
			metrics.WebhookDelivery("delivered")
			return
		}

		delivery.RetryCount++
		if err != nil {
			delivery.ErrorMessage = err.Error()
		} else {
			delivery.ErrorMessage = http.StatusText(status)
		}
		if attempt+1 < len(d.schedule) {
			next := now.Add(d.schedule[attempt+1])
			delivery.NextRetryAt = &next
			delivery.Status = crawler.DeliveryPending
		} else {
			delivery.NextRetryAt = nil
			delivery.Status = crawler.DeliveryFailed
		}
		d.persist(ctx, delivery)

		if ctx.Err() != nil {
			return
		}
	}
	metrics.WebhookDelivery("failed")
	d.logger.Warn("webhook delivery exhausted retries",
		zap.String("delivery_id", delivery.ID.String()),
		zap.String("url", hook.URL))
}

func (d *Dispatcher) attempt(ctx context.Context, hook crawler.Webhook, delivery crawler.WebhookDelivery) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hook.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Delivery-Id", delivery.ID.String())
	if hook.Secret != "" {
		req.Header.Set("X-Signature", Sign(delivery.Payload, hook.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, responseSnippet))
	return resp.StatusCode, string(snippet), nil
}

func (d *Dispatcher) persist(ctx context.Context, delivery crawler.WebhookDelivery) {
	if err := d.repo.UpdateDelivery(ctx, delivery); err != nil {
		d.logger.Error("update delivery failed",
			zap.String("delivery_id", delivery.ID.String()), zap.Error(err))
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret, the value carried
// in the X-Signature header.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func jitter(d time.Duration, frac float64) time.Duration {
	span := int64(float64(d) * frac * 2)
	if span <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return d
	}
	return d - time.Duration(span/2) + time.Duration(n.Int64())
}
