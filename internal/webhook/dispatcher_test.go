package webhook

import (
	"context"
	"crypto/hmac"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fortai/legalcrawl/internal/clock/system"
	"github.com/fortai/legalcrawl/internal/crawler"
	storagememory "github.com/fortai/legalcrawl/internal/storage/memory"
)

func fastSchedule() []time.Duration {
	return []time.Duration{0, 5 * time.Millisecond, 5 * time.Millisecond}
}

func newDispatcher(store *storagememory.Store) *Dispatcher {
	return NewDispatcher(store, system.New(), zap.NewNop()).WithSchedule(fastSchedule())
}

func subscribe(store *storagememory.Store, url, secret string, events ...crawler.EventType) crawler.Webhook {
	hook := crawler.Webhook{
		ID:         uuid.New(),
		Name:       "test-hook",
		URL:        url,
		EventTypes: events,
		Secret:     secret,
		Active:     true,
		Headers:    map[string]string{"X-Team": "legal"},
	}
	store.PutWebhook(hook)
	return hook
}

func testEvent() crawler.Event {
	return crawler.Event{
		Type:      crawler.EventJobCompleted,
		JobID:     uuid.New(),
		ConfigID:  uuid.New(),
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"pages_crawled": 3},
	}
}

func TestDispatcher_DeliversWithSignatureAndHeaders(t *testing.T) {
	t.Parallel()

	type received struct {
		deliveryID string
		signature  string
		team       string
		body       []byte
	}
	got := make(chan received, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{
			deliveryID: r.Header.Get("X-Delivery-Id"),
			signature:  r.Header.Get("X-Signature"),
			team:       r.Header.Get("X-Team"),
			body:       body,
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	store := storagememory.NewStore(system.New())
	subscribe(store, srv.URL, "topsecret", crawler.EventJobCompleted)
	d := newDispatcher(store)

	d.Emit(context.Background(), testEvent())
	d.Wait()

	select {
	case r := <-got:
		require.NotEmpty(t, r.deliveryID)
		require.Equal(t, "legal", r.team)
		require.True(t, hmac.Equal([]byte(Sign(r.body, "topsecret")), []byte(r.signature)))
	default:
		t.Fatal("webhook receiver saw no request")
	}

	deliveries := store.Deliveries()
	require.Len(t, deliveries, 1)
	require.Equal(t, crawler.DeliveryDelivered, deliveries[0].Status)
	require.NotNil(t, deliveries[0].DeliveredAt)
	require.Equal(t, http.StatusOK, deliveries[0].ResponseStatus)
}

func TestDispatcher_RetriesThenDelivers(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	store := storagememory.NewStore(system.New())
	subscribe(store, srv.URL, "", crawler.EventJobCompleted)
	d := newDispatcher(store)

	d.Emit(context.Background(), testEvent())
	d.Wait()

	require.Equal(t, int64(3), hits.Load())
	deliveries := store.Deliveries()
	require.Len(t, deliveries, 1)
	require.Equal(t, crawler.DeliveryDelivered, deliveries[0].Status)
	require.Equal(t, 2, deliveries[0].RetryCount)
}

func TestDispatcher_ExhaustionMarksFailed(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	store := storagememory.NewStore(system.New())
	subscribe(store, srv.URL, "", crawler.EventJobCompleted)
	d := newDispatcher(store)

	d.Emit(context.Background(), testEvent())
	d.Wait()

	require.Equal(t, int64(len(fastSchedule())), hits.Load())
	deliveries := store.Deliveries()
	require.Len(t, deliveries, 1)
	require.Equal(t, crawler.DeliveryFailed, deliveries[0].Status)
	require.Equal(t, len(fastSchedule()), deliveries[0].RetryCount)
}

func TestDispatcher_OneDeliveryPerSubscribedWebhook(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	store := storagememory.NewStore(system.New())
	subscribe(store, srv.URL, "", crawler.EventJobCompleted)
	subscribe(store, srv.URL, "", crawler.EventJobCompleted, crawler.EventPageCrawled)
	subscribe(store, srv.URL, "", crawler.EventPageCrawled) // not subscribed to job.completed

	inactive := crawler.Webhook{
		ID:         uuid.New(),
		URL:        srv.URL,
		EventTypes: []crawler.EventType{crawler.EventJobCompleted},
		Active:     false,
	}
	store.PutWebhook(inactive)

	d := newDispatcher(store)
	d.Emit(context.Background(), testEvent())
	d.Wait()

	require.Len(t, store.Deliveries(), 2,
		"exactly one delivery row per active subscribed webhook")
}
