package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-dose/internal/domain/dosing"
	"github.com/drfirst/go-dose/pkg/circuitbreaker"
	"github.com/drfirst/go-dose/pkg/idempotency"
	"github.com/drfirst/go-dose/pkg/workerpool"
)

// memInbox finishes a key only when the handler succeeds
type memInbox struct {
	mu   sync.Mutex
	done map[string]json.RawMessage
}

func (m *memInbox) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if out, ok := m.done[key]; ok {
		return &idempotency.Result{Duplicate: true, Output: out}, nil
	}
	out, err := fn(ctx, payload)
	if err != nil {
		return nil, err
	}
	m.done[key] = out
	return &idempotency.Result{Output: out}, nil
}

type capturePublisher struct {
	mu   sync.Mutex
	keys []string
}

func (c *capturePublisher) Publish(_ context.Context, topic, key string, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, topic+"/"+key)
	return nil
}

type countObserver struct {
	raised, failed int64
}

func (c *countObserver) AlertRaised(string) { atomic.AddInt64(&c.raised, 1) }
func (c *countObserver) AlertFailed()       { atomic.AddInt64(&c.failed, 1) }

type harness struct {
	notifier *Notifier
	pub      *capturePublisher
	obs      *countObserver
	hits     *int64
	status   *int64
	last     chan Alert
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		pub:    &capturePublisher{},
		obs:    &countObserver{},
		hits:   new(int64),
		status: new(int64),
		last:   make(chan Alert, 8),
	}
	atomic.StoreInt64(h.status, http.StatusOK)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(h.hits, 1)
		body, _ := io.ReadAll(r.Body)
		var a Alert
		if json.Unmarshal(body, &a) == nil {
			h.last <- a
		}
		w.WriteHeader(int(atomic.LoadInt64(h.status)))
	}))
	t.Cleanup(srv.Close)

	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("webhook"), nil)
	require.NoError(t, err)

	poolCfg := workerpool.DefaultConfig()
	poolCfg.MaxRetries = 0
	pool := workerpool.New(poolCfg, nil)
	pool.Start()
	t.Cleanup(pool.Stop)

	h.notifier = New(Config{Threshold: 10}, &memInbox{done: map[string]json.RawMessage{}}, pool,
		map[string]Sender{
			"webhook": NewWebhookSender(srv.URL, srv.Client(), breaker),
			"topic":   NewTopicSender(h.pub, "dosing.stock-alerts"),
		}, h.obs, nil)
	h.notifier.now = func() time.Time { return time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC) }
	return h
}

func exhaustedEvent(t *testing.T, remaining int) []byte {
	t.Helper()
	evt, err := dosing.NewEvent(dosing.AggregateMedicine, 7, dosing.EventSheetExhausted, dosing.SheetExhaustedData{
		MedicineID:       7,
		MedicineName:     "Metformin",
		SheetID:          3,
		RemainingTablets: remaining,
	})
	require.NoError(t, err)
	b, err := json.Marshal(evt)
	require.NoError(t, err)
	return b
}

func TestNotifier_Evaluate(t *testing.T) {
	n := New(DefaultConfig(), nil, nil, nil, nil, nil)

	tests := []struct {
		remaining int
		reason    string
	}{
		{0, ReasonOutOfStock},
		{9, ReasonLowStock},
		{10, ""},
		{40, ""},
	}
	for _, tt := range tests {
		a := n.Evaluate("e", dosing.SheetExhaustedData{MedicineID: 1, RemainingTablets: tt.remaining})
		if tt.reason == "" {
			assert.Nil(t, a, "remaining %d", tt.remaining)
			continue
		}
		require.NotNil(t, a, "remaining %d", tt.remaining)
		assert.Equal(t, tt.reason, a.Reason)
	}
}

func TestNotifier_DeliversOnceToEverySender(t *testing.T) {
	h := newHarness(t)
	msg := exhaustedEvent(t, 4)

	require.NoError(t, h.notifier.Handle(context.Background(), msg))
	require.NoError(t, h.notifier.Handle(context.Background(), msg))

	assert.Equal(t, int64(1), atomic.LoadInt64(h.hits))
	assert.Equal(t, []string{"dosing.stock-alerts/7"}, h.pub.keys)
	assert.Equal(t, int64(1), atomic.LoadInt64(&h.obs.raised))

	a := <-h.last
	assert.Equal(t, ReasonLowStock, a.Reason)
	assert.Equal(t, "Metformin", a.MedicineName)
	assert.Equal(t, 4, a.RemainingTablets)
	assert.Equal(t, 10, a.Threshold)
}

func TestNotifier_IgnoresOtherEventsAndHealthyStock(t *testing.T) {
	h := newHarness(t)

	evt, err := dosing.NewEvent(dosing.AggregateRule, 1, dosing.EventRuleCreated, dosing.RuleChangedData{RuleID: 1})
	require.NoError(t, err)
	b, err := json.Marshal(evt)
	require.NoError(t, err)

	require.NoError(t, h.notifier.Handle(context.Background(), b))
	require.NoError(t, h.notifier.Handle(context.Background(), exhaustedEvent(t, 50)))
	require.NoError(t, h.notifier.Handle(context.Background(), []byte("not json")))

	assert.Zero(t, atomic.LoadInt64(h.hits))
	assert.Empty(t, h.pub.keys)
}

func TestNotifier_WebhookFailureIsRedelivered(t *testing.T) {
	h := newHarness(t)
	atomic.StoreInt64(h.status, http.StatusBadGateway)
	msg := exhaustedEvent(t, 0)

	err := h.notifier.Handle(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook responded 502")
	assert.Equal(t, int64(1), atomic.LoadInt64(&h.obs.failed))

	// the topic accepted the first attempt
	assert.Equal(t, []string{"dosing.stock-alerts/7"}, h.pub.keys)

	atomic.StoreInt64(h.status, http.StatusOK)
	require.NoError(t, h.notifier.Handle(context.Background(), msg))
	assert.Equal(t, int64(2), atomic.LoadInt64(h.hits))
	assert.Equal(t, int64(1), atomic.LoadInt64(&h.obs.raised))
	assert.Equal(t, []string{"dosing.stock-alerts/7"}, h.pub.keys, "redelivery must not republish")

	require.NoError(t, h.notifier.Handle(context.Background(), msg))
	assert.Equal(t, int64(2), atomic.LoadInt64(h.hits))
	assert.Len(t, h.pub.keys, 1)
	assert.Equal(t, int64(1), atomic.LoadInt64(&h.obs.raised))
}

func TestNotifier_InboxKeysPerSender(t *testing.T) {
	h := newHarness(t)
	msg := exhaustedEvent(t, 2)
	var evt dosing.Event
	require.NoError(t, json.Unmarshal(msg, &evt))

	require.NoError(t, h.notifier.Handle(context.Background(), msg))

	inbox := h.notifier.inbox.(*memInbox)
	inbox.mu.Lock()
	defer inbox.mu.Unlock()
	assert.Len(t, inbox.done, 2)
	assert.Contains(t, inbox.done, evt.ID+"/topic")
	assert.Contains(t, inbox.done, evt.ID+"/webhook")
}
