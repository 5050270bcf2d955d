package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/labelpress/internal/config"
	"github.com/orrn/labelpress/internal/events"
)

type received struct {
	event     string
	signature string
	body      []byte
}

type hook struct {
	srv   *httptest.Server
	mu    sync.Mutex
	got   []received
	calls atomic.Int32
	// status returns the response code for the n-th call (1-based).
	status func(n int32) int
}

func newHook(t *testing.T, status func(n int32) int) *hook {
	if status == nil {
		status = func(int32) int { return http.StatusOK }
	}
	h := &hook{status: status}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := h.calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		h.mu.Lock()
		h.got = append(h.got, received{event: r.Header.Get(EventHeader), signature: r.Header.Get(SignatureHeader), body: body})
		h.mu.Unlock()
		w.WriteHeader(h.status(n))
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *hook) received() []received {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]received(nil), h.got...)
}

func newSender(t *testing.T, cfg config.WebhooksConfig) *Sender {
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 5 * time.Millisecond
	}
	s := NewSender(cfg, zerolog.Nop())
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func TestDeliversSignedFilteredEvents(t *testing.T) {
	all := newHook(t, nil)
	completedOnly := newHook(t, nil)

	s := newSender(t, config.WebhooksConfig{Endpoints: []config.WebhookEndpoint{
		{URL: all.srv.URL, Secret: "s3cret"},
		{URL: completedOnly.srv.URL, Events: []string{string(events.JobCompleted)}},
	}})

	s.Publish(events.Event{Type: events.JobAdded, JobID: "j1"})
	s.Publish(events.Event{Type: events.JobCompleted, JobID: "j1", PrinterID: "p1"})

	require.Eventually(t, func() bool { return s.Delivered() == 3 }, 2*time.Second, 5*time.Millisecond)

	got := all.received()
	require.Len(t, got, 2)
	for _, r := range got {
		assert.Equal(t, Sign(r.body, "s3cret"), r.signature)
	}

	only := completedOnly.received()
	require.Len(t, only, 1)
	assert.Equal(t, string(events.JobCompleted), only[0].event)
	assert.Empty(t, only[0].signature, "no secret, no signature")

	var p Payload
	require.NoError(t, json.Unmarshal(only[0].body, &p))
	assert.Equal(t, "jobCompleted", p.Event)
	assert.Equal(t, "p1", p.Data.PrinterID)
	assert.False(t, p.Timestamp.IsZero())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	h := newHook(t, func(int32) int { return http.StatusUnprocessableEntity })

	s := newSender(t, config.WebhooksConfig{RetryCount: 4, Endpoints: []config.WebhookEndpoint{{URL: h.srv.URL}}})
	s.Publish(events.Event{Type: events.JobFailed, JobID: "j1"})

	require.Eventually(t, func() bool { return s.Failed() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestServerErrorsRetryWithBackoff(t *testing.T) {
	h := newHook(t, func(n int32) int {
		if n < 3 {
			return http.StatusBadGateway
		}
		return http.StatusOK
	})

	s := newSender(t, config.WebhooksConfig{RetryCount: 3, Endpoints: []config.WebhookEndpoint{{URL: h.srv.URL}}})
	s.Publish(events.Event{Type: events.PrinterTimeout, PrinterID: "p1"})

	require.Eventually(t, func() bool { return s.Delivered() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), h.calls.Load())
	assert.Zero(t, s.Failed())
}

func TestRetriesAreBounded(t *testing.T) {
	h := newHook(t, func(int32) int { return http.StatusInternalServerError })

	s := newSender(t, config.WebhooksConfig{RetryCount: 2, Endpoints: []config.WebhookEndpoint{{URL: h.srv.URL}}})
	s.Publish(events.Event{Type: events.JobFailed})

	require.Eventually(t, func() bool { return s.Failed() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), h.calls.Load())
}

func TestFullQueueDrops(t *testing.T) {
	// no workers: nothing drains the queue
	s := NewSender(config.WebhooksConfig{QueueSize: 1, Endpoints: []config.WebhookEndpoint{{URL: "http://127.0.0.1:1"}}}, zerolog.Nop())
	s.Publish(events.Event{Type: events.JobAdded})
	s.Publish(events.Event{Type: events.JobAdded})
	assert.Equal(t, int64(1), s.Dropped())
}

func TestConsumeFromBus(t *testing.T) {
	h := newHook(t, nil)
	s := newSender(t, config.WebhooksConfig{Endpoints: []config.WebhookEndpoint{{URL: h.srv.URL, Events: []string{"*"}}}})

	bus := events.NewBus(zerolog.Nop())
	ch, cancel := bus.Subscribe(16)
	defer cancel()
	s.Consume(ch)

	bus.Publish(events.Event{Type: events.PrinterRegistered, PrinterID: "p1"})
	require.Eventually(t, func() bool { return s.Delivered() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, string(events.PrinterRegistered), h.received()[0].event)
}

func TestSign(t *testing.T) {
	assert.Equal(t, "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8", Sign([]byte("The quick brown fox jumps over the lazy dog"), "key"))
}
