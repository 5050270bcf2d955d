package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/orrn/labelpress/internal/config"
	"github.com/orrn/labelpress/internal/events"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	EventHeader     = "X-Webhook-Event"
)

type Payload struct {
	Event     string       `json:"event"`
	Timestamp time.Time    `json:"timestamp"`
	Data      events.Event `json:"data"`
}

type endpoint struct {
	url    string
	secret string
	events map[events.Type]bool
}

// accepts reports whether the endpoint subscribed to t. No filter, or "*",
// means every event.
func (e *endpoint) accepts(t events.Type) bool {
	return len(e.events) == 0 || e.events["*"] || e.events[t]
}

type task struct {
	endpoint *endpoint
	payload  *Payload
	attempt  int
}

// StatusError is a non-2xx response from an endpoint.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("http error: %d", e.Code) }

func isClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500
}

// Sender delivers bus events to HTTP endpoints. Publish only enqueues; a
// pool of workers does the network I/O, so the queue is never held up by a
// slow endpoint.
type Sender struct {
	endpoints  []*endpoint
	httpClient *http.Client
	retryCount int
	retryDelay time.Duration
	workers    int
	limiter    *rate.Limiter
	queue      chan *task
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	log        zerolog.Logger

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

func NewSender(cfg config.WebhooksConfig, log zerolog.Logger) *Sender {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sender{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retryCount: cfg.RetryCount,
		retryDelay: cfg.RetryDelay,
		workers:    cfg.WorkerCount,
		limiter:    rate.NewLimiter(limit, cfg.WorkerCount),
		queue:      make(chan *task, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
		log:        log.With().Str("component", "webhook").Logger(),
	}
	for _, ep := range cfg.Endpoints {
		e := &endpoint{url: ep.URL, secret: ep.Secret}
		if len(ep.Events) > 0 {
			e.events = make(map[events.Type]bool, len(ep.Events))
			for _, t := range ep.Events {
				e.events[events.Type(t)] = true
			}
		}
		s.endpoints = append(s.endpoints, e)
	}
	return s
}

func (s *Sender) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// Stop abandons pending retries and waits for the workers to exit.
func (s *Sender) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Consume publishes everything read from ch until it is closed or the
// sender stops.
func (s *Sender) Consume(ch <-chan events.Event) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				s.Publish(e)
			}
		}
	}()
}

// Publish enqueues e for every endpoint that accepts it. Events are dropped
// when the queue is full.
func (s *Sender) Publish(e events.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	for _, ep := range s.endpoints {
		if !ep.accepts(e.Type) {
			continue
		}
		t := &task{
			endpoint: ep,
			payload:  &Payload{Event: string(e.Type), Timestamp: e.Timestamp, Data: e},
		}
		select {
		case s.queue <- t:
		default:
			s.dropped.Add(1)
			s.log.Warn().Str("url", ep.url).Str("event", string(e.Type)).Msg("queue full, dropping webhook")
		}
	}
}

func (s *Sender) Delivered() int64 { return s.delivered.Load() }
func (s *Sender) Failed() int64    { return s.failed.Load() }
func (s *Sender) Dropped() int64   { return s.dropped.Load() }

func (s *Sender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case t := <-s.queue:
			if err := s.sendWithRetry(t); err != nil {
				s.failed.Add(1)
				s.log.Warn().Err(err).
					Int("worker", id).
					Str("url", t.endpoint.url).
					Str("event", t.payload.Event).
					Int("attempts", t.attempt).
					Msg("webhook delivery failed")
				continue
			}
			s.delivered.Add(1)
		}
	}
}

func (s *Sender) sendWithRetry(t *task) error {
	body, err := json.Marshal(t.payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for t.attempt < s.retryCount {
		t.attempt++

		if err := s.limiter.Wait(s.ctx); err != nil {
			return fmt.Errorf("shutdown requested: %w", err)
		}
		err := s.sendRequest(t.endpoint, t.payload.Event, body)
		if err == nil {
			return nil
		}
		lastErr = err

		if isClientError(err) {
			return err
		}

		if t.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(t.attempt-1))
			s.log.Debug().Err(err).
				Int("attempt", t.attempt).
				Dur("backoff", backoff).
				Str("url", t.endpoint.url).
				Msg("retrying webhook")

			timer := time.NewTimer(backoff)
			select {
			case <-s.ctx.Done():
				timer.Stop()
				return fmt.Errorf("shutdown requested: %w", lastErr)
			case <-timer.C:
			}
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *Sender) sendRequest(ep *endpoint, event string, body []byte) error {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, ep.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, event)
	if ep.secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, ep.secret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
