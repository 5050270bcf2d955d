package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/orrn/labelpress/internal/api/handlers"
	"github.com/orrn/labelpress/internal/archive"
	"github.com/orrn/labelpress/internal/compiler"
	"github.com/orrn/labelpress/internal/config"
	"github.com/orrn/labelpress/internal/core"
	"github.com/orrn/labelpress/internal/rules"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubTransport struct {
	reachable bool
}

func (s *stubTransport) Send(context.Context, string, []byte) (*core.SendResult, error) {
	return &core.SendResult{Success: true}, nil
}

func (s *stubTransport) TestConnection(context.Context, string) bool { return s.reachable }

type stubStats struct{}

func (stubStats) Delivered() int64 { return 7 }
func (stubStats) Failed() int64    { return 2 }
func (stubStats) Dropped() int64   { return 1 }

type failingDB struct{}

func (failingDB) HealthCheck(context.Context) error { return errors.New("database is locked") }

type server struct {
	router http.Handler
	queue  *core.Queue
	rules  *rules.MemoryStore
}

func newServer(t *testing.T, mutate func(*config.Config, *Deps)) *server {
	t.Helper()

	cfg := config.Default()
	cfg.Server.RateLimit = 0

	transport := &stubTransport{reachable: true}
	comp := compiler.New()
	queue := core.NewQueue(core.NewMemoryStore(), comp, transport, nil, &cfg.Queue, &cfg.Printers)
	store := rules.NewMemoryStore()

	d := Deps{
		Queue:     queue,
		Rules:     store,
		Evaluator: rules.NewEvaluator(),
		Renderer:  comp,
		Prober:    transport,
		Webhooks:  stubStats{},
		Log:       zerolog.Nop(),
	}
	if mutate != nil {
		mutate(cfg, &d)
	}
	return &server{router: NewRouter(cfg, d), queue: queue, rules: store}
}

func (s *server) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

const labelTemplate = `{
	"id": "shipping",
	"name": "Shipping label",
	"size": {"width_mm": 100, "height_mm": 150, "dpi": 203},
	"elements": [
		{"id": "premium_badge", "type": "image", "hidden": true,
		 "geometry": {"x": 70, "y": 5, "width": 25, "height": 25}},
		{"id": "title", "type": "text",
		 "geometry": {"x": 5, "y": 5, "width": 60, "height": 10},
		 "content": {"literal": "Standard"}},
		{"id": "sku", "type": "text",
		 "geometry": {"x": 5, "y": 40, "width": 60, "height": 10},
		 "content": {"binding": {"field": "sku", "default": "N/A"}}}
	]
}`

const premiumRule = `{
	"id": "premium",
	"name": "Premium orders",
	"active": true,
	"priority": 10,
	"conditions": [{"field": "order.total", "operator": "greater_than", "value": 100}],
	"actions": [{"type": "show_element", "target": "premium_badge"}]
}`

func TestHealthz(t *testing.T) {
	s := newServer(t, nil)
	w := s.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, w)["status"])

	s = newServer(t, func(_ *config.Config, d *Deps) { d.DB = failingDB{} })
	w = s.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "database is locked", body["database"])
}

func TestJobLifecycle(t *testing.T) {
	s := newServer(t, nil)

	w := s.do(t, http.MethodPost, "/api/printers", map[string]any{"id": "zebra-1", "address": "10.0.0.5", "port": 9100})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"printer_id":            "zebra-1",
		"priority":              "high",
		"estimated_duration_ms": 2000,
		"label_items": []map[string]any{
			{"id": "a", "fields": map[string]any{"sku": "A-1"}},
			{"id": "b", "fields": map[string]any{"sku": "B-2"}, "quantity": 3},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[handlers.CreateJobResponse](t, w)
	require.NotEmpty(t, created.ID)
	assert.NotEmpty(t, created.BatchID, "multi-item jobs get a batch id")

	w = s.do(t, http.MethodGet, "/api/jobs/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	job := decode[core.Job](t, w)
	assert.Equal(t, core.JobQueued, job.Status)
	assert.Equal(t, core.PriorityHigh, job.Priority)
	assert.Equal(t, 4, job.TotalLabels())

	w = s.do(t, http.MethodGet, "/api/jobs?status=queued&batch_id="+created.BatchID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, w)["total"])

	w = s.do(t, http.MethodPost, "/api/jobs/"+created.ID+"/cancel", map[string]string{"reason": "wrong stock"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/jobs/"+created.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/api/jobs/"+created.ID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "not_retryable", decode[handlers.ErrorResponse](t, w).Error)

	got, err := s.queue.GetJob(created.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobCancelled, got.Status)

	w = s.do(t, http.MethodGet, "/api/jobs/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodGet, "/api/jobs/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestCreateJobRejectsBadInput(t *testing.T) {
	s := newServer(t, nil)

	tests := []struct {
		name  string
		body  map[string]any
		code  int
		error string
	}{
		{"missing items", map[string]any{"estimated_duration_ms": 100}, http.StatusBadRequest, "invalid_request"},
		{"zero duration", map[string]any{"label_items": []map[string]any{{"fields": map[string]any{}}}}, http.StatusBadRequest, "validation_failed"},
		{"unknown priority", map[string]any{
			"priority": "whenever", "estimated_duration_ms": 100,
			"label_items": []map[string]any{{"fields": map[string]any{}}},
		}, http.StatusBadRequest, "validation_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/api/jobs", tt.body)
			require.Equal(t, tt.code, w.Code, w.Body.String())
			assert.Equal(t, tt.error, decode[handlers.ErrorResponse](t, w).Error)
		})
	}

	w := s.do(t, http.MethodGet, "/api/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateJobMaxRetries(t *testing.T) {
	s := newServer(t, nil)

	submit := func(extra string) *core.Job {
		w := s.do(t, http.MethodPost, "/api/jobs", `{
			"estimated_duration_ms": 500,
			"label_items": [{"fields": {"sku": "X"}}]`+extra+`
		}`)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		job, err := s.queue.GetJob(decode[handlers.CreateJobResponse](t, w).ID)
		require.NoError(t, err)
		return job
	}

	assert.Equal(t, 0, submit(`, "max_retries": 0`).MaxRetries)
	assert.Equal(t, 1, submit(`, "max_retries": 1`).MaxRetries)
	assert.Equal(t, config.Default().Queue.MaxRetries, submit("").MaxRetries)
}

func TestCreateJobAppliesActiveRules(t *testing.T) {
	s := newServer(t, nil)

	w := s.do(t, http.MethodPost, "/api/rules", premiumRule)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := `{
		"estimated_duration_ms": 500,
		"template": ` + labelTemplate + `,
		"label_items": [{"fields": {"sku": "X"}}],
		"context": {"order": {"total": 150}}
	}`
	w = s.do(t, http.MethodPost, "/api/jobs", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	created := decode[handlers.CreateJobResponse](t, w)
	require.Len(t, created.Rules, 1)
	assert.True(t, created.Rules[0].Matched)

	job, err := s.queue.GetJob(created.ID)
	require.NoError(t, err)
	assert.False(t, job.Template.Element("premium_badge").Hidden)
}

func TestRuleCRUD(t *testing.T) {
	s := newServer(t, nil)

	w := s.do(t, http.MethodPost, "/api/rules", premiumRule)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[rules.Rule](t, w)
	assert.Equal(t, 1, created.Version)
	assert.Equal(t, rules.And, created.Combinator)

	w = s.do(t, http.MethodPost, "/api/rules", premiumRule)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/api/rules", `{"id": "x", "name": "x", "actions": []}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_failed", decode[handlers.ErrorResponse](t, w).Error)

	update := `{
		"name": "Premium orders",
		"active": false,
		"conditions": [{"field": "order.total", "operator": "greater_than", "value": 200}],
		"actions": [{"type": "show_element", "target": "premium_badge"}]
	}`
	w = s.do(t, http.MethodPut, "/api/rules/premium", update)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 2, decode[rules.Rule](t, w).Version)

	w = s.do(t, http.MethodGet, "/api/rules?active=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode[map[string]any](t, w)["total"])

	w = s.do(t, http.MethodGet, "/api/rules/premium/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := decode[struct {
		Versions []rules.Rule `json:"versions"`
	}](t, w)
	require.Len(t, history.Versions, 1)
	assert.Equal(t, 1, history.Versions[0].Version)

	w = s.do(t, http.MethodDelete, "/api/rules/premium", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, http.MethodGet, "/api/rules/premium", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodPut, "/api/rules/premium", update)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEvaluate(t *testing.T) {
	s := newServer(t, nil)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/rules", premiumRule).Code)

	t.Run("stored rules", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/rules/evaluate", `{
			"template": `+labelTemplate+`,
			"context": {"order": {"total": 150}}
		}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		out := decode[rules.Outcome](t, w)
		require.Len(t, out.Results, 1)
		assert.True(t, out.Results[0].Matched)
		assert.False(t, out.Template.Element("premium_badge").Hidden)
	})

	t.Run("dry run", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/rules/evaluate", `{
			"template": `+labelTemplate+`,
			"context": {"order": {"total": 150}},
			"rule_ids": ["premium"],
			"dry_run": true
		}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		out := decode[rules.Outcome](t, w)
		assert.True(t, out.Results[0].Matched)
		assert.True(t, out.Template.Element("premium_badge").Hidden)
	})

	t.Run("ad hoc rules", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/rules/evaluate", `{
			"template": `+labelTemplate+`,
			"context": {"order": {"total": 5}},
			"rules": [`+premiumRule+`]
		}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		out := decode[rules.Outcome](t, w)
		assert.False(t, out.Results[0].Matched)
	})

	t.Run("template scope", func(t *testing.T) {
		scoped := strings.Replace(labelTemplate, `"id": "shipping",`, `"id": "shipping", "rule_refs": ["other"],`, 1)
		w := s.do(t, http.MethodPost, "/api/rules/evaluate", `{
			"template": `+scoped+`,
			"context": {"order": {"total": 150}}
		}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		out := decode[rules.Outcome](t, w)
		assert.Empty(t, out.Results)
		assert.Equal(t, []string{"premium"}, out.OutOfScope)
		assert.True(t, out.Template.Element("premium_badge").Hidden)
	})

	t.Run("unknown rule id", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/rules/evaluate", `{"template": `+labelTemplate+`, "rule_ids": ["ghost"]}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("template required", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/rules/evaluate", `{"context": {}}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestTemplateValidateAndPreview(t *testing.T) {
	s := newServer(t, nil)

	w := s.do(t, http.MethodPost, "/api/templates/validate", `{"template": `+labelTemplate+`}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[handlers.ValidateResponse](t, w).Valid)

	w = s.do(t, http.MethodPost, "/api/templates/validate", `{"template": {"size": {"width_mm": 0, "height_mm": 10, "dpi": 203}}}`)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[handlers.ValidateResponse](t, w)
	assert.False(t, resp.Valid)
	assert.NotEmpty(t, resp.Errors)

	w = s.do(t, http.MethodPost, "/api/templates/preview", `{
		"template": `+labelTemplate+`,
		"label_items": [{"fields": {"sku": "SKU-42"}}]
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	preview := decode[handlers.PreviewResponse](t, w)
	assert.Equal(t, core.FormatJSON, preview.Format)
	assert.Contains(t, preview.Content, "SKU-42")
	assert.Contains(t, preview.Content, "Standard")
	assert.NotContains(t, preview.Content, "premium_badge", "hidden elements are not rendered")
	assert.Len(t, preview.Checksum, 64)

	w = s.do(t, http.MethodPost, "/api/templates/preview", `{"template": `+labelTemplate+`}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode[handlers.PreviewResponse](t, w).Content, "N/A")

	w = s.do(t, http.MethodPost, "/api/templates/preview", `{"template": `+labelTemplate+`, "format": "ZPL"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "unsupported_format", decode[handlers.ErrorResponse](t, w).Error)
}

func TestPrinterEndpoints(t *testing.T) {
	s := newServer(t, nil)

	w := s.do(t, http.MethodPost, "/api/printers", map[string]any{"name": "no id"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/printers", map[string]any{"id": "p1", "status": "sleeping"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/printers", map[string]any{"id": "p1"}).Code)

	w = s.do(t, http.MethodPatch, "/api/printers/p1", map[string]any{"status": "maintenance"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, core.PrinterMaintenance, decode[core.Printer](t, w).Status)

	w = s.do(t, http.MethodPost, "/api/printers/p1/heartbeat", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/printers/p1/test", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[handlers.TestPrinterResponse](t, w).Reachable)

	w = s.do(t, http.MethodGet, "/api/printers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, w)["total"])

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/api/printers/p1", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/printers/p1", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/printers/p1/test", nil).Code)
}

func TestWebhookStats(t *testing.T) {
	s := newServer(t, nil)
	w := s.do(t, http.MethodGet, "/api/webhooks/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, handlers.WebhookStatsResponse{Delivered: 7, Failed: 2, Dropped: 1}, decode[handlers.WebhookStatsResponse](t, w))
}

func TestArchiveEndpoints(t *testing.T) {
	var arch *archive.Archiver
	s := newServer(t, func(_ *config.Config, d *Deps) {
		var err error
		arch, err = archive.NewArchiver(d.Queue, config.ArchiveConfig{
			Path:     t.TempDir(),
			MaxAge:   time.Nanosecond,
			Interval: time.Hour,
		}, zerolog.Nop())
		require.NoError(t, err)
		d.Archiver = arch
	})

	w := s.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"estimated_duration_ms": 500,
		"label_items":           []map[string]any{{"fields": map[string]any{"sku": "A-1"}}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[handlers.CreateJobResponse](t, w).ID

	w = s.do(t, http.MethodDelete, "/api/jobs/"+id, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "queued jobs cannot be deleted")

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/jobs/"+id+"/cancel", nil).Code)
	time.Sleep(time.Millisecond)

	w = s.do(t, http.MethodPost, "/api/archives/run", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[archive.RunResult](t, w)
	assert.Equal(t, 1, res.Archived)
	require.NotEmpty(t, res.File)

	_, err := s.queue.GetJob(id)
	assert.ErrorIs(t, err, core.ErrJobNotFound)

	w = s.do(t, http.MethodGet, "/api/archives", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, w)["total"])

	w = s.do(t, http.MethodGet, "/api/archives/"+res.File, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Jobs []core.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, id, body.Jobs[0].ID)
	assert.Equal(t, core.JobCancelled, body.Jobs[0].Status)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/archives/notes.txt", nil).Code)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/api/archives/"+res.File, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/api/archives/"+res.File, nil).Code)
}

func TestAuthProtectsAPI(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	s := newServer(t, func(cfg *config.Config, _ *Deps) {
		cfg.Auth.Enabled = true
		cfg.Auth.JWTSecret = "test-secret"
		cfg.Auth.PasswordHash = string(hash)
	})

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/jobs", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", nil).Code, "health is public")

	w := s.do(t, http.MethodPost, "/api/auth/token", map[string]string{"password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/auth/token", map[string]string{"password": "hunter2"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	token := decode[map[string]any](t, w)["token"].(string)
	require.NotEmpty(t, token)

	w = s.do(t, http.MethodGet, "/api/jobs", nil, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/jobs", nil, "Authorization", "Bearer "+token+"x")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
