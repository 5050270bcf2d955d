package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/labelpress/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func okHandler(c *gin.Context) { c.Status(http.StatusOK) }

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	r := gin.New()
	r.GET("/", rl.Middleware(), okHandler)

	from := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":5000"
		return serve(r, req).Code
	}

	assert.Equal(t, http.StatusOK, from("10.0.0.1"))
	assert.Equal(t, http.StatusOK, from("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, from("10.0.0.1"))
	assert.Equal(t, http.StatusOK, from("10.0.0.2"), "buckets are per client")
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	r := gin.New()
	r.GET("/", rl.Middleware(), okHandler)

	for i := 0; i < 50; i++ {
		require.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
	}
}

func TestRateLimiterForgetsIdleVisitors(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 1)
	rl.now = func() time.Time { return now }

	rl.get("a")
	rl.get("b")
	now = now.Add(visitorTTL + time.Second)
	rl.get("b")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.visitors, "a")
	assert.Contains(t, rl.visitors, "b")
}

func TestTokenValidation(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	a := NewAuth(config.AuthConfig{Enabled: true, JWTSecret: "secret", TokenTTL: time.Hour})
	a.now = func() time.Time { return now }

	token, expires, err := a.GenerateToken()
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), expires)

	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.True(t, claims.Authenticated)
	assert.Equal(t, issuer, claims.Issuer)

	other := NewAuth(config.AuthConfig{Enabled: true, JWTSecret: "other"})
	_, err = other.ValidateToken(token)
	assert.Error(t, err, "signed with a different secret")

	now = now.Add(2 * time.Hour)
	_, err = a.ValidateToken(token)
	assert.Error(t, err, "expired")
}

func TestRequireAuthSources(t *testing.T) {
	a := NewAuth(config.AuthConfig{Enabled: true, JWTSecret: "secret"})
	token, _, err := a.GenerateToken()
	require.NoError(t, err)

	r := gin.New()
	r.GET("/", a.RequireAuth(), okHandler)

	tests := []struct {
		name string
		set  func(*http.Request)
		code int
	}{
		{"none", func(*http.Request) {}, http.StatusUnauthorized},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, http.StatusOK},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: cookieName, Value: token}) }, http.StatusOK},
		{"query", func(r *http.Request) { r.URL.RawQuery = "access_token=" + token }, http.StatusOK},
		{"garbage", func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc.def.ghi") }, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.set(req)
			assert.Equal(t, tt.code, serve(r, req).Code)
		})
	}
}

func TestRequireAuthDisabledPassesThrough(t *testing.T) {
	a := NewAuth(config.AuthConfig{})
	r := gin.New()
	r.GET("/", a.RequireAuth(), okHandler)
	r.POST("/token", a.TokenHandler)

	assert.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
	assert.Equal(t, http.StatusNotFound, serve(r, httptest.NewRequest(http.MethodPost, "/token", nil)).Code)
}

func TestLoggerTagsRequests(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	r := gin.New()
	r.Use(Recovery(log), Logger(log))
	r.GET("/jobs/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/boom", func(*gin.Context) { panic("kaboom") })

	req := httptest.NewRequest(http.MethodGet, "/jobs/42", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	w := serve(r, req)
	assert.Equal(t, "req-1", w.Header().Get(RequestIDHeader))

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "/jobs/:id", line["path"])
	assert.EqualValues(t, 404, line["status"])
	assert.Equal(t, "req-1", line["request_id"])

	buf.Reset()
	w = serve(r, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	assert.Contains(t, buf.String(), "kaboom")
}
