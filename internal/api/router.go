package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/orrn/labelpress/internal/api/handlers"
	"github.com/orrn/labelpress/internal/archive"
	"github.com/orrn/labelpress/internal/api/middleware"
	"github.com/orrn/labelpress/internal/config"
	"github.com/orrn/labelpress/internal/core"
	"github.com/orrn/labelpress/internal/rules"
	"github.com/orrn/labelpress/internal/websocket"
)

// Deps are the services the HTTP surface is built on. Prober, Webhooks, Hub,
// Archiver and DB are optional.
type Deps struct {
	Queue     *core.Queue
	Rules     rules.Store
	Evaluator *rules.Evaluator
	Renderer  handlers.Renderer
	Prober    handlers.Prober
	Webhooks  handlers.DeliveryStats
	Hub       *websocket.Hub
	Archiver  *archive.Archiver
	DB        handlers.Pinger
	Log       zerolog.Logger
}

func NewRouter(cfg *config.Config, d Deps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(d.Log), middleware.Logger(d.Log))

	r.GET("/healthz", handlers.NewHealthHandler(d.DB).Health)

	auth := middleware.NewAuth(cfg.Auth)
	limiter := middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)

	r.POST("/api/auth/token", limiter.Middleware(), auth.TokenHandler)

	group := r.Group("/api", limiter.Middleware(), auth.RequireAuth())

	ruleOpts := rules.Options{
		MaxExecutionTime: cfg.Rules.MaxExecutionTime,
		StopOnFirstError: cfg.Rules.StopOnFirstError,
		HaltOnRuleError:  cfg.Rules.HaltOnRuleError,
	}

	handlers.RegisterJobRoutes(group, handlers.NewJobHandler(d.Queue, d.Rules, d.Evaluator, ruleOpts, d.Log))
	handlers.RegisterPrinterRoutes(group, handlers.NewPrinterHandler(d.Queue, d.Prober, cfg.Printers.ConnectionTimeout))
	handlers.RegisterRuleRoutes(group, handlers.NewRuleHandler(d.Rules, d.Evaluator, ruleOpts))
	if d.Renderer != nil {
		handlers.RegisterTemplateRoutes(group, handlers.NewTemplateHandler(d.Renderer, 30*time.Second))
	}
	if d.Webhooks != nil {
		handlers.RegisterWebhookRoutes(group, handlers.NewWebhookHandler(d.Webhooks))
	}
	if d.Archiver != nil {
		handlers.RegisterArchiveRoutes(group, handlers.NewArchiveHandler(d.Archiver))
	}
	if d.Hub != nil {
		handlers.RegisterEventRoutes(group, handlers.NewEventHandler(d.Hub))
	}

	return r
}
