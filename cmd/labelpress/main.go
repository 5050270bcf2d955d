package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrn/labelpress/internal/api"
	"github.com/orrn/labelpress/internal/archive"
	"github.com/orrn/labelpress/internal/compiler"
	"github.com/orrn/labelpress/internal/config"
	"github.com/orrn/labelpress/internal/core"
	"github.com/orrn/labelpress/internal/db"
	"github.com/orrn/labelpress/internal/events"
	"github.com/orrn/labelpress/internal/logging"
	"github.com/orrn/labelpress/internal/rules"
	"github.com/orrn/labelpress/internal/transport"
	"github.com/orrn/labelpress/internal/webhook"
	"github.com/orrn/labelpress/internal/websocket"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "labelpress: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "labelpress: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Logging)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("labelpress stopped")
	}
}

// storeDirectory lets the transport resolve printer endpoints from the
// repository the queue writes to.
type storeDirectory struct {
	store core.Store
}

func (d storeDirectory) GetPrinter(id string) (*core.Printer, error) {
	return d.store.GetPrinter(context.Background(), id)
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store     core.Store
		ruleStore rules.Store
		deps      api.Deps
	)
	switch cfg.Database.Driver {
	case "sqlite":
		database, err := db.Open(cfg.Database, log)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()
		store = db.NewStore(database)
		ruleStore = db.NewRuleStore(database)
		deps.DB = database
	default:
		log.Warn().Msg("using in-memory store, jobs will not survive a restart")
		store = core.NewMemoryStore()
		ruleStore = rules.NewMemoryStore()
	}

	bus := events.NewBus(log)
	defer bus.Close()

	comp := compiler.New(
		compiler.WithLogger(log),
		compiler.WithRenderer(compiler.TSPLRenderer{GapMM: 2}),
		compiler.WithRenderer(compiler.DocumentRenderer{}),
		compiler.WithTimeout(cfg.Queue.DefaultTimeout),
	)

	tcp := transport.NewTCP(storeDirectory{store: store}, cfg.Printers.ConnectionTimeout,
		transport.WithLogger(log),
		transport.WithStatusCheck(cfg.Printers.PreflightCheck),
	)

	queue := core.NewQueue(store, comp, tcp, bus, &cfg.Queue, &cfg.Printers, core.WithLogger(log))
	if err := queue.Start(); err != nil {
		return fmt.Errorf("failed to start queue: %w", err)
	}
	for _, d := range cfg.Printers.Devices {
		if _, err := queue.RegisterPrinter(printerFromConfig(d)); err != nil {
			return fmt.Errorf("failed to register printer %s: %w", d.ID, err)
		}
	}

	if cfg.Archive.Enabled {
		archiver, err := archive.NewArchiver(queue, cfg.Archive, log)
		if err != nil {
			return fmt.Errorf("failed to create archiver: %w", err)
		}
		archiver.Start()
		defer archiver.Stop()
		deps.Archiver = archiver
	}

	sender := webhook.NewSender(cfg.Webhooks, log)
	if len(cfg.Webhooks.Endpoints) > 0 {
		sender.Start()
		ch, unsubscribe := bus.Subscribe(cfg.Webhooks.QueueSize)
		defer unsubscribe()
		sender.Consume(ch)
	}

	hub := websocket.NewHub(log)
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)
	hubEvents, unsubscribeHub := bus.Subscribe(256)
	defer unsubscribeHub()
	hub.Consume(hubEvents)

	deps.Queue = queue
	deps.Rules = ruleStore
	deps.Evaluator = rules.NewEvaluator(rules.WithLogger(log))
	deps.Renderer = comp
	deps.Prober = tcp
	deps.Webhooks = sender
	deps.Hub = hub
	deps.Log = log

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(cfg, deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Str("database", cfg.Database.Driver).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server did not drain in time")
	}
	if err := queue.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("queue did not stop in time")
	}
	sender.Stop()
	stopHub()

	log.Info().Msg("labelpress exited")
	return nil
}

func printerFromConfig(d config.DeviceConfig) core.Printer {
	formats := make([]core.Format, 0, len(d.Formats))
	for _, f := range d.Formats {
		formats = append(formats, core.Format(f))
	}
	return core.Printer{
		ID:      d.ID,
		Name:    d.Name,
		Address: d.Address,
		Port:    d.Port,
		Capabilities: core.Capabilities{
			DPI:              d.DPI,
			MaxLabelWidthMM:  d.MaxLabelWidthMM,
			MaxLabelHeightMM: d.MaxLabelHeightMM,
			Formats:          formats,
		},
		Performance: core.Performance{LabelsPerMinute: d.LabelsPerMinute},
	}
}
