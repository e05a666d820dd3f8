package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/conductor/config"
	"github.com/mohammad-safakhou/conductor/internal/capability"
	"github.com/mohammad-safakhou/conductor/internal/dispatch"
	"github.com/mohammad-safakhou/conductor/internal/engine"
	"github.com/mohammad-safakhou/conductor/internal/planner"
	"github.com/mohammad-safakhou/conductor/internal/queue/streams"
	"github.com/mohammad-safakhou/conductor/internal/recovery"
	"github.com/mohammad-safakhou/conductor/internal/runtime"
	"github.com/mohammad-safakhou/conductor/internal/store"
	"github.com/mohammad-safakhou/conductor/internal/telemetry"
	"github.com/mohammad-safakhou/conductor/internal/workflow"
	"github.com/mohammad-safakhou/conductor/provider"
)

// NewEcho builds the HTTP router with the shared middleware stack: panic
// recovery, CORS, a unified JSON error handler, health and metrics
// endpoints.
func NewEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return e
}

// Run wires every component and serves the API until the context is
// cancelled. Capability providers must already be registered on reg.
func Run(ctx context.Context, cfg *config.Config, reg *capability.Registry) error {
	e := NewEcho()

	dsn := cfg.Storage.Postgres.DSN()
	if err := Migrate(os.Getenv("CONDUCTOR_MIGRATIONS"), dsn, "up", 0); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr,
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	reasoner, err := provider.NewReasoner(cfg.LLM)
	if err != nil {
		return fmt.Errorf("reasoner: %w", err)
	}

	tele := telemetry.New(cfg.Telemetry)
	pl := planner.New(reasoner, reg, tele)
	d := dispatch.New(reg, cfg.Capability, tele)
	rec := recovery.New(reasoner, cfg.Recovery, tele)
	orch := engine.New(cfg, pl, d, rec, tele)

	idx, err := workflow.NewMemIndex()
	if err != nil {
		return fmt.Errorf("workflow index: %w", err)
	}
	defer idx.Close()
	orch.SetPersistence(st, idx)
	warmIndex(ctx, st, idx)

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	stream := cfg.Storage.Redis.Stream
	publisher := streams.NewPublisher(rdb)
	if err := streams.EnsureGroup(ctx, rdb, stream, cfg.Storage.Redis.Group); err != nil {
		return err
	}
	consumer := streams.NewConsumer(rdb, cfg.Storage.Redis.Group, hostname())
	worker := streams.NewWorker(consumer, stream, orch)
	go func() {
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[SERVER] queue worker stopped: %v", err)
		}
	}()

	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: secret}
	auth.Register(api.Group("/auth"))

	protected := api.Group("")
	protected.Use(runtime.EchoAuthMiddleware(secret))

	th := &TasksHandler{Orch: orch, Publisher: publisher, Stream: stream}
	th.Register(protected.Group("/tasks"))

	wh := &WorkflowsHandler{Store: st, Index: idx, Orch: orch}
	wh.Register(protected.Group("/workflows"))

	sched := NewScheduler(st, rdb, orch)
	sched.Start()
	defer close(sched.Stop)

	errCh := make(chan error, 1)
	go func() { errCh <- e.Start(cfg.Server.Address) }()
	select {
	case <-ctx.Done():
		return e.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// warmIndex loads persisted workflows into the in-memory search index at
// startup. Failures only degrade search, never startup.
func warmIndex(ctx context.Context, st *store.Store, idx *workflow.Index) {
	rows, err := st.DB.QueryContext(ctx, `SELECT definition FROM workflows`)
	if err != nil {
		log.Printf("[SERVER] warm index: %v", err)
		return
	}
	defer rows.Close()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return
		}
		var def workflow.Definition
		if err := json.Unmarshal(payload, &def); err != nil {
			continue
		}
		_ = idx.Add(def)
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "conductor-worker"
	}
	return h
}
