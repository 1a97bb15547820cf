package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrymomot/gradekit/internal/app"
	billingmodule "github.com/dmitrymomot/gradekit/modules/billing"
	"github.com/dmitrymomot/gradekit/pkg/httpserver"
	"github.com/dmitrymomot/gradekit/pkg/logger"
	"github.com/dmitrymomot/gradekit/pkg/pg"
	"github.com/dmitrymomot/gradekit/pkg/redis"
	"github.com/dmitrymomot/gradekit/pkg/requestid"
	"github.com/dmitrymomot/gradekit/pkg/session"
)

const readinessTimeout = 3 * time.Second

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", logger.Error(err))
		os.Exit(1)
	}
	log := app.NewLogger(cfg, "gradekit-server")
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped with error", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg app.Config, log *slog.Logger) error {
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := session.NewManager(cfg.Session, session.NewRedisRegistry(a.Redis), session.WithLogger(log))
	if err != nil {
		return err
	}

	svc := a.Services()
	billingHandler := billingmodule.New(billingmodule.Deps{
		Provider: a.Provider.Name(),
		Gateway:  svc.Gateway,
		Checker:  svc.Checker,
		Usage:    svc.Usage,
		Credits:  svc.Credits,
		Admin:    svc.Admin,
		Audit:    a.Store,
		Sessions: sessions,
	}, billingmodule.WithLogger(log)).Handle()

	r := chi.NewRouter()
	r.Use(requestid.Middleware, middleware.RealIP, middleware.Recoverer)

	r.Get("/healthz", httpserver.LivenessHandler())
	r.Get("/readyz", httpserver.ReadinessHandler(log, readinessTimeout,
		httpserver.Check{Name: "postgres", Fn: pg.Healthcheck(a.Pool)},
		httpserver.Check{Name: "redis", Fn: redis.Healthcheck(a.Redis)},
	))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	r.Mount("/", billingHandler)

	return httpserver.New(cfg.HTTP, httpserver.WithLogger(log)).Run(ctx, r)
}
