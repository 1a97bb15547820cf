package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dmitrymomot/gradekit/internal/app"
	"github.com/dmitrymomot/gradekit/pkg/logger"
	"github.com/dmitrymomot/gradekit/svc/billing"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	email := flag.String("email", "", "reconcile only this account (implies -once)")
	prune := flag.Bool("prune-events", false, "delete webhook dedup rows older than BILLING_EVENT_RETENTION and exit")
	flag.Parse()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", logger.Error(err))
		os.Exit(1)
	}
	log := app.NewLogger(cfg, "gradekit-sweeper")
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *once || *email != "", *email, *prune); err != nil {
		log.Error("sweeper stopped with error", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg app.Config, log *slog.Logger, once bool, email string, prune bool) error {
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	j := &job{
		sweeper:   a.Services().Sweeper,
		events:    a.Store,
		retention: cfg.Billing.EventRetention,
		logger:    log,
	}
	if prune {
		return j.prune(ctx)
	}
	if once {
		return j.run(ctx, email)
	}

	c := cron.New(
		cron.WithLogger(cronLogger{log}),
		cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log})),
	)
	if _, err := c.AddFunc(cfg.Sweep.Schedule, func() {
		if err := j.run(ctx, ""); err != nil {
			log.ErrorContext(ctx, "scheduled sweep failed", logger.Error(err))
		}
	}); err != nil {
		return err
	}

	log.InfoContext(ctx, "sweeper scheduled", slog.String("schedule", cfg.Sweep.Schedule))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

var errRetentionUnset = errors.New("BILLING_EVENT_RETENTION must be positive to prune webhook events")

type eventPruner interface {
	PruneEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

type job struct {
	sweeper   *billing.Sweeper
	events    eventPruner
	retention time.Duration
	logger    *slog.Logger
}

// run reconciles all accounts, or only email when it is set.
func (j *job) run(ctx context.Context, email string) error {
	_, err := j.sweeper.Run(ctx, email)
	return err
}

// prune is a maintenance task run by hand: it drops dedup rows older than
// the retention. The scheduled sweep never deletes webhook events.
func (j *job) prune(ctx context.Context) error {
	if j.retention <= 0 {
		return errRetentionUnset
	}
	n, err := j.events.PruneEvents(ctx, time.Now().Add(-j.retention))
	if err != nil {
		return err
	}
	j.logger.InfoContext(ctx, "pruned webhook events",
		slog.Int64("deleted", n), slog.Duration("retention", j.retention))
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append([]any{logger.Error(err)}, keysAndValues...)...)
}
