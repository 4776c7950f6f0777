package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/vantagebank/hookline/internal/api"
	"github.com/vantagebank/hookline/internal/config"
	"github.com/vantagebank/hookline/internal/db"
	"github.com/vantagebank/hookline/internal/delivery"
	"github.com/vantagebank/hookline/internal/health"
	"github.com/vantagebank/hookline/internal/logging"
	"github.com/vantagebank/hookline/internal/logsink"
	"github.com/vantagebank/hookline/internal/metrics"
	"github.com/vantagebank/hookline/internal/notify"
	"github.com/vantagebank/hookline/internal/processor"
	"github.com/vantagebank/hookline/internal/store"
	"github.com/vantagebank/hookline/internal/template"
	"github.com/vantagebank/hookline/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()
	logger := logging.New("hookline-hookd")

	shutdown, err := tracing.InitTracing(ctx, "hookline-hookd")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	sealingKey, err := cfg.Key()
	if err != nil {
		logger.Plain().WithError(err).Fatal("sealing key unavailable")
	}

	pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	st := store.NewPostgres(pool, sealingKey)

	// Side-channel producer, optional
	var notifier delivery.Notifier
	if cfg.Notify.Enabled {
		prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		defer prod.Stop()
		notifier = notify.NewPublisher(prod, cfg.NSQ.NotifyTopic, logger)
	}

	sink := logsink.New(st, logger)
	renderer := template.NewRenderer(st)
	engine := delivery.NewEngine(st, renderer, sink, notifier)
	proc := processor.New(st, engine, sink, cfg.Scheduler.Parallelism)

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// Scheduled sweeps: pending events, backlog gauge, retention purge
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.Scheduler.CronSpec, func() {
		report, err := proc.ProcessPendingEvents(ctx, processor.Options{Limit: cfg.Scheduler.BatchSize})
		if err != nil {
			logger.Plain().WithError(err).Error("processing sweep failed")
			return
		}
		if report.Claimed > 0 {
			logger.Plain().
				WithField("claimed", report.Claimed).
				WithField("delivered", report.Delivered).
				WithField("retried", report.Retried).
				Info("processing sweep finished")
		}
		if n, err := st.CountPending(ctx); err == nil {
			metrics.PendingBacklog.Set(float64(n))
		}
	}); err != nil {
		logger.Plain().WithError(err).Fatal("invalid scheduler cron spec")
	}
	if _, err := sched.AddFunc("@daily", func() {
		cutoff := time.Now().UTC().AddDate(0, 0, -cfg.Scheduler.RetentionDays)
		n, err := st.PurgeDeliveries(ctx, cutoff)
		if err != nil {
			logger.Plain().WithError(err).Error("delivery retention purge failed")
			return
		}
		logger.Plain().WithField("purged", n).Info("delivery retention purge finished")
	}); err != nil {
		logger.Plain().WithError(err).Fatal("retention cron registration failed")
	}
	sched.Start()
	defer sched.Stop()

	// HTTP: management API, health, metrics
	apiSrv := api.NewServer(st, proc, cfg.Defaults, logger)
	router := mux.NewRouter()
	apiSrv.Routes(router)
	router.HandleFunc("/healthz", health.LivenessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/readyz", health.ReadinessHandler(pool)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("hookd HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("hookd HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("hookd stopped")
}
