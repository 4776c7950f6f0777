package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/vantagebank/hookline/internal/config"
	"github.com/vantagebank/hookline/internal/db"
	"github.com/vantagebank/hookline/internal/health"
	"github.com/vantagebank/hookline/internal/logging"
	"github.com/vantagebank/hookline/internal/metrics"
	"github.com/vantagebank/hookline/internal/notify"
	"github.com/vantagebank/hookline/internal/store"
	"github.com/vantagebank/hookline/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()
	logger := logging.New("hookline-notifier")

	shutdown, err := tracing.InitTracing(ctx, "hookline-notifier")
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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Pass,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Plain().WithError(err).Fatal("redis connect failed")
	}

	limiter := notify.NewRateLimiter(rdb, cfg.Notify.HourlyLimit)
	mailer := notify.NewSMTPMailer(cfg.SMTP)
	notifier := notify.NewNotifier(st, limiter, mailer, logger)

	// Prom metrics + health
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.LivenessHandler())
	mux.HandleFunc("/readyz", health.ReadinessHandler(pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.NotifierHTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("notifier HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("notifier HTTP server failed")
		}
	}()

	// NSQ consumer
	conf := nsq.NewConfig()
	conf.MaxInFlight = 100
	consumer, err := nsq.NewConsumer(cfg.NSQ.NotifyTopic, cfg.NSQ.NotifyChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.AddHandler(notifier)
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).
			WithField("lookupd", cfg.NSQ.LookupHTTPAddr).
			Warn("nsqlookupd connect failed, falling back to nsqd")
		if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
			logger.Plain().WithError(err).Fatal("nsqd connect failed")
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	consumer.Stop()
	select {
	case <-consumer.StopChan:
	case <-time.After(10 * time.Second):
		logger.Plain().Warn("consumer stop timed out")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("notifier stopped")
}
