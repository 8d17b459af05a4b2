package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gymflow/gymflow/libs/config"
	"github.com/gymflow/gymflow/libs/consumer"
	"github.com/gymflow/gymflow/libs/db"
	"github.com/gymflow/gymflow/libs/eventx"
	"github.com/gymflow/gymflow/libs/httpx"
	"github.com/gymflow/gymflow/libs/inbox"
	"github.com/gymflow/gymflow/libs/kafkax"
	otelx "github.com/gymflow/gymflow/libs/otel"
	"github.com/gymflow/gymflow/libs/outbox"
	"github.com/gymflow/gymflow/libs/runtime"
	"github.com/gymflow/gymflow/services/billing-service/internal/events"
	"github.com/gymflow/gymflow/services/billing-service/internal/handlers"
	"github.com/gymflow/gymflow/services/billing-service/internal/store"
	"github.com/gymflow/gymflow/services/billing-service/migrations"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "billing-service")
	port, err := config.Port("PORT", "8082")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	if err := db.Migrate(dbURL, migrations.FS, "."); err != nil {
		logger.Error("migrations failed", "err", err)
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	registry := eventx.NewRegistry(
		eventx.TypeMemberCreated,
		eventx.TypeMemberStatusChanged,
		eventx.TypeContractCreated,
		eventx.TypeContractStatusChange,
		eventx.TypePaymentRecorded,
		eventx.TypePaymentStatusChange,
	)
	codec := eventx.NewCodec(registry)

	outboxRepo := outbox.NewRepository(pool)
	inboxRepo := inbox.NewRepository(pool)
	entityStore := store.NewPostgres(pool, outboxRepo, inboxRepo, codec)

	brokers := config.String("KAFKA_BROKERS", "")
	if brokers != "" {
		transport, err := kafkax.NewTransport(brokers)
		if err != nil {
			logger.Error("kafka transport setup failed", "err", err)
			panic(err)
		}
		defer func() { _ = transport.Close() }()

		publisher := outbox.NewPublisher(outboxRepo, transport, codec, logger, outbox.PublisherConfig{
			PollEvery: config.Duration("OUTBOX_POLL_EVERY", 2*time.Second),
			BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
		})
		go publisher.Run(ctx)
	} else {
		logger.Warn("outbox publisher disabled (no kafka brokers configured)")
	}

	dispatcher := consumer.NewDispatcher("billing-service", codec, inboxRepo, logger, consumer.DispatcherConfig{
		MaxAttempts:  config.Int("CONSUMER_MAX_ATTEMPTS", 3),
		RetryBackoff: config.Duration("CONSUMER_RETRY_BACKOFF", 100*time.Millisecond),
	})
	events.Register(dispatcher, entityStore)

	runner := kafkax.NewRunner(dispatcher, logger, kafkax.RunnerConfig{
		Brokers: brokers,
		GroupID: "billing-service",
	})
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		runner.Run(ctx)
	}()

	sweeper := inbox.NewSweeper(inboxRepo, logger, inbox.SweeperConfig{
		Horizon:  config.Duration("INBOX_RETENTION", 30*24*time.Hour),
		Interval: config.Duration("INBOX_PURGE_EVERY", time.Hour),
	})
	go sweeper.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)

	h := handlers.New(entityStore, outboxRepo, logger)
	api := http.NewServeMux()
	h.Register(api)

	ratelimit := rateLimitMiddleware(logger)
	mux.Handle("/api/v1/", httpx.Chain(api,
		httpx.WithTenant,
		ratelimit,
		httpx.WithBodyLimit(1<<20),
	))

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithCORS(config.Strings("CORS_ORIGINS")),
	)
	handler = otelhttp.NewHandler(handler, "billing")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	// In-flight event handlers get their drain grace before the process exits.
	<-runnerDone
	logger.Info("http server stopped")
}

func rateLimitMiddleware(logger *slog.Logger) httpx.Middleware {
	limit := config.Int("RATE_LIMIT", 120)
	window := config.Duration("RATE_LIMIT_WINDOW", time.Minute)
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		return httpx.NewRedisRateLimiter(rdb, limit, window, "billing").Middleware(logger, true)
	}
	return httpx.NewRateLimiter(limit, window).Middleware()
}
