package main

import (
	"context"
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
	"github.com/gymflow/gymflow/services/notification-service/internal/email"
	"github.com/gymflow/gymflow/services/notification-service/internal/events"
	"github.com/gymflow/gymflow/services/notification-service/internal/handlers"
	"github.com/gymflow/gymflow/services/notification-service/internal/storage"
	"github.com/gymflow/gymflow/services/notification-service/migrations"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "notification-service")
	port, err := config.Port("PORT", "8085")
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
		eventx.TypePaymentRecorded,
		eventx.TypePaymentStatusChange,
		eventx.TypeNotificationSent,
		eventx.TypeNotificationFailed,
	)
	codec := eventx.NewCodec(registry)

	outboxRepo := outbox.NewRepository(pool)
	inboxRepo := inbox.NewRepository(pool)
	store := storage.NewPostgres(pool, outboxRepo, inboxRepo, codec)

	var sender email.Sender
	if host := config.String("SMTP_HOST", ""); host != "" {
		sender = email.NewSMTPSender(host, config.String("SMTP_PORT", "1025"), config.String("SMTP_FROM", ""))
	} else {
		logger.Warn("smtp not configured, logging emails instead")
		sender = email.NewLogSender(logger)
	}

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

	dispatcher := consumer.NewDispatcher("notification-service", codec, inboxRepo, logger, consumer.DispatcherConfig{
		MaxAttempts:  config.Int("CONSUMER_MAX_ATTEMPTS", 3),
		RetryBackoff: config.Duration("CONSUMER_RETRY_BACKOFF", 100*time.Millisecond),
	})
	events.NewNotifier(store, sender, logger).Register(dispatcher)

	runner := kafkax.NewRunner(dispatcher, logger, kafkax.RunnerConfig{
		Brokers: brokers,
		GroupID: "notification-service",
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

	api := http.NewServeMux()
	handlers.New(store, logger).Register(api)
	mux.Handle("/api/v1/", httpx.Chain(api,
		httpx.WithTenant,
		httpx.WithBodyLimit(1<<20),
	))

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "notification")
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
