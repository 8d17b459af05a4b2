package kafkax

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"github.com/gymflow/gymflow/libs/consumer"
)

// Runner binds a dispatcher to Kafka. One reader per handled topic, each
// processing its partition assignment sequentially so handler invocation
// order matches delivery order within a partition.
type Runner struct {
	brokers    []string
	group      string
	dispatcher *consumer.Dispatcher
	logger     *slog.Logger

	grace           time.Duration
	redeliveryDelay time.Duration
}

type RunnerConfig struct {
	Brokers string
	GroupID string
	// Grace bounds in-flight handler execution during shutdown; work still
	// outstanding after it is abandoned and redelivered. Default 30s.
	Grace time.Duration
	// RedeliveryDelay spaces out reprocessing of a message whose handler
	// exhausted local retries. Default 5s.
	RedeliveryDelay time.Duration
}

func NewRunner(dispatcher *consumer.Dispatcher, logger *slog.Logger, cfg RunnerConfig) *Runner {
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Second
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = 5 * time.Second
	}
	return &Runner{
		brokers:         SplitBrokers(cfg.Brokers),
		group:           cfg.GroupID,
		dispatcher:      dispatcher,
		logger:          logger,
		grace:           cfg.Grace,
		redeliveryDelay: cfg.RedeliveryDelay,
	}
}

// Run blocks until ctx is cancelled and every topic loop has drained.
func (r *Runner) Run(ctx context.Context) {
	if len(r.brokers) == 0 {
		r.logger.Warn("consumer disabled (no kafka brokers configured)")
		return
	}

	var wg sync.WaitGroup
	for _, topic := range r.dispatcher.Topics() {
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			r.consumeTopic(ctx, topic)
		}(topic)
	}
	wg.Wait()
}

func (r *Runner) consumeTopic(ctx context.Context, topic string) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  r.brokers,
		GroupID:  r.group,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("kafka fetch error", "topic", topic, "err", err)
			time.Sleep(1 * time.Second)
			continue
		}

		r.process(ctx, reader, msg)
	}
}

// process runs the message to a committable outcome. The offset is never
// committed past an event that has not been applied: a failed handler keeps
// the message in place and reprocessing continues until it lands or the
// runner shuts down (after which the broker redelivers it).
func (r *Runner) process(ctx context.Context, reader *kafka.Reader, msg kafka.Message) {
	for {
		outcome := r.dispatchOne(ctx, msg)
		if outcome != consumer.OutcomeFailed {
			commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.grace)
			if err := reader.CommitMessages(commitCtx, msg); err != nil {
				r.logger.Error("kafka commit error", "topic", msg.Topic, "err", err)
			}
			cancel()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.redeliveryDelay):
		}
	}
}

func (r *Runner) dispatchOne(ctx context.Context, msg kafka.Message) consumer.Outcome {
	// In-flight work is never forcibly cancelled on shutdown; it gets the
	// grace period and is abandoned (and later redelivered) past it.
	procCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.grace)
	defer cancel()

	procCtx = ExtractTraceContext(procCtx, msg)
	meta := ExtractEventMeta(msg)
	procCtx, span := otel.Tracer("kafka").Start(procCtx, "kafka.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.String("messaging.message.id", meta.EventID),
		),
	)
	defer span.End()

	outcome := r.dispatcher.OnMessage(procCtx, msg.Value)
	span.SetAttributes(attribute.String("gymflow.dispatch.outcome", outcome.String()))
	return outcome
}
