package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gymflow/gymflow/libs/eventx"
	otelx "github.com/gymflow/gymflow/libs/otel"
)

// Publisher writes events durably and emits them to the broker with
// exponential backoff. Exhausted records are marked failed and left for
// operator reprocessing via RequeueFailed.
type Publisher struct {
	store     Store
	transport Transport
	codec     *eventx.Codec
	logger    *slog.Logger

	baseBackoff time.Duration
	maxBackoff  time.Duration
	maxAttempts int
	pollEvery   time.Duration
	batchSize   int
}

type PublisherConfig struct {
	BaseBackoff time.Duration // default 200ms
	MaxBackoff  time.Duration // default 5s
	MaxAttempts int           // default 5
	PollEvery   time.Duration // default 2s
	BatchSize   int           // default 50
}

func NewPublisher(store Store, transport Transport, codec *eventx.Codec, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{
		store:       store,
		transport:   transport,
		codec:       codec,
		logger:      logger,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		maxAttempts: cfg.MaxAttempts,
		pollEvery:   cfg.PollEvery,
		batchSize:   cfg.BatchSize,
	}
}

// Publish appends the event to the outbox and then emits it. The append
// happens first so a crash mid-emit leaves the event recoverable by Run;
// the claim keeps the emission under the store's lock, so a sweep that got
// to the record first simply leaves nothing for this path to do.
func (p *Publisher) Publish(ctx context.Context, e eventx.Event) error {
	envelope, err := p.codec.Encode(e)
	if err != nil {
		return err
	}
	rec := Record{
		EventID:   e.ID,
		EventType: e.Type,
		TenantID:  e.TenantID,
		Key:       e.TenantID,
		Envelope:  envelope,
	}
	if err := p.store.Append(ctx, &rec); err != nil {
		return err
	}

	var pubErr error
	_, err = p.store.Claim(ctx, rec.EventID, func(ctx context.Context, rec Record) EmitResult {
		res := p.emit(ctx, rec)
		if res.Err != nil {
			pubErr = &PublishError{EventID: rec.EventID, Attempts: res.Attempts, Err: res.Err}
		}
		return res
	})
	if err != nil {
		return err
	}
	return pubErr
}

// Run is the background re-send sweep. It picks up pending records (fresh
// appends from AppendTx callers as well as rows orphaned by a crash) and
// emits them.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.sweep(ctx); err != nil {
				p.logger.Error("outbox sweep failed", "err", err)
			}
		}
	}
}

func (p *Publisher) sweep(ctx context.Context) error {
	_, err := p.store.ClaimPending(ctx, p.batchSize, func(ctx context.Context, rec Record) EmitResult {
		res := p.emit(ctx, rec)
		if res.Err != nil {
			p.logger.Error("outbox send failed", "event_id", rec.EventID, "attempts", res.Attempts, "err", res.Err)
		}
		return res
	})
	return err
}

// emit publishes one claimed record, resuming the trace captured when the
// record was appended so the emit span lands under the producing request.
func (p *Publisher) emit(ctx context.Context, rec Record) EmitResult {
	ctx = otelx.ContextWithTraceContext(ctx, rec.Traceparent, rec.Tracestate)
	ctx, span := otel.Tracer("outbox").Start(ctx, "outbox.publish",
		trace.WithAttributes(
			attribute.String("messaging.destination", rec.EventType),
			attribute.String("messaging.message.id", rec.EventID),
		),
	)
	defer span.End()

	msg := Message{
		Topic: rec.EventType,
		Key:   []byte(rec.Key),
		Value: rec.Envelope,
		Headers: map[string]string{
			"event_id":   rec.EventID,
			"event_type": rec.EventType,
			"tenant_id":  rec.TenantID,
		},
	}
	if rec.Traceparent != "" {
		msg.Headers["traceparent"] = rec.Traceparent
	}
	if rec.Tracestate != "" {
		msg.Headers["tracestate"] = rec.Tracestate
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.baseBackoff
	expo.MaxInterval = p.maxBackoff

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, p.transport.Publish(ctx, msg)
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(p.maxAttempts)))

	if err != nil {
		span.RecordError(err)
	}
	return EmitResult{Attempts: attempts, Err: err}
}
