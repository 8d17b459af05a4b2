// Package consumer routes incoming envelopes to registered handlers with
// idempotent, at-least-once semantics: duplicates are skipped, poison
// messages parked, handler failures retried locally and then left for the
// transport to redeliver.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gymflow/gymflow/libs/eventx"
	"github.com/gymflow/gymflow/libs/inbox"
)

// Handler applies one event. The Ack must be passed down to the entity store
// so the ledger write commits with the mutation. A handler that observes
// inbox.ErrAlreadyProcessed lost the dedup race; the dispatcher acks it.
type Handler func(ctx context.Context, e eventx.Event, ack inbox.Ack) error

// Outcome is the terminal state of one message.
type Outcome int

const (
	// OutcomeParked: undecodable message, acknowledged so it cannot block
	// the partition.
	OutcomeParked Outcome = iota
	// OutcomeDuplicate: ledger hit, acknowledged without invoking a handler.
	OutcomeDuplicate
	// OutcomeUnhandled: no handler registered for the type; acknowledged.
	// Forward compatibility for schema evolution, not an error.
	OutcomeUnhandled
	// OutcomeApplied: handler succeeded and the ledger record committed.
	OutcomeApplied
	// OutcomeFailed: handler failed after local retries. Not acknowledged;
	// the ledger is untouched so a redelivery can still reprocess.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeParked:
		return "parked"
	case OutcomeDuplicate:
		return "duplicate_skip"
	case OutcomeUnhandled:
		return "unhandled"
	case OutcomeApplied:
		return "applied"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Dispatcher struct {
	group    string
	codec    *eventx.Codec
	ledger   inbox.Ledger
	logger   *slog.Logger
	handlers map[string]Handler

	maxAttempts  int
	retryBackoff time.Duration
}

type DispatcherConfig struct {
	MaxAttempts  int           // local handler retries, default 3
	RetryBackoff time.Duration // base delay between retries, default 100ms
}

func NewDispatcher(group string, codec *eventx.Codec, ledger inbox.Ledger, logger *slog.Logger, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	return &Dispatcher{
		group:        group,
		codec:        codec,
		ledger:       ledger,
		logger:       logger,
		handlers:     map[string]Handler{},
		maxAttempts:  cfg.MaxAttempts,
		retryBackoff: cfg.RetryBackoff,
	}
}

func (d *Dispatcher) Handle(eventType string, h Handler) {
	d.handlers[eventType] = h
}

// Topics lists the event types with registered handlers; the transport
// binding subscribes to exactly these.
func (d *Dispatcher) Topics() []string {
	out := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	return out
}

// OnMessage processes one raw envelope and reports how it terminated. The
// transport binding acknowledges every outcome except OutcomeFailed.
func (d *Dispatcher) OnMessage(ctx context.Context, raw []byte) Outcome {
	e, err := d.codec.Decode(raw)
	if err != nil {
		switch {
		case errors.Is(err, eventx.ErrUnknownType):
			d.logger.Warn("parked message with unknown event type", "err", err)
		default:
			d.logger.Warn("parked malformed message", "err", err)
		}
		return OutcomeParked
	}

	seen, err := d.ledger.Seen(ctx, d.group, e.ID)
	if err != nil {
		d.logger.Error("ledger check failed", "event_id", e.ID, "err", err)
		return OutcomeFailed
	}
	if seen {
		d.logger.Info("duplicate event skipped", "event_id", e.ID, "event_type", e.Type)
		return OutcomeDuplicate
	}

	handler, ok := d.handlers[e.Type]
	if !ok {
		d.logger.Info("unhandled event type", "event_type", e.Type, "event_id", e.ID)
		return OutcomeUnhandled
	}

	ack := inbox.Ack{Group: d.group, EventID: e.ID, EventType: e.Type}
	if err := d.invoke(ctx, handler, e, ack); err != nil {
		if errors.Is(err, inbox.ErrAlreadyProcessed) {
			d.logger.Info("duplicate event skipped", "event_id", e.ID, "event_type", e.Type)
			return OutcomeDuplicate
		}
		d.logger.Error("handler failed, leaving for redelivery",
			"event_id", e.ID, "event_type", e.Type, "attempts", d.maxAttempts, "err", err)
		return OutcomeFailed
	}
	return OutcomeApplied
}

func (d *Dispatcher) invoke(ctx context.Context, handler Handler, e eventx.Event, ack inbox.Ack) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = d.retryBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := handler(ctx, e, ack)
		if errors.Is(err, inbox.ErrAlreadyProcessed) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(d.maxAttempts)))
	return err
}
