package consumer

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/gymflow/gymflow/libs/eventx"
	"github.com/gymflow/gymflow/libs/inbox"
)

func testEnvelope(t *testing.T, codec *eventx.Codec, id string) []byte {
	t.Helper()
	raw, err := codec.Encode(eventx.Event{
		ID:         id,
		Type:       eventx.TypeMemberCreated,
		TenantID:   "gym-1",
		Producer:   "members-service",
		OccurredAt: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC),
		Payload:    []byte(`{"member_id":"m-1"}`),
	})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	return raw
}

func newTestDispatcher() (*Dispatcher, *eventx.Codec, *inbox.MemoryLedger) {
	codec := eventx.NewCodec(eventx.NewRegistry(eventx.TypeMemberCreated, eventx.TypePaymentRecorded))
	ledger := inbox.NewMemoryLedger()
	d := NewDispatcher("billing-service", codec, ledger, slog.New(slog.DiscardHandler), DispatcherConfig{
		RetryBackoff: time.Millisecond,
	})
	return d, codec, ledger
}

func TestDispatcher_AppliesAndSkipsDuplicate(t *testing.T) {
	d, codec, ledger := newTestDispatcher()

	applied := 0
	d.Handle(eventx.TypeMemberCreated, func(ctx context.Context, e eventx.Event, ack inbox.Ack) error {
		ok, err := ledger.Record(ctx, ack)
		if err != nil {
			return err
		}
		if !ok {
			return inbox.ErrAlreadyProcessed
		}
		applied++
		return nil
	})

	raw := testEnvelope(t, codec, "evt-1")
	if got := d.OnMessage(context.Background(), raw); got != OutcomeApplied {
		t.Fatalf("first delivery: expected applied, got %s", got)
	}
	if got := d.OnMessage(context.Background(), raw); got != OutcomeDuplicate {
		t.Fatalf("second delivery: expected duplicate_skip, got %s", got)
	}
	if applied != 1 {
		t.Fatalf("expected exactly one application, got %d", applied)
	}
}

func TestDispatcher_ParksUndecodable(t *testing.T) {
	d, _, _ := newTestDispatcher()
	if got := d.OnMessage(context.Background(), []byte("{not json")); got != OutcomeParked {
		t.Fatalf("expected parked, got %s", got)
	}
}

func TestDispatcher_UnhandledTypeIsAcked(t *testing.T) {
	d, codec, _ := newTestDispatcher()
	// payment.recorded.v1 is registered in the codec but has no handler.
	raw, err := codec.Encode(eventx.Event{
		ID:         "evt-2",
		Type:       eventx.TypePaymentRecorded,
		TenantID:   "gym-1",
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if got := d.OnMessage(context.Background(), raw); got != OutcomeUnhandled {
		t.Fatalf("expected unhandled, got %s", got)
	}
}

func TestDispatcher_RetriesHandlerThenFails(t *testing.T) {
	d, codec, ledger := newTestDispatcher()

	attempts := 0
	d.Handle(eventx.TypeMemberCreated, func(context.Context, eventx.Event, inbox.Ack) error {
		attempts++
		return errors.New("downstream down")
	})

	raw := testEnvelope(t, codec, "evt-3")
	if got := d.OnMessage(context.Background(), raw); got != OutcomeFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 local attempts, got %d", attempts)
	}

	// Ledger untouched: a future redelivery must still be able to reprocess.
	if seen, _ := ledger.Seen(context.Background(), "billing-service", "evt-3"); seen {
		t.Fatal("ledger must not record a failed application")
	}
}

func TestDispatcher_RetrySucceedsBeforeExhaustion(t *testing.T) {
	d, codec, ledger := newTestDispatcher()

	attempts := 0
	d.Handle(eventx.TypeMemberCreated, func(ctx context.Context, e eventx.Event, ack inbox.Ack) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		_, err := ledger.Record(ctx, ack)
		return err
	})

	raw := testEnvelope(t, codec, "evt-4")
	if got := d.OnMessage(context.Background(), raw); got != OutcomeApplied {
		t.Fatalf("expected applied, got %s", got)
	}
	if attempts != 3 {
		t.Fatalf("expected success on 3rd attempt, got %d", attempts)
	}
}
