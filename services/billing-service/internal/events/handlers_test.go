package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/gymflow/gymflow/libs/consumer"
	"github.com/gymflow/gymflow/libs/eventx"
	"github.com/gymflow/gymflow/libs/inbox"
	"github.com/gymflow/gymflow/libs/outbox"
	"github.com/gymflow/gymflow/services/billing-service/internal/store"
)

func newFixture(t *testing.T) (*consumer.Dispatcher, *store.Memory, *eventx.Codec) {
	t.Helper()
	codec := eventx.NewCodec(eventx.NewRegistry(
		eventx.TypeMemberCreated,
		eventx.TypeMemberStatusChanged,
		eventx.TypeContractCreated,
		eventx.TypeContractStatusChange,
		eventx.TypePaymentRecorded,
		eventx.TypePaymentStatusChange,
	))
	ledger := inbox.NewMemoryLedger()
	s := store.NewMemory(outbox.NewMemoryStore(), ledger, codec)

	d := consumer.NewDispatcher("billing-service", codec, ledger,
		slog.New(slog.DiscardHandler), consumer.DispatcherConfig{})
	Register(d, s)
	return d, s, codec
}

func encode(t *testing.T, codec *eventx.Codec, eventType, tenantID string, payload any) []byte {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	raw, err := codec.Encode(eventx.New(eventType, tenantID, "members-service", body))
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	return raw
}

func TestMemberCreated_ReplaySafe(t *testing.T) {
	d, s, codec := newFixture(t)

	raw := encode(t, codec, eventx.TypeMemberCreated, "gym-1", eventx.MemberCreatedPayload{
		MemberID: "m-1", Name: "Ana", Email: "ana@example.com", Status: "pending",
	})

	if got := d.OnMessage(context.Background(), raw); got != consumer.OutcomeApplied {
		t.Fatalf("first delivery: expected applied, got %s", got)
	}
	// Same envelope again: the ledger short-circuits it.
	if got := d.OnMessage(context.Background(), raw); got != consumer.OutcomeDuplicate {
		t.Fatalf("redelivery: expected duplicate_skip, got %s", got)
	}

	if got := s.MemberCount("gym-1"); got != 1 {
		t.Fatalf("expected exactly one projected member, got %d", got)
	}
	m, err := s.GetMemberProjection(context.Background(), "gym-1", "m-1")
	if err != nil || m.Name != "Ana" {
		t.Fatalf("projection missing: %+v err=%v", m, err)
	}
}

func TestMemberStatusChanged_UpdatesProjection(t *testing.T) {
	d, s, codec := newFixture(t)

	d.OnMessage(context.Background(), encode(t, codec, eventx.TypeMemberCreated, "gym-1",
		eventx.MemberCreatedPayload{MemberID: "m-1", Name: "Ana", Email: "ana@example.com", Status: "pending"}))

	raw := encode(t, codec, eventx.TypeMemberStatusChanged, "gym-1",
		eventx.MemberStatusChangedPayload{MemberID: "m-1", From: "pending", To: "active"})
	if got := d.OnMessage(context.Background(), raw); got != consumer.OutcomeApplied {
		t.Fatalf("expected applied, got %s", got)
	}

	m, _ := s.GetMemberProjection(context.Background(), "gym-1", "m-1")
	if m.Status != "active" {
		t.Fatalf("expected active, got %s", m.Status)
	}
}

func TestContractLifecycle_DrivesSubscription(t *testing.T) {
	d, s, codec := newFixture(t)
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	raw := encode(t, codec, eventx.TypeContractCreated, "gym-1", eventx.ContractCreatedPayload{
		ContractID: "c-1", MemberID: "m-1", PlanType: "annual",
		StartDate: start, EndDate: start.AddDate(1, 0, 0), ValueCents: 129900, Status: "active",
	})
	if got := d.OnMessage(context.Background(), raw); got != consumer.OutcomeApplied {
		t.Fatalf("expected applied, got %s", got)
	}

	sub, err := s.GetSubscription(context.Background(), "gym-1", "c-1")
	if err != nil || sub.Status != store.SubscriptionActive {
		t.Fatalf("expected active subscription: %+v err=%v", sub, err)
	}

	raw = encode(t, codec, eventx.TypeContractStatusChange, "gym-1",
		eventx.ContractStatusChangedPayload{ContractID: "c-1", MemberID: "m-1", From: "active", To: "cancelled"})
	if got := d.OnMessage(context.Background(), raw); got != consumer.OutcomeApplied {
		t.Fatalf("expected applied, got %s", got)
	}

	sub, _ = s.GetSubscription(context.Background(), "gym-1", "c-1")
	if sub.Status != store.SubscriptionCancelled {
		t.Fatalf("expected cancelled, got %s", sub.Status)
	}
}

func TestStatusChangeForUnknownMemberIsAcked(t *testing.T) {
	d, s, codec := newFixture(t)

	raw := encode(t, codec, eventx.TypeMemberStatusChanged, "gym-1",
		eventx.MemberStatusChangedPayload{MemberID: "ghost", From: "pending", To: "active"})
	if got := d.OnMessage(context.Background(), raw); got != consumer.OutcomeApplied {
		t.Fatalf("stale status change must not block the partition, got %s", got)
	}
	if _, err := s.GetMemberProjection(context.Background(), "gym-1", "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("no projection should exist, got %v", err)
	}
}

func TestUnhandledEventTypeIsAcked(t *testing.T) {
	d, _, codec := newFixture(t)

	raw := encode(t, codec, eventx.TypePaymentRecorded, "gym-1", eventx.PaymentRecordedPayload{
		PaymentID: "p-1", MemberID: "m-1", InvoiceRef: "inv", AmountCents: 100, Method: "pix", Status: "pending",
	})
	if got := d.OnMessage(context.Background(), raw); got != consumer.OutcomeUnhandled {
		t.Fatalf("expected unhandled, got %s", got)
	}
}
