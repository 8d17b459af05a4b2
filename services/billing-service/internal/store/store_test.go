package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gymflow/gymflow/libs/eventx"
	"github.com/gymflow/gymflow/libs/inbox"
	"github.com/gymflow/gymflow/libs/outbox"
)

func newTestStore() (*Memory, *outbox.MemoryStore, *inbox.MemoryLedger) {
	ob := outbox.NewMemoryStore()
	ledger := inbox.NewMemoryLedger()
	codec := eventx.NewCodec(eventx.NewRegistry(
		eventx.TypePaymentRecorded,
		eventx.TypePaymentStatusChange,
	))
	return NewMemory(ob, ledger, codec), ob, ledger
}

func mustOpenSubscription(t *testing.T, s *Memory, tenantID, id string) Subscription {
	t.Helper()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sub, err := s.OpenSubscription(context.Background(), OpenSubscription{
		TenantID:   tenantID,
		ContractID: id,
		MemberID:   "m-1",
		Plan:       "annual",
		StartedAt:  start,
		EndsAt:     start.AddDate(1, 0, 0),
	})
	if err != nil {
		t.Fatalf("open subscription failed: %v", err)
	}
	return sub
}

func mustRecordPayment(t *testing.T, s *Memory, tenantID, id, subscriptionID string) Payment {
	t.Helper()
	p, err := s.RecordPayment(context.Background(), RecordPayment{
		TenantID:       tenantID,
		ID:             id,
		MemberID:       "m-1",
		InvoiceRef:     "inv-2026-03",
		AmountCents:    12990,
		Method:         "pix",
		SubscriptionID: subscriptionID,
	})
	if err != nil {
		t.Fatalf("record payment failed: %v", err)
	}
	return p
}

func TestRecordPayment_StartsPendingAndEmits(t *testing.T) {
	s, ob, _ := newTestStore()
	p := mustRecordPayment(t, s, "gym-1", "p-1", "")

	if p.Status != PaymentPending {
		t.Fatalf("expected pending, got %s", p.Status)
	}
	pending, err := ob.FetchPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("fetch pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].EventType != eventx.TypePaymentRecorded {
		t.Fatalf("expected one payment.recorded outbox record, got %+v", pending)
	}
}

func TestPaymentTransitionTable(t *testing.T) {
	s, _, _ := newTestStore()
	mustRecordPayment(t, s, "gym-1", "p-1", "")

	// pending -> refunded skips completed and must be rejected.
	_, err := s.TransitionPaymentStatus(context.Background(), TransitionPaymentStatus{
		TenantID: "gym-1", PaymentID: "p-1", Status: PaymentRefunded,
	})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}

	p, err := s.TransitionPaymentStatus(context.Background(), TransitionPaymentStatus{
		TenantID: "gym-1", PaymentID: "p-1", Status: PaymentCompleted,
	})
	if err != nil || p.Status != PaymentCompleted {
		t.Fatalf("pending->completed failed: %+v err=%v", p, err)
	}

	p, err = s.TransitionPaymentStatus(context.Background(), TransitionPaymentStatus{
		TenantID: "gym-1", PaymentID: "p-1", Status: PaymentRefunded,
	})
	if err != nil || p.Status != PaymentRefunded {
		t.Fatalf("completed->refunded failed: %+v err=%v", p, err)
	}

	// Refunded is terminal.
	for _, next := range []PaymentStatus{PaymentPending, PaymentCompleted, PaymentFailed} {
		_, err := s.TransitionPaymentStatus(context.Background(), TransitionPaymentStatus{
			TenantID: "gym-1", PaymentID: "p-1", Status: next,
		})
		if !errors.Is(err, ErrIllegalTransition) {
			t.Fatalf("refunded->%s must be rejected, got %v", next, err)
		}
	}
}

func TestPaymentStatusChangeEmitsEvent(t *testing.T) {
	s, ob, _ := newTestStore()
	mustRecordPayment(t, s, "gym-1", "p-1", "")

	if _, err := s.TransitionPaymentStatus(context.Background(), TransitionPaymentStatus{
		TenantID: "gym-1", PaymentID: "p-1", Status: PaymentCompleted,
	}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	pending, _ := ob.FetchPending(context.Background(), 10)
	if len(pending) != 2 {
		t.Fatalf("expected two outbox records, got %d", len(pending))
	}
	if pending[1].EventType != eventx.TypePaymentStatusChange {
		t.Fatalf("expected payment.status_changed, got %s", pending[1].EventType)
	}
}

func TestFailedPaymentMovesSubscriptionPastDue(t *testing.T) {
	s, _, _ := newTestStore()
	mustOpenSubscription(t, s, "gym-1", "c-1")
	mustRecordPayment(t, s, "gym-1", "p-1", "c-1")

	if _, err := s.TransitionPaymentStatus(context.Background(), TransitionPaymentStatus{
		TenantID: "gym-1", PaymentID: "p-1", Status: PaymentFailed,
	}); err != nil {
		t.Fatalf("pending->failed failed: %v", err)
	}
	sub, _ := s.GetSubscription(context.Background(), "gym-1", "c-1")
	if sub.Status != SubscriptionPastDue {
		t.Fatalf("expected past_due after failed payment, got %s", sub.Status)
	}

	// A later successful payment against the same subscription clears dunning.
	mustRecordPayment(t, s, "gym-1", "p-2", "c-1")
	if _, err := s.TransitionPaymentStatus(context.Background(), TransitionPaymentStatus{
		TenantID: "gym-1", PaymentID: "p-2", Status: PaymentCompleted,
	}); err != nil {
		t.Fatalf("pending->completed failed: %v", err)
	}
	sub, _ = s.GetSubscription(context.Background(), "gym-1", "c-1")
	if sub.Status != SubscriptionActive {
		t.Fatalf("expected active after completed payment, got %s", sub.Status)
	}
}

func TestSubscriptionTransitionTable(t *testing.T) {
	s, _, _ := newTestStore()
	mustOpenSubscription(t, s, "gym-1", "c-1")

	sub, err := s.TransitionSubscriptionStatus(context.Background(), TransitionSubscriptionStatus{
		TenantID: "gym-1", SubscriptionID: "c-1", Status: SubscriptionCancelled,
	})
	if err != nil || sub.Status != SubscriptionCancelled {
		t.Fatalf("active->cancelled failed: %+v err=%v", sub, err)
	}

	// Cancelled is terminal.
	_, err = s.TransitionSubscriptionStatus(context.Background(), TransitionSubscriptionStatus{
		TenantID: "gym-1", SubscriptionID: "c-1", Status: SubscriptionActive,
	})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestTenantIsolation(t *testing.T) {
	s, _, _ := newTestStore()
	mustOpenSubscription(t, s, "gym-1", "c-1")
	mustRecordPayment(t, s, "gym-1", "p-1", "c-1")

	if _, err := s.GetPayment(context.Background(), "gym-2", "p-1"); !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("cross-tenant payment read must fail, got %v", err)
	}
	if _, err := s.TransitionPaymentStatus(context.Background(), TransitionPaymentStatus{
		TenantID: "gym-2", PaymentID: "p-1", Status: PaymentCompleted,
	}); !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("cross-tenant payment write must fail, got %v", err)
	}
	if _, err := s.GetSubscription(context.Background(), "gym-2", "c-1"); !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("cross-tenant subscription read must fail, got %v", err)
	}

	// Linking a payment to another tenant's subscription is a mismatch too.
	_, err := s.RecordPayment(context.Background(), RecordPayment{
		TenantID: "gym-2", MemberID: "m-9", InvoiceRef: "inv", AmountCents: 100, Method: "pix", SubscriptionID: "c-1",
	})
	if !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("expected ErrTenantMismatch, got %v", err)
	}
}

func TestMemberProjectionUpsertAndStatus(t *testing.T) {
	s, _, _ := newTestStore()

	m, err := s.UpsertMemberProjection(context.Background(), UpsertMemberProjection{
		TenantID: "gym-1", MemberID: "m-1", Name: "Ana", Email: "ana@example.com", Status: "pending",
	})
	if err != nil || m.Status != "pending" {
		t.Fatalf("upsert failed: %+v err=%v", m, err)
	}

	// Upsert is idempotent on replays with the same data.
	if _, err := s.UpsertMemberProjection(context.Background(), UpsertMemberProjection{
		TenantID: "gym-1", MemberID: "m-1", Name: "Ana", Email: "ana@example.com", Status: "pending",
	}); err != nil {
		t.Fatalf("replayed upsert failed: %v", err)
	}
	if got := s.MemberCount("gym-1"); got != 1 {
		t.Fatalf("expected one projected member, got %d", got)
	}

	m, err = s.SetMemberProjectionStatus(context.Background(), SetMemberProjectionStatus{
		TenantID: "gym-1", MemberID: "m-1", Status: "active",
	})
	if err != nil || m.Status != "active" {
		t.Fatalf("set status failed: %+v err=%v", m, err)
	}

	if _, err := s.SetMemberProjectionStatus(context.Background(), SetMemberProjectionStatus{
		TenantID: "gym-2", MemberID: "m-1", Status: "inactive",
	}); !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("expected ErrTenantMismatch, got %v", err)
	}
}

func TestAckedCommandIsIdempotent(t *testing.T) {
	s, ob, _ := newTestStore()

	ack := &inbox.Ack{Group: "billing-service", EventID: "evt-31", EventType: "import"}
	cmd := RecordPayment{
		TenantID: "gym-1", ID: "p-7", MemberID: "m-1", InvoiceRef: "inv-7", AmountCents: 5000, Method: "card", Ack: ack,
	}

	if _, err := s.RecordPayment(context.Background(), cmd); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	if _, err := s.RecordPayment(context.Background(), cmd); !errors.Is(err, inbox.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}

	pending, _ := ob.FetchPending(context.Background(), 10)
	if len(pending) != 1 {
		t.Fatalf("duplicate apply must not emit a second event, got %d", len(pending))
	}
}
