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
		eventx.TypeMemberCreated,
		eventx.TypeMemberStatusChanged,
		eventx.TypeContractCreated,
		eventx.TypeContractStatusChange,
	))
	return NewMemory(ob, ledger, codec), ob, ledger
}

func mustCreateMember(t *testing.T, s *Memory, tenantID, id string) Member {
	t.Helper()
	m, err := s.CreateMember(context.Background(), CreateMember{
		TenantID: tenantID,
		ID:       id,
		Name:     "Ana Souza",
		Email:    "ana@example.com",
		CPF:      "390.533.447-05",
	})
	if err != nil {
		t.Fatalf("create member failed: %v", err)
	}
	return m
}

func TestCreateMember_EmitsEventAndStartsPending(t *testing.T) {
	s, ob, _ := newTestStore()
	m := mustCreateMember(t, s, "gym-1", "m-1")

	if m.Status != MemberPending {
		t.Fatalf("expected pending, got %s", m.Status)
	}
	pending, err := ob.FetchPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("fetch pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].EventType != eventx.TypeMemberCreated {
		t.Fatalf("expected one member.created outbox record, got %+v", pending)
	}
	if pending[0].TenantID != "gym-1" {
		t.Fatalf("outbox record has wrong tenant: %s", pending[0].TenantID)
	}
}

func TestUpdateMemberStatus_TransitionTable(t *testing.T) {
	s, _, _ := newTestStore()
	mustCreateMember(t, s, "gym-1", "m-1")

	m, err := s.UpdateMemberStatus(context.Background(), UpdateMemberStatus{
		TenantID: "gym-1", MemberID: "m-1", Status: MemberActive,
	})
	if err != nil {
		t.Fatalf("pending->active failed: %v", err)
	}
	if m.Status != MemberActive {
		t.Fatalf("expected active, got %s", m.Status)
	}

	// active -> pending is not in the table.
	_, err = s.UpdateMemberStatus(context.Background(), UpdateMemberStatus{
		TenantID: "gym-1", MemberID: "m-1", Status: MemberPending,
	})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}

	got, _ := s.GetMember(context.Background(), "gym-1", "m-1")
	if got.Status != MemberActive {
		t.Fatalf("illegal transition must leave state unchanged, got %s", got.Status)
	}
}

func TestTenantIsolation(t *testing.T) {
	s, _, _ := newTestStore()
	mustCreateMember(t, s, "gym-1", "m-1")

	_, err := s.UpdateMemberStatus(context.Background(), UpdateMemberStatus{
		TenantID: "gym-2", MemberID: "m-1", Status: MemberActive,
	})
	if !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("expected ErrTenantMismatch, got %v", err)
	}

	if _, err := s.GetMember(context.Background(), "gym-2", "m-1"); !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("cross-tenant read must fail, got %v", err)
	}

	got, err := s.GetMember(context.Background(), "gym-1", "m-1")
	if err != nil || got.Status != MemberPending {
		t.Fatalf("entity must be untouched: %+v err=%v", got, err)
	}
}

func TestContractLifecycle(t *testing.T) {
	s, ob, _ := newTestStore()
	mustCreateMember(t, s, "gym-1", "m-1")

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c, err := s.CreateContract(context.Background(), CreateContract{
		TenantID:   "gym-1",
		ID:         "c-1",
		MemberID:   "m-1",
		PlanType:   "annual",
		StartDate:  start,
		EndDate:    start.AddDate(1, 0, 0),
		ValueCents: 129900,
	})
	if err != nil {
		t.Fatalf("create contract failed: %v", err)
	}
	if c.Status != ContractActive {
		t.Fatalf("expected active, got %s", c.Status)
	}

	c, err = s.TransitionContractStatus(context.Background(), TransitionContractStatus{
		TenantID: "gym-1", ContractID: "c-1", Status: ContractCancelled,
	})
	if err != nil {
		t.Fatalf("active->cancelled failed: %v", err)
	}

	// Cancelled is terminal.
	_, err = s.TransitionContractStatus(context.Background(), TransitionContractStatus{
		TenantID: "gym-1", ContractID: "c-1", Status: ContractActive,
	})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}

	pending, _ := ob.FetchPending(context.Background(), 10)
	var types []string
	for _, rec := range pending {
		types = append(types, rec.EventType)
	}
	want := []string{eventx.TypeMemberCreated, eventx.TypeContractCreated, eventx.TypeContractStatusChange}
	if len(types) != len(want) {
		t.Fatalf("expected outbox %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected outbox %v, got %v", want, types)
		}
	}
}

func TestContractForUnknownOrForeignMember(t *testing.T) {
	s, _, _ := newTestStore()
	mustCreateMember(t, s, "gym-1", "m-1")

	cmd := CreateContract{
		TenantID:   "gym-2",
		MemberID:   "m-1",
		PlanType:   "monthly",
		StartDate:  time.Now().UTC(),
		EndDate:    time.Now().UTC().AddDate(0, 1, 0),
		ValueCents: 9900,
	}
	if _, err := s.CreateContract(context.Background(), cmd); !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("expected ErrTenantMismatch, got %v", err)
	}

	cmd.TenantID = "gym-1"
	cmd.MemberID = "missing"
	if _, err := s.CreateContract(context.Background(), cmd); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAckedCommandIsIdempotent(t *testing.T) {
	s, ob, _ := newTestStore()

	ack := &inbox.Ack{Group: "members-service", EventID: "evt-77", EventType: "import"}
	cmd := CreateMember{TenantID: "gym-1", ID: "m-9", Name: "Bruno", Email: "bruno@example.com", Ack: ack}

	if _, err := s.CreateMember(context.Background(), cmd); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	_, err := s.CreateMember(context.Background(), cmd)
	if !errors.Is(err, inbox.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}

	pending, _ := ob.FetchPending(context.Background(), 10)
	if len(pending) != 1 {
		t.Fatalf("duplicate apply must not emit a second event, got %d", len(pending))
	}
}
