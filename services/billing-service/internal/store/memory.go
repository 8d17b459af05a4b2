package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gymflow/gymflow/libs/eventx"
	"github.com/gymflow/gymflow/libs/inbox"
	"github.com/gymflow/gymflow/libs/outbox"
)

const producerName = "billing-service"

// Memory is the reference in-memory billing store.
type Memory struct {
	mu            sync.Mutex
	payments      map[string]*Payment
	subscriptions map[string]*Subscription
	members       map[string]*MemberProjection

	outbox *outbox.MemoryStore
	ledger *inbox.MemoryLedger
	codec  *eventx.Codec
}

func NewMemory(ob *outbox.MemoryStore, ledger *inbox.MemoryLedger, codec *eventx.Codec) *Memory {
	return &Memory{
		payments:      map[string]*Payment{},
		subscriptions: map[string]*Subscription{},
		members:       map[string]*MemberProjection{},
		outbox:        ob,
		ledger:        ledger,
		codec:         codec,
	}
}

func (s *Memory) apply(ctx context.Context, ack *inbox.Ack, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ack != nil {
		ok, err := s.ledger.Record(ctx, *ack)
		if err != nil {
			return err
		}
		if !ok {
			return inbox.ErrAlreadyProcessed
		}
	}
	if err := fn(); err != nil {
		if ack != nil {
			s.ledger.Forget(ack.Group, ack.EventID)
		}
		return err
	}
	return nil
}

func (s *Memory) RecordPayment(ctx context.Context, cmd RecordPayment) (Payment, error) {
	if err := cmd.validate(); err != nil {
		return Payment{}, err
	}
	id := cmd.ID
	if id == "" {
		id = uuid.NewString()
	}

	var p Payment
	err := s.apply(ctx, cmd.Ack, func() error {
		if existing, ok := s.payments[id]; ok {
			if existing.TenantID != cmd.TenantID {
				return ErrTenantMismatch
			}
			return ErrAlreadyExists
		}
		if cmd.SubscriptionID != "" {
			sub, ok := s.subscriptions[cmd.SubscriptionID]
			if !ok {
				return ErrNotFound
			}
			if sub.TenantID != cmd.TenantID {
				return ErrTenantMismatch
			}
		}

		p = Payment{
			ID:             id,
			TenantID:       cmd.TenantID,
			MemberID:       cmd.MemberID,
			InvoiceRef:     cmd.InvoiceRef,
			AmountCents:    cmd.AmountCents,
			Method:         cmd.Method,
			Status:         PaymentPending,
			TransactionID:  cmd.TransactionID,
			SubscriptionID: cmd.SubscriptionID,
			CreatedAt:      time.Now().UTC(),
		}
		if err := s.emit(ctx, eventx.TypePaymentRecorded, cmd.TenantID, eventx.PaymentRecordedPayload{
			PaymentID:     p.ID,
			MemberID:      p.MemberID,
			InvoiceRef:    p.InvoiceRef,
			AmountCents:   p.AmountCents,
			Method:        p.Method,
			Status:        string(p.Status),
			TransactionID: p.TransactionID,
		}); err != nil {
			return err
		}
		stored := p
		s.payments[id] = &stored
		return nil
	})
	if err != nil {
		return Payment{}, err
	}
	return p, nil
}

func (s *Memory) TransitionPaymentStatus(ctx context.Context, cmd TransitionPaymentStatus) (Payment, error) {
	if err := cmd.validate(); err != nil {
		return Payment{}, err
	}

	var p Payment
	err := s.apply(ctx, cmd.Ack, func() error {
		current, ok := s.payments[cmd.PaymentID]
		if !ok {
			return ErrNotFound
		}
		if current.TenantID != cmd.TenantID {
			return ErrTenantMismatch
		}
		if !paymentCanTransition(current.Status, cmd.Status) {
			return ErrIllegalTransition
		}

		from := current.Status
		if err := s.emit(ctx, eventx.TypePaymentStatusChange, cmd.TenantID, eventx.PaymentStatusChangedPayload{
			PaymentID:  current.ID,
			MemberID:   current.MemberID,
			InvoiceRef: current.InvoiceRef,
			From:       string(from),
			To:         string(cmd.Status),
		}); err != nil {
			return err
		}
		current.Status = cmd.Status
		s.applyDunning(current)
		p = *current
		return nil
	})
	if err != nil {
		return Payment{}, err
	}
	return p, nil
}

// applyDunning moves the linked subscription between active and past_due as
// payments against it fail or complete.
func (s *Memory) applyDunning(p *Payment) {
	if p.SubscriptionID == "" {
		return
	}
	sub, ok := s.subscriptions[p.SubscriptionID]
	if !ok {
		return
	}
	switch {
	case p.Status == PaymentFailed && sub.Status == SubscriptionActive:
		sub.Status = SubscriptionPastDue
	case p.Status == PaymentCompleted && sub.Status == SubscriptionPastDue:
		sub.Status = SubscriptionActive
	}
}

func (s *Memory) GetPayment(_ context.Context, tenantID, id string) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	if p.TenantID != tenantID {
		return Payment{}, ErrTenantMismatch
	}
	return *p, nil
}

func (s *Memory) OpenSubscription(ctx context.Context, cmd OpenSubscription) (Subscription, error) {
	if err := cmd.validate(); err != nil {
		return Subscription{}, err
	}

	var sub Subscription
	err := s.apply(ctx, cmd.Ack, func() error {
		if existing, ok := s.subscriptions[cmd.ContractID]; ok {
			if existing.TenantID != cmd.TenantID {
				return ErrTenantMismatch
			}
			return ErrAlreadyExists
		}

		sub = Subscription{
			ID:        cmd.ContractID,
			TenantID:  cmd.TenantID,
			MemberID:  cmd.MemberID,
			Plan:      cmd.Plan,
			Status:    SubscriptionActive,
			StartedAt: cmd.StartedAt,
			EndsAt:    cmd.EndsAt,
		}
		stored := sub
		s.subscriptions[sub.ID] = &stored
		return nil
	})
	if err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

func (s *Memory) TransitionSubscriptionStatus(ctx context.Context, cmd TransitionSubscriptionStatus) (Subscription, error) {
	if err := cmd.validate(); err != nil {
		return Subscription{}, err
	}

	var sub Subscription
	err := s.apply(ctx, cmd.Ack, func() error {
		current, ok := s.subscriptions[cmd.SubscriptionID]
		if !ok {
			return ErrNotFound
		}
		if current.TenantID != cmd.TenantID {
			return ErrTenantMismatch
		}
		if !subscriptionCanTransition(current.Status, cmd.Status) {
			return ErrIllegalTransition
		}
		current.Status = cmd.Status
		sub = *current
		return nil
	})
	if err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

func (s *Memory) GetSubscription(_ context.Context, tenantID, id string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	if sub.TenantID != tenantID {
		return Subscription{}, ErrTenantMismatch
	}
	return *sub, nil
}

func (s *Memory) UpsertMemberProjection(ctx context.Context, cmd UpsertMemberProjection) (MemberProjection, error) {
	if err := cmd.validate(); err != nil {
		return MemberProjection{}, err
	}

	var m MemberProjection
	err := s.apply(ctx, cmd.Ack, func() error {
		if existing, ok := s.members[cmd.MemberID]; ok && existing.TenantID != cmd.TenantID {
			return ErrTenantMismatch
		}
		m = MemberProjection{
			ID:       cmd.MemberID,
			TenantID: cmd.TenantID,
			Name:     cmd.Name,
			Email:    cmd.Email,
			Status:   cmd.Status,
		}
		stored := m
		s.members[cmd.MemberID] = &stored
		return nil
	})
	if err != nil {
		return MemberProjection{}, err
	}
	return m, nil
}

func (s *Memory) SetMemberProjectionStatus(ctx context.Context, cmd SetMemberProjectionStatus) (MemberProjection, error) {
	if err := cmd.validate(); err != nil {
		return MemberProjection{}, err
	}

	var m MemberProjection
	err := s.apply(ctx, cmd.Ack, func() error {
		current, ok := s.members[cmd.MemberID]
		if !ok {
			return ErrNotFound
		}
		if current.TenantID != cmd.TenantID {
			return ErrTenantMismatch
		}
		current.Status = cmd.Status
		m = *current
		return nil
	})
	if err != nil {
		return MemberProjection{}, err
	}
	return m, nil
}

func (s *Memory) GetMemberProjection(_ context.Context, tenantID, id string) (MemberProjection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[id]
	if !ok {
		return MemberProjection{}, ErrNotFound
	}
	if m.TenantID != tenantID {
		return MemberProjection{}, ErrTenantMismatch
	}
	return *m, nil
}

// MemberCount reports how many projected members a tenant has. Test helper.
func (s *Memory) MemberCount(tenantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.members {
		if m.TenantID == tenantID {
			n++
		}
	}
	return n
}

func (s *Memory) emit(ctx context.Context, eventType, tenantID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	e := eventx.New(eventType, tenantID, producerName, body)
	envelope, err := s.codec.Encode(e)
	if err != nil {
		return err
	}
	return s.outbox.Append(ctx, &outbox.Record{
		EventID:   e.ID,
		EventType: e.Type,
		TenantID:  tenantID,
		Key:       tenantID,
		Envelope:  envelope,
	})
}

var _ Store = (*Memory)(nil)
