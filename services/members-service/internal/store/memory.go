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

const producerName = "members-service"

// Memory is the reference in-memory store. It pairs with the memory outbox
// and ledger so the full produce/consume choreography runs without Postgres.
type Memory struct {
	mu        sync.Mutex
	members   map[string]*Member
	contracts map[string]*Contract

	outbox *outbox.MemoryStore
	ledger *inbox.MemoryLedger
	codec  *eventx.Codec
}

func NewMemory(ob *outbox.MemoryStore, ledger *inbox.MemoryLedger, codec *eventx.Codec) *Memory {
	return &Memory{
		members:   map[string]*Member{},
		contracts: map[string]*Contract{},
		outbox:    ob,
		ledger:    ledger,
		codec:     codec,
	}
}

// apply mimics the Postgres transaction: the ledger record is taken first
// and dropped again if the mutation fails, so both land or neither does.
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

func (s *Memory) CreateMember(ctx context.Context, cmd CreateMember) (Member, error) {
	if err := cmd.validate(); err != nil {
		return Member{}, err
	}
	id := cmd.ID
	if id == "" {
		id = uuid.NewString()
	}

	var m Member
	err := s.apply(ctx, cmd.Ack, func() error {
		if existing, ok := s.members[id]; ok {
			if existing.TenantID != cmd.TenantID {
				return ErrTenantMismatch
			}
			return ErrAlreadyExists
		}

		m = Member{
			ID:        id,
			TenantID:  cmd.TenantID,
			Name:      cmd.Name,
			Email:     cmd.Email,
			CPF:       cmd.CPF,
			Status:    MemberPending,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.emit(ctx, eventx.TypeMemberCreated, cmd.TenantID, eventx.MemberCreatedPayload{
			MemberID: m.ID,
			Name:     m.Name,
			Email:    m.Email,
			CPF:      m.CPF,
			Status:   string(m.Status),
		}); err != nil {
			return err
		}
		stored := m
		s.members[id] = &stored
		return nil
	})
	if err != nil {
		return Member{}, err
	}
	return m, nil
}

func (s *Memory) UpdateMemberStatus(ctx context.Context, cmd UpdateMemberStatus) (Member, error) {
	if err := cmd.validate(); err != nil {
		return Member{}, err
	}

	var m Member
	err := s.apply(ctx, cmd.Ack, func() error {
		current, ok := s.members[cmd.MemberID]
		if !ok {
			return ErrNotFound
		}
		if current.TenantID != cmd.TenantID {
			return ErrTenantMismatch
		}
		if !memberCanTransition(current.Status, cmd.Status) {
			return ErrIllegalTransition
		}

		from := current.Status
		if err := s.emit(ctx, eventx.TypeMemberStatusChanged, cmd.TenantID, eventx.MemberStatusChangedPayload{
			MemberID: current.ID,
			From:     string(from),
			To:       string(cmd.Status),
		}); err != nil {
			return err
		}
		current.Status = cmd.Status
		m = *current
		return nil
	})
	if err != nil {
		return Member{}, err
	}
	return m, nil
}

func (s *Memory) GetMember(_ context.Context, tenantID, id string) (Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[id]
	if !ok {
		return Member{}, ErrNotFound
	}
	if m.TenantID != tenantID {
		return Member{}, ErrTenantMismatch
	}
	return *m, nil
}

func (s *Memory) CreateContract(ctx context.Context, cmd CreateContract) (Contract, error) {
	if err := cmd.validate(); err != nil {
		return Contract{}, err
	}
	id := cmd.ID
	if id == "" {
		id = uuid.NewString()
	}

	var c Contract
	err := s.apply(ctx, cmd.Ack, func() error {
		member, ok := s.members[cmd.MemberID]
		if !ok {
			return ErrNotFound
		}
		if member.TenantID != cmd.TenantID {
			return ErrTenantMismatch
		}
		if _, ok := s.contracts[id]; ok {
			return ErrAlreadyExists
		}

		c = Contract{
			ID:         id,
			TenantID:   cmd.TenantID,
			MemberID:   cmd.MemberID,
			PlanType:   cmd.PlanType,
			StartDate:  cmd.StartDate,
			EndDate:    cmd.EndDate,
			ValueCents: cmd.ValueCents,
			Status:     ContractActive,
			CreatedAt:  time.Now().UTC(),
		}
		if err := s.emit(ctx, eventx.TypeContractCreated, cmd.TenantID, eventx.ContractCreatedPayload{
			ContractID: c.ID,
			MemberID:   c.MemberID,
			PlanType:   c.PlanType,
			StartDate:  c.StartDate,
			EndDate:    c.EndDate,
			ValueCents: c.ValueCents,
			Status:     string(c.Status),
		}); err != nil {
			return err
		}
		stored := c
		s.contracts[id] = &stored
		return nil
	})
	if err != nil {
		return Contract{}, err
	}
	return c, nil
}

func (s *Memory) TransitionContractStatus(ctx context.Context, cmd TransitionContractStatus) (Contract, error) {
	if err := cmd.validate(); err != nil {
		return Contract{}, err
	}

	var c Contract
	err := s.apply(ctx, cmd.Ack, func() error {
		current, ok := s.contracts[cmd.ContractID]
		if !ok {
			return ErrNotFound
		}
		if current.TenantID != cmd.TenantID {
			return ErrTenantMismatch
		}
		if !contractCanTransition(current.Status, cmd.Status) {
			return ErrIllegalTransition
		}

		from := current.Status
		if err := s.emit(ctx, eventx.TypeContractStatusChange, cmd.TenantID, eventx.ContractStatusChangedPayload{
			ContractID: current.ID,
			MemberID:   current.MemberID,
			From:       string(from),
			To:         string(cmd.Status),
		}); err != nil {
			return err
		}
		current.Status = cmd.Status
		c = *current
		return nil
	})
	if err != nil {
		return Contract{}, err
	}
	return c, nil
}

func (s *Memory) GetContract(_ context.Context, tenantID, id string) (Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[id]
	if !ok {
		return Contract{}, ErrNotFound
	}
	if c.TenantID != tenantID {
		return Contract{}, ErrTenantMismatch
	}
	return *c, nil
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
