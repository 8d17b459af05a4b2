// Package store is the tenant-scoped entity store for the aggregates the
// members service owns: Member and Contract. Every mutation goes through a
// single transactional apply path; commands carrying an inbox.Ack commit the
// idempotency ledger record together with the mutation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/gymflow/gymflow/libs/inbox"
)

var (
	// ErrTenantMismatch rejects any command whose target entity belongs to
	// a different tenant than the one supplied.
	ErrTenantMismatch = errors.New("tenant mismatch")
	// ErrIllegalTransition rejects a status change not in the legal
	// transition table; state is left unchanged.
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidCommand    = errors.New("invalid command")
)

type MemberStatus string

const (
	MemberActive   MemberStatus = "active"
	MemberInactive MemberStatus = "inactive"
	MemberPending  MemberStatus = "pending"
)

type ContractStatus string

const (
	ContractActive    ContractStatus = "active"
	ContractExpired   ContractStatus = "expired"
	ContractCancelled ContractStatus = "cancelled"
)

type Member struct {
	ID        string
	TenantID  string
	Name      string
	Email     string
	CPF       string
	Status    MemberStatus
	CreatedAt time.Time
}

// Contract is append-only: it is never deleted, only status-transitioned.
type Contract struct {
	ID         string
	TenantID   string
	MemberID   string
	PlanType   string
	StartDate  time.Time
	EndDate    time.Time
	ValueCents int64
	Status     ContractStatus
	CreatedAt  time.Time
}

var memberTransitions = map[MemberStatus][]MemberStatus{
	MemberPending:  {MemberActive, MemberInactive},
	MemberActive:   {MemberInactive},
	MemberInactive: {MemberActive},
}

var contractTransitions = map[ContractStatus][]ContractStatus{
	ContractActive: {ContractExpired, ContractCancelled},
}

func memberCanTransition(from, to MemberStatus) bool {
	for _, next := range memberTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func contractCanTransition(from, to ContractStatus) bool {
	for _, next := range contractTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type CreateMember struct {
	TenantID string
	ID       string // optional; generated when empty
	Name     string
	Email    string
	CPF      string
	Ack      *inbox.Ack
}

type UpdateMemberStatus struct {
	TenantID string
	MemberID string
	Status   MemberStatus
	Ack      *inbox.Ack
}

type CreateContract struct {
	TenantID   string
	ID         string // optional; generated when empty
	MemberID   string
	PlanType   string
	StartDate  time.Time
	EndDate    time.Time
	ValueCents int64
	Ack        *inbox.Ack
}

type TransitionContractStatus struct {
	TenantID   string
	ContractID string
	Status     ContractStatus
	Ack        *inbox.Ack
}

// Store is the command API. Both implementations (Postgres for production,
// Memory as the reference used in tests and local development) append the
// corresponding domain event to the outbox in the same logical transaction
// as the mutation.
type Store interface {
	CreateMember(ctx context.Context, cmd CreateMember) (Member, error)
	UpdateMemberStatus(ctx context.Context, cmd UpdateMemberStatus) (Member, error)
	GetMember(ctx context.Context, tenantID, id string) (Member, error)

	CreateContract(ctx context.Context, cmd CreateContract) (Contract, error)
	TransitionContractStatus(ctx context.Context, cmd TransitionContractStatus) (Contract, error)
	GetContract(ctx context.Context, tenantID, id string) (Contract, error)
}

func (c CreateMember) validate() error {
	if c.TenantID == "" || c.Name == "" || c.Email == "" {
		return ErrInvalidCommand
	}
	return nil
}

func (c UpdateMemberStatus) validate() error {
	if c.TenantID == "" || c.MemberID == "" {
		return ErrInvalidCommand
	}
	switch c.Status {
	case MemberActive, MemberInactive, MemberPending:
		return nil
	default:
		return ErrInvalidCommand
	}
}

func (c CreateContract) validate() error {
	if c.TenantID == "" || c.MemberID == "" || c.PlanType == "" {
		return ErrInvalidCommand
	}
	if c.EndDate.Before(c.StartDate) {
		return ErrInvalidCommand
	}
	if c.ValueCents < 0 {
		return ErrInvalidCommand
	}
	return nil
}

func (c TransitionContractStatus) validate() error {
	if c.TenantID == "" || c.ContractID == "" {
		return ErrInvalidCommand
	}
	switch c.Status {
	case ContractActive, ContractExpired, ContractCancelled:
		return nil
	default:
		return ErrInvalidCommand
	}
}
