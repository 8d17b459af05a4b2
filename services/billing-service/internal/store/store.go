// Package store is the billing side of the tenant-scoped entity model: it
// owns Payment and Subscription and maintains a Member projection fed by the
// members service's events. Mutations share the same transactional apply
// discipline as the members store: commands carrying an inbox.Ack commit the
// ledger record with the mutation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/gymflow/gymflow/libs/inbox"
)

var (
	ErrTenantMismatch    = errors.New("tenant mismatch")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidCommand    = errors.New("invalid command")
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

type Payment struct {
	ID             string
	TenantID       string
	MemberID       string
	InvoiceRef     string
	AmountCents    int64
	Method         string
	Status         PaymentStatus
	TransactionID  string
	SubscriptionID string
	CreatedAt      time.Time
}

// Subscription is keyed by the contract that opened it (one subscription per
// contract).
type Subscription struct {
	ID        string
	TenantID  string
	MemberID  string
	Plan      string
	Status    SubscriptionStatus
	StartedAt time.Time
	EndsAt    time.Time
}

// MemberProjection is the local read model of the members service's Member
// aggregate, kept current by member.* events.
type MemberProjection struct {
	ID       string
	TenantID string
	Name     string
	Email    string
	Status   string
}

// Payment status is monotonic except refunded, which is reachable only from
// completed.
var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:   {PaymentCompleted, PaymentFailed},
	PaymentCompleted: {PaymentRefunded},
}

var subscriptionTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionActive:  {SubscriptionPastDue, SubscriptionCancelled, SubscriptionExpired},
	SubscriptionPastDue: {SubscriptionActive, SubscriptionCancelled, SubscriptionExpired},
}

func paymentCanTransition(from, to PaymentStatus) bool {
	for _, next := range paymentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func subscriptionCanTransition(from, to SubscriptionStatus) bool {
	for _, next := range subscriptionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type RecordPayment struct {
	TenantID       string
	ID             string // optional; generated when empty
	MemberID       string
	InvoiceRef     string
	AmountCents    int64
	Method         string
	TransactionID  string
	SubscriptionID string // optional link driving dunning transitions
	Ack            *inbox.Ack
}

type TransitionPaymentStatus struct {
	TenantID  string
	PaymentID string
	Status    PaymentStatus
	Ack       *inbox.Ack
}

type UpsertMemberProjection struct {
	TenantID string
	MemberID string
	Name     string
	Email    string
	Status   string
	Ack      *inbox.Ack
}

type SetMemberProjectionStatus struct {
	TenantID string
	MemberID string
	Status   string
	Ack      *inbox.Ack
}

type OpenSubscription struct {
	TenantID   string
	ContractID string
	MemberID   string
	Plan       string
	StartedAt  time.Time
	EndsAt     time.Time
	Ack        *inbox.Ack
}

type TransitionSubscriptionStatus struct {
	TenantID       string
	SubscriptionID string
	Status         SubscriptionStatus
	Ack            *inbox.Ack
}

type Store interface {
	RecordPayment(ctx context.Context, cmd RecordPayment) (Payment, error)
	TransitionPaymentStatus(ctx context.Context, cmd TransitionPaymentStatus) (Payment, error)
	GetPayment(ctx context.Context, tenantID, id string) (Payment, error)

	OpenSubscription(ctx context.Context, cmd OpenSubscription) (Subscription, error)
	TransitionSubscriptionStatus(ctx context.Context, cmd TransitionSubscriptionStatus) (Subscription, error)
	GetSubscription(ctx context.Context, tenantID, id string) (Subscription, error)

	UpsertMemberProjection(ctx context.Context, cmd UpsertMemberProjection) (MemberProjection, error)
	SetMemberProjectionStatus(ctx context.Context, cmd SetMemberProjectionStatus) (MemberProjection, error)
	GetMemberProjection(ctx context.Context, tenantID, id string) (MemberProjection, error)
}

func (c RecordPayment) validate() error {
	if c.TenantID == "" || c.MemberID == "" || c.InvoiceRef == "" || c.Method == "" {
		return ErrInvalidCommand
	}
	if c.AmountCents <= 0 {
		return ErrInvalidCommand
	}
	return nil
}

func (c TransitionPaymentStatus) validate() error {
	if c.TenantID == "" || c.PaymentID == "" {
		return ErrInvalidCommand
	}
	switch c.Status {
	case PaymentPending, PaymentCompleted, PaymentFailed, PaymentRefunded:
		return nil
	default:
		return ErrInvalidCommand
	}
}

func (c UpsertMemberProjection) validate() error {
	if c.TenantID == "" || c.MemberID == "" {
		return ErrInvalidCommand
	}
	return nil
}

func (c SetMemberProjectionStatus) validate() error {
	if c.TenantID == "" || c.MemberID == "" || c.Status == "" {
		return ErrInvalidCommand
	}
	return nil
}

func (c OpenSubscription) validate() error {
	if c.TenantID == "" || c.ContractID == "" || c.MemberID == "" {
		return ErrInvalidCommand
	}
	return nil
}

func (c TransitionSubscriptionStatus) validate() error {
	if c.TenantID == "" || c.SubscriptionID == "" {
		return ErrInvalidCommand
	}
	switch c.Status {
	case SubscriptionActive, SubscriptionPastDue, SubscriptionCancelled, SubscriptionExpired:
		return nil
	default:
		return ErrInvalidCommand
	}
}
