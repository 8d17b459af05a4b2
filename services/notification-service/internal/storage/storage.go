// Package storage persists delivered notifications and the member contact
// projection the notification service keeps for addressing them.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/gymflow/gymflow/libs/inbox"
)

var ErrNotFound = errors.New("not found")

const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Notification kinds, one per triggering event.
const (
	KindWelcome       = "welcome"
	KindReceipt       = "receipt"
	KindPaymentFailed = "payment_failed"
	KindRefund        = "refund"
)

type Notification struct {
	ID        string
	TenantID  string
	MemberID  string
	Channel   string
	Kind      string
	Recipient string
	Subject   string
	Body      string
	Status    string
	Reason    string
	CreatedAt time.Time
}

// Contact is the slice of the member aggregate this service needs: where to
// send things.
type Contact struct {
	MemberID string
	TenantID string
	Name     string
	Email    string
}

type Store interface {
	// SaveContact upserts the contact projection for a member. The upsert is
	// naturally replay-safe, so it carries no ledger record of its own.
	SaveContact(ctx context.Context, c Contact) error
	ContactByMember(ctx context.Context, tenantID, memberID string) (Contact, error)

	// Record persists the notification, commits the idempotency ledger record
	// for ack, and queues the matching notification.sent or
	// notification.failed event, all in one transaction.
	Record(ctx context.Context, ack *inbox.Ack, n Notification) (Notification, error)
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]Notification, error)
}
