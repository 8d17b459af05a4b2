// Package events turns member and payment events into outgoing notifications.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gymflow/gymflow/libs/consumer"
	"github.com/gymflow/gymflow/libs/eventx"
	"github.com/gymflow/gymflow/libs/inbox"
	"github.com/gymflow/gymflow/services/notification-service/internal/email"
	"github.com/gymflow/gymflow/services/notification-service/internal/storage"
)

type Notifier struct {
	store  storage.Store
	sender email.Sender
	logger *slog.Logger
}

func NewNotifier(store storage.Store, sender email.Sender, logger *slog.Logger) *Notifier {
	return &Notifier{store: store, sender: sender, logger: logger}
}

func (n *Notifier) Register(d *consumer.Dispatcher) {
	d.Handle(eventx.TypeMemberCreated, n.memberCreated)
	d.Handle(eventx.TypePaymentStatusChange, n.paymentStatusChanged)
}

// memberCreated projects the contact and sends the welcome mail. The contact
// upsert runs before the ledger-coupled Record, so a redelivery that lost the
// race re-upserts the same contact and then stops at the ledger.
func (n *Notifier) memberCreated(ctx context.Context, e eventx.Event, ack inbox.Ack) error {
	var p eventx.MemberCreatedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}

	contact := storage.Contact{
		MemberID: p.MemberID,
		TenantID: e.TenantID,
		Name:     p.Name,
		Email:    p.Email,
	}
	if err := n.store.SaveContact(ctx, contact); err != nil {
		return err
	}

	subject := "Welcome to the gym"
	body := fmt.Sprintf("Hi %s, your membership is set up. See you at the gym!", p.Name)
	return n.deliver(ctx, &ack, storage.Notification{
		TenantID:  e.TenantID,
		MemberID:  p.MemberID,
		Channel:   "email",
		Kind:      storage.KindWelcome,
		Recipient: p.Email,
		Subject:   subject,
		Body:      body,
	})
}

func (n *Notifier) paymentStatusChanged(ctx context.Context, e eventx.Event, ack inbox.Ack) error {
	var p eventx.PaymentStatusChangedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}

	var kind, subject, body string
	switch p.To {
	case "completed":
		kind = storage.KindReceipt
		subject = "Payment received"
		body = fmt.Sprintf("We received your payment for invoice %s. Thank you!", p.InvoiceRef)
	case "failed":
		kind = storage.KindPaymentFailed
		subject = "Payment failed"
		body = fmt.Sprintf("Your payment for invoice %s failed. Please update your payment method.", p.InvoiceRef)
	case "refunded":
		kind = storage.KindRefund
		subject = "Payment refunded"
		body = fmt.Sprintf("Your payment for invoice %s was refunded.", p.InvoiceRef)
	default:
		return nil
	}

	contact, err := n.store.ContactByMember(ctx, e.TenantID, p.MemberID)
	if errors.Is(err, storage.ErrNotFound) {
		n.logger.Warn("no contact for member, skipping notification",
			"member_id", p.MemberID, "tenant_id", e.TenantID, "kind", kind)
		return nil
	}
	if err != nil {
		return err
	}

	return n.deliver(ctx, &ack, storage.Notification{
		TenantID:  e.TenantID,
		MemberID:  p.MemberID,
		Channel:   "email",
		Kind:      kind,
		Recipient: contact.Email,
		Subject:   subject,
		Body:      body,
	})
}

// deliver attempts the send, then records the outcome. A failed send is still
// recorded (status failed) and acked: retrying a permanently broken recipient
// would block the partition for nothing, and the notification.failed event
// exists for followup.
func (n *Notifier) deliver(ctx context.Context, ack *inbox.Ack, note storage.Notification) error {
	note.Status = storage.StatusSent
	if err := n.sender.Send(note.Recipient, note.Subject, note.Body); err != nil {
		n.logger.Error("email send failed", "err", err, "recipient", note.Recipient, "kind", note.Kind)
		note.Status = storage.StatusFailed
		note.Reason = err.Error()
	}

	if _, err := n.store.Record(ctx, ack, note); err != nil {
		return err
	}
	n.logger.Info("notification recorded",
		"kind", note.Kind, "status", note.Status, "member_id", note.MemberID, "tenant_id", note.TenantID)
	return nil
}
