package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/gymflow/gymflow/libs/db"
	"github.com/gymflow/gymflow/libs/eventx"
	"github.com/gymflow/gymflow/libs/inbox"
	"github.com/gymflow/gymflow/libs/outbox"
	"github.com/jackc/pgx/v5"
)

// Postgres is the production store. As in the members service, entity
// mutation, outbox append and the idempotency ledger record commit in one
// transaction.
type Postgres struct {
	pool   *db.Pool
	outbox *outbox.Repository
	inbox  *inbox.Repository
	codec  *eventx.Codec
}

func NewPostgres(pool *db.Pool, ob *outbox.Repository, ib *inbox.Repository, codec *eventx.Codec) *Postgres {
	return &Postgres{pool: pool, outbox: ob, inbox: ib, codec: codec}
}

func (s *Postgres) apply(ctx context.Context, ack *inbox.Ack, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if ack != nil {
		ok, err := s.inbox.RecordTx(ctx, tx, *ack)
		if err != nil {
			return err
		}
		if !ok {
			return inbox.ErrAlreadyProcessed
		}
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Postgres) emitTx(ctx context.Context, tx pgx.Tx, eventType, tenantID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	e := eventx.New(eventType, tenantID, producerName, body)
	envelope, err := s.codec.Encode(e)
	if err != nil {
		return err
	}
	return s.outbox.AppendTx(ctx, tx, &outbox.Record{
		EventID:   e.ID,
		EventType: e.Type,
		TenantID:  tenantID,
		Key:       tenantID,
		Envelope:  envelope,
	})
}

func (s *Postgres) RecordPayment(ctx context.Context, cmd RecordPayment) (Payment, error) {
	if err := cmd.validate(); err != nil {
		return Payment{}, err
	}
	id := cmd.ID
	if id == "" {
		id = uuid.NewString()
	}

	var p Payment
	err := s.apply(ctx, cmd.Ack, func(tx pgx.Tx) error {
		if cmd.SubscriptionID != "" {
			sub, found, err := subscriptionForUpdate(ctx, tx, cmd.SubscriptionID)
			if err != nil {
				return err
			}
			if !found {
				return ErrNotFound
			}
			if sub.TenantID != cmd.TenantID {
				return ErrTenantMismatch
			}
		}

		err := tx.QueryRow(ctx, `
			INSERT INTO payments (id, tenant_id, member_id, invoice_ref, amount_cents, method, status, transaction_id, subscription_id)
			VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8)
			ON CONFLICT (id) DO NOTHING
			RETURNING id, tenant_id, member_id, invoice_ref, amount_cents, method, status, COALESCE(transaction_id, ''), COALESCE(subscription_id, ''), created_at
		`, id, cmd.TenantID, cmd.MemberID, cmd.InvoiceRef, cmd.AmountCents, cmd.Method, nullIfEmpty(cmd.TransactionID), nullIfEmpty(cmd.SubscriptionID)).
			Scan(&p.ID, &p.TenantID, &p.MemberID, &p.InvoiceRef, &p.AmountCents, &p.Method, &p.Status, &p.TransactionID, &p.SubscriptionID, &p.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAlreadyExists
		}
		if err != nil {
			return err
		}

		return s.emitTx(ctx, tx, eventx.TypePaymentRecorded, cmd.TenantID, eventx.PaymentRecordedPayload{
			PaymentID:     p.ID,
			MemberID:      p.MemberID,
			InvoiceRef:    p.InvoiceRef,
			AmountCents:   p.AmountCents,
			Method:        p.Method,
			Status:        string(p.Status),
			TransactionID: p.TransactionID,
		})
	})
	if err != nil {
		return Payment{}, err
	}
	return p, nil
}

func (s *Postgres) TransitionPaymentStatus(ctx context.Context, cmd TransitionPaymentStatus) (Payment, error) {
	if err := cmd.validate(); err != nil {
		return Payment{}, err
	}

	var p Payment
	err := s.apply(ctx, cmd.Ack, func(tx pgx.Tx) error {
		current, found, err := paymentForUpdate(ctx, tx, cmd.PaymentID)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		if current.TenantID != cmd.TenantID {
			return ErrTenantMismatch
		}
		if !paymentCanTransition(current.Status, cmd.Status) {
			return ErrIllegalTransition
		}

		if _, err := tx.Exec(ctx, `
			UPDATE payments SET status = $2 WHERE id = $1
		`, cmd.PaymentID, cmd.Status); err != nil {
			return err
		}
		p = current
		p.Status = cmd.Status

		if err := s.applyDunningTx(ctx, tx, &p); err != nil {
			return err
		}

		return s.emitTx(ctx, tx, eventx.TypePaymentStatusChange, cmd.TenantID, eventx.PaymentStatusChangedPayload{
			PaymentID:  p.ID,
			MemberID:   p.MemberID,
			InvoiceRef: p.InvoiceRef,
			From:       string(current.Status),
			To:         string(p.Status),
		})
	})
	if err != nil {
		return Payment{}, err
	}
	return p, nil
}

// applyDunningTx moves the linked subscription between active and past_due in
// the same transaction as the payment status change.
func (s *Postgres) applyDunningTx(ctx context.Context, tx pgx.Tx, p *Payment) error {
	if p.SubscriptionID == "" {
		return nil
	}
	sub, found, err := subscriptionForUpdate(ctx, tx, p.SubscriptionID)
	if err != nil || !found {
		return err
	}

	var next SubscriptionStatus
	switch {
	case p.Status == PaymentFailed && sub.Status == SubscriptionActive:
		next = SubscriptionPastDue
	case p.Status == PaymentCompleted && sub.Status == SubscriptionPastDue:
		next = SubscriptionActive
	default:
		return nil
	}
	_, err = tx.Exec(ctx, `
		UPDATE subscriptions SET status = $2 WHERE id = $1
	`, sub.ID, next)
	return err
}

func (s *Postgres) GetPayment(ctx context.Context, tenantID, id string) (Payment, error) {
	var p Payment
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, member_id, invoice_ref, amount_cents, method, status, COALESCE(transaction_id, ''), COALESCE(subscription_id, ''), created_at
		FROM payments WHERE id = $1
	`, id).Scan(&p.ID, &p.TenantID, &p.MemberID, &p.InvoiceRef, &p.AmountCents, &p.Method, &p.Status, &p.TransactionID, &p.SubscriptionID, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, err
	}
	if p.TenantID != tenantID {
		return Payment{}, ErrTenantMismatch
	}
	return p, nil
}

func (s *Postgres) OpenSubscription(ctx context.Context, cmd OpenSubscription) (Subscription, error) {
	if err := cmd.validate(); err != nil {
		return Subscription{}, err
	}

	var sub Subscription
	err := s.apply(ctx, cmd.Ack, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO subscriptions (id, tenant_id, member_id, plan, status, started_at, ends_at)
			VALUES ($1, $2, $3, $4, 'active', $5, $6)
			ON CONFLICT (id) DO NOTHING
			RETURNING id, tenant_id, member_id, plan, status, started_at, ends_at
		`, cmd.ContractID, cmd.TenantID, cmd.MemberID, cmd.Plan, cmd.StartedAt, cmd.EndsAt).
			Scan(&sub.ID, &sub.TenantID, &sub.MemberID, &sub.Plan, &sub.Status, &sub.StartedAt, &sub.EndsAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAlreadyExists
		}
		return err
	})
	if err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

func (s *Postgres) TransitionSubscriptionStatus(ctx context.Context, cmd TransitionSubscriptionStatus) (Subscription, error) {
	if err := cmd.validate(); err != nil {
		return Subscription{}, err
	}

	var sub Subscription
	err := s.apply(ctx, cmd.Ack, func(tx pgx.Tx) error {
		current, found, err := subscriptionForUpdate(ctx, tx, cmd.SubscriptionID)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		if current.TenantID != cmd.TenantID {
			return ErrTenantMismatch
		}
		if !subscriptionCanTransition(current.Status, cmd.Status) {
			return ErrIllegalTransition
		}

		if _, err := tx.Exec(ctx, `
			UPDATE subscriptions SET status = $2 WHERE id = $1
		`, cmd.SubscriptionID, cmd.Status); err != nil {
			return err
		}
		sub = current
		sub.Status = cmd.Status
		return nil
	})
	if err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

func (s *Postgres) GetSubscription(ctx context.Context, tenantID, id string) (Subscription, error) {
	var sub Subscription
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, member_id, plan, status, started_at, ends_at
		FROM subscriptions WHERE id = $1
	`, id).Scan(&sub.ID, &sub.TenantID, &sub.MemberID, &sub.Plan, &sub.Status, &sub.StartedAt, &sub.EndsAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, err
	}
	if sub.TenantID != tenantID {
		return Subscription{}, ErrTenantMismatch
	}
	return sub, nil
}

func (s *Postgres) UpsertMemberProjection(ctx context.Context, cmd UpsertMemberProjection) (MemberProjection, error) {
	if err := cmd.validate(); err != nil {
		return MemberProjection{}, err
	}

	var m MemberProjection
	err := s.apply(ctx, cmd.Ack, func(tx pgx.Tx) error {
		var existingTenant string
		err := tx.QueryRow(ctx, `
			SELECT tenant_id FROM member_projections WHERE id = $1 FOR UPDATE
		`, cmd.MemberID).Scan(&existingTenant)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if err == nil && existingTenant != cmd.TenantID {
			return ErrTenantMismatch
		}

		return tx.QueryRow(ctx, `
			INSERT INTO member_projections (id, tenant_id, name, email, status)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET name = $3, email = $4, status = $5
			RETURNING id, tenant_id, name, email, status
		`, cmd.MemberID, cmd.TenantID, cmd.Name, cmd.Email, cmd.Status).
			Scan(&m.ID, &m.TenantID, &m.Name, &m.Email, &m.Status)
	})
	if err != nil {
		return MemberProjection{}, err
	}
	return m, nil
}

func (s *Postgres) SetMemberProjectionStatus(ctx context.Context, cmd SetMemberProjectionStatus) (MemberProjection, error) {
	if err := cmd.validate(); err != nil {
		return MemberProjection{}, err
	}

	var m MemberProjection
	err := s.apply(ctx, cmd.Ack, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT id, tenant_id, name, email, status
			FROM member_projections WHERE id = $1
			FOR UPDATE
		`, cmd.MemberID).Scan(&m.ID, &m.TenantID, &m.Name, &m.Email, &m.Status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if m.TenantID != cmd.TenantID {
			return ErrTenantMismatch
		}

		if _, err := tx.Exec(ctx, `
			UPDATE member_projections SET status = $2 WHERE id = $1
		`, cmd.MemberID, cmd.Status); err != nil {
			return err
		}
		m.Status = cmd.Status
		return nil
	})
	if err != nil {
		return MemberProjection{}, err
	}
	return m, nil
}

func (s *Postgres) GetMemberProjection(ctx context.Context, tenantID, id string) (MemberProjection, error) {
	var m MemberProjection
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, email, status
		FROM member_projections WHERE id = $1
	`, id).Scan(&m.ID, &m.TenantID, &m.Name, &m.Email, &m.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return MemberProjection{}, ErrNotFound
	}
	if err != nil {
		return MemberProjection{}, err
	}
	if m.TenantID != tenantID {
		return MemberProjection{}, ErrTenantMismatch
	}
	return m, nil
}

func paymentForUpdate(ctx context.Context, tx pgx.Tx, id string) (Payment, bool, error) {
	var p Payment
	err := tx.QueryRow(ctx, `
		SELECT id, tenant_id, member_id, invoice_ref, amount_cents, method, status, COALESCE(transaction_id, ''), COALESCE(subscription_id, ''), created_at
		FROM payments WHERE id = $1
		FOR UPDATE
	`, id).Scan(&p.ID, &p.TenantID, &p.MemberID, &p.InvoiceRef, &p.AmountCents, &p.Method, &p.Status, &p.TransactionID, &p.SubscriptionID, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, false, nil
	}
	if err != nil {
		return Payment{}, false, err
	}
	return p, true, nil
}

func subscriptionForUpdate(ctx context.Context, tx pgx.Tx, id string) (Subscription, bool, error) {
	var sub Subscription
	err := tx.QueryRow(ctx, `
		SELECT id, tenant_id, member_id, plan, status, started_at, ends_at
		FROM subscriptions WHERE id = $1
		FOR UPDATE
	`, id).Scan(&sub.ID, &sub.TenantID, &sub.MemberID, &sub.Plan, &sub.Status, &sub.StartedAt, &sub.EndsAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, false, nil
	}
	if err != nil {
		return Subscription{}, false, err
	}
	return sub, true, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ Store = (*Postgres)(nil)
