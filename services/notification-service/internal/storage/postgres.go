package storage

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

const producerName = "notification-service"

type Postgres struct {
	pool   *db.Pool
	outbox *outbox.Repository
	inbox  *inbox.Repository
	codec  *eventx.Codec
}

func NewPostgres(pool *db.Pool, ob *outbox.Repository, ib *inbox.Repository, codec *eventx.Codec) *Postgres {
	return &Postgres{pool: pool, outbox: ob, inbox: ib, codec: codec}
}

func (s *Postgres) SaveContact(ctx context.Context, c Contact) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO member_contacts (member_id, tenant_id, name, email)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (member_id) DO UPDATE SET name = $3, email = $4
	`, c.MemberID, c.TenantID, c.Name, c.Email)
	return err
}

func (s *Postgres) ContactByMember(ctx context.Context, tenantID, memberID string) (Contact, error) {
	var c Contact
	err := s.pool.QueryRow(ctx, `
		SELECT member_id, tenant_id, name, email
		FROM member_contacts WHERE member_id = $1 AND tenant_id = $2
	`, memberID, tenantID).Scan(&c.MemberID, &c.TenantID, &c.Name, &c.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contact{}, ErrNotFound
	}
	return c, err
}

func (s *Postgres) Record(ctx context.Context, ack *inbox.Ack, n Notification) (Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Notification{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if ack != nil {
		ok, err := s.inbox.RecordTx(ctx, tx, *ack)
		if err != nil {
			return Notification{}, err
		}
		if !ok {
			return Notification{}, inbox.ErrAlreadyProcessed
		}
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO notifications (id, tenant_id, member_id, channel, kind, recipient, subject, body, status, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`, n.ID, n.TenantID, n.MemberID, n.Channel, n.Kind, n.Recipient, n.Subject, n.Body, n.Status, n.Reason).
		Scan(&n.CreatedAt)
	if err != nil {
		return Notification{}, err
	}

	if err := s.emitTx(ctx, tx, n); err != nil {
		return Notification{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Notification{}, err
	}
	return n, nil
}

func (s *Postgres) emitTx(ctx context.Context, tx pgx.Tx, n Notification) error {
	eventType := eventx.TypeNotificationSent
	if n.Status == StatusFailed {
		eventType = eventx.TypeNotificationFailed
	}
	body, err := json.Marshal(eventx.NotificationSentPayload{
		NotificationID: n.ID,
		MemberID:       n.MemberID,
		Channel:        n.Channel,
		Kind:           n.Kind,
		Recipient:      n.Recipient,
		Reason:         n.Reason,
	})
	if err != nil {
		return err
	}
	e := eventx.New(eventType, n.TenantID, producerName, body)
	envelope, err := s.codec.Encode(e)
	if err != nil {
		return err
	}
	return s.outbox.AppendTx(ctx, tx, &outbox.Record{
		EventID:   e.ID,
		EventType: e.Type,
		TenantID:  n.TenantID,
		Key:       n.TenantID,
		Envelope:  envelope,
	})
}

func (s *Postgres) ListByTenant(ctx context.Context, tenantID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, member_id, channel, kind, recipient, subject, body, status, COALESCE(reason, ''), created_at
		FROM notifications WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.TenantID, &n.MemberID, &n.Channel, &n.Kind, &n.Recipient,
			&n.Subject, &n.Body, &n.Status, &n.Reason, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

var _ Store = (*Postgres)(nil)
