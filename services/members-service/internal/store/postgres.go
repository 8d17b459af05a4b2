package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/gymflow/gymflow/libs/db"
	"github.com/gymflow/gymflow/libs/eventx"
	"github.com/gymflow/gymflow/libs/inbox"
	"github.com/gymflow/gymflow/libs/outbox"
)

// Postgres is the production store. Entity mutation, outbox append and (for
// event-driven commands) the idempotency ledger record commit in one
// transaction; that transaction is the exactly-once boundary.
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

func (s *Postgres) CreateMember(ctx context.Context, cmd CreateMember) (Member, error) {
	if err := cmd.validate(); err != nil {
		return Member{}, err
	}
	id := cmd.ID
	if id == "" {
		id = uuid.NewString()
	}

	var m Member
	err := s.apply(ctx, cmd.Ack, func(tx pgx.Tx) error {
		existing, found, err := memberForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if found {
			if existing.TenantID != cmd.TenantID {
				return ErrTenantMismatch
			}
			return ErrAlreadyExists
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO members (id, tenant_id, name, email, cpf, status)
			VALUES ($1, $2, $3, $4, $5, 'pending')
			RETURNING id, tenant_id, name, email, COALESCE(cpf, ''), status, created_at
		`, id, cmd.TenantID, cmd.Name, cmd.Email, nullIfEmpty(cmd.CPF)).
			Scan(&m.ID, &m.TenantID, &m.Name, &m.Email, &m.CPF, &m.Status, &m.CreatedAt)
		if err != nil {
			return err
		}

		return s.emitTx(ctx, tx, eventx.TypeMemberCreated, cmd.TenantID, eventx.MemberCreatedPayload{
			MemberID: m.ID,
			Name:     m.Name,
			Email:    m.Email,
			CPF:      m.CPF,
			Status:   string(m.Status),
		})
	})
	if err != nil {
		return Member{}, err
	}
	return m, nil
}

func (s *Postgres) UpdateMemberStatus(ctx context.Context, cmd UpdateMemberStatus) (Member, error) {
	if err := cmd.validate(); err != nil {
		return Member{}, err
	}

	var m Member
	err := s.apply(ctx, cmd.Ack, func(tx pgx.Tx) error {
		current, found, err := memberForUpdate(ctx, tx, cmd.MemberID)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		if current.TenantID != cmd.TenantID {
			return ErrTenantMismatch
		}
		if !memberCanTransition(current.Status, cmd.Status) {
			return ErrIllegalTransition
		}

		if _, err := tx.Exec(ctx, `
			UPDATE members SET status = $2 WHERE id = $1
		`, cmd.MemberID, cmd.Status); err != nil {
			return err
		}
		m = current
		m.Status = cmd.Status

		return s.emitTx(ctx, tx, eventx.TypeMemberStatusChanged, cmd.TenantID, eventx.MemberStatusChangedPayload{
			MemberID: m.ID,
			From:     string(current.Status),
			To:       string(m.Status),
		})
	})
	if err != nil {
		return Member{}, err
	}
	return m, nil
}

func (s *Postgres) GetMember(ctx context.Context, tenantID, id string) (Member, error) {
	var m Member
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, email, COALESCE(cpf, ''), status, created_at
		FROM members WHERE id = $1
	`, id).Scan(&m.ID, &m.TenantID, &m.Name, &m.Email, &m.CPF, &m.Status, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Member{}, ErrNotFound
	}
	if err != nil {
		return Member{}, err
	}
	if m.TenantID != tenantID {
		return Member{}, ErrTenantMismatch
	}
	return m, nil
}

func (s *Postgres) CreateContract(ctx context.Context, cmd CreateContract) (Contract, error) {
	if err := cmd.validate(); err != nil {
		return Contract{}, err
	}
	id := cmd.ID
	if id == "" {
		id = uuid.NewString()
	}

	var c Contract
	err := s.apply(ctx, cmd.Ack, func(tx pgx.Tx) error {
		member, found, err := memberForUpdate(ctx, tx, cmd.MemberID)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		if member.TenantID != cmd.TenantID {
			return ErrTenantMismatch
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO contracts (id, tenant_id, member_id, plan_type, start_date, end_date, value_cents, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'active')
			ON CONFLICT (id) DO NOTHING
			RETURNING id, tenant_id, member_id, plan_type, start_date, end_date, value_cents, status, created_at
		`, id, cmd.TenantID, cmd.MemberID, cmd.PlanType, cmd.StartDate, cmd.EndDate, cmd.ValueCents).
			Scan(&c.ID, &c.TenantID, &c.MemberID, &c.PlanType, &c.StartDate, &c.EndDate, &c.ValueCents, &c.Status, &c.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAlreadyExists
		}
		if err != nil {
			return err
		}

		return s.emitTx(ctx, tx, eventx.TypeContractCreated, cmd.TenantID, eventx.ContractCreatedPayload{
			ContractID: c.ID,
			MemberID:   c.MemberID,
			PlanType:   c.PlanType,
			StartDate:  c.StartDate,
			EndDate:    c.EndDate,
			ValueCents: c.ValueCents,
			Status:     string(c.Status),
		})
	})
	if err != nil {
		return Contract{}, err
	}
	return c, nil
}

func (s *Postgres) TransitionContractStatus(ctx context.Context, cmd TransitionContractStatus) (Contract, error) {
	if err := cmd.validate(); err != nil {
		return Contract{}, err
	}

	var c Contract
	err := s.apply(ctx, cmd.Ack, func(tx pgx.Tx) error {
		current, found, err := contractForUpdate(ctx, tx, cmd.ContractID)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		if current.TenantID != cmd.TenantID {
			return ErrTenantMismatch
		}
		if !contractCanTransition(current.Status, cmd.Status) {
			return ErrIllegalTransition
		}

		if _, err := tx.Exec(ctx, `
			UPDATE contracts SET status = $2 WHERE id = $1
		`, cmd.ContractID, cmd.Status); err != nil {
			return err
		}
		c = current
		c.Status = cmd.Status

		return s.emitTx(ctx, tx, eventx.TypeContractStatusChange, cmd.TenantID, eventx.ContractStatusChangedPayload{
			ContractID: c.ID,
			MemberID:   c.MemberID,
			From:       string(current.Status),
			To:         string(c.Status),
		})
	})
	if err != nil {
		return Contract{}, err
	}
	return c, nil
}

func (s *Postgres) GetContract(ctx context.Context, tenantID, id string) (Contract, error) {
	var c Contract
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, member_id, plan_type, start_date, end_date, value_cents, status, created_at
		FROM contracts WHERE id = $1
	`, id).Scan(&c.ID, &c.TenantID, &c.MemberID, &c.PlanType, &c.StartDate, &c.EndDate, &c.ValueCents, &c.Status, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contract{}, ErrNotFound
	}
	if err != nil {
		return Contract{}, err
	}
	if c.TenantID != tenantID {
		return Contract{}, ErrTenantMismatch
	}
	return c, nil
}

func memberForUpdate(ctx context.Context, tx pgx.Tx, id string) (Member, bool, error) {
	var m Member
	err := tx.QueryRow(ctx, `
		SELECT id, tenant_id, name, email, COALESCE(cpf, ''), status, created_at
		FROM members WHERE id = $1
		FOR UPDATE
	`, id).Scan(&m.ID, &m.TenantID, &m.Name, &m.Email, &m.CPF, &m.Status, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Member{}, false, nil
	}
	if err != nil {
		return Member{}, false, err
	}
	return m, true, nil
}

func contractForUpdate(ctx context.Context, tx pgx.Tx, id string) (Contract, bool, error) {
	var c Contract
	err := tx.QueryRow(ctx, `
		SELECT id, tenant_id, member_id, plan_type, start_date, end_date, value_cents, status, created_at
		FROM contracts WHERE id = $1
		FOR UPDATE
	`, id).Scan(&c.ID, &c.TenantID, &c.MemberID, &c.PlanType, &c.StartDate, &c.EndDate, &c.ValueCents, &c.Status, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contract{}, false, nil
	}
	if err != nil {
		return Contract{}, false, err
	}
	return c, true, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ Store = (*Postgres)(nil)
