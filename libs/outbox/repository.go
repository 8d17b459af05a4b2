package outbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/gymflow/gymflow/libs/db"
	otelx "github.com/gymflow/gymflow/libs/otel"
)

// Repository is the Postgres-backed outbox store. AppendTx joins the caller's
// entity transaction so the outbox row commits atomically with the mutation
// that produced the event.
type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) AppendTx(ctx context.Context, tx pgx.Tx, rec *Record) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	rec.Traceparent = traceparent
	rec.Tracestate = tracestate
	return tx.QueryRow(ctx, `
		INSERT INTO outbox_events (event_id, event_type, tenant_id, key, envelope, status, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7)
		RETURNING id, created_at
	`, rec.EventID, rec.EventType, rec.TenantID, rec.Key, rec.Envelope, traceparent, tracestate).
		Scan(&rec.ID, &rec.CreatedAt)
}

func (r *Repository) Append(ctx context.Context, rec *Record) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := r.AppendTx(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ClaimPending locks a batch of pending records and emits them while the
// transaction is still open, so the row locks outlive the SELECT. FOR UPDATE
// releases at transaction end; emitting outside the transaction would let a
// second sweeper, or the synchronous publish path, pick up the same rows.
func (r *Repository) ClaimPending(ctx context.Context, limit int, emit EmitFunc) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	records, err := fetchTx(ctx, tx, `
		SELECT id, event_id, event_type, tenant_id, key, envelope, status, attempts,
		       COALESCE(last_error, ''), COALESCE(traceparent, ''), COALESCE(tracestate, ''), created_at, sent_at
		FROM outbox_events
		WHERE status = 'pending'
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		if err := markTx(ctx, tx, rec.ID, emit(ctx, rec)); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(records), nil
}

// Claim locks the pending record for eventID and emits it in the same
// transaction. The lock wait re-evaluates the status predicate, so a record
// swept concurrently comes back as zero rows rather than a double emission.
func (r *Repository) Claim(ctx context.Context, eventID string, emit EmitFunc) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	records, err := fetchTx(ctx, tx, `
		SELECT id, event_id, event_type, tenant_id, key, envelope, status, attempts,
		       COALESCE(last_error, ''), COALESCE(traceparent, ''), COALESCE(tracestate, ''), created_at, sent_at
		FROM outbox_events
		WHERE event_id = $1 AND status = 'pending'
		FOR UPDATE
	`, eventID)
	if err != nil {
		return false, err
	}
	if len(records) == 0 {
		return false, nil
	}
	if err := markTx(ctx, tx, records[0].ID, emit(ctx, records[0])); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func fetchTx(ctx context.Context, tx pgx.Tx, query string, args ...any) ([]Record, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.EventType, &rec.TenantID, &rec.Key, &rec.Envelope,
			&rec.Status, &rec.Attempts, &rec.LastError, &rec.Traceparent, &rec.Tracestate, &rec.CreatedAt, &rec.SentAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func markTx(ctx context.Context, tx pgx.Tx, id int64, res EmitResult) error {
	if res.Err != nil {
		_, err := tx.Exec(ctx, `
			UPDATE outbox_events
			SET status = 'failed', attempts = attempts + $2, last_error = $3
			WHERE id = $1
		`, id, res.Attempts, res.Err.Error())
		return err
	}
	_, err := tx.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'sent', attempts = attempts + $2, sent_at = $3, last_error = NULL
		WHERE id = $1
	`, id, res.Attempts, time.Now().UTC())
	return err
}

func (r *Repository) RequeueFailed(ctx context.Context, eventID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'pending', last_error = NULL
		WHERE event_id = $1 AND status = 'failed'
	`, eventID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

var _ Store = (*Repository)(nil)
