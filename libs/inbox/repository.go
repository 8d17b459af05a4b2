package inbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/gymflow/gymflow/libs/db"
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Seen(ctx context.Context, group, eventID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM inbox_events WHERE consumer_group = $1 AND event_id = $2
		)
	`, group, eventID).Scan(&exists)
	return exists, err
}

// RecordTx inserts the ledger record inside the caller's transaction.
// Returns false when the (group, event id) pair was already recorded, which
// the caller must treat as a duplicate delivery and roll back.
func (r *Repository) RecordTx(ctx context.Context, tx pgx.Tx, ack Ack) (bool, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO inbox_events (consumer_group, event_id, event_type)
		VALUES ($1, $2, $3)
	`, ack.Group, ack.EventID, ack.EventType)
	if err == nil {
		return true, nil
	}
	if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
		return false, nil
	}
	return false, err
}

func (r *Repository) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM inbox_events WHERE processed_at < $1
	`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

var (
	_ Ledger = (*Repository)(nil)
	_ Purger = (*Repository)(nil)
)
