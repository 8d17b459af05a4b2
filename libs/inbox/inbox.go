// Package inbox is the idempotency ledger: per-consumer-group records of
// processed event ids. The ledger write happens inside the entity store's
// transaction, which is what makes consumer-side application exactly-once.
package inbox

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadyProcessed reports that the ledger already holds the (group,
// event id) pair. Consumers treat it as a duplicate delivery, not a failure.
var ErrAlreadyProcessed = errors.New("event already processed")

// Ack identifies the delivery being applied. Commands carrying an Ack couple
// the ledger write to the entity mutation; both commit or neither does.
type Ack struct {
	Group     string
	EventID   string
	EventType string
}

// Ledger answers whether a consumer group has already processed an event.
// The read is advisory (dedup fast path); the authoritative insert happens in
// the store transaction and wins on conflict.
type Ledger interface {
	Seen(ctx context.Context, group, eventID string) (bool, error)
}

// Purger removes ledger records older than a horizon. Safe because broker
// redelivery windows are assumed shorter than the horizon; redeliveries older
// than it are an accepted, documented risk.
type Purger interface {
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}
