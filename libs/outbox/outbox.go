// Package outbox implements durability-first event publishing: events are
// appended to a local outbox record before being handed to the broker, so a
// crash between persistence and broker acknowledgment leaves them
// recoverable by the background re-send sweep.
package outbox

import (
	"context"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Record is one durably stored outbound event.
type Record struct {
	ID          int64
	EventID     string
	EventType   string
	TenantID    string
	Key         string
	Envelope    []byte
	Status      Status
	Attempts    int
	LastError   string
	Traceparent string
	Tracestate  string
	CreatedAt   time.Time
	SentAt      *time.Time
}

// EmitFunc publishes one claimed record. A nil Err means the record is marked
// sent; a non-nil Err means transport retries were exhausted and it is marked
// failed with the error retained.
type EmitFunc func(ctx context.Context, rec Record) EmitResult

type EmitResult struct {
	Attempts int
	Err      error
}

// Store persists outbox records. Postgres in production, memory in tests.
//
// Emission goes through the Claim methods: the store locks the pending
// record(s), invokes emit, and applies the outcome before releasing the lock,
// so a record is never visible to two emitters at once.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	// ClaimPending claims up to limit pending records, oldest first, and
	// reports how many were claimed.
	ClaimPending(ctx context.Context, limit int, emit EmitFunc) (int, error)
	// Claim claims the single pending record for eventID. False means no
	// pending record matched: it was already claimed, sent, or failed.
	Claim(ctx context.Context, eventID string, emit EmitFunc) (bool, error)
	// RequeueFailed flips a failed record back to pending for operator
	// reprocessing. Returns false if no failed record matches the event id.
	RequeueFailed(ctx context.Context, eventID string) (bool, error)
}

// Message is the transport-agnostic unit handed to the broker client.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Transport is the broker boundary. The Kafka implementation lives in
// libs/kafkax; tests inject fakes.
type Transport interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// PublishError is surfaced after transport retries are exhausted. The record
// stays in the outbox with status failed; it is never silently dropped.
type PublishError struct {
	EventID  string
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish event %s failed after %d attempts: %v", e.EventID, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
