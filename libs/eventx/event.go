// Package eventx defines the domain event envelope exchanged between services
// and its canonical wire encoding.
package eventx

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope every cross-service domain event travels in. The ID
// is globally unique and is the deduplication key: redelivery with the same
// ID must be a no-op for every consumer.
type Event struct {
	ID         string
	Type       string
	TenantID   string
	Producer   string
	OccurredAt time.Time
	Payload    json.RawMessage
}

// New builds an envelope for a freshly produced event.
func New(eventType, tenantID, producer string, payload []byte) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		TenantID:   tenantID,
		Producer:   producer,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// Event types carried on the bus. The Kafka topic name equals the event type
// (one topic per event type, versioned in the name).
const (
	TypeMemberCreated        = "member.created.v1"
	TypeMemberStatusChanged  = "member.status_changed.v1"
	TypeContractCreated      = "contract.created.v1"
	TypeContractStatusChange = "contract.status_changed.v1"
	TypePaymentRecorded      = "payment.recorded.v1"
	TypePaymentStatusChange  = "payment.status_changed.v1"
	TypeNotificationSent     = "notification.sent.v1"
	TypeNotificationFailed   = "notification.failed.v1"
)
