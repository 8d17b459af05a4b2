package eventx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformedPayload marks truncated or structurally invalid envelopes.
	// Non-fatal: the consumer parks the message and moves on.
	ErrMalformedPayload = errors.New("malformed event payload")
	// ErrUnknownType marks an envelope whose event type is not registered.
	ErrUnknownType = errors.New("unknown event type")
)

// Codec translates between Event and its canonical byte encoding. Encoding is
// deterministic: the same logical event always yields byte-identical output,
// which keeps content hashing usable as a dedup fallback.
type Codec struct {
	registry *Registry
}

func NewCodec(registry *Registry) *Codec {
	return &Codec{registry: registry}
}

// wireEvent fixes the field order of the encoded envelope.
type wireEvent struct {
	ID         string          `json:"event_id"`
	Type       string          `json:"event_type"`
	TenantID   string          `json:"tenant_id"`
	Producer   string          `json:"producer"`
	OccurredAt string          `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

func (c *Codec) Encode(e Event) ([]byte, error) {
	if e.ID == "" || e.Type == "" || e.TenantID == "" {
		return nil, fmt.Errorf("encode: event id, type and tenant are required")
	}
	if !c.registry.Known(e.Type) {
		return nil, fmt.Errorf("encode %q: %w", e.Type, ErrUnknownType)
	}

	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	return json.Marshal(wireEvent{
		ID:         e.ID,
		Type:       e.Type,
		TenantID:   e.TenantID,
		Producer:   e.Producer,
		OccurredAt: e.OccurredAt.UTC().Format(time.RFC3339Nano),
		Payload:    json.RawMessage(compact.Bytes()),
	})
}

func (c *Codec) Decode(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if w.ID == "" || w.Type == "" || w.TenantID == "" {
		return Event{}, fmt.Errorf("%w: missing event_id, event_type or tenant_id", ErrMalformedPayload)
	}
	occurredAt, err := time.Parse(time.RFC3339Nano, w.OccurredAt)
	if err != nil {
		return Event{}, fmt.Errorf("%w: bad occurred_at %q", ErrMalformedPayload, w.OccurredAt)
	}
	if !c.registry.Known(w.Type) {
		return Event{}, fmt.Errorf("decode %q: %w", w.Type, ErrUnknownType)
	}

	return Event{
		ID:         w.ID,
		Type:       w.Type,
		TenantID:   w.TenantID,
		Producer:   w.Producer,
		OccurredAt: occurredAt.UTC(),
		Payload:    w.Payload,
	}, nil
}
