package eventx

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func testCodec() *Codec {
	return NewCodec(NewRegistry(TypeMemberCreated, TypePaymentRecorded))
}

func TestCodec_RoundTrip(t *testing.T) {
	c := testCodec()
	e := Event{
		ID:         "7c1f5d2e-9a14-4b0e-8f37-0d6a1c2b3e4f",
		Type:       TypeMemberCreated,
		TenantID:   "gym-001",
		Producer:   "members-service",
		OccurredAt: time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC),
		Payload:    []byte(`{"member_id":"m-1","name":"Ana"}`),
	}

	raw, err := c.Encode(e)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := c.Decode(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if got.ID != e.ID || got.Type != e.Type || got.TenantID != e.TenantID || got.Producer != e.Producer {
		t.Fatalf("metadata mismatch: got %+v", got)
	}
	if !got.OccurredAt.Equal(e.OccurredAt) {
		t.Fatalf("occurred_at mismatch: got %s want %s", got.OccurredAt, e.OccurredAt)
	}
	if !bytes.Equal(got.Payload, e.Payload) {
		t.Fatalf("payload mismatch: got %s want %s", got.Payload, e.Payload)
	}
}

func TestCodec_EncodeDeterministic(t *testing.T) {
	c := testCodec()
	e := Event{
		ID:         "a",
		Type:       TypePaymentRecorded,
		TenantID:   "gym-002",
		Producer:   "billing-service",
		OccurredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Payload:    []byte(`{"invoice_ref":"inv-9","amount":12900}`),
	}
	first, err := c.Encode(e)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	second, err := c.Encode(e)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("encoding not deterministic:\n%s\n%s", first, second)
	}
}

func TestCodec_DecodeMalformed(t *testing.T) {
	c := testCodec()
	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("{"),
		[]byte(`{"event_type":"member.created.v1"}`),
		[]byte(`{"event_id":"e-1","event_type":"member.created.v1","tenant_id":"t","occurred_at":"not-a-time"}`),
	}
	for _, raw := range cases {
		_, err := c.Decode(raw)
		if !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("input %q: expected ErrMalformedPayload, got %v", raw, err)
		}
	}
}

func TestCodec_DecodeUnknownType(t *testing.T) {
	c := testCodec()
	raw := []byte(`{"event_id":"e-1","event_type":"equipment.retired.v9","tenant_id":"gym-1","producer":"x","occurred_at":"2026-01-01T00:00:00Z","payload":{}}`)
	_, err := c.Decode(raw)
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestCodec_EncodeRejectsUnregisteredType(t *testing.T) {
	c := testCodec()
	_, err := c.Encode(Event{ID: "e", Type: "wearable.synced.v1", TenantID: "t"})
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}
