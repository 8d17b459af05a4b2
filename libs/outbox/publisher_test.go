package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/gymflow/gymflow/libs/eventx"
)

type flakyTransport struct {
	mu       sync.Mutex
	failures int
	sent     []Message
}

func (t *flakyTransport) Publish(_ context.Context, msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failures > 0 {
		t.failures--
		return errors.New("broker unavailable")
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *flakyTransport) Close() error { return nil }

func (t *flakyTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func testPublisher(t *testing.T, transport Transport, maxAttempts int) (*Publisher, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	codec := eventx.NewCodec(eventx.NewRegistry(eventx.TypeMemberCreated))
	logger := slog.New(slog.DiscardHandler)
	pub := NewPublisher(store, transport, codec, logger, PublisherConfig{
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
		MaxAttempts: maxAttempts,
	})
	return pub, store
}

func memberCreated(id string) eventx.Event {
	return eventx.Event{
		ID:         id,
		Type:       eventx.TypeMemberCreated,
		TenantID:   "gym-1",
		Producer:   "members-service",
		OccurredAt: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
		Payload:    []byte(`{"member_id":"m-1"}`),
	}
}

func TestPublisher_RetriesThenSucceeds(t *testing.T) {
	transport := &flakyTransport{failures: 2}
	pub, store := testPublisher(t, transport, 5)

	if err := pub.Publish(context.Background(), memberCreated("evt-1")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if got := transport.sentCount(); got != 1 {
		t.Fatalf("expected exactly 1 broker emission, got %d", got)
	}
	rec, ok := store.Get("evt-1")
	if !ok {
		t.Fatal("outbox record missing")
	}
	if rec.Status != StatusSent {
		t.Fatalf("expected status sent, got %s", rec.Status)
	}
	if rec.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", rec.Attempts)
	}
	if rec.SentAt == nil {
		t.Fatal("sent_at not set")
	}
}

func TestPublisher_ExhaustsRetriesAndMarksFailed(t *testing.T) {
	transport := &flakyTransport{failures: 100}
	pub, store := testPublisher(t, transport, 5)

	err := pub.Publish(context.Background(), memberCreated("evt-2"))
	var pubErr *PublishError
	if !errors.As(err, &pubErr) {
		t.Fatalf("expected PublishError, got %v", err)
	}
	if pubErr.Attempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", pubErr.Attempts)
	}

	rec, ok := store.Get("evt-2")
	if !ok {
		t.Fatal("outbox record missing")
	}
	if rec.Status != StatusFailed {
		t.Fatalf("expected status failed, got %s", rec.Status)
	}
	if rec.LastError == "" {
		t.Fatal("expected last error to be retained")
	}
}

func TestPublisher_RequeueFailedIsSweepable(t *testing.T) {
	transport := &flakyTransport{failures: 100}
	pub, store := testPublisher(t, transport, 2)

	_ = pub.Publish(context.Background(), memberCreated("evt-3"))

	transport.mu.Lock()
	transport.failures = 0
	transport.mu.Unlock()

	ok, err := store.RequeueFailed(context.Background(), "evt-3")
	if err != nil || !ok {
		t.Fatalf("requeue failed: ok=%v err=%v", ok, err)
	}
	if err := pub.sweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	rec, _ := store.Get("evt-3")
	if rec.Status != StatusSent {
		t.Fatalf("expected status sent after requeue+sweep, got %s", rec.Status)
	}
}

func TestSweep_ConcurrentSweepersEmitEachRecordOnce(t *testing.T) {
	transport := &flakyTransport{}
	pub, store := testPublisher(t, transport, 5)

	const records = 10
	for i := 0; i < records; i++ {
		rec := Record{
			EventID:   fmt.Sprintf("evt-%d", i),
			EventType: eventx.TypeMemberCreated,
			TenantID:  "gym-1",
			Key:       "gym-1",
			Envelope:  []byte(`{"member_id":"m-1"}`),
		}
		if err := store.Append(context.Background(), &rec); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pub.sweep(context.Background()); err != nil {
				t.Errorf("sweep failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := transport.sentCount(); got != records {
		t.Fatalf("expected each of %d records emitted exactly once, got %d emissions", records, got)
	}
	for i := 0; i < records; i++ {
		rec, _ := store.Get(fmt.Sprintf("evt-%d", i))
		if rec.Status != StatusSent {
			t.Fatalf("record %d: expected status sent, got %s", i, rec.Status)
		}
	}
}

func TestClaim_SkipsRecordAlreadySwept(t *testing.T) {
	transport := &flakyTransport{}
	pub, store := testPublisher(t, transport, 5)

	rec := Record{
		EventID:   "evt-raced",
		EventType: eventx.TypeMemberCreated,
		TenantID:  "gym-1",
		Key:       "gym-1",
		Envelope:  []byte(`{"member_id":"m-1"}`),
	}
	if err := store.Append(context.Background(), &rec); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := pub.sweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	claimed, err := store.Claim(context.Background(), "evt-raced", func(context.Context, Record) EmitResult {
		t.Error("re-emitted a record the sweep already sent")
		return EmitResult{Attempts: 1}
	})
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if claimed {
		t.Fatal("expected claim to find nothing pending")
	}
	if got := transport.sentCount(); got != 1 {
		t.Fatalf("expected a single emission, got %d", got)
	}
}

func TestSweep_ResumesPersistedTraceContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	transport := &flakyTransport{}
	pub, store := testPublisher(t, transport, 5)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	rec := Record{
		EventID:     "evt-trace",
		EventType:   eventx.TypeMemberCreated,
		TenantID:    "gym-1",
		Key:         "gym-1",
		Envelope:    []byte(`{"member_id":"m-1"}`),
		Traceparent: "00-" + traceID + "-00f067aa0ba902b7-01",
	}
	if err := store.Append(context.Background(), &rec); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := pub.sweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 publish span, got %d", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != traceID {
		t.Fatalf("expected publish span to continue trace %s, got %s", traceID, got)
	}
}
