package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gymflow/gymflow/libs/eventx"
	"github.com/gymflow/gymflow/libs/inbox"
	"github.com/gymflow/gymflow/libs/outbox"
)

// Memory is the reference store used in tests.
type Memory struct {
	mu            sync.Mutex
	contacts      map[string]Contact
	notifications []Notification

	outbox *outbox.MemoryStore
	ledger *inbox.MemoryLedger
	codec  *eventx.Codec
}

func NewMemory(ob *outbox.MemoryStore, ledger *inbox.MemoryLedger, codec *eventx.Codec) *Memory {
	return &Memory{
		contacts: map[string]Contact{},
		outbox:   ob,
		ledger:   ledger,
		codec:    codec,
	}
}

func (s *Memory) SaveContact(_ context.Context, c Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.MemberID] = c
	return nil
}

func (s *Memory) ContactByMember(_ context.Context, tenantID, memberID string) (Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[memberID]
	if !ok || c.TenantID != tenantID {
		return Contact{}, ErrNotFound
	}
	return c, nil
}

func (s *Memory) Record(ctx context.Context, ack *inbox.Ack, n Notification) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ack != nil {
		ok, err := s.ledger.Record(ctx, *ack)
		if err != nil {
			return Notification{}, err
		}
		if !ok {
			return Notification{}, inbox.ErrAlreadyProcessed
		}
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = time.Now().UTC()

	if err := s.emit(ctx, n); err != nil {
		if ack != nil {
			s.ledger.Forget(ack.Group, ack.EventID)
		}
		return Notification{}, err
	}
	s.notifications = append(s.notifications, n)
	return n, nil
}

func (s *Memory) emit(ctx context.Context, n Notification) error {
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
	return s.outbox.Append(ctx, &outbox.Record{
		EventID:   e.ID,
		EventType: e.Type,
		TenantID:  n.TenantID,
		Key:       n.TenantID,
		Envelope:  envelope,
	})
}

func (s *Memory) ListByTenant(_ context.Context, tenantID string, limit int) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var out []Notification
	for _, n := range s.notifications {
		if n.TenantID == tenantID {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*Memory)(nil)
