package outbox

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the reference in-memory outbox used in tests and local
// development without Postgres.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	rows   []*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	rec.ID = s.nextID
	rec.Status = StatusPending
	rec.CreatedAt = time.Now().UTC()
	clone := *rec
	s.rows = append(s.rows, &clone)
	return nil
}

// ClaimPending holds the store lock across emit and mark, matching the
// Postgres store's held row locks: a record claimed here is invisible to a
// concurrent claimer until its outcome is applied.
func (s *MemoryStore) ClaimPending(ctx context.Context, limit int, emit EmitFunc) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claimed := 0
	for _, row := range s.rows {
		if row.Status != StatusPending {
			continue
		}
		s.mark(row, emit(ctx, *row))
		claimed++
		if claimed >= limit {
			break
		}
	}
	return claimed, nil
}

func (s *MemoryStore) Claim(ctx context.Context, eventID string, emit EmitFunc) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.rows {
		if row.EventID == eventID && row.Status == StatusPending {
			s.mark(row, emit(ctx, *row))
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) mark(row *Record, res EmitResult) {
	row.Attempts += res.Attempts
	if res.Err != nil {
		row.Status = StatusFailed
		row.LastError = res.Err.Error()
		return
	}
	now := time.Now().UTC()
	row.Status = StatusSent
	row.LastError = ""
	row.SentAt = &now
}

func (s *MemoryStore) RequeueFailed(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.rows {
		if row.EventID == eventID && row.Status == StatusFailed {
			row.Status = StatusPending
			row.LastError = ""
			return true, nil
		}
	}
	return false, nil
}

// FetchPending returns snapshots of pending records, for test assertions on
// what a sweep would pick up.
func (s *MemoryStore) FetchPending(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for _, row := range s.rows {
		if row.Status != StatusPending {
			continue
		}
		out = append(out, *row)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Get returns a snapshot of the record for the given event id.
func (s *MemoryStore) Get(eventID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.rows {
		if row.EventID == eventID {
			return *row, true
		}
	}
	return Record{}, false
}

var _ Store = (*MemoryStore)(nil)
