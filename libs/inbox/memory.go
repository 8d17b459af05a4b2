package inbox

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is the in-memory ledger paired with the memory entity stores.
type MemoryLedger struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: map[string]time.Time{}}
}

func (l *MemoryLedger) Seen(_ context.Context, group, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[group+"\x00"+eventID]
	return ok, nil
}

// Record marks the event processed. Returns false on duplicate.
func (l *MemoryLedger) Record(_ context.Context, ack Ack) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ack.Group + "\x00" + ack.EventID
	if _, ok := l.seen[key]; ok {
		return false, nil
	}
	l.seen[key] = time.Now().UTC()
	return true, nil
}

// Forget removes the record, used to roll back a failed logical transaction.
func (l *MemoryLedger) Forget(group, eventID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, group+"\x00"+eventID)
}

func (l *MemoryLedger) Purge(_ context.Context, olderThan time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var purged int64
	for key, at := range l.seen {
		if at.Before(olderThan) {
			delete(l.seen, key)
			purged++
		}
	}
	return purged, nil
}

// backdate is a test hook to age a record.
func (l *MemoryLedger) backdate(group, eventID string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[group+"\x00"+eventID] = at
}

var (
	_ Ledger = (*MemoryLedger)(nil)
	_ Purger = (*MemoryLedger)(nil)
)
