package tombstone

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// MemoryLedger keeps tombstones in process memory. It suits tests and nodes
// that do not need tombstones to survive a restart.
type MemoryLedger struct {
	mu    sync.RWMutex
	tombs map[string]Tombstone
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{tombs: make(map[string]Tombstone)}
}

func (l *MemoryLedger) IsDeleted(_ context.Context, id string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.tombs[id]
	return ok, nil
}

func (l *MemoryLedger) Record(_ context.Context, t Tombstone) error {
	if t.EntityID == "" {
		return ErrEmptyEntityID
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.tombs[t.EntityID]; !ok {
		l.tombs[t.EntityID] = t
	}
	return nil
}

func (l *MemoryLedger) Get(_ context.Context, id string) (Tombstone, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.tombs[id]
	return t, ok, nil
}

func (l *MemoryLedger) List(_ context.Context) ([]Tombstone, error) {
	l.mu.RLock()
	out := make([]Tombstone, 0, len(l.tombs))
	for _, t := range l.tombs {
		out = append(out, t)
	}
	l.mu.RUnlock()

	slices.SortFunc(out, func(a, b Tombstone) int { return strings.Compare(a.EntityID, b.EntityID) })
	return out, nil
}
