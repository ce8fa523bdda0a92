package correlator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gatewatch/internal/model"
	"gatewatch/internal/repository"
)

// Ledger is the set of plates currently inside, shared by every lane. All access is
// serialized; changes are written through to the repository when one is configured.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]model.LedgerEntry
	repo    repository.LedgerRepository
}

// NewLedger creates a ledger. A nil repo keeps the ledger in memory only.
func NewLedger(repo repository.LedgerRepository) *Ledger {
	return &Ledger{
		entries: make(map[string]model.LedgerEntry),
		repo:    repo,
	}
}

// Load replaces the in-memory state with the persisted one.
func (l *Ledger) Load(ctx context.Context) error {
	if l.repo == nil {
		return nil
	}

	stored, err := l.repo.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to load ledger: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]model.LedgerEntry, len(stored))
	for _, e := range stored {
		l.entries[e.Plate] = e
	}
	return nil
}

// Admit adds entry unless its plate is already inside. It reports whether the plate was
// added. A persistence error is returned after the in-memory state has changed.
func (l *Ledger) Admit(ctx context.Context, entry model.LedgerEntry) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[entry.Plate]; ok {
		return false, nil
	}
	l.entries[entry.Plate] = entry

	if l.repo != nil {
		if err := l.repo.Put(ctx, entry); err != nil {
			return true, fmt.Errorf("failed to persist ledger entry %s: %w", entry.Plate, err)
		}
	}
	return true, nil
}

// Release removes plate and returns the entry it had. ok is false when the plate was not inside.
func (l *Ledger) Release(ctx context.Context, plate string) (entry model.LedgerEntry, ok bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok = l.entries[plate]
	if !ok {
		return model.LedgerEntry{}, false, nil
	}
	delete(l.entries, plate)

	if l.repo != nil {
		if err := l.repo.Delete(ctx, plate); err != nil {
			return entry, true, fmt.Errorf("failed to remove ledger entry %s: %w", plate, err)
		}
	}
	return entry, true, nil
}

func (l *Ledger) Has(plate string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[plate]
	return ok
}

// List returns the plates inside, oldest entry first.
func (l *Ledger) List() []model.LedgerEntry {
	l.mu.Lock()
	entries := make([]model.LedgerEntry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	l.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].EnteredAt.Equal(entries[j].EnteredAt) {
			return entries[i].Plate < entries[j].Plate
		}
		return entries[i].EnteredAt.Before(entries[j].EnteredAt)
	})
	return entries
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
