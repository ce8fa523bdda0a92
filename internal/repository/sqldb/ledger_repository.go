package sqldb

import (
	"context"
	"fmt"

	"gatewatch/internal/model"
	"gatewatch/internal/repository"
)

// LedgerRepository persists the active plate ledger.
type LedgerRepository struct {
	db *DB
}

func NewLedgerRepository(db *DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

var _ repository.LedgerRepository = (*LedgerRepository)(nil)

// Put records a plate as inside, replacing any previous entry for it.
func (r *LedgerRepository) Put(ctx context.Context, entry model.LedgerEntry) error {
	r.db.Lock()
	defer r.db.Unlock()

	_, err := r.db.Conn().ExecContext(ctx, r.db.Rebind(`
		INSERT INTO active_plates (plate, event_id, lane, entered_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (plate) DO UPDATE SET
			event_id = excluded.event_id,
			lane = excluded.lane,
			entered_at = excluded.entered_at
	`), entry.Plate, entry.EventID, entry.Lane, entry.EnteredAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to put ledger entry: %w", err)
	}
	return nil
}

// Delete removes a plate. Deleting an absent plate is not an error.
func (r *LedgerRepository) Delete(ctx context.Context, plate string) error {
	r.db.Lock()
	defer r.db.Unlock()

	if _, err := r.db.Conn().ExecContext(ctx, r.db.Rebind(`DELETE FROM active_plates WHERE plate = ?`), plate); err != nil {
		return fmt.Errorf("failed to delete ledger entry: %w", err)
	}
	return nil
}

// All returns every plate currently inside, oldest entry first.
func (r *LedgerRepository) All(ctx context.Context) ([]model.LedgerEntry, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rows, err := r.db.Conn().QueryContext(ctx, `SELECT plate, event_id, lane, entered_at FROM active_plates ORDER BY entered_at, plate`)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.Plate, &e.EventID, &e.Lane, &e.EnteredAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.EnteredAt = e.EnteredAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
