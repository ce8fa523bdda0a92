package repository

import (
	"context"
	"errors"
	"time"

	"gatewatch/internal/dto"
	"gatewatch/internal/model"
)

var ErrNotFound = errors.New("record not found")

// EventRepository is the append-only evidence store.
type EventRepository interface {
	// Create operations. Inserting an id that already exists is a no-op.
	Insert(ctx context.Context, event *model.CrossingEvent) error
	InsertBatch(ctx context.Context, events []*model.CrossingEvent) error

	// Read operations
	GetByID(ctx context.Context, id string) (*model.CrossingEvent, error)
	FindByPlate(ctx context.Context, plate string, limit int) ([]model.CrossingEvent, error)
	FindByTimeRange(ctx context.Context, from, to time.Time, filter *dto.EventFilter) ([]model.CrossingEvent, error)
	Find(ctx context.Context, filter *dto.EventFilter) ([]model.CrossingEvent, error)
	Count(ctx context.Context, filter *dto.EventFilter) (int, error)
}

// LedgerRepository persists the set of plates currently inside.
type LedgerRepository interface {
	Put(ctx context.Context, entry model.LedgerEntry) error
	Delete(ctx context.Context, plate string) error
	All(ctx context.Context) ([]model.LedgerEntry, error)
}
