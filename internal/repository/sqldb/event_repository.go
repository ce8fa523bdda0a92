package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gatewatch/internal/dto"
	"gatewatch/internal/model"
	"gatewatch/internal/repository"
)

const insertEventQuery = `
	INSERT INTO crossing_events (id, lane, direction, plate, plate_confidence, detected_objects,
		primary_label, anomaly, occurred_at, frame_seq, image_path, data, plate_image,
		entry_event_id, dwell_seconds)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO NOTHING
`

const insertLabelQuery = `
	INSERT INTO event_labels (event_id, label) VALUES (?, ?)
	ON CONFLICT (event_id, label) DO NOTHING
`

const selectEventColumns = `
	SELECT e.id, e.lane, e.direction, e.plate, e.plate_confidence, e.detected_objects,
		e.primary_label, e.anomaly, e.occurred_at, e.frame_seq, e.image_path,
		e.entry_event_id, e.dwell_seconds
	FROM crossing_events e
`

// EventRepository implements repository.EventRepository on SQL.
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new evidence repository.
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

var _ repository.EventRepository = (*EventRepository)(nil)

// Insert stores one event. An id that is already stored is left untouched.
func (r *EventRepository) Insert(ctx context.Context, event *model.CrossingEvent) error {
	return r.InsertBatch(ctx, []*model.CrossingEvent{event})
}

// InsertBatch stores events in a single transaction. Either all rows land or none do.
func (r *EventRepository) InsertBatch(ctx context.Context, events []*model.CrossingEvent) error {
	if len(events) == 0 {
		return nil
	}

	r.db.Lock()
	defer r.db.Unlock()

	tx, err := r.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	eventStmt, err := tx.PrepareContext(ctx, r.db.Rebind(insertEventQuery))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer eventStmt.Close()

	labelStmt, err := tx.PrepareContext(ctx, r.db.Rebind(insertLabelQuery))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer labelStmt.Close()

	for _, e := range events {
		if _, err := eventStmt.ExecContext(ctx,
			e.ID, e.Lane, string(e.Direction), e.Plate, e.PlateConfidence, e.DetectedObjects(),
			e.PrimaryLabel, e.Anomaly, e.OccurredAt.UTC(), e.FrameSeq, e.EvidencePath,
			e.Evidence, e.PlateImage, e.EntryEventID, int64(e.Duration/time.Second),
		); err != nil {
			return fmt.Errorf("failed to insert event %s: %w", e.ID, err)
		}
		for _, label := range e.Labels {
			if _, err := labelStmt.ExecContext(ctx, e.ID, label); err != nil {
				return fmt.Errorf("failed to insert label for %s: %w", e.ID, err)
			}
		}
	}

	return tx.Commit()
}

// GetByID retrieves an event including its evidence image.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*model.CrossingEvent, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	query := `
		SELECT id, lane, direction, plate, plate_confidence, detected_objects,
			primary_label, anomaly, occurred_at, frame_seq, image_path, data, plate_image,
			entry_event_id, dwell_seconds
		FROM crossing_events WHERE id = ?
	`

	var (
		e         model.CrossingEvent
		direction string
		objects   string
		dwell     int64
	)
	err := r.db.Conn().QueryRowContext(ctx, r.db.Rebind(query), id).Scan(
		&e.ID, &e.Lane, &direction, &e.Plate, &e.PlateConfidence, &objects,
		&e.PrimaryLabel, &e.Anomaly, &e.OccurredAt, &e.FrameSeq, &e.EvidencePath,
		&e.Evidence, &e.PlateImage, &e.EntryEventID, &dwell,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}

	e.Direction = model.Direction(direction)
	e.Labels = splitObjects(objects)
	e.OccurredAt = e.OccurredAt.UTC()
	e.Duration = time.Duration(dwell) * time.Second
	return &e, nil
}

// FindByPlate returns the most recent events for a plate, newest first.
func (r *EventRepository) FindByPlate(ctx context.Context, plate string, limit int) ([]model.CrossingEvent, error) {
	return r.Find(ctx, &dto.EventFilter{Plate: plate, Limit: limit})
}

// FindByTimeRange returns events with from <= occurred_at <= to, narrowed by filter.
func (r *EventRepository) FindByTimeRange(ctx context.Context, from, to time.Time, filter *dto.EventFilter) ([]model.CrossingEvent, error) {
	f := dto.EventFilter{}
	if filter != nil {
		f = *filter
	}
	f.From, f.To = from, to
	return r.Find(ctx, &f)
}

// Find retrieves events matching the filter, newest first. Evidence blobs are not loaded.
func (r *EventRepository) Find(ctx context.Context, filter *dto.EventFilter) ([]model.CrossingEvent, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	where, args := buildWhere(filter)
	query := selectEventColumns + where + " ORDER BY e.occurred_at DESC, e.id"

	if filter != nil && filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := r.db.Conn().QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []model.CrossingEvent
	for rows.Next() {
		var (
			e         model.CrossingEvent
			direction string
			objects   string
			dwell     int64
		)
		if err := rows.Scan(
			&e.ID, &e.Lane, &direction, &e.Plate, &e.PlateConfidence, &objects,
			&e.PrimaryLabel, &e.Anomaly, &e.OccurredAt, &e.FrameSeq, &e.EvidencePath,
			&e.EntryEventID, &dwell,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Direction = model.Direction(direction)
		e.Labels = splitObjects(objects)
		e.OccurredAt = e.OccurredAt.UTC()
		e.Duration = time.Duration(dwell) * time.Second
		events = append(events, e)
	}

	return events, rows.Err()
}

// Count returns the number of events matching the filter.
func (r *EventRepository) Count(ctx context.Context, filter *dto.EventFilter) (int, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	where, args := buildWhere(filter)
	var count int
	err := r.db.Conn().QueryRowContext(ctx, r.db.Rebind("SELECT COUNT(*) FROM crossing_events e"+where), args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

func buildWhere(filter *dto.EventFilter) (string, []interface{}) {
	where := " WHERE 1=1"
	args := []interface{}{}
	if filter == nil {
		return where, args
	}

	if filter.Lane != "" {
		where += " AND e.lane = ?"
		args = append(args, filter.Lane)
	}
	if filter.Direction != "" {
		where += " AND e.direction = ?"
		args = append(args, strings.ToUpper(filter.Direction))
	}
	if filter.Plate != "" {
		where += " AND e.plate = ?"
		args = append(args, filter.Plate)
	}
	if filter.Label != "" {
		where += " AND EXISTS (SELECT 1 FROM event_labels l WHERE l.event_id = e.id AND l.label = ?)"
		args = append(args, filter.Label)
	}
	if !filter.From.IsZero() {
		where += " AND e.occurred_at >= ?"
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		where += " AND e.occurred_at <= ?"
		args = append(args, filter.To.UTC())
	}
	if filter.AnomalyOnly {
		where += " AND e.anomaly = ?"
		args = append(args, true)
	}
	return where, args
}

func splitObjects(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	labels := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			labels = append(labels, p)
		}
	}
	return labels
}
