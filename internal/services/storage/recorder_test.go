package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewatch/internal/dto"
	"gatewatch/internal/model"
	"gatewatch/internal/repository/sqldb"
)

type flakyRepo struct {
	mu       sync.Mutex
	failNext int
	rows     map[string]*model.CrossingEvent
	batches  int
}

func newFlakyRepo(failNext int) *flakyRepo {
	return &flakyRepo{failNext: failNext, rows: make(map[string]*model.CrossingEvent)}
}

func (r *flakyRepo) Insert(ctx context.Context, e *model.CrossingEvent) error {
	return r.InsertBatch(ctx, []*model.CrossingEvent{e})
}

func (r *flakyRepo) InsertBatch(_ context.Context, events []*model.CrossingEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches++
	if r.failNext > 0 {
		r.failNext--
		return errors.New("database is locked")
	}
	for _, e := range events {
		if _, ok := r.rows[e.ID]; !ok {
			r.rows[e.ID] = e
		}
	}
	return nil
}

func (r *flakyRepo) GetByID(context.Context, string) (*model.CrossingEvent, error) { return nil, nil }
func (r *flakyRepo) FindByPlate(context.Context, string, int) ([]model.CrossingEvent, error) {
	return nil, nil
}
func (r *flakyRepo) FindByTimeRange(context.Context, time.Time, time.Time, *dto.EventFilter) ([]model.CrossingEvent, error) {
	return nil, nil
}
func (r *flakyRepo) Find(context.Context, *dto.EventFilter) ([]model.CrossingEvent, error) {
	return nil, nil
}
func (r *flakyRepo) Count(context.Context, *dto.EventFilter) (int, error) { return 0, nil }

func (r *flakyRepo) stored() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func crossing(id string) *model.CrossingEvent {
	return &model.CrossingEvent{
		ID:           id,
		Lane:         "gate-in",
		Direction:    model.DirectionEntry,
		Plate:        "B1234XY",
		Labels:       []string{"car"},
		PrimaryLabel: "car",
		OccurredAt:   time.Date(2024, 6, 1, 9, 15, 0, 0, time.UTC),
		Evidence:     []byte{0xFF, 0xD8, 0xFF, 0xD9},
	}
}

func TestRecorder_ImmediateRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := sqldb.Open(sqldb.DriverSQLite, filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer db.Close()

	repo := sqldb.NewEventRepository(db)
	dir := filepath.Join(t.TempDir(), "annotations")
	rec := NewRecorder(repo, Options{Mode: ModeImmediate, Dir: dir})

	event := crossing("ev-1")
	event.Labels = []string{"car", "motorcycle"}
	status, err := rec.Record(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, StatusPersisted, status)

	got, err := repo.GetByID(ctx, "ev-1")
	require.NoError(t, err)
	assert.Empty(t, event.EvidencePath)
	assert.Equal(t, filepath.Join(dir, "2024-06-01_09-15-00_gate-in_entry_B1234XY.jpg"), got.EvidencePath)
	data, err := os.ReadFile(got.EvidencePath)
	require.NoError(t, err)
	assert.Equal(t, event.Evidence, data)

	assert.Equal(t, event.Labels, got.Labels)
	assert.Equal(t, event.Plate, got.Plate)
	assert.Equal(t, event.Evidence, got.Evidence)

	byTime, err := repo.FindByTimeRange(ctx, event.OccurredAt, event.OccurredAt, nil)
	require.NoError(t, err)
	require.Len(t, byTime, 1)
	assert.Equal(t, event.Labels, byTime[0].Labels)
	assert.Equal(t, event.Plate, byTime[0].Plate)
}

func TestRecorder_BatchedLeavesCallerEventUntouched(t *testing.T) {
	repo := newFlakyRepo(0)
	dir := t.TempDir()
	rec := NewRecorder(repo, Options{Mode: ModeBatched, Dir: dir, BatchLimit: 10})

	event := crossing("ev-1")
	before := *event
	status, err := rec.Record(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, status)
	require.NoError(t, rec.Flush(context.Background()))

	assert.Equal(t, before, *event)
	repo.mu.Lock()
	stored := repo.rows["ev-1"]
	repo.mu.Unlock()
	require.NotNil(t, stored)
	assert.NotSame(t, event, stored)
	assert.Equal(t, filepath.Join(dir, "2024-06-01_09-15-00_gate-in_entry_B1234XY.jpg"), stored.EvidencePath)
}

func TestRecorder_ImmediateFailureIsReported(t *testing.T) {
	rec := NewRecorder(newFlakyRepo(1), Options{Mode: ModeImmediate})

	status, err := rec.Record(context.Background(), crossing("ev-1"))
	assert.Error(t, err)
	assert.Equal(t, StatusFailed, status)
	assert.Equal(t, int64(1), rec.Stats().Failed)
}

func TestRecorder_BatchedFlushesAtLimit(t *testing.T) {
	repo := newFlakyRepo(0)
	rec := NewRecorder(repo, Options{Mode: ModeBatched, BatchLimit: 3})
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		status, err := rec.Record(ctx, crossing(id))
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, status)
	}
	assert.Equal(t, 0, repo.stored())
	assert.Equal(t, 2, rec.Stats().Pending)

	_, err := rec.Record(ctx, crossing("c"))
	require.NoError(t, err)
	assert.Equal(t, 3, repo.stored())
	assert.Equal(t, 0, rec.Stats().Pending)
	assert.Equal(t, int64(3), rec.Stats().Persisted)
}

func TestRecorder_FailedBatchIsRetried(t *testing.T) {
	repo := newFlakyRepo(2)
	rec := NewRecorder(repo, Options{Mode: ModeBatched, BatchLimit: 100, FlushRetries: 3})
	ctx := context.Background()

	_, _ = rec.Record(ctx, crossing("a"))
	_, _ = rec.Record(ctx, crossing("b"))

	assert.Error(t, rec.Flush(ctx))
	_, _ = rec.Record(ctx, crossing("c"))
	assert.Error(t, rec.Flush(ctx))
	require.NoError(t, rec.Flush(ctx))

	assert.Equal(t, 3, repo.stored())
	stats := rec.Stats()
	assert.Equal(t, int64(2), stats.FlushFailures)
	assert.Zero(t, stats.Lost)
	assert.Equal(t, 0, stats.Pending)
}

func TestRecorder_BatchDroppedAfterRetries(t *testing.T) {
	repo := newFlakyRepo(10)
	rec := NewRecorder(repo, Options{Mode: ModeBatched, BatchLimit: 100, FlushRetries: 1})
	ctx := context.Background()

	_, _ = rec.Record(ctx, crossing("a"))
	_, _ = rec.Record(ctx, crossing("b"))

	assert.Error(t, rec.Flush(ctx))
	assert.Error(t, rec.Flush(ctx))

	stats := rec.Stats()
	assert.Equal(t, int64(2), stats.Lost)
	assert.Equal(t, 0, stats.Pending)

	// New events are still accepted after a lost batch.
	repo.failNext = 0
	_, _ = rec.Record(ctx, crossing("c"))
	require.NoError(t, rec.Flush(ctx))
	assert.Equal(t, 1, repo.stored())
}

func TestRecorder_CloseFlushesPending(t *testing.T) {
	repo := newFlakyRepo(0)
	rec := NewRecorder(repo, Options{Mode: ModeBatched, BatchLimit: 10})
	ctx := context.Background()

	_, _ = rec.Record(ctx, crossing("a"))
	require.NoError(t, rec.Close(ctx))
	assert.Equal(t, 1, repo.stored())
}

func TestRecorder_RunFlushesOnTick(t *testing.T) {
	repo := newFlakyRepo(0)
	rec := NewRecorder(repo, Options{Mode: ModeBatched, BatchLimit: 10})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, _ = rec.Record(ctx, crossing("a"))
	go rec.Run(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return repo.stored() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEvidenceFilename(t *testing.T) {
	event := crossing("ev-1")
	event.Lane = "gate out/2"
	event.Direction = model.DirectionExit
	event.Plate = model.UnknownPlate
	assert.Equal(t, "2024-06-01_09-15-00_gate_out_2_exit_unknown.jpg", EvidenceFilename(event))
}
