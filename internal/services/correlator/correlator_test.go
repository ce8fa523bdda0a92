package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewatch/internal/model"
	"gatewatch/internal/services/sampler"
)

var t0 = time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)

type memLedgerRepo struct {
	mu      sync.Mutex
	entries map[string]model.LedgerEntry
	failPut bool
}

func newMemLedgerRepo() *memLedgerRepo {
	return &memLedgerRepo{entries: make(map[string]model.LedgerEntry)}
}

func (r *memLedgerRepo) Put(_ context.Context, e model.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failPut {
		return errors.New("disk full")
	}
	r.entries[e.Plate] = e
	return nil
}

func (r *memLedgerRepo) Delete(_ context.Context, plate string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, plate)
	return nil
}

func (r *memLedgerRepo) All(context.Context) ([]model.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.LedgerEntry
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out, nil
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("ev-%d", n)
	}
}

func newLane(name string, dir model.Direction, ledger *Ledger, cooldown time.Duration) *Correlator {
	return New(Options{
		Lane:      name,
		Direction: dir,
		Debouncer: sampler.NewDebouncer(cooldown, false),
		Ledger:    ledger,
		NewID:     sequentialIDs(),
	})
}

func sighting(at time.Duration, plate string, labels ...string) Observation {
	obs := Observation{
		Frame: model.Frame{Seq: int64(at / time.Second), CapturedAt: t0.Add(at), Pixels: []byte("raw")},
	}
	for _, l := range labels {
		obs.Detections = append(obs.Detections, model.Detection{Label: l, Confidence: 0.9})
	}
	if plate != "" {
		obs.Plate = &model.PlateReading{Text: plate, Confidence: 0.8, Crop: []byte("crop")}
	}
	return obs
}

func TestObserve_NoDetectionsStaysIdle(t *testing.T) {
	c := newLane("gate-in", model.DirectionEntry, nil, time.Minute)

	res := c.Observe(context.Background(), sighting(0, ""))
	assert.Equal(t, OutcomeNone, res.Outcome)
	assert.Equal(t, StateIdle, c.State())
}

func TestObserve_WithoutOCRConfirmsUnknownImmediately(t *testing.T) {
	ledger := NewLedger(nil)
	c := newLane("gate-in", model.DirectionEntry, ledger, 2*time.Minute)

	obs := sighting(0, "", "motorcycle")
	obs.Annotated = []byte("annotated")
	res := c.Observe(context.Background(), obs)

	require.Equal(t, OutcomeAccepted, res.Outcome)
	require.NotNil(t, res.Event)
	assert.Equal(t, model.UnknownPlate, res.Event.Plate)
	assert.Equal(t, []string{"motorcycle"}, res.Event.Labels)
	assert.Equal(t, "motorcycle", res.Event.PrimaryLabel)
	assert.Equal(t, model.DirectionEntry, res.Event.Direction)
	assert.Equal(t, []byte("annotated"), res.Event.Evidence)
	assert.Nil(t, res.Event.PlateImage)
	assert.Equal(t, 0, ledger.Len(), "unknown plates bypass the ledger")
	assert.Equal(t, StateIdle, c.State())
}

func TestObserve_UnknownPlatesAreNotDeduplicated(t *testing.T) {
	c := newLane("gate-in", model.DirectionEntry, nil, 0)

	first := c.Observe(context.Background(), sighting(0, "", "car"))
	second := c.Observe(context.Background(), sighting(10*time.Second, "", "car"))

	assert.Equal(t, OutcomeAccepted, first.Outcome)
	assert.Equal(t, OutcomeAccepted, second.Outcome)
	assert.NotEqual(t, first.Event.ID, second.Event.ID)
}

func TestObserve_EntryDuplicateExit(t *testing.T) {
	ctx := context.Background()
	repo := newMemLedgerRepo()
	ledger := NewLedger(repo)
	entry := newLane("gate-in", model.DirectionEntry, ledger, 20*time.Second)
	exit := newLane("gate-out", model.DirectionExit, ledger, 20*time.Second)

	res := entry.Observe(ctx, sighting(0, "b 1234-xy", "car"))
	require.Equal(t, OutcomeAccepted, res.Outcome)
	entryID := res.Event.ID
	assert.Equal(t, "B1234XY", res.Event.Plate)
	assert.Empty(t, res.Event.EntryEventID)
	assert.Equal(t, []byte("crop"), res.Event.PlateImage)
	assert.True(t, ledger.Has("B1234XY"))
	assert.Equal(t, res.Event.ID, repo.entries["B1234XY"].EventID)

	// Within cooldown.
	res = entry.Observe(ctx, sighting(10*time.Second, "B1234XY", "car"))
	assert.Equal(t, OutcomeCooldown, res.Outcome)
	assert.Nil(t, res.Event)
	assert.Equal(t, 1, ledger.Len())

	// Past cooldown but still inside.
	res = entry.Observe(ctx, sighting(30*time.Second, "B1234XY", "car"))
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Nil(t, res.Event)
	assert.Equal(t, 1, ledger.Len())

	res = exit.Observe(ctx, sighting(60*time.Second, "B1234XY", "car"))
	require.Equal(t, OutcomeAccepted, res.Outcome)
	assert.Equal(t, model.DirectionExit, res.Event.Direction)
	assert.False(t, res.Event.Anomaly)
	assert.Equal(t, entryID, res.Event.EntryEventID)
	assert.Equal(t, 60*time.Second, res.Event.Duration)
	assert.Equal(t, 0, ledger.Len())
	assert.Empty(t, repo.entries)

	stats := entry.Stats()
	assert.Equal(t, int64(1), stats.Accepted)
	assert.Equal(t, int64(1), stats.Cooldown)
	assert.Equal(t, int64(1), stats.Duplicates)
}

func TestObserve_ExitWithoutEntryIsAnomaly(t *testing.T) {
	ledger := NewLedger(nil)
	exit := newLane("gate-out", model.DirectionExit, ledger, 0)

	res := exit.Observe(context.Background(), sighting(0, "Z9999ZZ", "car"))
	require.Equal(t, OutcomeAccepted, res.Outcome)
	assert.True(t, res.Event.Anomaly)
	assert.Empty(t, res.Event.EntryEventID)
	assert.Zero(t, res.Event.Duration)
	assert.Equal(t, 0, ledger.Len())
	assert.Equal(t, int64(1), exit.Stats().Anomalies)
}

func TestObserve_DoubleExitReleasesOnce(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(nil)
	_, err := ledger.Admit(ctx, model.LedgerEntry{Plate: "B1234XY", EventID: "ev-0", EnteredAt: t0})
	require.NoError(t, err)

	exit := newLane("gate-out", model.DirectionExit, ledger, time.Minute)

	first := exit.Observe(ctx, sighting(0, "B1234XY", "car"))
	second := exit.Observe(ctx, sighting(2*time.Minute, "B1234XY", "car"))

	require.Equal(t, OutcomeAccepted, first.Outcome)
	require.Equal(t, OutcomeAccepted, second.Outcome)
	assert.False(t, first.Event.Anomaly)
	assert.True(t, second.Event.Anomaly)
	assert.Equal(t, int64(1), exit.Stats().Anomalies)
}

func TestObserve_CandidateWaitsForPlate(t *testing.T) {
	c := New(Options{
		Lane:          "gate-in",
		Direction:     model.DirectionEntry,
		OCREnabled:    true,
		PlateAttempts: 3,
		Ledger:        NewLedger(nil),
	})
	ctx := context.Background()

	assert.Equal(t, OutcomeCandidate, c.Observe(ctx, sighting(0, "", "car")).Outcome)
	assert.Equal(t, StateCandidate, c.State())

	res := c.Observe(ctx, sighting(time.Second, "D777AB", "car"))
	require.Equal(t, OutcomeAccepted, res.Outcome)
	assert.Equal(t, "D777AB", res.Event.Plate)
	assert.InDelta(t, 0.8, res.Event.PlateConfidence, 1e-9)
}

func TestObserve_CandidateFallsBackToUnknown(t *testing.T) {
	c := New(Options{
		Lane:          "gate-in",
		Direction:     model.DirectionEntry,
		OCREnabled:    true,
		PlateAttempts: 2,
	})
	ctx := context.Background()

	assert.Equal(t, OutcomeCandidate, c.Observe(ctx, sighting(0, "", "car")).Outcome)
	res := c.Observe(ctx, sighting(time.Second, " ", "car"))
	require.Equal(t, OutcomeAccepted, res.Outcome)
	assert.Equal(t, model.UnknownPlate, res.Event.Plate)
}

func TestObserve_CandidateRevertsWhenVehicleLeaves(t *testing.T) {
	c := New(Options{
		Lane:          "gate-in",
		Direction:     model.DirectionEntry,
		OCREnabled:    true,
		PlateAttempts: 5,
	})
	ctx := context.Background()

	c.Observe(ctx, sighting(0, "", "car"))
	res := c.Observe(ctx, sighting(time.Second, ""))
	assert.Equal(t, OutcomeCandidateDropped, res.Outcome)
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, int64(1), c.Stats().CandidatesDropped)
}

func TestObserve_PerPlateCooldown(t *testing.T) {
	c := New(Options{
		Lane:      "gate-in",
		Direction: model.DirectionEntry,
		Debouncer: sampler.NewDebouncer(time.Minute, true),
	})
	ctx := context.Background()

	assert.Equal(t, OutcomeAccepted, c.Observe(ctx, sighting(0, "AAA111", "car")).Outcome)
	assert.Equal(t, OutcomeAccepted, c.Observe(ctx, sighting(5*time.Second, "BBB222", "car")).Outcome)
	assert.Equal(t, OutcomeCooldown, c.Observe(ctx, sighting(10*time.Second, "AAA111", "car")).Outcome)
}

func TestObserve_NoTwoAcceptancesInsideCooldown(t *testing.T) {
	cooldown := 45 * time.Second
	c := newLane("gate-in", model.DirectionEntry, nil, cooldown)
	ctx := context.Background()

	var accepted []time.Time
	for i := 0; i < 200; i++ {
		obs := sighting(time.Duration(i*7)*time.Second, "", "car")
		if res := c.Observe(ctx, obs); res.Outcome == OutcomeAccepted {
			accepted = append(accepted, res.Event.OccurredAt)
		}
	}
	require.NotEmpty(t, accepted)
	for i := 1; i < len(accepted); i++ {
		assert.GreaterOrEqual(t, accepted[i].Sub(accepted[i-1]), cooldown)
	}
}

func TestLedger_ConcurrentEntriesAdmitOnce(t *testing.T) {
	ledger := NewLedger(newMemLedgerRepo())
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := ledger.Admit(ctx, model.LedgerEntry{Plate: "B1234XY", EventID: fmt.Sprint(i)})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, admitted)
	assert.Equal(t, 1, ledger.Len())
}

func TestLedger_LoadRestoresPersistedState(t *testing.T) {
	ctx := context.Background()
	repo := newMemLedgerRepo()
	first := NewLedger(repo)
	_, err := first.Admit(ctx, model.LedgerEntry{Plate: "B1234XY", EventID: "ev-1", EnteredAt: t0.Add(time.Minute)})
	require.NoError(t, err)
	_, err = first.Admit(ctx, model.LedgerEntry{Plate: "A1", EventID: "ev-2", EnteredAt: t0})
	require.NoError(t, err)

	restarted := NewLedger(repo)
	require.NoError(t, restarted.Load(ctx))
	list := restarted.List()
	require.Len(t, list, 2)
	assert.Equal(t, "A1", list[0].Plate)
	assert.True(t, restarted.Has("B1234XY"))
}

func TestLedger_PersistFailureKeepsMemoryState(t *testing.T) {
	repo := newMemLedgerRepo()
	repo.failPut = true
	ledger := NewLedger(repo)

	ok, err := ledger.Admit(context.Background(), model.LedgerEntry{Plate: "B1234XY"})
	assert.True(t, ok)
	assert.Error(t, err)
	assert.True(t, ledger.Has("B1234XY"))
}
