package correlator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gatewatch/internal/logger"
	"gatewatch/internal/model"
	"gatewatch/internal/services/sampler"
)

// State is the per-lane correlation state.
type State int

const (
	StateIdle State = iota
	StateCandidate
	StateConfirmed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateCandidate:
		return "CANDIDATE"
	case StateConfirmed:
		return "CONFIRMED"
	}
	return "UNKNOWN"
}

// Outcome says what an observation did to the lane.
type Outcome string

const (
	OutcomeNone             Outcome = "none"
	OutcomeCandidate        Outcome = "candidate"
	OutcomeCandidateDropped Outcome = "candidate-dropped"
	OutcomeAccepted         Outcome = "accepted"
	OutcomeCooldown         Outcome = "cooldown"
	OutcomeDuplicate        Outcome = "duplicate"
)

// Observation is one classified frame of a lane. Detections are already allow-list filtered.
type Observation struct {
	Frame      model.Frame
	Detections []model.Detection
	Plate      *model.PlateReading
	Annotated  []byte // frame with detections drawn, used as evidence when set
}

// Result of a single Observe call. Event is set only for OutcomeAccepted.
type Result struct {
	Outcome Outcome
	Plate   string
	Event   *model.CrossingEvent
}

// Stats is a snapshot of correlator counters.
type Stats struct {
	Candidates        int64 `json:"candidates"`
	CandidatesDropped int64 `json:"candidatesDropped"`
	Accepted          int64 `json:"accepted"`
	Cooldown          int64 `json:"suppressedCooldown"`
	Duplicates        int64 `json:"suppressedDuplicate"`
	Anomalies         int64 `json:"anomalies"`
}

type Options struct {
	Lane      string
	Direction model.Direction

	// OCREnabled makes a candidate wait up to PlateAttempts classified frames for a plate read
	// before it is confirmed as unknown. Without OCR candidates confirm immediately.
	OCREnabled    bool
	PlateAttempts int

	Debouncer *sampler.Debouncer
	Ledger    *Ledger
	Logger    *logger.Logger

	Now   func() time.Time
	NewID func() string
}

// Correlator turns classified frames of one lane into crossing events. It is driven by a
// single goroutine; the shared Ledger serializes itself.
type Correlator struct {
	lane          string
	direction     model.Direction
	ocrEnabled    bool
	plateAttempts int

	debouncer *sampler.Debouncer
	ledger    *Ledger
	logger    *logger.Logger
	now       func() time.Time
	newID     func() string

	state    State
	attempts int

	candidates        atomic.Int64
	candidatesDropped atomic.Int64
	accepted          atomic.Int64
	cooldown          atomic.Int64
	duplicates        atomic.Int64
	anomalies         atomic.Int64
}

func New(opts Options) *Correlator {
	c := &Correlator{
		lane:          opts.Lane,
		direction:     opts.Direction,
		ocrEnabled:    opts.OCREnabled,
		plateAttempts: max(opts.PlateAttempts, 1),
		debouncer:     opts.Debouncer,
		ledger:        opts.Ledger,
		logger:        opts.Logger,
		now:           opts.Now,
		newID:         opts.NewID,
	}
	if c.debouncer == nil {
		c.debouncer = sampler.NewDebouncer(0, false)
	}
	if c.ledger == nil {
		c.ledger = NewLedger(nil)
	}
	if c.logger == nil {
		c.logger = logger.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	return c
}

func (c *Correlator) State() State {
	return c.state
}

func (c *Correlator) Lane() string {
	return c.lane
}

func (c *Correlator) Direction() model.Direction {
	return c.direction
}

// Observe advances the state machine with one classified frame.
func (c *Correlator) Observe(ctx context.Context, obs Observation) Result {
	if len(obs.Detections) == 0 {
		if c.state == StateCandidate {
			c.reset()
			c.candidatesDropped.Add(1)
			return Result{Outcome: OutcomeCandidateDropped}
		}
		return Result{Outcome: OutcomeNone}
	}

	if c.state == StateIdle {
		c.candidates.Add(1)
	}
	c.state = StateCandidate
	c.attempts++

	plate, confidence := "", 0.0
	switch {
	case obs.Plate != nil && model.NormalizePlate(obs.Plate.Text) != "":
		plate, confidence = model.NormalizePlate(obs.Plate.Text), obs.Plate.Confidence
	case !c.ocrEnabled || c.attempts >= c.plateAttempts:
		plate = model.UnknownPlate
	default:
		return Result{Outcome: OutcomeCandidate}
	}

	c.state = StateConfirmed
	res := c.confirm(ctx, obs, plate, confidence)
	c.reset()
	return res
}

func (c *Correlator) confirm(ctx context.Context, obs Observation, plate string, confidence float64) Result {
	now := obs.Frame.CapturedAt
	if now.IsZero() {
		now = c.now()
	}

	if !c.debouncer.Allow(now, plate) {
		c.cooldown.Add(1)
		return Result{Outcome: OutcomeCooldown, Plate: plate}
	}

	event := c.buildEvent(obs, plate, confidence, now)

	if event.KnownPlate() {
		switch c.direction {
		case model.DirectionEntry:
			admitted, err := c.ledger.Admit(ctx, model.LedgerEntry{
				Plate:     plate,
				EventID:   event.ID,
				Lane:      c.lane,
				EnteredAt: now,
			})
			if err != nil {
				c.logger.Error("Lane %s: %v", c.lane, err)
			}
			if !admitted {
				c.duplicates.Add(1)
				c.logger.Info("Lane %s: plate %s already active, entry suppressed", c.lane, plate)
				return Result{Outcome: OutcomeDuplicate, Plate: plate}
			}
		case model.DirectionExit:
			entry, ok, err := c.ledger.Release(ctx, plate)
			if err != nil {
				c.logger.Error("Lane %s: %v", c.lane, err)
			}
			if ok {
				event.EntryEventID = entry.EventID
				event.Duration = max(event.OccurredAt.Sub(entry.EnteredAt), 0)
				c.logger.Info("Lane %s: %s left after %s", c.lane, plate, event.Duration.Round(time.Second))
			} else {
				event.Anomaly = true
				c.anomalies.Add(1)
				c.logger.Warning("Lane %s: exit of %s without a matching entry", c.lane, plate)
			}
		}
	}

	c.debouncer.Mark(now, plate)
	c.accepted.Add(1)
	return Result{Outcome: OutcomeAccepted, Plate: plate, Event: event}
}

func (c *Correlator) buildEvent(obs Observation, plate string, confidence float64, now time.Time) *model.CrossingEvent {
	event := &model.CrossingEvent{
		ID:              c.newID(),
		Lane:            c.lane,
		Direction:       c.direction,
		Plate:           plate,
		PlateConfidence: confidence,
		Labels:          model.LabelSet(obs.Detections),
		OccurredAt:      now,
		FrameSeq:        obs.Frame.Seq,
		Evidence:        obs.Annotated,
	}
	if best, ok := model.Strongest(obs.Detections); ok {
		event.PrimaryLabel = best.Label
	}
	if event.Evidence == nil {
		event.Evidence = obs.Frame.Pixels
	}
	if obs.Plate != nil && plate != model.UnknownPlate {
		event.PlateImage = obs.Plate.Crop
	}
	return event
}

func (c *Correlator) reset() {
	c.state = StateIdle
	c.attempts = 0
}

// Stats returns a snapshot of the counters.
func (c *Correlator) Stats() Stats {
	return Stats{
		Candidates:        c.candidates.Load(),
		CandidatesDropped: c.candidatesDropped.Load(),
		Accepted:          c.accepted.Load(),
		Cooldown:          c.cooldown.Load(),
		Duplicates:        c.duplicates.Load(),
		Anomalies:         c.anomalies.Load(),
	}
}
