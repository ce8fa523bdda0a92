package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gatewatch/internal/dto"
	"gatewatch/internal/logger"
	"gatewatch/internal/model"
	"gatewatch/internal/services/capture"
	"gatewatch/internal/services/correlator"
	"gatewatch/internal/services/sampler"
)

const (
	DropNewest = "newest"
	DropOldest = "oldest"

	// consecutive unexplained read errors after which the stream is considered gone
	maxReadErrors = 50
)

var (
	ErrNoFrame     = errors.New("no frame captured yet")
	ErrUnknownLane = errors.New("unknown lane")
)

type LaneOptions struct {
	Name       string
	Source     capture.FrameSource
	Sampler    *sampler.Sampler
	Debouncer  *sampler.Debouncer
	Correlator *correlator.Correlator

	Classifier Classifier
	Plates     PlateReader // nil disables OCR
	Annotator  Annotator   // nil keeps raw frames as evidence

	Recorder   Recorder
	Dispatcher Dispatcher
	Notifier   Notifier
	Sink       FrameSink

	// Workers > 0 moves classification off the read loop onto a bounded queue.
	Workers    int
	QueueSize  int
	DropPolicy string

	Logger *logger.Logger
}

// LaneStats is a snapshot of one lane's counters.
type LaneStats struct {
	Name           string           `json:"name"`
	Direction      model.Direction  `json:"direction"`
	State          string           `json:"state"`
	Running        bool             `json:"running"`
	FramesRead     int64            `json:"framesRead"`
	Classified     int64            `json:"classified"`
	Degraded       int64            `json:"degraded"`
	SkippedCooling int64            `json:"skippedCooling"`
	QueueDropped   int64            `json:"queueDropped"`
	Correlator     correlator.Stats `json:"correlator"`
}

// Lane runs the detection loop of one camera: read, sample, classify, correlate and hand
// accepted events to the recorder, the dispatcher and the live feed.
type Lane struct {
	name       string
	source     capture.FrameSource
	sampler    *sampler.Sampler
	debouncer  *sampler.Debouncer
	correlator *correlator.Correlator

	classifier Classifier
	plates     PlateReader
	annotator  Annotator
	recorder   Recorder
	dispatcher Dispatcher
	notifier   Notifier
	sink       FrameSink

	workers    int
	queueSize  int
	dropPolicy string

	logger *logger.Logger

	latest  atomic.Pointer[model.Frame]
	running atomic.Bool
	state   atomic.Value // correlator.State, written by the correlating goroutine

	framesRead     atomic.Int64
	classified     atomic.Int64
	degraded       atomic.Int64
	skippedCooling atomic.Int64
	queueDropped   atomic.Int64
}

type analysis struct {
	frame     model.Frame
	dets      []model.Detection
	plate     *model.PlateReading
	annotated []byte
}

func NewLane(opts LaneOptions) *Lane {
	if opts.Sampler == nil {
		opts.Sampler = sampler.New(1)
	}
	if opts.Debouncer == nil {
		opts.Debouncer = sampler.NewDebouncer(0, false)
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.DropPolicy == "" {
		opts.DropPolicy = DropNewest
	}

	l := &Lane{
		name:       opts.Name,
		source:     opts.Source,
		sampler:    opts.Sampler,
		debouncer:  opts.Debouncer,
		correlator: opts.Correlator,
		classifier: opts.Classifier,
		plates:     opts.Plates,
		annotator:  opts.Annotator,
		recorder:   opts.Recorder,
		dispatcher: opts.Dispatcher,
		notifier:   opts.Notifier,
		sink:       opts.Sink,
		workers:    opts.Workers,
		queueSize:  max(opts.QueueSize, 1),
		dropPolicy: opts.DropPolicy,
		logger:     opts.Logger,
	}
	l.state.Store(correlator.StateIdle)
	return l
}

func (l *Lane) Name() string {
	return l.name
}

// Open opens the frame source. A lane that fails to open must not be run.
func (l *Lane) Open(ctx context.Context) error {
	if err := l.source.Open(ctx); err != nil {
		return fmt.Errorf("lane %s: %w", l.name, err)
	}
	return nil
}

// Close releases the frame source.
func (l *Lane) Close() error {
	return l.source.Close()
}

// Run processes frames until the stream ends or ctx is cancelled. The iteration in progress
// when ctx is cancelled is completed.
func (l *Lane) Run(ctx context.Context) error {
	l.running.Store(true)
	defer l.running.Store(false)

	l.logger.Info("🎬 Lane %s (%s) started - classifying every %d frame(s)",
		l.name, l.correlator.Direction(), l.sampler.Interval())

	if l.workers > 0 {
		return l.runPooled(ctx)
	}

	return l.readLoop(ctx, func(work context.Context, frame model.Frame) {
		a, err := l.analyze(frame)
		if err != nil {
			l.degrade(frame, err)
			return
		}
		l.correlate(work, a)
	})
}

// readLoop reads frames and passes the ones selected for classification to classify.
func (l *Lane) readLoop(ctx context.Context, classify func(context.Context, model.Frame)) error {
	// Work started inside an iteration outlives cancellation of ctx.
	work := context.WithoutCancel(ctx)
	readErrors := 0

	for {
		if ctx.Err() != nil {
			l.logger.Info("🛑 Lane %s stopped", l.name)
			return nil
		}

		frame, err := l.source.Read(ctx)
		switch {
		case err == nil:
			readErrors = 0
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			l.logger.Info("🛑 Lane %s stopped", l.name)
			return nil
		case errors.Is(err, capture.ErrEndOfStream):
			l.logger.Warning("Lane %s: %v", l.name, err)
			return nil
		case errors.Is(err, capture.ErrBadFrame):
			l.degraded.Add(1)
			continue
		default:
			l.degraded.Add(1)
			readErrors++
			if readErrors >= maxReadErrors {
				l.logger.Error("Lane %s: giving up after %d read errors: %v", l.name, readErrors, err)
				return nil
			}
			continue
		}

		l.framesRead.Add(1)
		l.latest.Store(&frame)

		if !l.sampler.ShouldClassify(frame.Seq) {
			l.show(frame.Pixels)
			continue
		}

		if l.debouncer.Cooling(frameTime(frame)) {
			l.skippedCooling.Add(1)
			l.show(frame.Pixels)
			continue
		}

		classify(work, frame)
	}
}

// analyze is the expensive part of an iteration: classification, OCR and annotation.
func (l *Lane) analyze(frame model.Frame) (analysis, error) {
	a := analysis{frame: frame}

	dets, err := l.classifier.Classify(frame)
	if err != nil {
		return a, fmt.Errorf("classify frame %d: %w", frame.Seq, err)
	}
	a.dets = dets
	if len(dets) == 0 {
		return a, nil
	}

	if l.plates != nil {
		plate, err := l.plates.ReadPlate(frame, dets)
		if err != nil {
			l.logger.Warning("Lane %s: plate read failed on frame %d: %v", l.name, frame.Seq, err)
		}
		a.plate = plate
	}

	if l.annotator != nil {
		annotated, err := l.annotator.Annotate(frame.Pixels, dets)
		if err != nil {
			l.logger.Error("Lane %s: failed to draw rectangles: %v", l.name, err)
		} else {
			a.annotated = annotated
		}
	}
	return a, nil
}

// correlate runs on the single goroutine that owns the lane's correlator.
func (l *Lane) correlate(ctx context.Context, a analysis) {
	l.classified.Add(1)

	if a.annotated != nil {
		l.show(a.annotated)
	} else {
		l.show(a.frame.Pixels)
	}

	res := l.correlator.Observe(ctx, correlator.Observation{
		Frame:      a.frame,
		Detections: a.dets,
		Plate:      a.plate,
		Annotated:  a.annotated,
	})
	l.state.Store(l.correlator.State())

	switch res.Outcome {
	case correlator.OutcomeAccepted:
		l.emit(ctx, res.Event)
	case correlator.OutcomeCooldown:
		l.logger.Info("Lane %s: %s within cooldown, ignored", l.name, res.Plate)
	}
}

func (l *Lane) emit(ctx context.Context, event *model.CrossingEvent) {
	l.logger.Info("🚗 Lane %s: %s %s [%s] event %s",
		l.name, event.Direction, event.Plate, event.DetectedObjects(), event.ID)

	if l.dispatcher != nil {
		if cmd, err := l.dispatcher.Dispatch(event); err != nil {
			l.logger.Warning("Lane %s: no actuation for event %s: %v", l.name, event.ID, err)
		} else {
			l.logger.Info("Lane %s: queued %q for event %s", l.name, cmd.Payload, event.ID)
		}
	}

	if l.recorder != nil {
		if _, err := l.recorder.Record(ctx, event); err != nil {
			l.logger.Error("Lane %s: %v", l.name, err)
		}
	}

	if l.notifier != nil {
		l.notifier.Notify(event)
	}
}

func (l *Lane) degrade(frame model.Frame, err error) {
	l.degraded.Add(1)
	l.logger.Warning("Lane %s: frame skipped: %v", l.name, err)
	l.show(frame.Pixels)
}

func (l *Lane) show(jpeg []byte) {
	if l.sink != nil {
		l.sink.UpdateJPEG(jpeg)
	}
}

// runPooled classifies on a bounded worker pool. The correlator stays on one goroutine.
func (l *Lane) runPooled(ctx context.Context) error {
	jobs := make(chan model.Frame, l.queueSize)
	results := make(chan analysis, l.workers)

	var workers sync.WaitGroup
	for i := 0; i < l.workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for frame := range jobs {
				a, err := l.analyze(frame)
				if err != nil {
					l.degrade(frame, err)
					continue
				}
				results <- a
			}
		}()
	}

	correlated := make(chan struct{})
	work := context.WithoutCancel(ctx)
	go func() {
		defer close(correlated)
		for a := range results {
			l.correlate(work, a)
		}
	}()

	err := l.readLoop(ctx, func(_ context.Context, frame model.Frame) {
		l.enqueue(jobs, frame)
	})

	close(jobs)
	workers.Wait()
	close(results)
	<-correlated
	return err
}

func (l *Lane) enqueue(jobs chan model.Frame, frame model.Frame) {
	select {
	case jobs <- frame:
		return
	default:
	}

	if l.dropPolicy == DropOldest {
		select {
		case <-jobs:
			l.queueDropped.Add(1)
		default:
		}
		select {
		case jobs <- frame:
			return
		default:
		}
	}

	l.queueDropped.Add(1)
	l.logger.Warning("⚠️  Processing queue full for lane %s - frame %d dropped", l.name, frame.Seq)
}

// DetectNow classifies the latest frame without touching the correlator.
func (l *Lane) DetectNow(ctx context.Context) (*dto.DetectionResult, error) {
	frame := l.latest.Load()
	if frame == nil {
		return nil, ErrNoFrame
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dets, err := l.classifier.Classify(*frame)
	if err != nil {
		return nil, fmt.Errorf("lane %s: %w", l.name, err)
	}

	result := &dto.DetectionResult{
		Lane:       l.name,
		FrameSeq:   frame.Seq,
		CapturedAt: frame.CapturedAt,
		Detections: dets,
	}
	if result.Detections == nil {
		result.Detections = []model.Detection{}
	}
	if l.plates != nil && len(dets) > 0 {
		plate, err := l.plates.ReadPlate(*frame, dets)
		if err != nil {
			l.logger.Warning("Lane %s: plate read failed: %v", l.name, err)
		}
		result.Plate = plate
	}
	return result, nil
}

// LatestFrame returns the most recently read frame.
func (l *Lane) LatestFrame() (model.Frame, bool) {
	frame := l.latest.Load()
	if frame == nil {
		return model.Frame{}, false
	}
	return *frame, true
}

func (l *Lane) Stats() LaneStats {
	return LaneStats{
		Name:           l.name,
		Direction:      l.correlator.Direction(),
		State:          l.state.Load().(correlator.State).String(),
		Running:        l.running.Load(),
		FramesRead:     l.framesRead.Load(),
		Classified:     l.classified.Load(),
		Degraded:       l.degraded.Load(),
		SkippedCooling: l.skippedCooling.Load(),
		QueueDropped:   l.queueDropped.Load(),
		Correlator:     l.correlator.Stats(),
	}
}

func frameTime(frame model.Frame) time.Time {
	if frame.CapturedAt.IsZero() {
		return time.Now()
	}
	return frame.CapturedAt
}
