package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gatewatch/internal/logger"
	"gatewatch/internal/model"
	"gatewatch/internal/repository"
)

const (
	ModeImmediate = "immediate"
	ModeBatched   = "batched"
)

// Status is the result of a Record call.
type Status string

const (
	StatusPersisted Status = "persisted"
	StatusQueued    Status = "queued"
	StatusFailed    Status = "failed"
)

type Options struct {
	Mode         string
	Dir          string // evidence image directory, empty keeps images in the database only
	BatchLimit   int
	FlushRetries int // failed flushes a batch survives before it is dropped
	Logger       *logger.Logger
}

// Stats is a snapshot of recorder counters.
type Stats struct {
	Persisted     int64 `json:"persisted"`
	Pending       int   `json:"pending"`
	Failed        int64 `json:"failed"`
	FlushFailures int64 `json:"flushFailures"`
	Lost          int64 `json:"lost"`
	FileErrors    int64 `json:"fileErrors"`
}

// Recorder persists accepted events with their evidence image, either one by one or in batches.
type Recorder struct {
	repo    repository.EventRepository
	mode    string
	dir     string
	limit   int
	retries int
	logger  *logger.Logger

	mu       sync.Mutex
	pending  []*model.CrossingEvent
	failures int

	flushMu sync.Mutex

	persisted     atomic.Int64
	failed        atomic.Int64
	flushFailures atomic.Int64
	lost          atomic.Int64
	fileErrors    atomic.Int64
}

func NewRecorder(repo repository.EventRepository, opts Options) *Recorder {
	if opts.Mode == "" {
		opts.Mode = ModeImmediate
	}
	if opts.BatchLimit < 1 {
		opts.BatchLimit = 50
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}

	return &Recorder{
		repo:    repo,
		mode:    opts.Mode,
		dir:     opts.Dir,
		limit:   opts.BatchLimit,
		retries: max(opts.FlushRetries, 0),
		logger:  opts.Logger,
		pending: make([]*model.CrossingEvent, 0, opts.BatchLimit),
	}
}

// Record stores event. In batched mode the event is queued and the batch flushed once it
// reaches the limit; a flush failure there does not fail the call. The caller's event is
// not modified: the evidence path is set on the stored copy.
func (r *Recorder) Record(ctx context.Context, event *model.CrossingEvent) (Status, error) {
	stored := *event
	if r.dir != "" && stored.EvidencePath == "" && len(stored.Evidence) > 0 {
		path, err := r.saveImage(&stored)
		if err != nil {
			r.fileErrors.Add(1)
			r.logger.Error("Error saving evidence image for %s: %v", stored.ID, err)
		} else {
			stored.EvidencePath = path
		}
	}

	if r.mode != ModeBatched {
		if err := r.repo.Insert(ctx, &stored); err != nil {
			r.failed.Add(1)
			return StatusFailed, fmt.Errorf("failed to record event %s: %w", stored.ID, err)
		}
		r.persisted.Add(1)
		return StatusPersisted, nil
	}

	r.mu.Lock()
	r.pending = append(r.pending, &stored)
	full := len(r.pending) >= r.limit
	size := len(r.pending)
	r.mu.Unlock()

	r.logger.Info("Evidence buffer size: %d/%d", size, r.limit)
	if full {
		if err := r.Flush(ctx); err != nil {
			r.logger.Error("Error flushing evidence batch: %v", err)
		}
	}
	return StatusQueued, nil
}

// Flush writes every pending event in one transaction. Inserts are idempotent, so a batch
// that failed is retried as a whole on the next flush; after FlushRetries failures it is
// dropped and counted as lost.
func (r *Recorder) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	batch := append([]*model.CrossingEvent(nil), r.pending...)
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := r.repo.InsertBatch(ctx, batch); err != nil {
		r.flushFailures.Add(1)

		r.mu.Lock()
		r.failures++
		drop := r.failures > r.retries
		if drop {
			r.pending = r.pending[len(batch):]
			r.failures = 0
		}
		r.mu.Unlock()

		if drop {
			r.lost.Add(int64(len(batch)))
			return fmt.Errorf("batch of %d events lost: %w", len(batch), err)
		}
		return fmt.Errorf("batch of %d events kept for retry: %w", len(batch), err)
	}

	r.mu.Lock()
	r.pending = r.pending[len(batch):]
	r.failures = 0
	r.mu.Unlock()

	r.persisted.Add(int64(len(batch)))
	r.logger.Info("Flushed %d events to the evidence store", len(batch))
	return nil
}

// Run flushes the batch on every tick until ctx is done.
func (r *Recorder) Run(ctx context.Context, interval time.Duration) {
	if r.mode != ModeBatched || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.logger.Error("Error flushing evidence batch: %v", err)
			}
		}
	}
}

// Close flushes what is still pending. Events that cannot be written are counted as lost.
func (r *Recorder) Close(ctx context.Context) error {
	err := r.Flush(ctx)
	if err == nil {
		return nil
	}

	r.mu.Lock()
	n := len(r.pending)
	r.pending = r.pending[:0]
	r.failures = 0
	r.mu.Unlock()

	r.lost.Add(int64(n))
	return fmt.Errorf("final flush failed, %d events lost: %w", n, err)
}

func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	pending := len(r.pending)
	r.mu.Unlock()

	return Stats{
		Persisted:     r.persisted.Load(),
		Pending:       pending,
		Failed:        r.failed.Load(),
		FlushFailures: r.flushFailures.Load(),
		Lost:          r.lost.Load(),
		FileErrors:    r.fileErrors.Load(),
	}
}

func (r *Recorder) saveImage(event *model.CrossingEvent) (string, error) {
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return "", fmt.Errorf("error creating directory: %w", err)
	}

	path := filepath.Join(r.dir, EvidenceFilename(event))
	if _, err := os.Stat(path); err == nil {
		path = strings.TrimSuffix(path, ".jpg") + "_" + shortID(event.ID) + ".jpg"
	}

	if err := os.WriteFile(path, event.Evidence, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// EvidenceFilename names an evidence image <timestamp>_<lane>_<direction>_<plate>.jpg.
func EvidenceFilename(event *model.CrossingEvent) string {
	return fmt.Sprintf("%s_%s_%s_%s.jpg",
		event.OccurredAt.Format("2006-01-02_15-04-05"),
		sanitize(event.Lane),
		strings.ToLower(string(event.Direction)),
		sanitize(event.Plate),
	)
}

func sanitize(s string) string {
	if s == "" {
		return "none"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '_'
	}, s)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
