package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"gatewatch/internal/dto"
	"gatewatch/internal/logger"
	"gatewatch/internal/services/correlator"
)

// BatchRecorder is the part of the evidence recorder the manager drives.
type BatchRecorder interface {
	Run(ctx context.Context, interval time.Duration)
	Close(ctx context.Context) error
}

// DeliveryLoop is the actuation dispatcher's background loop.
type DeliveryLoop interface {
	Start(ctx context.Context)
	Stop()
}

type ManagerOptions struct {
	Lanes         []*Lane
	Ledger        *correlator.Ledger
	Recorder      BatchRecorder
	FlushInterval time.Duration
	Dispatcher    DeliveryLoop
	// DrainTimeout bounds how long queued commands may take to go out on shutdown.
	DrainTimeout time.Duration
	// OnShutdown runs after the dispatcher stopped, e.g. to disconnect the broker.
	OnShutdown func()
	Logger     *logger.Logger
}

const defaultDrainTimeout = 10 * time.Second

// Manager owns the lanes and the shared sinks and runs them until stopped.
type Manager struct {
	lanes         []*Lane
	byName        map[string]*Lane
	ledger        *correlator.Ledger
	recorder      BatchRecorder
	flushInterval time.Duration
	dispatcher    DeliveryLoop
	drainTimeout  time.Duration
	onShutdown    func()
	logger        *logger.Logger
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	m := &Manager{
		lanes:         opts.Lanes,
		byName:        make(map[string]*Lane, len(opts.Lanes)),
		ledger:        opts.Ledger,
		recorder:      opts.Recorder,
		flushInterval: opts.FlushInterval,
		dispatcher:    opts.Dispatcher,
		drainTimeout:  opts.DrainTimeout,
		onShutdown:    opts.OnShutdown,
		logger:        opts.Logger,
	}
	for _, l := range opts.Lanes {
		m.byName[l.Name()] = l
	}
	return m
}

// Run opens every lane, runs the ones that opened and returns once all of them ended.
// Before returning it flushes pending evidence and stops actuation.
func (m *Manager) Run(ctx context.Context) error {
	var opened []*Lane
	for _, l := range m.lanes {
		if err := l.Open(ctx); err != nil {
			m.logger.Error("❌ %v", err)
			continue
		}
		opened = append(opened, l)
	}
	if len(opened) == 0 {
		m.shutdown(opened, func() {})
		return errors.New("no lane could be opened")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Commands queued by the last iteration are still delivered after ctx ends.
	deliverCtx, stopDelivery := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDelivery()
	if m.dispatcher != nil {
		m.dispatcher.Start(deliverCtx)
	}

	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		if m.recorder != nil {
			m.recorder.Run(runCtx, m.flushInterval)
		}
	}()

	var g errgroup.Group
	for _, l := range opened {
		g.Go(func() error {
			return l.Run(runCtx)
		})
	}
	err := g.Wait()

	cancel()
	<-flushed
	m.shutdown(opened, stopDelivery)
	return err
}

func (m *Manager) shutdown(opened []*Lane, stopDelivery context.CancelFunc) {
	if m.recorder != nil {
		if err := m.recorder.Close(context.Background()); err != nil {
			m.logger.Error("Error flushing evidence: %v", err)
		}
	}
	if m.dispatcher != nil {
		timer := time.AfterFunc(m.drainTimeout, func() {
			m.logger.Warning("⚠️  Actuation queue not drained after %s, abandoning", m.drainTimeout)
			stopDelivery()
		})
		m.dispatcher.Stop()
		timer.Stop()
	}
	stopDelivery()
	if m.onShutdown != nil {
		m.onShutdown()
	}
	for _, l := range opened {
		if err := l.Close(); err != nil {
			m.logger.Error("Lane %s: failed to release source: %v", l.Name(), err)
		}
	}
	m.logger.Info("🛑 All lanes stopped")
}

// Lane returns the named lane.
func (m *Manager) Lane(name string) (*Lane, error) {
	l, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownLane, name)
	}
	return l, nil
}

// DetectNow runs an on-demand detection on the named lane, or on the first lane when name is empty.
func (m *Manager) DetectNow(ctx context.Context, name string) (*dto.DetectionResult, error) {
	l := m.DefaultLane()
	if name != "" {
		var err error
		if l, err = m.Lane(name); err != nil {
			return nil, err
		}
	}
	if l == nil {
		return nil, ErrUnknownLane
	}
	return l.DetectNow(ctx)
}

// DefaultLane returns the first configured lane.
func (m *Manager) DefaultLane() *Lane {
	if len(m.lanes) == 0 {
		return nil
	}
	return m.lanes[0]
}

func (m *Manager) Lanes() []*Lane {
	return m.lanes
}

func (m *Manager) Ledger() *correlator.Ledger {
	return m.ledger
}

func (m *Manager) Stats() []LaneStats {
	stats := make([]LaneStats, 0, len(m.lanes))
	for _, l := range m.lanes {
		stats = append(stats, l.Stats())
	}
	return stats
}
