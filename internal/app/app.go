package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"gatewatch/internal/config"
	"gatewatch/internal/logger"
	"gatewatch/internal/model"
	"gatewatch/internal/repository/sqldb"
	"gatewatch/internal/routes"
	"gatewatch/internal/services/actuation"
	"gatewatch/internal/services/capture"
	"gatewatch/internal/services/correlator"
	"gatewatch/internal/services/pipeline"
	"gatewatch/internal/services/sampler"
	"gatewatch/internal/services/storage"
	"gatewatch/internal/services/stream"
	"gatewatch/internal/services/vision"
	"gatewatch/internal/services/websocket"
)

const (
	// a UDP camera that sends nothing for this long is treated as gone
	udpStallTimeout = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

type App struct {
	config *config.Config
	logger *logger.Logger

	db         *sqldb.DB
	detector   *vision.Detector
	plates     *vision.PlateReader
	ledger     *correlator.Ledger
	recorder   *storage.Recorder
	dispatcher *actuation.Dispatcher
	mqtt       *actuation.MQTTPublisher
	hub        *websocket.HubService
	streams    *stream.Registry
	manager    *pipeline.Manager
	server     *http.Server
}

// NewApp wires storage, vision, actuation and the lanes described by cfg. Nothing is
// started until Run.
func NewApp(cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{config: cfg, logger: log}

	db, err := sqldb.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open evidence store: %w", err)
	}
	a.db = db

	a.ledger = correlator.NewLedger(sqldb.NewLedgerRepository(db))
	if err := a.ledger.Load(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	if n := a.ledger.Len(); n > 0 {
		log.Info("Restored %d active plates", n)
	}

	a.detector = vision.NewDetector(vision.DetectorConfig{
		ModelPath:  cfg.ModelPath,
		ConfigPath: cfg.ModelConfigPath,
		Labels:     cfg.ModelLabels,
		Allowed:    cfg.AllowedLabels,
		Threshold:  cfg.DetectionThreshold,
		Width:      cfg.ClassifyWidth,
		Height:     cfg.ClassifyHeight,
	}, log)

	if cfg.OCREnabled {
		plates, err := vision.NewPlateReader(cfg.OCRLanguages, log)
		if err != nil {
			log.Warning("⚠️  OCR disabled: %v", err)
		} else {
			a.plates = plates
		}
	}

	a.recorder = storage.NewRecorder(sqldb.NewEventRepository(db), storage.Options{
		Mode:         cfg.RecordMode,
		Dir:          cfg.EvidenceDir,
		BatchLimit:   cfg.BatchLimit,
		FlushRetries: cfg.FlushRetries,
		Logger:       log,
	})

	var publisher actuation.Publisher = actuation.LogPublisher{Logger: log}
	if cfg.MQTT.Broker != "" {
		a.mqtt = actuation.NewMQTTPublisher(cfg.MQTT, log)
		publisher = a.mqtt
	}
	routeTable := make(map[string]actuation.Route, len(cfg.Lanes))
	for _, lc := range cfg.Lanes {
		routeTable[lc.Name] = actuation.Route{
			Topic:    cfg.TopicFor(lc),
			Commands: actuation.CommandTable(lc.Actions),
		}
	}
	a.dispatcher = actuation.NewDispatcher(publisher, routeTable, actuation.DispatcherOptions{
		QueueSize: cfg.MQTT.QueueSize,
		Retries:   cfg.MQTT.Retries,
		Backoff:   cfg.MQTT.Backoff,
		Logger:    log,
	})

	a.hub = websocket.NewHubService(log)
	if cfg.StreamEnabled {
		a.streams = stream.NewRegistry()
	}

	lanes := make([]*pipeline.Lane, 0, len(cfg.Lanes))
	for _, lc := range cfg.Lanes {
		lane, err := a.buildLane(lc)
		if err != nil {
			a.Close()
			return nil, err
		}
		lanes = append(lanes, lane)
	}

	a.manager = pipeline.NewManager(pipeline.ManagerOptions{
		Lanes:         lanes,
		Ledger:        a.ledger,
		Recorder:      a.recorder,
		FlushInterval: cfg.FlushInterval,
		Dispatcher:    a.dispatcher,
		OnShutdown: func() {
			if a.mqtt != nil {
				a.mqtt.Disconnect()
			}
		},
		Logger: log,
	})

	a.server = &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Port),
		Handler: routes.SetupRoutes(routes.Dependencies{
			APIToken: cfg.APIToken,
			Events:   sqldb.NewEventRepository(db),
			Detector: a.manager,
			Ledger:   a.ledger,
			Stats:    a.Stats,
			Hub:      a.hub,
			Streams:  a.streams,
			Logger:   log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

func (a *App) buildLane(lc config.LaneConfig) (*pipeline.Lane, error) {
	cfg := a.config
	direction, err := model.ParseDirection(lc.Direction)
	if err != nil {
		return nil, fmt.Errorf("lane %s: %w", lc.Name, err)
	}

	source, err := newSource(lc.Source, a.logger)
	if err != nil {
		return nil, fmt.Errorf("lane %s: %w", lc.Name, err)
	}

	debouncer := sampler.NewDebouncer(cfg.Cooldown, cfg.CooldownScope == config.CooldownScopePlate)

	opts := pipeline.LaneOptions{
		Name:      lc.Name,
		Source:    source,
		Sampler:   sampler.New(cfg.ProcessingInterval),
		Debouncer: debouncer,
		Correlator: correlator.New(correlator.Options{
			Lane:          lc.Name,
			Direction:     direction,
			OCREnabled:    a.plates != nil,
			PlateAttempts: cfg.PlateAttempts,
			Debouncer:     debouncer,
			Ledger:        a.ledger,
			Logger:        a.logger,
		}),
		Classifier: a.detector,
		Annotator:  vision.NewAnnotator(),
		Recorder:   a.recorder,
		Dispatcher: a.dispatcher,
		Notifier:   a.hub,
		Workers:    cfg.ClassifyWorkers,
		QueueSize:  cfg.ClassifyQueue,
		DropPolicy: cfg.DropPolicy,
		Logger:     a.logger,
	}
	// nil pointers must not end up as non-nil interfaces
	if a.plates != nil {
		opts.Plates = a.plates
	}
	if a.streams != nil {
		opts.Sink = a.streams.For(lc.Name)
	}
	return pipeline.NewLane(opts), nil
}

// newSource picks the frame source for a lane: udp:// sources are ESP32-style datagram
// cameras, anything else goes to OpenCV.
func newSource(source string, log *logger.Logger) (capture.FrameSource, error) {
	if capture.IsUDPSource(source) {
		return capture.NewUDPSource(source, udpStallTimeout, log)
	}
	return vision.NewVideoSource(source, log), nil
}

// Run serves HTTP and runs the lanes until ctx is done or every lane has ended.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.logger.Info("🚀 Gate watch server")
	a.logger.Info("📍 URL: http://localhost:%d", a.config.Port)
	a.logger.Info("🤖 AI Model: %s (ready: %t)", a.config.ModelPath, a.detector.Ready())
	a.logger.Info("🗄️  Evidence: %s %s, mode %s", a.config.DBDriver, a.config.DBDSN, a.config.RecordMode)

	if a.mqtt != nil {
		if err := a.mqtt.Connect(ctx); err != nil {
			a.logger.Warning("⚠️  %v - commands fail until the broker is reachable", err)
		}
	}

	go a.hub.Run(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return a.manager.Run(gctx)
	})
	g.Go(func() error {
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			// open MJPEG streams never finish on their own
			a.logger.Warning("Forcing HTTP server close: %v", err)
			a.server.Close()
		}
		return nil
	})
	return g.Wait()
}

// Handler exposes the HTTP surface.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Stats collects the counters served by /api/stats.
func (a *App) Stats() map[string]any {
	stats := map[string]any{
		"lanes":         a.manager.Stats(),
		"recorder":      a.recorder.Stats(),
		"dispatcher":    a.dispatcher.Stats(),
		"activePlates":  a.ledger.Len(),
		"liveViewers":   a.hub.GetClientCount(),
		"liveDropped":   a.hub.Dropped(),
		"detectorReady": a.detector.Ready(),
	}
	if a.mqtt != nil {
		stats["mqtt"] = a.mqtt.Stats()
	}
	return stats
}

// Close releases the model, the OCR engine and the database.
func (a *App) Close() error {
	var errs []error
	if a.detector != nil {
		errs = append(errs, a.detector.Close())
	}
	if a.plates != nil {
		errs = append(errs, a.plates.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
