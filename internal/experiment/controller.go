package experiment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/finchlab/scopeflow/api/schemas"
	"github.com/finchlab/scopeflow/internal/action"
	"github.com/finchlab/scopeflow/internal/analysis"
	"github.com/finchlab/scopeflow/internal/config"
	"github.com/finchlab/scopeflow/internal/engine"
	"github.com/finchlab/scopeflow/internal/hardware"
	"github.com/finchlab/scopeflow/internal/metadata"
	"github.com/finchlab/scopeflow/internal/perception"
	"github.com/finchlab/scopeflow/internal/tracking"
	"github.com/finchlab/scopeflow/internal/viz"
)

// Controller wires an experiment spec into a running loop engine together
// with its tracking and visualization collaborators, and supervises the run
// to completion.
type Controller struct {
	cfg    config.Config
	logger *zap.Logger

	// hardware may be injected for tests; defaults to the simulator.
	hardware schemas.HardwareAdapter
	analyzer schemas.Analyzer
	clock    func() time.Time

	mu     sync.Mutex
	active *engine.Engine
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithHardware substitutes the hardware adapter.
func WithHardware(h schemas.HardwareAdapter) ControllerOption {
	return func(c *Controller) { c.hardware = h }
}

// WithAnalyzer substitutes the analyzer.
func WithAnalyzer(a schemas.Analyzer) ControllerOption {
	return func(c *Controller) { c.analyzer = a }
}

// WithClock substitutes the time source.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.clock = now }
}

// NewController builds a controller over the given configuration.
func NewController(cfg config.Config, logger *zap.Logger, opts ...ControllerOption) (*Controller, error) {
	if logger == nil {
		return nil, fmt.Errorf("cannot initialize controller with a nil logger")
	}
	c := &Controller{
		cfg:    cfg,
		logger: logger.Named("ExperimentController"),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.hardware == nil {
		sim, err := hardware.NewSimulator(cfg.Channels, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize simulated hardware: %w", err)
		}
		c.hardware = sim
	}
	if c.analyzer == nil {
		c.analyzer = analysis.NewThresholdAnalyzer(logger)
	}
	return c, nil
}

// Cancel requests cooperative cancellation of the active run, if any.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		c.active.Cancel()
	}
}

// Run executes one experiment to a terminal state and returns its result.
// Even faulted and cancelled runs return a populated result alongside a
// non-nil error describing the termination.
func (c *Controller) Run(ctx context.Context, spec Spec) (schemas.Result, error) {
	if err := spec.Validate(c.cfg.Channels); err != nil {
		return schemas.Result{}, fmt.Errorf("invalid experiment spec: %w", err)
	}

	strat, err := buildStrategy(spec, c.cfg.Channels, c.clock)
	if err != nil {
		return schemas.Result{}, err
	}

	sink, closeSink, err := c.buildSink(ctx)
	if err != nil {
		return schemas.Result{}, err
	}
	defer closeSink()

	publisher, runViz, stopViz := c.buildViz(ctx)
	defer stopViz()

	initialFOV := c.initialFieldOfView()
	store, err := perception.NewStore(initialFOV, perception.Thresholds{
		Focus:          focusThresholdFor(spec),
		CoverageDegree: 1,
	}, c.logger)
	if err != nil {
		return schemas.Result{}, err
	}

	adapter := c.hardware
	var recorder *hardware.Recorder
	if spec.OMEPath != "" {
		recorder = hardware.NewRecorder(adapter)
		adapter = recorder
	}

	catalog := action.NewCatalog(c.cfg.Stage, c.cfg.Channels)
	eng, err := engine.New(
		c.cfg.Engine, store, catalog, strat,
		adapter, c.analyzer, sink, publisher,
		c.logger, engine.WithClock(c.clock),
	)
	if err != nil {
		return schemas.Result{}, err
	}

	c.mu.Lock()
	c.active = eng
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
	}()

	c.logger.Info("Starting experiment",
		zap.String("name", spec.Name),
		zap.String("preset", string(spec.Preset)),
		zap.String("runID", eng.RunID()))

	runViz()
	result := eng.Run(ctx)

	if recorder != nil {
		if err := c.exportMetadata(result.RunID, spec.OMEPath, recorder); err != nil {
			c.logger.Error("Failed to export acquisition metadata", zap.Error(err))
		}
	}

	switch result.State {
	case schemas.StateCompleted:
		return result, nil
	case schemas.StateCancelled:
		return result, fmt.Errorf("experiment %s cancelled", spec.Name)
	default:
		return result, fmt.Errorf("experiment %s faulted: %s", spec.Name, result.Fault)
	}
}

func (c *Controller) buildSink(ctx context.Context) (schemas.TrackingSink, func(), error) {
	if c.cfg.Tracking.DatabaseURL == "" {
		return tracking.NopSink{}, func() {}, nil
	}

	pool, err := pgxpool.New(ctx, c.cfg.Tracking.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect tracking database: %w", err)
	}
	writer, err := tracking.NewPostgresWriter(ctx, pool, c.logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	sink, err := tracking.NewBufferedSink(writer, c.logger,
		tracking.WithBufferSize(c.cfg.Tracking.BufferSize))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return sink, func() {
		_ = sink.Close()
		pool.Close()
	}, nil
}

// buildViz returns the publisher, a function that starts the websocket
// server (no-op when disabled), and a stop function.
func (c *Controller) buildViz(ctx context.Context) (schemas.SnapshotPublisher, func(), func()) {
	maxPerSecond := 4.0
	if iv := c.cfg.Viz.MinPublishInterval; iv > 0 {
		maxPerSecond = 1 / iv.Seconds()
	}
	publisher := viz.NewPublisher(maxPerSecond, c.logger)

	if c.cfg.Viz.ListenAddr == "" {
		return publisher, func() {}, func() {}
	}

	server, err := viz.NewServer(c.cfg.Viz.ListenAddr, publisher, c.logger)
	if err != nil {
		c.logger.Warn("Visualization disabled", zap.Error(err))
		return publisher, func() {}, func() {}
	}

	vizCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(vizCtx)
	start := func() {
		g.Go(func() error { return server.Run(gctx) })
	}
	stop := func() {
		cancel()
		if err := g.Wait(); err != nil && err != context.Canceled {
			c.logger.Warn("Visualization server stopped with error", zap.Error(err))
		}
	}
	return publisher, start, stop
}

// exportMetadata writes the run's acquisition record as OME XML.
func (c *Controller) exportMetadata(runID, path string, recorder *hardware.Recorder) error {
	observations, truncated := recorder.Observations()
	if truncated {
		c.logger.Warn("Acquisition record truncated, metadata export is partial",
			zap.Int("kept", len(observations)))
	}
	doc, err := metadata.NewWriter("").Document(runID, observations)
	if err != nil {
		return fmt.Errorf("failed to render metadata document: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}
	c.logger.Info("Acquisition metadata exported",
		zap.String("path", path), zap.Int("observations", len(observations)))
	return nil
}

func (c *Controller) initialFieldOfView() schemas.FieldOfView {
	names := c.cfg.Channels.Names()
	fov := schemas.FieldOfView{}
	if len(names) > 0 {
		fov.Channel = names[0]
		fov.ExposureMs = c.cfg.Channels.Exposures[names[0]]
	}
	return fov
}

func focusThresholdFor(spec Spec) float64 {
	if spec.FocusThreshold > 0 {
		return spec.FocusThreshold
	}
	return 0.6
}
