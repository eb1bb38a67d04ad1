// Package daemon owns the long-running specforge process: it wires the
// store, dispatcher, workers, orchestrator, and change detector together
// and serves the unix socket and HTTP query interfaces.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/msageha/specforge/internal/config"
	"github.com/msageha/specforge/internal/detector"
	"github.com/msageha/specforge/internal/events"
	"github.com/msageha/specforge/internal/httpapi"
	"github.com/msageha/specforge/internal/lock"
	"github.com/msageha/specforge/internal/logging"
	"github.com/msageha/specforge/internal/metrics"
	"github.com/msageha/specforge/internal/model"
	"github.com/msageha/specforge/internal/orchestrator"
	"github.com/msageha/specforge/internal/quality"
	"github.com/msageha/specforge/internal/queue"
	"github.com/msageha/specforge/internal/store"
	"github.com/msageha/specforge/internal/uds"
	"github.com/msageha/specforge/internal/worker"
)

const (
	auditMaxSize  = 10 << 20
	busBufferSize = 256
)

type Options struct {
	Version string
	// LogWriter overrides cfg.Logging.File.
	LogWriter io.Writer
	// Generator overrides the generator built from cfg.Worker.
	Generator worker.Generator
}

// Daemon is the main specforge process.
type Daemon struct {
	paths     config.Paths
	cfg       *model.Config
	opts      Options
	base      *slog.Logger
	logger    *slog.Logger
	logCloser io.Closer
	startedAt time.Time

	fileLock *lock.FileLock
	store    store.Store
	bus      *events.Bus
	audit    *events.AuditLogger
	metrics  *metrics.Metrics
	queue    *queue.Dispatcher
	runner   *worker.Runner
	detector *detector.Detector
	orch     *orchestrator.Orchestrator
	server   *uds.Server
	http     *http.Server
	httpLn   net.Listener

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	stopped  chan struct{}
}

func New(root string, cfg *model.Config, opts Options) (*Daemon, error) {
	paths := config.NewPaths(root)

	var (
		logger *slog.Logger
		closer io.Closer = io.NopCloser(nil)
	)
	if opts.LogWriter != nil {
		logger = logging.NewWithWriter(opts.LogWriter, cfg.Logging.Level)
	} else {
		var err error
		if logger, closer, err = logging.New(cfg.Logging.File, cfg.Logging.Level); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		paths:     paths,
		cfg:       cfg,
		opts:      opts,
		base:      logger,
		logger:    logger.With("component", "daemon"),
		logCloser: closer,
		fileLock:  lock.NewFileLock(paths.LockFile()),
		ctx:       ctx,
		cancel:    cancel,
		stopped:   make(chan struct{}),
	}, nil
}

// Start acquires the daemon lock, recovers persisted state, and starts every
// background loop. It returns once the daemon is serving.
func (d *Daemon) Start() error {
	if err := os.MkdirAll(d.paths.Workspace, 0755); err != nil {
		return fmt.Errorf("ensure workspace: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.startedAt = time.Now().UTC()
	d.logger.Info("daemon starting", "pid", os.Getpid(), "root", d.paths.Root)

	if err := d.build(); err != nil {
		d.cleanup()
		return err
	}

	resumed, err := d.orch.Recover(d.ctx)
	if err != nil {
		d.logger.Error("recovery incomplete", "error", err)
	}
	d.logger.Info("state recovered", "workflows", resumed)

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start uds server: %w", err)
	}
	d.logger.Info("uds server listening", "socket", d.paths.Socket())

	if err := d.startHTTP(); err != nil {
		_ = d.server.Stop()
		d.cleanup()
		return err
	}

	d.goLoop("orchestrator", func(ctx context.Context) { d.orch.Run(ctx) })
	d.goLoop("sweeper", func(ctx context.Context) { d.queue.RunSweeper(ctx, d.cfg.Queue.SweepInterval()) })
	d.goLoop("runner", func(ctx context.Context) {
		if err := d.runner.Run(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("runner stopped", "error", err)
		}
	})
	d.goLoop("detector", func(ctx context.Context) {
		d.detector.Run(ctx, d.cfg.Detector.ScanInterval(), d.orch.HandleChanges)
	})
	if d.cfg.Detector.Watch {
		d.goLoop("watcher", func(ctx context.Context) {
			if err := d.detector.Watch(ctx); err != nil {
				d.logger.Warn("fsnotify disabled, polling only", "error", err)
			}
		})
	}

	d.logger.Info("daemon ready")
	return nil
}

// build opens the store and wires the components in dependency order.
func (d *Daemon) build() error {
	cfg := d.cfg
	logger := d.base

	for _, dir := range []string{d.paths.Logs(), cfg.Detector.SpecDir, cfg.Worker.ArtifactDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
	}

	st, err := store.Open(d.ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	d.store = st

	if d.audit, err = events.NewAuditLogger(d.paths.AuditLog(), auditMaxSize); err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	d.bus = events.NewBus(busBufferSize, logger)
	recorder := events.NewRecorder(d.bus, d.audit, logger)

	if d.metrics, err = metrics.New(d.ctx, "specforge"); err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	d.metrics.Follow(d.bus)

	concurrency := make(map[model.Category]int)
	for _, c := range model.Categories() {
		concurrency[c] = cfg.Queue.ConcurrencyFor(c)
	}
	d.queue = queue.New(st, recorder, queue.Options{
		Concurrency:       concurrency,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout(),
		MaxDeliveries:     cfg.Queue.MaxDeliveries,
		PriorityAging:     time.Duration(cfg.Queue.PriorityAgingSec) * time.Second,
	}, logger)
	d.queue.SetObserver(d.metrics)

	gen := d.opts.Generator
	if gen == nil {
		if gen, err = worker.NewGenerator(cfg.Worker); err != nil {
			return fmt.Errorf("init generator: %w", err)
		}
	}
	writer := worker.NewArtifactWriter(cfg.Worker.ArtifactDir)
	registry := worker.NewDefaultRegistry(gen, worker.RetryPolicyFromConfig(cfg.Worker.Retry), cfg.Worker.CallTimeout(), writer, logger)
	d.runner = worker.NewRunner(d.queue, st, registry, writer, worker.RunnerOptions{
		Concurrency: concurrency,
		Observer:    d.metrics,
	}, logger)

	rules, err := quality.LoadRules(cfg.QualityGates.RulesFile)
	if err != nil {
		return fmt.Errorf("load gate rules: %w", err)
	}
	engine, err := quality.NewRuleEngine(rules)
	if err != nil {
		return fmt.Errorf("compile gate rules: %w", err)
	}
	checker, err := quality.NewChecker(cfg.QualityGates, engine, logger)
	if err != nil {
		return fmt.Errorf("init quality gates: %w", err)
	}

	d.orch = orchestrator.New(st, d.queue, checker, recorder, orchestrator.Options{
		TaskTimeout:       cfg.Orchestrator.TaskTimeout(),
		ReconcileInterval: cfg.Orchestrator.ReconcileInterval(),
		SecurityReview:    cfg.Orchestrator.SecurityReview,
	}, logger)

	filter, err := detector.FilterByName(cfg.Detector.Policy)
	if err != nil {
		return err
	}
	if d.detector, err = detector.New(detector.Options{
		Dir:          cfg.Detector.SpecDir,
		Patterns:     cfg.Detector.Patterns,
		SnapshotPath: d.paths.Snapshot(),
		WorkspaceDir: d.paths.Workspace,
		Filter:       filter,
		Debounce:     time.Duration(cfg.Detector.DebounceMs) * time.Millisecond,
	}, logger); err != nil {
		return err
	}

	d.server = uds.NewServer(d.paths.Socket(), logger)
	return nil
}

func (d *Daemon) startHTTP() error {
	addr := d.cfg.Daemon.HTTPAddr
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	d.httpLn = ln
	d.http = &http.Server{
		Handler: httpapi.New(httpapi.Config{
			Store:   d.store,
			Reports: d.orch,
			Queues:  d.queue,
			Metrics: d.metrics.Handler(),
			Logger:  d.base,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("http server stopped", "error", err)
		}
	}()
	d.logger.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

// HTTPAddr is the bound query API address, or "" when disabled.
func (d *Daemon) HTTPAddr() string {
	if d.httpLn == nil {
		return ""
	}
	return d.httpLn.Addr().String()
}

func (d *Daemon) goLoop(name string, fn func(ctx context.Context)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn(d.ctx)
		d.logger.Debug("loop stopped", "loop", name)
	}()
}

// Run starts the daemon and blocks until a signal or a shutdown request
// stops it.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	d.Shutdown()
	return nil
}

// waitSignals blocks until a shutdown signal arrives or the daemon context
// is cancelled.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
	case <-d.ctx.Done():
		return
	}

	go func() {
		<-sigCh
		d.logger.Warn("received second signal, forcing exit")
		os.Exit(1)
	}()
}

// Shutdown stops producers first, then drains in-flight work within the
// configured timeout. It is idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Info("shutdown started")

		d.cancel()
		if d.server != nil {
			_ = d.server.Stop()
		}
		timeout := d.cfg.Daemon.ShutdownTimeout()
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		if d.http != nil {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			if err := d.http.Shutdown(ctx); err != nil {
				d.logger.Warn("http shutdown", "error", err)
			}
			cancel()
		}
		if d.queue != nil {
			d.queue.Close()
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.logger.Info("all goroutines drained")
		case <-time.After(timeout):
			d.logger.Warn("shutdown timeout, some operations may be incomplete", "timeout", timeout)
		}

		d.cleanup()
		d.logger.Info("daemon stopped")
		close(d.stopped)
	})
}

// Done is closed once Shutdown has finished.
func (d *Daemon) Done() <-chan struct{} { return d.stopped }

func (d *Daemon) cleanup() {
	if d.bus != nil {
		d.bus.Close()
	}
	if d.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = d.metrics.Shutdown(ctx)
		cancel()
	}
	if d.audit != nil {
		_ = d.audit.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	_ = os.Remove(d.paths.Socket())
	_ = d.fileLock.Unlock()
	_ = d.logCloser.Close()
}
