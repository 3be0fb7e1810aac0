// Package orchestrator wires the VM manager, monitor, autoscaler and
// telemetry into one supervised process.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nimbus-kvm-orchestrator/internal/config"
	"nimbus-kvm-orchestrator/internal/dispatch"
	"nimbus-kvm-orchestrator/internal/domain"
	"nimbus-kvm-orchestrator/internal/libvirt"
	"nimbus-kvm-orchestrator/internal/manager"
	"nimbus-kvm-orchestrator/internal/model"
	"nimbus-kvm-orchestrator/internal/monitor"
	"nimbus-kvm-orchestrator/internal/pool"
	"nimbus-kvm-orchestrator/internal/scaling"
	"nimbus-kvm-orchestrator/internal/store"
	"nimbus-kvm-orchestrator/internal/telemetry"
)

// forwardInterval is the push cadence towards the fleet backend. The
// local sampler runs faster; the backend only needs the rollup.
const forwardInterval = 2 * time.Second

type Orchestrator struct {
	cfg        config.Config
	logger     *slog.Logger
	session    *libvirt.Session
	store      *store.LevelDB
	dispatcher *dispatch.Dispatcher
	manager    *manager.Manager
	monitor    *monitor.Monitor
	engine     *scaling.Engine
	executor   *scaling.Executor
	forwarder  *telemetry.Forwarder
	sink       telemetry.Sink
	metrics    http.Handler
	health     *HealthStatus
}

func New(cfg config.Config, logger *slog.Logger) (*Orchestrator, error) {
	st, err := store.Open(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	session := libvirt.NewSession(cfg.LibvirtURI, cfg.ReconnectInterval, cfg.MaxReconnectJitter, logger)

	p, err := pool.New(st, cfg.DisplayPortLo, cfg.DisplayPortHi, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("display port pool: %w", err)
	}

	dispatcher := dispatch.New(cfg.DispatcherWorkers, logger)

	mgr := manager.New(manager.Params{
		Session:        session,
		Store:          st,
		Pool:           p,
		Builder:        domain.NewBuilder(cfg.EmulatorPath),
		Dispatcher:     dispatcher,
		Logger:         logger,
		CgroupRoot:     cfg.CgroupRoot,
		ImageDir:       cfg.ImageDir,
		StopWait:       cfg.DomainStopWait,
		MigrateTimeout: cfg.MigrateTimeout,
		Autostart:      cfg.DefineAutostart,
	})

	mon := monitor.New(session, cfg.NodeID, cfg.Hostname, "/", logger)

	health := NewHealthStatus()

	sink, err := telemetry.NewSinkFromConfig(cfg, logger)
	if err != nil {
		dispatcher.Stop()
		_ = st.Close()
		return nil, fmt.Errorf("telemetry sink: %w", err)
	}
	var forwarder *telemetry.Forwarder
	if sink != nil {
		sink = &healthSink{sink: sink, health: health}
		forwarder = telemetry.NewForwarder(sink, mon, logger)
	}

	executor := scaling.NewExecutor(scaling.ExecutorParams{
		Controller: mgr,
		Dispatcher: dispatcher,
		Logger:     logger,
		DestURI:    cfg.MigrateDestURI,
		Cooldown:   cfg.ExecCooldown,
		RetryDelay: cfg.ExecRetryDelay,
	})

	engine := scaling.New(scaling.Params{
		Info: func(name string) (scaling.VMInfo, bool) {
			view, ok := mgr.FindByName(name)
			if !ok || len(view.Limits) == 0 {
				return scaling.VMInfo{}, false
			}
			return scaling.VMInfo{ID: view.ID, Limits: view.Limits}, true
		},
		Sink: func(d model.Decision) {
			health.MarkDecision(d.Timestamp)
			executor.Submit(d)
			if forwarder != nil {
				forwarder.ForwardDecision(d)
			}
		},
		Store:  st,
		Logger: logger,
		Thresholds: scaling.Thresholds{
			CPUUp: cfg.CPUUpThreshold, CPUDown: cfg.CPUDownThreshold,
			MemUp: cfg.MemUpThreshold, MemDown: cfg.MemDownThreshold,
			IOUp: cfg.IOUpThreshold, IODown: cfg.IODownThreshold,
			NetUp: cfg.NetUpThreshold, NetDown: cfg.NetDownThreshold,
		},
		MinGap: cfg.DecisionMinGap,
	})

	mon.OnSample(func(name string, usage model.ResourceUsage) {
		health.MarkVMSample(usage.Timestamp)
		engine.Evaluate(name, usage)
	})
	mon.OnHostSample(func(h model.HostMetrics) {
		health.MarkHostSample(h.Timestamp)
	})
	mgr.OnForget(engine.Forget)

	return &Orchestrator{
		cfg:        cfg,
		logger:     logger,
		session:    session,
		store:      st,
		dispatcher: dispatcher,
		manager:    mgr,
		monitor:    mon,
		engine:     engine,
		executor:   executor,
		forwarder:  forwarder,
		sink:       sink,
		metrics:    telemetry.NewHandler(telemetry.NewExporter(mon)),
		health:     health,
	}, nil
}

// Manager exposes the VM registry for callers embedding the
// orchestrator.
func (o *Orchestrator) Manager() *manager.Manager { return o.manager }

func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("starting nimbus-kvm-orchestrator",
		"version", o.cfg.Version,
		"node_id", o.cfg.NodeID,
		"libvirt_uri", o.cfg.LibvirtURI)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- o.run(runCtx)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case runErr = <-runErrCh:
		// Terminated by itself (startup error, runtime error, parent ctx).
	case sig := <-sigCh:
		o.logger.Info("shutdown signal received, starting graceful shutdown", "signal", sig.String(), "timeout", o.cfg.ShutdownTimeout)
		cancelRun()

		graceTimer := time.NewTimer(o.cfg.ShutdownTimeout)
		defer graceTimer.Stop()

		select {
		case runErr = <-runErrCh:
			// graceful stop completed in time
		case sig2 := <-sigCh:
			o.logger.Warn("second signal received, forcing immediate shutdown", "signal", sig2.String())
			runErr = context.Canceled
		case <-graceTimer.C:
			o.logger.Warn("graceful shutdown timeout reached, forcing shutdown", "timeout", o.cfg.ShutdownTimeout)
			runErr = context.DeadlineExceeded
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), o.cfg.ShutdownTimeout)
	defer cancelShutdown()
	o.shutdown(shutdownCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}
	o.logger.Info("nimbus-kvm-orchestrator stopped")
	return nil
}

func BuildLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	hOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, hOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, hOpts))
}

// healthSink mirrors forwarding outcomes into the health status so the
// probe endpoint can report backend connectivity.
type healthSink struct {
	sink   telemetry.Sink
	health *HealthStatus
}

func (s *healthSink) SendVMMetrics(ctx context.Context, metrics []model.VMMetrics) error {
	err := s.sink.SendVMMetrics(ctx, metrics)
	s.health.SetForwarderConnected(err == nil)
	return err
}

func (s *healthSink) SendHostMetrics(ctx context.Context, m model.HostMetrics) error {
	err := s.sink.SendHostMetrics(ctx, m)
	s.health.SetForwarderConnected(err == nil)
	return err
}

func (s *healthSink) SendDecision(ctx context.Context, d model.Decision) error {
	err := s.sink.SendDecision(ctx, d)
	s.health.SetForwarderConnected(err == nil)
	return err
}

func (s *healthSink) Close(ctx context.Context) error {
	return s.sink.Close(ctx)
}
