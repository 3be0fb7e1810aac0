package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

func (o *Orchestrator) run(ctx context.Context) error {
	if err := o.session.Connect(ctx); err != nil {
		return fmt.Errorf("initial libvirt connect: %w", err)
	}
	o.health.SetLibvirtConnected(true)

	if err := o.manager.Recover(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.monitor.Run(gctx, o.cfg.SampleInterval)
	})
	g.Go(func() error {
		return o.executor.Run(gctx)
	})
	g.Go(func() error {
		return o.runHealthLoop(gctx)
	})
	g.Go(func() error {
		return o.runMaintenanceLoop(gctx)
	})
	g.Go(func() error {
		return o.runProbeListener(gctx)
	})
	g.Go(func() error {
		return o.runMetricsServer(gctx)
	})
	if o.forwarder != nil {
		g.Go(func() error {
			return o.forwarder.Run(gctx, forwardInterval)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (o *Orchestrator) runHealthLoop(ctx context.Context) error {
	t := time.NewTicker(o.cfg.HealthInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := o.session.Healthy(ctx); err != nil {
				o.logger.Warn("libvirt health check failed, reconnecting", "error", err)
				o.health.SetLibvirtConnected(false)
				if recErr := o.session.Reconnect(ctx); recErr != nil {
					o.logger.Error("libvirt reconnect failed", "error", recErr)
					continue
				}
				o.health.SetLibvirtConnected(true)
				o.logger.Info("libvirt connection recovered")
			} else {
				o.health.SetLibvirtConnected(true)
				o.logger.Debug("orchestrator health", "snapshot", o.health.Snapshot())
			}
		}
	}
}

// runMaintenanceLoop sweeps the registry: crashed guests restart and
// snapshots past retention expire.
func (o *Orchestrator) runMaintenanceLoop(ctx context.Context) error {
	t := time.NewTicker(o.cfg.MaintenanceInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			o.manager.Maintain(ctx, o.cfg.SnapshotRetention)
		}
	}
}

func (o *Orchestrator) runMetricsServer(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", o.metrics)
	mux.HandleFunc("/healthz", o.handleHealthz)

	srv := &http.Server{
		Addr:              o.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	o.logger.Info("metrics endpoint listening", "addr", o.cfg.MetricsAddr)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server %s: %w", o.cfg.MetricsAddr, err)
	}
}

func (o *Orchestrator) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := o.health.Snapshot()
	snap["node_id"] = o.cfg.NodeID
	snap["version"] = o.cfg.Version
	snap["managed_vms"] = len(o.manager.Names())

	w.Header().Set("Content-Type", "application/json")
	if ok, _ := snap["libvirt_connected"].(bool); !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(snap)
}

func (o *Orchestrator) shutdown(ctx context.Context) {
	o.dispatcher.Stop()

	if o.sink != nil {
		if err := o.sink.Close(ctx); err != nil {
			o.logger.Warn("telemetry sink close failed", "error", err)
		}
		o.health.SetForwarderConnected(false)
	}
	if err := o.session.Close(); err != nil {
		o.logger.Warn("libvirt close failed", "error", err)
	}
	o.health.SetLibvirtConnected(false)
	if err := o.store.Close(); err != nil {
		o.logger.Warn("state store close failed", "error", err)
	}
}
