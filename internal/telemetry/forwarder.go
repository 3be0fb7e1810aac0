package telemetry

import (
	"context"
	"log/slog"
	"time"

	"nimbus-kvm-orchestrator/internal/model"
)

const defaultSendTimeout = 5 * time.Second

// Forwarder pushes metric snapshots to the backend on a fixed cadence
// and relays scaling decisions as they fire. Send failures are logged
// and the frame is dropped; the next tick carries fresh data anyway.
type Forwarder struct {
	sink        Sink
	src         Source
	logger      *slog.Logger
	sendTimeout time.Duration
}

func NewForwarder(sink Sink, src Source, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		sink:        sink,
		src:         src,
		logger:      logger,
		sendTimeout: defaultSendTimeout,
	}
}

func (f *Forwarder) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			f.flush(ctx)
		}
	}
}

func (f *Forwarder) flush(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, f.sendTimeout)
	defer cancel()

	if err := f.sink.SendVMMetrics(sctx, f.src.AllVMMetrics()); err != nil {
		f.logger.Warn("vm metrics forward failed", "error", err)
	}
	host := f.src.HostMetrics()
	if host.Timestamp.IsZero() {
		return
	}
	if err := f.sink.SendHostMetrics(sctx, host); err != nil {
		f.logger.Warn("host metrics forward failed", "error", err)
	}
}

// ForwardDecision relays one decision with its own deadline so a stalled
// backend cannot block the evaluation path for long.
func (f *Forwarder) ForwardDecision(d model.Decision) {
	ctx, cancel := context.WithTimeout(context.Background(), f.sendTimeout)
	defer cancel()
	if err := f.sink.SendDecision(ctx, d); err != nil {
		f.logger.Warn("decision forward failed", "vm", d.VMName, "action", d.Action, "error", err)
	}
}
