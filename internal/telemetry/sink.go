// Package telemetry publishes metric snapshots and scaling decisions:
// a prometheus endpoint for pull, and an optional push sink streaming
// frames to a fleet backend over gRPC or WebSocket.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"nimbus-kvm-orchestrator/internal/config"
	"nimbus-kvm-orchestrator/internal/model"
)

// Sink streams telemetry frames to the backend. Implementations connect
// lazily and retry a failed send once over a fresh stream before giving
// up; the caller decides whether a lost frame matters.
type Sink interface {
	SendVMMetrics(ctx context.Context, metrics []model.VMMetrics) error
	SendHostMetrics(ctx context.Context, m model.HostMetrics) error
	SendDecision(ctx context.Context, d model.Decision) error
	Close(ctx context.Context) error
}

type VMFrame struct {
	NodeID        string            `json:"node_id"`
	TimestampUnix int64             `json:"timestamp_unix"`
	Metrics       []model.VMMetrics `json:"metrics"`
}

type HostFrame struct {
	NodeID        string            `json:"node_id"`
	TimestampUnix int64             `json:"timestamp_unix"`
	Metrics       model.HostMetrics `json:"metrics"`
}

type DecisionFrame struct {
	NodeID        string         `json:"node_id"`
	TimestampUnix int64          `json:"timestamp_unix"`
	Decision      model.Decision `json:"decision"`
}

func NewVMFrame(nodeID string, metrics []model.VMMetrics) VMFrame {
	at := time.Now().UTC().Unix()
	if len(metrics) > 0 && !metrics[0].Latest.Timestamp.IsZero() {
		at = metrics[0].Latest.Timestamp.Unix()
	}
	return VMFrame{NodeID: nodeID, TimestampUnix: at, Metrics: metrics}
}

func NewHostFrame(m model.HostMetrics) HostFrame {
	at := time.Now().UTC().Unix()
	if !m.Timestamp.IsZero() {
		at = m.Timestamp.Unix()
	}
	return HostFrame{NodeID: m.NodeID, TimestampUnix: at, Metrics: m}
}

func NewDecisionFrame(nodeID string, d model.Decision) DecisionFrame {
	at := time.Now().UTC().Unix()
	if !d.Timestamp.IsZero() {
		at = d.Timestamp.Unix()
	}
	return DecisionFrame{NodeID: nodeID, TimestampUnix: at, Decision: d}
}

func EncodeEnvelope(e model.Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// NewSinkFromConfig builds the push sink for the configured forward
// mode. Mode "off" returns a nil sink; callers skip forwarding then.
func NewSinkFromConfig(cfg config.Config, logger *slog.Logger) (Sink, error) {
	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}
	switch cfg.ForwardMode {
	case config.ForwardModeGRPC:
		return NewGRPCSink(
			cfg.BackendGRPCAddr,
			tlsCfg,
			cfg.BackendToken,
			cfg.NodeID,
			cfg.GRPCMetricsMethod,
			cfg.GRPCDecisionsMethod,
			logger,
		), nil
	case config.ForwardModeWebSocket:
		return NewWebSocketSink(
			cfg.BackendWSURL,
			cfg.BackendToken,
			tlsCfg,
			cfg.NodeID,
			cfg.WebSocketWriteTimeout,
			cfg.WebSocketPingInterval,
			logger,
		), nil
	case config.ForwardModeOff:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown forward mode %q", cfg.ForwardMode)
	}
}
