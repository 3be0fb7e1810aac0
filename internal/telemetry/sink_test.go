package telemetry

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nimbus-kvm-orchestrator/internal/config"
	"nimbus-kvm-orchestrator/internal/model"
)

func TestNewSinkFromConfig(t *testing.T) {
	logger := slog.Default()

	sink, err := NewSinkFromConfig(config.Config{ForwardMode: config.ForwardModeOff}, logger)
	require.NoError(t, err)
	require.Nil(t, sink)

	sink, err = NewSinkFromConfig(config.Config{
		ForwardMode:     config.ForwardModeGRPC,
		BackendGRPCAddr: "127.0.0.1:3001",
	}, logger)
	require.NoError(t, err)
	require.IsType(t, &GRPCSink{}, sink)

	sink, err = NewSinkFromConfig(config.Config{
		ForwardMode:  config.ForwardModeWebSocket,
		BackendWSURL: "ws://127.0.0.1:3001/ws/telemetry",
	}, logger)
	require.NoError(t, err)
	require.IsType(t, &WebSocketSink{}, sink)

	_, err = NewSinkFromConfig(config.Config{ForwardMode: "carrier-pigeon"}, logger)
	require.Error(t, err)
}

func TestFrameTimestamps(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	vf := NewVMFrame("node-1", []model.VMMetrics{{VMName: "vm-a", Latest: model.ResourceUsage{Timestamp: at}}})
	require.Equal(t, at.Unix(), vf.TimestampUnix)
	require.Equal(t, "node-1", vf.NodeID)

	empty := NewVMFrame("node-1", nil)
	require.InDelta(t, time.Now().Unix(), empty.TimestampUnix, 5)

	hf := NewHostFrame(model.HostMetrics{NodeID: "node-1", Timestamp: at})
	require.Equal(t, at.Unix(), hf.TimestampUnix)

	df := NewDecisionFrame("node-1", model.Decision{VMName: "vm-a", Timestamp: at})
	require.Equal(t, at.Unix(), df.TimestampUnix)
}

func TestEncodeEnvelope(t *testing.T) {
	frame := NewDecisionFrame("node-1", model.Decision{
		VMName:   "vm-a",
		Action:   model.ActionScaleUp,
		Resource: model.ResourceCPU,
		Amount:   3,
	})
	b, err := EncodeEnvelope(model.Envelope{
		Type:          model.MetricTypeDecision,
		NodeID:        "node-1",
		TimestampUnix: frame.TimestampUnix,
		Payload:       frame,
	})
	require.NoError(t, err)

	var decoded struct {
		Type    model.MetricType `json:"type"`
		NodeID  string           `json:"node_id"`
		Payload DecisionFrame    `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, model.MetricTypeDecision, decoded.Type)
	require.Equal(t, "vm-a", decoded.Payload.Decision.VMName)
	require.EqualValues(t, 3, decoded.Payload.Decision.Amount)
}
