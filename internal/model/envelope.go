package model

type MetricType string

const (
	MetricTypeVM       MetricType = "vm_metrics"
	MetricTypeHost     MetricType = "host_metrics"
	MetricTypeDecision MetricType = "scaling_decision"
)

// Envelope is transport-agnostic framing for telemetry payloads.
type Envelope struct {
	Type          MetricType `json:"type"`
	NodeID        string     `json:"node_id"`
	TimestampUnix int64      `json:"timestamp_unix"`
	Payload       any        `json:"payload"`
}
