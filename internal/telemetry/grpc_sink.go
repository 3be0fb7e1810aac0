package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"

	"nimbus-kvm-orchestrator/internal/model"
)

type jsonCodec struct{}

func (jsonCodec) Name() string {
	return "json"
}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// GRPCSink streams envelopes over two client-streaming RPCs: one for
// metric frames, one for scaling decisions.
type GRPCSink struct {
	mu sync.Mutex

	logger          *slog.Logger
	addr            string
	tlsConfig       *tls.Config
	token           string
	nodeID          string
	metricsMethod   string
	decisionsMethod string
	conn            *grpc.ClientConn
	metricsStream   grpc.ClientStream
	decisionsStream grpc.ClientStream
	dialTimeout     time.Duration
}

func NewGRPCSink(addr string, tlsCfg *tls.Config, token, nodeID, metricsMethod, decisionsMethod string, logger *slog.Logger) *GRPCSink {
	encoding.RegisterCodec(jsonCodec{})
	return &GRPCSink{
		logger:          logger,
		addr:            addr,
		tlsConfig:       tlsCfg,
		token:           token,
		nodeID:          nodeID,
		metricsMethod:   metricsMethod,
		decisionsMethod: decisionsMethod,
		dialTimeout:     8 * time.Second,
	}
}

func (c *GRPCSink) SendVMMetrics(ctx context.Context, metrics []model.VMMetrics) error {
	if len(metrics) == 0 {
		return nil
	}
	frame := NewVMFrame(c.nodeID, metrics)
	env := model.Envelope{Type: model.MetricTypeVM, NodeID: c.nodeID, TimestampUnix: frame.TimestampUnix, Payload: frame}
	return c.sendMetrics(ctx, env)
}

func (c *GRPCSink) SendHostMetrics(ctx context.Context, m model.HostMetrics) error {
	frame := NewHostFrame(m)
	env := model.Envelope{Type: model.MetricTypeHost, NodeID: c.nodeID, TimestampUnix: frame.TimestampUnix, Payload: frame}
	return c.sendMetrics(ctx, env)
}

func (c *GRPCSink) SendDecision(ctx context.Context, d model.Decision) error {
	frame := NewDecisionFrame(c.nodeID, d)
	env := model.Envelope{Type: model.MetricTypeDecision, NodeID: c.nodeID, TimestampUnix: frame.TimestampUnix, Payload: frame}
	return c.sendDecision(ctx, env)
}

func (c *GRPCSink) sendMetrics(ctx context.Context, env model.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureConnLocked(ctx); err != nil {
		return err
	}
	if c.metricsStream == nil {
		s, err := c.openStreamLocked(ctx, c.metricsMethod)
		if err != nil {
			return err
		}
		c.metricsStream = s
	}
	if err := c.metricsStream.SendMsg(env); err != nil {
		c.logger.Warn("grpc metrics send failed, reopening stream", "error", err)
		c.metricsStream = nil
		s, err2 := c.openStreamLocked(ctx, c.metricsMethod)
		if err2 != nil {
			return fmt.Errorf("reopen metrics stream: %w", err2)
		}
		c.metricsStream = s
		if err2 := c.metricsStream.SendMsg(env); err2 != nil {
			return fmt.Errorf("send metrics frame: %w", err2)
		}
	}
	return nil
}

func (c *GRPCSink) sendDecision(ctx context.Context, env model.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureConnLocked(ctx); err != nil {
		return err
	}
	if c.decisionsStream == nil {
		s, err := c.openStreamLocked(ctx, c.decisionsMethod)
		if err != nil {
			return err
		}
		c.decisionsStream = s
	}
	if err := c.decisionsStream.SendMsg(env); err != nil {
		c.logger.Warn("grpc decision send failed, reopening stream", "error", err)
		c.decisionsStream = nil
		s, err2 := c.openStreamLocked(ctx, c.decisionsMethod)
		if err2 != nil {
			return fmt.Errorf("reopen decisions stream: %w", err2)
		}
		c.decisionsStream = s
		if err2 := c.decisionsStream.SendMsg(env); err2 != nil {
			return fmt.Errorf("send decision frame: %w", err2)
		}
	}
	return nil
}

func (c *GRPCSink) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.metricsStream != nil {
		_ = c.metricsStream.CloseSend()
		c.metricsStream = nil
	}
	if c.decisionsStream != nil {
		_ = c.decisionsStream.CloseSend()
		c.decisionsStream = nil
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	_ = ctx
	return nil
}

func (c *GRPCSink) ensureConnLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	dialCtx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		dialCtx, cancel = context.WithDeadline(context.Background(), dl)
		defer cancel()
	}

	var creds credentials.TransportCredentials
	if c.tlsConfig != nil {
		creds = credentials.NewTLS(c.tlsConfig)
	} else {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.DialContext(
		dialCtx,
		c.addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
	)
	if err != nil {
		return fmt.Errorf("grpc dial %s: %w", c.addr, err)
	}
	c.conn = conn
	c.logger.Info("grpc telemetry connected", "addr", c.addr)
	return nil
}

func (c *GRPCSink) openStreamLocked(ctx context.Context, method string) (grpc.ClientStream, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("grpc conn is nil")
	}
	streamCtx := c.decorateContext(ctx)
	s, err := c.conn.NewStream(streamCtx, &grpc.StreamDesc{ClientStreams: true}, method)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", method, err)
	}
	return s, nil
}

func (c *GRPCSink) decorateContext(ctx context.Context) context.Context {
	out := context.Background()
	if dl, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		out, cancel = context.WithDeadline(out, dl)
		_ = cancel
	}
	if c.token != "" {
		out = metadata.AppendToOutgoingContext(out, "authorization", "Bearer "+c.token)
	}
	return out
}
