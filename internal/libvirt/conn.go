package libvirt

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"

	"nimbus-kvm-orchestrator/internal/vmerr"
)

// Session owns the single libvirt RPC connection every component goes
// through. Open/close are serialised by the mutex; the raw client is handed
// out on the read path and must never be disconnected by callers.
type Session struct {
	mu        sync.RWMutex
	client    *golibvirt.Libvirt
	uri       string
	logger    *slog.Logger
	retryWait time.Duration
	maxJitter time.Duration
	randSrc   *rand.Rand
}

func NewSession(uri string, retryWait, maxJitter time.Duration, logger *slog.Logger) *Session {
	if retryWait <= 0 {
		retryWait = 3 * time.Second
	}
	if maxJitter < 0 {
		maxJitter = 0
	}
	return &Session{
		uri:       uri,
		logger:    logger,
		retryWait: retryWait,
		maxJitter: maxJitter,
		randSrc:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Connect opens the connection if needed. Already-open sessions return
// immediately.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

// ConnectOrFail is Connect without the retry loop: one dial attempt, with
// the driver message wrapped as ConnectionFailed.
func (s *Session) ConnectOrFail(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}
	uri, err := s.parseURI()
	if err != nil {
		return vmerr.E(vmerr.KindConnectionFailed, "connect libvirt", "", err)
	}
	c, dialErr := golibvirt.ConnectToURI(uri)
	if dialErr != nil {
		return vmerr.E(vmerr.KindConnectionFailed, "connect libvirt", "", dialErr)
	}
	s.client = c
	s.logger.Info("libvirt connected", "uri", uri.Redacted())
	return nil
}

// EnsureConnected re-opens when the handle is missing or the liveness probe
// fails.
func (s *Session) EnsureConnected(ctx context.Context) error {
	s.mu.RLock()
	c := s.client
	s.mu.RUnlock()
	if c != nil {
		if _, err := c.Version(); err == nil {
			return nil
		}
	}
	return s.Reconnect(ctx)
}

// Client returns the raw handle, dialing first if necessary. Callers must
// not call Disconnect on it.
func (s *Session) Client(ctx context.Context) (*golibvirt.Libvirt, error) {
	s.mu.RLock()
	c := s.client
	s.mu.RUnlock()
	if c != nil {
		return c, nil
	}
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, vmerr.Errorf(vmerr.KindConnectionFailed, "connect libvirt", "", "client is nil after connect")
	}
	return s.client, nil
}

func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		if err := s.client.Disconnect(); err != nil {
			s.logger.Warn("libvirt disconnect failed", "error", err)
		}
		s.client = nil
	}
	return s.connectLocked(ctx)
}

// Healthy probes liveness with a version call.
func (s *Session) Healthy(ctx context.Context) error {
	c, err := s.Client(ctx)
	if err != nil {
		return err
	}
	if _, err = c.Version(); err != nil {
		return fmt.Errorf("libvirt version check failed: %w", err)
	}
	return nil
}

// Close is idempotent and safe on teardown paths.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Disconnect()
	s.client = nil
	return err
}

func (s *Session) connectLocked(ctx context.Context) error {
	if s.client != nil {
		if _, err := s.client.Version(); err == nil {
			return nil
		}
		_ = s.client.Disconnect()
		s.client = nil
	}

	uri, err := s.parseURI()
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c, dialErr := golibvirt.ConnectToURI(uri)
		if dialErr == nil {
			s.client = c
			s.logger.Info("libvirt connected", "uri", uri.Redacted())
			return nil
		}

		wait := s.retryWait + s.jitter()
		s.logger.Error("libvirt connect failed", "uri", uri.Redacted(), "error", dialErr, "retry_in", wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Session) parseURI() (*url.URL, error) {
	raw := s.uri
	if raw == "" {
		raw = string(golibvirt.QEMUSystem)
	}
	uri, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse libvirt uri %q: %w", raw, err)
	}
	if uri.Scheme == "" {
		uri, err = url.Parse(string(golibvirt.QEMUSystem))
		if err != nil {
			return nil, fmt.Errorf("parse fallback uri: %w", err)
		}
	}
	return uri, nil
}

func (s *Session) jitter() time.Duration {
	if s.maxJitter == 0 {
		return 0
	}
	return time.Duration(s.randSrc.Int63n(int64(s.maxJitter)))
}
