package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type ForwardMode string

const (
	ForwardModeOff       ForwardMode = "off"
	ForwardModeGRPC      ForwardMode = "grpc"
	ForwardModeWebSocket ForwardMode = "websocket"
	HardcodedVersion     string      = "V0.3"
)

type Config struct {
	NodeID   string
	Hostname string

	LibvirtURI      string
	ProbeListenAddr string
	MetricsAddr     string

	StateDir     string
	CgroupRoot   string
	ImageDir     string
	EmulatorPath string

	DisplayPortLo int
	DisplayPortHi int

	SampleInterval      time.Duration
	MaintenanceInterval time.Duration
	SnapshotRetention   time.Duration
	HealthInterval      time.Duration
	ReconnectInterval   time.Duration
	MaxReconnectJitter  time.Duration
	ShutdownTimeout     time.Duration
	DomainStopWait      time.Duration
	MigrateTimeout      time.Duration

	DispatcherWorkers int
	DefineAutostart   bool

	CPUUpThreshold   float64
	CPUDownThreshold float64
	MemUpThreshold   float64
	MemDownThreshold float64
	IOUpThreshold    float64
	IODownThreshold  float64
	NetUpThreshold   float64
	NetDownThreshold float64

	DecisionMinGap time.Duration
	ExecCooldown   time.Duration
	ExecRetryDelay time.Duration
	MigrateDestURI string

	ForwardMode           ForwardMode
	BackendGRPCAddr       string
	BackendWSURL          string
	BackendToken          string
	GRPCMetricsMethod     string
	GRPCDecisionsMethod   string
	WebSocketWriteTimeout time.Duration
	WebSocketPingInterval time.Duration

	TLSEnabled    bool
	TLSSkipVerify bool
	TLSCAPath     string
	TLSCertPath   string
	TLSKeyPath    string

	LogJSON  bool
	LogLevel string
	Version  string
}

func Load() (Config, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}

	cfg := Config{
		NodeID:   env("NIMBUS_NODE_ID", hostname),
		Hostname: hostname,

		LibvirtURI:      env("NIMBUS_LIBVIRT_URI", env("LIBVIRT_DEFAULT_URI", "qemu:///system")),
		ProbeListenAddr: env("NIMBUS_PROBE_ADDR", "0.0.0.0:7601"),
		MetricsAddr:     env("NIMBUS_METRICS_ADDR", "0.0.0.0:9177"),

		StateDir:     env("NIMBUS_STATE_DIR", "/var/lib/nimbus/state"),
		CgroupRoot:   env("NIMBUS_CGROUP_ROOT", "/sys/fs/cgroup"),
		ImageDir:     env("NIMBUS_IMAGE_DIR", "/var/lib/libvirt/images"),
		EmulatorPath: env("NIMBUS_EMULATOR_PATH", "/usr/bin/qemu-system-x86_64"),

		DisplayPortLo: envInt("NIMBUS_DISPLAY_PORT_LO", 5900),
		DisplayPortHi: envInt("NIMBUS_DISPLAY_PORT_HI", 6000),

		SampleInterval:      envDuration("NIMBUS_SAMPLE_INTERVAL", 1*time.Second),
		MaintenanceInterval: envDuration("NIMBUS_MAINTENANCE_INTERVAL", 5*time.Second),
		SnapshotRetention:   envDuration("NIMBUS_SNAPSHOT_RETENTION", 720*time.Hour),
		HealthInterval:      envDuration("NIMBUS_HEALTH_INTERVAL", 10*time.Second),
		ReconnectInterval:   envDuration("NIMBUS_RECONNECT_INTERVAL", 4*time.Second),
		MaxReconnectJitter:  envDuration("NIMBUS_RECONNECT_MAX_JITTER", 900*time.Millisecond),
		ShutdownTimeout:     envDuration("NIMBUS_SHUTDOWN_TIMEOUT", 20*time.Second),
		DomainStopWait:      envDuration("NIMBUS_DOMAIN_STOP_WAIT", 20*time.Second),
		MigrateTimeout:      envDuration("NIMBUS_MIGRATE_TIMEOUT", 600*time.Second),

		DispatcherWorkers: envInt("NIMBUS_DISPATCHER_WORKERS", 2),
		DefineAutostart:   envBool("NIMBUS_DEFINE_AUTOSTART", false),

		CPUUpThreshold:   envFloat("NIMBUS_CPU_UP_THRESHOLD", 80),
		CPUDownThreshold: envFloat("NIMBUS_CPU_DOWN_THRESHOLD", 20),
		MemUpThreshold:   envFloat("NIMBUS_MEM_UP_THRESHOLD", 85),
		MemDownThreshold: envFloat("NIMBUS_MEM_DOWN_THRESHOLD", 30),
		IOUpThreshold:    envFloat("NIMBUS_IO_UP_THRESHOLD", 75),
		IODownThreshold:  envFloat("NIMBUS_IO_DOWN_THRESHOLD", 15),
		NetUpThreshold:   envFloat("NIMBUS_NET_UP_THRESHOLD", 70),
		NetDownThreshold: envFloat("NIMBUS_NET_DOWN_THRESHOLD", 10),

		DecisionMinGap: envDuration("NIMBUS_DECISION_MIN_GAP", 2*time.Minute),
		ExecCooldown:   envDuration("NIMBUS_EXEC_COOLDOWN", 30*time.Second),
		ExecRetryDelay: envDuration("NIMBUS_EXEC_RETRY_DELAY", 5*time.Second),
		MigrateDestURI: env("NIMBUS_MIGRATE_DEST_URI", ""),

		ForwardMode:           ForwardMode(strings.ToLower(env("NIMBUS_FORWARD_MODE", string(ForwardModeOff)))),
		BackendGRPCAddr:       env("NIMBUS_BACKEND_GRPC_ADDR", "127.0.0.1:3001"),
		BackendWSURL:          env("NIMBUS_BACKEND_WS_URL", "ws://127.0.0.1:3001/ws/telemetry"),
		BackendToken:          env("NIMBUS_BACKEND_TOKEN", ""),
		GRPCMetricsMethod:     env("NIMBUS_GRPC_METRICS_METHOD", "/nimbus.telemetry.v1.TelemetryService/StreamVMMetrics"),
		GRPCDecisionsMethod:   env("NIMBUS_GRPC_DECISIONS_METHOD", "/nimbus.telemetry.v1.TelemetryService/StreamDecisions"),
		WebSocketWriteTimeout: envDuration("NIMBUS_WS_WRITE_TIMEOUT", 5*time.Second),
		WebSocketPingInterval: envDuration("NIMBUS_WS_PING_INTERVAL", 10*time.Second),

		TLSEnabled:    envBool("NIMBUS_TLS_ENABLED", false),
		TLSSkipVerify: envBool("NIMBUS_TLS_SKIP_VERIFY", false),
		TLSCAPath:     env("NIMBUS_TLS_CA_PATH", ""),
		TLSCertPath:   env("NIMBUS_TLS_CERT_PATH", ""),
		TLSKeyPath:    env("NIMBUS_TLS_KEY_PATH", ""),

		LogJSON:  envBool("NIMBUS_LOG_JSON", true),
		LogLevel: strings.ToLower(env("NIMBUS_LOG_LEVEL", "info")),
		Version:  HardcodedVersion,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("NIMBUS_NODE_ID is required")
	}
	if c.LibvirtURI == "" {
		return errors.New("NIMBUS_LIBVIRT_URI is required")
	}
	if strings.TrimSpace(c.ProbeListenAddr) == "" {
		return errors.New("NIMBUS_PROBE_ADDR is required")
	}
	if strings.TrimSpace(c.MetricsAddr) == "" {
		return errors.New("NIMBUS_METRICS_ADDR is required")
	}
	if strings.TrimSpace(c.StateDir) == "" {
		return errors.New("NIMBUS_STATE_DIR is required")
	}
	if strings.TrimSpace(c.CgroupRoot) == "" {
		return errors.New("NIMBUS_CGROUP_ROOT is required")
	}
	if c.DisplayPortLo < 1 || c.DisplayPortHi > 65535 || c.DisplayPortLo > c.DisplayPortHi {
		return fmt.Errorf("display port range %d..%d is invalid", c.DisplayPortLo, c.DisplayPortHi)
	}
	if c.SampleInterval <= 0 {
		return errors.New("NIMBUS_SAMPLE_INTERVAL must be > 0")
	}
	if c.MaintenanceInterval <= 0 {
		return errors.New("NIMBUS_MAINTENANCE_INTERVAL must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("NIMBUS_SHUTDOWN_TIMEOUT must be > 0")
	}
	if c.DispatcherWorkers < 1 {
		return errors.New("NIMBUS_DISPATCHER_WORKERS must be >= 1")
	}
	if err := validateThresholdPair("cpu", c.CPUUpThreshold, c.CPUDownThreshold); err != nil {
		return err
	}
	if err := validateThresholdPair("memory", c.MemUpThreshold, c.MemDownThreshold); err != nil {
		return err
	}
	if err := validateThresholdPair("io", c.IOUpThreshold, c.IODownThreshold); err != nil {
		return err
	}
	if err := validateThresholdPair("network", c.NetUpThreshold, c.NetDownThreshold); err != nil {
		return err
	}
	if c.DecisionMinGap < 0 || c.ExecCooldown < 0 || c.ExecRetryDelay < 0 {
		return errors.New("decision gap, cooldown and retry delay must be >= 0")
	}
	switch c.ForwardMode {
	case ForwardModeOff, ForwardModeGRPC, ForwardModeWebSocket:
	default:
		return fmt.Errorf("unsupported forward mode %q", c.ForwardMode)
	}
	if c.ForwardMode == ForwardModeGRPC {
		if c.BackendGRPCAddr == "" {
			return errors.New("NIMBUS_BACKEND_GRPC_ADDR is required for grpc mode")
		}
		if strings.TrimSpace(c.GRPCMetricsMethod) == "" || strings.TrimSpace(c.GRPCDecisionsMethod) == "" {
			return errors.New("grpc stream methods are required for grpc mode")
		}
	}
	if c.ForwardMode == ForwardModeWebSocket && c.BackendWSURL == "" {
		return errors.New("NIMBUS_BACKEND_WS_URL is required for websocket mode")
	}
	return nil
}

func validateThresholdPair(name string, up, down float64) error {
	if up <= 0 || up > 100 || down < 0 || down >= 100 {
		return fmt.Errorf("%s thresholds must be within (0,100]", name)
	}
	if down >= up {
		return fmt.Errorf("%s down threshold %.1f must be below up threshold %.1f", name, down, up)
	}
	return nil
}

func (c Config) TLSConfig() (*tls.Config, error) {
	if !c.TLSEnabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.TLSSkipVerify}
	if c.TLSCAPath != "" {
		caBytes, err := os.ReadFile(c.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, errors.New("append CA cert failed")
		}
		tlsCfg.RootCAs = pool
	}
	if c.TLSCertPath != "" || c.TLSKeyPath != "" {
		if c.TLSCertPath == "" || c.TLSKeyPath == "" {
			return nil, errors.New("both TLS cert and key are required")
		}
		crt, err := tls.LoadX509KeyPair(c.TLSCertPath, c.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load mTLS cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{crt}
	}
	return tlsCfg, nil
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
