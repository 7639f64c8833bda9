package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// RealtimeConfig holds the resilience layer configuration. Durations are
// expressed in milliseconds.
type RealtimeConfig struct {
	Backoff   BackoffConfig   `json:"backoff" yaml:"backoff"`
	Reconnect ReconnectConfig `json:"reconnect" yaml:"reconnect"`
	Heartbeat HeartbeatConfig `json:"heartbeat" yaml:"heartbeat"`
	Network   NetworkConfig   `json:"network" yaml:"network"`
	Keepalive KeepaliveConfig `json:"keepalive" yaml:"keepalive"`
	Transport TransportConfig `json:"transport" yaml:"transport"`
	Server    ServerConfig    `json:"server" yaml:"server"`
}

// BackoffConfig configures the reconnection delay sequence.
type BackoffConfig struct {
	BaseMs      int     `json:"base_ms" yaml:"base_ms" validate:"gt=0"`
	MaxMs       int     `json:"max_ms" yaml:"max_ms" validate:"gtefield=BaseMs"`
	Factor      float64 `json:"factor" yaml:"factor" validate:"gte=1"`
	Jitter      bool    `json:"jitter" yaml:"jitter"`
	MaxAttempts int     `json:"max_attempts" yaml:"max_attempts"` // <= 0 means unbounded
}

// ReconnectConfig configures a single reconnection attempt.
type ReconnectConfig struct {
	SettleMs           int  `json:"settle_ms" yaml:"settle_ms" validate:"gte=0"`
	ConfirmMs          int  `json:"confirm_ms" yaml:"confirm_ms" validate:"gte=0"`
	RequireAllAttached bool `json:"require_all_attached" yaml:"require_all_attached"`
}

// HeartbeatConfig configures the heartbeat monitor.
type HeartbeatConfig struct {
	IntervalMs int  `json:"interval_ms" yaml:"interval_ms" validate:"gte=0"`
	DebounceMs int  `json:"debounce_ms" yaml:"debounce_ms" validate:"gte=0"`
	ProbeRedis bool `json:"probe_redis" yaml:"probe_redis"`
}

// NetworkConfig configures the network and visibility tracker.
type NetworkConfig struct {
	OnlineDebounceMs  int `json:"online_debounce_ms" yaml:"online_debounce_ms" validate:"gte=0"`
	HiddenThresholdMs int `json:"hidden_threshold_ms" yaml:"hidden_threshold_ms" validate:"gte=0"`
}

// KeepaliveConfig configures session refresh and probing.
type KeepaliveConfig struct {
	RefreshIntervalMs int    `json:"refresh_interval_ms" yaml:"refresh_interval_ms"`
	RefreshMarginMs   int    `json:"refresh_margin_ms" yaml:"refresh_margin_ms"`
	RefreshRetries    int    `json:"refresh_retries" yaml:"refresh_retries" validate:"gte=0"`
	ProbeIntervalMs   int    `json:"probe_interval_ms" yaml:"probe_interval_ms"`
	ProbeTimeoutMs    int    `json:"probe_timeout_ms" yaml:"probe_timeout_ms"`
	ProbeTable        string `json:"probe_table" yaml:"probe_table"`
	ProbeTripAfter    int    `json:"probe_trip_after" yaml:"probe_trip_after" validate:"gte=0"`
	ProbeCooldownMs   int    `json:"probe_cooldown_ms" yaml:"probe_cooldown_ms" validate:"gte=0"`
}

// TransportConfig configures the backend connection.
type TransportConfig struct {
	Kind                string `json:"kind" yaml:"kind" validate:"oneof=phoenix memory"` // "phoenix" or "memory"
	URL                 string `json:"url" yaml:"url" validate:"omitempty,url"`
	APIKey              string `json:"api_key" yaml:"api_key"`
	JoinTimeoutMs       int    `json:"join_timeout_ms" yaml:"join_timeout_ms"`
	HeartbeatIntervalMs int    `json:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`
	HandshakeTimeoutMs  int    `json:"handshake_timeout_ms" yaml:"handshake_timeout_ms"`
}

// ServerConfig configures the status HTTP/websocket server.
type ServerConfig struct {
	Addr            string `json:"addr" yaml:"addr" validate:"required"`
	ReadBufferSize  int    `json:"read_buffer_size" yaml:"read_buffer_size"`
	WriteBufferSize int    `json:"write_buffer_size" yaml:"write_buffer_size"`
}

// DefaultConfig returns the default resilience configuration.
func DefaultConfig() *RealtimeConfig {
	return &RealtimeConfig{
		Backoff: BackoffConfig{
			BaseMs:      1000,
			MaxMs:       30000,
			Factor:      2,
			Jitter:      true,
			MaxAttempts: 10,
		},
		Reconnect: ReconnectConfig{
			SettleMs:  500,
			ConfirmMs: 2000,
		},
		Heartbeat: HeartbeatConfig{
			IntervalMs: 30000,
			DebounceMs: 1000,
		},
		Network: NetworkConfig{
			OnlineDebounceMs:  1000,
			HiddenThresholdMs: 5000,
		},
		Keepalive: KeepaliveConfig{
			RefreshIntervalMs: 10 * 60 * 1000,
			RefreshMarginMs:   5 * 60 * 1000,
			RefreshRetries:    2,
			ProbeIntervalMs:   4 * 60 * 1000,
			ProbeTimeoutMs:    5000,
			ProbeTripAfter:    3,
			ProbeCooldownMs:   30000,
		},
		Transport: TransportConfig{
			Kind:                "phoenix",
			JoinTimeoutMs:       10000,
			HeartbeatIntervalMs: 25000,
			HandshakeTimeoutMs:  10000,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// LoadFile reads a YAML config file on top of the defaults.
func LoadFile(path string) (*RealtimeConfig, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv applies REALTIME_* environment overrides to cfg and returns it.
// A nil cfg starts from the defaults. Unparseable values are ignored.
func FromEnv(cfg *RealtimeConfig) *RealtimeConfig {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	envInt("REALTIME_BACKOFF_BASE_MS", &cfg.Backoff.BaseMs)
	envInt("REALTIME_BACKOFF_MAX_MS", &cfg.Backoff.MaxMs)
	envFloat("REALTIME_BACKOFF_FACTOR", &cfg.Backoff.Factor)
	envBool("REALTIME_BACKOFF_JITTER", &cfg.Backoff.Jitter)
	envInt("REALTIME_BACKOFF_MAX_ATTEMPTS", &cfg.Backoff.MaxAttempts)

	envInt("REALTIME_SETTLE_MS", &cfg.Reconnect.SettleMs)
	envInt("REALTIME_CONFIRM_MS", &cfg.Reconnect.ConfirmMs)
	envBool("REALTIME_REQUIRE_ALL_ATTACHED", &cfg.Reconnect.RequireAllAttached)

	envInt("REALTIME_HEARTBEAT_INTERVAL_MS", &cfg.Heartbeat.IntervalMs)
	envInt("REALTIME_HEARTBEAT_DEBOUNCE_MS", &cfg.Heartbeat.DebounceMs)
	envBool("REALTIME_HEARTBEAT_PROBE_REDIS", &cfg.Heartbeat.ProbeRedis)

	envInt("REALTIME_ONLINE_DEBOUNCE_MS", &cfg.Network.OnlineDebounceMs)
	envInt("REALTIME_HIDDEN_THRESHOLD_MS", &cfg.Network.HiddenThresholdMs)

	envInt("REALTIME_REFRESH_INTERVAL_MS", &cfg.Keepalive.RefreshIntervalMs)
	envInt("REALTIME_REFRESH_MARGIN_MS", &cfg.Keepalive.RefreshMarginMs)
	envInt("REALTIME_REFRESH_RETRIES", &cfg.Keepalive.RefreshRetries)
	envInt("REALTIME_PROBE_INTERVAL_MS", &cfg.Keepalive.ProbeIntervalMs)
	envInt("REALTIME_PROBE_TIMEOUT_MS", &cfg.Keepalive.ProbeTimeoutMs)
	envString("REALTIME_PROBE_TABLE", &cfg.Keepalive.ProbeTable)
	envInt("REALTIME_PROBE_TRIP_AFTER", &cfg.Keepalive.ProbeTripAfter)
	envInt("REALTIME_PROBE_COOLDOWN_MS", &cfg.Keepalive.ProbeCooldownMs)

	envString("REALTIME_TRANSPORT", &cfg.Transport.Kind)
	envString("REALTIME_URL", &cfg.Transport.URL)
	envString("REALTIME_API_KEY", &cfg.Transport.APIKey)
	envInt("REALTIME_JOIN_TIMEOUT_MS", &cfg.Transport.JoinTimeoutMs)

	envString("REALTIME_ADDR", &cfg.Server.Addr)
	return cfg
}

// Validate checks value ranges and cross-field rules such as MaxMs >= BaseMs
// and a URL for the phoenix transport.
func (c *RealtimeConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateTransport, TransportConfig{})
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func validateTransport(sl validator.StructLevel) {
	tc := sl.Current().Interface().(TransportConfig)
	if (tc.Kind == "phoenix" || tc.Kind == "") && tc.URL == "" {
		sl.ReportError(tc.URL, "URL", "URL", "required_for_phoenix", "")
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Ms converts a millisecond config value into a time.Duration.
func Ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
