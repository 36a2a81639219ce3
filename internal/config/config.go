// Package config provides environment-driven configuration for the parley
// daemon and the forwarding-node process.
package config

import (
	"fmt"
	"time"
)

// Voice backend selectors.
const (
	VoiceBackendCustom   = "custom"
	VoiceBackendExternal = "external"
)

// Gateway holds the real-time gateway protocol settings.
type Gateway struct {
	// HeartbeatInterval is advertised to clients in HELLO. A session is
	// closed after two consecutive intervals without a heartbeat.
	HeartbeatInterval time.Duration
	// IdentifyTimeout bounds the window between HELLO and IDENTIFY/RESUME.
	IdentifyTimeout time.Duration
	// QueueCapacity bounds each session's outbound queue. A full queue
	// force-disconnects the session.
	QueueCapacity int
	// ResumeTTL is how long a closed session stays resumable.
	ResumeTTL time.Duration
}

// Registry holds node-registry and reaper settings.
type Registry struct {
	// ReaperInterval is the period between staleness scans.
	ReaperInterval time.Duration
	// StaleAfter marks a node Offline when now-last_heartbeat exceeds it.
	StaleAfter time.Duration
	// Dir is the Badger directory for durable node rows; empty keeps the
	// registry memory-only.
	Dir string
	// Token authenticates node registration calls; empty disables auth.
	Token string
}

// Voice selects and parameterises the voice backend.
type Voice struct {
	Backend        string // "custom" or "external"
	ExternalURL    string
	ExternalKey    string
	ExternalSecret string
}

// Telemetry holds OTLP tracing settings.
type Telemetry struct {
	Enabled      bool
	Endpoint     string
	ExporterType string // "grpc" or "http"
	SamplingRate float64
}

// Daemon is the full configuration of the central gateway daemon.
type Daemon struct {
	Listen          string
	MetricsListen   string // empty disables the metrics listener
	ShutdownTimeout time.Duration

	Gateway   Gateway
	Registry  Registry
	Voice     Voice
	Telemetry Telemetry

	// RedisAddr backs the resume store; empty selects the in-memory store.
	RedisAddr string
	// TokensFile backs the static token resolver.
	TokensFile string

	LogLevel string
}

// Forwarder is the full configuration of a forwarding-node process.
type Forwarder struct {
	NodeID            string // empty: generated once and persisted in StateDir
	Endpoint          string
	Region            string
	Capacity          int
	MainURL           string
	Listen            string
	HeartbeatInterval time.Duration
	StateDir          string
	RegistryToken     string

	LogLevel string
}

// LoadDaemon reads daemon configuration from the environment.
func LoadDaemon() Daemon {
	return Daemon{
		Listen:          ParseString("PARLEY_LISTEN", ":8080"),
		MetricsListen:   ParseString("PARLEY_METRICS_LISTEN", ":9090"),
		ShutdownTimeout: ParseDuration("PARLEY_SHUTDOWN_TIMEOUT", 15*time.Second),
		Gateway: Gateway{
			HeartbeatInterval: ParseDuration("PARLEY_HEARTBEAT_INTERVAL", 45*time.Second),
			IdentifyTimeout:   ParseDuration("PARLEY_IDENTIFY_TIMEOUT", 30*time.Second),
			QueueCapacity:     ParseInt("PARLEY_SESSION_QUEUE_CAPACITY", 128),
			ResumeTTL:         ParseDuration("PARLEY_RESUME_TTL", 2*time.Minute),
		},
		Registry: Registry{
			ReaperInterval: ParseDuration("PARLEY_REAPER_INTERVAL", 15*time.Second),
			StaleAfter:     ParseDuration("PARLEY_NODE_STALE_AFTER", 90*time.Second),
			Dir:            ParseString("PARLEY_REGISTRY_DIR", ""),
			Token:          ParseString("PARLEY_REGISTRY_TOKEN", ""),
		},
		Voice: Voice{
			Backend:        ParseString("PARLEY_VOICE_BACKEND", VoiceBackendCustom),
			ExternalURL:    ParseString("PARLEY_EXTERNAL_VOICE_URL", ""),
			ExternalKey:    ParseString("PARLEY_EXTERNAL_VOICE_KEY", ""),
			ExternalSecret: ParseString("PARLEY_EXTERNAL_VOICE_SECRET", ""),
		},
		Telemetry: Telemetry{
			Enabled:      ParseBool("PARLEY_OTEL_ENABLED", false),
			Endpoint:     ParseString("PARLEY_OTEL_ENDPOINT", "localhost:4317"),
			ExporterType: ParseString("PARLEY_OTEL_EXPORTER", "grpc"),
			SamplingRate: ParseFloat("PARLEY_OTEL_SAMPLING_RATE", 1.0),
		},
		RedisAddr:  ParseString("PARLEY_REDIS_ADDR", ""),
		TokensFile: ParseString("PARLEY_TOKENS_FILE", ""),
		LogLevel:   ParseString("PARLEY_LOG_LEVEL", "info"),
	}
}

// LoadForwarder reads forwarding-node configuration from the environment.
func LoadForwarder() Forwarder {
	return Forwarder{
		NodeID:            ParseString("PARLEY_NODE_ID", ""),
		Endpoint:          ParseString("PARLEY_NODE_ENDPOINT", ""),
		Region:            ParseString("PARLEY_NODE_REGION", "global"),
		Capacity:          ParseInt("PARLEY_NODE_CAPACITY", 100),
		MainURL:           ParseString("PARLEY_MAIN_URL", "http://localhost:8080"),
		Listen:            ParseString("PARLEY_NODE_LISTEN", ":8090"),
		HeartbeatInterval: ParseDuration("PARLEY_NODE_HEARTBEAT_INTERVAL", 30*time.Second),
		StateDir:          ParseString("PARLEY_NODE_STATE_DIR", "."),
		RegistryToken:     ParseString("PARLEY_REGISTRY_TOKEN", ""),
		LogLevel:          ParseString("PARLEY_LOG_LEVEL", "info"),
	}
}

// Validate rejects unrecoverable daemon misconfiguration at startup.
func (d Daemon) Validate() error {
	if d.Listen == "" {
		return fmt.Errorf("PARLEY_LISTEN must not be empty")
	}
	if d.Gateway.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", d.Gateway.HeartbeatInterval)
	}
	if d.Gateway.IdentifyTimeout <= 0 {
		return fmt.Errorf("identify timeout must be positive, got %s", d.Gateway.IdentifyTimeout)
	}
	if d.Gateway.QueueCapacity < 1 {
		return fmt.Errorf("session queue capacity must be at least 1, got %d", d.Gateway.QueueCapacity)
	}
	switch d.Voice.Backend {
	case VoiceBackendCustom:
		if d.Registry.ReaperInterval <= 0 {
			return fmt.Errorf("reaper interval must be positive, got %s", d.Registry.ReaperInterval)
		}
		if d.Registry.StaleAfter <= d.Registry.ReaperInterval {
			return fmt.Errorf("node staleness threshold (%s) must exceed the reaper interval (%s)",
				d.Registry.StaleAfter, d.Registry.ReaperInterval)
		}
	case VoiceBackendExternal:
		if d.Voice.ExternalURL == "" {
			return fmt.Errorf("PARLEY_EXTERNAL_VOICE_URL is required for the external voice backend")
		}
		if d.Voice.ExternalSecret == "" {
			return fmt.Errorf("PARLEY_EXTERNAL_VOICE_SECRET is required for the external voice backend")
		}
	default:
		return fmt.Errorf("unknown voice backend %q (supported: custom, external)", d.Voice.Backend)
	}
	return nil
}

// Validate rejects unrecoverable forwarder misconfiguration at startup.
func (f Forwarder) Validate() error {
	if f.Endpoint == "" {
		return fmt.Errorf("PARLEY_NODE_ENDPOINT must not be empty")
	}
	if f.MainURL == "" {
		return fmt.Errorf("PARLEY_MAIN_URL must not be empty")
	}
	if f.Capacity < 1 {
		return fmt.Errorf("node capacity must be at least 1, got %d", f.Capacity)
	}
	if f.HeartbeatInterval <= 0 {
		return fmt.Errorf("node heartbeat interval must be positive, got %s", f.HeartbeatInterval)
	}
	return nil
}
