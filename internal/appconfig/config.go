package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jariahh/ateliercode-sub000/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int            `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string         `mapstructure:"state_dir" yaml:"state_dir"`
	Database      DatabaseConfig `mapstructure:"database" yaml:"database"`
	Agents        AgentsConfig   `mapstructure:"agents" yaml:"agents"`
	Service       ServiceConfig  `mapstructure:"service" yaml:"service"`
	Peer          PeerConfig     `mapstructure:"peer" yaml:"peer"`
	HTTP          HTTPConfig     `mapstructure:"http" yaml:"http"`
	Metrics       MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Logging       LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// DatabaseConfig locates the chat message store.
type DatabaseConfig struct {
	Path     string `mapstructure:"path" yaml:"path"`
	PoolSize int    `mapstructure:"pool_size" yaml:"pool_size"`
}

// AgentsConfig controls agent plugins and where their transcripts live.
type AgentsConfig struct {
	Default        string `mapstructure:"default" yaml:"default"`
	PluginDir      string `mapstructure:"plugin_dir" yaml:"plugin_dir"`
	TranscriptRoot string `mapstructure:"transcript_root" yaml:"transcript_root"`
	// Env holds KEY=VALUE pairs added to every agent process.
	Env []string `mapstructure:"env" yaml:"env"`
}

// ServiceConfig controls core service behavior.
type ServiceConfig struct {
	BufferHighWater int `mapstructure:"buffer_high_water" yaml:"buffer_high_water"`
	BufferLowWater  int `mapstructure:"buffer_low_water" yaml:"buffer_low_water"`
	DedupWindowMS   int `mapstructure:"dedup_window_ms" yaml:"dedup_window_ms"`
	PollAttempts    int `mapstructure:"poll_attempts" yaml:"poll_attempts"`
	PollIntervalMS  int `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
	HistoryPageSize int `mapstructure:"history_page_size" yaml:"history_page_size"`
}

// PeerConfig configures links to a remote engine host.
type PeerConfig struct {
	// URL of a remote host websocket; empty runs the host in process.
	URL                string       `mapstructure:"url" yaml:"url"`
	WebSocketPath      string       `mapstructure:"websocket_path" yaml:"websocket_path"`
	Codec              string       `mapstructure:"codec" yaml:"codec"`
	CallTimeoutSeconds int          `mapstructure:"call_timeout_seconds" yaml:"call_timeout_seconds"`
	WebRTC             WebRTCConfig `mapstructure:"webrtc" yaml:"webrtc"`
}

// WebRTCConfig configures the data channel transport.
type WebRTCConfig struct {
	Enabled    bool     `mapstructure:"enabled" yaml:"enabled"`
	LocalID    string   `mapstructure:"local_id" yaml:"local_id"`
	ICEServers []string `mapstructure:"ice_servers" yaml:"ice_servers"`
	Username   string   `mapstructure:"username" yaml:"username"`
	Credential string   `mapstructure:"credential" yaml:"credential"`
}

// HTTPConfig configures the HTTP listener serving peer links and events.
type HTTPConfig struct {
	Addr         string `mapstructure:"addr" yaml:"addr"`
	BasePath     string `mapstructure:"base_path" yaml:"base_path"`
	EventHistory int    `mapstructure:"event_history" yaml:"event_history"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig controls audit logging behavior.
type LoggingConfig struct {
	DisableAuditTrails bool `mapstructure:"disable_audit_trails" yaml:"disable_audit_trails"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(home, ".atelier", "state"),
		Database: DatabaseConfig{
			Path:     filepath.Join(home, ".atelier", "state", "chat.db"),
			PoolSize: 4,
		},
		Agents: AgentsConfig{
			Default:        "claude-code",
			PluginDir:      filepath.Join(home, ".atelier", "plugins"),
			TranscriptRoot: filepath.Join(home, ".claude", "projects"),
			Env:            []string{},
		},
		Service: ServiceConfig{
			BufferHighWater: schema.DefaultBufferHighWater,
			BufferLowWater:  schema.DefaultBufferLowWater,
			DedupWindowMS:   int(schema.DefaultDedupWindow / time.Millisecond),
			PollAttempts:    schema.DefaultPollAttempts,
			PollIntervalMS:  int(schema.DefaultPollInterval / time.Millisecond),
			HistoryPageSize: schema.DefaultHistoryPageSize,
		},
		Peer: PeerConfig{
			URL:                "",
			WebSocketPath:      "/peer",
			Codec:              "json",
			CallTimeoutSeconds: 30,
			WebRTC: WebRTCConfig{
				Enabled:    false,
				LocalID:    "atelier-host",
				ICEServers: []string{"stun:stun.l.google.com:19302"},
			},
		},
		HTTP: HTTPConfig{
			Addr:         "127.0.0.1:27510",
			BasePath:     "",
			EventHistory: 1000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			DisableAuditTrails: false,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".atelier", "config.yaml"), nil
}

// ServiceConfig converts the service section into engine settings.
func (c Config) ServiceConfig() schema.ServiceConfig {
	return schema.ServiceConfig{
		DefaultAgent:    schema.AgentType(c.Agents.Default),
		BufferHighWater: c.Service.BufferHighWater,
		BufferLowWater:  c.Service.BufferLowWater,
		DedupWindow:     time.Duration(c.Service.DedupWindowMS) * time.Millisecond,
		PollAttempts:    c.Service.PollAttempts,
		PollInterval:    time.Duration(c.Service.PollIntervalMS) * time.Millisecond,
		HistoryPageSize: c.Service.HistoryPageSize,
	}
}

// CallTimeout returns the peer call timeout.
func (c Config) CallTimeout() time.Duration {
	return time.Duration(c.Peer.CallTimeoutSeconds) * time.Second
}

// EnvList returns the well formed KEY=VALUE pairs of the agent environment.
func (a AgentsConfig) EnvList() []string {
	out := make([]string, 0, len(a.Env))
	for _, entry := range a.Env {
		key, _, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(key) == "" {
			continue
		}
		out = append(out, entry)
	}
	return out
}
