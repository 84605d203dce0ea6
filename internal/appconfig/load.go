package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jariahh/ateliercode-sub000/schema"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("database.pool_size", cfg.Database.PoolSize)
	v.SetDefault("agents.default", cfg.Agents.Default)
	v.SetDefault("agents.plugin_dir", cfg.Agents.PluginDir)
	v.SetDefault("agents.transcript_root", cfg.Agents.TranscriptRoot)
	v.SetDefault("agents.env", cfg.Agents.Env)
	v.SetDefault("service.buffer_high_water", cfg.Service.BufferHighWater)
	v.SetDefault("service.buffer_low_water", cfg.Service.BufferLowWater)
	v.SetDefault("service.dedup_window_ms", cfg.Service.DedupWindowMS)
	v.SetDefault("service.poll_attempts", cfg.Service.PollAttempts)
	v.SetDefault("service.poll_interval_ms", cfg.Service.PollIntervalMS)
	v.SetDefault("service.history_page_size", cfg.Service.HistoryPageSize)
	v.SetDefault("peer.url", cfg.Peer.URL)
	v.SetDefault("peer.websocket_path", cfg.Peer.WebSocketPath)
	v.SetDefault("peer.codec", cfg.Peer.Codec)
	v.SetDefault("peer.call_timeout_seconds", cfg.Peer.CallTimeoutSeconds)
	v.SetDefault("peer.webrtc.enabled", cfg.Peer.WebRTC.Enabled)
	v.SetDefault("peer.webrtc.local_id", cfg.Peer.WebRTC.LocalID)
	v.SetDefault("peer.webrtc.ice_servers", cfg.Peer.WebRTC.ICEServers)
	v.SetDefault("peer.webrtc.username", cfg.Peer.WebRTC.Username)
	v.SetDefault("peer.webrtc.credential", cfg.Peer.WebRTC.Credential)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("http.event_history", cfg.HTTP.EventHistory)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
	v.SetDefault("logging.disable_audit_trails", cfg.Logging.DisableAuditTrails)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Peer.Codec)) {
	case "json", "cbor":
	default:
		return fmt.Errorf("unsupported peer.codec %q; expected json or cbor", cfg.Peer.Codec)
	}
	if !strings.HasPrefix(cfg.Peer.WebSocketPath, "/") {
		return fmt.Errorf("peer.websocket_path must start with /")
	}
	if url := strings.TrimSpace(cfg.Peer.URL); url != "" && !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return fmt.Errorf("peer.url must be a ws:// or wss:// URL")
	}
	if cfg.Peer.CallTimeoutSeconds <= 0 {
		return fmt.Errorf("peer.call_timeout_seconds must be positive")
	}
	if cfg.Peer.WebRTC.Enabled && strings.TrimSpace(cfg.Peer.WebRTC.LocalID) == "" {
		return fmt.Errorf("peer.webrtc.local_id is required when webrtc is enabled")
	}
	basePath := strings.TrimSpace(cfg.HTTP.BasePath)
	if basePath != "" {
		if strings.Contains(basePath, "://") {
			return fmt.Errorf("http.base_path must be a path prefix, not a URL")
		}
		if strings.ContainsAny(basePath, "?#") {
			return fmt.Errorf("http.base_path must not include query or fragment")
		}
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	if _, err := schema.NormalizeServiceConfig(cfg.ServiceConfig()); err != nil {
		return fmt.Errorf("service: %w", err)
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Database.Path = expandEnv(cfg.Database.Path)
	cfg.Agents.PluginDir = expandEnv(cfg.Agents.PluginDir)
	cfg.Agents.TranscriptRoot = expandEnv(cfg.Agents.TranscriptRoot)
	for i, entry := range cfg.Agents.Env {
		cfg.Agents.Env[i] = expandEnv(entry)
	}
	cfg.Peer.URL = expandEnv(cfg.Peer.URL)
	cfg.Peer.WebRTC.Credential = expandEnv(cfg.Peer.WebRTC.Credential)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
