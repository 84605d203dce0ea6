package schema

import (
	"errors"
	"time"
)

// ServiceConfig defines defaults and limits for the core service.
type ServiceConfig struct {
	DefaultAgent AgentType
	// BufferHighWater is the message count that triggers truncation.
	BufferHighWater int
	// BufferLowWater is the number of newest messages kept after truncation.
	BufferLowWater  int
	DedupWindow     time.Duration
	PollAttempts    int
	PollInterval    time.Duration
	HistoryPageSize int
}

const (
	// DefaultBufferHighWater is the default per-tab truncation trigger.
	DefaultBufferHighWater = 500
	// DefaultBufferLowWater is the default per-tab size after truncation.
	DefaultBufferLowWater = 300
	// DefaultDedupWindow is the timestamp tolerance for content deduplication.
	DefaultDedupWindow = 100 * time.Millisecond
	// DefaultPollAttempts bounds the external id poll.
	DefaultPollAttempts = 10
	// DefaultPollInterval is the delay between external id poll attempts.
	DefaultPollInterval = 500 * time.Millisecond
	// DefaultHistoryPageSize is the page size used when loading older messages.
	DefaultHistoryPageSize = 50
)

// NormalizeServiceConfig applies defaults and validates the config.
func NormalizeServiceConfig(cfg ServiceConfig) (ServiceConfig, error) {
	if cfg.BufferHighWater <= 0 {
		cfg.BufferHighWater = DefaultBufferHighWater
	}
	if cfg.BufferLowWater <= 0 {
		cfg.BufferLowWater = DefaultBufferLowWater
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = DefaultPollAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = DefaultHistoryPageSize
	}
	if cfg.DefaultAgent != "" {
		agent, err := NormalizeAgentType(string(cfg.DefaultAgent))
		if err != nil {
			return ServiceConfig{}, err
		}
		cfg.DefaultAgent = agent
	}
	if cfg.BufferLowWater >= cfg.BufferHighWater {
		return ServiceConfig{}, errors.New("buffer low water mark must be below high water mark")
	}
	return cfg, nil
}
