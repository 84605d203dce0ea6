package schema

import (
	"errors"
	"testing"
)

func TestNormalizeAgentType(t *testing.T) {
	got, err := NormalizeAgentType("  Claude-Code ")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got != "claude-code" {
		t.Fatalf("expected claude-code, got %q", got)
	}
	if _, err := NormalizeAgentType(""); !errors.Is(err, ErrNoAgent) {
		t.Fatalf("expected ErrNoAgent, got %v", err)
	}
	if _, err := NormalizeAgentType("bad agent"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestNormalizeServiceConfigDefaults(t *testing.T) {
	cfg, err := NormalizeServiceConfig(ServiceConfig{})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cfg.BufferHighWater != 500 || cfg.BufferLowWater != 300 {
		t.Fatalf("unexpected marks: %d/%d", cfg.BufferHighWater, cfg.BufferLowWater)
	}
	if cfg.DedupWindow != DefaultDedupWindow {
		t.Fatalf("unexpected dedup window: %s", cfg.DedupWindow)
	}
}

func TestNormalizeServiceConfigRejectsInvertedMarks(t *testing.T) {
	if _, err := NormalizeServiceConfig(ServiceConfig{BufferHighWater: 10, BufferLowWater: 10}); err == nil {
		t.Fatalf("expected error for low >= high")
	}
}

func TestNormalizeLabelCaps(t *testing.T) {
	if got := NormalizeLabel("  abcdef ", 3); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}
