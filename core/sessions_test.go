package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jariahh/ateliercode-sub000/schema"
)

func withPollSleep(t *testing.T, fn func(context.Context, time.Duration) error) {
	t.Helper()
	prev := pollSleep
	pollSleep = fn
	t.Cleanup(func() { pollSleep = prev })
}

func testConfig() schema.ServiceConfig {
	cfg, _ := schema.NormalizeServiceConfig(schema.ServiceConfig{DefaultAgent: "claude-code"})
	return cfg
}

func TestSessionRegistryPollBoundedRetry(t *testing.T) {
	var sleeps []time.Duration
	withPollSleep(t, func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	})
	host := newFakeHost()
	reg := newSessionRegistry(host, testConfig(), nil)
	tab := schema.Tab{ID: "t", ProjectID: "p"}
	session, err := reg.Start(context.Background(), tab, "claude-code", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, found, err := reg.PollForExternalID(context.Background(), "t"); err != nil || found {
		t.Fatalf("expected not found, got found=%v err=%v", found, err)
	}
	if host.syncs != schema.DefaultPollAttempts {
		t.Fatalf("expected %d attempts, got %d", schema.DefaultPollAttempts, host.syncs)
	}
	if len(sleeps) != schema.DefaultPollAttempts-1 || sleeps[0] != schema.DefaultPollInterval {
		t.Fatalf("unexpected sleeps: %v", sleeps)
	}

	host.syncs = 0
	host.syncAfter = 3
	host.setExternal(session.ID, "ext-1")
	ext, found, err := reg.PollForExternalID(context.Background(), "t")
	if err != nil || !found || ext != "ext-1" {
		t.Fatalf("expected ext-1, got %q found=%v err=%v", ext, found, err)
	}
	got, _ := reg.Get("t")
	if got.ExternalID != "ext-1" {
		t.Fatalf("expected session updated, got %+v", got)
	}
}

func TestSessionRegistryStopKeepsExternalID(t *testing.T) {
	host := newFakeHost()
	reg := newSessionRegistry(host, testConfig(), nil)
	tab := schema.Tab{ID: "t", ProjectID: "p"}
	if _, err := reg.Start(context.Background(), tab, "claude-code", "ext-9"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := reg.Start(context.Background(), tab, "claude-code", ""); !errors.Is(err, schema.ErrSessionRunning) {
		t.Fatalf("expected ErrSessionRunning, got %v", err)
	}
	stopped, err := reg.Stop(context.Background(), "t")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Status != schema.SessionStopped || stopped.ExternalID != "ext-9" || !stopped.Resumable() {
		t.Fatalf("unexpected stopped session: %+v", stopped)
	}
	if len(host.stops) != 1 {
		t.Fatalf("expected one host stop, got %d", len(host.stops))
	}
}

func TestSessionRegistryResumeIsStopped(t *testing.T) {
	reg := newSessionRegistry(newFakeHost(), testConfig(), nil)
	tab := schema.Tab{ID: "t", ProjectID: "p"}
	session, err := reg.Resume(tab, "claude-code", "ext-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if session.Status != schema.SessionStopped || session.ExternalID != "ext-1" {
		t.Fatalf("unexpected session: %+v", session)
	}
	if _, err := reg.Resume(tab, "claude-code", ""); !errors.Is(err, schema.ErrNotResumable) {
		t.Fatalf("expected ErrNotResumable, got %v", err)
	}
}

func TestSessionRegistryHostErrorClassified(t *testing.T) {
	host := newFakeHost()
	host.startErr = errors.New("spawn failed")
	reg := newSessionRegistry(host, testConfig(), nil)
	_, err := reg.Start(context.Background(), schema.Tab{ID: "t"}, "claude-code", "")
	if !IsKind(err, ErrorHost) {
		t.Fatalf("expected host error, got %v", err)
	}
}
