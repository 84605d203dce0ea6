package core

import (
	"context"
	"errors"
	"testing"

	"github.com/jariahh/ateliercode-sub000/schema"
)

func TestTabRegistryFirstTabActive(t *testing.T) {
	reg := newTabRegistry(nil, nil)
	ctx := context.Background()
	first, err := reg.Create(ctx, "p", "claude-code", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := reg.Create(ctx, "p", "claude-code", "second")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !first.Active || second.Active {
		t.Fatalf("expected only the first tab active: %+v %+v", first, second)
	}
	if first.Order != 0 || second.Order != 1 {
		t.Fatalf("unexpected order: %d %d", first.Order, second.Order)
	}
	if first.Label != "claude-code 1" {
		t.Fatalf("unexpected default label %q", first.Label)
	}
}

func TestTabRegistryCloseActiveRenumbers(t *testing.T) {
	reg := newTabRegistry(nil, nil)
	ctx := context.Background()
	var ids []schema.TabID
	for i := 0; i < 3; i++ {
		tab, err := reg.Create(ctx, "p", "claude-code", "")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, tab.ID)
	}
	if _, err := reg.SetActive(ctx, "p", ids[1]); err != nil {
		t.Fatalf("activate: %v", err)
	}
	_, active, err := reg.Close(ctx, ids[1])
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	tabs, listActive, err := reg.List(ctx, "p")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tabs) != 2 {
		t.Fatalf("expected 2 tabs, got %d", len(tabs))
	}
	if tabs[0].ID != ids[0] || tabs[1].ID != ids[2] {
		t.Fatalf("unexpected remaining tabs: %+v", tabs)
	}
	if tabs[0].Order != 0 || tabs[1].Order != 1 {
		t.Fatalf("expected dense order, got %d %d", tabs[0].Order, tabs[1].Order)
	}
	if active != ids[0] || listActive != ids[0] || !tabs[0].Active || tabs[1].Active {
		t.Fatalf("expected lowest-order tab active, got %s", active)
	}
}

func TestTabRegistryCloseInactiveKeepsActive(t *testing.T) {
	reg := newTabRegistry(nil, nil)
	ctx := context.Background()
	a, _ := reg.Create(ctx, "p", "claude-code", "")
	b, _ := reg.Create(ctx, "p", "claude-code", "")
	_, active, err := reg.Close(ctx, b.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if active != a.ID {
		t.Fatalf("expected %s active, got %s", a.ID, active)
	}
}

func TestTabRegistryPersistFailureLeavesMemory(t *testing.T) {
	store := &failingTabStore{memoryTabStore: newMemoryTabStore()}
	reg := newTabRegistry(store, nil)
	ctx := context.Background()
	a, _ := reg.Create(ctx, "p", "claude-code", "")
	b, _ := reg.Create(ctx, "p", "claude-code", "")
	store.fail = true
	if _, err := reg.SetActive(ctx, "p", b.ID); !IsKind(err, ErrorPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	_, active, _ := reg.List(ctx, "p")
	if active != a.ID {
		t.Fatalf("expected active tab unchanged, got %s", active)
	}
	if _, _, err := reg.Close(ctx, a.ID); err == nil {
		t.Fatalf("expected close to fail")
	}
	if _, ok := reg.Get(a.ID); !ok {
		t.Fatalf("expected tab to survive a failed close")
	}
}

func TestTabRegistryActivityOnlyWhenUnfocused(t *testing.T) {
	reg := newTabRegistry(nil, nil)
	ctx := context.Background()
	a, _ := reg.Create(ctx, "p", "claude-code", "")
	b, _ := reg.Create(ctx, "p", "claude-code", "")

	if _, flagged, _ := reg.MarkActivity(ctx, b.ID); flagged {
		t.Fatalf("expected no activity flag while focused")
	}
	reg.SetFocused(false)
	if _, flagged, _ := reg.MarkActivity(ctx, a.ID); flagged {
		t.Fatalf("expected active tab never flagged")
	}
	tab, flagged, err := reg.MarkActivity(ctx, b.ID)
	if err != nil || !flagged || !tab.HasActivity {
		t.Fatalf("expected background tab flagged: %+v %v", tab, err)
	}
	activated, err := reg.SetActive(ctx, "p", b.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if activated.HasActivity {
		t.Fatalf("expected activation to clear activity")
	}
}

func TestTabRegistryLoadNormalizesPersisted(t *testing.T) {
	store := newMemoryTabStore()
	store.tabs["p"] = []schema.Tab{
		{ID: "b", Order: 5, Active: true},
		{ID: "a", Order: 2, Active: true, HasActivity: true},
		{ID: "c", Order: 9},
	}
	reg := newTabRegistry(store, nil)
	tabs, active, err := reg.List(context.Background(), "p")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if tabs[0].ID != "a" || tabs[1].ID != "b" || tabs[2].ID != "c" {
		t.Fatalf("unexpected order: %+v", tabs)
	}
	for i, tab := range tabs {
		if tab.Order != i || tab.ProjectID != "p" {
			t.Fatalf("unexpected tab %d: %+v", i, tab)
		}
	}
	if active != "a" || tabs[1].Active || tabs[0].HasActivity {
		t.Fatalf("expected single active tab a without activity, got %s", active)
	}
}

func TestTabRegistryUnknownTab(t *testing.T) {
	reg := newTabRegistry(nil, nil)
	if _, _, err := reg.Close(context.Background(), "missing"); !errors.Is(err, schema.ErrTabNotFound) {
		t.Fatalf("expected ErrTabNotFound, got %v", err)
	}
}
