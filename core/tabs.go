package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jariahh/ateliercode-sub000/schema"
)

const maxLabelRunes = 64

// tabRegistry owns the ordered tabs of every project. Each mutation is saved
// to the TabStore before the in-memory state changes.
type tabRegistry struct {
	mu       sync.Mutex
	store    TabStore
	projects map[schema.ProjectID][]schema.Tab
	index    map[schema.TabID]schema.ProjectID
	focused  bool
	now      func() time.Time
}

func newTabRegistry(store TabStore, now func() time.Time) *tabRegistry {
	if store == nil {
		store = newMemoryTabStore()
	}
	if now == nil {
		now = time.Now
	}
	return &tabRegistry{
		store:    store,
		projects: make(map[schema.ProjectID][]schema.Tab),
		index:    make(map[schema.TabID]schema.ProjectID),
		focused:  true,
		now:      now,
	}
}

// loadLocked restores persisted tabs the first time a project is accessed.
func (r *tabRegistry) loadLocked(ctx context.Context, projectID schema.ProjectID) ([]schema.Tab, error) {
	if tabs, ok := r.projects[projectID]; ok {
		return tabs, nil
	}
	stored, err := r.store.LoadTabs(ctx, projectID)
	if err != nil {
		return nil, NewError(ErrorPersistence, "load tabs", err)
	}
	tabs := normalizeTabs(projectID, stored)
	r.projects[projectID] = tabs
	for _, tab := range tabs {
		r.index[tab.ID] = projectID
	}
	return tabs, nil
}

// commitLocked persists next and only then installs it.
func (r *tabRegistry) commitLocked(ctx context.Context, projectID schema.ProjectID, next []schema.Tab) error {
	if err := r.store.SaveTabs(ctx, projectID, cloneTabs(next)); err != nil {
		return NewError(ErrorPersistence, "save tabs", err)
	}
	r.projects[projectID] = next
	return nil
}

// List returns the ordered tabs of a project and its active tab.
func (r *tabRegistry) List(ctx context.Context, projectID schema.ProjectID) ([]schema.Tab, schema.TabID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tabs, err := r.loadLocked(ctx, projectID)
	if err != nil {
		return nil, "", err
	}
	return cloneTabs(tabs), activeOf(tabs), nil
}

// Create appends a tab to the project; the first tab becomes active.
func (r *tabRegistry) Create(ctx context.Context, projectID schema.ProjectID, agent schema.AgentType, label string) (schema.Tab, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tabs, err := r.loadLocked(ctx, projectID)
	if err != nil {
		return schema.Tab{}, err
	}
	label = schema.NormalizeLabel(label, maxLabelRunes)
	if label == "" {
		label = fmt.Sprintf("%s %d", agent, len(tabs)+1)
	}
	now := r.now()
	tab := schema.Tab{
		ID:           schema.TabID(newID()),
		ProjectID:    projectID,
		AgentType:    agent,
		Label:        label,
		Order:        len(tabs),
		Active:       len(tabs) == 0,
		CreatedAt:    now,
		LastActivity: now,
	}
	next := append(cloneTabs(tabs), tab)
	if err := r.commitLocked(ctx, projectID, next); err != nil {
		return schema.Tab{}, err
	}
	r.index[tab.ID] = projectID
	return tab, nil
}

// TabUpdate lists the mutable fields of a tab; nil fields are left alone.
type TabUpdate struct {
	Label        *string
	SessionID    *schema.SessionID
	CLISessionID *schema.ExternalSessionID
}

// Update changes label, session id or external session id of a tab.
func (r *tabRegistry) Update(ctx context.Context, tabID schema.TabID, update TabUpdate) (schema.Tab, error) {
	return r.mutate(ctx, tabID, func(tabs []schema.Tab, idx int) ([]schema.Tab, bool) {
		tab := &tabs[idx]
		changed := false
		if update.Label != nil {
			if label := schema.NormalizeLabel(*update.Label, maxLabelRunes); label != "" && label != tab.Label {
				tab.Label = label
				changed = true
			}
		}
		if update.SessionID != nil && *update.SessionID != tab.SessionID {
			tab.SessionID = *update.SessionID
			changed = true
		}
		if update.CLISessionID != nil && *update.CLISessionID != tab.CLISessionID {
			tab.CLISessionID = *update.CLISessionID
			changed = true
		}
		if changed {
			tab.LastActivity = r.now()
		}
		return tabs, changed
	})
}

// SetActive makes tabID the only active tab of its project and clears its
// activity flag.
func (r *tabRegistry) SetActive(ctx context.Context, projectID schema.ProjectID, tabID schema.TabID) (schema.Tab, error) {
	r.mu.Lock()
	owner, ok := r.index[tabID]
	r.mu.Unlock()
	if !ok || (projectID != "" && owner != projectID) {
		return schema.Tab{}, schema.ErrTabNotFound
	}
	return r.mutate(ctx, tabID, func(tabs []schema.Tab, idx int) ([]schema.Tab, bool) {
		changed := false
		for i := range tabs {
			want := i == idx
			if tabs[i].Active != want {
				tabs[i].Active = want
				changed = true
			}
		}
		if tabs[idx].HasActivity {
			tabs[idx].HasActivity = false
			changed = true
		}
		return tabs, changed
	})
}

// Close removes a tab, renumbers the rest densely and activates the
// lowest-order tab if the closed one was active.
func (r *tabRegistry) Close(ctx context.Context, tabID schema.TabID) (schema.Tab, schema.TabID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	projectID, ok := r.index[tabID]
	if !ok {
		return schema.Tab{}, "", schema.ErrTabNotFound
	}
	tabs := r.projects[projectID]
	idx := indexOfTab(tabs, tabID)
	if idx < 0 {
		return schema.Tab{}, "", schema.ErrTabNotFound
	}
	closed := tabs[idx]
	next := make([]schema.Tab, 0, len(tabs)-1)
	for i, tab := range tabs {
		if i == idx {
			continue
		}
		tab.Order = len(next)
		next = append(next, tab)
	}
	if closed.Active && len(next) > 0 {
		next[0].Active = true
		next[0].HasActivity = false
	}
	if err := r.commitLocked(ctx, projectID, next); err != nil {
		return schema.Tab{}, "", err
	}
	delete(r.index, tabID)
	return closed, activeOf(next), nil
}

// MarkActivity flags a non-active tab while the application is unfocused. It
// reports whether the flag was newly set.
func (r *tabRegistry) MarkActivity(ctx context.Context, tabID schema.TabID) (schema.Tab, bool, error) {
	r.mu.Lock()
	focused := r.focused
	r.mu.Unlock()
	if focused {
		return schema.Tab{}, false, nil
	}
	flagged := false
	tab, err := r.mutate(ctx, tabID, func(tabs []schema.Tab, idx int) ([]schema.Tab, bool) {
		if tabs[idx].Active || tabs[idx].HasActivity {
			return tabs, false
		}
		tabs[idx].HasActivity = true
		tabs[idx].LastActivity = r.now()
		flagged = true
		return tabs, true
	})
	return tab, flagged, err
}

// ClearActivity resets the unseen-activity flag.
func (r *tabRegistry) ClearActivity(ctx context.Context, tabID schema.TabID) (schema.Tab, error) {
	return r.mutate(ctx, tabID, func(tabs []schema.Tab, idx int) ([]schema.Tab, bool) {
		if !tabs[idx].HasActivity {
			return tabs, false
		}
		tabs[idx].HasActivity = false
		return tabs, true
	})
}

// SetFocused records whether the application has focus.
func (r *tabRegistry) SetFocused(focused bool) {
	r.mu.Lock()
	r.focused = focused
	r.mu.Unlock()
}

// Get returns a tab by id.
func (r *tabRegistry) Get(tabID schema.TabID) (schema.Tab, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	projectID, ok := r.index[tabID]
	if !ok {
		return schema.Tab{}, false
	}
	tabs := r.projects[projectID]
	idx := indexOfTab(tabs, tabID)
	if idx < 0 {
		return schema.Tab{}, false
	}
	return tabs[idx], true
}

// mutate applies fn to a copy of the tab's project and commits it when fn
// reports a change.
func (r *tabRegistry) mutate(ctx context.Context, tabID schema.TabID, fn func(tabs []schema.Tab, idx int) ([]schema.Tab, bool)) (schema.Tab, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	projectID, ok := r.index[tabID]
	if !ok {
		return schema.Tab{}, schema.ErrTabNotFound
	}
	next := cloneTabs(r.projects[projectID])
	idx := indexOfTab(next, tabID)
	if idx < 0 {
		return schema.Tab{}, schema.ErrTabNotFound
	}
	next, changed := fn(next, idx)
	if !changed {
		return r.projects[projectID][idx], nil
	}
	if err := r.commitLocked(ctx, projectID, next); err != nil {
		return schema.Tab{}, err
	}
	return next[idx], nil
}

// normalizeTabs orders persisted tabs, renumbers them densely and enforces a
// single active tab.
func normalizeTabs(projectID schema.ProjectID, stored []schema.Tab) []schema.Tab {
	tabs := cloneTabs(stored)
	sort.SliceStable(tabs, func(i, j int) bool { return tabs[i].Order < tabs[j].Order })
	active := -1
	for i := range tabs {
		tabs[i].Order = i
		tabs[i].ProjectID = projectID
		if tabs[i].Active {
			if active >= 0 {
				tabs[i].Active = false
				continue
			}
			active = i
		}
	}
	if active < 0 && len(tabs) > 0 {
		tabs[0].Active = true
		active = 0
	}
	if active >= 0 {
		tabs[active].HasActivity = false
	}
	return tabs
}

func activeOf(tabs []schema.Tab) schema.TabID {
	for _, tab := range tabs {
		if tab.Active {
			return tab.ID
		}
	}
	return ""
}

func indexOfTab(tabs []schema.Tab, tabID schema.TabID) int {
	for i, tab := range tabs {
		if tab.ID == tabID {
			return i
		}
	}
	return -1
}

func cloneTabs(tabs []schema.Tab) []schema.Tab {
	if tabs == nil {
		return []schema.Tab{}
	}
	out := make([]schema.Tab, len(tabs))
	copy(out, tabs)
	return out
}

// memoryTabStore keeps tabs in memory when no persistent store is configured.
type memoryTabStore struct {
	mu   sync.Mutex
	tabs map[schema.ProjectID][]schema.Tab
}

func newMemoryTabStore() *memoryTabStore {
	return &memoryTabStore{tabs: make(map[schema.ProjectID][]schema.Tab)}
}

func (m *memoryTabStore) LoadTabs(_ context.Context, projectID schema.ProjectID) ([]schema.Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneTabs(m.tabs[projectID]), nil
}

func (m *memoryTabStore) SaveTabs(_ context.Context, projectID schema.ProjectID, tabs []schema.Tab) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tabs[projectID] = cloneTabs(tabs)
	return nil
}
