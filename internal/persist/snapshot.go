package persist

import (
	"time"

	"github.com/jariahh/ateliercode-sub000/schema"
)

func snapshotOf(tab schema.Tab) TabSnapshot {
	return TabSnapshot{
		ID:           tab.ID,
		AgentType:    tab.AgentType,
		SessionID:    tab.SessionID,
		CLISessionID: tab.CLISessionID,
		Label:        tab.Label,
		Order:        tab.Order,
		Active:       tab.Active,
		HasActivity:  tab.HasActivity,
		CreatedAt:    unixMilli(tab.CreatedAt),
		LastActivity: unixMilli(tab.LastActivity),
	}
}

func (s TabSnapshot) tab(projectID schema.ProjectID) schema.Tab {
	return schema.Tab{
		ID:           s.ID,
		ProjectID:    projectID,
		AgentType:    s.AgentType,
		SessionID:    s.SessionID,
		CLISessionID: s.CLISessionID,
		Label:        s.Label,
		Order:        s.Order,
		Active:       s.Active,
		HasActivity:  s.HasActivity,
		CreatedAt:    fromUnixMilli(s.CreatedAt),
		LastActivity: fromUnixMilli(s.LastActivity),
	}
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
