package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jariahh/ateliercode-sub000/schema"
)

// pollSleep waits between external id poll attempts. Tests replace it.
var pollSleep = func(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// sessionRegistry binds tabs to agent host sessions.
type sessionRegistry struct {
	mu       sync.Mutex
	host     AgentHost
	sessions map[schema.TabID]schema.Session
	attempts int
	interval time.Duration
	now      func() time.Time
}

func newSessionRegistry(host AgentHost, cfg schema.ServiceConfig, now func() time.Time) *sessionRegistry {
	if now == nil {
		now = time.Now
	}
	return &sessionRegistry{
		host:     host,
		sessions: make(map[schema.TabID]schema.Session),
		attempts: cfg.PollAttempts,
		interval: cfg.PollInterval,
		now:      now,
	}
}

// Start launches a process for the tab. A running session must be stopped
// first so every restart passes through stopped.
func (r *sessionRegistry) Start(ctx context.Context, tab schema.Tab, agent schema.AgentType, resume schema.ExternalSessionID) (schema.Session, error) {
	r.mu.Lock()
	if current, ok := r.sessions[tab.ID]; ok && current.Status == schema.SessionRunning {
		r.mu.Unlock()
		return schema.Session{}, schema.ErrSessionRunning
	}
	r.mu.Unlock()

	desc, err := r.host.Start(ctx, schema.HostStartRequest{
		ProjectID:        tab.ProjectID,
		AgentType:        agent,
		ResumeExternalID: resume,
	})
	if err != nil {
		return schema.Session{}, hostError("start session", err)
	}
	now := r.now()
	session := schema.Session{
		ID:           desc.SessionID,
		ProjectID:    tab.ProjectID,
		TabID:        tab.ID,
		AgentType:    agent,
		Status:       schema.SessionRunning,
		StartedAt:    now,
		LastActivity: now,
		ExternalID:   resume,
	}
	if desc.ExternalID != "" {
		session.ExternalID = desc.ExternalID
	}
	if session.ID == "" {
		session.ID = schema.SessionID(newID())
	}
	r.mu.Lock()
	r.sessions[tab.ID] = session
	r.mu.Unlock()
	return session, nil
}

// PollForExternalID asks the host for the agent's session id with a bounded
// number of attempts. On success the session is updated.
func (r *sessionRegistry) PollForExternalID(ctx context.Context, tabID schema.TabID) (schema.ExternalSessionID, bool, error) {
	for attempt := 0; attempt < r.attempts; attempt++ {
		session, ok := r.Get(tabID)
		if !ok || session.Status != schema.SessionRunning {
			return "", false, nil
		}
		if session.ExternalID != "" && attempt == 0 {
			return session.ExternalID, true, nil
		}
		ext, found, err := r.host.SyncExternalID(ctx, session.ID)
		if err != nil && !errors.Is(err, schema.ErrSessionNotFound) {
			return "", false, hostError("sync external id", err)
		}
		if found && ext != "" {
			r.mu.Lock()
			current, ok := r.sessions[tabID]
			if ok && current.ID == session.ID {
				current.ExternalID = ext
				r.sessions[tabID] = current
			}
			r.mu.Unlock()
			return ext, true, nil
		}
		if attempt+1 < r.attempts {
			if err := pollSleep(ctx, r.interval); err != nil {
				return "", false, err
			}
		}
	}
	return "", false, nil
}

// Stop marks the tab's session stopped and releases its process. The external
// id is kept so the conversation stays resumable.
func (r *sessionRegistry) Stop(ctx context.Context, tabID schema.TabID) (schema.Session, error) {
	session, ok := r.Get(tabID)
	if !ok {
		return schema.Session{}, schema.ErrSessionNotFound
	}
	if session.Status == schema.SessionStopped {
		return session, nil
	}
	if err := r.host.Stop(ctx, session.ID); err != nil && !errors.Is(err, schema.ErrSessionNotFound) {
		return schema.Session{}, hostError("stop session", err)
	}
	return r.markStopped(tabID, session.ID), nil
}

// MarkEnded records that the host process exited on its own.
func (r *sessionRegistry) MarkEnded(tabID schema.TabID) (schema.Session, bool) {
	session, ok := r.Get(tabID)
	if !ok || session.Status == schema.SessionStopped {
		return session, false
	}
	return r.markStopped(tabID, session.ID), true
}

func (r *sessionRegistry) markStopped(tabID schema.TabID, sessionID schema.SessionID) schema.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.sessions[tabID]
	if current.ID == sessionID {
		current.Status = schema.SessionStopped
		current.LastActivity = r.now()
		r.sessions[tabID] = current
	}
	return current
}

// Resume binds the tab to an existing external conversation as a stopped
// session. The process is started lazily by the next send.
func (r *sessionRegistry) Resume(tab schema.Tab, agent schema.AgentType, ext schema.ExternalSessionID) (schema.Session, error) {
	if ext == "" {
		return schema.Session{}, schema.ErrNotResumable
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[tab.ID]; ok && current.Status == schema.SessionRunning {
		return schema.Session{}, schema.ErrSessionRunning
	}
	now := r.now()
	session := schema.Session{
		ID:           schema.SessionID(newID()),
		ProjectID:    tab.ProjectID,
		TabID:        tab.ID,
		AgentType:    agent,
		Status:       schema.SessionStopped,
		StartedAt:    now,
		LastActivity: now,
		ExternalID:   ext,
	}
	r.sessions[tab.ID] = session
	return session, nil
}

// Touch records activity on the tab's session.
func (r *sessionRegistry) Touch(tabID schema.TabID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[tabID]; ok {
		current.LastActivity = r.now()
		r.sessions[tabID] = current
	}
}

func (r *sessionRegistry) Get(tabID schema.TabID) (schema.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[tabID]
	return session, ok
}

// Remove forgets the tab's session without stopping its process.
func (r *sessionRegistry) Remove(tabID schema.TabID) {
	r.mu.Lock()
	delete(r.sessions, tabID)
	r.mu.Unlock()
}

func (r *sessionRegistry) All() []schema.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		out = append(out, session)
	}
	return out
}

// hostError classifies err as a host failure unless it already carries a kind.
func hostError(op string, err error) error {
	if KindOf(err) != "" {
		return err
	}
	return NewError(ErrorHost, op, err)
}
