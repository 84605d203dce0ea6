// Package logx binds project, tab and session identifiers to pslog loggers.
package logx

import (
	"context"

	"github.com/jariahh/ateliercode-sub000/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	projectKey contextKey = iota
	tabKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithProject annotates the logger with the project id if present.
func WithProject(ctx context.Context, projectID schema.ProjectID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if projectID != "" {
		if current, ok := ctx.Value(projectKey).(schema.ProjectID); ok && current == projectID {
			return log
		}
		log = log.With("project", projectID)
	}
	return log
}

// WithProjectTab annotates the logger with project and tab identifiers.
func WithProjectTab(ctx context.Context, projectID schema.ProjectID, tabID schema.TabID) pslog.Logger {
	log := WithProject(ctx, projectID)
	if tabID != "" {
		if current, ok := ctx.Value(tabKey).(schema.TabID); ok && current == tabID {
			return log
		}
		log = log.With("tab", tabID)
	}
	return log
}

// WithSession annotates the logger with local and external session ids when available.
func WithSession(log pslog.Logger, session schema.Session) pslog.Logger {
	if session.ID != "" {
		log = log.With("session", session.ID)
	}
	if session.ExternalID != "" {
		log = log.With("external_session", session.ExternalID)
	}
	return log
}

// WithExternal annotates the logger with an external session id when available.
func WithExternal(log pslog.Logger, externalID schema.ExternalSessionID) pslog.Logger {
	if externalID != "" {
		log = log.With("external_session", externalID)
	}
	return log
}

// ContextWithProject stores the project marker on the context for log de-duplication.
func ContextWithProject(ctx context.Context, projectID schema.ProjectID) context.Context {
	if ctx == nil || projectID == "" {
		return ctx
	}
	return context.WithValue(ctx, projectKey, projectID)
}

// ContextWithTab stores the tab marker on the context for log de-duplication.
func ContextWithTab(ctx context.Context, tabID schema.TabID) context.Context {
	if ctx == nil || tabID == "" {
		return ctx
	}
	return context.WithValue(ctx, tabKey, tabID)
}

// ContextWithProjectTabLogger attaches the logger and project/tab markers to the context.
func ContextWithProjectTabLogger(ctx context.Context, log pslog.Logger, projectID schema.ProjectID, tabID schema.TabID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithTab(ContextWithProject(ctx, projectID), tabID)
}

// CopyContextFields copies project/tab markers and the logger from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	dst = pslog.ContextWithLogger(dst, pslog.Ctx(src))
	if project, ok := src.Value(projectKey).(schema.ProjectID); ok && project != "" {
		dst = ContextWithProject(dst, project)
	}
	if tab, ok := src.Value(tabKey).(schema.TabID); ok && tab != "" {
		dst = ContextWithTab(dst, tab)
	}
	return dst
}
