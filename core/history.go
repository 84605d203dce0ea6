package core

import (
	"context"
	"errors"

	"github.com/jariahh/ateliercode-sub000/schema"
	"pkt.systems/pslog"
)

// CombinedHistory reads conversations from the agent transcripts and saves
// messages to the message store. Reads fall back to the message store when
// the transcript is unavailable or empty.
type CombinedHistory struct {
	Transcripts HistoryReader
	Store       HistoryStore
}

// NewCombinedHistory composes a transcript reader with a message store.
func NewCombinedHistory(transcripts HistoryReader, store HistoryStore) (*CombinedHistory, error) {
	if store == nil {
		return nil, errors.New("core: missing message store")
	}
	return &CombinedHistory{Transcripts: transcripts, Store: store}, nil
}

func (h *CombinedHistory) History(ctx context.Context, req schema.HistoryRequest) ([]schema.Message, error) {
	if h.Transcripts != nil {
		messages, err := h.Transcripts.History(ctx, req)
		if err == nil && len(messages) > 0 {
			return messages, nil
		}
		if err != nil {
			pslog.Ctx(ctx).Debug("history transcript read failed, using message store", "external_session", req.ExternalID, "err", err)
		}
	}
	return h.Store.History(ctx, req)
}

func (h *CombinedHistory) HistoryPage(ctx context.Context, req schema.HistoryPageRequest) (schema.HistoryPage, error) {
	if h.Transcripts != nil {
		page, err := h.Transcripts.HistoryPage(ctx, req)
		if err == nil && page.TotalCount > 0 {
			return page, nil
		}
		if err != nil {
			pslog.Ctx(ctx).Debug("history transcript page failed, using message store", "external_session", req.ExternalID, "err", err)
		}
	}
	return h.Store.HistoryPage(ctx, req)
}

// ListSessions prefers transcripts; the store only knows sessions that
// passed through this host.
func (h *CombinedHistory) ListSessions(ctx context.Context, req schema.ListSessionsRequest) ([]schema.SessionInfo, error) {
	if h.Transcripts != nil {
		sessions, err := h.Transcripts.ListSessions(ctx, req)
		if err == nil {
			return sessions, nil
		}
		pslog.Ctx(ctx).Warn("history transcript list failed, using message store", "err", err)
	}
	return h.Store.ListSessions(ctx, req)
}

func (h *CombinedHistory) SaveMessage(ctx context.Context, req schema.SaveMessageRequest) (schema.Message, error) {
	msg, err := h.Store.SaveMessage(ctx, req)
	if err != nil {
		return schema.Message{}, NewError(ErrorPersistence, "save message", err)
	}
	return msg, nil
}
