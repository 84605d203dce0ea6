package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jariahh/ateliercode-sub000/schema"
)

func TestCombinedHistoryFallsBackToStore(t *testing.T) {
	transcripts := newFakeHistory()
	transcripts.pageErr = errors.New("missing file")
	store := newFakeHistory()
	store.messages["ext"] = []schema.Message{{ID: "db-1", Role: schema.RoleUser, Content: "saved", Timestamp: time.Unix(1, 0)}}
	history, err := NewCombinedHistory(transcripts, store)
	if err != nil {
		t.Fatalf("new combined history: %v", err)
	}
	ctx := context.Background()

	page, err := history.HistoryPage(ctx, schema.HistoryPageRequest{ExternalID: "ext", Limit: 10})
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].ID != "db-1" {
		t.Fatalf("expected store page, got %+v", page)
	}
	all, err := history.History(ctx, schema.HistoryRequest{ExternalID: "ext"})
	if err != nil || len(all) != 1 {
		t.Fatalf("expected store history, got %v %v", all, err)
	}
}

func TestCombinedHistoryPrefersTranscripts(t *testing.T) {
	transcripts := newFakeHistory()
	transcripts.messages["ext"] = []schema.Message{{ID: "t1", Role: schema.RoleAssistant, Content: "live"}}
	store := newFakeHistory()
	store.messages["ext"] = []schema.Message{{ID: "db-1", Role: schema.RoleUser, Content: "saved"}}
	history, _ := NewCombinedHistory(transcripts, store)

	page, err := history.HistoryPage(context.Background(), schema.HistoryPageRequest{ExternalID: "ext", Limit: 10})
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if page.Messages[0].ID != "t1" {
		t.Fatalf("expected transcript page, got %+v", page.Messages)
	}
}

func TestCombinedHistorySaveClassifiesFailure(t *testing.T) {
	store := newFakeHistory()
	store.saveErr = errors.New("disk full")
	history, _ := NewCombinedHistory(nil, store)
	if _, err := history.SaveMessage(context.Background(), schema.SaveMessageRequest{Content: "x"}); !IsKind(err, ErrorPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}
