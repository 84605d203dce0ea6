package core

import (
	"context"

	"github.com/jariahh/ateliercode-sub000/schema"
)

// tabState tracks runtime state of a tab that is not persisted.
type tabState struct {
	waiting  bool
	prompt   *schema.StructuredPrompt
	watch    schema.WatchID
	external schema.ExternalSessionID
	// history paging cursor, counted from the newest message.
	historyOffset int
	hasMore       bool
	// echoes counts user messages sent locally that the watcher will replay.
	echoes     map[string]int
	pollCancel context.CancelFunc
}

func newTabState() *tabState {
	return &tabState{echoes: make(map[string]int)}
}

// consumeEcho reports whether content was sent locally and not yet replayed.
func (t *tabState) consumeEcho(content string) bool {
	n := t.echoes[content]
	if n == 0 {
		return false
	}
	if n == 1 {
		delete(t.echoes, content)
	} else {
		t.echoes[content] = n - 1
	}
	return true
}
