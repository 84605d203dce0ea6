package core

import "github.com/jariahh/ateliercode-sub000/schema"

// EventSink receives tab, message and session events from the core service.
type EventSink interface {
	OnTabEvent(event schema.TabEvent)
	OnMessageEvent(event schema.MessageEvent)
	OnSessionEvent(event schema.SessionEvent)
}
