package core

import (
	"sync"
	"time"

	"github.com/jariahh/ateliercode-sub000/schema"
)

// messageBuffer stores the ordered messages of one tab with an id index.
// Length is bounded by highWater on live appends; history loads bypass the cap.
type messageBuffer struct {
	messages  []schema.Message
	ids       map[schema.MessageID]struct{}
	highWater int
	lowWater  int
}

func newMessageBuffer(highWater, lowWater int) *messageBuffer {
	if highWater <= 0 {
		highWater = schema.DefaultBufferHighWater
	}
	if lowWater <= 0 || lowWater >= highWater {
		lowWater = schema.DefaultBufferLowWater
	}
	return &messageBuffer{
		ids:       make(map[schema.MessageID]struct{}),
		highWater: highWater,
		lowWater:  lowWater,
	}
}

// Append adds msg unless its id is already present. It reports whether the
// message was added and how many old messages were dropped by truncation.
func (b *messageBuffer) Append(msg schema.Message) (bool, int) {
	if _, ok := b.ids[msg.ID]; ok {
		return false, 0
	}
	b.messages = append(b.messages, msg.Clone())
	b.ids[msg.ID] = struct{}{}
	if len(b.messages) <= b.highWater {
		return true, 0
	}
	dropped := len(b.messages) - b.lowWater
	kept := make([]schema.Message, b.lowWater)
	copy(kept, b.messages[dropped:])
	b.messages = kept
	b.rebuildIDs()
	return true, dropped
}

// Duplicate reports whether msg matches a buffered message by role and content
// with timestamps no further apart than window.
func (b *messageBuffer) Duplicate(msg schema.Message, window time.Duration) bool {
	for i := len(b.messages) - 1; i >= 0; i-- {
		existing := b.messages[i]
		if existing.Role != msg.Role || existing.Content != msg.Content {
			continue
		}
		delta := existing.Timestamp.Sub(msg.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta <= window {
			return true
		}
	}
	return false
}

// Replace overwrites the buffer.
func (b *messageBuffer) Replace(messages []schema.Message) {
	b.messages = make([]schema.Message, 0, len(messages))
	b.ids = make(map[schema.MessageID]struct{}, len(messages))
	for _, msg := range messages {
		if _, ok := b.ids[msg.ID]; ok {
			continue
		}
		b.messages = append(b.messages, msg.Clone())
		b.ids[msg.ID] = struct{}{}
	}
}

// Patch updates status, id and metadata of a message in place. The id may be
// reassigned once; the previous id is kept under the pending_id metadata key.
func (b *messageBuffer) Patch(id schema.MessageID, patch schema.MessagePatch) (schema.Message, error) {
	idx := b.indexOf(id)
	if idx < 0 {
		return schema.Message{}, schema.ErrMessageNotFound
	}
	msg := b.messages[idx]
	if patch.ID != nil && *patch.ID != "" && *patch.ID != msg.ID {
		if msg.Meta(schema.MetaPendingID) != "" {
			return schema.Message{}, schema.ErrInvalidRequest
		}
		newID := *patch.ID
		if other := b.indexOf(newID); other >= 0 {
			b.messages = append(b.messages[:other], b.messages[other+1:]...)
			if other < idx {
				idx--
			}
		}
		if msg.Metadata == nil {
			msg.Metadata = make(map[string]string)
		}
		msg.Metadata[schema.MetaPendingID] = string(msg.ID)
		delete(b.ids, msg.ID)
		msg.ID = newID
		b.ids[newID] = struct{}{}
	}
	if patch.Status != nil {
		msg.Status = *patch.Status
	}
	if patch.IsStreaming != nil {
		msg.IsStreaming = *patch.IsStreaming
	}
	if len(patch.Metadata) > 0 {
		if msg.Metadata == nil {
			msg.Metadata = make(map[string]string, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			msg.Metadata[k] = v
		}
	}
	b.messages[idx] = msg
	return msg.Clone(), nil
}

// PrependPage places older messages before the current sequence, skipping ids
// already present. It never truncates.
func (b *messageBuffer) PrependPage(older []schema.Message) []schema.Message {
	added := make([]schema.Message, 0, len(older))
	for _, msg := range older {
		if _, ok := b.ids[msg.ID]; ok {
			continue
		}
		b.ids[msg.ID] = struct{}{}
		added = append(added, msg.Clone())
	}
	if len(added) == 0 {
		return nil
	}
	merged := make([]schema.Message, 0, len(added)+len(b.messages))
	merged = append(merged, added...)
	merged = append(merged, b.messages...)
	b.messages = merged
	return cloneMessages(added)
}

// Snapshot returns a copy of the buffered messages in order.
func (b *messageBuffer) Snapshot() []schema.Message {
	return cloneMessages(b.messages)
}

func (b *messageBuffer) Len() int {
	return len(b.messages)
}

func (b *messageBuffer) Clear() {
	b.messages = nil
	b.ids = make(map[schema.MessageID]struct{})
}

func (b *messageBuffer) indexOf(id schema.MessageID) int {
	if _, ok := b.ids[id]; !ok {
		return -1
	}
	for i := len(b.messages) - 1; i >= 0; i-- {
		if b.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (b *messageBuffer) rebuildIDs() {
	b.ids = make(map[schema.MessageID]struct{}, len(b.messages))
	for _, msg := range b.messages {
		b.ids[msg.ID] = struct{}{}
	}
}

func cloneMessages(in []schema.Message) []schema.Message {
	out := make([]schema.Message, len(in))
	for i, msg := range in {
		out[i] = msg.Clone()
	}
	return out
}

// bufferSet owns the message buffers of every tab.
type bufferSet struct {
	mu        sync.Mutex
	buffers   map[schema.TabID]*messageBuffer
	highWater int
	lowWater  int
	window    time.Duration
}

func newBufferSet(cfg schema.ServiceConfig) *bufferSet {
	return &bufferSet{
		buffers:   make(map[schema.TabID]*messageBuffer),
		highWater: cfg.BufferHighWater,
		lowWater:  cfg.BufferLowWater,
		window:    cfg.DedupWindow,
	}
}

func (s *bufferSet) getLocked(tabID schema.TabID) *messageBuffer {
	buf := s.buffers[tabID]
	if buf == nil {
		buf = newMessageBuffer(s.highWater, s.lowWater)
		s.buffers[tabID] = buf
	}
	return buf
}

// Append adds msg to the tab's buffer; see messageBuffer.Append.
func (s *bufferSet) Append(tabID schema.TabID, msg schema.Message) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(tabID).Append(msg)
}

// AppendLive adds a message delivered by a watcher. Messages without an id get
// a synthesized one and are also checked against the content window.
func (s *bufferSet) AppendLive(tabID schema.TabID, msg schema.Message) (schema.Message, bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.getLocked(tabID)
	if msg.ID == "" {
		msg.ID = SynthesizeMessageID(msg.Role, msg.Content, msg.Timestamp)
		if msg.Metadata == nil {
			msg.Metadata = make(map[string]string)
		}
		msg.Metadata[schema.MetaSynthesized] = schema.MetaValueTrue
	}
	if msg.Meta(schema.MetaSynthesized) == schema.MetaValueTrue && buf.Duplicate(msg, s.window) {
		return msg, false, 0
	}
	added, dropped := buf.Append(msg)
	return msg, added, dropped
}

func (s *bufferSet) Replace(tabID schema.TabID, messages []schema.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getLocked(tabID).Replace(messages)
}

func (s *bufferSet) Patch(tabID schema.TabID, id schema.MessageID, patch schema.MessagePatch) (schema.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.buffers[tabID]
	if buf == nil {
		return schema.Message{}, schema.ErrMessageNotFound
	}
	return buf.Patch(id, patch)
}

func (s *bufferSet) PrependPage(tabID schema.TabID, older []schema.Message) []schema.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(tabID).PrependPage(older)
}

func (s *bufferSet) Snapshot(tabID schema.TabID) []schema.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.buffers[tabID]
	if buf == nil {
		return []schema.Message{}
	}
	return buf.Snapshot()
}

func (s *bufferSet) Len(tabID schema.TabID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.buffers[tabID]
	if buf == nil {
		return 0
	}
	return buf.Len()
}

func (s *bufferSet) Clear(tabID schema.TabID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if buf := s.buffers[tabID]; buf != nil {
		buf.Clear()
	}
}

func (s *bufferSet) Drop(tabID schema.TabID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, tabID)
}
