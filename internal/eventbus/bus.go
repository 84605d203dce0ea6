// Package eventbus fans engine events out to per-project subscribers and
// keeps a short sequenced history so reconnecting clients can replay what
// they missed.
package eventbus

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/jariahh/ateliercode-sub000/core"
	"github.com/jariahh/ateliercode-sub000/schema"
)

const (
	defaultDepth   = 256
	defaultHistory = 1000
)

var _ core.EventSink = (*Bus)(nil)

// EventType identifies the event payload.
type EventType string

const (
	// EventTab carries tab lifecycle updates.
	EventTab EventType = "tab"
	// EventMessage carries buffer mutations.
	EventMessage EventType = "message"
	// EventSession carries session state, waiting flags and prompts.
	EventSession EventType = "session"
)

// Event is one sequenced engine event of a project.
type Event struct {
	Seq       uint64               `json:"seq"`
	Type      EventType            `json:"type"`
	ProjectID schema.ProjectID     `json:"project_id"`
	Tab       *schema.TabEvent     `json:"tab,omitempty"`
	Message   *schema.MessageEvent `json:"message,omitempty"`
	Session   *schema.SessionEvent `json:"session,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// Options tunes a Bus.
type Options struct {
	// Depth is the channel buffer of each subscriber.
	Depth int
	// History is the number of events kept per project for replay.
	History int
	Now     func() time.Time
}

// Bus implements core.EventSink.
type Bus struct {
	mu       sync.RWMutex
	projects map[schema.ProjectID]*projectBus
	log      pslog.Logger
	depth    int
	history  int
	now      func() time.Time
}

type projectBus struct {
	seq     uint64
	history []Event
	subs    map[chan Event]struct{}
}

// New constructs a Bus.
func New(logger pslog.Logger, opts Options) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if opts.Depth <= 0 {
		opts.Depth = defaultDepth
	}
	if opts.History <= 0 {
		opts.History = defaultHistory
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bus{
		projects: make(map[schema.ProjectID]*projectBus),
		log:      logger,
		depth:    opts.Depth,
		history:  opts.History,
		now:      opts.Now,
	}
}

// Subscribe registers a subscriber for the project. Events with a sequence
// greater than after are replayed from history before live events. The
// returned cancel closes the channel.
func (b *Bus) Subscribe(projectID schema.ProjectID, after uint64) (<-chan Event, func()) {
	if b == nil {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	b.mu.Lock()
	pb := b.projectLocked(projectID)
	var replay []Event
	if after > 0 {
		for _, event := range pb.history {
			if event.Seq > after {
				replay = append(replay, event)
			}
		}
	}
	ch := make(chan Event, b.depth+len(replay))
	for _, event := range replay {
		ch <- event
	}
	pb.subs[ch] = struct{}{}
	count := len(pb.subs)
	b.mu.Unlock()
	log := b.log.With("project", projectID)
	log.Debug("eventbus subscribe", "subs", count, "replay", len(replay))

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(pb.subs, ch)
			close(ch)
			remaining := len(pb.subs)
			b.mu.Unlock()
			log.Debug("eventbus unsubscribe", "subs", remaining)
		})
	}
}

// Seq returns the last sequence number published for the project.
func (b *Bus) Seq(projectID schema.ProjectID) uint64 {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if pb := b.projects[projectID]; pb != nil {
		return pb.seq
	}
	return 0
}

// OnTabEvent publishes a tab event.
func (b *Bus) OnTabEvent(event schema.TabEvent) {
	b.publish(Event{Type: EventTab, ProjectID: event.ProjectID, Tab: &event})
}

// OnMessageEvent publishes a buffer mutation.
func (b *Bus) OnMessageEvent(event schema.MessageEvent) {
	if len(event.Messages) > 0 {
		messages := make([]schema.Message, len(event.Messages))
		for i, msg := range event.Messages {
			messages[i] = msg.Clone()
		}
		event.Messages = messages
	}
	b.publish(Event{Type: EventMessage, ProjectID: event.ProjectID, Message: &event})
}

// OnSessionEvent publishes a session event.
func (b *Bus) OnSessionEvent(event schema.SessionEvent) {
	b.publish(Event{Type: EventSession, ProjectID: event.ProjectID, Session: &event})
}

// publish holds the write lock while delivering so cancel never closes a
// channel that is being sent on. Sends never block.
func (b *Bus) publish(event Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	pb := b.projectLocked(event.ProjectID)
	pb.seq++
	event.Seq = pb.seq
	event.Timestamp = b.now()
	pb.history = append(pb.history, event)
	if len(pb.history) > b.history {
		pb.history = append([]Event(nil), pb.history[len(pb.history)-b.history:]...)
	}
	dropped := 0
	for sub := range pb.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.log.With("project", event.ProjectID).Warn("eventbus event dropped", "type", event.Type, "seq", event.Seq, "dropped", dropped)
	}
}

func (b *Bus) projectLocked(projectID schema.ProjectID) *projectBus {
	pb := b.projects[projectID]
	if pb == nil {
		pb = &projectBus{subs: make(map[chan Event]struct{})}
		b.projects[projectID] = pb
	}
	return pb
}
