// Package peerlink establishes peer links: websocket connections and WebRTC
// data channels negotiated through a Signaler.
package peerlink

import (
	"context"
	"strings"
	"sync"
	"time"
)

const signalingSeparator = "|"

// Signaler exchanges complete SDP descriptions between peers. All ICE
// candidates are gathered before publishing, so a link needs exactly one
// offer and one answer.
type Signaler interface {
	// PublishOffer publishes an offer from local to target.
	PublishOffer(ctx context.Context, local, target, sdp string) error
	// PublishAnswer answers the offer offerer sent to local.
	PublishAnswer(ctx context.Context, offerer, local, sdp string) error
	// PollOffers returns offers addressed to local not returned before.
	PollOffers(ctx context.Context, local string) ([]SignalMessage, error)
	// PollAnswers returns answers to offers made by local not returned before.
	PollAnswers(ctx context.Context, local string) ([]SignalMessage, error)
}

// SignalMessage is one offer or answer.
type SignalMessage struct {
	// Peer is the other party: the offerer for offers, the answerer for answers.
	Peer      string    `json:"peer"`
	SDP       string    `json:"sdp"`
	Timestamp time.Time `json:"timestamp"`
}

var _ Signaler = (*MemorySignaler)(nil)

// MemorySignaler exchanges descriptions in process.
type MemorySignaler struct {
	mu       sync.Mutex
	offers   map[string]SignalMessage
	answers  map[string]SignalMessage
	lastSeen map[string]time.Time
	last     time.Time
	now      func() time.Time
}

// NewMemorySignaler creates an in-process signaler.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{
		offers:   make(map[string]SignalMessage),
		answers:  make(map[string]SignalMessage),
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

func (s *MemorySignaler) PublishOffer(_ context.Context, local, target, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[local+signalingSeparator+target] = SignalMessage{Peer: local, SDP: sdp, Timestamp: s.stamp()}
	return nil
}

func (s *MemorySignaler) PublishAnswer(_ context.Context, offerer, local, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[offerer+signalingSeparator+local] = SignalMessage{Peer: local, SDP: sdp, Timestamp: s.stamp()}
	return nil
}

func (s *MemorySignaler) PollOffers(_ context.Context, local string) ([]SignalMessage, error) {
	return s.poll("offers", local, s.offers, func(offerer, target string) bool { return target == local }), nil
}

func (s *MemorySignaler) PollAnswers(_ context.Context, local string) ([]SignalMessage, error) {
	return s.poll("answers", local, s.answers, func(offerer, target string) bool { return offerer == local }), nil
}

// stamp returns a strictly increasing timestamp so republished signals are
// never mistaken for ones already seen.
func (s *MemorySignaler) stamp() time.Time {
	now := s.now()
	if !now.After(s.last) {
		now = s.last.Add(time.Nanosecond)
	}
	s.last = now
	return now
}

func (s *MemorySignaler) poll(label, local string, store map[string]SignalMessage, match func(offerer, target string) bool) []SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SignalMessage
	for key, msg := range store {
		offerer, target, ok := splitKey(key)
		if !ok || !match(offerer, target) {
			continue
		}
		seenKey := label + ":" + local + ":" + key
		if last, ok := s.lastSeen[seenKey]; ok && !msg.Timestamp.After(last) {
			continue
		}
		s.lastSeen[seenKey] = msg.Timestamp
		out = append(out, msg)
	}
	return out
}

func splitKey(key string) (string, string, bool) {
	return strings.Cut(key, signalingSeparator)
}
