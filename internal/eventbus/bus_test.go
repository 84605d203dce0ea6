package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/jariahh/ateliercode-sub000/schema"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := New(nil, Options{})
	ch, cancel := bus.Subscribe("/proj", 0)
	defer cancel()

	bus.OnMessageEvent(schema.MessageEvent{
		ProjectID: "/proj",
		TabID:     "tab1",
		Type:      schema.MessageAppended,
		Messages:  []schema.Message{{ID: "m1", Content: "hi"}},
	})
	bus.OnTabEvent(schema.TabEvent{ProjectID: "/other", Type: schema.TabEventCreated})

	select {
	case got := <-ch:
		if got.Type != EventMessage || got.Seq != 1 {
			t.Fatalf("unexpected event %+v", got)
		}
		if got.Message == nil || got.Message.TabID != "tab1" || got.Message.Messages[0].ID != "m1" {
			t.Fatalf("unexpected payload: %+v", got.Message)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for event")
	}
	select {
	case got := <-ch:
		t.Fatalf("received event of another project: %+v", got)
	default:
	}
}

func TestSubscribeReplaysAfterSeq(t *testing.T) {
	bus := New(nil, Options{History: 3})
	for i := 0; i < 5; i++ {
		bus.OnSessionEvent(schema.SessionEvent{ProjectID: "/proj", Type: schema.SessionEventWaiting, Waiting: i%2 == 0})
	}
	if seq := bus.Seq("/proj"); seq != 5 {
		t.Fatalf("expected seq 5, got %d", seq)
	}
	ch, cancel := bus.Subscribe("/proj", 1)
	defer cancel()
	var seqs []uint64
	for len(seqs) < 3 {
		select {
		case event := <-ch:
			seqs = append(seqs, event.Seq)
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("replay incomplete: %v", seqs)
		}
	}
	if seqs[0] != 3 || seqs[2] != 5 {
		t.Fatalf("expected replay of 3..5 from bounded history, got %v", seqs)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(nil, Options{})
	ch, cancel := bus.Subscribe("/proj", 0)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to be closed")
	}
}

func TestPublishDoesNotBlockWhenFull(t *testing.T) {
	bus := New(nil, Options{Depth: 1})
	_, cancel := bus.Subscribe("/proj", 0)
	defer cancel()

	done := make(chan struct{})
	go func() {
		bus.OnTabEvent(schema.TabEvent{ProjectID: "/proj"})
		bus.OnTabEvent(schema.TabEvent{ProjectID: "/proj"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("publish blocked on full channel")
	}
}

func TestCancelWhilePublishing(t *testing.T) {
	bus := New(nil, Options{Depth: 4})
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				bus.OnTabEvent(schema.TabEvent{ProjectID: "/proj"})
			}
		}
	}()
	for i := 0; i < 200; i++ {
		_, cancel := bus.Subscribe("/proj", 0)
		cancel()
	}
	close(stop)
	wg.Wait()
}

func TestNilBusIsSafe(t *testing.T) {
	var bus *Bus
	bus.OnTabEvent(schema.TabEvent{ProjectID: "/proj"})
	ch, cancel := bus.Subscribe("/proj", 0)
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel from nil bus")
	}
}
