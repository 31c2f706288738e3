package collab

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/clock"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/history"
)

func newClock(t *testing.T, hub *MemoryHub, id string) *Clock {
	t.Helper()
	c, err := NewClock(id, hub.Connect(id), quiet)
	if err != nil {
		t.Fatalf("new clock: %v", err)
	}
	c.Listen()
	return c
}

func TestClockDeliversInCausalOrder(t *testing.T) {
	hub := NewMemoryHub()
	alice := newClock(t, hub, "alice")
	bob := newClock(t, hub, "bob")
	carol := newClock(t, hub, "carol")
	var got []string
	carol.OnUpdates(func(clientID string, updates []history.Update) {
		got = append(got, clientID+":"+updates[0].Value.(string))
	})
	ctx := context.Background()

	if err := alice.Apply(ctx, []history.Update{{Path: history.Path{"x"}, Value: "1"}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	hub.Deliver("bob", 0)
	if err := bob.Apply(ctx, []history.Update{{Path: history.Path{"x"}, Value: "2"}}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// bob's message depends on alice's and must wait for it.
	hub.Deliver("carol", 1)
	if carol.Held() != 1 || len(got) != 0 {
		t.Fatalf("expected bob's message held, got %v", got)
	}
	hub.Deliver("carol", 0)
	if !reflect.DeepEqual(got, []string{"alice:1", "bob:2"}) {
		t.Fatalf("unexpected delivery order %v", got)
	}
	if want := (clock.Vector{"alice": 1, "bob": 1}); !carol.Vector().Equal(want) {
		t.Fatalf("expected vector %v, got %v", want, carol.Vector())
	}
}

func TestClockDropsDuplicates(t *testing.T) {
	hub := NewMemoryHub()
	alice := newClock(t, hub, "alice")
	bob := newClock(t, hub, "bob")
	delivered := 0
	bob.OnMessage(func(Message) { delivered++ })

	if err := alice.Apply(context.Background(), []history.Update{{Path: history.Path{"x"}, Value: "1"}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	hub.Duplicate("bob", 0)
	hub.Flush()
	if delivered != 1 {
		t.Fatalf("expected one delivery, got %d", delivered)
	}
	if bob.Vector().Get("alice") != 1 {
		t.Fatalf("unexpected vector %v", bob.Vector())
	}
}

func TestClockStampsAndPublishes(t *testing.T) {
	hub := NewMemoryHub()
	alice := newClock(t, hub, "alice")
	hub.Connect("bob")

	msg := alice.Stamp(Message{Type: MessageRevision})
	if msg.ClientID != "alice" || msg.Counter() != 1 {
		t.Fatalf("unexpected stamp %+v", msg)
	}
	if err := alice.Publish(context.Background(), Message{Type: MessagePresence, StateVector: clock.Vector{"x": 3}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if hub.Pending("bob") != 1 {
		t.Fatalf("expected presence queued for bob")
	}
	if err := alice.Apply(context.Background(), nil); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if alice.Vector().Get("alice") != 1 {
		t.Fatalf("empty updates must not tick the clock")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := alice.Publish(ctx, msg); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestClockStampsOnlyIntegratedMessages(t *testing.T) {
	hub := NewMemoryHub()
	alice := newClock(t, hub, "alice")
	bob := newClock(t, hub, "bob")
	entered := make(chan struct{})
	release := make(chan struct{})
	alice.OnMessage(func(Message) {
		close(entered)
		<-release
	})

	if err := bob.Publish(context.Background(), bob.Stamp(Message{Type: MessageRevision})); err != nil {
		t.Fatalf("publish: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Deliver("alice", 0)
	}()
	<-entered
	if got := alice.Stamp(Message{Type: MessageRevision}); got.StateVector.Get("bob") != 0 {
		t.Fatalf("stamp claims a message still being integrated: %v", got.StateVector)
	}
	close(release)
	<-done
	if got := alice.Stamp(Message{Type: MessageRevision}); got.StateVector.Get("bob") != 1 {
		t.Fatalf("expected bob's message seen once delivered, got %v", got.StateVector)
	}
}

func TestNewClockValidation(t *testing.T) {
	if _, err := NewClock("", NewMemoryHub().Connect("a"), nil); !errors.Is(err, ErrClientIDRequired) {
		t.Fatalf("expected client id required, got %v", err)
	}
	if _, err := NewClock("a", nil, nil); !errors.Is(err, ErrNetworkRequired) {
		t.Fatalf("expected network required, got %v", err)
	}
}
