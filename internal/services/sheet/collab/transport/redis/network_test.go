package redis

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/louisbranch/sheetsync/internal/services/sheet/collab"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/clock"
)

var _ collab.Network = (*Network)(nil)

func TestDecode(t *testing.T) {
	msg, err := Decode(`{"type":"undo","client_id":"alice","state_vector":{"alice":2},"revision_id":"r1"}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != collab.MessageUndo || msg.Counter() != 2 || msg.RevisionID != "r1" {
		t.Fatalf("unexpected message %+v", msg)
	}
	for _, payload := range []string{`not json`, `{"type":"undo"}`, `{"client_id":"alice"}`} {
		if _, err := Decode(payload); err == nil {
			t.Fatalf("expected error for %s", payload)
		}
	}
}

func TestNewValidation(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, Config{SpreadsheetID: "budget"}); err == nil {
		t.Fatalf("expected error for missing client")
	}
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	if _, err := New(ctx, Config{Client: client}); err == nil {
		t.Fatalf("expected error for missing spreadsheet id")
	}
	n, err := New(ctx, Config{Client: client, SpreadsheetID: "budget", PublishOnly: true})
	if err != nil {
		t.Fatalf("publish-only network should not connect: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

// TestNetworkRoundTrip needs a Redis server at SHEETSYNC_TEST_REDIS_ADDR.
func TestNetworkRoundTrip(t *testing.T) {
	addr := os.Getenv("SHEETSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SHEETSYNC_TEST_REDIS_ADDR is not set")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := "test-" + time.Now().Format("150405.000000")
	bob, err := New(ctx, Config{Client: client, SpreadsheetID: id, ClientID: "bob"})
	if err != nil {
		t.Fatalf("new bob: %v", err)
	}
	t.Cleanup(func() { _ = bob.Close() })
	received := make(chan collab.Message, 2)
	bob.Subscribe(func(msg collab.Message) { received <- msg })

	alice, err := New(ctx, Config{Client: client, SpreadsheetID: id, ClientID: "alice"})
	if err != nil {
		t.Fatalf("new alice: %v", err)
	}
	t.Cleanup(func() { _ = alice.Close() })

	if err := bob.Send(ctx, collab.Message{Type: collab.MessageUndo, ClientID: "bob", StateVector: clock.Vector{"bob": 1}}); err != nil {
		t.Fatalf("send own: %v", err)
	}
	if err := alice.Send(ctx, collab.Message{Type: collab.MessageUndo, ClientID: "alice", StateVector: clock.Vector{"alice": 1}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case msg := <-received:
		if msg.ClientID != "alice" {
			t.Fatalf("expected only alice's message, got %+v", msg)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for message")
	}
}
