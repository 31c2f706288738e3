package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/louisbranch/sheetsync/internal/services/sheet/collab"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/clock"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name string
		msg  collab.Message
		want string
	}{
		{"revision", collab.Message{Type: collab.MessageRevision, ClientID: "alice", StateVector: clock.Vector{"alice": 3, "bob": 9}}, "alice:3"},
		{"undo", collab.Message{Type: collab.MessageUndo, ClientID: "bob", StateVector: clock.Vector{"bob": 1}}, "bob:1"},
		{"presence", collab.Message{Type: collab.MessagePresence, ClientID: "alice", StateVector: clock.Vector{"alice": 3}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RequestID(tt.msg); got != tt.want {
				t.Fatalf("request id = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestJoinedFrame(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.FixedZone("BRT", -3*60*60))
	frame, err := Joined("budget", 7, now)
	if err != nil {
		t.Fatalf("joined: %v", err)
	}
	if frame.Type != FrameJoined || frame.RequestID != "" {
		t.Fatalf("unexpected frame %+v", frame)
	}
	var payload JoinedPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.LatestSeq != 7 || payload.ServerTime != "2026-03-01T12:30:00Z" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestNewFrameRejectsUnencodablePayload(t *testing.T) {
	if _, err := NewFrame(FrameAck, "", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}

func TestRetryable(t *testing.T) {
	for code, want := range map[string]bool{
		CodeUnavailable:       true,
		CodeResourceExhausted: true,
		CodeInvalidArgument:   false,
		CodeForbidden:         false,
	} {
		if got := Retryable(code); got != want {
			t.Fatalf("Retryable(%s) = %v, want %v", code, got, want)
		}
	}
}
