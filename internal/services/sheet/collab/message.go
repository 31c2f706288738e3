// Package collab keeps clients of one spreadsheet in sync: messages are
// delivered in causal order and remote revisions are integrated into the
// selective history.
package collab

import (
	"context"

	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/clock"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/command"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/getters"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/history"
)

// MessageType identifies the content of a message.
type MessageType string

const (
	// MessageUpdates carries raw tree updates for read-only mirrors.
	MessageUpdates MessageType = "updates"
	// MessageRevision carries the core commands of one revision.
	MessageRevision MessageType = "revision"
	// MessageUndo undoes a revision of the sender.
	MessageUndo MessageType = "undo"
	// MessageRedo redoes a revision of the sender.
	MessageRedo MessageType = "redo"
	// MessagePresence shares the sender's cursor. It is not causally ordered.
	MessagePresence MessageType = "presence"
)

// Message is the unit exchanged between clients.
type Message struct {
	Type     MessageType `json:"type"`
	ClientID string      `json:"client_id"`
	// StateVector is the sender's vector once the message was stamped; nil
	// for presence.
	StateVector clock.Vector      `json:"state_vector,omitempty"`
	Updates     []history.Update  `json:"updates,omitempty"`
	RevisionID  string            `json:"revision_id,omitempty"`
	Commands    []command.Command `json:"commands,omitempty"`
	Name        string            `json:"name,omitempty"`
	Position    *getters.Position `json:"position,omitempty"`
}

// Counter returns the sender's own clock entry.
func (m Message) Counter() int {
	return m.StateVector.Get(m.ClientID)
}

// Ordered reports whether the message takes part in causal delivery.
func (m Message) Ordered() bool {
	return m.Type != MessagePresence
}

// Clone returns a copy sharing no mutable state with m.
func (m Message) Clone() Message {
	out := m
	if m.StateVector != nil {
		out.StateVector = m.StateVector.Clone()
	}
	out.Updates = append([]history.Update(nil), m.Updates...)
	out.Commands = append([]command.Command(nil), m.Commands...)
	if m.Position != nil {
		p := *m.Position
		out.Position = &p
	}
	return out
}

// Network is the transport between clients. Send may return before the
// message reaches anyone; delivery may reorder or duplicate messages.
type Network interface {
	Send(ctx context.Context, msg Message) error
	// Subscribe registers fn for every message sent by other clients.
	Subscribe(fn func(Message))
}
