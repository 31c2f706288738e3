package collab

import (
	"context"
	"slices"
	"sync"
)

// MemoryHub is an in-process network. Sent messages queue per recipient
// until the hub is told to deliver them, which lets tests and scenarios
// choose any delivery order.
type MemoryHub struct {
	mu          sync.Mutex
	order       []string
	subscribers map[string][]func(Message)
	pending     map[string][]Message
}

// NewMemoryHub builds an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subscribers: make(map[string][]func(Message)),
		pending:     make(map[string][]Message),
	}
}

// Connect returns the network endpoint of clientID.
func (h *MemoryHub) Connect(clientID string) Network {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.pending[clientID]; !ok {
		h.order = append(h.order, clientID)
		h.pending[clientID] = nil
	}
	return memoryEndpoint{hub: h, clientID: clientID}
}

// Clients lists connected clients in connection order.
func (h *MemoryHub) Clients() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.order...)
}

// Pending returns the number of messages queued for clientID.
func (h *MemoryHub) Pending(clientID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending[clientID])
}

// Deliver hands the index-th queued message to clientID. It reports false
// when there is no such message.
func (h *MemoryHub) Deliver(clientID string, index int) bool {
	h.mu.Lock()
	queue := h.pending[clientID]
	if index < 0 || index >= len(queue) {
		h.mu.Unlock()
		return false
	}
	msg := queue[index]
	h.pending[clientID] = append(queue[:index:index], queue[index+1:]...)
	subscribers := slices.Clone(h.subscribers[clientID])
	h.mu.Unlock()

	for _, fn := range subscribers {
		fn(msg.Clone())
	}
	return true
}

// Duplicate queues a second copy of the index-th message of clientID.
func (h *MemoryHub) Duplicate(clientID string, index int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	queue := h.pending[clientID]
	if index < 0 || index >= len(queue) {
		return false
	}
	h.pending[clientID] = append(queue, queue[index].Clone())
	return true
}

// Flush delivers every queued message in send order until no client has
// pending messages.
func (h *MemoryHub) Flush() {
	for {
		delivered := false
		for _, id := range h.Clients() {
			for h.Deliver(id, 0) {
				delivered = true
			}
		}
		if !delivered {
			return
		}
	}
}

func (h *MemoryHub) send(from string, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range h.order {
		if id == from {
			continue
		}
		h.pending[id] = append(h.pending[id], msg.Clone())
	}
}

type memoryEndpoint struct {
	hub      *MemoryHub
	clientID string
}

func (e memoryEndpoint) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.hub.send(e.clientID, msg)
	return nil
}

func (e memoryEndpoint) Subscribe(fn func(Message)) {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	e.hub.subscribers[e.clientID] = append(e.hub.subscribers[e.clientID], fn)
}
