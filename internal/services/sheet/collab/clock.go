package collab

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/clock"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/history"
)

var (
	// ErrNetworkRequired indicates a missing network.
	ErrNetworkRequired = errors.New("network is required")
	// ErrClientIDRequired indicates a missing client id.
	ErrClientIDRequired = errors.New("client id is required")
)

// Clock stamps outgoing messages with the local state vector and delivers
// incoming ones in causal order. A message is held back until every message
// its sender had seen was delivered; duplicates are dropped.
//
// The stamping vector only covers messages whose listeners returned, or that
// a listener reported through Observe. A message admitted but still being
// integrated is never claimed as seen by a concurrent Stamp.
type Clock struct {
	clientID string
	network  Network
	logger   *log.Logger

	mu sync.Mutex
	// vector is stamped on outgoing messages.
	vector clock.Vector
	// admitted tracks what was accepted for delivery, for hold-back and
	// duplicate detection.
	admitted clock.Vector
	held     []Message

	deliverMu sync.Mutex
	listeners []func(Message)
	updates   []func(clientID string, updates []history.Update)
}

// NewClock builds a clock over network. Call Listen to start receiving.
func NewClock(clientID string, network Network, logger *log.Logger) (*Clock, error) {
	if clientID == "" {
		return nil, ErrClientIDRequired
	}
	if network == nil {
		return nil, ErrNetworkRequired
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Clock{
		clientID: clientID,
		network:  network,
		logger:   logger,
		vector:   clock.Vector{},
		admitted: clock.Vector{},
	}, nil
}

// ClientID returns the local client id.
func (c *Clock) ClientID() string {
	return c.clientID
}

// Vector returns a copy of the local state vector.
func (c *Clock) Vector() clock.Vector {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vector.Clone()
}

// Held returns the number of messages waiting for their causal past.
func (c *Clock) Held() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.held)
}

// OnMessage registers fn for every delivered message, in causal order.
func (c *Clock) OnMessage(fn func(Message)) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// OnUpdates registers fn for the raw updates of delivered update messages.
func (c *Clock) OnUpdates(fn func(clientID string, updates []history.Update)) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.updates = append(c.updates, fn)
}

// Listen subscribes the clock to its network.
func (c *Clock) Listen() {
	c.network.Subscribe(c.receive)
}

// Stamp increments the local counter and returns msg carrying the local
// client id and vector. Every stamped message must be published, otherwise
// peers hold back later messages forever.
func (c *Clock) Stamp(msg Message) Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vector[c.clientID]++
	c.admitted[c.clientID] = c.vector[c.clientID]
	msg.ClientID = c.clientID
	msg.StateVector = c.vector.Clone()
	return msg
}

// Observe marks msg as integrated so later stamps claim it as seen. Delivery
// observes every message once its listeners return; a listener that
// integrates under its own lock calls Observe before releasing it.
func (c *Clock) Observe(msg Message) {
	if !msg.Ordered() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vector = c.vector.Merge(msg.StateVector)
}

// Publish sends a message. Unordered messages only get the client id.
func (c *Clock) Publish(ctx context.Context, msg Message) error {
	if !msg.Ordered() {
		msg.ClientID = c.clientID
		msg.StateVector = nil
	}
	return c.network.Send(ctx, msg)
}

// Apply stamps and broadcasts raw updates.
func (c *Clock) Apply(ctx context.Context, updates []history.Update) error {
	if len(updates) == 0 {
		return nil
	}
	return c.Publish(ctx, c.Stamp(Message{Type: MessageUpdates, Updates: updates}))
}

func (c *Clock) receive(msg Message) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if msg.ClientID == c.clientID {
		return
	}
	if !msg.Ordered() {
		c.deliver(msg)
		return
	}
	for _, ready := range c.admit(msg) {
		c.deliver(ready)
	}
}

// admit queues msg and returns every message that became deliverable, in
// delivery order.
func (c *Clock) admit(msg Message) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.Counter() <= c.admitted.Get(msg.ClientID) {
		c.logger.Printf("collab: %s drops duplicate %s %d from %s", c.clientID, msg.Type, msg.Counter(), msg.ClientID)
		return nil
	}
	for _, h := range c.held {
		if h.ClientID == msg.ClientID && h.Counter() == msg.Counter() {
			return nil
		}
	}
	c.held = append(c.held, msg.Clone())

	var ready []Message
	for progress := true; progress; {
		progress = false
		for i, h := range c.held {
			if !c.causallyReady(h) {
				continue
			}
			c.admitted = c.admitted.Merge(h.StateVector)
			ready = append(ready, h)
			c.held = append(c.held[:i:i], c.held[i+1:]...)
			progress = true
			break
		}
	}
	return ready
}

// causallyReady reports whether msg is the sender's next message and the
// sender had seen nothing the local client has not.
func (c *Clock) causallyReady(msg Message) bool {
	if msg.Counter() != c.admitted.Get(msg.ClientID)+1 {
		return false
	}
	for id, n := range msg.StateVector {
		if id != msg.ClientID && n > c.admitted.Get(id) {
			return false
		}
	}
	return true
}

func (c *Clock) deliver(msg Message) {
	if msg.Type == MessageUpdates {
		for _, fn := range c.updates {
			fn(msg.ClientID, msg.Updates)
		}
	}
	for _, fn := range c.listeners {
		fn(msg)
	}
	c.Observe(msg)
}
