package collab

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/history"
)

// Feed publishes every change of a tree as update messages. Changes are
// buffered until Flush.
type Feed struct {
	clock *Clock

	mu      sync.Mutex
	pending []history.Update
}

// NewFeed watches tree and publishes through c.
func NewFeed(c *Clock, tree *history.Tree) *Feed {
	f := &Feed{clock: c}
	tree.Watch(f.record)
	return f
}

func (f *Feed) record(u history.Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, u)
}

// Flush publishes the buffered changes as one message.
func (f *Feed) Flush(ctx context.Context) error {
	f.mu.Lock()
	updates := f.pending
	f.pending = nil
	f.mu.Unlock()
	return f.clock.Apply(ctx, updates)
}

// Mirror is a read-only copy of one client's tree, rebuilt from its feed.
type Mirror struct {
	source string

	mu   sync.Mutex
	tree *history.Tree
}

// NewMirror follows the feed of source on network.
func NewMirror(network Network, source string, logger *log.Logger) (*Mirror, error) {
	if source == "" {
		return nil, ErrClientIDRequired
	}
	c, err := NewClock("mirror-"+uuid.NewString(), network, logger)
	if err != nil {
		return nil, err
	}
	m := &Mirror{source: source, tree: history.NewTree()}
	c.OnUpdates(m.apply)
	c.Listen()
	return m, nil
}

func (m *Mirror) apply(clientID string, updates []history.Update) {
	if clientID != m.source {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range updates {
		m.tree.Apply(u)
	}
}

// Snapshot returns a copy of the mirrored tree.
func (m *Mirror) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.Snapshot()
}
