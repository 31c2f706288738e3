package server

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/sheetsync/internal/services/sheet/collab"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/document"
	"github.com/louisbranch/sheetsync/internal/storage"
)

const replicaClientID = "relay-replica"

type replicaConfig struct {
	spreadsheetID string
	document      document.Workbook
	snapshots     storage.SnapshotStore
	every         int
	fanout        collab.Network
	logger        *log.Logger
	tracer        trace.Tracer
}

// replica integrates the sequenced messages of a room into a headless
// session. It is the session's network: the room pushes messages in
// sequence order and the session never sends.
type replica struct {
	config  replicaConfig
	session *collab.Session

	mu         sync.Mutex
	queue      []roomEntry
	signal     chan struct{}
	subscriber func(collab.Message)

	// applyMu is held while an entry is integrated, so exports see whole
	// messages only.
	applyMu sync.Mutex
	applied int64
}

func newReplica(config replicaConfig) (*replica, error) {
	r := &replica{config: config, signal: make(chan struct{}, 1)}
	session, err := collab.NewSession(collab.Config{
		ClientID: replicaClientID,
		Network:  r,
		Headless: true,
		Document: config.document,
		Logger:   config.logger,
		Tracer:   config.tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("start replica of %s: %w", config.spreadsheetID, err)
	}
	r.session = session
	return r, nil
}

// Send is never called by a headless session that does not dispatch.
func (r *replica) Send(context.Context, collab.Message) error {
	return nil
}

func (r *replica) Subscribe(fn func(collab.Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscriber = fn
}

// enqueue is called with the room lock held and must not block.
func (r *replica) enqueue(entry roomEntry) {
	r.mu.Lock()
	r.queue = append(r.queue, entry)
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *replica) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.drain(context.Background())
			r.snapshot()
			return nil
		case <-r.signal:
			r.drain(ctx)
		}
	}
}

func (r *replica) drain(ctx context.Context) {
	r.mu.Lock()
	queue := r.queue
	r.queue = nil
	deliver := r.subscriber
	r.mu.Unlock()

	for _, entry := range queue {
		r.applyMu.Lock()
		if deliver != nil {
			deliver(entry.msg)
		}
		r.applied = entry.seq
		r.applyMu.Unlock()

		if r.config.fanout != nil {
			if err := r.config.fanout.Send(ctx, entry.msg); err != nil {
				r.config.logger.Printf("relay: fanout of %s seq %d failed: %v", r.config.spreadsheetID, entry.seq, err)
			}
		}
		if entry.seq%int64(r.config.every) == 0 {
			r.snapshot()
		}
	}
}

// export returns the replica's workbook and the sequence it reflects.
func (r *replica) export() storage.Snapshot {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	return storage.Snapshot{
		SpreadsheetID: r.config.spreadsheetID,
		Seq:           r.applied,
		Workbook:      r.session.Export(),
		TakenAt:       time.Now().UTC(),
	}
}

func (r *replica) snapshot() {
	if r.config.snapshots == nil {
		return
	}
	snap := r.export()
	if snap.Seq == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	if err := r.config.snapshots.PutSnapshot(ctx, snap); err != nil {
		r.config.logger.Printf("relay: snapshot of %s at seq %d failed: %v", r.config.spreadsheetID, snap.Seq, err)
	}
}
