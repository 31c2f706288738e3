package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/louisbranch/sheetsync/internal/services/relay/wire"
	"github.com/louisbranch/sheetsync/internal/services/sheet/collab"
	"github.com/louisbranch/sheetsync/internal/storage"
)

type wsSession struct {
	mu       sync.Mutex
	identity identity
	room     *spreadsheetRoom
	peer     *wsPeer
}

func newWSSession(id identity, peer *wsPeer) *wsSession {
	return &wsSession{identity: id, peer: peer}
}

func (s *wsSession) setRoom(next *spreadsheetRoom) *spreadsheetRoom {
	s.mu.Lock()
	previous := s.room
	s.room = next
	s.mu.Unlock()
	return previous
}

func (s *wsSession) currentRoom() *spreadsheetRoom {
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	return room
}

// wsPeer queues outgoing frames for one connection. A peer that falls
// peerQueueSize frames behind is disconnected.
type wsPeer struct {
	out     chan wire.Frame
	done    chan struct{}
	once    sync.Once
	onClose func()
}

func newWSPeer(onClose func()) *wsPeer {
	return &wsPeer{
		out:     make(chan wire.Frame, peerQueueSize),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (p *wsPeer) enqueue(frame wire.Frame) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.out <- frame:
		return true
	default:
		p.close()
		return false
	}
}

func (p *wsPeer) writeLoop(encoder *json.Encoder) {
	for {
		select {
		case frame := <-p.out:
			if err := encoder.Encode(frame); err != nil {
				p.close()
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *wsPeer) close() {
	p.once.Do(func() {
		close(p.done)
		if p.onClose != nil {
			p.onClose()
		}
	})
}

type roomHub struct {
	config Config
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu    sync.Mutex
	rooms map[string]*spreadsheetRoom
}

func newRoomHub(config Config) *roomHub {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	return &roomHub{
		config: config,
		ctx:    ctx,
		cancel: cancel,
		group:  group,
		rooms:  make(map[string]*spreadsheetRoom),
	}
}

// room returns the room of spreadsheetID, restoring it from the journal the
// first time it is requested.
func (h *roomHub) room(ctx context.Context, spreadsheetID string) (*spreadsheetRoom, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, ok := h.rooms[spreadsheetID]; ok {
		return room, nil
	}
	if h.ctx.Err() != nil {
		return nil, fmt.Errorf("relay is closing")
	}
	room, err := h.open(ctx, spreadsheetID)
	if err != nil {
		return nil, err
	}
	h.rooms[spreadsheetID] = room
	h.group.Go(func() error {
		return room.replica.run(h.ctx)
	})
	return room, nil
}

// lookup returns an open room without creating it.
func (h *roomHub) lookup(spreadsheetID string) *spreadsheetRoom {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[spreadsheetID]
}

func (h *roomHub) open(ctx context.Context, spreadsheetID string) (*spreadsheetRoom, error) {
	var fanout collab.Network
	if h.config.Fanout != nil {
		var err error
		fanout, err = h.config.Fanout.Network(ctx, spreadsheetID)
		if err != nil {
			return nil, fmt.Errorf("open fanout for %s: %w", spreadsheetID, err)
		}
	}
	replica, err := newReplica(replicaConfig{
		spreadsheetID: spreadsheetID,
		document:      h.config.Document,
		snapshots:     h.config.Snapshots,
		every:         h.config.SnapshotEvery,
		fanout:        fanout,
		logger:        h.config.Logger,
		tracer:        h.config.Tracer,
	})
	if err != nil {
		return nil, err
	}
	room := newSpreadsheetRoom(spreadsheetID, h.config.Journal, replica, h.config.Logger)
	if err := room.restore(ctx); err != nil {
		return nil, err
	}
	return room, nil
}

func (h *roomHub) close() error {
	h.cancel()
	return h.group.Wait()
}

type roomEntry struct {
	seq int64
	msg collab.Message
}

type spreadsheetRoom struct {
	spreadsheetID string
	journal       storage.Journal
	replica       *replica
	logger        *log.Logger

	mu       sync.Mutex
	seq      int64
	entries  []roomEntry
	bySender map[string]int64
	peers    map[*wsPeer]struct{}
}

func newSpreadsheetRoom(spreadsheetID string, journal storage.Journal, replica *replica, logger *log.Logger) *spreadsheetRoom {
	return &spreadsheetRoom{
		spreadsheetID: spreadsheetID,
		journal:       journal,
		replica:       replica,
		logger:        logger,
		bySender:      make(map[string]int64),
		peers:         make(map[*wsPeer]struct{}),
	}
}

func (r *spreadsheetRoom) restore(ctx context.Context) error {
	if r.journal == nil {
		return nil
	}
	entries, err := r.journal.Since(ctx, r.spreadsheetID, 0)
	if err != nil {
		return fmt.Errorf("restore %s: %w", r.spreadsheetID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		var msg collab.Message
		if err := json.Unmarshal(e.Payload, &msg); err != nil {
			return fmt.Errorf("restore %s seq %d: %w", r.spreadsheetID, e.Seq, err)
		}
		if e.Seq != r.seq+1 {
			return fmt.Errorf("restore %s: journal jumps from seq %d to %d", r.spreadsheetID, r.seq, e.Seq)
		}
		r.record(roomEntry{seq: e.Seq, msg: msg})
	}
	if len(entries) > 0 {
		r.logger.Printf("relay: restored %s at seq %d", r.spreadsheetID, r.seq)
	}
	return nil
}

// record must be called with mu held.
func (r *spreadsheetRoom) record(entry roomEntry) {
	r.seq = entry.seq
	r.entries = append(r.entries, entry)
	r.bySender[wire.RequestID(entry.msg)] = entry.seq
	r.replica.enqueue(entry)
}

// join subscribes peer and queues the messages after since, followed by the
// joined frame. Live messages can only be queued after them.
func (r *spreadsheetRoom) join(peer *wsPeer, since int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.peers[peer] = struct{}{}
	if since < 0 {
		since = 0
	}
	if since > r.seq {
		r.logger.Printf("relay: peer of %s asked for seq %d past %d", r.spreadsheetID, since, r.seq)
		since = r.seq
	}
	for _, e := range r.entries[since:] {
		peer.enqueue(messageFrame(e.seq, e.msg))
	}
	if joined, err := wire.Joined(r.spreadsheetID, r.seq, time.Now()); err == nil {
		peer.enqueue(joined)
	}
	return r.seq
}

func (r *spreadsheetRoom) leave(peer *wsPeer) bool {
	r.mu.Lock()
	delete(r.peers, peer)
	empty := len(r.peers) == 0
	r.mu.Unlock()
	return empty
}

// appendMessage sequences an ordered message, journals it and queues it to
// every peer and the replica. A message already sequenced returns its
// sequence with duplicate set.
func (r *spreadsheetRoom) appendMessage(ctx context.Context, msg collab.Message) (seq int64, duplicate bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := wire.RequestID(msg)
	if existing, ok := r.bySender[key]; ok {
		return existing, true, nil
	}
	entry := roomEntry{seq: r.seq + 1, msg: msg.Clone()}
	if r.journal != nil {
		payload, err := json.Marshal(entry.msg)
		if err != nil {
			return 0, false, fmt.Errorf("marshal message: %w", err)
		}
		if err := r.journal.Append(ctx, storage.Entry{
			SpreadsheetID: r.spreadsheetID,
			Seq:           entry.seq,
			ClientID:      msg.ClientID,
			Counter:       msg.Counter(),
			Payload:       payload,
			CreatedAt:     time.Now(),
		}); err != nil {
			return 0, false, err
		}
	}
	r.record(entry)

	frame := messageFrame(entry.seq, entry.msg)
	for peer := range r.peers {
		peer.enqueue(frame)
	}
	return entry.seq, false, nil
}

// broadcast forwards an unordered message to every peer but the sender.
func (r *spreadsheetRoom) broadcast(from *wsPeer, msg collab.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	frame := messageFrame(0, msg)
	for peer := range r.peers {
		if peer != from {
			peer.enqueue(frame)
		}
	}
}

func messageFrame(seq int64, msg collab.Message) wire.Frame {
	frame, err := wire.NewFrame(wire.FrameMessage, "", wire.MessagePayload{Seq: seq, Message: msg})
	if err != nil {
		log.Printf("relay: failed to encode message frame: %v", err)
	}
	return frame
}
