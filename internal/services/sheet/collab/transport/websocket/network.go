// Package websocket connects a collab session to a relay over a websocket.
//
// The network joins one spreadsheet room, remembers the last sequence it
// received and keeps every ordered message until the relay acknowledges it.
// When the connection drops it reconnects with exponential backoff, asks for
// the messages it missed and sends the unacknowledged ones again; the relay
// and the receiving clocks drop the duplicates.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/net/websocket"

	"github.com/louisbranch/sheetsync/internal/services/relay/wire"
	"github.com/louisbranch/sheetsync/internal/services/sheet/collab"
)

// ErrClosed is returned by Send once the network is closed or gave up
// reconnecting.
var ErrClosed = errors.New("network is closed")

// Config describes the relay connection.
type Config struct {
	// URL is the relay websocket endpoint, for example ws://localhost:8090/ws.
	URL string
	// Origin defaults to the http form of URL.
	Origin        string
	SpreadsheetID string
	// Token is sent as a bearer token when set.
	Token string
	// MaxReconnect bounds the time spent reconnecting after a drop. Zero
	// retries until Close.
	MaxReconnect time.Duration
	// BackOff defaults to an exponential backoff.
	BackOff backoff.BackOff
	Logger  *log.Logger
}

// Network is a collab.Network over a relay connection.
type Network struct {
	cfg    Config
	logger *log.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	conn        *websocket.Conn
	encoder     *json.Encoder
	closed      bool
	lastSeq     int64
	unacked     map[string]collab.Message
	order       []string
	subscribers []func(collab.Message)
	// backlog keeps the messages received before the first subscriber.
	backlog []collab.Message

	// deliverMu keeps subscribers seeing messages in receipt order.
	deliverMu sync.Mutex
}

// Dial connects to the relay and joins cfg.SpreadsheetID. It retries with
// backoff until ctx ends.
func Dial(ctx context.Context, cfg Config) (*Network, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("relay url is required")
	}
	if strings.TrimSpace(cfg.SpreadsheetID) == "" {
		return nil, errors.New("spreadsheet id is required")
	}
	if cfg.Origin == "" {
		cfg.Origin = "http" + strings.TrimPrefix(cfg.URL, "ws")
	}
	if cfg.BackOff == nil {
		cfg.BackOff = backoff.NewExponentialBackOff()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	n := &Network{
		cfg:     cfg,
		logger:  cfg.Logger,
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		unacked: make(map[string]collab.Message),
	}
	conn, err := n.reconnect(ctx, 0)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dial relay %s: %w", cfg.URL, err)
	}
	go n.run(conn)
	return n, nil
}

// Send writes msg to the relay. Ordered messages are kept until
// acknowledged and sent again after a reconnect, so Send succeeds while the
// connection is down. Presence sent while disconnected is dropped.
func (n *Network) Send(ctx context.Context, msg collab.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	requestID := wire.RequestID(msg)
	if msg.Ordered() {
		if _, ok := n.unacked[requestID]; !ok {
			n.order = append(n.order, requestID)
		}
		n.unacked[requestID] = msg.Clone()
	}
	if n.encoder == nil {
		return nil
	}
	if err := n.write(requestID, msg); err != nil {
		n.logger.Printf("relay client: send %s failed, will retry after reconnect: %v", requestID, err)
	}
	return nil
}

// Subscribe registers fn for every room message. The first subscriber also
// receives the messages that arrived before it. The relay echoes the
// client's own messages; clocks ignore them.
func (n *Network) Subscribe(fn func(collab.Message)) {
	n.deliverMu.Lock()
	defer n.deliverMu.Unlock()
	n.mu.Lock()
	n.subscribers = append(n.subscribers, fn)
	backlog := n.backlog
	n.backlog = nil
	n.mu.Unlock()
	for _, msg := range backlog {
		fn(msg)
	}
}

// LastSeq returns the last room sequence received.
func (n *Network) LastSeq() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastSeq
}

// Pending returns the number of ordered messages not yet acknowledged.
func (n *Network) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.unacked)
}

// Close disconnects and stops reconnecting.
func (n *Network) Close() error {
	n.mu.Lock()
	n.closed = true
	conn := n.conn
	n.mu.Unlock()
	n.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	<-n.done
	return err
}

func (n *Network) run(conn *websocket.Conn) {
	defer close(n.done)
	for {
		err := n.read(conn)
		if n.ctx.Err() != nil {
			return
		}
		n.logger.Printf("relay client: connection to %s lost: %v", n.cfg.URL, err)
		n.mu.Lock()
		if n.conn == conn {
			n.conn, n.encoder = nil, nil
		}
		n.mu.Unlock()
		_ = conn.Close()

		conn, err = n.reconnect(n.ctx, n.cfg.MaxReconnect)
		if err != nil {
			n.logger.Printf("relay client: giving up on %s: %v", n.cfg.URL, err)
			n.mu.Lock()
			n.closed = true
			n.mu.Unlock()
			return
		}
	}
}

func (n *Network) reconnect(ctx context.Context, maxElapsed time.Duration) (*websocket.Conn, error) {
	return backoff.Retry(ctx, func() (*websocket.Conn, error) {
		return n.connect(ctx)
	},
		backoff.WithBackOff(n.cfg.BackOff),
		backoff.WithMaxElapsedTime(maxElapsed),
	)
}

// connect dials, joins after the last received sequence and resends the
// unacknowledged messages.
func (n *Network) connect(ctx context.Context) (*websocket.Conn, error) {
	wsCfg, err := websocket.NewConfig(n.cfg.URL, n.cfg.Origin)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	if n.cfg.Token != "" {
		wsCfg.Header = make(http.Header)
		wsCfg.Header.Set("Authorization", "Bearer "+n.cfg.Token)
	}
	conn, err := wsCfg.DialContext(ctx)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		_ = conn.Close()
		return nil, backoff.Permanent(ErrClosed)
	}
	n.conn = conn
	n.encoder = json.NewEncoder(conn)
	join, err := wire.NewFrame(wire.FrameJoin, "", wire.JoinPayload{SpreadsheetID: n.cfg.SpreadsheetID, SinceSeq: n.lastSeq})
	if err == nil {
		err = n.encoder.Encode(join)
	}
	if err != nil {
		n.conn, n.encoder = nil, nil
		_ = conn.Close()
		return nil, fmt.Errorf("join %s: %w", n.cfg.SpreadsheetID, err)
	}

	order := n.order[:0]
	for _, id := range n.order {
		msg, ok := n.unacked[id]
		if !ok {
			continue
		}
		order = append(order, id)
		if err := n.write(id, msg); err != nil {
			n.conn, n.encoder = nil, nil
			_ = conn.Close()
			return nil, fmt.Errorf("resend %s: %w", id, err)
		}
	}
	n.order = order
	return conn, nil
}

// write must be called with mu held and a live encoder.
func (n *Network) write(requestID string, msg collab.Message) error {
	frame, err := wire.NewFrame(wire.FrameSend, requestID, wire.SendPayload{Message: msg})
	if err != nil {
		return err
	}
	return n.encoder.Encode(frame)
}

func (n *Network) read(conn *websocket.Conn) error {
	decoder := json.NewDecoder(conn)
	for {
		var frame wire.Frame
		if err := decoder.Decode(&frame); err != nil {
			return err
		}
		n.handle(frame)
	}
}

func (n *Network) handle(frame wire.Frame) {
	switch frame.Type {
	case wire.FrameMessage:
		var payload wire.MessagePayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			n.logger.Printf("relay client: invalid message frame: %v", err)
			return
		}
		n.deliverMu.Lock()
		defer n.deliverMu.Unlock()
		n.mu.Lock()
		if payload.Seq > n.lastSeq {
			n.lastSeq = payload.Seq
		}
		subscribers := slices.Clone(n.subscribers)
		if len(subscribers) == 0 {
			n.backlog = append(n.backlog, payload.Message)
		}
		n.mu.Unlock()
		for _, fn := range subscribers {
			fn(payload.Message)
		}
	case wire.FrameAck:
		n.mu.Lock()
		delete(n.unacked, frame.RequestID)
		n.mu.Unlock()
	case wire.FrameJoined:
		var payload wire.JoinedPayload
		if err := json.Unmarshal(frame.Payload, &payload); err == nil {
			n.logger.Printf("relay client: joined %s at seq %d", payload.SpreadsheetID, payload.LatestSeq)
		}
	case wire.FrameError:
		var payload wire.ErrorPayload
		_ = json.Unmarshal(frame.Payload, &payload)
		n.logger.Printf("relay client: request %q rejected: %s %s", frame.RequestID, payload.Code, payload.Message)
	}
}
