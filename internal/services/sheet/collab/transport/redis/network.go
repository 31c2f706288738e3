// Package redis carries collab messages over Redis pub/sub, one channel per
// spreadsheet.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/louisbranch/sheetsync/internal/services/sheet/collab"
)

const channelPrefix = "sheetsync:spreadsheet:"

// Channel returns the pub/sub channel of a spreadsheet.
func Channel(spreadsheetID string) string {
	return channelPrefix + spreadsheetID
}

// Config wires a network.
type Config struct {
	Client        goredis.UniversalClient
	SpreadsheetID string
	// ClientID filters out the messages this client published.
	ClientID string
	// PublishOnly skips the subscription, for publishers such as the relay
	// fan-out.
	PublishOnly bool
	Logger      *log.Logger
}

// Network is a collab.Network over Redis pub/sub. Redis delivers to
// subscribers that are connected at publish time only; clients that need the
// past must catch up from the relay.
type Network struct {
	client   goredis.UniversalClient
	channel  string
	clientID string
	logger   *log.Logger
	pubsub   *goredis.PubSub
	done     chan struct{}

	mu          sync.Mutex
	subscribers []func(collab.Message)
}

// New subscribes to the spreadsheet channel unless cfg.PublishOnly.
func New(ctx context.Context, cfg Config) (*Network, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if strings.TrimSpace(cfg.SpreadsheetID) == "" {
		return nil, errors.New("spreadsheet id is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	n := &Network{
		client:   cfg.Client,
		channel:  Channel(cfg.SpreadsheetID),
		clientID: cfg.ClientID,
		logger:   logger,
		done:     make(chan struct{}),
	}
	if cfg.PublishOnly {
		close(n.done)
		return n, nil
	}

	n.pubsub = cfg.Client.Subscribe(ctx, n.channel)
	if _, err := n.pubsub.Receive(ctx); err != nil {
		_ = n.pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", n.channel, err)
	}
	go n.run(n.pubsub.Channel())
	return n, nil
}

// Send publishes msg on the spreadsheet channel.
func (n *Network) Send(ctx context.Context, msg collab.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", n.channel, err)
	}
	return nil
}

// Subscribe registers fn for every message published by other clients.
func (n *Network) Subscribe(fn func(collab.Message)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribers = append(n.subscribers, fn)
}

// Close ends the subscription. The client is owned by the caller.
func (n *Network) Close() error {
	if n.pubsub == nil {
		return nil
	}
	err := n.pubsub.Close()
	<-n.done
	return err
}

func (n *Network) run(messages <-chan *goredis.Message) {
	defer close(n.done)
	for m := range messages {
		msg, err := Decode(m.Payload)
		if err != nil {
			n.logger.Printf("redis network: invalid message on %s: %v", n.channel, err)
			continue
		}
		if n.clientID != "" && msg.ClientID == n.clientID {
			continue
		}
		n.mu.Lock()
		subscribers := slices.Clone(n.subscribers)
		n.mu.Unlock()
		for _, fn := range subscribers {
			fn(msg)
		}
	}
}

// Decode parses a published message.
func Decode(payload string) (collab.Message, error) {
	var msg collab.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return collab.Message{}, err
	}
	if msg.Type == "" || msg.ClientID == "" {
		return collab.Message{}, errors.New("message type and client id are required")
	}
	return msg, nil
}

// Fanout opens publish-only networks over one client. The relay uses it to
// forward sequenced room messages to Redis subscribers.
type Fanout struct {
	Client goredis.UniversalClient
	Logger *log.Logger
}

// Network returns a publish-only network for spreadsheetID.
func (f Fanout) Network(ctx context.Context, spreadsheetID string) (collab.Network, error) {
	return New(ctx, Config{Client: f.Client, SpreadsheetID: spreadsheetID, PublishOnly: true, Logger: f.Logger})
}
