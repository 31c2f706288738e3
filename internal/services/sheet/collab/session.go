package collab

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/clock"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/command"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/document"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/getters"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/history"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/presence"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/workbook"
)

// Config wires a session.
type Config struct {
	// ClientID defaults to a random id.
	ClientID string
	Name     string
	Network  Network
	// Mirror optionally receives every tree update of the session, for
	// read-only mirrors.
	Mirror Network
	// Headless sessions run without UI plugins, as relay replicas do.
	Headless bool
	Document document.Workbook
	Logger   *log.Logger
	Tracer   trace.Tracer
}

// Session is one client of a shared spreadsheet. Local dispatch, undo, redo
// and message receipt run one at a time.
type Session struct {
	mu       sync.Mutex
	clientID string
	name     string
	logger   *log.Logger
	model    *workbook.Model
	log      *history.Log
	clock    *Clock
	feed     *Feed
	peers    map[string]getters.Collaborator
	// started is false while the document is imported; the starting
	// cursor is not announced.
	started bool
}

// NewSession loads cfg.Document and starts listening to the network.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Network == nil {
		return nil, ErrNetworkRequired
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Session{
		clientID: clientID,
		name:     cfg.Name,
		logger:   logger,
		peers:    make(map[string]getters.Collaborator),
	}

	var err error
	s.clock, err = NewClock(clientID, cfg.Network, logger)
	if err != nil {
		return nil, err
	}
	s.model, err = workbook.New(workbook.Config{
		Headless: cfg.Headless,
		Presence: presence.Config{Source: presenceSource{s}},
		Logger:   logger,
		Tracer:   cfg.Tracer,
	})
	if err != nil {
		return nil, err
	}
	s.log, err = history.NewLog(history.LogConfig{
		ClientID:    clientID,
		Tree:        s.model.Tree(),
		Replayer:    s.model,
		Transformer: s.model,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Mirror != nil {
		mirrorClock, err := NewClock(clientID, cfg.Mirror, logger)
		if err != nil {
			return nil, err
		}
		s.feed = NewFeed(mirrorClock, s.model.Tree())
	}
	if err := s.model.Import(cfg.Document); err != nil {
		return nil, fmt.Errorf("import document: %w", err)
	}
	s.flush(context.Background())
	s.started = true
	s.clock.OnMessage(s.receive)
	s.clock.Listen()
	return s, nil
}

// ClientID returns the local client id.
func (s *Session) ClientID() string {
	return s.clientID
}

// Dispatch runs a local command and shares the core commands it recorded.
func (s *Session) Dispatch(ctx context.Context, cmd command.Command) (command.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.flush(ctx)

	outcome, err := s.model.Dispatch(ctx, cmd)
	if err != nil || !outcome.Result.IsSuccess() || len(outcome.Commands) == 0 {
		return outcome.Result, err
	}
	msg := s.clock.Stamp(Message{
		Type:       MessageRevision,
		RevisionID: uuid.NewString(),
		Commands:   outcome.Commands,
	})
	rev := history.Revision{
		ID:       msg.RevisionID,
		ClientID: s.clientID,
		Clock:    msg.StateVector,
		Commands: outcome.Commands,
		Changes:  outcome.Updates,
	}
	if err := s.log.Append(rev); err != nil {
		return outcome.Result, err
	}
	if err := s.clock.Publish(ctx, msg); err != nil {
		return outcome.Result, fmt.Errorf("publish revision %s: %w", rev.ID, err)
	}
	return outcome.Result, nil
}

// Undo undoes the latest applied local revision.
func (s *Session) Undo(ctx context.Context) error {
	return s.toggle(ctx, MessageUndo)
}

// Redo restores the latest undone local revision.
func (s *Session) Redo(ctx context.Context) error {
	return s.toggle(ctx, MessageRedo)
}

func (s *Session) toggle(ctx context.Context, typ MessageType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.flush(ctx)

	if typ == MessageUndo && !s.log.CanUndo() {
		return history.ErrNothingToUndo
	}
	if typ == MessageRedo && !s.log.CanRedo() {
		return history.ErrNothingToRedo
	}
	msg := s.clock.Stamp(Message{Type: typ})
	stamp := history.Toggle{ClientID: s.clientID, Counter: msg.Counter()}
	var err error
	if typ == MessageUndo {
		msg.RevisionID, err = s.log.Undo(stamp)
	} else {
		msg.RevisionID, err = s.log.Redo(stamp)
	}
	s.model.Finalize()
	if msg.RevisionID == "" {
		return err
	}
	if perr := s.clock.Publish(ctx, msg); perr != nil {
		return fmt.Errorf("publish %s: %w", typ, perr)
	}
	return err
}

// CanUndo reports whether Undo has a revision to undo.
func (s *Session) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.CanUndo()
}

// CanRedo reports whether Redo has a revision to restore.
func (s *Session) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.CanRedo()
}

// Export returns the current document.
func (s *Session) Export() document.Workbook {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.Export()
}

// Snapshot returns a copy of the state tree.
func (s *Session) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.Tree().Snapshot()
}

// Read runs fn with exclusive access to the workbook. fn must not keep the
// model or call back into the session.
func (s *Session) Read(fn func(m *workbook.Model)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.model)
}

// Revisions returns the revisions in log order.
func (s *Session) Revisions() []history.Revision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Revisions()
}

// Vector returns the local state vector.
func (s *Session) Vector() clock.Vector {
	return s.clock.Vector()
}

// Held returns the number of messages waiting for their causal past.
func (s *Session) Held() int {
	return s.clock.Held()
}

// Collaborators lists the remote clients seen on existing sheets.
func (s *Session) Collaborators() []getters.Collaborator {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model.Getters().Collaborators == nil {
		return nil
	}
	return s.model.Getters().Collaborators.Collaborators()
}

func (s *Session) receive(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.flush(context.Background())
	// A dispatch waiting on s.mu must stamp msg as seen.
	defer s.clock.Observe(msg)

	var err error
	switch msg.Type {
	case MessageRevision:
		err = s.log.Integrate(history.Revision{
			ID:       msg.RevisionID,
			ClientID: msg.ClientID,
			Clock:    msg.StateVector,
			Commands: msg.Commands,
		})
	case MessageUndo, MessageRedo:
		err = s.log.Toggle(msg.RevisionID, history.Toggle{
			ClientID: msg.ClientID,
			Counter:  msg.Counter(),
			Undone:   msg.Type == MessageUndo,
		})
	case MessagePresence:
		if msg.Position == nil {
			delete(s.peers, msg.ClientID)
			return
		}
		s.peers[msg.ClientID] = getters.Collaborator{ClientID: msg.ClientID, Name: msg.Name, Position: *msg.Position}
		return
	default:
		return
	}
	if err != nil {
		s.logger.Printf("collab: %s failed to integrate %s %s from %s: %v", s.clientID, msg.Type, msg.RevisionID, msg.ClientID, err)
	}
	s.model.Finalize()
}

func (s *Session) flush(ctx context.Context) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Flush(ctx); err != nil {
		s.logger.Printf("collab: %s failed to mirror updates: %v", s.clientID, err)
	}
}

// presenceSource gives the presence plugin unlocked access to the session.
// The plugin only calls it from inside a session operation.
type presenceSource struct {
	s *Session
}

func (p presenceSource) Collaborators() []getters.Collaborator {
	out := make([]getters.Collaborator, 0, len(p.s.peers))
	for _, c := range p.s.peers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func (p presenceSource) Move(position getters.Position) {
	if !p.s.started {
		return
	}
	msg := Message{Type: MessagePresence, Name: p.s.name, Position: &position}
	if err := p.s.clock.Publish(context.Background(), msg); err != nil {
		p.s.logger.Printf("collab: %s failed to publish presence: %v", p.s.clientID, err)
	}
}
