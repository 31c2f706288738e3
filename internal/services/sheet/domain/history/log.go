package history

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/command"
)

var (
	// ErrRevisionIDRequired indicates a revision without id.
	ErrRevisionIDRequired = errors.New("revision id is required")
	// ErrRevisionWithoutCommands indicates a revision that cannot be replayed.
	ErrRevisionWithoutCommands = errors.New("revision has no core commands")
	// ErrDuplicateRevision indicates the revision is already in the log.
	ErrDuplicateRevision = errors.New("revision already in log")
	// ErrRevisionNotFound indicates an unknown revision id.
	ErrRevisionNotFound = errors.New("revision not found")
	// ErrNothingToUndo indicates the local client has no applied revision.
	ErrNothingToUndo = errors.New("nothing to undo")
	// ErrNothingToRedo indicates the local client has no undone revision to restore.
	ErrNothingToRedo = errors.New("nothing to redo")
)

// Replayer re-dispatches core commands and returns the updates they produced.
type Replayer interface {
	Replay(cmds []command.Command) []Update
}

// Transformer rewrites a command so it still applies after executed has run,
// and derives the commands that revert a structural command. A false result
// drops the command.
type Transformer interface {
	Transform(cmd command.Command, executed command.Command) (command.Command, bool)
	Inverse(cmd command.Command) []command.Command
}

// LogConfig wires a selective history log.
type LogConfig struct {
	ClientID    string
	Tree        *Tree
	Replayer    Replayer
	Transformer Transformer
	Logger      *log.Logger
}

// Log is the selective history: revisions in a total order consistent with
// causality, each applied or undone.
type Log struct {
	clientID    string
	tree        *Tree
	replayer    Replayer
	transformer Transformer
	logger      *log.Logger
	revisions   []*Revision
	redo        []string
}

// NewLog builds a log over tree.
func NewLog(cfg LogConfig) (*Log, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("client id is required")
	}
	if cfg.Tree == nil {
		return nil, errors.New("state tree is required")
	}
	if cfg.Replayer == nil {
		return nil, errors.New("replayer is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Log{
		clientID:    cfg.ClientID,
		tree:        cfg.Tree,
		replayer:    cfg.Replayer,
		transformer: cfg.Transformer,
		logger:      logger,
	}, nil
}

// Len returns the number of revisions.
func (l *Log) Len() int {
	return len(l.revisions)
}

// Revisions returns copies of every revision in log order.
func (l *Log) Revisions() []Revision {
	out := make([]Revision, 0, len(l.revisions))
	for _, r := range l.revisions {
		out = append(out, r.snapshot())
	}
	return out
}

// Revision returns a copy of the revision with id.
func (l *Log) Revision(id string) (Revision, bool) {
	idx := l.index(id)
	if idx < 0 {
		return Revision{}, false
	}
	return l.revisions[idx].snapshot(), true
}

// Append stores a local revision whose changes are already applied to the
// tree. It invalidates the redo stack.
func (l *Log) Append(rev Revision) error {
	r, err := l.prepare(rev)
	if err != nil {
		return err
	}
	r.effective = append([]command.Command(nil), r.Commands...)
	r.materialized = true
	l.revisions = append(l.revisions, r)
	if r.ClientID == l.clientID {
		l.redo = nil
	}
	return nil
}

// Insert places rev right after afterID (first when empty), rolls back every
// later revision and replays them transformed against rev.
func (l *Log) Insert(rev Revision, afterID string) error {
	r, err := l.prepare(rev)
	if err != nil {
		return err
	}
	r.Changes = nil
	at := 0
	if afterID != "" {
		idx := l.index(afterID)
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrRevisionNotFound, afterID)
		}
		at = idx + 1
	}
	l.revisions = append(l.revisions, nil)
	copy(l.revisions[at+1:], l.revisions[at:])
	l.revisions[at] = r
	return l.rebuild(at)
}

// Integrate inserts a remote revision at its position in the total order.
func (l *Log) Integrate(rev Revision) error {
	probe := &Revision{ID: rev.ID, ClientID: rev.ClientID, Clock: rev.Clock}
	at := len(l.revisions)
	for at > 0 && precedes(probe, l.revisions[at-1]) {
		at--
	}
	afterID := ""
	if at > 0 {
		afterID = l.revisions[at-1].ID
	}
	return l.Insert(rev, afterID)
}

// Undo undoes the latest applied revision of the local client.
func (l *Log) Undo(stamp Toggle) (string, error) {
	for i := len(l.revisions) - 1; i >= 0; i-- {
		r := l.revisions[i]
		if r.ClientID != l.clientID || r.Undone() {
			continue
		}
		stamp.Undone = true
		r.toggles = append(r.toggles, stamp)
		l.redo = append(l.redo, r.ID)
		return r.ID, l.rebuild(i)
	}
	return "", ErrNothingToUndo
}

// Redo restores the revision most recently undone by the local client.
func (l *Log) Redo(stamp Toggle) (string, error) {
	for len(l.redo) > 0 {
		id := l.redo[len(l.redo)-1]
		l.redo = l.redo[:len(l.redo)-1]
		idx := l.index(id)
		if idx < 0 || !l.revisions[idx].Undone() {
			continue
		}
		stamp.Undone = false
		l.revisions[idx].toggles = append(l.revisions[idx].toggles, stamp)
		return id, l.rebuild(idx)
	}
	return "", ErrNothingToRedo
}

// CanUndo reports whether the local client has an applied revision.
func (l *Log) CanUndo() bool {
	for _, r := range l.revisions {
		if r.ClientID == l.clientID && !r.Undone() {
			return true
		}
	}
	return false
}

// CanRedo reports whether Redo would restore a revision.
func (l *Log) CanRedo() bool {
	for _, id := range l.redo {
		if idx := l.index(id); idx >= 0 && l.revisions[idx].Undone() {
			return true
		}
	}
	return false
}

// Toggle applies a remote client's undo or redo of one of its revisions.
func (l *Log) Toggle(revisionID string, stamp Toggle) error {
	idx := l.index(revisionID)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrRevisionNotFound, revisionID)
	}
	r := l.revisions[idx]
	wasUndone := r.Undone()
	r.toggles = append(r.toggles, stamp)
	if wasUndone == stamp.Undone {
		return nil
	}
	return l.rebuild(idx)
}

func (l *Log) prepare(rev Revision) (*Revision, error) {
	if strings.TrimSpace(rev.ID) == "" {
		return nil, ErrRevisionIDRequired
	}
	if len(rev.Commands) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRevisionWithoutCommands, rev.ID)
	}
	if l.index(rev.ID) >= 0 {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRevision, rev.ID)
	}
	return &Revision{
		ID:       rev.ID,
		ClientID: rev.ClientID,
		Clock:    rev.Clock.Clone(),
		Commands: append([]command.Command(nil), rev.Commands...),
		Changes:  append([]Update(nil), rev.Changes...),
		toggles:  rev.Toggles(),
	}, nil
}

func (l *Log) index(id string) int {
	for i, r := range l.revisions {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// rebuild rolls the tree back to the state before revisions[from] and replays
// every applied revision from there.
func (l *Log) rebuild(from int) error {
	for i := len(l.revisions) - 1; i >= from; i-- {
		r := l.revisions[i]
		if !r.materialized {
			continue
		}
		if len(r.Commands) == 0 && len(r.Changes) > 0 {
			return fmt.Errorf("%w: %s", ErrRevisionWithoutCommands, r.ID)
		}
		l.tree.Revert(r.Changes)
		r.Changes = nil
		r.materialized = false
	}
	for i := from; i < len(l.revisions); i++ {
		r := l.revisions[i]
		r.effective = l.effectiveCommands(i)
		if r.Undone() {
			continue
		}
		r.Changes = l.replayer.Replay(r.effective)
		r.materialized = true
	}
	return nil
}

// effectiveCommands rewrites the authored commands of revisions[i] for the
// current log: revisions the author did not see but are applied now are
// transformed in, revisions the author saw but are undone now are
// transformed out through their inverse.
func (l *Log) effectiveCommands(i int) []command.Command {
	r := l.revisions[i]
	cmds := append([]command.Command(nil), r.Commands...)
	if l.transformer == nil {
		return cmds
	}
	for j := 0; j < i; j++ {
		x := l.revisions[j]
		saw := authorSaw(r, x)
		applied := !x.Undone()
		switch {
		case saw && !applied:
			for k := len(x.effective) - 1; k >= 0; k-- {
				for _, inverse := range l.transformer.Inverse(x.effective[k]) {
					cmds = l.transformAll(r, cmds, inverse)
				}
			}
		case !saw && applied:
			for _, executed := range x.effective {
				cmds = l.transformAll(r, cmds, executed)
			}
		}
	}
	return cmds
}

func (l *Log) transformAll(r *Revision, cmds []command.Command, executed command.Command) []command.Command {
	out := cmds[:0:0]
	for _, cmd := range cmds {
		next, ok := l.transformer.Transform(cmd, executed)
		if !ok {
			l.logger.Printf("history: revision %s drops %s after %s", r.ID, cmd.Type(), executed.Type())
			continue
		}
		out = append(out, next)
	}
	return out
}
