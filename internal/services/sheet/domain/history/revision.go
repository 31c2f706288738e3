package history

import (
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/clock"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/command"
)

// Toggle is an undo or redo of one revision, stamped with the clock counter
// of the client that issued it.
type Toggle struct {
	ClientID string `json:"client_id"`
	Counter  int    `json:"counter"`
	Undone   bool   `json:"undone"`
}

// Revision groups the commands of one outermost dispatch with the updates
// they produced.
type Revision struct {
	ID       string
	ClientID string
	// Clock is the author's state vector once the revision was stamped.
	Clock    clock.Vector
	Commands []command.Command
	// Changes are the updates currently applied for this revision.
	Changes []Update

	toggles      []Toggle
	effective    []command.Command
	materialized bool
}

// Counter returns the author's own clock entry for the revision.
func (r *Revision) Counter() int {
	return r.Clock.Get(r.ClientID)
}

// Undone reports whether the latest toggle undid the revision.
func (r *Revision) Undone() bool {
	if len(r.toggles) == 0 {
		return false
	}
	return r.toggles[len(r.toggles)-1].Undone
}

// Toggles returns the undo/redo history of the revision.
func (r *Revision) Toggles() []Toggle {
	return append([]Toggle(nil), r.toggles...)
}

// Effective returns the commands last replayed for the revision after
// transformation against concurrent and undone revisions.
func (r *Revision) Effective() []command.Command {
	return append([]command.Command(nil), r.effective...)
}

func (r *Revision) snapshot() Revision {
	return Revision{
		ID:           r.ID,
		ClientID:     r.ClientID,
		Clock:        r.Clock.Clone(),
		Commands:     append([]command.Command(nil), r.Commands...),
		Changes:      append([]Update(nil), r.Changes...),
		toggles:      r.Toggles(),
		effective:    r.Effective(),
		materialized: r.materialized,
	}
}

// authorSaw reports whether the author of r had x applied when r was created.
func authorSaw(r, x *Revision) bool {
	if !r.Clock.Covers(x.ClientID, x.Counter()) {
		return false
	}
	saw := true
	for _, t := range x.toggles {
		if r.Clock.Covers(t.ClientID, t.Counter) {
			saw = !t.Undone
		}
	}
	return saw
}

// precedes is the total order of the log: state vector sum, then client id,
// then the author's counter. It extends the causal order.
func precedes(a, b *Revision) bool {
	sa, sb := a.Clock.Sum(), b.Clock.Sum()
	if sa != sb {
		return sa < sb
	}
	if a.ClientID != b.ClientID {
		return a.ClientID < b.ClientID
	}
	return a.Counter() < b.Counter()
}
