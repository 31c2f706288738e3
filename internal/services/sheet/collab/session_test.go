package collab

import (
	"context"
	"errors"
	"io"
	"log"
	"math/rand/v2"
	"reflect"
	"testing"

	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/cell"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/chart"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/command"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/document"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/format"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/getters"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/history"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/rangeref"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/selection"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/sheet"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/workbook"
)

var quiet = log.New(io.Discard, "", 0)

func testDocument() document.Workbook {
	return document.Workbook{
		Version: document.Version,
		Sheets:  []document.Sheet{{ID: "s1", Name: "Sheet1", Rows: 20, Cols: 10}},
	}
}

func newSessions(t *testing.T, hub *MemoryHub, ids ...string) []*Session {
	t.Helper()
	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		hub.Connect(id)
	}
	for _, id := range ids {
		s, err := NewSession(Config{ClientID: id, Name: id, Network: hub.Connect(id), Document: testDocument(), Logger: quiet})
		if err != nil {
			t.Fatalf("new session %s: %v", id, err)
		}
		sessions = append(sessions, s)
	}
	return sessions
}

func dispatch(t *testing.T, s *Session, cmd command.Command) {
	t.Helper()
	result, err := s.Dispatch(context.Background(), cmd)
	if err != nil {
		t.Fatalf("%s dispatch %s: %v", s.ClientID(), cmd.Type(), err)
	}
	if !result.IsSuccess() {
		t.Fatalf("%s dispatch %s rejected: %s", s.ClientID(), cmd.Type(), result)
	}
}

func update(col, row int, content string) command.Command {
	return command.MustNew(cell.CommandUpdate, cell.UpdatePayload{SheetID: "s1", Col: col, Row: row, Content: content})
}

func content(s *Session, col, row int) string {
	var out string
	s.Read(func(m *workbook.Model) {
		out = m.Getters().Cells.Content("s1", col, row)
	})
	return out
}

func assertConverged(t *testing.T, sessions ...*Session) {
	t.Helper()
	want := sessions[0].Snapshot()
	for _, s := range sessions[1:] {
		if got := s.Snapshot(); !reflect.DeepEqual(got, want) {
			t.Fatalf("%s diverged from %s:\n got %v\nwant %v", s.ClientID(), sessions[0].ClientID(), got, want)
		}
	}
	for _, s := range sessions {
		if s.Held() != 0 {
			t.Fatalf("%s still holds %d messages", s.ClientID(), s.Held())
		}
	}
}

func TestSequentialEditsKeepTheLatest(t *testing.T) {
	hub := NewMemoryHub()
	s := newSessions(t, hub, "alice", "bob")
	alice, bob := s[0], s[1]

	dispatch(t, alice, update(0, 0, "hello"))
	hub.Flush()
	dispatch(t, bob, update(0, 0, "hi"))
	hub.Flush()

	for _, session := range s {
		if got := content(session, 0, 0); got != "hi" {
			t.Fatalf("%s expected hi, got %q", session.ClientID(), got)
		}
	}
	assertConverged(t, alice, bob)
}

func TestConcurrentEditsOnDifferentCells(t *testing.T) {
	hub := NewMemoryHub()
	s := newSessions(t, hub, "alice", "bob")
	alice, bob := s[0], s[1]

	dispatch(t, alice, update(0, 0, "a"))
	dispatch(t, bob, update(1, 1, "b"))
	hub.Flush()

	for _, session := range s {
		if content(session, 0, 0) != "a" || content(session, 1, 1) != "b" {
			t.Fatalf("%s expected both edits, got %q %q", session.ClientID(), content(session, 0, 0), content(session, 1, 1))
		}
	}
	assertConverged(t, alice, bob)
}

func TestConcurrentEditsOnSameCellConverge(t *testing.T) {
	hub := NewMemoryHub()
	s := newSessions(t, hub, "alice", "bob")

	dispatch(t, s[0], update(0, 0, "from alice"))
	dispatch(t, s[1], update(0, 0, "from bob"))
	hub.Flush()

	// Equal vector sums order by client id, so bob's edit lands last.
	for _, session := range s {
		if got := content(session, 0, 0); got != "from bob" {
			t.Fatalf("%s expected bob's edit, got %q", session.ClientID(), got)
		}
	}
	assertConverged(t, s...)
}

func TestConcurrentRowRemovalAdaptsChart(t *testing.T) {
	hub := NewMemoryHub()
	s := newSessions(t, hub, "alice", "bob")
	alice, bob := s[0], s[1]

	dispatch(t, alice, command.MustNew(sheet.CommandRemoveHeaders, sheet.RemoveHeadersPayload{
		SheetID: "s1", Dimension: rangeref.Rows, Elements: []int{1, 2},
	}))
	dispatch(t, bob, command.MustNew(chart.CommandCreate, chart.DefinitionPayload{
		FigureID: "f1", SheetID: "s1", Kind: "bar", DataSets: []string{"A1:A5", "B2:B3"}, LabelRange: "C2:C3",
	}))
	hub.Flush()

	for _, session := range s {
		var got document.Chart
		var ok bool
		session.Read(func(m *workbook.Model) {
			got, ok = m.Getters().Charts.Chart("f1")
		})
		if !ok {
			t.Fatalf("%s lost the chart", session.ClientID())
		}
		if !reflect.DeepEqual(got.DataSets, []string{"A1:A3"}) || got.LabelRange != "" {
			t.Fatalf("%s unexpected chart %+v", session.ClientID(), got)
		}
	}
	assertConverged(t, alice, bob)
}

func TestDispatchWhileRemoteRevisionIntegrates(t *testing.T) {
	doc := testDocument()
	doc.Sheets[0].Rows = 6
	doc.Sheets[0].Cells = map[string]string{"A5": "keep", "A6": "gone"}
	hub := NewMemoryHub()
	hub.Connect("alice")
	hub.Connect("bob")
	var s []*Session
	for _, id := range []string{"alice", "bob"} {
		session, err := NewSession(Config{ClientID: id, Network: hub.Connect(id), Document: doc, Logger: quiet})
		if err != nil {
			t.Fatalf("new session %s: %v", id, err)
		}
		s = append(s, session)
	}
	alice, bob := s[0], s[1]
	hub.Flush()

	// Hold bob's revision on alice after it was admitted by the clock but
	// before the session integrated it.
	entered := make(chan struct{})
	release := make(chan struct{})
	gate := func(msg Message) {
		if msg.Type == MessageRevision {
			close(entered)
			<-release
		}
	}
	alice.clock.listeners = append([]func(Message){gate}, alice.clock.listeners...)

	dispatch(t, bob, command.MustNew(sheet.CommandInsertHeaders, sheet.InsertHeadersPayload{
		SheetID: "s1", Dimension: rangeref.Rows, Start: 0, Quantity: 1,
	}))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for hub.Deliver("alice", 0) {
		}
	}()
	<-entered
	dispatch(t, alice, command.MustNew(sheet.CommandRemoveHeaders, sheet.RemoveHeadersPayload{
		SheetID: "s1", Dimension: rangeref.Rows, Elements: []int{5},
	}))
	close(release)
	<-done
	hub.Flush()

	for _, session := range s {
		if got := content(session, 0, 5); got != "keep" {
			t.Fatalf("%s A6 = %q, want keep", session.ClientID(), got)
		}
		if got := content(session, 0, 6); got != "" {
			t.Fatalf("%s A7 = %q, want the removed row gone", session.ClientID(), got)
		}
	}
	assertConverged(t, alice, bob)
}

func TestUndoOnlyAffectsLocalRevisions(t *testing.T) {
	hub := NewMemoryHub()
	s := newSessions(t, hub, "alice", "bob")
	alice, bob := s[0], s[1]
	ctx := context.Background()

	dispatch(t, alice, update(0, 0, "a"))
	dispatch(t, bob, update(0, 1, "b"))
	hub.Flush()

	if err := alice.Undo(ctx); err != nil {
		t.Fatalf("undo: %v", err)
	}
	hub.Flush()
	for _, session := range s {
		if content(session, 0, 0) != "" || content(session, 0, 1) != "b" {
			t.Fatalf("%s expected only alice's edit undone, got %q %q", session.ClientID(), content(session, 0, 0), content(session, 0, 1))
		}
	}
	if alice.CanUndo() {
		t.Fatalf("alice has nothing left to undo")
	}
	if !bob.CanUndo() {
		t.Fatalf("bob's revision must stay undoable")
	}
	if err := alice.Undo(ctx); !errors.Is(err, history.ErrNothingToUndo) {
		t.Fatalf("expected nothing to undo, got %v", err)
	}

	if err := alice.Redo(ctx); err != nil {
		t.Fatalf("redo: %v", err)
	}
	hub.Flush()
	for _, session := range s {
		if got := content(session, 0, 0); got != "a" {
			t.Fatalf("%s expected redo to restore a, got %q", session.ClientID(), got)
		}
	}
	if err := alice.Redo(ctx); !errors.Is(err, history.ErrNothingToRedo) {
		t.Fatalf("expected nothing to redo, got %v", err)
	}
	assertConverged(t, alice, bob)
}

func TestUndoStructuralRevisionMovesLaterEdits(t *testing.T) {
	hub := NewMemoryHub()
	s := newSessions(t, hub, "alice", "bob")
	alice, bob := s[0], s[1]

	dispatch(t, alice, command.MustNew(sheet.CommandInsertHeaders, sheet.InsertHeadersPayload{
		SheetID: "s1", Dimension: rangeref.Columns, Start: 0, Quantity: 1,
	}))
	hub.Flush()
	dispatch(t, bob, update(1, 0, "x"))
	hub.Flush()

	if err := alice.Undo(context.Background()); err != nil {
		t.Fatalf("undo: %v", err)
	}
	hub.Flush()
	for _, session := range s {
		if content(session, 0, 0) != "x" || content(session, 1, 0) != "" {
			t.Fatalf("%s expected bob's edit moved back to A1", session.ClientID())
		}
	}
	assertConverged(t, alice, bob)
}

func TestConvergenceUnderDeliveryPermutations(t *testing.T) {
	firstRound := map[string]command.Command{
		"alice": update(0, 0, "=B1+C1"),
		"bob":   update(1, 0, "2"),
		"carol": command.MustNew(format.CommandAdd, format.AddPayload{
			SheetID: "s1", RuleID: "r1", Ranges: []string{"A1:C3"}, Formula: "=A1>1",
		}),
	}
	secondRound := map[string]command.Command{
		"alice": command.MustNew(sheet.CommandInsertHeaders, sheet.InsertHeadersPayload{
			SheetID: "s1", Dimension: rangeref.Rows, Start: 0, Quantity: 1,
		}),
		"bob": command.MustNew(sheet.CommandRemoveHeaders, sheet.RemoveHeadersPayload{
			SheetID: "s1", Dimension: rangeref.Columns, Elements: []int{2},
		}),
		"carol": command.MustNew(sheet.CommandRename, sheet.RenamePayload{SheetID: "s1", Name: "Main"}),
	}

	for seed := uint64(1); seed <= 8; seed++ {
		hub := NewMemoryHub()
		ids := []string{"alice", "bob", "carol"}
		sessions := newSessions(t, hub, ids...)
		rng := rand.New(rand.NewPCG(seed, seed*7919))

		for i, id := range ids {
			dispatch(t, sessions[i], firstRound[id])
		}
		deliverRandomly(hub, rng, 3)
		for i, id := range ids {
			dispatch(t, sessions[i], secondRound[id])
		}
		deliverRandomly(hub, rng, -1)

		assertConverged(t, sessions...)
		if got := len(sessions[0].Revisions()); got != 6 {
			t.Fatalf("seed %d: expected 6 revisions, got %d", seed, got)
		}
	}
}

// deliverRandomly hands out up to steps queued messages (all when steps < 0)
// to random clients in random order.
func deliverRandomly(hub *MemoryHub, rng *rand.Rand, steps int) {
	for steps != 0 {
		var ready []string
		for _, id := range hub.Clients() {
			if hub.Pending(id) > 0 {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			return
		}
		id := ready[rng.IntN(len(ready))]
		hub.Deliver(id, rng.IntN(hub.Pending(id)))
		steps--
	}
}

func TestPresenceSharesCursor(t *testing.T) {
	hub := NewMemoryHub()
	s := newSessions(t, hub, "alice", "bob")
	alice, bob := s[0], s[1]

	dispatch(t, alice, command.MustNew(selection.CommandSetSelection, selection.SelectPayload{
		Zone: rangeref.CellZone(2, 3),
	}))
	hub.Flush()

	want := []getters.Collaborator{{ClientID: "alice", Name: "alice", Position: getters.Position{SheetID: "s1", Col: 2, Row: 3}}}
	if got := bob.Collaborators(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected collaborators %+v", got)
	}
	if got := len(alice.Revisions()); got != 0 {
		t.Fatalf("selection must not create revisions, got %d", got)
	}
}

func TestImportDoesNotAnnouncePresence(t *testing.T) {
	hub := NewMemoryHub()
	s := newSessions(t, hub, "alice", "bob")
	for _, id := range []string{"alice", "bob"} {
		if got := hub.Pending(id); got != 0 {
			t.Fatalf("%s has %d queued messages after import", id, got)
		}
	}

	dispatch(t, s[0], command.MustNew(selection.CommandSetSelection, selection.SelectPayload{
		Zone: rangeref.CellZone(1, 1),
	}))
	if got := hub.Pending("bob"); got != 1 {
		t.Fatalf("expected the move announced to bob, got %d messages", got)
	}
}

func TestMirrorFollowsFeed(t *testing.T) {
	hub := NewMemoryHub()
	mirrors := NewMemoryHub()
	mirrors.Connect("alice")
	mirror, err := NewMirror(mirrors.Connect("viewer"), "alice", quiet)
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}
	hub.Connect("alice")
	hub.Connect("bob")
	alice, err := NewSession(Config{ClientID: "alice", Network: hub.Connect("alice"), Mirror: mirrors.Connect("alice"), Document: testDocument(), Logger: quiet})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	bob, err := NewSession(Config{ClientID: "bob", Network: hub.Connect("bob"), Document: testDocument(), Logger: quiet})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	dispatch(t, alice, update(0, 0, "a"))
	dispatch(t, bob, command.MustNew(sheet.CommandInsertHeaders, sheet.InsertHeadersPayload{
		SheetID: "s1", Dimension: rangeref.Rows, Start: 0, Quantity: 2,
	}))
	hub.Flush()
	mirrors.Flush()

	if got, want := mirror.Snapshot(), alice.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("mirror diverged:\n got %v\nwant %v", got, want)
	}
}

func TestNewSessionRequiresNetwork(t *testing.T) {
	if _, err := NewSession(Config{}); !errors.Is(err, ErrNetworkRequired) {
		t.Fatalf("expected network required, got %v", err)
	}
}
