package server

import (
	"context"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/sheetsync/internal/services/sheet/collab"
	sheetws "github.com/louisbranch/sheetsync/internal/services/sheet/collab/transport/websocket"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/cell"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/command"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/document"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/workbook"
	"github.com/louisbranch/sheetsync/internal/storage/bbolt"
)

func connectSession(t *testing.T, url, token, clientID string) (*collab.Session, *sheetws.Network) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	network, err := sheetws.Dial(ctx, sheetws.Config{
		URL:           "ws" + strings.TrimPrefix(url, "http") + "/ws",
		SpreadsheetID: "budget",
		Token:         token,
		Logger:        quiet,
	})
	if err != nil {
		t.Fatalf("dial %s: %v", clientID, err)
	}
	t.Cleanup(func() { _ = network.Close() })
	session, err := collab.NewSession(collab.Config{
		ClientID: clientID,
		Name:     clientID,
		Network:  network,
		Document: document.Default(),
		Logger:   quiet,
	})
	if err != nil {
		t.Fatalf("new session %s: %v", clientID, err)
	}
	return session, network
}

func cellContent(s *collab.Session, col, row int) string {
	var out string
	s.Read(func(m *workbook.Model) {
		out = m.Getters().Cells.Content("sheet1", col, row)
	})
	return out
}

func dispatchUpdate(t *testing.T, s *collab.Session, col, row int, content string) {
	t.Helper()
	result, err := s.Dispatch(context.Background(), command.MustNew(cell.CommandUpdate, cell.UpdatePayload{
		SheetID: "sheet1", Col: col, Row: row, Content: content,
	}))
	if err != nil {
		t.Fatalf("%s dispatch: %v", s.ClientID(), err)
	}
	if !result.IsSuccess() {
		t.Fatalf("%s dispatch rejected: %s", s.ClientID(), result)
	}
}

func TestSessionsConvergeThroughRelay(t *testing.T) {
	snapshots, err := bbolt.Open(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("open snapshots: %v", err)
	}
	t.Cleanup(func() { _ = snapshots.Close() })

	secret := []byte("s3cret")
	server, srv := newTestServer(t, Config{TokenSecret: string(secret), Snapshots: snapshots})
	token := func(clientID string) string {
		value, err := IssueToken(secret, clientID, "budget", time.Hour, time.Now())
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		return value
	}

	alice, aliceNet := connectSession(t, srv.URL, token("alice"), "alice")
	bob, bobNet := connectSession(t, srv.URL, token("bob"), "bob")

	dispatchUpdate(t, alice, 0, 0, "=B1*2")
	dispatchUpdate(t, bob, 1, 0, "21")
	dispatchUpdate(t, alice, 0, 1, "total")
	if err := bob.Undo(context.Background()); err != nil {
		t.Fatalf("bob undo: %v", err)
	}

	waitFor(t, "acks", func() bool { return aliceNet.Pending() == 0 && bobNet.Pending() == 0 })
	waitFor(t, "convergence", func() bool {
		return reflect.DeepEqual(alice.Snapshot(), bob.Snapshot()) && aliceNet.LastSeq() == 4 && bobNet.LastSeq() == 4
	})
	if got := cellContent(alice, 0, 0); got != "=B1*2" {
		t.Fatalf("A1 = %q, want =B1*2", got)
	}
	if got := cellContent(bob, 1, 0); got != "" {
		t.Fatalf("B1 = %q after undo, want empty", got)
	}

	live := waitForSnapshot(t, srv.URL+"/spreadsheets/budget/snapshot?access_token="+token("carol"), 4)
	if !reflect.DeepEqual(live.Workbook, alice.Export()) {
		t.Fatalf("replica diverged:\n got %+v\nwant %+v", live.Workbook, alice.Export())
	}

	srv.Close()
	server.Close()
	stored, err := snapshots.GetSnapshot(context.Background(), "budget")
	if err != nil {
		t.Fatalf("stored snapshot: %v", err)
	}
	if stored.Seq != 4 || stored.Workbook.Sheets[0].Cells["A2"] != "total" {
		t.Fatalf("unexpected stored snapshot %+v", stored)
	}
}

func TestLateSessionCatchesUp(t *testing.T) {
	_, srv := newTestServer(t, Config{})
	alice, aliceNet := connectSession(t, srv.URL, "", "alice")
	dispatchUpdate(t, alice, 2, 3, "early")
	dispatchUpdate(t, alice, 2, 4, "later")
	waitFor(t, "acks", func() bool { return aliceNet.Pending() == 0 })

	bob, bobNet := connectSession(t, srv.URL, "", "bob")
	waitFor(t, "catch-up", func() bool { return bobNet.LastSeq() == 2 })
	waitFor(t, "convergence", func() bool { return cellContent(bob, 2, 4) == "later" })
	if got := cellContent(bob, 2, 3); got != "early" {
		t.Fatalf("C4 = %q, want early", got)
	}
}
