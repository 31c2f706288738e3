package workbook

import (
	"context"
	"reflect"
	"testing"

	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/cell"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/command"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/document"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/engine"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/getters"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/history"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/presence"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/rangeref"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/selection"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/sheet"
)

var (
	_ history.Replayer    = (*Model)(nil)
	_ history.Transformer = (*Model)(nil)
)

func testDocument() document.Workbook {
	return document.Workbook{
		Version: document.Version,
		Sheets: []document.Sheet{
			{ID: "s1", Name: "Sheet1", Rows: 10, Cols: 5, Cells: map[string]string{"A1": "1", "B2": "2", "C3": "3"}},
			{ID: "s2", Name: "Data", Rows: 10, Cols: 5},
		},
	}
}

func newModel(t *testing.T, cfg Config) *Model {
	t.Helper()
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("new workbook: %v", err)
	}
	if err := m.Import(testDocument()); err != nil {
		t.Fatalf("import: %v", err)
	}
	return m
}

func dispatch(t *testing.T, m *Model, cmd command.Command) engine.Outcome {
	t.Helper()
	out, err := m.Dispatch(context.Background(), cmd)
	if err != nil {
		t.Fatalf("dispatch %s: %v", cmd.Type(), err)
	}
	if !out.Result.IsSuccess() {
		t.Fatalf("dispatch %s rejected: %s", cmd.Type(), out.Result)
	}
	return out
}

func TestDispatchCompletesSheetNames(t *testing.T) {
	m := newModel(t, Config{})

	out := dispatch(t, m, command.MustNew(sheet.CommandRename, sheet.RenamePayload{SheetID: "s2", Name: "Inputs"}))
	var renamed sheet.RenamePayload
	if err := out.Commands[0].Decode(&renamed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if renamed.OldName != "Data" {
		t.Fatalf("expected old name Data, got %q", renamed.OldName)
	}

	out = dispatch(t, m, command.MustNew(sheet.CommandDelete, sheet.DeletePayload{SheetID: "s2"}))
	var deleted sheet.DeletePayload
	if err := out.Commands[0].Decode(&deleted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if deleted.Name != "Inputs" {
		t.Fatalf("expected deleted name Inputs, got %q", deleted.Name)
	}
	if got := m.Getters().Sheets.SheetIDs(); !reflect.DeepEqual(got, []string{"s1"}) {
		t.Fatalf("unexpected sheets %v", got)
	}
}

func TestContentDeleteRecordsCellClears(t *testing.T) {
	m := newModel(t, Config{})
	dispatch(t, m, command.MustNew(selection.CommandSetSelection, selection.SelectPayload{
		Zone: rangeref.Zone{Left: 0, Top: 0, Right: 1, Bottom: 1},
	}))

	out := dispatch(t, m, command.MustNew(selection.CommandDeleteContent, nil))
	if len(out.Commands) != 2 {
		t.Fatalf("expected 2 recorded commands, got %v", out.Commands)
	}
	for _, cmd := range out.Commands {
		if cmd.Type() != cell.CommandClear {
			t.Fatalf("expected cell clears, got %s", cmd.Type())
		}
	}
	if got := m.Getters().Cells.CellNames("s1"); !reflect.DeepEqual(got, []string{"C3"}) {
		t.Fatalf("unexpected cells %v", got)
	}
	if len(out.Updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(out.Updates))
	}
}

func TestUISelectionCommandsAreNotRecorded(t *testing.T) {
	m := newModel(t, Config{})
	out := dispatch(t, m, command.MustNew(selection.CommandActivateSheet, selection.ActivatePayload{SheetID: "s2"}))
	if len(out.Commands) != 0 || len(out.Updates) != 0 {
		t.Fatalf("expected no recorded change, got %v %v", out.Commands, out.Updates)
	}
	if got := m.Getters().Selection.ActiveSheetID(); got != "s2" {
		t.Fatalf("expected active s2, got %s", got)
	}
	out, err := m.Dispatch(context.Background(), command.MustNew(selection.CommandSetSelection, selection.SelectPayload{
		Zone: rangeref.Zone{Left: 0, Top: 0, Right: 9, Bottom: 0},
	}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !out.Result.IsRejectedBecause(selection.RejectInvalidZone) {
		t.Fatalf("expected zone outside the sheet rejected, got %s", out.Result)
	}
}

func TestSelectionFollowsSheetChanges(t *testing.T) {
	m := newModel(t, Config{})
	dispatch(t, m, command.MustNew(selection.CommandActivateSheet, selection.ActivatePayload{SheetID: "s2"}))
	dispatch(t, m, command.MustNew(selection.CommandSetSelection, selection.SelectPayload{
		Zone: rangeref.Zone{Left: 1, Top: 6, Right: 2, Bottom: 9},
	}))

	dispatch(t, m, command.MustNew(sheet.CommandRemoveHeaders, sheet.RemoveHeadersPayload{
		SheetID: "s2", Dimension: rangeref.Rows, Elements: []int{0, 1, 2, 3, 4},
	}))
	want := rangeref.Zone{Left: 1, Top: 4, Right: 2, Bottom: 4}
	if got := m.Getters().Selection.Selection(); got != want {
		t.Fatalf("expected clamped selection %+v, got %+v", want, got)
	}

	dispatch(t, m, command.MustNew(sheet.CommandDelete, sheet.DeletePayload{SheetID: "s2"}))
	if got := m.Getters().Selection.ActiveSheetID(); got != "s1" {
		t.Fatalf("expected active sheet s1, got %s", got)
	}
	if got := m.Getters().Selection.Selection(); got != rangeref.CellZone(0, 0) {
		t.Fatalf("expected selection reset, got %+v", got)
	}
}

func TestHeadlessModelRejectsUICommands(t *testing.T) {
	m := newModel(t, Config{Headless: true})
	if m.Getters().Selection != nil || m.Getters().Collaborators != nil {
		t.Fatalf("expected no UI getters on a headless workbook")
	}
	out, err := m.Dispatch(context.Background(), command.MustNew(selection.CommandDeleteContent, nil))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !out.Result.IsRejectedBecause(engine.RejectUIUnavailable) {
		t.Fatalf("expected UI command rejected, got %s", out.Result)
	}
}

type fakeSource struct {
	moves  []getters.Position
	remote []getters.Collaborator
}

func (f *fakeSource) Collaborators() []getters.Collaborator { return f.remote }

func (f *fakeSource) Move(position getters.Position) { f.moves = append(f.moves, position) }

func TestPresencePublishesLocalPosition(t *testing.T) {
	source := &fakeSource{remote: []getters.Collaborator{
		{ClientID: "bob", Name: "Bob", Position: getters.Position{SheetID: "s2", Col: 1, Row: 1}},
		{ClientID: "eve", Name: "Eve", Position: getters.Position{SheetID: "gone"}},
	}}
	m := newModel(t, Config{Presence: presence.Config{Source: source}})

	dispatch(t, m, command.MustNew(selection.CommandSetSelection, selection.SelectPayload{
		Zone: rangeref.Zone{Left: 2, Top: 3, Right: 2, Bottom: 3},
	}))
	dispatch(t, m, command.MustNew(cell.CommandUpdate, cell.UpdatePayload{SheetID: "s1", Col: 0, Row: 0, Content: "x"}))

	want := []getters.Position{{SheetID: "s1"}, {SheetID: "s1", Col: 2, Row: 3}}
	if !reflect.DeepEqual(source.moves, want) {
		t.Fatalf("unexpected moves %+v", source.moves)
	}
	got := m.Getters().Collaborators.Collaborators()
	if len(got) != 1 || got[0].ClientID != "bob" {
		t.Fatalf("expected only collaborators on known sheets, got %+v", got)
	}
}

func TestPresenceWithoutSource(t *testing.T) {
	m := newModel(t, Config{})
	if got := m.Getters().Collaborators.Collaborators(); got != nil {
		t.Fatalf("expected no collaborators, got %v", got)
	}
}

func TestExportRoundTrip(t *testing.T) {
	m := newModel(t, Config{Headless: true})
	doc := m.Export()
	if len(doc.Sheets) != 2 || doc.Sheets[0].Cells["C3"] != "3" {
		t.Fatalf("unexpected export %+v", doc)
	}
	other, err := New(Config{Headless: true})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := other.Import(doc); err != nil {
		t.Fatalf("import: %v", err)
	}
	if !reflect.DeepEqual(other.Tree().Snapshot(), m.Tree().Snapshot()) {
		t.Fatalf("expected identical state after round trip")
	}
}
