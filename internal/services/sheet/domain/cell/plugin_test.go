package cell

import (
	"context"
	"io"
	"log"
	"reflect"
	"testing"

	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/command"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/document"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/engine"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/getters"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/history"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/rangeref"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/sheet"
)

type fixture struct {
	kernel *engine.Kernel
	cells  *Plugin
}

func newFixture(t *testing.T, doc document.Workbook) *fixture {
	t.Helper()
	registry := command.NewRegistry()
	for _, def := range append(sheet.Definitions(), Definitions()...) {
		if err := registry.Register(def); err != nil {
			t.Fatalf("register %s: %v", def.Type, err)
		}
	}
	tree := history.NewTree()
	logger := log.New(io.Discard, "", 0)
	ranges := rangeref.NewRegistry(logger)
	g := &getters.Getters{}
	sheets := sheet.New(tree, ranges)
	cells := New(tree, g)
	g.Sheets, g.Cells = sheets, cells
	if err := ranges.Register(Owner, cells); err != nil {
		t.Fatalf("register provider: %v", err)
	}
	kernel, err := engine.New(engine.Config{Commands: registry, Tree: tree, Headless: true, Logger: logger})
	if err != nil {
		t.Fatalf("new kernel: %v", err)
	}
	if err := kernel.RegisterCore(sheet.Owner, sheets); err != nil {
		t.Fatalf("register sheets: %v", err)
	}
	if err := kernel.RegisterCore(Owner, cells); err != nil {
		t.Fatalf("register cells: %v", err)
	}
	if err := kernel.Import(doc); err != nil {
		t.Fatalf("import: %v", err)
	}
	return &fixture{kernel: kernel, cells: cells}
}

func (f *fixture) dispatch(t *testing.T, typ command.Type, payload any) command.Result {
	t.Helper()
	out, err := f.kernel.Dispatch(context.Background(), command.MustNew(typ, payload))
	if err != nil {
		t.Fatalf("dispatch %s: %v", typ, err)
	}
	return out.Result
}

func twoSheets() document.Workbook {
	return document.Workbook{
		Version: document.Version,
		Sheets: []document.Sheet{
			{ID: "s1", Name: "Sheet1", Rows: 10, Cols: 5, Cells: map[string]string{"A1": "1", "C3": "=SUM(A1:C2)"}},
			{ID: "s2", Name: "Data Sheet", Rows: 10, Cols: 5, Cells: map[string]string{"B2": "='Data Sheet'!A1+Sheet1!B1"}},
		},
	}
}

func TestUpdateAndClear(t *testing.T) {
	f := newFixture(t, twoSheets())
	if result := f.dispatch(t, CommandUpdate, UpdatePayload{SheetID: "s1", Col: 1, Row: 1, Content: "hello"}); !result.IsSuccess() {
		t.Fatalf("update: %v", result)
	}
	if got := f.cells.Content("s1", 1, 1); got != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
	f.dispatch(t, CommandClear, ClearPayload{SheetID: "s1", Col: 1, Row: 1})
	if got := f.cells.Content("s1", 1, 1); got != "" {
		t.Fatalf("expected cleared cell, got %q", got)
	}
	if result := f.dispatch(t, CommandUpdate, UpdatePayload{SheetID: "s1", Col: 5, Row: 0, Content: "x"}); !result.IsRejectedBecause(RejectOutOfSheet) {
		t.Fatalf("expected out of sheet, got %v", result)
	}
	if result := f.dispatch(t, CommandClear, ClearPayload{SheetID: "nope"}); !result.IsRejectedBecause(RejectUnknownSheet) {
		t.Fatalf("expected unknown sheet, got %v", result)
	}
}

func TestRemoveColumnMovesCellsAndFormulas(t *testing.T) {
	f := newFixture(t, twoSheets())
	result := f.dispatch(t, sheet.CommandRemoveHeaders, sheet.RemoveHeadersPayload{SheetID: "s1", Dimension: rangeref.Columns, Elements: []int{1}})
	if !result.IsSuccess() {
		t.Fatalf("remove: %v", result)
	}
	if got := f.cells.CellNames("s1"); !reflect.DeepEqual(got, []string{"A1", "B3"}) {
		t.Fatalf("unexpected cells %v", got)
	}
	if got := f.cells.Content("s1", 1, 2); got != "=SUM(A1:B2)" {
		t.Fatalf("unexpected formula %q", got)
	}
	if got := f.cells.Content("s2", 1, 1); got != "='Data Sheet'!A1+#REF" {
		t.Fatalf("unexpected cross-sheet formula %q", got)
	}
}

func TestInsertRowsMovesCells(t *testing.T) {
	f := newFixture(t, twoSheets())
	f.dispatch(t, sheet.CommandInsertHeaders, sheet.InsertHeadersPayload{SheetID: "s1", Dimension: rangeref.Rows, Start: 1, Quantity: 2})
	if got := f.cells.CellNames("s1"); !reflect.DeepEqual(got, []string{"A1", "C5"}) {
		t.Fatalf("unexpected cells %v", got)
	}
	if got := f.cells.Content("s1", 2, 4); got != "=SUM(A1:C4)" {
		t.Fatalf("unexpected formula %q", got)
	}
}

func TestRenameAndDeleteSheetRewriteFormulas(t *testing.T) {
	f := newFixture(t, twoSheets())
	f.dispatch(t, sheet.CommandRename, sheet.RenamePayload{SheetID: "s2", Name: "Inputs"})
	if got := f.cells.Content("s2", 1, 1); got != "=Inputs!A1+Sheet1!B1" {
		t.Fatalf("unexpected renamed formula %q", got)
	}
	if result := f.dispatch(t, sheet.CommandDelete, sheet.DeletePayload{SheetID: "s1"}); !result.IsSuccess() {
		t.Fatalf("delete: %v", result)
	}
	if got := f.cells.Content("s2", 1, 1); got != "=Inputs!A1+#REF" {
		t.Fatalf("unexpected formula after delete %q", got)
	}
	if got := f.cells.CellNames("s1"); len(got) != 0 {
		t.Fatalf("expected cells of the deleted sheet dropped, got %v", got)
	}
}

func TestDuplicateCopiesCells(t *testing.T) {
	f := newFixture(t, twoSheets())
	f.dispatch(t, sheet.CommandDuplicate, sheet.DuplicatePayload{SheetID: "s1", SheetIDTo: "s3", Name: "Copy"})
	if got := f.cells.Content("s3", 2, 2); got != "=SUM(A1:C2)" {
		t.Fatalf("unexpected copied formula %q", got)
	}
	doc := f.kernel.Export()
	if copied := doc.Sheet("s3"); copied == nil || len(copied.Cells) != 2 {
		t.Fatalf("expected copied cells exported, got %+v", copied)
	}
}
