package workbook

import (
	"log"
	"maps"
	"slices"

	"github.com/tidwall/gjson"

	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/cell"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/chart"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/command"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/format"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/getters"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/ovt"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/rangeref"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/sheet"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/validation"
)

// sheetScoped are the command types that target one existing sheet and
// become meaningless once it is deleted.
var sheetScoped = []command.Type{
	sheet.CommandDelete,
	sheet.CommandRename,
	sheet.CommandDuplicate,
	sheet.CommandInsertHeaders,
	sheet.CommandRemoveHeaders,
	cell.CommandUpdate,
	cell.CommandClear,
	chart.CommandCreate,
	chart.CommandUpdate,
	chart.CommandDeleteFigure,
	format.CommandAdd,
	format.CommandRemove,
	validation.CommandAdd,
	validation.CommandRemove,
}

type textPath struct {
	path string
	fn   ovt.TextFunc
}

var textPaths = map[command.Type][]textPath{
	cell.CommandUpdate:    {{"content", ovt.FormulaText}},
	chart.CommandCreate:   {{"data_sets", ovt.RangeText}, {"label_range", ovt.RangeText}},
	chart.CommandUpdate:   {{"data_sets", ovt.RangeText}, {"label_range", ovt.RangeText}},
	format.CommandAdd:     {{"ranges", ovt.RangeText}, {"formula", ovt.FormulaText}},
	validation.CommandAdd: {{"ranges", ovt.RangeText}, {"values", ovt.FormulaText}},
}

func newTransforms(g *getters.Getters, logger *log.Logger) (*ovt.Registry, error) {
	registry := ovt.NewRegistry(ovt.Config{
		Change:  sheet.Change,
		Inverse: sheet.Inverse,
		Getters: g,
		Logger:  logger,
	})
	for _, t := range sheetScoped {
		if err := registry.Register(t, dropOnSheetDelete); err != nil {
			return nil, err
		}
	}
	for _, t := range []command.Type{cell.CommandUpdate, cell.CommandClear} {
		if err := registry.Register(t, moveCell); err != nil {
			return nil, err
		}
	}
	if err := registry.Register(sheet.CommandInsertHeaders, shiftInsert); err != nil {
		return nil, err
	}
	if err := registry.Register(sheet.CommandRemoveHeaders, shiftRemove); err != nil {
		return nil, err
	}
	if err := registry.Register(sheet.CommandRename, followRename); err != nil {
		return nil, err
	}
	for _, t := range slices.Sorted(maps.Keys(textPaths)) {
		for _, p := range textPaths[t] {
			if err := registry.RegisterText(t, p.path, p.fn); err != nil {
				return nil, err
			}
		}
	}
	return registry, nil
}

func sheetID(cmd command.Command) string {
	return gjson.GetBytes(cmd.Payload(), "sheet_id").String()
}

func dropOnSheetDelete(cmd command.Command, ctx ovt.Context) (command.Command, bool) {
	if ctx.Executed.Type() != sheet.CommandDelete {
		return cmd, true
	}
	return cmd, sheetID(ctx.Executed) != sheetID(cmd)
}

// moveCell follows the cell a cell command targets through header changes.
func moveCell(cmd command.Command, ctx ovt.Context) (command.Command, bool) {
	if !ctx.HasChange || ctx.Change.Rename != nil {
		return cmd, true
	}
	var target cell.ClearPayload
	if cmd.Decode(&target) != nil {
		return cmd, true
	}
	r := rangeref.FromZone(target.SheetID, rangeref.CellZone(target.Col, target.Row))
	out := rangeref.Revalidate(ctx.Change.Apply)(r)
	switch out.Kind {
	case rangeref.ChangeRemove:
		return command.Command{}, false
	case rangeref.ChangeNone:
		return cmd, true
	}
	col, row := out.Range.Zone.Left, out.Range.Zone.Top
	if col == target.Col && row == target.Row {
		return cmd, true
	}
	switch cmd.Type() {
	case cell.CommandUpdate:
		var p cell.UpdatePayload
		if cmd.Decode(&p) != nil {
			return cmd, true
		}
		p.Col, p.Row = col, row
		return command.MustNew(cmd.Type(), p), true
	default:
		return command.MustNew(cmd.Type(), cell.ClearPayload{SheetID: target.SheetID, Col: col, Row: row}), true
	}
}

// sameAxis decodes the executed header command when it changes the same
// sheet and dimension as cmd.
func sameAxis(executed command.Command, sheetID string, dim rangeref.Dimension) (insert *sheet.InsertHeadersPayload, remove *sheet.RemoveHeadersPayload) {
	switch executed.Type() {
	case sheet.CommandInsertHeaders:
		var p sheet.InsertHeadersPayload
		if executed.Decode(&p) == nil && p.SheetID == sheetID && p.Dimension == dim {
			return &p, nil
		}
	case sheet.CommandRemoveHeaders:
		var p sheet.RemoveHeadersPayload
		if executed.Decode(&p) == nil && p.SheetID == sheetID && p.Dimension == dim {
			return nil, &p
		}
	}
	return nil, nil
}

func shiftInsert(cmd command.Command, ctx ovt.Context) (command.Command, bool) {
	var p sheet.InsertHeadersPayload
	if cmd.Decode(&p) != nil {
		return cmd, true
	}
	inserted, removed := sameAxis(ctx.Executed, p.SheetID, p.Dimension)
	switch {
	case inserted != nil:
		if inserted.Start > p.Start {
			return cmd, true
		}
		p.Start += inserted.Quantity
	case removed != nil:
		before := 0
		for _, e := range rangeref.SortedUnique(removed.Elements) {
			if e < p.Start {
				before++
			}
		}
		if before == 0 {
			return cmd, true
		}
		p.Start -= before
	default:
		return cmd, true
	}
	return command.MustNew(cmd.Type(), p), true
}

func shiftRemove(cmd command.Command, ctx ovt.Context) (command.Command, bool) {
	var p sheet.RemoveHeadersPayload
	if cmd.Decode(&p) != nil {
		return cmd, true
	}
	inserted, removed := sameAxis(ctx.Executed, p.SheetID, p.Dimension)
	var elements []int
	switch {
	case inserted != nil:
		for _, e := range p.Elements {
			if e >= inserted.Start {
				e += inserted.Quantity
			}
			elements = append(elements, e)
		}
	case removed != nil:
		gone := rangeref.SortedUnique(removed.Elements)
		for _, e := range p.Elements {
			if slices.Contains(gone, e) {
				continue
			}
			before := 0
			for _, g := range gone {
				if g < e {
					before++
				}
			}
			elements = append(elements, e-before)
		}
		if len(elements) == 0 {
			return command.Command{}, false
		}
	default:
		return cmd, true
	}
	if slices.Equal(elements, p.Elements) {
		return cmd, true
	}
	p.Elements = elements
	return command.MustNew(cmd.Type(), p), true
}

// followRename keeps the previous name of a rename in line with a concurrent
// rename of the same sheet.
func followRename(cmd command.Command, ctx ovt.Context) (command.Command, bool) {
	if ctx.Executed.Type() != sheet.CommandRename {
		return cmd, true
	}
	var executed, p sheet.RenamePayload
	if ctx.Executed.Decode(&executed) != nil || cmd.Decode(&p) != nil || executed.SheetID != p.SheetID {
		return cmd, true
	}
	if p.OldName == executed.Name {
		return cmd, true
	}
	p.OldName = executed.Name
	return command.MustNew(cmd.Type(), p), true
}
