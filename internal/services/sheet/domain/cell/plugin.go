// Package cell stores raw cell content and keeps formula references in sync
// with structural changes.
package cell

import (
	"fmt"

	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/command"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/document"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/engine"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/getters"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/history"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/rangeref"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/sheet"
)

// Owner is the plugin's namespace in the state tree.
const Owner = "cells"

const (
	CommandUpdate command.Type = "cell.update"
	CommandClear  command.Type = "cell.clear"
)

// Rejection codes.
const (
	RejectUnknownSheet   = "InvalidSheetId"
	RejectOutOfSheet     = "TargetOutOfSheet"
	RejectInvalidPayload = "InvalidPayload"
)

// UpdatePayload sets the content of one cell. Empty content clears it.
type UpdatePayload struct {
	SheetID string `json:"sheet_id"`
	Col     int    `json:"col"`
	Row     int    `json:"row"`
	Content string `json:"content"`
}

// ClearPayload removes the content of one cell.
type ClearPayload struct {
	SheetID string `json:"sheet_id"`
	Col     int    `json:"col"`
	Row     int    `json:"row"`
}

// Definitions lists the cell command types.
func Definitions() []command.Definition {
	position := `"sheet_id":{"type":"string","minLength":1},
		"col":{"type":"integer","minimum":0},
		"row":{"type":"integer","minimum":0}`
	return []command.Definition{
		{
			Type:   CommandUpdate,
			Scope:  command.ScopeCore,
			Schema: `{"type":"object","required":["sheet_id","col","row","content"],"properties":{` + position + `,"content":{"type":"string"}}}`,
		},
		{
			Type:   CommandClear,
			Scope:  command.ScopeCore,
			Schema: `{"type":"object","required":["sheet_id","col","row"],"properties":{` + position + `}}`,
		},
	}
}

// Plugin stores cell content. It implements getters.Cells and
// rangeref.Provider.
type Plugin struct {
	engine.Base
	tree    *history.Tree
	getters *getters.Getters
}

// New builds the cell plugin.
func New(tree *history.Tree, g *getters.Getters) *Plugin {
	return &Plugin{tree: tree, getters: g}
}

// Content returns the raw content at col,row.
func (p *Plugin) Content(sheetID string, col, row int) string {
	value, _ := p.tree.Get(Owner, sheetID, rangeref.CellName(col, row))
	content, _ := value.(string)
	return content
}

// CellNames lists the non-empty cells of a sheet.
func (p *Plugin) CellNames(sheetID string) []string {
	return p.tree.Keys(Owner, sheetID)
}

func (p *Plugin) set(sheetID, name, content string) {
	if content == "" {
		p.tree.Update(Owner, history.Path{sheetID, name}, nil)
		return
	}
	p.tree.Update(Owner, history.Path{sheetID, name}, content)
}

// AllowDispatch checks the target cell lies inside its sheet.
func (p *Plugin) AllowDispatch(cmd command.Command) command.Result {
	switch cmd.Type() {
	case CommandUpdate, CommandClear:
		var target ClearPayload
		if err := cmd.Decode(&target); err != nil {
			return command.Rejectf(RejectInvalidPayload, err.Error())
		}
		rows, cols, ok := p.getters.Sheets.SheetSize(target.SheetID)
		if !ok {
			return command.Rejectf(RejectUnknownSheet, fmt.Sprintf("sheet %s not found", target.SheetID))
		}
		if target.Col >= cols || target.Row >= rows {
			return command.Rejectf(RejectOutOfSheet, fmt.Sprintf("%s is outside sheet %s", rangeref.CellName(target.Col, target.Row), target.SheetID))
		}
	}
	return command.Success()
}

// Handle applies cell commands and follows sheet structure changes.
func (p *Plugin) Handle(cmd command.Command) {
	switch cmd.Type() {
	case CommandUpdate:
		var payload UpdatePayload
		if cmd.Decode(&payload) == nil {
			p.set(payload.SheetID, rangeref.CellName(payload.Col, payload.Row), payload.Content)
		}
	case CommandClear:
		var payload ClearPayload
		if cmd.Decode(&payload) == nil {
			p.set(payload.SheetID, rangeref.CellName(payload.Col, payload.Row), "")
		}
	case sheet.CommandDelete:
		var payload sheet.DeletePayload
		if cmd.Decode(&payload) == nil {
			for _, name := range p.CellNames(payload.SheetID) {
				p.set(payload.SheetID, name, "")
			}
		}
	case sheet.CommandDuplicate:
		var payload sheet.DuplicatePayload
		if cmd.Decode(&payload) == nil {
			for _, name := range p.CellNames(payload.SheetID) {
				value, _ := p.tree.Get(Owner, payload.SheetID, name)
				content, _ := value.(string)
				p.set(payload.SheetIDTo, name, content)
			}
		}
	case sheet.CommandInsertHeaders:
		var payload sheet.InsertHeadersPayload
		if cmd.Decode(&payload) == nil {
			p.move(payload.SheetID, rangeref.InsertHeaders(payload.SheetID, payload.Dimension, payload.Start, payload.Quantity))
		}
	case sheet.CommandRemoveHeaders:
		var payload sheet.RemoveHeadersPayload
		if cmd.Decode(&payload) == nil {
			p.move(payload.SheetID, rangeref.RemoveHeaders(payload.SheetID, payload.Dimension, payload.Elements))
		}
	}
}

// move relocates cells through a header change. Every vacated key is cleared
// before any moved cell is written.
func (p *Plugin) move(sheetID string, change rangeref.Structural) {
	apply := rangeref.Revalidate(change.Apply)
	moved := make(map[string]string)
	var cleared []string
	for _, name := range p.CellNames(sheetID) {
		col, row, ok := rangeref.ParseCellName(name)
		if !ok {
			continue
		}
		out := apply(rangeref.FromZone(sheetID, rangeref.CellZone(col, row)))
		switch out.Kind {
		case rangeref.ChangeNone:
			continue
		case rangeref.ChangeRemove:
			cleared = append(cleared, name)
		default:
			value, _ := p.tree.Get(Owner, sheetID, name)
			content, _ := value.(string)
			cleared = append(cleared, name)
			moved[rangeref.CellName(out.Range.Zone.Left, out.Range.Zone.Top)] = content
		}
	}
	for _, name := range cleared {
		p.set(sheetID, name, "")
	}
	for name, content := range moved {
		p.set(sheetID, name, content)
	}
}

// AdaptRanges rewrites references inside formula cells.
func (p *Plugin) AdaptRanges(apply rangeref.ApplyChange, scope rangeref.Scope) {
	resolver := p.getters.Resolver()
	for _, sheetID := range p.tree.Keys(Owner) {
		for _, name := range p.CellNames(sheetID) {
			value, _ := p.tree.Get(Owner, sheetID, name)
			content, _ := value.(string)
			if !rangeref.IsFormula(content) {
				continue
			}
			var next string
			if scope.Rename != nil {
				next = rangeref.RenameInFormula(content, scope.Rename.Old, scope.Rename.New)
			} else {
				next = rangeref.AdaptFormula(content, sheetID, resolver, apply)
			}
			if next != content {
				p.set(sheetID, name, next)
			}
		}
	}
}

// Import loads the cells of every document sheet.
func (p *Plugin) Import(doc *document.Workbook) error {
	for _, s := range doc.Sheets {
		for name, content := range s.Cells {
			if _, _, ok := rangeref.ParseCellName(name); !ok {
				return fmt.Errorf("sheet %s: invalid cell name %q", s.ID, name)
			}
			p.set(s.ID, name, content)
		}
	}
	return nil
}

// Export writes the cells of every sheet.
func (p *Plugin) Export(doc *document.Workbook) {
	for i := range doc.Sheets {
		names := p.CellNames(doc.Sheets[i].ID)
		if len(names) == 0 {
			continue
		}
		cells := make(map[string]string, len(names))
		for _, name := range names {
			value, _ := p.tree.Get(Owner, doc.Sheets[i].ID, name)
			cells[name], _ = value.(string)
		}
		doc.Sheets[i].Cells = cells
	}
}
