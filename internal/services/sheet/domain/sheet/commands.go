// Package sheet owns the sheet list and header sizes, and drives the range
// adaptation sweep for every structural command.
package sheet

import (
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/command"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/rangeref"
)

const (
	CommandCreate        command.Type = "sheet.create"
	CommandDelete        command.Type = "sheet.delete"
	CommandRename        command.Type = "sheet.rename"
	CommandDuplicate     command.Type = "sheet.duplicate"
	CommandInsertHeaders command.Type = "sheet.insert_headers"
	CommandRemoveHeaders command.Type = "sheet.remove_headers"
)

// Rejection codes.
const (
	RejectMissingName     = "MissingSheetName"
	RejectDuplicateName   = "DuplicatedSheetName"
	RejectDuplicateID     = "DuplicatedSheetId"
	RejectUnknownSheet    = "InvalidSheetId"
	RejectLastSheet       = "NotEnoughSheets"
	RejectInvalidHeader   = "InvalidHeaderIndex"
	RejectTooManyHeaders  = "NotEnoughElements"
	RejectInvalidQuantity = "InvalidQuantity"
	RejectInvalidPayload  = "InvalidPayload"
)

// Default size of a created sheet.
const (
	DefaultRows = 100
	DefaultCols = 26
)

// CreatePayload adds a sheet at Position in the sheet order.
type CreatePayload struct {
	SheetID  string `json:"sheet_id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
	Rows     int    `json:"rows,omitempty"`
	Cols     int    `json:"cols,omitempty"`
}

// DeletePayload removes a sheet. Name carries the deleted sheet's name so
// replayed text references can still be resolved.
type DeletePayload struct {
	SheetID string `json:"sheet_id"`
	Name    string `json:"name,omitempty"`
}

// RenamePayload renames a sheet.
type RenamePayload struct {
	SheetID string `json:"sheet_id"`
	Name    string `json:"name"`
	OldName string `json:"old_name,omitempty"`
}

// DuplicatePayload copies a sheet and everything on it under SheetIDTo.
type DuplicatePayload struct {
	SheetID   string `json:"sheet_id"`
	SheetIDTo string `json:"sheet_id_to"`
	Name      string `json:"name"`
}

// InsertHeadersPayload inserts Quantity headers so the first new one sits at
// index Start.
type InsertHeadersPayload struct {
	SheetID   string             `json:"sheet_id"`
	Dimension rangeref.Dimension `json:"dimension"`
	Start     int                `json:"start"`
	Quantity  int                `json:"quantity"`
}

// RemoveHeadersPayload deletes the headers at Elements.
type RemoveHeadersPayload struct {
	SheetID   string             `json:"sheet_id"`
	Dimension rangeref.Dimension `json:"dimension"`
	Elements  []int              `json:"elements"`
}

const dimensionSchema = `{"type":"string","enum":["COL","ROW"]}`

// Definitions lists the sheet command types.
func Definitions() []command.Definition {
	return []command.Definition{
		{
			Type:  CommandCreate,
			Scope: command.ScopeCore,
			Schema: `{"type":"object","required":["sheet_id","name"],"properties":{
				"sheet_id":{"type":"string","minLength":1},
				"name":{"type":"string"},
				"position":{"type":"integer","minimum":0},
				"rows":{"type":"integer","minimum":0},
				"cols":{"type":"integer","minimum":0}}}`,
		},
		{
			Type:  CommandDelete,
			Scope: command.ScopeCore,
			Schema: `{"type":"object","required":["sheet_id"],"properties":{
				"sheet_id":{"type":"string","minLength":1},
				"name":{"type":"string"}}}`,
		},
		{
			Type:  CommandRename,
			Scope: command.ScopeCore,
			Schema: `{"type":"object","required":["sheet_id","name"],"properties":{
				"sheet_id":{"type":"string","minLength":1},
				"name":{"type":"string"},
				"old_name":{"type":"string"}}}`,
		},
		{
			Type:  CommandDuplicate,
			Scope: command.ScopeCore,
			Schema: `{"type":"object","required":["sheet_id","sheet_id_to","name"],"properties":{
				"sheet_id":{"type":"string","minLength":1},
				"sheet_id_to":{"type":"string","minLength":1},
				"name":{"type":"string"}}}`,
		},
		{
			Type:  CommandInsertHeaders,
			Scope: command.ScopeCore,
			Schema: `{"type":"object","required":["sheet_id","dimension","start","quantity"],"properties":{
				"sheet_id":{"type":"string","minLength":1},
				"dimension":` + dimensionSchema + `,
				"start":{"type":"integer","minimum":0},
				"quantity":{"type":"integer"}}}`,
		},
		{
			Type:  CommandRemoveHeaders,
			Scope: command.ScopeCore,
			Schema: `{"type":"object","required":["sheet_id","dimension","elements"],"properties":{
				"sheet_id":{"type":"string","minLength":1},
				"dimension":` + dimensionSchema + `,
				"elements":{"type":"array","items":{"type":"integer","minimum":0}}}}`,
		},
	}
}

// Change derives the structural change a command implies. Rename relies on
// the payload's old name.
func Change(cmd command.Command) (rangeref.Structural, bool) {
	switch cmd.Type() {
	case CommandInsertHeaders:
		var p InsertHeadersPayload
		if cmd.Decode(&p) != nil {
			return rangeref.Structural{}, false
		}
		return rangeref.InsertHeaders(p.SheetID, p.Dimension, p.Start, p.Quantity), true
	case CommandRemoveHeaders:
		var p RemoveHeadersPayload
		if cmd.Decode(&p) != nil {
			return rangeref.Structural{}, false
		}
		return rangeref.RemoveHeaders(p.SheetID, p.Dimension, p.Elements), true
	case CommandDelete:
		var p DeletePayload
		if cmd.Decode(&p) != nil {
			return rangeref.Structural{}, false
		}
		return rangeref.DeleteSheet(p.SheetID), true
	case CommandRename:
		var p RenamePayload
		if cmd.Decode(&p) != nil || p.OldName == "" {
			return rangeref.Structural{}, false
		}
		return rangeref.RenameSheet(p.SheetID, p.OldName, p.Name), true
	}
	return rangeref.Structural{}, false
}

// Inverse returns the commands that revert cmd's structure. Deletions have
// no structural inverse.
func Inverse(cmd command.Command) []command.Command {
	switch cmd.Type() {
	case CommandCreate:
		var p CreatePayload
		if cmd.Decode(&p) != nil {
			return nil
		}
		return []command.Command{command.MustNew(CommandDelete, DeletePayload{SheetID: p.SheetID, Name: p.Name})}
	case CommandDuplicate:
		var p DuplicatePayload
		if cmd.Decode(&p) != nil {
			return nil
		}
		return []command.Command{command.MustNew(CommandDelete, DeletePayload{SheetID: p.SheetIDTo, Name: p.Name})}
	case CommandRename:
		var p RenamePayload
		if cmd.Decode(&p) != nil || p.OldName == "" {
			return nil
		}
		return []command.Command{command.MustNew(CommandRename, RenamePayload{SheetID: p.SheetID, Name: p.OldName, OldName: p.Name})}
	case CommandInsertHeaders:
		var p InsertHeadersPayload
		if cmd.Decode(&p) != nil || p.Quantity <= 0 {
			return nil
		}
		elements := make([]int, 0, p.Quantity)
		for i := 0; i < p.Quantity; i++ {
			elements = append(elements, p.Start+i)
		}
		return []command.Command{command.MustNew(CommandRemoveHeaders, RemoveHeadersPayload{
			SheetID: p.SheetID, Dimension: p.Dimension, Elements: elements,
		})}
	case CommandRemoveHeaders:
		var p RemoveHeadersPayload
		if cmd.Decode(&p) != nil {
			return nil
		}
		// Re-inserting contiguous groups in ascending order restores every
		// original index.
		var out []command.Command
		elements := rangeref.SortedUnique(p.Elements)
		for i := 0; i < len(elements); {
			j := i
			for j+1 < len(elements) && elements[j+1] == elements[j]+1 {
				j++
			}
			out = append(out, command.MustNew(CommandInsertHeaders, InsertHeadersPayload{
				SheetID: p.SheetID, Dimension: p.Dimension, Start: elements[i], Quantity: j - i + 1,
			}))
			i = j + 1
		}
		return out
	}
	return nil
}

// Complete fills the names a command carries for replay on other clients:
// the previous name of a renamed sheet and the name of a deleted sheet.
// Commands that already carry them are returned unchanged.
func Complete(cmd command.Command, sheets rangeref.Resolver) command.Command {
	if sheets == nil {
		return cmd
	}
	switch cmd.Type() {
	case CommandRename:
		var p RenamePayload
		if cmd.Decode(&p) != nil || p.OldName != "" {
			return cmd
		}
		if name, ok := sheets.SheetName(p.SheetID); ok {
			p.OldName = name
			return command.MustNew(CommandRename, p)
		}
	case CommandDelete:
		var p DeletePayload
		if cmd.Decode(&p) != nil || p.Name != "" {
			return cmd
		}
		if name, ok := sheets.SheetName(p.SheetID); ok {
			p.Name = name
			return command.MustNew(CommandDelete, p)
		}
	}
	return cmd
}
