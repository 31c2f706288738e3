// Package selection keeps the local active sheet and selected zone. It is a
// UI plugin: its state is never recorded or replayed.
package selection

import (
	"fmt"

	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/cell"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/command"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/engine"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/getters"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/rangeref"
)

const (
	CommandActivateSheet command.Type = "ui.sheet.activate"
	CommandSetSelection  command.Type = "ui.selection.set"
	CommandDeleteContent command.Type = "ui.content.delete"
)

// Rejection codes.
const (
	RejectUnknownSheet   = "InvalidSheetId"
	RejectInvalidZone    = "InvalidZone"
	RejectInvalidPayload = "InvalidPayload"
)

// ActivatePayload switches the active sheet.
type ActivatePayload struct {
	SheetID string `json:"sheet_id"`
}

// SelectPayload selects a zone of the active sheet.
type SelectPayload struct {
	Zone rangeref.Zone `json:"zone"`
}

// Definitions lists the selection command types.
func Definitions() []command.Definition {
	return []command.Definition{
		{
			Type:   CommandActivateSheet,
			Scope:  command.ScopeUI,
			Schema: `{"type":"object","required":["sheet_id"],"properties":{"sheet_id":{"type":"string","minLength":1}}}`,
		},
		{
			Type:  CommandSetSelection,
			Scope: command.ScopeUI,
			Schema: `{"type":"object","required":["zone"],"properties":{"zone":{"type":"object",
				"required":["left","top","right","bottom"],
				"properties":{"left":{"type":"integer"},"top":{"type":"integer"},"right":{"type":"integer"},"bottom":{"type":"integer"}}}}}`,
		},
		{Type: CommandDeleteContent, Scope: command.ScopeUI},
	}
}

// Plugin implements getters.Selection.
type Plugin struct {
	engine.Base
	getters  *getters.Getters
	dispatch engine.Dispatcher
	active   string
	zone     rangeref.Zone
}

// New builds the selection plugin. dispatch must be the kernel's UI
// dispatcher so derived core commands are recorded.
func New(g *getters.Getters, dispatch engine.Dispatcher) *Plugin {
	return &Plugin{getters: g, dispatch: dispatch}
}

// ActiveSheetID returns the sheet the local user looks at.
func (p *Plugin) ActiveSheetID() string {
	return p.active
}

// Selection returns the selected zone of the active sheet.
func (p *Plugin) Selection() rangeref.Zone {
	return p.zone
}

// AllowDispatch validates sheet and zone targets.
func (p *Plugin) AllowDispatch(cmd command.Command) command.Result {
	switch cmd.Type() {
	case CommandActivateSheet:
		var payload ActivatePayload
		if err := cmd.Decode(&payload); err != nil {
			return command.Rejectf(RejectInvalidPayload, err.Error())
		}
		if _, ok := p.getters.Sheets.SheetName(payload.SheetID); !ok {
			return command.Rejectf(RejectUnknownSheet, fmt.Sprintf("sheet %s not found", payload.SheetID))
		}
	case CommandSetSelection:
		var payload SelectPayload
		if err := cmd.Decode(&payload); err != nil {
			return command.Rejectf(RejectInvalidPayload, err.Error())
		}
		rows, cols, ok := p.getters.Sheets.SheetSize(p.active)
		z := payload.Zone
		if !ok || !z.Valid() || z.Right == rangeref.Unbounded || z.Bottom == rangeref.Unbounded || z.Right >= cols || z.Bottom >= rows {
			return command.Rejectf(RejectInvalidZone, "selection must be inside the active sheet")
		}
	}
	return command.Success()
}

// Handle updates the selection. Deleting content clears every non-empty
// cell of the selection through core commands.
func (p *Plugin) Handle(cmd command.Command) {
	switch cmd.Type() {
	case CommandActivateSheet:
		var payload ActivatePayload
		if cmd.Decode(&payload) == nil && payload.SheetID != p.active {
			p.active = payload.SheetID
			p.zone = rangeref.CellZone(0, 0)
		}
	case CommandSetSelection:
		var payload SelectPayload
		if cmd.Decode(&payload) == nil {
			p.zone = payload.Zone
		}
	case CommandDeleteContent:
		for _, name := range p.getters.Cells.CellNames(p.active) {
			col, row, ok := rangeref.ParseCellName(name)
			if !ok || !p.zone.Contains(col, row) {
				continue
			}
			p.dispatch.Dispatch(command.MustNew(cell.CommandClear, cell.ClearPayload{SheetID: p.active, Col: col, Row: row}))
		}
	}
}

// Finalize keeps the active sheet and selection valid after structural
// changes, local or replayed.
func (p *Plugin) Finalize() {
	ids := p.getters.Sheets.SheetIDs()
	if len(ids) == 0 {
		p.active, p.zone = "", rangeref.Zone{}
		return
	}
	if _, ok := p.getters.Sheets.SheetName(p.active); !ok {
		p.active = ids[0]
		p.zone = rangeref.CellZone(0, 0)
	}
	rows, cols, _ := p.getters.Sheets.SheetSize(p.active)
	p.zone.Right = min(p.zone.Right, cols-1)
	p.zone.Bottom = min(p.zone.Bottom, rows-1)
	p.zone.Left = min(p.zone.Left, p.zone.Right)
	p.zone.Top = min(p.zone.Top, p.zone.Bottom)
}
