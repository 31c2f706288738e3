package sheet

import (
	"fmt"
	"strings"

	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/command"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/document"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/engine"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/history"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/rangeref"
)

// Owner is the plugin's namespace in the state tree.
const Owner = "sheets"

const (
	keyOrder  = "order"
	keySheets = "sheets"
)

// Record is the stored state of one sheet.
type Record struct {
	Name string
	Rows int
	Cols int
}

// Plugin owns sheets. It implements getters.Sheets.
type Plugin struct {
	engine.Base
	tree   *history.Tree
	ranges *rangeref.Registry
}

// New builds the sheet plugin. Structural commands sweep ranges.
func New(tree *history.Tree, ranges *rangeref.Registry) *Plugin {
	return &Plugin{tree: tree, ranges: ranges}
}

// SheetIDs returns sheet ids in display order.
func (p *Plugin) SheetIDs() []string {
	value, ok := p.tree.Get(Owner, keyOrder)
	if !ok {
		return nil
	}
	order, _ := value.([]string)
	return append([]string(nil), order...)
}

// SheetName returns the name of sheetID.
func (p *Plugin) SheetName(sheetID string) (string, bool) {
	rec, ok := p.record(sheetID)
	return rec.Name, ok
}

// SheetIDByName resolves a sheet name case-insensitively.
func (p *Plugin) SheetIDByName(name string) (string, bool) {
	name = strings.TrimSpace(name)
	for _, id := range p.SheetIDs() {
		if rec, ok := p.record(id); ok && rangeref.SameSheetName(rec.Name, name) {
			return id, true
		}
	}
	return "", false
}

// SheetSize returns the header counts of sheetID.
func (p *Plugin) SheetSize(sheetID string) (int, int, bool) {
	rec, ok := p.record(sheetID)
	return rec.Rows, rec.Cols, ok
}

func (p *Plugin) record(sheetID string) (Record, bool) {
	value, ok := p.tree.Get(Owner, keySheets, sheetID)
	if !ok {
		return Record{}, false
	}
	rec, ok := value.(Record)
	return rec, ok
}

func (p *Plugin) setRecord(sheetID string, rec *Record) {
	if rec == nil {
		p.tree.Update(Owner, history.Path{keySheets, sheetID}, nil)
		return
	}
	p.tree.Update(Owner, history.Path{keySheets, sheetID}, *rec)
}

func (p *Plugin) setOrder(order []string) {
	if len(order) == 0 {
		p.tree.Update(Owner, history.Path{keyOrder}, nil)
		return
	}
	p.tree.Update(Owner, history.Path{keyOrder}, order)
}

// AllowDispatch validates sheet commands against the current sheets.
func (p *Plugin) AllowDispatch(cmd command.Command) command.Result {
	switch cmd.Type() {
	case CommandCreate:
		var payload CreatePayload
		if err := cmd.Decode(&payload); err != nil {
			return command.Rejectf(RejectInvalidPayload, err.Error())
		}
		if _, exists := p.record(payload.SheetID); exists {
			return command.Rejectf(RejectDuplicateID, fmt.Sprintf("sheet %s already exists", payload.SheetID))
		}
		return p.checkName(payload.Name, "")
	case CommandDelete:
		var payload DeletePayload
		if err := cmd.Decode(&payload); err != nil {
			return command.Rejectf(RejectInvalidPayload, err.Error())
		}
		if result := p.checkSheet(payload.SheetID); !result.IsSuccess() {
			return result
		}
		if len(p.SheetIDs()) <= 1 {
			return command.Rejectf(RejectLastSheet, "a workbook needs at least one sheet")
		}
	case CommandRename:
		var payload RenamePayload
		if err := cmd.Decode(&payload); err != nil {
			return command.Rejectf(RejectInvalidPayload, err.Error())
		}
		if result := p.checkSheet(payload.SheetID); !result.IsSuccess() {
			return result
		}
		return p.checkName(payload.Name, payload.SheetID)
	case CommandDuplicate:
		var payload DuplicatePayload
		if err := cmd.Decode(&payload); err != nil {
			return command.Rejectf(RejectInvalidPayload, err.Error())
		}
		if result := p.checkSheet(payload.SheetID); !result.IsSuccess() {
			return result
		}
		if _, exists := p.record(payload.SheetIDTo); exists {
			return command.Rejectf(RejectDuplicateID, fmt.Sprintf("sheet %s already exists", payload.SheetIDTo))
		}
		return p.checkName(payload.Name, "")
	case CommandInsertHeaders:
		var payload InsertHeadersPayload
		if err := cmd.Decode(&payload); err != nil {
			return command.Rejectf(RejectInvalidPayload, err.Error())
		}
		rec, ok := p.record(payload.SheetID)
		if !ok {
			return command.Rejectf(RejectUnknownSheet, fmt.Sprintf("sheet %s not found", payload.SheetID))
		}
		if payload.Quantity <= 0 {
			return command.Rejectf(RejectInvalidQuantity, "quantity must be positive")
		}
		if payload.Start < 0 || payload.Start > headerCount(rec, payload.Dimension) {
			return command.Rejectf(RejectInvalidHeader, fmt.Sprintf("header %d is out of bounds", payload.Start))
		}
	case CommandRemoveHeaders:
		var payload RemoveHeadersPayload
		if err := cmd.Decode(&payload); err != nil {
			return command.Rejectf(RejectInvalidPayload, err.Error())
		}
		rec, ok := p.record(payload.SheetID)
		if !ok {
			return command.Rejectf(RejectUnknownSheet, fmt.Sprintf("sheet %s not found", payload.SheetID))
		}
		count := headerCount(rec, payload.Dimension)
		elements := rangeref.SortedUnique(payload.Elements)
		if len(elements) == 0 {
			return command.Rejectf(RejectInvalidQuantity, "no header to remove")
		}
		if elements[0] < 0 || elements[len(elements)-1] >= count {
			return command.Rejectf(RejectInvalidHeader, "header index is out of bounds")
		}
		if len(elements) >= count {
			return command.Rejectf(RejectTooManyHeaders, "cannot remove every header")
		}
	}
	return command.Success()
}

func (p *Plugin) checkSheet(sheetID string) command.Result {
	if _, ok := p.record(sheetID); !ok {
		return command.Rejectf(RejectUnknownSheet, fmt.Sprintf("sheet %s not found", sheetID))
	}
	return command.Success()
}

// checkName rejects empty names and names already used by another sheet.
func (p *Plugin) checkName(name, sheetID string) command.Result {
	if strings.TrimSpace(name) == "" {
		return command.Rejectf(RejectMissingName, "sheet name is required")
	}
	if id, ok := p.SheetIDByName(name); ok && id != sheetID {
		return command.Rejectf(RejectDuplicateName, fmt.Sprintf("sheet name %q is taken", name))
	}
	return command.Success()
}

// Handle applies sheet commands. Structural commands sweep every range
// provider before the sheet itself changes, so providers still resolve the
// old names and sizes.
func (p *Plugin) Handle(cmd command.Command) {
	switch cmd.Type() {
	case CommandCreate:
		var payload CreatePayload
		if cmd.Decode(&payload) != nil {
			return
		}
		rows, cols := payload.Rows, payload.Cols
		if rows == 0 {
			rows = DefaultRows
		}
		if cols == 0 {
			cols = DefaultCols
		}
		p.setRecord(payload.SheetID, &Record{Name: strings.TrimSpace(payload.Name), Rows: rows, Cols: cols})
		p.setOrder(insertAt(p.SheetIDs(), payload.Position, payload.SheetID))
	case CommandDelete:
		var payload DeletePayload
		if cmd.Decode(&payload) != nil {
			return
		}
		p.ranges.Sweep(rangeref.DeleteSheet(payload.SheetID))
		p.setRecord(payload.SheetID, nil)
		p.setOrder(without(p.SheetIDs(), payload.SheetID))
	case CommandRename:
		var payload RenamePayload
		if cmd.Decode(&payload) != nil {
			return
		}
		rec, _ := p.record(payload.SheetID)
		name := strings.TrimSpace(payload.Name)
		p.ranges.Sweep(rangeref.RenameSheet(payload.SheetID, rec.Name, name))
		rec.Name = name
		p.setRecord(payload.SheetID, &rec)
	case CommandDuplicate:
		var payload DuplicatePayload
		if cmd.Decode(&payload) != nil {
			return
		}
		rec, _ := p.record(payload.SheetID)
		rec.Name = strings.TrimSpace(payload.Name)
		p.setRecord(payload.SheetIDTo, &rec)
		order := p.SheetIDs()
		p.setOrder(insertAt(order, indexOf(order, payload.SheetID)+1, payload.SheetIDTo))
	case CommandInsertHeaders:
		var payload InsertHeadersPayload
		if cmd.Decode(&payload) != nil {
			return
		}
		p.ranges.Sweep(rangeref.InsertHeaders(payload.SheetID, payload.Dimension, payload.Start, payload.Quantity))
		p.resize(payload.SheetID, payload.Dimension, payload.Quantity)
	case CommandRemoveHeaders:
		var payload RemoveHeadersPayload
		if cmd.Decode(&payload) != nil {
			return
		}
		p.ranges.Sweep(rangeref.RemoveHeaders(payload.SheetID, payload.Dimension, payload.Elements))
		p.resize(payload.SheetID, payload.Dimension, -len(rangeref.SortedUnique(payload.Elements)))
	}
}

func (p *Plugin) resize(sheetID string, dim rangeref.Dimension, delta int) {
	rec, ok := p.record(sheetID)
	if !ok {
		return
	}
	if dim == rangeref.Columns {
		rec.Cols += delta
	} else {
		rec.Rows += delta
	}
	p.setRecord(sheetID, &rec)
}

// Import loads the sheets of doc. An empty document gets the default sheet.
func (p *Plugin) Import(doc *document.Workbook) error {
	if len(doc.Sheets) == 0 {
		*doc = document.Default()
	}
	order := make([]string, 0, len(doc.Sheets))
	for _, s := range doc.Sheets {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("sheet id is required")
		}
		if _, exists := p.record(s.ID); exists {
			return fmt.Errorf("duplicate sheet id %s", s.ID)
		}
		if id, taken := p.SheetIDByName(s.Name); taken {
			return fmt.Errorf("sheet name %q is used by %s", s.Name, id)
		}
		p.setRecord(s.ID, &Record{Name: s.Name, Rows: s.Rows, Cols: s.Cols})
		order = append(order, s.ID)
		p.setOrder(order)
	}
	return nil
}

// Export writes one document sheet per sheet, in order.
func (p *Plugin) Export(doc *document.Workbook) {
	for _, id := range p.SheetIDs() {
		rec, _ := p.record(id)
		doc.Sheets = append(doc.Sheets, document.Sheet{ID: id, Name: rec.Name, Rows: rec.Rows, Cols: rec.Cols})
	}
}

func headerCount(rec Record, dim rangeref.Dimension) int {
	if dim == rangeref.Columns {
		return rec.Cols
	}
	return rec.Rows
}

func insertAt(order []string, position int, id string) []string {
	if position < 0 || position > len(order) {
		position = len(order)
	}
	out := make([]string, 0, len(order)+1)
	out = append(out, order[:position]...)
	out = append(out, id)
	return append(out, order[position:]...)
}

func without(order []string, id string) []string {
	out := make([]string, 0, len(order))
	for _, existing := range order {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

func indexOf(order []string, id string) int {
	for i, existing := range order {
		if existing == id {
			return i
		}
	}
	return len(order) - 1
}
