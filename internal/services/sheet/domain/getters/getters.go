// Package getters defines the read-only capabilities plugins expose to each
// other and to callers outside the kernel.
package getters

import (
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/document"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/rangeref"
)

// Sheets exposes sheet identity, naming and size.
type Sheets interface {
	rangeref.Resolver
	SheetIDs() []string
	SheetSize(sheetID string) (rows, cols int, ok bool)
}

// Cells exposes raw cell content.
type Cells interface {
	Content(sheetID string, col, row int) string
	// CellNames lists the A1 names of non-empty cells, sorted.
	CellNames(sheetID string) []string
}

// Charts exposes chart figures with ranges rendered as text.
type Charts interface {
	Chart(figureID string) (document.Chart, bool)
	ChartSheet(figureID string) (string, bool)
	ChartIDs(sheetID string) []string
}

// Formats exposes conditional format rules.
type Formats interface {
	Formats(sheetID string) []document.Format
}

// Validations exposes data validation rules.
type Validations interface {
	Validations(sheetID string) []document.Validation
	ValidationAt(sheetID string, col, row int) (document.Validation, bool)
}

// Selection exposes the local view state.
type Selection interface {
	ActiveSheetID() string
	Selection() rangeref.Zone
}

// Position is a cell on a sheet.
type Position struct {
	SheetID string `json:"sheet_id"`
	Col     int    `json:"col"`
	Row     int    `json:"row"`
}

// Collaborator is a remote client and where it is looking.
type Collaborator struct {
	ClientID string   `json:"client_id"`
	Name     string   `json:"name"`
	Position Position `json:"position"`
}

// Collaborators exposes remote clients present on the workbook.
type Collaborators interface {
	Collaborators() []Collaborator
}

// Getters is the facade handed to every plugin. Fields are assigned once when
// the workbook is assembled; UI capabilities are nil on headless workbooks.
type Getters struct {
	Sheets        Sheets
	Cells         Cells
	Charts        Charts
	Formats       Formats
	Validations   Validations
	Selection     Selection
	Collaborators Collaborators
}

// Resolver returns the sheet resolver, or nil before sheets are wired.
func (g *Getters) Resolver() rangeref.Resolver {
	if g == nil || g.Sheets == nil {
		return nil
	}
	return g.Sheets
}
