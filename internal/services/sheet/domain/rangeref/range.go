package rangeref

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
)

// InvalidText is the serialization of any unresolvable reference.
const InvalidText = "#REF"

// Resolver maps sheet names to ids and back.
type Resolver interface {
	SheetIDByName(name string) (string, bool)
	SheetName(sheetID string) (string, bool)
}

// Part carries the absolute ($) flags of one range endpoint.
type Part struct {
	ColFixed bool `json:"col_fixed,omitempty"`
	RowFixed bool `json:"row_fixed,omitempty"`
}

// Range is an immutable reference to a zone of one sheet. Adaptation always
// returns a new value.
type Range struct {
	SheetID     string  `json:"sheet_id"`
	Zone        Zone    `json:"zone"`
	Parts       [2]Part `json:"parts"`
	PrefixSheet bool    `json:"prefix_sheet,omitempty"`
	Invalid     bool    `json:"invalid,omitempty"`
}

// FromZone builds a relative range without sheet prefix.
func FromZone(sheetID string, zone Zone) Range {
	return Range{SheetID: sheetID, Zone: zone}
}

// WithZone returns a copy of r covering zone.
func (r Range) WithZone(zone Zone) Range {
	r.Zone = zone
	return r
}

// WithSheet returns a copy of r pointing at sheetID.
func (r Range) WithSheet(sheetID string) Range {
	r.SheetID = sheetID
	return r
}

type partKind int

const (
	partCell partKind = iota
	partColumn
	partRow
)

var (
	partPattern    = regexp.MustCompile(`^(\$?)([A-Za-z]{1,3})?(\$?)([0-9]+)?$`)
	plainSheetName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)
	nameFolder     = cases.Fold()
)

// SameSheetName compares sheet names case-insensitively.
func SameSheetName(a, b string) bool {
	return nameFolder.String(a) == nameFolder.String(b)
}

// FoldSheetName returns the case-folded key of a sheet name.
func FoldSheetName(name string) string {
	return nameFolder.String(strings.TrimSpace(name))
}

// QuoteSheetName quotes a sheet name when it cannot appear bare in a reference.
func QuoteSheetName(name string) string {
	if plainSheetName.MatchString(name) {
		return name
	}
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}

// Parse resolves A1 text, optionally sheet-prefixed, against defaultSheetID.
// It never fails: malformed or unresolvable text yields an invalid Range.
func Parse(defaultSheetID, text string, resolver Resolver) Range {
	sheetName, hasSheet, body := splitReference(strings.TrimSpace(text))
	sheetID := defaultSheetID
	if hasSheet {
		if resolver == nil {
			return Range{Invalid: true}
		}
		id, ok := resolver.SheetIDByName(sheetName)
		if !ok {
			return Range{Invalid: true}
		}
		sheetID = id
	}
	zone, parts, ok := parseBody(body)
	if !ok || sheetID == "" {
		return Range{Invalid: true}
	}
	return Range{SheetID: sheetID, Zone: zone, Parts: parts, PrefixSheet: hasSheet}
}

// Text serializes r as displayed from displayedSheetID.
func (r Range) Text(displayedSheetID string, resolver Resolver) string {
	if r.Invalid || !r.Zone.Valid() {
		return InvalidText
	}
	prefix := ""
	if r.PrefixSheet || r.SheetID != displayedSheetID {
		if resolver == nil {
			return InvalidText
		}
		name, ok := resolver.SheetName(r.SheetID)
		if !ok {
			return InvalidText
		}
		prefix = QuoteSheetName(name) + "!"
	}
	return prefix + zoneText(r.Zone, r.Parts)
}

func zoneText(z Zone, parts [2]Part) string {
	switch {
	case z.FullColumns():
		return colText(z.Left, parts[0].ColFixed) + ":" + colText(z.Right, parts[1].ColFixed)
	case z.FullRows():
		return rowText(z.Top, parts[0].RowFixed) + ":" + rowText(z.Bottom, parts[1].RowFixed)
	}
	first := colText(z.Left, parts[0].ColFixed) + rowText(z.Top, parts[0].RowFixed)
	if z.Left == z.Right && z.Top == z.Bottom && parts[0] == parts[1] {
		return first
	}
	return first + ":" + colText(z.Right, parts[1].ColFixed) + rowText(z.Bottom, parts[1].RowFixed)
}

func colText(col int, fixed bool) string {
	if fixed {
		return "$" + ColumnName(col)
	}
	return ColumnName(col)
}

func rowText(row int, fixed bool) string {
	if fixed {
		return "$" + strconv.Itoa(row+1)
	}
	return strconv.Itoa(row + 1)
}

// splitReference separates an optional sheet prefix from the zone body.
func splitReference(text string) (sheet string, hasSheet bool, body string) {
	if strings.HasPrefix(text, "'") {
		for i := 1; i < len(text); i++ {
			if text[i] != '\'' {
				continue
			}
			if i+1 < len(text) && text[i+1] == '\'' {
				i++
				continue
			}
			if i+1 < len(text) && text[i+1] == '!' {
				return strings.ReplaceAll(text[1:i], "''", "'"), true, text[i+2:]
			}
			return "", false, text
		}
		return "", false, text
	}
	if idx := strings.LastIndex(text, "!"); idx >= 0 {
		return text[:idx], true, text[idx+1:]
	}
	return "", false, text
}

func parseBody(body string) (Zone, [2]Part, bool) {
	var parts [2]Part
	left, right, found := strings.Cut(body, ":")
	first, firstParts, firstKind, ok := parsePart(left)
	if !ok {
		return Zone{}, parts, false
	}
	parts[0] = firstParts
	if !found {
		if firstKind != partCell {
			return Zone{}, parts, false
		}
		parts[1] = firstParts
		return first, parts, true
	}
	second, secondParts, secondKind, ok := parsePart(right)
	if !ok || secondKind != firstKind {
		return Zone{}, parts, false
	}
	parts[1] = secondParts
	zone := Zone{Left: first.Left, Top: first.Top, Right: second.Left, Bottom: second.Top}
	switch firstKind {
	case partColumn:
		zone.Top, zone.Bottom = 0, Unbounded
	case partRow:
		zone.Left, zone.Right = 0, Unbounded
	}
	if zone.Right != Unbounded && zone.Right < zone.Left {
		zone.Left, zone.Right = zone.Right, zone.Left
		parts[0].ColFixed, parts[1].ColFixed = parts[1].ColFixed, parts[0].ColFixed
	}
	if zone.Bottom != Unbounded && zone.Bottom < zone.Top {
		zone.Top, zone.Bottom = zone.Bottom, zone.Top
		parts[0].RowFixed, parts[1].RowFixed = parts[1].RowFixed, parts[0].RowFixed
	}
	return zone, parts, true
}

// parsePart parses one endpoint. Column-only parts set Left, row-only parts
// set Top; the other coordinate is zero.
func parsePart(text string) (Zone, Part, partKind, bool) {
	m := partPattern.FindStringSubmatch(text)
	if m == nil {
		return Zone{}, Part{}, 0, false
	}
	colFixed, letters, rowFixed, digits := m[1] == "$", m[2], m[3] == "$", m[4]
	switch {
	case letters != "" && digits != "":
		col, _ := ColumnIndex(letters)
		row, err := strconv.Atoi(digits)
		if err != nil || row < 1 {
			return Zone{}, Part{}, 0, false
		}
		return CellZone(col, row-1), Part{ColFixed: colFixed, RowFixed: rowFixed}, partCell, true
	case letters != "":
		if rowFixed {
			return Zone{}, Part{}, 0, false
		}
		col, _ := ColumnIndex(letters)
		return Zone{Left: col}, Part{ColFixed: colFixed}, partColumn, true
	case digits != "":
		if colFixed && rowFixed {
			return Zone{}, Part{}, 0, false
		}
		row, err := strconv.Atoi(digits)
		if err != nil || row < 1 {
			return Zone{}, Part{}, 0, false
		}
		return Zone{Top: row - 1}, Part{RowFixed: colFixed || rowFixed}, partRow, true
	}
	return Zone{}, Part{}, 0, false
}
