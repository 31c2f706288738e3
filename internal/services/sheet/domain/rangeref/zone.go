// Package rangeref holds sheet range values, A1 notation, and the structural
// change protocol every range-holding plugin adapts through.
package rangeref

import (
	"strconv"
	"strings"
)

// Unbounded marks an open right or bottom edge (full rows or full columns).
const Unbounded = -1

// Zone is a rectangle of 0-based inclusive header indexes.
type Zone struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// CellZone returns the single-cell zone at col,row.
func CellZone(col, row int) Zone {
	return Zone{Left: col, Top: row, Right: col, Bottom: row}
}

// FullColumns reports whether the zone spans every row (A:C).
func (z Zone) FullColumns() bool {
	return z.Bottom == Unbounded
}

// FullRows reports whether the zone spans every column (2:4).
func (z Zone) FullRows() bool {
	return z.Right == Unbounded
}

// Contains reports whether col,row lies in the zone.
func (z Zone) Contains(col, row int) bool {
	if col < z.Left || row < z.Top {
		return false
	}
	if z.Right != Unbounded && col > z.Right {
		return false
	}
	if z.Bottom != Unbounded && row > z.Bottom {
		return false
	}
	return true
}

// Valid reports whether the zone is non-empty and non-negative.
func (z Zone) Valid() bool {
	if z.Left < 0 || z.Top < 0 {
		return false
	}
	if z.Right != Unbounded && z.Right < z.Left {
		return false
	}
	if z.Bottom != Unbounded && z.Bottom < z.Top {
		return false
	}
	return true
}

// ColumnName converts a 0-based column index to letters (0 -> A, 26 -> AA).
func ColumnName(col int) string {
	if col < 0 {
		return ""
	}
	var b []byte
	for n := col + 1; n > 0; n = (n - 1) / 26 {
		b = append([]byte{byte('A' + (n-1)%26)}, b...)
	}
	return string(b)
}

// ColumnIndex converts letters to a 0-based column index.
func ColumnIndex(letters string) (int, bool) {
	if letters == "" {
		return 0, false
	}
	n := 0
	for _, r := range strings.ToUpper(letters) {
		if r < 'A' || r > 'Z' {
			return 0, false
		}
		n = n*26 + int(r-'A') + 1
	}
	return n - 1, true
}

// CellName renders col,row as an A1 cell name.
func CellName(col, row int) string {
	return ColumnName(col) + strconv.Itoa(row+1)
}

// ParseCellName parses a plain A1 cell name (no sheet, no $).
func ParseCellName(name string) (col, row int, ok bool) {
	zone, parts, kind, ok := parsePart(name)
	if !ok || kind != partCell || parts.ColFixed || parts.RowFixed {
		return 0, 0, false
	}
	return zone.Left, zone.Top, true
}
