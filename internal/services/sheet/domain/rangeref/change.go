package rangeref

import "sort"

// ChangeKind classifies how a structural edit affected one range.
type ChangeKind int

const (
	// ChangeNone leaves the range untouched.
	ChangeNone ChangeKind = iota
	// ChangeMove shifts the range without changing its size.
	ChangeMove
	// ChangeResize grows or shrinks the range.
	ChangeResize
	// ChangeChange alters the range in a non-geometric way (sheet identity or name).
	ChangeChange
	// ChangeRemove means the referenced cells no longer exist.
	ChangeRemove
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeMove:
		return "MOVE"
	case ChangeResize:
		return "RESIZE"
	case ChangeChange:
		return "CHANGE"
	case ChangeRemove:
		return "REMOVE"
	default:
		return "NONE"
	}
}

// Outcome is the result of applying a structural change to a range.
type Outcome struct {
	Kind  ChangeKind
	Range Range
}

// ApplyChange maps a range through one structural edit.
type ApplyChange func(Range) Outcome

// Dimension selects columns or rows.
type Dimension string

const (
	// Columns addresses column headers.
	Columns Dimension = "COL"
	// Rows addresses row headers.
	Rows Dimension = "ROW"
)

// Rename carries the old and new name of a renamed sheet.
type Rename struct {
	SheetID string
	Old     string
	New     string
}

// Scope tells providers which sheet a change concerns.
type Scope struct {
	SheetID string
	Rename  *Rename
}

// Structural is one derived structural change.
type Structural struct {
	Scope
	Apply ApplyChange
}

// Revalidate wraps apply so adapted ranges that end up empty or inverted are
// reported as removed.
func Revalidate(apply ApplyChange) ApplyChange {
	return func(r Range) Outcome {
		if r.Invalid {
			return Outcome{Kind: ChangeNone, Range: r}
		}
		out := apply(r)
		if out.Kind != ChangeNone && out.Kind != ChangeRemove && !out.Range.Zone.Valid() {
			return Outcome{Kind: ChangeRemove, Range: r}
		}
		return out
	}
}

// RemoveHeaders derives the change for deleting columns or rows.
func RemoveHeaders(sheetID string, dim Dimension, elements []int) Structural {
	removed := SortedUnique(elements)
	apply := func(r Range) Outcome {
		if r.SheetID != sheetID {
			return Outcome{Kind: ChangeNone, Range: r}
		}
		start, end := span(r.Zone, dim)
		if start == 0 && end == Unbounded {
			return Outcome{Kind: ChangeNone, Range: r}
		}
		inside := countBetween(removed, start, end)
		if end != Unbounded && inside == end-start+1 {
			return Outcome{Kind: ChangeRemove, Range: r}
		}
		newStart := start - countBefore(removed, start)
		newEnd := end
		if end != Unbounded {
			newEnd = end - countBefore(removed, end+1)
		}
		next := r.WithZone(withSpan(r.Zone, dim, newStart, newEnd))
		switch {
		case inside > 0 && newEnd != end:
			return Outcome{Kind: ChangeResize, Range: next}
		case newStart != start:
			return Outcome{Kind: ChangeMove, Range: next}
		default:
			return Outcome{Kind: ChangeNone, Range: r}
		}
	}
	return Structural{Scope: Scope{SheetID: sheetID}, Apply: apply}
}

// InsertHeaders derives the change for inserting quantity headers starting at
// index start.
func InsertHeaders(sheetID string, dim Dimension, start, quantity int) Structural {
	apply := func(r Range) Outcome {
		if r.SheetID != sheetID || quantity <= 0 {
			return Outcome{Kind: ChangeNone, Range: r}
		}
		first, last := span(r.Zone, dim)
		if first == 0 && last == Unbounded {
			return Outcome{Kind: ChangeNone, Range: r}
		}
		if last != Unbounded && last < start {
			return Outcome{Kind: ChangeNone, Range: r}
		}
		if start <= first {
			newLast := last
			if last != Unbounded {
				newLast = last + quantity
			}
			return Outcome{Kind: ChangeMove, Range: r.WithZone(withSpan(r.Zone, dim, first+quantity, newLast))}
		}
		if last == Unbounded {
			return Outcome{Kind: ChangeNone, Range: r}
		}
		return Outcome{Kind: ChangeResize, Range: r.WithZone(withSpan(r.Zone, dim, first, last+quantity))}
	}
	return Structural{Scope: Scope{SheetID: sheetID}, Apply: apply}
}

// DeleteSheet derives the change for deleting a sheet.
func DeleteSheet(sheetID string) Structural {
	apply := func(r Range) Outcome {
		if r.SheetID == sheetID {
			return Outcome{Kind: ChangeRemove, Range: r}
		}
		return Outcome{Kind: ChangeNone, Range: r}
	}
	return Structural{Scope: Scope{SheetID: sheetID}, Apply: apply}
}

// RenameSheet derives the change for renaming a sheet. Ranges are id based so
// only explicitly prefixed ones report CHANGE.
func RenameSheet(sheetID, oldName, newName string) Structural {
	apply := func(r Range) Outcome {
		if r.SheetID == sheetID && r.PrefixSheet {
			return Outcome{Kind: ChangeChange, Range: r}
		}
		return Outcome{Kind: ChangeNone, Range: r}
	}
	return Structural{
		Scope: Scope{SheetID: sheetID, Rename: &Rename{SheetID: sheetID, Old: oldName, New: newName}},
		Apply: apply,
	}
}

func span(z Zone, dim Dimension) (int, int) {
	if dim == Columns {
		return z.Left, z.Right
	}
	return z.Top, z.Bottom
}

func withSpan(z Zone, dim Dimension, start, end int) Zone {
	if dim == Columns {
		z.Left, z.Right = start, end
		return z
	}
	z.Top, z.Bottom = start, end
	return z
}

// SortedUnique returns a sorted copy of elements without duplicates.
func SortedUnique(elements []int) []int {
	out := append([]int(nil), elements...)
	sort.Ints(out)
	unique := make([]int, 0, len(out))
	for _, v := range out {
		if len(unique) > 0 && unique[len(unique)-1] == v {
			continue
		}
		unique = append(unique, v)
	}
	return unique
}

// countBefore counts sorted elements strictly below limit.
func countBefore(sorted []int, limit int) int {
	return sort.SearchInts(sorted, limit)
}

func countBetween(sorted []int, start, end int) int {
	if end == Unbounded {
		return len(sorted) - countBefore(sorted, start)
	}
	return countBefore(sorted, end+1) - countBefore(sorted, start)
}

// ApplyAll maps every range through apply, dropping removed ones. changed is
// false when every outcome was NONE.
func ApplyAll(ranges []Range, apply ApplyChange) (out []Range, changed bool) {
	for _, r := range ranges {
		next := apply(r)
		switch next.Kind {
		case ChangeNone:
			out = append(out, r)
		case ChangeRemove:
			changed = true
		default:
			changed = true
			out = append(out, next.Range)
		}
	}
	return out, changed
}
