package rangeref

import "sort"

// openEdge stands in for Unbounded while doing rectangle arithmetic.
const openEdge = 1 << 30

// Union merges ranges per sheet into a minimal set of disjoint rectangles.
func Union(ranges []Range) []Range {
	return Recompute(ranges, nil)
}

// Recompute returns the cells covered by ranges minus toRemove, expressed as
// disjoint rectangles grouped per sheet in first-seen order. Invalid ranges
// are dropped.
func Recompute(ranges []Range, toRemove []Range) []Range {
	var order []string
	bySheet := make(map[string][]Zone)
	for _, r := range ranges {
		if r.Invalid || !r.Zone.Valid() {
			continue
		}
		if _, ok := bySheet[r.SheetID]; !ok {
			order = append(order, r.SheetID)
		}
		bySheet[r.SheetID] = append(bySheet[r.SheetID], r.Zone)
	}
	removeBySheet := make(map[string][]Zone)
	for _, r := range toRemove {
		if r.Invalid || !r.Zone.Valid() {
			continue
		}
		removeBySheet[r.SheetID] = append(removeBySheet[r.SheetID], r.Zone)
	}
	var out []Range
	for _, sheetID := range order {
		for _, zone := range RecomputeZones(bySheet[sheetID], removeBySheet[sheetID]) {
			out = append(out, FromZone(sheetID, zone))
		}
	}
	return out
}

// RecomputeZones is Recompute on bare zones of a single sheet.
func RecomputeZones(zones []Zone, toRemove []Zone) []Zone {
	var disjoint []Zone
	for _, z := range zones {
		pieces := []Zone{closeZone(z)}
		for _, existing := range disjoint {
			pieces = subtractAll(pieces, existing)
		}
		disjoint = append(disjoint, pieces...)
	}
	for _, r := range toRemove {
		disjoint = subtractAll(disjoint, closeZone(r))
	}
	disjoint = mergeAdjacent(disjoint)
	sort.Slice(disjoint, func(i, j int) bool {
		if disjoint[i].Top != disjoint[j].Top {
			return disjoint[i].Top < disjoint[j].Top
		}
		return disjoint[i].Left < disjoint[j].Left
	})
	for i := range disjoint {
		disjoint[i] = openZone(disjoint[i])
	}
	return disjoint
}

func closeZone(z Zone) Zone {
	if z.Right == Unbounded {
		z.Right = openEdge
	}
	if z.Bottom == Unbounded {
		z.Bottom = openEdge
	}
	return z
}

func openZone(z Zone) Zone {
	if z.Right >= openEdge {
		z.Right = Unbounded
	}
	if z.Bottom >= openEdge {
		z.Bottom = Unbounded
	}
	return z
}

func overlaps(a, b Zone) bool {
	return a.Left <= b.Right && b.Left <= a.Right && a.Top <= b.Bottom && b.Top <= a.Bottom
}

func subtractAll(zones []Zone, r Zone) []Zone {
	var out []Zone
	for _, z := range zones {
		out = append(out, subtract(z, r)...)
	}
	return out
}

// subtract returns a minus b as up to four bands: above, below, left, right.
func subtract(a, b Zone) []Zone {
	if !overlaps(a, b) {
		return []Zone{a}
	}
	var out []Zone
	if a.Top < b.Top {
		out = append(out, Zone{Left: a.Left, Top: a.Top, Right: a.Right, Bottom: b.Top - 1})
	}
	if a.Bottom > b.Bottom {
		out = append(out, Zone{Left: a.Left, Top: b.Bottom + 1, Right: a.Right, Bottom: a.Bottom})
	}
	top, bottom := max(a.Top, b.Top), min(a.Bottom, b.Bottom)
	if a.Left < b.Left {
		out = append(out, Zone{Left: a.Left, Top: top, Right: b.Left - 1, Bottom: bottom})
	}
	if a.Right > b.Right {
		out = append(out, Zone{Left: b.Right + 1, Top: top, Right: a.Right, Bottom: bottom})
	}
	return out
}

func mergeAdjacent(zones []Zone) []Zone {
	out := append([]Zone(nil), zones...)
	for merged := true; merged; {
		merged = false
		for i := 0; i < len(out) && !merged; i++ {
			for j := i + 1; j < len(out); j++ {
				if m, ok := mergePair(out[i], out[j]); ok {
					out[i] = m
					out = append(out[:j], out[j+1:]...)
					merged = true
					break
				}
			}
		}
	}
	return out
}

func mergePair(a, b Zone) (Zone, bool) {
	if a.Left == b.Left && a.Right == b.Right {
		if a.Bottom+1 == b.Top {
			return Zone{Left: a.Left, Top: a.Top, Right: a.Right, Bottom: b.Bottom}, true
		}
		if b.Bottom+1 == a.Top {
			return Zone{Left: a.Left, Top: b.Top, Right: a.Right, Bottom: a.Bottom}, true
		}
	}
	if a.Top == b.Top && a.Bottom == b.Bottom {
		if a.Right+1 == b.Left {
			return Zone{Left: a.Left, Top: a.Top, Right: b.Right, Bottom: a.Bottom}, true
		}
		if b.Right+1 == a.Left {
			return Zone{Left: b.Left, Top: a.Top, Right: a.Right, Bottom: a.Bottom}, true
		}
	}
	return Zone{}, false
}

// Intersects reports whether two valid ranges on the same sheet share a cell.
func Intersects(a, b Range) bool {
	if a.Invalid || b.Invalid || a.SheetID != b.SheetID {
		return false
	}
	return overlaps(closeZone(a.Zone), closeZone(b.Zone))
}
