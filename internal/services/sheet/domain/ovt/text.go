package ovt

import (
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/rangeref"
)

// FormulaText rewrites the references of formula text. Plain values are kept.
func FormulaText(text, sheetID string, ctx Context) (string, bool) {
	if !rangeref.IsFormula(text) || !ctx.HasChange {
		return text, true
	}
	if rename := ctx.Change.Rename; rename != nil {
		return rangeref.RenameInFormula(text, rename.Old, rename.New), true
	}
	return rangeref.AdaptFormula(text, sheetID, ctx.Resolver, rangeref.Revalidate(ctx.Change.Apply)), true
}

// RangeText rewrites one range text; removed ranges report false.
func RangeText(text, sheetID string, ctx Context) (string, bool) {
	if !ctx.HasChange {
		return text, true
	}
	if rename := ctx.Change.Rename; rename != nil {
		return rangeref.RenameInRangeText(text, rename.Old, rename.New), true
	}
	return rangeref.AdaptRangeText(text, sheetID, ctx.Resolver, rangeref.Revalidate(ctx.Change.Apply))
}

// knownSheet resolves one extra sheet the base resolver no longer knows,
// such as a sheet removed by the executed command.
type knownSheet struct {
	base rangeref.Resolver
	id   string
	name string
}

func withSheet(base rangeref.Resolver, id, name string) rangeref.Resolver {
	if base != nil {
		if _, ok := base.SheetName(id); ok {
			return base
		}
		if _, ok := base.SheetIDByName(name); ok {
			return base
		}
	}
	return knownSheet{base: base, id: id, name: name}
}

func (k knownSheet) SheetIDByName(name string) (string, bool) {
	if rangeref.SameSheetName(name, k.name) {
		return k.id, true
	}
	if k.base == nil {
		return "", false
	}
	return k.base.SheetIDByName(name)
}

func (k knownSheet) SheetName(sheetID string) (string, bool) {
	if sheetID == k.id {
		return k.name, true
	}
	if k.base == nil {
		return "", false
	}
	return k.base.SheetName(sheetID)
}
