// Package format stores conditional format rules.
package format

import (
	"fmt"
	"strings"

	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/command"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/document"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/engine"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/getters"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/history"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/rangeref"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/sheet"
)

// Owner is the plugin's namespace in the state tree.
const Owner = "formats"

const (
	CommandAdd    command.Type = "format.add"
	CommandRemove command.Type = "format.remove"
)

// Rejection codes.
const (
	RejectUnknownSheet   = "InvalidSheetId"
	RejectUnknownRule    = "InvalidRuleId"
	RejectEmptyRange     = "EmptyRange"
	RejectInvalidRange   = "InvalidRange"
	RejectInvalidPayload = "InvalidPayload"
)

// AddPayload creates or replaces a rule. Formula is the condition, relative
// to the top-left cell of the first range.
type AddPayload struct {
	SheetID string   `json:"sheet_id"`
	RuleID  string   `json:"rule_id"`
	Ranges  []string `json:"ranges"`
	Formula string   `json:"formula"`
	Style   string   `json:"style,omitempty"`
}

// RemovePayload deletes a rule.
type RemovePayload struct {
	SheetID string `json:"sheet_id"`
	RuleID  string `json:"rule_id"`
}

// Definitions lists the conditional format command types.
func Definitions() []command.Definition {
	return []command.Definition{
		{
			Type:  CommandAdd,
			Scope: command.ScopeCore,
			Schema: `{"type":"object","required":["sheet_id","rule_id","ranges","formula"],"properties":{
				"sheet_id":{"type":"string","minLength":1},
				"rule_id":{"type":"string","minLength":1},
				"ranges":{"type":"array","items":{"type":"string"}},
				"formula":{"type":"string"},
				"style":{"type":"string"}}}`,
		},
		{
			Type:  CommandRemove,
			Scope: command.ScopeCore,
			Schema: `{"type":"object","required":["sheet_id","rule_id"],"properties":{
				"sheet_id":{"type":"string","minLength":1},
				"rule_id":{"type":"string","minLength":1}}}`,
		},
	}
}

// Rule is the stored state of one conditional format.
type Rule struct {
	Ranges  []rangeref.Range
	Formula string
	Style   string
}

// Plugin stores conditional formats. It implements getters.Formats and
// rangeref.Provider.
type Plugin struct {
	engine.Base
	tree    *history.Tree
	getters *getters.Getters
}

// New builds the conditional format plugin.
func New(tree *history.Tree, g *getters.Getters) *Plugin {
	return &Plugin{tree: tree, getters: g}
}

func (p *Plugin) rule(sheetID, ruleID string) (Rule, bool) {
	value, ok := p.tree.Get(Owner, sheetID, ruleID)
	if !ok {
		return Rule{}, false
	}
	rule, ok := value.(Rule)
	return rule, ok
}

func (p *Plugin) setRule(sheetID, ruleID string, rule *Rule) {
	if rule == nil || len(rule.Ranges) == 0 {
		p.tree.Update(Owner, history.Path{sheetID, ruleID}, nil)
		return
	}
	p.tree.Update(Owner, history.Path{sheetID, ruleID}, *rule)
}

// Formats lists the rules of a sheet ordered by id.
func (p *Plugin) Formats(sheetID string) []document.Format {
	resolver := p.getters.Resolver()
	var out []document.Format
	for _, id := range p.tree.Keys(Owner, sheetID) {
		rule, ok := p.rule(sheetID, id)
		if !ok {
			continue
		}
		f := document.Format{ID: id, Formula: rule.Formula, Style: rule.Style}
		for _, r := range rule.Ranges {
			f.Ranges = append(f.Ranges, r.Text(sheetID, resolver))
		}
		out = append(out, f)
	}
	return out
}

// AllowDispatch validates rule ranges.
func (p *Plugin) AllowDispatch(cmd command.Command) command.Result {
	switch cmd.Type() {
	case CommandAdd:
		var payload AddPayload
		if err := cmd.Decode(&payload); err != nil {
			return command.Rejectf(RejectInvalidPayload, err.Error())
		}
		_, result := p.parse(payload)
		return result
	case CommandRemove:
		var payload RemovePayload
		if err := cmd.Decode(&payload); err != nil {
			return command.Rejectf(RejectInvalidPayload, err.Error())
		}
		if _, ok := p.rule(payload.SheetID, payload.RuleID); !ok {
			return command.Rejectf(RejectUnknownRule, fmt.Sprintf("rule %s not found on sheet %s", payload.RuleID, payload.SheetID))
		}
	}
	return command.Success()
}

// parse resolves rule ranges; they must all lie on the rule's sheet.
func (p *Plugin) parse(payload AddPayload) (Rule, command.Result) {
	if _, _, ok := p.getters.Sheets.SheetSize(payload.SheetID); !ok {
		return Rule{}, command.Rejectf(RejectUnknownSheet, fmt.Sprintf("sheet %s not found", payload.SheetID))
	}
	if len(payload.Ranges) == 0 {
		return Rule{}, command.Rejectf(RejectEmptyRange, "a rule needs at least one range")
	}
	resolver := p.getters.Resolver()
	ranges := make([]rangeref.Range, 0, len(payload.Ranges))
	for _, text := range payload.Ranges {
		r := rangeref.Parse(payload.SheetID, text, resolver)
		if r.Invalid || r.SheetID != payload.SheetID {
			return Rule{}, command.Rejectf(RejectInvalidRange, fmt.Sprintf("range %q is not on sheet %s", text, payload.SheetID))
		}
		ranges = append(ranges, r)
	}
	return Rule{Ranges: rangeref.Union(ranges), Formula: strings.TrimSpace(payload.Formula), Style: payload.Style}, command.Success()
}

// Handle applies rule commands and follows sheet deletion and duplication.
func (p *Plugin) Handle(cmd command.Command) {
	switch cmd.Type() {
	case CommandAdd:
		var payload AddPayload
		if cmd.Decode(&payload) != nil {
			return
		}
		if rule, result := p.parse(payload); result.IsSuccess() {
			p.setRule(payload.SheetID, payload.RuleID, &rule)
		}
	case CommandRemove:
		var payload RemovePayload
		if cmd.Decode(&payload) == nil {
			p.setRule(payload.SheetID, payload.RuleID, nil)
		}
	case sheet.CommandDelete:
		var payload sheet.DeletePayload
		if cmd.Decode(&payload) != nil {
			return
		}
		for _, id := range p.tree.Keys(Owner, payload.SheetID) {
			p.setRule(payload.SheetID, id, nil)
		}
	case sheet.CommandDuplicate:
		var payload sheet.DuplicatePayload
		if cmd.Decode(&payload) != nil {
			return
		}
		for _, id := range p.tree.Keys(Owner, payload.SheetID) {
			rule, _ := p.rule(payload.SheetID, id)
			copied := Rule{Formula: rule.Formula, Style: rule.Style}
			for _, r := range rule.Ranges {
				copied.Ranges = append(copied.Ranges, r.WithSheet(payload.SheetIDTo))
			}
			p.setRule(payload.SheetIDTo, DuplicateID(id, payload.SheetIDTo), &copied)
		}
	}
}

// DuplicateID derives the id of a rule copied onto another sheet.
func DuplicateID(ruleID, sheetIDTo string) string {
	return ruleID + "@" + sheetIDTo
}

// AdaptRanges adapts rule ranges and condition formulas. Rules left without
// ranges are deleted.
func (p *Plugin) AdaptRanges(apply rangeref.ApplyChange, scope rangeref.Scope) {
	resolver := p.getters.Resolver()
	for _, sheetID := range p.tree.Keys(Owner) {
		for _, id := range p.tree.Keys(Owner, sheetID) {
			rule, ok := p.rule(sheetID, id)
			if !ok {
				continue
			}
			ranges, changed := rangeref.ApplyAll(rule.Ranges, apply)
			formula := rule.Formula
			if scope.Rename != nil {
				formula = rangeref.RenameInFormula(formula, scope.Rename.Old, scope.Rename.New)
			} else {
				formula = rangeref.AdaptFormula(formula, sheetID, resolver, apply)
			}
			if !changed && formula == rule.Formula {
				continue
			}
			p.setRule(sheetID, id, &Rule{Ranges: ranges, Formula: formula, Style: rule.Style})
		}
	}
}

// Import loads the rules of every document sheet.
func (p *Plugin) Import(doc *document.Workbook) error {
	for _, s := range doc.Sheets {
		for _, f := range s.ConditionalFormats {
			rule, result := p.parse(AddPayload{SheetID: s.ID, RuleID: f.ID, Ranges: f.Ranges, Formula: f.Formula, Style: f.Style})
			if !result.IsSuccess() {
				return fmt.Errorf("conditional format %s: %s", f.ID, result)
			}
			p.setRule(s.ID, f.ID, &rule)
		}
	}
	return nil
}

// Export writes the rules of every sheet.
func (p *Plugin) Export(doc *document.Workbook) {
	for i := range doc.Sheets {
		doc.Sheets[i].ConditionalFormats = p.Formats(doc.Sheets[i].ID)
	}
}
