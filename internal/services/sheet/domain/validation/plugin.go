// Package validation stores data validation rules. Rules of one sheet never
// overlap: adding a rule takes its cells away from the others.
package validation

import (
	"fmt"

	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/command"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/document"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/engine"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/getters"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/history"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/rangeref"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/sheet"
)

// Owner is the plugin's namespace in the state tree.
const Owner = "validations"

const (
	CommandAdd    command.Type = "validation.add"
	CommandRemove command.Type = "validation.remove"
)

// Criteria.
const (
	CriterionValueInList   = "value_in_list"
	CriterionNumberBetween = "number_between"
	CriterionTextContains  = "text_contains"
	CriterionCustomFormula = "custom_formula"
)

// Rejection codes.
const (
	RejectUnknownSheet   = "InvalidSheetId"
	RejectUnknownRule    = "InvalidRuleId"
	RejectEmptyRange     = "EmptyRange"
	RejectInvalidRange   = "InvalidRange"
	RejectInvalidValues  = "InvalidNumberOfCriterionValues"
	RejectInvalidPayload = "InvalidPayload"
)

// AddPayload creates or replaces a rule.
type AddPayload struct {
	SheetID   string   `json:"sheet_id"`
	RuleID    string   `json:"rule_id"`
	Ranges    []string `json:"ranges"`
	Criterion string   `json:"criterion"`
	Values    []string `json:"values,omitempty"`
	Blocking  bool     `json:"blocking,omitempty"`
}

// RemovePayload deletes a rule.
type RemovePayload struct {
	SheetID string `json:"sheet_id"`
	RuleID  string `json:"rule_id"`
}

// Definitions lists the data validation command types.
func Definitions() []command.Definition {
	return []command.Definition{
		{
			Type:  CommandAdd,
			Scope: command.ScopeCore,
			Schema: `{"type":"object","required":["sheet_id","rule_id","ranges","criterion"],"properties":{
				"sheet_id":{"type":"string","minLength":1},
				"rule_id":{"type":"string","minLength":1},
				"ranges":{"type":"array","items":{"type":"string"}},
				"criterion":{"type":"string","enum":["value_in_list","number_between","text_contains","custom_formula"]},
				"values":{"type":"array","items":{"type":"string"}},
				"blocking":{"type":"boolean"}}}`,
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

// Rule is the stored state of one data validation rule.
type Rule struct {
	Ranges    []rangeref.Range
	Criterion string
	Values    []string
	Blocking  bool
}

// Plugin stores data validation rules. It implements getters.Validations and
// rangeref.Provider.
type Plugin struct {
	engine.Base
	tree    *history.Tree
	getters *getters.Getters
}

// New builds the data validation plugin.
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

func (p *Plugin) document(sheetID, ruleID string, rule Rule) document.Validation {
	resolver := p.getters.Resolver()
	v := document.Validation{ID: ruleID, Criterion: rule.Criterion, Blocking: rule.Blocking}
	for _, r := range rule.Ranges {
		v.Ranges = append(v.Ranges, r.Text(sheetID, resolver))
	}
	v.Values = append(v.Values, rule.Values...)
	return v
}

// Validations lists the rules of a sheet ordered by id.
func (p *Plugin) Validations(sheetID string) []document.Validation {
	var out []document.Validation
	for _, id := range p.tree.Keys(Owner, sheetID) {
		if rule, ok := p.rule(sheetID, id); ok {
			out = append(out, p.document(sheetID, id, rule))
		}
	}
	return out
}

// ValidationAt returns the rule covering a cell.
func (p *Plugin) ValidationAt(sheetID string, col, row int) (document.Validation, bool) {
	for _, id := range p.tree.Keys(Owner, sheetID) {
		rule, ok := p.rule(sheetID, id)
		if !ok {
			continue
		}
		for _, r := range rule.Ranges {
			if r.Zone.Contains(col, row) {
				return p.document(sheetID, id, rule), true
			}
		}
	}
	return document.Validation{}, false
}

// AllowDispatch validates rule ranges and criterion values.
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

// expectedValues is the number of criterion values; -1 means at least one.
func expectedValues(criterion string) int {
	switch criterion {
	case CriterionNumberBetween:
		return 2
	case CriterionTextContains, CriterionCustomFormula:
		return 1
	default:
		return -1
	}
}

func (p *Plugin) parse(payload AddPayload) (Rule, command.Result) {
	if _, _, ok := p.getters.Sheets.SheetSize(payload.SheetID); !ok {
		return Rule{}, command.Rejectf(RejectUnknownSheet, fmt.Sprintf("sheet %s not found", payload.SheetID))
	}
	if len(payload.Ranges) == 0 {
		return Rule{}, command.Rejectf(RejectEmptyRange, "a rule needs at least one range")
	}
	switch want := expectedValues(payload.Criterion); {
	case want < 0 && len(payload.Values) == 0, want >= 0 && len(payload.Values) != want:
		return Rule{}, command.Rejectf(RejectInvalidValues, fmt.Sprintf("criterion %s got %d values", payload.Criterion, len(payload.Values)))
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
	return Rule{
		Ranges:    rangeref.Union(ranges),
		Criterion: payload.Criterion,
		Values:    append([]string(nil), payload.Values...),
		Blocking:  payload.Blocking,
	}, command.Success()
}

// Handle applies rule commands and follows sheet deletion and duplication.
func (p *Plugin) Handle(cmd command.Command) {
	switch cmd.Type() {
	case CommandAdd:
		var payload AddPayload
		if cmd.Decode(&payload) != nil {
			return
		}
		rule, result := p.parse(payload)
		if !result.IsSuccess() {
			return
		}
		p.carve(payload.SheetID, payload.RuleID, rule.Ranges)
		p.setRule(payload.SheetID, payload.RuleID, &rule)
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
			copied := rule
			copied.Ranges = nil
			for _, r := range rule.Ranges {
				copied.Ranges = append(copied.Ranges, r.WithSheet(payload.SheetIDTo))
			}
			p.setRule(payload.SheetIDTo, DuplicateID(id, payload.SheetIDTo), &copied)
		}
	}
}

// carve removes ranges from every other rule of the sheet.
func (p *Plugin) carve(sheetID, ruleID string, ranges []rangeref.Range) {
	for _, id := range p.tree.Keys(Owner, sheetID) {
		if id == ruleID {
			continue
		}
		other, ok := p.rule(sheetID, id)
		if !ok || !anyIntersects(other.Ranges, ranges) {
			continue
		}
		other.Ranges = rangeref.Recompute(other.Ranges, ranges)
		p.setRule(sheetID, id, &other)
	}
}

func anyIntersects(a, b []rangeref.Range) bool {
	for _, x := range a {
		for _, y := range b {
			if rangeref.Intersects(x, y) {
				return true
			}
		}
	}
	return false
}

// DuplicateID derives the id of a rule copied onto another sheet.
func DuplicateID(ruleID, sheetIDTo string) string {
	return ruleID + "@" + sheetIDTo
}

// AdaptRanges adapts rule ranges and formula values. Rules left without
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
			var values []string
			for _, v := range rule.Values {
				next := v
				switch {
				case !rangeref.IsFormula(v):
				case scope.Rename != nil:
					next = rangeref.RenameInFormula(v, scope.Rename.Old, scope.Rename.New)
				default:
					next = rangeref.AdaptFormula(v, sheetID, resolver, apply)
				}
				changed = changed || next != v
				values = append(values, next)
			}
			if !changed {
				continue
			}
			rule.Ranges, rule.Values = ranges, values
			p.setRule(sheetID, id, &rule)
		}
	}
}

// Import loads the rules of every document sheet.
func (p *Plugin) Import(doc *document.Workbook) error {
	for _, s := range doc.Sheets {
		for _, v := range s.DataValidations {
			rule, result := p.parse(AddPayload{
				SheetID: s.ID, RuleID: v.ID, Ranges: v.Ranges,
				Criterion: v.Criterion, Values: v.Values, Blocking: v.Blocking,
			})
			if !result.IsSuccess() {
				return fmt.Errorf("data validation %s: %s", v.ID, result)
			}
			p.setRule(s.ID, v.ID, &rule)
		}
	}
	return nil
}

// Export writes the rules of every sheet.
func (p *Plugin) Export(doc *document.Workbook) {
	for i := range doc.Sheets {
		doc.Sheets[i].DataValidations = p.Validations(doc.Sheets[i].ID)
	}
}
