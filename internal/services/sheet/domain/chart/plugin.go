// Package chart stores chart figures and their data ranges.
package chart

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
const Owner = "charts"

const (
	CommandCreate       command.Type = "chart.create"
	CommandUpdate       command.Type = "chart.update"
	CommandDeleteFigure command.Type = "figure.delete"
)

// Rejection codes.
const (
	RejectDuplicateFigure = "DuplicatedFigureId"
	RejectUnknownFigure   = "InvalidFigureId"
	RejectUnknownSheet    = "InvalidSheetId"
	RejectEmptyDataSet    = "EmptyDataSet"
	RejectInvalidDataSet  = "InvalidDataSet"
	RejectInvalidLabels   = "InvalidLabelRange"
	RejectInvalidPayload  = "InvalidPayload"
)

// DefinitionPayload creates or replaces a chart. Ranges are A1 text resolved
// against SheetID.
type DefinitionPayload struct {
	FigureID   string   `json:"figure_id"`
	SheetID    string   `json:"sheet_id"`
	Title      string   `json:"title,omitempty"`
	Kind       string   `json:"kind,omitempty"`
	DataSets   []string `json:"data_sets"`
	LabelRange string   `json:"label_range,omitempty"`
}

// DeletePayload removes a figure.
type DeletePayload struct {
	FigureID string `json:"figure_id"`
	SheetID  string `json:"sheet_id"`
}

// Definitions lists the chart command types.
func Definitions() []command.Definition {
	definition := `{"type":"object","required":["figure_id","sheet_id","data_sets"],"properties":{
		"figure_id":{"type":"string","minLength":1},
		"sheet_id":{"type":"string","minLength":1},
		"title":{"type":"string"},
		"kind":{"type":"string","enum":["bar","line","pie","scatter"]},
		"data_sets":{"type":"array","items":{"type":"string"}},
		"label_range":{"type":"string"}}}`
	return []command.Definition{
		{Type: CommandCreate, Scope: command.ScopeCore, Schema: definition},
		{Type: CommandUpdate, Scope: command.ScopeCore, Schema: definition},
		{
			Type:  CommandDeleteFigure,
			Scope: command.ScopeCore,
			Schema: `{"type":"object","required":["figure_id","sheet_id"],"properties":{
				"figure_id":{"type":"string","minLength":1},
				"sheet_id":{"type":"string","minLength":1}}}`,
		},
	}
}

// Record is the stored state of one chart.
type Record struct {
	SheetID  string
	Title    string
	Kind     string
	DataSets []rangeref.Range
	Labels   *rangeref.Range
}

// Plugin stores charts. It implements getters.Charts and rangeref.Provider.
type Plugin struct {
	engine.Base
	tree    *history.Tree
	getters *getters.Getters
}

// New builds the chart plugin.
func New(tree *history.Tree, g *getters.Getters) *Plugin {
	return &Plugin{tree: tree, getters: g}
}

func (p *Plugin) record(figureID string) (Record, bool) {
	value, ok := p.tree.Get(Owner, figureID)
	if !ok {
		return Record{}, false
	}
	rec, ok := value.(Record)
	return rec, ok
}

func (p *Plugin) setRecord(figureID string, rec *Record) {
	if rec == nil {
		p.tree.Update(Owner, history.Path{figureID}, nil)
		return
	}
	p.tree.Update(Owner, history.Path{figureID}, *rec)
}

// Chart returns the chart with ranges rendered from its own sheet.
func (p *Plugin) Chart(figureID string) (document.Chart, bool) {
	rec, ok := p.record(figureID)
	if !ok {
		return document.Chart{}, false
	}
	return p.export(figureID, rec), true
}

// ChartSheet returns the sheet a chart sits on.
func (p *Plugin) ChartSheet(figureID string) (string, bool) {
	rec, ok := p.record(figureID)
	return rec.SheetID, ok
}

// ChartIDs lists the charts on a sheet.
func (p *Plugin) ChartIDs(sheetID string) []string {
	var ids []string
	for _, id := range p.tree.Keys(Owner) {
		if rec, ok := p.record(id); ok && rec.SheetID == sheetID {
			ids = append(ids, id)
		}
	}
	return ids
}

func (p *Plugin) export(figureID string, rec Record) document.Chart {
	resolver := p.getters.Resolver()
	out := document.Chart{ID: figureID, Title: rec.Title, Kind: rec.Kind}
	for _, r := range rec.DataSets {
		out.DataSets = append(out.DataSets, r.Text(rec.SheetID, resolver))
	}
	if rec.Labels != nil {
		out.LabelRange = rec.Labels.Text(rec.SheetID, resolver)
	}
	return out
}

// AllowDispatch validates chart definitions.
func (p *Plugin) AllowDispatch(cmd command.Command) command.Result {
	switch cmd.Type() {
	case CommandCreate, CommandUpdate:
		var payload DefinitionPayload
		if err := cmd.Decode(&payload); err != nil {
			return command.Rejectf(RejectInvalidPayload, err.Error())
		}
		_, exists := p.record(payload.FigureID)
		if cmd.Type() == CommandCreate && exists {
			return command.Rejectf(RejectDuplicateFigure, fmt.Sprintf("figure %s already exists", payload.FigureID))
		}
		if cmd.Type() == CommandUpdate && !exists {
			return command.Rejectf(RejectUnknownFigure, fmt.Sprintf("figure %s not found", payload.FigureID))
		}
		_, result := p.parse(payload, true)
		return result
	case CommandDeleteFigure:
		var payload DeletePayload
		if err := cmd.Decode(&payload); err != nil {
			return command.Rejectf(RejectInvalidPayload, err.Error())
		}
		if _, exists := p.record(payload.FigureID); !exists {
			return command.Rejectf(RejectUnknownFigure, fmt.Sprintf("figure %s not found", payload.FigureID))
		}
	}
	return command.Success()
}

// parse resolves the payload ranges into a record. Imported charts may have
// lost every data set.
func (p *Plugin) parse(payload DefinitionPayload, requireData bool) (Record, command.Result) {
	if _, _, ok := p.getters.Sheets.SheetSize(payload.SheetID); !ok {
		return Record{}, command.Rejectf(RejectUnknownSheet, fmt.Sprintf("sheet %s not found", payload.SheetID))
	}
	if requireData && len(payload.DataSets) == 0 {
		return Record{}, command.Rejectf(RejectEmptyDataSet, "a chart needs at least one data set")
	}
	resolver := p.getters.Resolver()
	rec := Record{SheetID: payload.SheetID, Title: payload.Title, Kind: payload.Kind}
	for _, text := range payload.DataSets {
		r := rangeref.Parse(payload.SheetID, text, resolver)
		if r.Invalid {
			return Record{}, command.Rejectf(RejectInvalidDataSet, fmt.Sprintf("data set %q is not a valid range", text))
		}
		rec.DataSets = append(rec.DataSets, r)
	}
	if strings.TrimSpace(payload.LabelRange) != "" {
		r := rangeref.Parse(payload.SheetID, payload.LabelRange, resolver)
		if r.Invalid {
			return Record{}, command.Rejectf(RejectInvalidLabels, fmt.Sprintf("label range %q is not a valid range", payload.LabelRange))
		}
		rec.Labels = &r
	}
	return rec, command.Success()
}

// Handle applies chart commands and follows sheet deletion and duplication.
func (p *Plugin) Handle(cmd command.Command) {
	switch cmd.Type() {
	case CommandCreate, CommandUpdate:
		var payload DefinitionPayload
		if cmd.Decode(&payload) != nil {
			return
		}
		if rec, result := p.parse(payload, true); result.IsSuccess() {
			p.setRecord(payload.FigureID, &rec)
		}
	case CommandDeleteFigure:
		var payload DeletePayload
		if cmd.Decode(&payload) == nil {
			p.setRecord(payload.FigureID, nil)
		}
	case sheet.CommandDelete:
		var payload sheet.DeletePayload
		if cmd.Decode(&payload) != nil {
			return
		}
		for _, id := range p.ChartIDs(payload.SheetID) {
			p.setRecord(id, nil)
		}
	case sheet.CommandDuplicate:
		var payload sheet.DuplicatePayload
		if cmd.Decode(&payload) != nil {
			return
		}
		for _, id := range p.ChartIDs(payload.SheetID) {
			rec, _ := p.record(id)
			copied := Record{SheetID: payload.SheetIDTo, Title: rec.Title, Kind: rec.Kind}
			for _, r := range rec.DataSets {
				copied.DataSets = append(copied.DataSets, repoint(r, payload.SheetID, payload.SheetIDTo))
			}
			if rec.Labels != nil {
				labels := repoint(*rec.Labels, payload.SheetID, payload.SheetIDTo)
				copied.Labels = &labels
			}
			p.setRecord(DuplicateID(id, payload.SheetIDTo), &copied)
		}
	}
}

// DuplicateID derives the id of a figure copied onto another sheet.
func DuplicateID(figureID, sheetIDTo string) string {
	return figureID + "@" + sheetIDTo
}

func repoint(r rangeref.Range, from, to string) rangeref.Range {
	if r.SheetID == from {
		return r.WithSheet(to)
	}
	return r
}

// AdaptRanges drops removed data sets and replaces adapted ones. A chart
// whose data sets are all removed stays, empty.
func (p *Plugin) AdaptRanges(apply rangeref.ApplyChange, scope rangeref.Scope) {
	for _, id := range p.tree.Keys(Owner) {
		rec, ok := p.record(id)
		if !ok {
			continue
		}
		dataSets, changed := rangeref.ApplyAll(rec.DataSets, apply)
		labels := rec.Labels
		if labels != nil {
			out := apply(*labels)
			switch out.Kind {
			case rangeref.ChangeNone:
			case rangeref.ChangeRemove:
				labels, changed = nil, true
			default:
				adapted := out.Range
				labels, changed = &adapted, true
			}
		}
		if !changed {
			continue
		}
		rec.DataSets, rec.Labels = dataSets, labels
		p.setRecord(id, &rec)
	}
}

// Import loads charts from every document sheet.
func (p *Plugin) Import(doc *document.Workbook) error {
	for _, s := range doc.Sheets {
		for _, c := range s.Charts {
			rec, result := p.parse(DefinitionPayload{
				FigureID: c.ID, SheetID: s.ID, Title: c.Title, Kind: c.Kind,
				DataSets: c.DataSets, LabelRange: c.LabelRange,
			}, false)
			if !result.IsSuccess() {
				return fmt.Errorf("chart %s: %s", c.ID, result)
			}
			p.setRecord(c.ID, &rec)
		}
	}
	return nil
}

// Export writes charts onto their sheets.
func (p *Plugin) Export(doc *document.Workbook) {
	for _, id := range p.tree.Keys(Owner) {
		rec, ok := p.record(id)
		if !ok {
			continue
		}
		if s := doc.Sheet(rec.SheetID); s != nil {
			s.Charts = append(s.Charts, p.export(id, rec))
		}
	}
}
