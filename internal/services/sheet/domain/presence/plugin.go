// Package presence shares the local cursor with collaborators and exposes
// theirs.
package presence

import (
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/engine"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/getters"
)

// Source is the collaborative session seen by the plugin.
type Source interface {
	Collaborators() []getters.Collaborator
	Move(position getters.Position)
}

// Config wires the plugin. Source is optional: without it the plugin reports
// no collaborators and publishes nothing.
type Config struct {
	Source Source
}

// Plugin implements getters.Collaborators.
type Plugin struct {
	engine.Base
	source    Source
	selection getters.Selection
	sheets    getters.Sheets
	last      getters.Position
	published bool
}

// New builds the presence plugin.
func New(cfg Config, g *getters.Getters) *Plugin {
	return &Plugin{source: cfg.Source, selection: g.Selection, sheets: g.Sheets}
}

// Collaborators lists remote collaborators whose sheet still exists.
func (p *Plugin) Collaborators() []getters.Collaborator {
	if p.source == nil {
		return nil
	}
	var out []getters.Collaborator
	for _, c := range p.source.Collaborators() {
		if _, ok := p.sheets.SheetName(c.Position.SheetID); ok {
			out = append(out, c)
		}
	}
	return out
}

// Finalize publishes the local position when it moved.
func (p *Plugin) Finalize() {
	if p.source == nil || p.selection == nil {
		return
	}
	zone := p.selection.Selection()
	position := getters.Position{SheetID: p.selection.ActiveSheetID(), Col: zone.Left, Row: zone.Top}
	if position.SheetID == "" || (p.published && position == p.last) {
		return
	}
	p.last, p.published = position, true
	p.source.Move(position)
}
