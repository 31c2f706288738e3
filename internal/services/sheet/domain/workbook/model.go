// Package workbook assembles the kernel, the plugins and the replay
// transforms of one spreadsheet.
package workbook

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/cell"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/chart"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/command"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/document"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/engine"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/format"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/getters"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/history"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/ovt"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/presence"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/rangeref"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/selection"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/sheet"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/validation"
)

// Config wires a workbook model.
type Config struct {
	// Headless models run core plugins only, as replicas do.
	Headless bool
	Presence presence.Config
	Logger   *log.Logger
	Tracer   trace.Tracer
}

// Model is one spreadsheet: its state tree, plugins and getters. It
// implements history.Replayer and history.Transformer.
type Model struct {
	tree       *history.Tree
	commands   *command.Registry
	kernel     *engine.Kernel
	ranges     *rangeref.Registry
	getters    *getters.Getters
	transforms *ovt.Registry
}

// Definitions lists every command type known to a workbook.
func Definitions() []command.Definition {
	var defs []command.Definition
	defs = append(defs, sheet.Definitions()...)
	defs = append(defs, cell.Definitions()...)
	defs = append(defs, chart.Definitions()...)
	defs = append(defs, format.Definitions()...)
	defs = append(defs, validation.Definitions()...)
	defs = append(defs, selection.Definitions()...)
	return defs
}

// New builds an empty workbook model. Call Import to load a document.
func New(cfg Config) (*Model, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	commands := command.NewRegistry()
	for _, def := range Definitions() {
		if err := commands.Register(def); err != nil {
			return nil, fmt.Errorf("register %s: %w", def.Type, err)
		}
	}
	tree := history.NewTree()
	kernel, err := engine.New(engine.Config{
		Commands: commands,
		Tree:     tree,
		Headless: cfg.Headless,
		Logger:   logger,
		Tracer:   cfg.Tracer,
	})
	if err != nil {
		return nil, err
	}

	m := &Model{
		tree:     tree,
		commands: commands,
		kernel:   kernel,
		ranges:   rangeref.NewRegistry(logger),
		getters:  &getters.Getters{},
	}
	sheets := sheet.New(tree, m.ranges)
	cells := cell.New(tree, m.getters)
	charts := chart.New(tree, m.getters)
	formats := format.New(tree, m.getters)
	validations := validation.New(tree, m.getters)
	m.getters.Sheets = sheets
	m.getters.Cells = cells
	m.getters.Charts = charts
	m.getters.Formats = formats
	m.getters.Validations = validations

	core := []struct {
		name   string
		plugin engine.CorePlugin
	}{
		{sheet.Owner, sheets},
		{cell.Owner, cells},
		{chart.Owner, charts},
		{format.Owner, formats},
		{validation.Owner, validations},
	}
	for _, c := range core {
		if err := kernel.RegisterCore(c.name, c.plugin); err != nil {
			return nil, err
		}
		if provider, ok := c.plugin.(rangeref.Provider); ok {
			if err := m.ranges.Register(c.name, provider); err != nil {
				return nil, err
			}
		}
	}

	if !cfg.Headless {
		selected := selection.New(m.getters, kernel.UIDispatcher())
		m.getters.Selection = selected
		present := presence.New(cfg.Presence, m.getters)
		m.getters.Collaborators = present
		if err := kernel.RegisterUI("selection", selected); err != nil {
			return nil, err
		}
		if err := kernel.RegisterUI("presence", present); err != nil {
			return nil, err
		}
	}

	m.transforms, err = newTransforms(m.getters, logger)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Dispatch runs a local command. Sheet renames and deletions are completed
// with the names other clients need to replay them.
func (m *Model) Dispatch(ctx context.Context, cmd command.Command) (engine.Outcome, error) {
	return m.kernel.Dispatch(ctx, sheet.Complete(cmd, m.getters.Sheets))
}

// Replay re-dispatches core commands and returns the updates they produced.
func (m *Model) Replay(cmds []command.Command) []history.Update {
	return m.kernel.Replay(cmds)
}

// Transform rewrites cmd to apply after executed.
func (m *Model) Transform(cmd, executed command.Command) (command.Command, bool) {
	return m.transforms.Transform(cmd, executed)
}

// Inverse returns the commands that revert cmd's structure.
func (m *Model) Inverse(cmd command.Command) []command.Command {
	return m.transforms.Inverse(cmd)
}

// Finalize runs the finalize pass, after a batch of replays.
func (m *Model) Finalize() {
	m.kernel.Finalize()
}

// Import loads a document. It is not recorded.
func (m *Model) Import(doc document.Workbook) error {
	return m.kernel.Import(doc)
}

// Export returns the current document.
func (m *Model) Export() document.Workbook {
	return m.kernel.Export()
}

// Tree returns the state tree.
func (m *Model) Tree() *history.Tree {
	return m.tree
}

// Getters returns the getters facade.
func (m *Model) Getters() *getters.Getters {
	return m.getters
}

// Commands returns the command registry.
func (m *Model) Commands() *command.Registry {
	return m.commands
}

// Transforms returns the replay transform registry.
func (m *Model) Transforms() *ovt.Registry {
	return m.transforms
}

// Headless reports whether UI plugins are disabled.
func (m *Model) Headless() bool {
	return m.kernel.Headless()
}
