package engine

import (
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/command"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/document"
)

// Plugin receives every dispatched command through three passes.
type Plugin interface {
	// AllowDispatch may reject the command before any plugin handles it.
	AllowDispatch(cmd command.Command) command.Result
	BeforeHandle(cmd command.Command)
	Handle(cmd command.Command)
	// Finalize runs once after the outermost dispatch.
	Finalize()
}

// CorePlugin owns persistent, replayable state in the history tree.
type CorePlugin interface {
	Plugin
	Import(doc *document.Workbook) error
	Export(doc *document.Workbook)
}

// Base provides no-op lifecycle hooks for plugins to embed.
type Base struct{}

// AllowDispatch accepts every command.
func (Base) AllowDispatch(command.Command) command.Result { return command.Success() }

// BeforeHandle does nothing.
func (Base) BeforeHandle(command.Command) {}

// Handle does nothing.
func (Base) Handle(command.Command) {}

// Finalize does nothing.
func (Base) Finalize() {}

// Dispatcher is handed to plugins for nested dispatch.
type Dispatcher interface {
	Dispatch(cmd command.Command) command.Result
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(cmd command.Command) command.Result

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(cmd command.Command) command.Result {
	return f(cmd)
}
