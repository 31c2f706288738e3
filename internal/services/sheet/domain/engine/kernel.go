// Package engine runs commands through the registered plugins and records the
// resulting state changes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/command"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/document"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/history"
)

var (
	// ErrCommandRegistryRequired indicates a missing command registry.
	ErrCommandRegistryRequired = errors.New("command registry is required")
	// ErrTreeRequired indicates a missing state tree.
	ErrTreeRequired = errors.New("state tree is required")
	// ErrKernelStarted indicates a registration after the first dispatch.
	ErrKernelStarted = errors.New("plugins must be registered before the first dispatch")
	// ErrReentrantDispatch indicates Dispatch was called while a command is
	// running; plugins must use their Dispatcher instead.
	ErrReentrantDispatch = errors.New("dispatch already in progress")
)

// Rejection codes produced by the kernel itself.
const (
	RejectInvalidPayload = "InvalidPayload"
	RejectUIUnavailable  = "UIUnavailable"
	RejectNotRunning     = "NotRunning"
	RejectScope          = "InvalidScope"
)

const tracerName = "github.com/louisbranch/sheetsync/engine"

// Outcome is the result of an outermost dispatch.
type Outcome struct {
	Result command.Result
	// Commands are the core commands to store on the revision: the outermost
	// command when it is core, plus core commands dispatched by UI plugins.
	Commands []command.Command
	Updates  []history.Update
}

// Config wires a kernel.
type Config struct {
	Commands *command.Registry
	Tree     *history.Tree
	// Headless kernels never run UI plugins.
	Headless bool
	Logger   *log.Logger
	Tracer   trace.Tracer
}

type namedPlugin struct {
	name   string
	plugin Plugin
}

type namedCore struct {
	name   string
	plugin CorePlugin
}

// Kernel dispatches commands to core plugins then UI plugins.
type Kernel struct {
	commands *command.Registry
	tree     *history.Tree
	headless bool
	logger   *log.Logger
	tracer   trace.Tracer

	core []namedCore
	ui   []namedPlugin

	started   bool
	depth     int
	replaying bool
	recorded  []command.Command
}

// New builds a kernel without plugins.
func New(cfg Config) (*Kernel, error) {
	if cfg.Commands == nil {
		return nil, ErrCommandRegistryRequired
	}
	if cfg.Tree == nil {
		return nil, ErrTreeRequired
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Kernel{
		commands: cfg.Commands,
		tree:     cfg.Tree,
		headless: cfg.Headless,
		logger:   logger,
		tracer:   tracer,
	}, nil
}

// Headless reports whether UI plugins are disabled.
func (k *Kernel) Headless() bool {
	return k.headless
}

// Replaying reports whether the kernel is replaying core commands.
func (k *Kernel) Replaying() bool {
	return k.replaying
}

// RegisterCore appends a core plugin. Order is dispatch and import order.
func (k *Kernel) RegisterCore(name string, p CorePlugin) error {
	if err := k.checkRegistration(name, p == nil); err != nil {
		return err
	}
	k.core = append(k.core, namedCore{name: name, plugin: p})
	return nil
}

// RegisterUI appends a UI plugin. Headless kernels accept and ignore them.
func (k *Kernel) RegisterUI(name string, p Plugin) error {
	if err := k.checkRegistration(name, p == nil); err != nil {
		return err
	}
	k.ui = append(k.ui, namedPlugin{name: name, plugin: p})
	return nil
}

func (k *Kernel) checkRegistration(name string, missing bool) error {
	if k.started {
		return ErrKernelStarted
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("plugin name is required")
	}
	if missing {
		return fmt.Errorf("plugin %s is nil", name)
	}
	for _, p := range k.core {
		if p.name == name {
			return fmt.Errorf("plugin already registered: %s", name)
		}
	}
	for _, p := range k.ui {
		if p.name == name {
			return fmt.Errorf("plugin already registered: %s", name)
		}
	}
	return nil
}

// CoreDispatcher returns the dispatcher for core plugins. Commands dispatched
// through it are regenerated on replay and are not recorded.
func (k *Kernel) CoreDispatcher() Dispatcher {
	return DispatcherFunc(func(cmd command.Command) command.Result {
		return k.nested(cmd, false)
	})
}

// UIDispatcher returns the dispatcher for UI plugins. Core commands
// dispatched through it are recorded on the current revision.
func (k *Kernel) UIDispatcher() Dispatcher {
	return DispatcherFunc(func(cmd command.Command) command.Result {
		return k.nested(cmd, true)
	})
}

// Dispatch runs an outermost command: allow, before-handle and handle on
// every plugin, then finalize. Nested dispatches fold into the same outcome.
func (k *Kernel) Dispatch(ctx context.Context, cmd command.Command) (Outcome, error) {
	if k.depth > 0 {
		return Outcome{}, ErrReentrantDispatch
	}
	if err := k.commands.Validate(cmd); err != nil {
		if errors.Is(err, command.ErrPayloadInvalid) {
			return Outcome{Result: command.Rejectf(RejectInvalidPayload, err.Error())}, nil
		}
		return Outcome{}, err
	}
	isCore := k.commands.IsCore(cmd.Type())
	if !isCore && k.headless {
		return Outcome{Result: command.Rejectf(RejectUIUnavailable, "ui commands are not available in headless mode")}, nil
	}
	k.started = true

	_, span := k.tracer.Start(ctx, "sheet.dispatch", trace.WithAttributes(
		attribute.String("sheet.command.type", string(cmd.Type())),
		attribute.Bool("sheet.command.core", isCore),
	))
	defer span.End()

	if result := k.allow(cmd, isCore); !result.IsSuccess() {
		span.SetAttributes(attribute.String("sheet.command.result", result.String()))
		return Outcome{Result: result}, nil
	}

	observer := k.tree.Observer()
	if err := observer.Start(); err != nil {
		return Outcome{}, err
	}
	k.depth = 1
	k.recorded = nil
	defer func() {
		if rec := recover(); rec != nil {
			k.tree.Revert(observer.Stop())
			k.depth, k.recorded = 0, nil
			panic(rec)
		}
	}()
	if isCore {
		k.recorded = append(k.recorded, cmd)
	}
	k.handle(cmd, isCore)
	k.finalize()
	k.depth = 0

	updates := observer.Stop()
	commands := k.recorded
	k.recorded = nil
	span.SetAttributes(
		attribute.String("sheet.command.result", "success"),
		attribute.Int("sheet.command.updates", len(updates)),
	)
	if len(updates) > 0 && len(commands) == 0 {
		err := fmt.Errorf("%w: %s changed state without core commands", history.ErrRevisionWithoutCommands, cmd.Type())
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}
	return Outcome{Result: command.Success(), Commands: commands, Updates: updates}, nil
}

// Replay dispatches core commands to core plugins only and returns the
// updates they produced. Commands rejected by the allow pass are dropped, as
// are commands whose handlers panic; their partial changes are reverted.
func (k *Kernel) Replay(cmds []command.Command) []history.Update {
	k.started = true
	_, span := k.tracer.Start(context.Background(), "sheet.replay", trace.WithAttributes(
		attribute.Int("sheet.replay.commands", len(cmds)),
	))
	defer span.End()

	observer := k.tree.Observer()
	if err := observer.Start(); err != nil {
		panic(fmt.Errorf("replay: %w", err))
	}
	k.replaying = true
	defer func() {
		k.depth = 0
		k.replaying = false
	}()
	dropped := 0
	for _, cmd := range cmds {
		if err := k.commands.Validate(cmd); err != nil || !k.commands.IsCore(cmd.Type()) {
			k.logger.Printf("engine: replay drops %s: not a valid core command", cmd.Type())
			dropped++
			continue
		}
		if err := k.replayOne(observer, cmd); err != nil {
			k.logger.Printf("engine: replay drops %s: %v", cmd.Type(), err)
			dropped++
		}
	}
	span.SetAttributes(attribute.Int("sheet.replay.dropped", dropped))
	return observer.Stop()
}

func (k *Kernel) replayOne(observer *history.Observer, cmd command.Command) (err error) {
	mark := observer.Len()
	k.depth = 1
	defer func() {
		if rec := recover(); rec != nil {
			k.tree.Revert(observer.Truncate(mark))
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	if result := k.allow(cmd, true); !result.IsSuccess() {
		return errors.New(result.String())
	}
	k.handle(cmd, true)
	return nil
}

// Finalize runs the finalize pass on every active plugin. Callers use it
// after a batch of replays.
func (k *Kernel) Finalize() {
	k.finalize()
}

// Import loads a workbook into the core plugins in registration order.
func (k *Kernel) Import(doc document.Workbook) error {
	for _, p := range k.core {
		if err := p.plugin.Import(&doc); err != nil {
			return fmt.Errorf("import %s: %w", p.name, err)
		}
	}
	k.finalize()
	return nil
}

// Export collects the workbook from the core plugins in registration order.
func (k *Kernel) Export() document.Workbook {
	doc := document.Workbook{Version: document.Version}
	for _, p := range k.core {
		p.plugin.Export(&doc)
	}
	return doc
}

func (k *Kernel) nested(cmd command.Command, fromUI bool) command.Result {
	if k.depth == 0 {
		return command.Rejectf(RejectNotRunning, "nested dispatch outside of a running command")
	}
	if err := k.commands.Validate(cmd); err != nil {
		k.logger.Printf("engine: nested dispatch of %s rejected: %v", cmd.Type(), err)
		return command.Rejectf(RejectInvalidPayload, err.Error())
	}
	isCore := k.commands.IsCore(cmd.Type())
	if !isCore && (!fromUI || k.replaying) {
		return command.Rejectf(RejectScope, "ui commands cannot be dispatched here")
	}
	if result := k.allow(cmd, isCore); !result.IsSuccess() {
		return result
	}
	if isCore && fromUI && !k.replaying {
		k.recorded = append(k.recorded, cmd)
	}
	k.depth++
	k.handle(cmd, isCore)
	k.depth--
	return command.Success()
}

func (k *Kernel) uiActive() bool {
	return !k.headless && !k.replaying
}

func (k *Kernel) allow(cmd command.Command, isCore bool) command.Result {
	if isCore {
		for _, p := range k.core {
			if result := p.plugin.AllowDispatch(cmd); !result.IsSuccess() {
				return result
			}
		}
	}
	if k.uiActive() {
		for _, p := range k.ui {
			if result := p.plugin.AllowDispatch(cmd); !result.IsSuccess() {
				return result
			}
		}
	}
	return command.Success()
}

func (k *Kernel) handle(cmd command.Command, isCore bool) {
	plugins := k.active(isCore)
	for _, p := range plugins {
		p.BeforeHandle(cmd)
	}
	for _, p := range plugins {
		p.Handle(cmd)
	}
}

func (k *Kernel) finalize() {
	for _, p := range k.active(true) {
		p.Finalize()
	}
}

// active lists the plugins that see a command: core plugins only for core
// commands, then UI plugins outside headless and replay modes.
func (k *Kernel) active(isCore bool) []Plugin {
	plugins := make([]Plugin, 0, len(k.core)+len(k.ui))
	if isCore {
		for _, p := range k.core {
			plugins = append(plugins, p.plugin)
		}
	}
	if k.uiActive() {
		for _, p := range k.ui {
			plugins = append(plugins, p.plugin)
		}
	}
	return plugins
}
