// Package ovt holds the operation value transforms applied to commands that
// are replayed after another command changed the sheet structure.
package ovt

import (
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/command"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/getters"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/rangeref"
)

// Context describes the command a transformed command is replayed after.
type Context struct {
	Executed command.Command
	// Change is the structural change Executed implies, when HasChange.
	Change    rangeref.Structural
	HasChange bool
	// Resolver knows the current sheets plus any sheet Executed names.
	Resolver rangeref.Resolver
}

// Func rewrites a whole command. A false result drops it.
type Func func(cmd command.Command, ctx Context) (command.Command, bool)

// TextFunc rewrites one reference text of a payload. A false result removes
// the text: array elements are deleted, scalar fields are unset.
type TextFunc func(text, sheetID string, ctx Context) (string, bool)

// ChangeFunc derives the structural change of a command.
type ChangeFunc func(cmd command.Command) (rangeref.Structural, bool)

// InverseFunc derives the commands that structurally revert a command.
type InverseFunc func(cmd command.Command) []command.Command

// Config wires a registry.
type Config struct {
	Change  ChangeFunc
	Inverse InverseFunc
	Getters *getters.Getters
	Logger  *log.Logger
}

type entry struct {
	path string
	text TextFunc
	fn   Func
}

// Registry maps command types to transforms, applied in registration order.
// Types without entries replay unchanged.
type Registry struct {
	change  ChangeFunc
	inverse InverseFunc
	getters *getters.Getters
	logger  *log.Logger
	entries map[command.Type][]entry
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		change:  cfg.Change,
		inverse: cfg.Inverse,
		getters: cfg.Getters,
		logger:  logger,
		entries: make(map[command.Type][]entry),
	}
}

// Register adds a whole-command transform for t.
func (r *Registry) Register(t command.Type, fn Func) error {
	if strings.TrimSpace(string(t)) == "" {
		return command.ErrTypeRequired
	}
	if fn == nil {
		return fmt.Errorf("transform for %s is nil", t)
	}
	r.entries[t] = append(r.entries[t], entry{fn: fn})
	return nil
}

// RegisterText adds a transform for the reference text at a payload path.
// The path may address a string or an array of strings. It only runs when
// the executed command changed the structure.
func (r *Registry) RegisterText(t command.Type, path string, fn TextFunc) error {
	if strings.TrimSpace(string(t)) == "" {
		return command.ErrTypeRequired
	}
	if strings.TrimSpace(path) == "" || fn == nil {
		return fmt.Errorf("text transform for %s needs a path and a function", t)
	}
	for _, e := range r.entries[t] {
		if e.path == path {
			return fmt.Errorf("text transform already registered: %s %s", t, path)
		}
	}
	r.entries[t] = append(r.entries[t], entry{path: path, text: fn})
	return nil
}

// Types lists command types with at least one transform.
func (r *Registry) Types() []command.Type {
	types := make([]command.Type, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// TextPaths lists the payload paths with a text transform for t.
func (r *Registry) TextPaths(t command.Type) []string {
	var paths []string
	for _, e := range r.entries[t] {
		if e.text != nil {
			paths = append(paths, e.path)
		}
	}
	return paths
}

// Transform rewrites cmd so it applies after executed.
func (r *Registry) Transform(cmd command.Command, executed command.Command) (command.Command, bool) {
	entries := r.entries[cmd.Type()]
	if len(entries) == 0 {
		return cmd, true
	}
	ctx := r.context(executed)
	for _, e := range entries {
		var ok bool
		if e.fn != nil {
			cmd, ok = e.fn(cmd, ctx)
		} else {
			cmd, ok = r.rewriteText(cmd, e, ctx)
		}
		if !ok {
			return command.Command{}, false
		}
	}
	return cmd, true
}

// Inverse returns the commands that revert cmd's structure.
func (r *Registry) Inverse(cmd command.Command) []command.Command {
	if r.inverse == nil {
		return nil
	}
	return r.inverse(cmd)
}

func (r *Registry) context(executed command.Command) Context {
	ctx := Context{Executed: executed, Resolver: r.getters.Resolver()}
	if r.change != nil {
		ctx.Change, ctx.HasChange = r.change(executed)
	}
	payload := string(executed.Payload())
	id, name := gjson.Get(payload, "sheet_id").String(), gjson.Get(payload, "name").String()
	if id != "" && name != "" {
		ctx.Resolver = withSheet(ctx.Resolver, id, name)
	}
	return ctx
}

func (r *Registry) rewriteText(cmd command.Command, e entry, ctx Context) (command.Command, bool) {
	if !ctx.HasChange {
		return cmd, true
	}
	payload := string(cmd.Payload())
	value := gjson.Get(payload, e.path)
	if !value.Exists() {
		return cmd, true
	}
	sheetID := gjson.Get(payload, "sheet_id").String()
	next := payload
	var err error
	if value.IsArray() {
		items := value.Array()
		for i := len(items) - 1; i >= 0; i-- {
			elem := e.path + "." + strconv.Itoa(i)
			text, keep := e.text(items[i].String(), sheetID, ctx)
			switch {
			case !keep:
				next, err = sjson.Delete(next, elem)
			case text != items[i].String():
				next, err = sjson.Set(next, elem, text)
			}
			if err != nil {
				break
			}
		}
	} else {
		text, keep := e.text(value.String(), sheetID, ctx)
		switch {
		case !keep:
			next, err = sjson.Delete(next, e.path)
		case text != value.String():
			next, err = sjson.Set(next, e.path, text)
		}
	}
	if err != nil {
		r.logger.Printf("ovt: rewrite %s of %s: %v", e.path, cmd.Type(), err)
		return cmd, true
	}
	if next == payload {
		return cmd, true
	}
	out, err := cmd.WithPayload([]byte(next))
	if err != nil {
		r.logger.Printf("ovt: rewrite %s of %s: %v", e.path, cmd.Type(), err)
		return cmd, true
	}
	return out, true
}
