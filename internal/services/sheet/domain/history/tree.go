// Package history records state mutations and keeps the selective revision
// log used for undo, redo and collaborative replay.
package history

import (
	"errors"
	"reflect"
	"sort"
	"strings"
)

var (
	// ErrAlreadyRecording indicates a nested Start on the observer.
	ErrAlreadyRecording = errors.New("observer is already recording")
	// ErrOwnerRequired indicates a mutation without an owning namespace.
	ErrOwnerRequired = errors.New("mutation owner is required")
)

// Path addresses a value inside the state tree.
type Path []string

func (p Path) String() string {
	return strings.Join(p, "/")
}

// Clone returns an independent copy of the path.
func (p Path) Clone() Path {
	return append(Path(nil), p...)
}

// Update is one recorded mutation. A nil Value deletes the key; a nil
// Previous means the key did not exist.
type Update struct {
	Path     Path `json:"path"`
	Value    any  `json:"value"`
	Previous any  `json:"previous,omitempty"`
}

// Inverse returns the update that undoes u.
func (u Update) Inverse() Update {
	return Update{Path: u.Path, Value: u.Previous, Previous: u.Value}
}

// Observer collects updates while a command is being handled.
type Observer struct {
	recording bool
	buffer    []Update
}

// Start moves the observer from IDLE to RECORDING.
func (o *Observer) Start() error {
	if o.recording {
		return ErrAlreadyRecording
	}
	o.recording = true
	o.buffer = nil
	return nil
}

// Stop returns the collected updates and goes back to IDLE.
func (o *Observer) Stop() []Update {
	updates := o.buffer
	o.recording = false
	o.buffer = nil
	return updates
}

// Len returns the number of updates collected so far.
func (o *Observer) Len() int {
	return len(o.buffer)
}

// Truncate keeps the first n collected updates and returns the others.
func (o *Observer) Truncate(n int) []Update {
	if n < 0 || n >= len(o.buffer) {
		return nil
	}
	dropped := append([]Update(nil), o.buffer[n:]...)
	o.buffer = o.buffer[:n]
	return dropped
}

// Recording reports whether the observer is collecting updates.
func (o *Observer) Recording() bool {
	return o != nil && o.recording
}

func (o *Observer) record(u Update) {
	if o.Recording() {
		o.buffer = append(o.buffer, u)
	}
}

// Tree is the plugin state store. Each plugin owns the subtree under its
// name. Values must be treated as immutable; replace them, never mutate.
type Tree struct {
	root     map[string]any
	observer *Observer
	watchers []func(Update)
}

// NewTree creates an empty tree with its own observer.
func NewTree() *Tree {
	return &Tree{root: make(map[string]any), observer: &Observer{}}
}

// Observer returns the tree's mutation observer.
func (t *Tree) Observer() *Observer {
	return t.observer
}

// Watch registers fn to be called after every effective change, recorded or
// not.
func (t *Tree) Watch(fn func(Update)) {
	if fn != nil {
		t.watchers = append(t.watchers, fn)
	}
}

// Update sets the value at path inside owner's namespace and records the
// change when the observer is recording.
func (t *Tree) Update(owner string, path Path, value any) {
	if owner == "" {
		panic(ErrOwnerRequired)
	}
	full := make(Path, 0, len(path)+1)
	full = append(full, owner)
	full = append(full, path...)
	previous, _ := t.lookup(full)
	if reflect.DeepEqual(previous, value) {
		return
	}
	u := Update{Path: full, Value: value, Previous: previous}
	t.set(full, value)
	t.observer.record(u)
	t.notify(u)
}

// Get returns the value at path inside owner's namespace.
func (t *Tree) Get(owner string, path ...string) (any, bool) {
	full := append(Path{owner}, path...)
	return t.lookup(full)
}

// Keys lists the sorted child keys of a node inside owner's namespace.
func (t *Tree) Keys(owner string, path ...string) []string {
	node, ok := t.Get(owner, path...)
	if !ok {
		return nil
	}
	m, ok := node.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Apply writes a raw update without recording it.
func (t *Tree) Apply(u Update) {
	current, _ := t.lookup(u.Path)
	if reflect.DeepEqual(current, u.Value) {
		return
	}
	t.set(u.Path, u.Value)
	t.notify(Update{Path: u.Path, Value: u.Value, Previous: current})
}

// Revert undoes changes, last first.
func (t *Tree) Revert(changes []Update) {
	for i := len(changes) - 1; i >= 0; i-- {
		t.Apply(changes[i].Inverse())
	}
}

// Snapshot returns a structural copy of the whole tree.
func (t *Tree) Snapshot() map[string]any {
	return copyNode(t.root)
}

// Reset drops all state without recording.
func (t *Tree) Reset() {
	t.root = make(map[string]any)
}

func (t *Tree) notify(u Update) {
	for _, fn := range t.watchers {
		fn(u)
	}
}

func (t *Tree) lookup(path Path) (any, bool) {
	var node any = t.root
	for _, key := range path {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

func (t *Tree) set(path Path, value any) {
	if len(path) == 0 {
		return
	}
	if value == nil {
		t.delete(t.root, path)
		return
	}
	node := t.root
	for _, key := range path[:len(path)-1] {
		next, ok := node[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			node[key] = next
		}
		node = next
	}
	node[path[len(path)-1]] = value
}

// delete removes the leaf and prunes parents left empty.
func (t *Tree) delete(node map[string]any, path Path) bool {
	key := path[0]
	if len(path) == 1 {
		delete(node, key)
		return len(node) == 0
	}
	child, ok := node[key].(map[string]any)
	if !ok {
		return false
	}
	if t.delete(child, path[1:]) {
		delete(node, key)
	}
	return len(node) == 0
}

func copyNode(node map[string]any) map[string]any {
	out := make(map[string]any, len(node))
	for k, v := range node {
		if child, ok := v.(map[string]any); ok {
			out[k] = copyNode(child)
			continue
		}
		out[k] = v
	}
	return out
}
