package engine

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/command"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/document"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/history"
)

type setPayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type callLog struct {
	calls []string
}

func (t *callLog) add(call string) {
	t.calls = append(t.calls, call)
}

type corePlugin struct {
	Base
	name     string
	trace    *callLog
	tree     *history.Tree
	dispatch Dispatcher
	reject   command.Type
	panicOn  command.Type
	panicKey string
}

func (p *corePlugin) AllowDispatch(cmd command.Command) command.Result {
	p.trace.add(p.name + ".allow." + string(cmd.Type()))
	if cmd.Type() == p.reject {
		return command.Rejectf("Nope", "rejected")
	}
	return command.Success()
}

func (p *corePlugin) BeforeHandle(cmd command.Command) {
	p.trace.add(p.name + ".before." + string(cmd.Type()))
}

func (p *corePlugin) Handle(cmd command.Command) {
	p.trace.add(p.name + ".handle." + string(cmd.Type()))
	if p.tree == nil {
		return
	}
	switch cmd.Type() {
	case "core.set":
		var payload setPayload
		_ = cmd.Decode(&payload)
		p.tree.Update(p.name, history.Path{payload.Key}, payload.Value)
		if cmd.Type() == p.panicOn || (p.panicKey != "" && payload.Key == p.panicKey) {
			panic("boom")
		}
	case "core.cascade":
		p.dispatch.Dispatch(command.MustNew("core.set", setPayload{Key: "cascade", Value: "x"}))
	}
}

func (p *corePlugin) Finalize() {
	p.trace.add(p.name + ".finalize")
}

func (p *corePlugin) Import(doc *document.Workbook) error {
	p.trace.add(p.name + ".import")
	return nil
}

func (p *corePlugin) Export(doc *document.Workbook) {
	doc.Sheets = append(doc.Sheets, document.Sheet{ID: p.name})
}

type uiPlugin struct {
	Base
	trace    *callLog
	dispatch Dispatcher
}

func (p *uiPlugin) AllowDispatch(cmd command.Command) command.Result {
	p.trace.add("ui.allow." + string(cmd.Type()))
	return command.Success()
}

func (p *uiPlugin) Handle(cmd command.Command) {
	p.trace.add("ui.handle." + string(cmd.Type()))
	if cmd.Type() == "ui.fill" {
		p.dispatch.Dispatch(command.MustNew("core.set", setPayload{Key: "filled", Value: "y"}))
	}
}

func (p *uiPlugin) Finalize() {
	p.trace.add("ui.finalize")
}

type fixture struct {
	kernel *Kernel
	tree   *history.Tree
	trace  *callLog
	core   *corePlugin
	ui     *uiPlugin
	spans  *tracetest.SpanRecorder
	logs   *bytes.Buffer
}

func newFixture(t *testing.T, headless bool) *fixture {
	t.Helper()
	registry := command.NewRegistry()
	for _, def := range []command.Definition{
		{Type: "core.set", Scope: command.ScopeCore, Schema: `{"type":"object","required":["key"]}`},
		{Type: "core.cascade", Scope: command.ScopeCore},
		{Type: "core.rejected", Scope: command.ScopeCore},
		{Type: "ui.fill", Scope: command.ScopeUI},
		{Type: "ui.noop", Scope: command.ScopeUI},
	} {
		if err := registry.Register(def); err != nil {
			t.Fatalf("register %s: %v", def.Type, err)
		}
	}
	spans := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	logs := &bytes.Buffer{}
	tree := history.NewTree()
	kernel, err := New(Config{
		Commands: registry,
		Tree:     tree,
		Headless: headless,
		Logger:   log.New(logs, "", 0),
		Tracer:   provider.Tracer("test"),
	})
	if err != nil {
		t.Fatalf("new kernel: %v", err)
	}
	tr := &callLog{}
	core := &corePlugin{name: "core", trace: tr, tree: tree, dispatch: kernel.CoreDispatcher(), reject: "core.rejected"}
	ui := &uiPlugin{trace: tr, dispatch: kernel.UIDispatcher()}
	if err := kernel.RegisterCore("core", core); err != nil {
		t.Fatalf("register core: %v", err)
	}
	if err := kernel.RegisterUI("ui", ui); err != nil {
		t.Fatalf("register ui: %v", err)
	}
	return &fixture{kernel: kernel, tree: tree, trace: tr, core: core, ui: ui, spans: spans, logs: logs}
}

func (f *fixture) dispatch(t *testing.T, cmd command.Command) Outcome {
	t.Helper()
	out, err := f.kernel.Dispatch(context.Background(), cmd)
	if err != nil {
		t.Fatalf("dispatch %s: %v", cmd.Type(), err)
	}
	return out
}

func TestDispatchPassOrder(t *testing.T) {
	f := newFixture(t, false)
	out := f.dispatch(t, command.MustNew("core.set", setPayload{Key: "a", Value: "1"}))
	if !out.Result.IsSuccess() {
		t.Fatalf("expected success, got %v", out.Result)
	}
	want := "core.allow.core.set ui.allow.core.set core.before.core.set core.handle.core.set ui.handle.core.set core.finalize ui.finalize"
	if got := strings.Join(f.trace.calls, " "); got != want {
		t.Fatalf("unexpected pass order:\n got %s\nwant %s", got, want)
	}
	if len(out.Commands) != 1 || len(out.Updates) != 1 {
		t.Fatalf("expected one command and one update, got %d %d", len(out.Commands), len(out.Updates))
	}
	if got := out.Updates[0].Path.String(); got != "core/a" {
		t.Fatalf("unexpected update path %s", got)
	}
}

func TestRejectionStopsBeforeHandle(t *testing.T) {
	f := newFixture(t, false)
	out := f.dispatch(t, command.MustNew("core.rejected", nil))
	if !out.Result.IsRejectedBecause("Nope") {
		t.Fatalf("expected rejection, got %v", out.Result)
	}
	for _, call := range f.trace.calls {
		if strings.Contains(call, "handle") || strings.Contains(call, "finalize") {
			t.Fatalf("unexpected call after rejection: %v", f.trace.calls)
		}
	}
}

func TestInvalidPayloadIsRejected(t *testing.T) {
	f := newFixture(t, false)
	out := f.dispatch(t, command.MustNew("core.set", map[string]string{"value": "1"}))
	if !out.Result.IsRejectedBecause(RejectInvalidPayload) {
		t.Fatalf("expected invalid payload rejection, got %v", out.Result)
	}
	if _, err := f.kernel.Dispatch(context.Background(), command.MustNew("core.unknown", nil)); !errors.Is(err, command.ErrTypeUnknown) {
		t.Fatalf("expected ErrTypeUnknown, got %v", err)
	}
}

func TestUICommandsSkipCorePlugins(t *testing.T) {
	f := newFixture(t, false)
	out := f.dispatch(t, command.MustNew("ui.noop", nil))
	if len(out.Commands) != 0 || len(out.Updates) != 0 {
		t.Fatalf("expected no revision content, got %+v", out)
	}
	for _, call := range f.trace.calls {
		if strings.HasPrefix(call, "core.") && call != "core.finalize" {
			t.Fatalf("core plugin saw ui command: %v", f.trace.calls)
		}
	}
}

func TestNestedDispatchFoldsIntoOneOutcome(t *testing.T) {
	f := newFixture(t, false)
	out := f.dispatch(t, command.MustNew("ui.fill", nil))
	if len(out.Commands) != 1 || out.Commands[0].Type() != "core.set" {
		t.Fatalf("expected ui-dispatched core command recorded, got %v", out.Commands)
	}
	if len(out.Updates) != 1 {
		t.Fatalf("expected nested update folded, got %v", out.Updates)
	}

	f.trace.calls = nil
	out = f.dispatch(t, command.MustNew("core.cascade", nil))
	if len(out.Commands) != 1 || out.Commands[0].Type() != "core.cascade" {
		t.Fatalf("core-dispatched commands must not be recorded, got %v", out.Commands)
	}
	if got, _ := f.tree.Get("core", "cascade"); got != "x" {
		t.Fatalf("expected nested core command applied, got %v", got)
	}
	finalizes := 0
	for _, call := range f.trace.calls {
		if call == "core.finalize" {
			finalizes++
		}
	}
	if finalizes != 1 {
		t.Fatalf("expected one finalize for nested dispatch, got %d", finalizes)
	}
}

func TestReplayRunsCorePluginsOnly(t *testing.T) {
	f := newFixture(t, false)
	updates := f.kernel.Replay([]command.Command{
		command.MustNew("core.set", setPayload{Key: "a", Value: "1"}),
		command.MustNew("core.rejected", nil),
		command.MustNew("ui.noop", nil),
	})
	if len(updates) != 1 {
		t.Fatalf("expected one replayed update, got %v", updates)
	}
	for _, call := range f.trace.calls {
		if strings.HasPrefix(call, "ui.") {
			t.Fatalf("ui plugin ran during replay: %v", f.trace.calls)
		}
	}
	if !strings.Contains(f.logs.String(), "replay drops core.rejected") {
		t.Fatalf("expected dropped command logged, got %q", f.logs.String())
	}
	if f.kernel.Replaying() {
		t.Fatal("replay flag left set")
	}
}

func TestRegistrationRules(t *testing.T) {
	f := newFixture(t, false)
	if err := f.kernel.RegisterUI("ui", &uiPlugin{trace: f.trace}); err == nil {
		t.Fatal("expected duplicate plugin error")
	}
	f.dispatch(t, command.MustNew("ui.noop", nil))
	if err := f.kernel.RegisterUI("late", &uiPlugin{trace: f.trace}); !errors.Is(err, ErrKernelStarted) {
		t.Fatalf("expected ErrKernelStarted, got %v", err)
	}
}

func TestPanicRevertsChanges(t *testing.T) {
	f := newFixture(t, false)
	f.core.panicOn = "core.set"
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_, _ = f.kernel.Dispatch(context.Background(), command.MustNew("core.set", setPayload{Key: "a", Value: "1"}))
	}()
	if len(f.tree.Snapshot()) != 0 {
		t.Fatalf("expected changes reverted, got %v", f.tree.Snapshot())
	}
	f.core.panicOn = ""
	if out := f.dispatch(t, command.MustNew("core.set", setPayload{Key: "b", Value: "2"})); !out.Result.IsSuccess() {
		t.Fatalf("kernel unusable after panic: %v", out.Result)
	}
}

func TestReplayDropsPanickingCommands(t *testing.T) {
	f := newFixture(t, false)
	f.core.panicKey = "cascade"
	updates := f.kernel.Replay([]command.Command{
		command.MustNew("core.set", setPayload{Key: "a", Value: "1"}),
		command.MustNew("core.cascade", nil),
		command.MustNew("core.set", setPayload{Key: "b", Value: "2"}),
	})
	if len(updates) != 2 {
		t.Fatalf("expected updates of a and b only, got %v", updates)
	}
	if _, ok := f.tree.Get("core", "cascade"); ok {
		t.Fatalf("expected panicking change reverted, got %v", f.tree.Snapshot())
	}
	if _, ok := f.tree.Get("core", "b"); !ok {
		t.Fatal("expected replay to continue after the panic")
	}
	if !strings.Contains(f.logs.String(), "replay drops core.cascade: handler panic: boom") {
		t.Fatalf("expected dropped command logged, got %q", f.logs.String())
	}
	if f.kernel.Replaying() || f.tree.Observer().Recording() {
		t.Fatal("replay left the kernel running")
	}

	f.core.panicKey = ""
	if out := f.dispatch(t, command.MustNew("core.set", setPayload{Key: "c", Value: "3"})); !out.Result.IsSuccess() || len(out.Updates) != 1 {
		t.Fatalf("kernel unusable after replay panic: %+v", out)
	}
}

func TestHeadlessRejectsUICommands(t *testing.T) {
	f := newFixture(t, true)
	out := f.dispatch(t, command.MustNew("ui.noop", nil))
	if !out.Result.IsRejectedBecause(RejectUIUnavailable) {
		t.Fatalf("expected headless rejection, got %v", out.Result)
	}
	f.dispatch(t, command.MustNew("core.set", setPayload{Key: "a", Value: "1"}))
	for _, call := range f.trace.calls {
		if strings.HasPrefix(call, "ui.") {
			t.Fatalf("ui plugin ran in headless mode: %v", f.trace.calls)
		}
	}
}

func TestImportExportFollowRegistrationOrder(t *testing.T) {
	f := newFixture(t, false)
	if err := f.kernel.Import(document.Default()); err != nil {
		t.Fatalf("import: %v", err)
	}
	if f.trace.calls[0] != "core.import" {
		t.Fatalf("expected import first, got %v", f.trace.calls)
	}
	doc := f.kernel.Export()
	if doc.Version != document.Version || len(doc.Sheets) != 1 || doc.Sheets[0].ID != "core" {
		t.Fatalf("unexpected export %+v", doc)
	}
}

func TestDispatchOpensSpans(t *testing.T) {
	f := newFixture(t, false)
	f.dispatch(t, command.MustNew("core.set", setPayload{Key: "a", Value: "1"}))
	f.kernel.Replay(nil)
	var names []string
	for _, span := range f.spans.Ended() {
		names = append(names, span.Name())
	}
	if got := strings.Join(names, ","); got != "sheet.dispatch,sheet.replay" {
		t.Fatalf("unexpected spans %s", got)
	}
}
