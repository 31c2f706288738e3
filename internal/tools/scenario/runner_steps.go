package scenario

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"reflect"
	"strings"

	"github.com/louisbranch/sheetsync/internal/services/sheet/collab"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/cell"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/command"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/rangeref"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/workbook"
)

type scenarioState struct {
	hub      *collab.MemoryHub
	order    []string
	names    map[string]string
	sessions map[string]*collab.Session
	started  bool
}

func (r *Runner) runStep(ctx context.Context, state *scenarioState, step Step) error {
	if step.Kind == "client" {
		return r.runClientStep(state, step.Args)
	}
	if err := r.start(state); err != nil {
		return err
	}

	switch step.Kind {
	case "set_cell":
		return r.runSetCellStep(ctx, state, step.Args)
	case "dispatch":
		return r.runDispatchStep(ctx, state, step.Args)
	case "undo", "redo":
		return r.runToggleStep(ctx, state, step.Kind, step.Args)
	case "deliver":
		return r.runDeliverStep(state, step.Args)
	case "duplicate":
		return r.runDuplicateStep(state, step.Args)
	case "flush":
		state.hub.Flush()
		return nil
	case "expect_cell":
		return r.runExpectCellStep(state, step.Args)
	case "expect_pending":
		return r.runExpectCountStep(state, step.Args, "pending", state.hub.Pending)
	case "expect_held":
		return r.runExpectCountStep(state, step.Args, "held", func(clientID string) int {
			return state.sessions[clientID].Held()
		})
	case "expect_converged":
		return r.runExpectConvergedStep(state)
	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

func (r *Runner) runClientStep(state *scenarioState, args map[string]any) error {
	if state.started {
		return errors.New("clients must be declared before the first edit")
	}
	clientID := optionalString(args, "id", "")
	if _, ok := state.names[clientID]; ok {
		return fmt.Errorf("client %q declared twice", clientID)
	}
	state.order = append(state.order, clientID)
	state.names[clientID] = optionalString(args, "name", clientID)
	return nil
}

// start connects every declared client before the first session exists, so
// no client misses a message.
func (r *Runner) start(state *scenarioState) error {
	if state.started {
		return nil
	}
	if len(state.order) == 0 {
		return errors.New("scenario declares no client")
	}
	state.started = true
	for _, clientID := range state.order {
		state.hub.Connect(clientID)
	}
	sessionLog := log.New(io.Discard, "", 0)
	if r.verbose {
		sessionLog = r.logger
	}
	for _, clientID := range state.order {
		session, err := collab.NewSession(collab.Config{
			ClientID: clientID,
			Name:     state.names[clientID],
			Network:  state.hub.Connect(clientID),
			Document: r.document,
			Logger:   sessionLog,
		})
		if err != nil {
			return fmt.Errorf("start client %s: %w", clientID, err)
		}
		state.sessions[clientID] = session
	}
	return nil
}

func (r *Runner) runSetCellStep(ctx context.Context, state *scenarioState, args map[string]any) error {
	session, err := sessionFor(state, args)
	if err != nil {
		return err
	}
	sheetID, col, row, err := r.cellTarget(args)
	if err != nil {
		return err
	}
	cmd, err := command.New(cell.CommandUpdate, cell.UpdatePayload{
		SheetID: sheetID,
		Col:     col,
		Row:     row,
		Content: optionalString(args, "content", ""),
	})
	if err != nil {
		return err
	}
	return r.dispatch(ctx, session, cmd, args)
}

func (r *Runner) runDispatchStep(ctx context.Context, state *scenarioState, args map[string]any) error {
	session, err := sessionFor(state, args)
	if err != nil {
		return err
	}
	typ := optionalString(args, "command", "")
	if typ == "" {
		return errors.New("dispatch command is required")
	}
	payload, _ := args["payload"].(map[string]any)
	if payload == nil {
		payload = map[string]any{}
	}
	cmd, err := command.New(command.Type(typ), payload)
	if err != nil {
		return err
	}
	return r.dispatch(ctx, session, cmd, args)
}

func (r *Runner) dispatch(ctx context.Context, session *collab.Session, cmd command.Command, args map[string]any) error {
	result, err := session.Dispatch(ctx, cmd)
	if err != nil {
		return fmt.Errorf("%s dispatch %s: %w", session.ClientID(), cmd.Type(), err)
	}
	expected := optionalString(args, "expect_rejected", "")
	switch {
	case expected == "" && !result.IsSuccess():
		return r.assertions.Failf("%s dispatch %s rejected: %s", session.ClientID(), cmd.Type(), result)
	case expected != "" && !result.IsRejectedBecause(expected):
		return r.assertions.Failf("%s dispatch %s = %s, want rejection %s", session.ClientID(), cmd.Type(), result, expected)
	}
	return nil
}

func (r *Runner) runToggleStep(ctx context.Context, state *scenarioState, kind string, args map[string]any) error {
	session, err := sessionFor(state, args)
	if err != nil {
		return err
	}
	if kind == "undo" {
		err = session.Undo(ctx)
	} else {
		err = session.Redo(ctx)
	}
	if expected := optionalString(args, "expect_error", ""); expected != "" {
		if err == nil || !strings.Contains(err.Error(), expected) {
			return r.assertions.Failf("%s %s error = %v, want %q", session.ClientID(), kind, err, expected)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", session.ClientID(), kind, err)
	}
	return nil
}

func (r *Runner) runDeliverStep(state *scenarioState, args map[string]any) error {
	session, err := sessionFor(state, args)
	if err != nil {
		return err
	}
	index := optionalInt(args, "index", 0)
	if !state.hub.Deliver(session.ClientID(), index) {
		return fmt.Errorf("%s has no pending message %d", session.ClientID(), index)
	}
	return nil
}

func (r *Runner) runDuplicateStep(state *scenarioState, args map[string]any) error {
	session, err := sessionFor(state, args)
	if err != nil {
		return err
	}
	index := optionalInt(args, "index", 0)
	if !state.hub.Duplicate(session.ClientID(), index) {
		return fmt.Errorf("%s has no pending message %d", session.ClientID(), index)
	}
	return nil
}

func (r *Runner) runExpectCellStep(state *scenarioState, args map[string]any) error {
	session, err := sessionFor(state, args)
	if err != nil {
		return err
	}
	sheetID, col, row, err := r.cellTarget(args)
	if err != nil {
		return err
	}
	want := optionalString(args, "content", "")
	var got string
	session.Read(func(m *workbook.Model) {
		got = m.Getters().Cells.Content(sheetID, col, row)
	})
	if got != want {
		return r.assertions.Failf("%s cell %s = %q, want %q", session.ClientID(), rangeref.CellName(col, row), got, want)
	}
	return nil
}

func (r *Runner) runExpectCountStep(state *scenarioState, args map[string]any, what string, count func(string) int) error {
	session, err := sessionFor(state, args)
	if err != nil {
		return err
	}
	want := optionalInt(args, "count", 0)
	if got := count(session.ClientID()); got != want {
		return r.assertions.Failf("%s %s = %d, want %d", session.ClientID(), what, got, want)
	}
	return nil
}

func (r *Runner) runExpectConvergedStep(state *scenarioState) error {
	first := state.sessions[state.order[0]]
	want := first.Snapshot()
	for _, clientID := range state.order[1:] {
		if got := state.sessions[clientID].Snapshot(); !reflect.DeepEqual(got, want) {
			return r.assertions.Failf("%s diverged from %s:\n got %v\nwant %v", clientID, first.ClientID(), got, want)
		}
	}
	return nil
}

// cellTarget resolves the sheet and A1 cell of a step. The sheet defaults
// to the first sheet of the starting document.
func (r *Runner) cellTarget(args map[string]any) (sheetID string, col, row int, err error) {
	sheetID = optionalString(args, "sheet", r.document.Sheets[0].ID)
	name := optionalString(args, "cell", "")
	col, row, ok := rangeref.ParseCellName(strings.ToUpper(name))
	if !ok {
		return "", 0, 0, fmt.Errorf("invalid cell %q", name)
	}
	return sheetID, col, row, nil
}

func sessionFor(state *scenarioState, args map[string]any) (*collab.Session, error) {
	clientID := optionalString(args, "client", "")
	session, ok := state.sessions[clientID]
	if !ok {
		return nil, fmt.Errorf("unknown client %q", clientID)
	}
	return session, nil
}

func optionalString(args map[string]any, key, fallback string) string {
	value, ok := args[key]
	if !ok || value == nil {
		return fallback
	}
	switch v := value.(type) {
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func optionalInt(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}
