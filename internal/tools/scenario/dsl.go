package scenario

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/Shopify/go-lua"
)

const (
	scenarioTypeName = "scenario"
	clientTypeName   = "scenario_client"
)

// Scenario is a named list of steps loaded from a Lua script.
type Scenario struct {
	Name  string
	Steps []Step
}

// Step is one scenario instruction with its Lua arguments.
type Step struct {
	Kind string
	Args map[string]any
}

// clientHandle scopes the steps it appends to one client.
type clientHandle struct {
	scenario *Scenario
	clientID string
}

// LoadScenarioFromFile runs a Lua script that must return a Scenario.
func LoadScenarioFromFile(path string) (*Scenario, error) {
	state := lua.NewState()
	lua.OpenLibraries(state)

	registerLuaTypes(state)

	if err := lua.LoadFile(state, path, ""); err != nil {
		return nil, fmt.Errorf("load lua: %w", err)
	}
	if err := state.ProtectedCall(0, 1, 0); err != nil {
		return nil, fmt.Errorf("run lua: %w", err)
	}

	if state.TypeOf(-1) != lua.TypeUserData {
		state.Pop(1)
		return nil, fmt.Errorf("scenario script must return Scenario")
	}
	ud := state.ToUserData(-1)
	state.Pop(1)
	scenario, ok := ud.(*Scenario)
	if !ok || scenario == nil {
		return nil, fmt.Errorf("scenario script returned invalid Scenario")
	}
	if strings.TrimSpace(scenario.Name) == "" {
		scenario.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return scenario, nil
}

func registerLuaTypes(state *lua.State) {
	registerMetaTable(state, scenarioTypeName, scenarioMethods)
	registerMetaTable(state, clientTypeName, clientMethods)

	state.NewTable()
	lua.SetFunctions(state, scenarioConstructor, 0)
	state.SetGlobal("Scenario")
}

func registerMetaTable(state *lua.State, name string, methods []lua.RegistryFunction) {
	lua.NewMetaTable(state, name)
	state.NewTable()
	lua.SetFunctions(state, methods, 0)
	state.SetField(-2, "__index")
	state.Pop(1)
}

var scenarioConstructor = []lua.RegistryFunction{
	{Name: "new", Function: scenarioNew},
}

func scenarioNew(state *lua.State) int {
	name := lua.OptString(state, 1, "")
	scenario := &Scenario{Name: name}
	state.PushUserData(scenario)
	lua.SetMetaTableNamed(state, scenarioTypeName)
	return 1
}

var scenarioMethods = []lua.RegistryFunction{
	{Name: "client", Function: scenarioClient},
	{Name: "set_cell", Function: scenarioTableStep("set_cell")},
	{Name: "dispatch", Function: scenarioTableStep("dispatch")},
	{Name: "undo", Function: scenarioClientStep("undo")},
	{Name: "redo", Function: scenarioClientStep("redo")},
	{Name: "deliver", Function: scenarioTableStep("deliver")},
	{Name: "duplicate", Function: scenarioTableStep("duplicate")},
	{Name: "flush", Function: scenarioFlush},
	{Name: "expect_cell", Function: scenarioTableStep("expect_cell")},
	{Name: "expect_pending", Function: scenarioTableStep("expect_pending")},
	{Name: "expect_held", Function: scenarioTableStep("expect_held")},
	{Name: "expect_converged", Function: scenarioExpectConverged},
}

// scenarioClient declares a client and returns a handle for chaining.
func scenarioClient(state *lua.State) int {
	scenario := checkScenario(state)
	clientID := strings.TrimSpace(lua.CheckString(state, 2))
	if clientID == "" {
		lua.Errorf(state, "client id is required")
		return 0
	}
	data := optionalTable(state, 3)
	data["id"] = clientID
	appendStep(scenario, "client", data)
	state.PushUserData(&clientHandle{scenario: scenario, clientID: clientID})
	lua.SetMetaTableNamed(state, clientTypeName)
	return 1
}

func scenarioTableStep(kind string) lua.Function {
	return func(state *lua.State) int {
		scenario := checkScenario(state)
		lua.CheckType(state, 2, lua.TypeTable)
		data := tableToMap(state, 2)
		if _, ok := data["client"]; !ok {
			lua.Errorf(state, "%s client is required", kind)
			return 0
		}
		appendStep(scenario, kind, data)
		return 0
	}
}

func scenarioClientStep(kind string) lua.Function {
	return func(state *lua.State) int {
		scenario := checkScenario(state)
		clientID := lua.CheckString(state, 2)
		data := optionalTable(state, 3)
		data["client"] = clientID
		appendStep(scenario, kind, data)
		return 0
	}
}

func scenarioFlush(state *lua.State) int {
	appendStep(checkScenario(state), "flush", nil)
	return 0
}

func scenarioExpectConverged(state *lua.State) int {
	scenario := checkScenario(state)
	appendStep(scenario, "expect_converged", optionalTable(state, 2))
	return 0
}

var clientMethods = []lua.RegistryFunction{
	{Name: "set_cell", Function: clientTableStep("set_cell")},
	{Name: "dispatch", Function: clientTableStep("dispatch")},
	{Name: "expect_cell", Function: clientTableStep("expect_cell")},
	{Name: "undo", Function: clientBareStep("undo")},
	{Name: "redo", Function: clientBareStep("redo")},
}

func clientTableStep(kind string) lua.Function {
	return func(state *lua.State) int {
		handle := checkClient(state)
		lua.CheckType(state, 2, lua.TypeTable)
		data := tableToMap(state, 2)
		data["client"] = handle.clientID
		appendStep(handle.scenario, kind, data)
		state.PushValue(1)
		return 1
	}
}

func clientBareStep(kind string) lua.Function {
	return func(state *lua.State) int {
		handle := checkClient(state)
		appendStep(handle.scenario, kind, map[string]any{"client": handle.clientID})
		state.PushValue(1)
		return 1
	}
}

func checkScenario(state *lua.State) *Scenario {
	ud := lua.CheckUserData(state, 1, scenarioTypeName)
	if scenario, ok := ud.(*Scenario); ok && scenario != nil {
		return scenario
	}
	lua.ArgumentError(state, 1, "scenario expected")
	return nil
}

func checkClient(state *lua.State) *clientHandle {
	ud := lua.CheckUserData(state, 1, clientTypeName)
	if handle, ok := ud.(*clientHandle); ok && handle != nil {
		return handle
	}
	lua.ArgumentError(state, 1, "client expected")
	return nil
}

func appendStep(scenario *Scenario, kind string, data map[string]any) int {
	if scenario == nil {
		return -1
	}
	if data == nil {
		data = map[string]any{}
	}
	scenario.Steps = append(scenario.Steps, Step{Kind: kind, Args: data})
	return len(scenario.Steps) - 1
}

func optionalTable(state *lua.State, index int) map[string]any {
	if state.IsNoneOrNil(index) || state.TypeOf(index) != lua.TypeTable {
		return map[string]any{}
	}
	return tableToMap(state, index)
}

func tableToMap(state *lua.State, index int) map[string]any {
	output := map[string]any{}
	if state.TypeOf(index) != lua.TypeTable {
		return output
	}

	index = state.AbsIndex(index)
	state.PushNil()
	for state.Next(index) {
		if state.TypeOf(-2) == lua.TypeString {
			key, _ := state.ToString(-2)
			output[key] = luaToGo(state, -1)
		}
		state.Pop(1)
	}
	return output
}

func luaToGo(state *lua.State, index int) any {
	switch state.TypeOf(index) {
	case lua.TypeString:
		value, _ := state.ToString(index)
		return value
	case lua.TypeNumber:
		value, _ := state.ToNumber(index)
		return normalizeNumber(value)
	case lua.TypeBoolean:
		return state.ToBoolean(index)
	case lua.TypeTable:
		return tableToGo(state, index)
	default:
		return nil
	}
}

// tableToGo returns a slice for sequence tables and a map otherwise.
func tableToGo(state *lua.State, index int) any {
	index = state.AbsIndex(index)
	isArray := true
	maxIndex := 0
	count := 0
	state.PushNil()
	for state.Next(index) {
		if isArray {
			if state.TypeOf(-2) != lua.TypeNumber {
				isArray = false
			} else if idx, ok := state.ToInteger(-2); ok && idx > 0 {
				count++
				maxIndex = max(maxIndex, idx)
			} else {
				isArray = false
			}
		}
		state.Pop(1)
	}

	if isArray && count > 0 && maxIndex == count {
		result := make([]any, 0, maxIndex)
		for i := 1; i <= maxIndex; i++ {
			state.RawGetInt(index, i)
			result = append(result, luaToGo(state, -1))
			state.Pop(1)
		}
		return result
	}
	return tableToMap(state, index)
}

func normalizeNumber(value float64) any {
	if math.Mod(value, 1) == 0 {
		return int(value)
	}
	return value
}
