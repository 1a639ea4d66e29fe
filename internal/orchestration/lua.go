package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/mpataki/shopfloor/internal/models"
)

const defaultScriptTimeout = 2 * time.Second

// Lua is a strategy scripted by the team definition. The script must
// define select_next(state, agents) returning an agent name, and may
// define process(state, contribution) returning the new state and
// should_continue(state) returning a boolean and an optional reason.
type Lua struct {
	script  string
	team    *models.Team
	log     *zap.Logger
	Timeout time.Duration
}

func NewLua(t *models.Team, log *zap.Logger) (*Lua, error) {
	l := &Lua{script: t.StrategyScript, team: t, log: log, Timeout: defaultScriptTimeout}

	L, cancel, err := l.open()
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer L.Close()
	if L.GetGlobal("select_next").Type() != lua.LTFunction {
		return nil, fmt.Errorf("strategy script must define a 'select_next' function")
	}
	return l, nil
}

// open loads the script into a fresh sandboxed state. Nothing survives
// between calls except what the script puts in state.scratch.
func (l *Lua) open() (*lua.LState, context.CancelFunc, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	ctx, cancel := context.WithTimeout(context.Background(), l.Timeout)
	L.SetContext(ctx)

	openSafeLibs(L)
	l.registerAPI(L)

	if err := L.DoString(l.script); err != nil {
		cancel()
		L.Close()
		return nil, nil, fmt.Errorf("failed to load strategy script: %w", err)
	}
	return L, cancel, nil
}

// openSafeLibs loads base, table, string and math without file access,
// code loading or randomness.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("module", lua.LNil)

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (l *Lua) registerAPI(L *lua.LState) {
	L.SetGlobal("log", L.NewFunction(l.luaLog))

	team := L.NewTable()
	L.SetField(team, "name", lua.LString(l.team.Name))
	L.SetField(team, "description", lua.LString(l.team.Description))
	L.SetField(team, "max_iterations", lua.LNumber(l.team.MaxIterations))
	L.SetGlobal("team", team)
}

func (l *Lua) luaLog(L *lua.LState) int {
	if l.log != nil {
		l.log.Debug("strategy script", zap.String("team", l.team.Name), zap.String("message", L.CheckString(1)))
	}
	return 0
}

func (l *Lua) call(fn string, nret int, args ...any) ([]lua.LValue, bool, error) {
	L, cancel, err := l.open()
	if err != nil {
		return nil, false, err
	}
	defer cancel()
	defer L.Close()

	f := L.GetGlobal(fn)
	if f.Type() != lua.LTFunction {
		return nil, false, nil
	}

	largs := make([]lua.LValue, 0, len(args))
	for _, a := range args {
		v, err := toLua(L, a)
		if err != nil {
			return nil, true, err
		}
		largs = append(largs, v)
	}

	if err := L.CallByParam(lua.P{Fn: f, NRet: nret, Protect: true}, largs...); err != nil {
		return nil, true, fmt.Errorf("%s failed: %w", fn, err)
	}
	rets := make([]lua.LValue, nret)
	for i := 0; i < nret; i++ {
		rets[i] = L.Get(-nret + i)
	}
	L.Pop(nret)
	return rets, true, nil
}

func (l *Lua) Select(state State, agents []AgentInfo) (string, error) {
	if len(agents) == 0 {
		return "", ErrNoAgents
	}
	rets, _, err := l.call("select_next", 1, state, agents)
	if err != nil {
		return "", err
	}
	name, ok := rets[0].(lua.LString)
	if !ok {
		return "", fmt.Errorf("select_next returned %s, want an agent name", rets[0].Type())
	}
	if _, ok := findAgent(agents, string(name)); !ok {
		return "", fmt.Errorf("select_next returned unknown agent %q", string(name))
	}
	return string(name), nil
}

func (l *Lua) Process(state State, c Contribution) (State, error) {
	next, _ := base{}.Process(state, c)
	rets, defined, err := l.call("process", 1, next, c)
	if err != nil || !defined || rets[0] == lua.LNil {
		return next, err
	}
	var out State
	if err := fromLua(rets[0], &out); err != nil {
		return next, fmt.Errorf("process returned invalid state: %w", err)
	}
	return out, nil
}

func (l *Lua) ShouldContinue(state State) (State, error) {
	rets, defined, err := l.call("should_continue", 2, state)
	if err != nil {
		return state, err
	}
	if !defined {
		return base{}.ShouldContinue(state)
	}

	if lua.LVAsBool(rets[0]) {
		// The iteration cap applies whatever the script says.
		return base{}.ShouldContinue(state)
	}
	state.Verdict = VerdictStop
	state.Reason = "strategy script stopped"
	if reason, ok := rets[1].(lua.LString); ok && reason != "" {
		state.Reason = string(reason)
	}
	return state, nil
}

// toLua converts any JSON-encodable value to a Lua value.
func toLua(L *lua.LState, v any) (lua.LValue, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return goToLua(L, generic), nil
}

func fromLua(v lua.LValue, out any) error {
	data, err := json.Marshal(luaToGo(v))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			L.SetTable(tbl, lua.LNumber(i+1), goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua value back. Tables with only 1..n keys become
// slices; an empty table becomes nil.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		n := val.MaxN()
		count := 0
		val.ForEach(func(lua.LValue, lua.LValue) { count++ })
		if count == 0 {
			return nil
		}
		if n > 0 && n == count {
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, luaToGo(val.RawGetInt(i)))
			}
			return arr
		}
		m := make(map[string]any, count)
		val.ForEach(func(k, item lua.LValue) {
			m[k.String()] = luaToGo(item)
		})
		return m
	default:
		return v.String()
	}
}
