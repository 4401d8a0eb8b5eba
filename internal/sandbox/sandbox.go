// internal/sandbox/sandbox.go

// Package sandbox runs generated analysis snippets inside an embedded Lua VM
// with a module whitelist, a wall-clock budget, and full exception
// containment. Snippets reach data only through the injected retrieve()
// function; they never see the network, the filesystem, or the host process.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	lua "github.com/yuin/gopher-lua"

	stderrors "clinquery/internal/common/errors"
	"clinquery/internal/common/logger"
	"clinquery/internal/common/metrics"
)

// Retriever is the only capability handed into the VM.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]map[string]interface{}, error)
}

// Config bounds one execution.
type Config struct {
	Timeout        time.Duration
	AllowedModules []string
	MaxResultRows  int
}

// Executor runs snippets. A fresh VM is built per execution so no state leaks
// between requests; Executor itself is safe for concurrent use.
type Executor struct {
	cfg       Config
	retriever Retriever
	allowed   map[string]bool
	logger    logger.Logger
}

func New(cfg Config, retriever Retriever, log logger.Logger) *Executor {
	allowed := make(map[string]bool, len(cfg.AllowedModules))
	for _, m := range cfg.AllowedModules {
		allowed[m] = true
	}
	return &Executor{
		cfg:       cfg,
		retriever: retriever,
		allowed:   allowed,
		logger:    log.WithFields(map[string]interface{}{"component": "sandbox"}),
	}
}

// requireRe finds static require() calls so disallowed imports are rejected
// before a single snippet instruction runs.
var requireRe = regexp.MustCompile(`require\s*\(?\s*["']([^"']+)["']`)

// Execute runs one snippet and returns its normalized result value. All
// snippet failures come back as typed errors; a panic inside the VM never
// crosses this boundary.
func (e *Executor) Execute(ctx context.Context, source string) (interface{}, error) {
	for _, m := range requireRe.FindAllStringSubmatch(source, -1) {
		if !e.allowed[m[1]] {
			return nil, stderrors.NewBlockedImportError(m[1])
		}
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	e.openLibs(L)

	var blocked string
	var retrievalErr error
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	L.SetContext(runCtx)

	L.SetGlobal("require", L.NewFunction(func(l *lua.LState) int {
		name := l.CheckString(1)
		if !e.allowed[name] {
			blocked = name
			l.RaiseError("module %s is not allowed", name)
			return 0
		}
		l.Push(l.GetGlobal(name))
		return 1
	}))
	L.SetGlobal("retrieve", L.NewFunction(func(l *lua.LState) int {
		query := l.CheckString(1)
		rows, err := e.retriever.Retrieve(runCtx, query)
		if err != nil {
			retrievalErr = err
			l.RaiseError("retrieve: %s", err.Error())
			return 0
		}
		if e.cfg.MaxResultRows > 0 && len(rows) > e.cfg.MaxResultRows {
			rows = rows[:e.cfg.MaxResultRows]
		}
		l.Push(rowsToLua(l, rows))
		return 1
	}))

	// The worker goroutine is always joined: the VM honors context
	// cancellation, so DoString returns shortly after the deadline and the
	// goroutine never outlives the call.
	done := make(chan error, 1)
	go func() {
		done <- L.DoString(source)
	}()
	err := <-done

	if err != nil {
		switch {
		case runCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
			metrics.SandboxTimeouts.Inc()
			e.logger.Warn("snippet killed by wall-clock budget", map[string]interface{}{
				"budget": e.cfg.Timeout.String(),
			})
			return nil, stderrors.NewSandboxTimeoutError(e.cfg.Timeout)
		case blocked != "":
			return nil, stderrors.NewBlockedImportError(blocked)
		case retrievalErr != nil:
			return nil, stderrors.NewRetrievalError(retrievalErr)
		default:
			return nil, stderrors.NewRuntimeExecutionError(err)
		}
	}

	var ret lua.LValue = lua.LNil
	if L.GetTop() > 0 {
		ret = L.Get(-1)
	}
	return fromLua(ret), nil
}

// openLibs loads the language core plus the whitelisted standard libraries.
// The loaders that reach the filesystem are removed outright.
func (e *Executor) openLibs(L *lua.LState) {
	libs := []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	if e.allowed[lua.OsLibName] {
		libs = append(libs, struct {
			name string
			fn   lua.LGFunction
		}{lua.OsLibName, lua.OpenOs})
	}
	for _, lib := range libs {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}
}

func rowsToLua(l *lua.LState, rows []map[string]interface{}) *lua.LTable {
	tbl := l.NewTable()
	for _, row := range rows {
		rt := l.NewTable()
		for k, v := range row {
			rt.RawSetString(k, toLua(l, v))
		}
		tbl.Append(rt)
	}
	return tbl
}

func toLua(l *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(string(val))
	case time.Time:
		return lua.LString(val.UTC().Format("2006-01-02 15:04:05"))
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// fromLua normalizes a VM value into plain Go types: numbers become float64,
// sequence tables become slices, everything else keyed becomes a map.
func fromLua(v lua.LValue) interface{} {
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
		if n := val.MaxN(); n > 0 {
			out := make([]interface{}, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, fromLua(val.RawGetInt(i)))
			}
			return out
		}
		out := map[string]interface{}{}
		val.ForEach(func(k, item lua.LValue) {
			if key, ok := k.(lua.LString); ok {
				out[string(key)] = fromLua(item)
			}
		})
		return out
	default:
		return nil
	}
}
