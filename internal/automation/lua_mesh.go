//go:build !no_automation

package automation

import (
	"encoding/json"
	"time"

	lua "github.com/yuin/gopher-lua"

	"meshlink/internal/mesh"
	"meshlink/internal/protocol"
)

const maxHandlersPerScript = 100

// registerMeshModule registers the `mesh` global table in a Lua state.
func registerMeshModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	fns := map[string]lua.LGFunction{
		"on":        func(L *lua.LState) int { return meshOn(L, vm) },
		"send":      func(L *lua.LState) int { return meshSend(L, e) },
		"broadcast": func(L *lua.LState) int { return meshBroadcast(L, e) },
		"pair":      func(L *lua.LState) int { return meshLink(L, e.mesh.Pair) },
		"unpair":    func(L *lua.LState) int { return meshLink(L, e.mesh.Unpair) },
		"status":    func(L *lua.LState) int { return meshStatus(L, e) },
		"devices":   func(L *lua.LState) int { return meshDevices(L, e) },
		"route":     func(L *lua.LState) int { return meshRoute(L, e) },
		"after":     func(L *lua.LState) int { return meshAfter(L, vm, e) },
		"log": func(L *lua.LState) int {
			e.logger.Info("script log", "msg", L.CheckString(1))
			return 0
		},
	}
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("mesh", mod)
}

// mesh.on(kind, [filter,] fn). kind "*" matches every event.
func meshOn(L *lua.LState, vm *scriptVM) int {
	kind := L.CheckString(1)
	if kind != anyKind && !mesh.EventKind(kind).Valid() {
		L.ArgError(1, "unknown event kind: "+kind)
		return 0
	}

	h := luaEventHandler{kind: kind}
	if tbl, ok := L.Get(2).(*lua.LTable); ok {
		h.filter = make(map[string]string)
		tbl.ForEach(func(k, v lua.LValue) {
			h.filter[k.String()] = v.String()
		})
		h.fn = L.CheckFunction(3)
	} else {
		h.fn = L.CheckFunction(2)
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()
	return 0
}

// mesh.send(target, payload [, type]) -> bool
func meshSend(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	payload := L.OptString(2, "")
	typ := protocol.MessageType(L.OptString(3, string(protocol.TypeData)))
	ok := e.mesh.Send(target, []byte(payload), typ)
	if !ok {
		e.logger.Warn("script send not queued", "target", target)
	}
	L.Push(lua.LBool(ok))
	return 1
}

// mesh.broadcast(payload) -> number of peers
func meshBroadcast(L *lua.LState, e *Engine) int {
	n := e.mesh.Broadcast([]byte(L.OptString(1, "")))
	L.Push(lua.LNumber(n))
	return 1
}

// mesh.pair(id) / mesh.unpair(id) -> bool
func meshLink(L *lua.LState, op func(string) bool) int {
	L.Push(lua.LBool(op(L.CheckString(1))))
	return 1
}

// mesh.status() -> {running, state, local_device_id, uptime, stats}
func meshStatus(L *lua.LState, e *Engine) int {
	st := e.mesh.Status()
	var fields map[string]interface{}
	data, _ := json.Marshal(st)
	if err := json.Unmarshal(data, &fields); err != nil {
		L.Push(L.NewTable())
		return 1
	}
	fields["uptime"] = st.Uptime.Seconds()
	L.Push(goToLua(L, fields))
	return 1
}

// mesh.devices() -> array of {id, type, status, signal, connections}
func meshDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, dev := range e.mesh.Registry().List() {
		d := L.NewTable()
		d.RawSetString("id", lua.LString(dev.ID))
		d.RawSetString("type", lua.LString(dev.Type))
		d.RawSetString("status", lua.LString(dev.Status))
		d.RawSetString("signal", lua.LNumber(dev.Signal))
		d.RawSetString("connections", goToLua(L, dev.Connections))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// mesh.route(src, dst) -> array of ids, or nil when unreachable
func meshRoute(L *lua.LState, e *Engine) int {
	path, ok := e.mesh.FindRoute(L.CheckString(1), L.CheckString(2))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, path))
	return 1
}

// mesh.after(seconds, fn) runs fn on the script VM once the delay passes.
func meshAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}
