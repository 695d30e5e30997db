//go:build !no_automation

package automation

import (
	"path/filepath"
	"slices"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"meshlink/internal/mesh"
	"meshlink/internal/registry"
	"meshlink/internal/store"
)

func newTestMesh(t *testing.T) *mesh.Service {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "auto.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	reg, err := registry.New(st, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	svc, err := mesh.New(mesh.Config{DiscoveryInterval: time.Hour}, mesh.Deps{Store: st, Registry: reg}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Stop() })
	return svc
}

func newTestEngine(t *testing.T) (*Engine, *Manager, *mesh.Service) {
	t.Helper()
	svc := newTestMesh(t)
	mgr := newTestManager(t)
	e := NewEngine(svc, mgr, testLogger())
	t.Cleanup(e.Stop)
	return e, mgr, svc
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  interface{}
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"int64", int64(99), lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"uint64", uint64(7), lua.LTNumber},
		{"strings", []string{"a", "b"}, lua.LTTable},
		{"map", map[string]interface{}{"a": 1}, lua.LTTable},
		{"slice", []interface{}{1, 2, 3}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := goToLua(L, tt.val).Type(); got != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, got, tt.want)
			}
		})
	}

	tbl := goToLua(L, map[string]interface{}{"path": []string{"D1", "D2"}}).(*lua.LTable)
	path, ok := tbl.RawGetString("path").(*lua.LTable)
	if !ok || path.Len() != 2 || path.RawGetInt(2).String() != "D2" {
		t.Errorf("nested path = %v", tbl.RawGetString("path"))
	}
}

func TestMatchesHandler(t *testing.T) {
	connected := mesh.Event{Kind: mesh.EventConnected, Data: map[string]any{"device_id": "D2", "signal": 75}}

	tests := []struct {
		name string
		h    luaEventHandler
		want bool
	}{
		{"kind only", luaEventHandler{kind: "connected"}, true},
		{"other kind", luaEventHandler{kind: "discovered"}, false},
		{"any kind", luaEventHandler{kind: anyKind}, true},
		{"matching filter", luaEventHandler{kind: "connected", filter: map[string]string{"device_id": "D2"}}, true},
		{"numeric filter", luaEventHandler{kind: "connected", filter: map[string]string{"signal": "75"}}, true},
		{"mismatched filter", luaEventHandler{kind: "connected", filter: map[string]string{"device_id": "D3"}}, false},
		{"missing field", luaEventHandler{kind: "connected", filter: map[string]string{"source": "D2"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesHandler(tt.h, connected); got != tt.want {
				t.Errorf("matchesHandler = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunLuaCodeCapturesLogs(t *testing.T) {
	e, _, _ := newTestEngine(t)

	res := e.RunLuaCode(`
mesh.log("hello")
system.log("warn", "careful")
mesh.on("connected", {device_id = "D2"}, function(ev)
  mesh.log(ev.type .. ":" .. ev.device_id)
end)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	want := []string{"hello", "[warn] careful", "connected:D2"}
	if !slices.Equal(res.Logs, want) {
		t.Errorf("logs = %q, want %q", res.Logs, want)
	}
}

func TestRunLuaCodeErrors(t *testing.T) {
	e, _, _ := newTestEngine(t)

	tests := []struct {
		name string
		code string
	}{
		{"syntax", `mesh.log(`},
		{"unknown kind", `mesh.on("exploded", function() end)`},
		{"sandboxed os", `os.exit(1)`},
		{"sandboxed require", `require("socket")`},
		{"handler error", `mesh.on("*", function() error("boom") end)`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.RunLuaCode(tt.code)
			if res.OK || res.Error == "" {
				t.Errorf("result = %+v, want failure", res)
			}
		})
	}
}

func TestRunLuaCodeTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the run timeout")
	}
	e, _, _ := newTestEngine(t)
	res := e.RunLuaCode(`while true do end`)
	if res.OK || res.Error != "timeout (5s)" {
		t.Errorf("result = %+v", res)
	}
}

func TestMeshModule(t *testing.T) {
	e, _, svc := newTestEngine(t)
	svc.Start("D1")
	if _, err := svc.Registry().Register("D2", store.DeviceSensor); err != nil {
		t.Fatal(err)
	}

	res := e.RunLuaCode(`
mesh.log(tostring(mesh.pair("D2")))
mesh.log(tostring(mesh.pair("nobody")))
local st = mesh.status()
mesh.log(st.state .. " " .. st.local_device_id .. " " .. tostring(st.running))
for _, d in ipairs(mesh.devices()) do
  if d.id == "D2" then mesh.log(d.type .. " " .. d.status .. " " .. d.signal) end
end
mesh.log(table.concat(mesh.route("D1", "D2"), ","))
mesh.log(tostring(mesh.route("D1", "nowhere")))
mesh.log(tostring(mesh.send("D2", "hi")))
mesh.log(tostring(mesh.broadcast("all")))
mesh.log(tostring(mesh.unpair("D2")))
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	want := []string{
		"true",
		"false",
		"MESH_ONLY D1 true",
		"sensor online 100",
		"D1,D2",
		"nil",
		"true",
		"1",
		"true",
	}
	if !slices.Equal(res.Logs, want) {
		t.Errorf("logs =\n%q\nwant\n%q", res.Logs, want)
	}
}

func TestEngineDispatchesEvents(t *testing.T) {
	e, mgr, svc := newTestEngine(t)
	_, err := mgr.Save(&Script{
		Meta: ScriptMeta{Name: "welcome", Enabled: true},
		LuaCode: `mesh.on("connected", function(ev)
  mesh.send(ev.device_id, "welcome " .. ev.type)
end)`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Save(&Script{Meta: ScriptMeta{Name: "disabled"}, LuaCode: `mesh.on("connected", function(ev) mesh.broadcast("no") end)`}); err != nil {
		t.Fatal(err)
	}

	svc.Start("D1")
	e.Start()
	if got := e.Running(); !slices.Equal(got, []string{"welcome"}) {
		t.Fatalf("running = %v, want [welcome]", got)
	}

	svc.Registry().Register("D2", store.DeviceNode)
	svc.Pair("D2")

	m, ok := svc.Receive(2 * time.Second)
	if !ok {
		t.Fatal("script did not send")
	}
	if m.Target != "D2" || string(m.Payload) != "welcome connected" {
		t.Errorf("message = %s -> %s %q", m.Source, m.Target, m.Payload)
	}
	if m, ok := svc.Receive(100 * time.Millisecond); ok {
		t.Errorf("unexpected message %q", m.Payload)
	}
}

func TestReloadAndStopScript(t *testing.T) {
	e, mgr, _ := newTestEngine(t)

	s, err := mgr.Save(&Script{Meta: ScriptMeta{Name: "hook", Enabled: true}, LuaCode: `mesh.on("*", function() end)`})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatalf("ReloadScript: %v", err)
	}
	if !slices.Contains(e.Running(), "hook") {
		t.Fatalf("running = %v", e.Running())
	}

	s.Meta.Enabled = false
	mgr.Save(s)
	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatalf("ReloadScript disabled: %v", err)
	}
	if len(e.Running()) != 0 {
		t.Errorf("disabled script still running: %v", e.Running())
	}

	broken, _ := mgr.Save(&Script{Meta: ScriptMeta{Name: "broken", Enabled: true}, LuaCode: `this is not lua`})
	if err := e.ReloadScript(broken.ID); err == nil {
		t.Error("broken script should fail to start")
	}
	if err := e.ReloadScript("missing"); err == nil {
		t.Error("missing script should fail")
	}

	e.StopScript("hook")
	if res := e.RunScript("missing"); res.OK {
		t.Error("RunScript of a missing script should fail")
	}
}
