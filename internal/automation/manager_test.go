//go:build !no_automation

package automation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "scripts"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Greet Peers", Description: "say hello", Enabled: true},
		LuaCode: `mesh.log("hello")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "greet_peers" {
		t.Errorf("id = %q, want greet_peers", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta != saved.Meta {
		t.Errorf("meta = %+v, want %+v", got.Meta, saved.Meta)
	}
	if strings.TrimSpace(got.LuaCode) != `mesh.log("hello")` {
		t.Errorf("lua_code = %q", got.LuaCode)
	}

	got.LuaCode = `mesh.log("v2")`
	if _, err := m.Save(got); err != nil {
		t.Fatal(err)
	}
	again, _ := m.Get("greet_peers")
	if !strings.Contains(again.LuaCode, "v2") {
		t.Errorf("lua_code after update = %q", again.LuaCode)
	}
}

func TestManagerListAndUniqueIDs(t *testing.T) {
	m := newTestManager(t)
	if scripts, err := m.List(); err != nil || len(scripts) != 0 {
		t.Fatalf("empty list = %v, %v", scripts, err)
	}

	for _, name := range []string{"Beta", "Alpha", "Alpha"} {
		if _, err := m.Save(&Script{Meta: ScriptMeta{Name: name}}); err != nil {
			t.Fatal(err)
		}
	}
	os.WriteFile(filepath.Join(m.Dir(), "notes.txt"), []byte("ignored"), 0o644)

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, s := range scripts {
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "alpha,alpha_1,beta" {
		t.Errorf("ids = %v", ids)
	}
}

func TestManagerPlainLuaFile(t *testing.T) {
	m := newTestManager(t)
	code := "mesh.on(\"connected\", function(ev) mesh.log(ev.device_id) end)\n"
	if err := os.WriteFile(filepath.Join(m.Dir(), "plain.lua"), []byte(code), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := m.Get("plain")
	if err != nil {
		t.Fatal(err)
	}
	if s.Meta.Name != "plain" || !s.Meta.Enabled {
		t.Errorf("meta = %+v, want enabled and named after the file", s.Meta)
	}
	if s.LuaCode != code {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestManagerBadMetadataSkipped(t *testing.T) {
	m := newTestManager(t)
	os.WriteFile(filepath.Join(m.Dir(), "bad.lua"), []byte("-- {not json\nmesh.log(1)\n"), 0o644)
	m.Save(&Script{Meta: ScriptMeta{Name: "good"}})

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 1 || scripts[0].ID != "good" {
		t.Errorf("scripts = %v", scripts)
	}
}

func TestManagerDeleteAndNotFound(t *testing.T) {
	m := newTestManager(t)
	saved, _ := m.Save(&Script{Meta: ScriptMeta{Name: "bye"}})

	if err := m.Delete(saved.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(saved.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("Get after delete: err = %v, want ErrScriptNotFound", err)
	}
	if err := m.Delete(saved.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("second Delete: err = %v, want ErrScriptNotFound", err)
	}
}

func TestManagerRejectsUnsafeIDs(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"..", "../etc/passwd", `a\b`, "x/y"} {
		if _, err := m.Get(id); err == nil {
			t.Errorf("Get(%q) should fail", id)
		}
		if err := m.Delete(id); err == nil {
			t.Errorf("Delete(%q) should fail", id)
		}
		if _, err := m.Save(&Script{ID: id}); err == nil {
			t.Errorf("Save(%q) should fail", id)
		}
	}
}

func TestSerializeScript(t *testing.T) {
	content := serializeScript(&Script{
		ID:      "test",
		Meta:    ScriptMeta{Name: "Test", Enabled: true},
		LuaCode: `mesh.log("hi")`,
	})
	want := "-- {\"name\":\"Test\",\"enabled\":true}\n\nmesh.log(\"hi\")\n"
	if content != want {
		t.Errorf("serialized = %q, want %q", content, want)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Bathroom Light", "bathroom_light"},
		{"hello world!", "hello_world"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{"UPPER", "upper"},
	}
	for _, tt := range tests {
		if got := slugify(tt.input); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
