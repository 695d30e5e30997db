package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"meshlink/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "mesh:\n  device_id: D1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mesh.DeviceID != "D1" || cfg.Mesh.DeviceType != "node" {
		t.Errorf("mesh = %+v", cfg.Mesh)
	}
	if cfg.Transport.Type != "loopback" || cfg.Discovery.Type != "none" {
		t.Errorf("transport = %q, discovery = %q", cfg.Transport.Type, cfg.Discovery.Type)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" || cfg.Store.Path != "meshlink.db" {
		t.Errorf("web.listen = %q, store.path = %q", cfg.Web.Listen, cfg.Store.Path)
	}
	if cfg.MQTT.TopicPrefix != "meshlink" || cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("mqtt/log defaults = %q %q %q", cfg.MQTT.TopicPrefix, cfg.Log.Level, cfg.Log.Format)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadConfigDurationsAndSections(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
mesh:
  device_type: gateway
  discovery_interval: 45s
  ack_timeout: 2s
  route_max_age: 10m
transport:
  type: tcp
  listen: ":7400"
  peers:
    D2: 10.0.0.2:7400
discovery:
  type: static
  static:
    - {id: D2, type: repeater, signal: 80}
sync:
  enabled: true
  role: device
  authority: HQ
  interval: 2m
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mesh.DiscoveryInterval != 45*time.Second || cfg.Mesh.RouteMaxAge != 10*time.Minute {
		t.Errorf("durations = %v %v", cfg.Mesh.DiscoveryInterval, cfg.Mesh.RouteMaxAge)
	}
	if cfg.Transport.Peers["D2"] != "10.0.0.2:7400" {
		t.Errorf("peers = %v", cfg.Transport.Peers)
	}
	if len(cfg.Discovery.Static) != 1 || cfg.Discovery.Static[0].Signal != 80 {
		t.Errorf("static = %+v", cfg.Discovery.Static)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate: %v", err)
	}

	mc := meshConfig(cfg)
	if mc.AckTimeout != 2*time.Second || mc.DiscoveryInterval != 45*time.Second {
		t.Errorf("mesh config = %+v", mc)
	}
	if mc.DeviceType != store.DeviceGateway {
		t.Errorf("mesh device type = %q, want gateway", mc.DeviceType)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
	if _, err := loadConfig(writeConfig(t, "mesh: [")); err == nil {
		t.Error("bad yaml should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad device type", "mesh: {device_type: toaster}", "mesh.device_type"},
		{"serial without port", "transport: {type: serial}", "transport.port"},
		{"tcp without listen", "transport: {type: tcp}", "transport.listen"},
		{"unknown transport", "transport: {type: pigeon}", "transport.type"},
		{"unknown discovery", "discovery: {type: radar}", "discovery.type"},
		{"static without id", "discovery: {type: static, static: [{type: node}]}", "static[0].id"},
		{"advertise without tcp", "discovery: {type: mdns, advertise: true}", "advertise"},
		{"sync bad role", "sync: {enabled: true, role: observer}", "sync.role"},
		{"sync device without authority", "sync: {enabled: true, role: device}", "sync.authority"},
		{"mqtt without broker", "mqtt: {enabled: true}", "mqtt.broker"},
		{"negative rate", "mesh: {rate: -1}", "mesh.rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, tt.yaml))
			if err != nil {
				t.Fatal(err)
			}
			err = cfg.validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestNewSourceStatic(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "discovery: {type: static, static: [{id: D2, type: sensor, signal: 70}]}"))
	if err != nil {
		t.Fatal(err)
	}
	mdns, src := newSource(cfg, nil, testLogger())
	if mdns != nil || src == nil {
		t.Fatalf("newSource = %v, %v", mdns, src)
	}
	got, err := src.Reachable(context.Background())
	if err != nil || len(got) != 1 || got[0].ID != "D2" || got[0].Signal != 70 {
		t.Errorf("Reachable = %+v, %v", got, err)
	}
}
