package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"meshlink/internal/automation"
	"meshlink/internal/mesh"
	"meshlink/internal/registry"
	"meshlink/internal/store"
	"meshlink/internal/syncbridge"
	"meshlink/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, name string, tr mesh.Transport) (*mesh.Service, *store.BoltStore) {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), name+".db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	reg, err := registry.New(st, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	svc, err := mesh.New(mesh.Config{DiscoveryInterval: time.Hour, AckTimeout: time.Second},
		mesh.Deps{Store: st, Registry: reg, Transport: tr}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Stop() })
	return svc, st
}

func setupTestServer(t *testing.T, opts ...ServerOption) (*Server, *mesh.Service) {
	t.Helper()
	svc, _ := newTestService(t, "web", nil)
	svc.Start("D1")
	srv := NewServer(svc, testLogger(), opts...)
	t.Cleanup(srv.Stop)
	return srv, svc
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestAPIStatus(t *testing.T) {
	srv, _ := setupTestServer(t, WithVersion("1.2.3"))

	w := doRequest(t, srv, "GET", "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Running       bool     `json:"running"`
		State         string   `json:"state"`
		LocalDeviceID string   `json:"local_device_id"`
		Version       string   `json:"version"`
		Paired        []string `json:"paired"`
	}
	decodeJSON(t, w, &resp)
	if !resp.Running || resp.State != "MESH_ONLY" || resp.LocalDeviceID != "D1" {
		t.Errorf("status = %+v", resp)
	}
	if resp.Version != "1.2.3" || resp.Paired == nil {
		t.Errorf("version = %q, paired = %v", resp.Version, resp.Paired)
	}

	w = doRequest(t, srv, "GET", "/api/version", "")
	if !strings.Contains(w.Body.String(), `"1.2.3"`) {
		t.Errorf("version body = %s", w.Body.String())
	}
}

func TestAPIDevices(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := doRequest(t, srv, "POST", "/api/devices", `{"id":"S1","type":"sensor"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d: %s", w.Code, w.Body.String())
	}
	var dev store.Device
	decodeJSON(t, w, &dev)
	if dev.ID != "S1" || dev.Type != store.DeviceSensor || dev.Status != store.StatusOnline {
		t.Errorf("registered = %+v", dev)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"default type", "POST", "/api/devices", `{"id":"N1"}`, http.StatusCreated},
		{"missing id", "POST", "/api/devices", `{"type":"node"}`, http.StatusBadRequest},
		{"bad type", "POST", "/api/devices", `{"id":"X","type":"toaster"}`, http.StatusBadRequest},
		{"bad body", "POST", "/api/devices", `{`, http.StatusBadRequest},
		{"get", "GET", "/api/devices/S1", "", http.StatusOK},
		{"get unknown", "GET", "/api/devices/nope", "", http.StatusNotFound},
		{"delete unknown", "DELETE", "/api/devices/nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := doRequest(t, srv, tt.method, tt.path, tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}

	w = doRequest(t, srv, "GET", "/api/devices?status=online", "")
	var devices []store.Device
	decodeJSON(t, w, &devices)
	// D1 (local), S1 and N1.
	if len(devices) != 3 {
		t.Errorf("online devices = %d, want 3", len(devices))
	}
	w = doRequest(t, srv, "GET", "/api/devices?status=offline", "")
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("offline devices = %s, want []", body)
	}

	if w := doRequest(t, srv, "DELETE", "/api/devices/S1", ""); w.Code != http.StatusOK {
		t.Errorf("delete status = %d", w.Code)
	}
	if w := doRequest(t, srv, "GET", "/api/devices/S1", ""); w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d", w.Code)
	}
}

func TestAPIPairUnpair(t *testing.T) {
	srv, svc := setupTestServer(t)
	doRequest(t, srv, "POST", "/api/devices", `{"id":"D2"}`)

	if w := doRequest(t, srv, "POST", "/api/devices/D2/pair", ""); w.Code != http.StatusOK {
		t.Fatalf("pair status = %d: %s", w.Code, w.Body.String())
	}
	if got := svc.Paired(); len(got) != 1 || got[0] != "D2" {
		t.Errorf("paired = %v", got)
	}
	if w := doRequest(t, srv, "POST", "/api/devices/ghost/pair", ""); w.Code != http.StatusNotFound {
		t.Errorf("pair unknown = %d, want 404", w.Code)
	}

	w := doRequest(t, srv, "GET", "/api/routes?dst=D2", "")
	var route struct {
		Path []string `json:"path"`
		Hops int      `json:"hops"`
	}
	decodeJSON(t, w, &route)
	if strings.Join(route.Path, ",") != "D1,D2" || route.Hops != 1 {
		t.Errorf("route = %+v", route)
	}
	if w := doRequest(t, srv, "GET", "/api/routes?dst=nowhere", ""); w.Code != http.StatusNotFound {
		t.Errorf("route to nowhere = %d", w.Code)
	}

	w = doRequest(t, srv, "GET", "/api/topology", "")
	var topo map[string][]string
	decodeJSON(t, w, &topo)
	if len(topo["D1"]) != 1 || topo["D1"][0] != "D2" {
		t.Errorf("topology = %v", topo)
	}

	if w := doRequest(t, srv, "DELETE", "/api/devices/D2/pair", ""); w.Code != http.StatusOK {
		t.Errorf("unpair status = %d", w.Code)
	}
	if w := doRequest(t, srv, "DELETE", "/api/devices/D2/pair", ""); w.Code != http.StatusNotFound {
		t.Errorf("second unpair = %d, want 404", w.Code)
	}
}

func TestAPIRoutesListsLinks(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := doRequest(t, srv, "GET", "/api/routes", "")
	if body := strings.TrimSpace(w.Body.String()); body != `{"links":[]}` {
		t.Errorf("links = %s", body)
	}
}

func TestAPISendAndReceive(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := doRequest(t, srv, "POST", "/api/messages", `{"target":"D2","payload":"hello","priority":"high"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("send status = %d: %s", w.Code, w.Body.String())
	}
	var queued map[string]string
	decodeJSON(t, w, &queued)

	w = doRequest(t, srv, "GET", "/api/messages/next?timeout=2s", "")
	if w.Code != http.StatusOK {
		t.Fatalf("receive status = %d", w.Code)
	}
	var m messageView
	decodeJSON(t, w, &m)
	if m.ID != queued["id"] || m.Source != "D1" || m.Target != "D2" || m.Payload != "hello" || m.Priority != "high" {
		t.Errorf("received = %+v", m)
	}

	if w := doRequest(t, srv, "GET", "/api/messages/next?timeout=20", ""); w.Code != http.StatusNoContent {
		t.Errorf("empty receive = %d, want 204", w.Code)
	}
	if w := doRequest(t, srv, "GET", "/api/messages/next?timeout=-1s", ""); w.Code != http.StatusBadRequest {
		t.Errorf("negative timeout = %d, want 400", w.Code)
	}
	if w := doRequest(t, srv, "POST", "/api/messages", `{"payload":"x"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing target = %d, want 400", w.Code)
	}
}

func TestAPIBroadcast(t *testing.T) {
	srv, svc := setupTestServer(t)
	svc.Registry().Register("D2", store.DeviceNode)
	svc.Pair("D2")

	w := doRequest(t, srv, "POST", "/api/broadcast", `{"payload":"all"}`)
	var resp map[string]int
	decodeJSON(t, w, &resp)
	if resp["peers"] != 1 {
		t.Errorf("peers = %d, want 1", resp["peers"])
	}
}

func TestAPIRequiresRunningService(t *testing.T) {
	srv, svc := setupTestServer(t)
	svc.Stop()

	for _, path := range []string{"/api/scan", "/api/broadcast", "/api/routes/refresh"} {
		if w := doRequest(t, srv, "POST", path, `{}`); w.Code != http.StatusServiceUnavailable {
			t.Errorf("POST %s = %d, want 503", path, w.Code)
		}
	}
	if w := doRequest(t, srv, "GET", "/api/messages/next", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("receive = %d, want 503", w.Code)
	}
}

func TestAPIScanWithoutSource(t *testing.T) {
	srv, svc := setupTestServer(t)

	w := doRequest(t, srv, "POST", "/api/scan?timeout=50ms", "")
	if w.Code != http.StatusOK {
		t.Fatalf("scan status = %d", w.Code)
	}
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("scan body = %s, want []", body)
	}
	if svc.State() != mesh.StateMeshOnly {
		t.Errorf("state after scan = %s", svc.State())
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, _ := setupTestServer(t, WithAPIKey("secret"))

	if w := doRequest(t, srv, "GET", "/api/status", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no key = %d, want 401", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("with key = %d, want 200", w.Code)
	}

	// The query parameter only counts for the websocket.
	if w := doRequest(t, srv, "GET", "/api/status?api_key=secret", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("query key on REST = %d, want 401", w.Code)
	}
	if w := doRequest(t, srv, "GET", "/api/ws?api_key=wrong", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong ws key = %d, want 401", w.Code)
	}
}

func TestCORS(t *testing.T) {
	srv, _ := setupTestServer(t, WithAllowedOrigins([]string{"http://panel.local"}))

	req := httptest.NewRequest("OPTIONS", "/api/devices", nil)
	req.Header.Set("Origin", "http://panel.local")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "http://panel.local" {
		t.Errorf("preflight = %d %v", w.Code, w.Header())
	}

	req = httptest.NewRequest("POST", "/api/devices", strings.NewReader(`{"id":"X"}`))
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign origin POST = %d, want 403", w.Code)
	}
}

func TestServeTogglesLocalWeb(t *testing.T) {
	srv, svc := setupTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	deadline := time.Now().Add(2 * time.Second)
	for svc.State() != mesh.StateLocalWeb && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if svc.State() != mesh.StateLocalWeb {
		t.Fatalf("state while serving = %s", svc.State())
	}

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status over tcp = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Serve returned %v", err)
	}
	if svc.State() != mesh.StateMeshOnly {
		t.Errorf("state after shutdown = %s", svc.State())
	}
}

func TestServeKeepsCloudConnected(t *testing.T) {
	srv, svc := setupTestServer(t)
	svc.SetConnectivity(mesh.StateCloudConnected)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()
	time.Sleep(50 * time.Millisecond)

	srv.Shutdown(context.Background())
	<-done
	if svc.State() != mesh.StateCloudConnected {
		t.Errorf("state = %s, want CLOUD_CONNECTED", svc.State())
	}
}

func TestAPISyncNotConfigured(t *testing.T) {
	srv, _ := setupTestServer(t)
	if w := doRequest(t, srv, "GET", "/api/sync", ""); w.Code != http.StatusNotFound {
		t.Errorf("sync status = %d, want 404", w.Code)
	}
}

func TestAPISync(t *testing.T) {
	hub := transport.NewMemoryHub()

	authSvc, authStore := newTestService(t, "auth", hub.Endpoint("AUTH"))
	authBridge, err := syncbridge.New(syncbridge.Config{Role: syncbridge.RoleAuthority}, authSvc, authStore, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	authSvc.Start("AUTH")
	authSrv := NewServer(authSvc, testLogger(), WithSync(authBridge))
	t.Cleanup(authSrv.Stop)

	devSvc, devStore := newTestService(t, "dev", hub.Endpoint("DEV"))
	devBridge, err := syncbridge.New(syncbridge.Config{Role: syncbridge.RoleDevice, Authority: "AUTH"}, devSvc, devStore, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	devSvc.Start("DEV")
	devSrv := NewServer(devSvc, testLogger(), WithSync(devBridge))
	t.Cleanup(devSrv.Stop)

	w := doRequest(t, authSrv, "POST", "/api/sync/items", `{"id":"n1","type":"note","data":{"text":"hi"}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("commit = %d: %s", w.Code, w.Body.String())
	}
	if w := doRequest(t, authSrv, "POST", "/api/sync/items", `{"id":"n2"}`); w.Code != http.StatusBadRequest {
		t.Errorf("commit without type = %d, want 400", w.Code)
	}
	if w := doRequest(t, devSrv, "POST", "/api/sync/items", `{"id":"n3","type":"note"}`); w.Code != http.StatusConflict {
		t.Errorf("device commit = %d, want 409", w.Code)
	}
	if w := doRequest(t, authSrv, "POST", "/api/sync", ""); w.Code != http.StatusConflict {
		t.Errorf("authority sync now = %d, want 409", w.Code)
	}

	if w := doRequest(t, devSrv, "POST", "/api/sync", `{"types":["note"]}`); w.Code != http.StatusAccepted {
		t.Fatalf("sync now = %d: %s", w.Code, w.Body.String())
	}

	var items []syncbridge.Item
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w := doRequest(t, devSrv, "GET", "/api/sync/items?type=note", "")
		items = nil
		decodeJSON(t, w, &items)
		if len(items) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(items) != 1 || items[0].ID != "n1" || !bytes.Contains(items[0].Data, []byte("hi")) {
		t.Fatalf("device items = %+v", items)
	}

	w = doRequest(t, devSrv, "GET", "/api/sync", "")
	var st syncbridge.Status
	decodeJSON(t, w, &st)
	if st.Role != syncbridge.RoleDevice || st.Authority != "AUTH" || st.Cursor != items[0].Version {
		t.Errorf("device sync status = %+v", st)
	}

	if w := doRequest(t, authSrv, "DELETE", "/api/sync/items/n1", ""); w.Code != http.StatusOK {
		t.Errorf("remove = %d", w.Code)
	}
}

func TestAPIAutomationsUnavailable(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := doRequest(t, srv, "GET", "/api/automations", "")
	if body := strings.TrimSpace(w.Body.String()); w.Code != http.StatusOK || body != "[]" {
		t.Errorf("list = %d %s", w.Code, body)
	}
	if w := doRequest(t, srv, "GET", "/api/automations/x", ""); w.Code != http.StatusNotFound {
		t.Errorf("get = %d, want 404", w.Code)
	}
	if w := doRequest(t, srv, "POST", "/api/automations/_inline/run", `{"lua_code":""}`); w.Code != http.StatusNotFound {
		t.Errorf("run = %d, want 404", w.Code)
	}
}

func TestAPIAutomations(t *testing.T) {
	svc, _ := newTestService(t, "auto", nil)
	svc.Start("D1")
	mgr, err := automation.NewManager(filepath.Join(t.TempDir(), "scripts"), testLogger())
	if err != nil {
		t.Skipf("automation disabled: %v", err)
	}
	engine := automation.NewEngine(svc, mgr, testLogger())
	t.Cleanup(engine.Stop)
	srv := NewServer(svc, testLogger(), WithAutomation(engine, mgr))
	t.Cleanup(srv.Stop)

	w := doRequest(t, srv, "POST", "/api/automations",
		`{"name":"Ping Peers","lua_code":"mesh.log(\"ping\")","enabled":true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		ID      string `json:"id"`
		Running bool   `json:"running"`
	}
	decodeJSON(t, w, &created)
	if created.ID != "ping_peers" || !created.Running {
		t.Errorf("created = %+v", created)
	}
	if w := doRequest(t, srv, "POST", "/api/automations", `{"lua_code":""}`); w.Code != http.StatusBadRequest {
		t.Errorf("create without name = %d, want 400", w.Code)
	}

	w = doRequest(t, srv, "POST", "/api/automations/ping_peers/toggle", "")
	decodeJSON(t, w, &created)
	if created.Running {
		t.Error("toggled script still running")
	}

	w = doRequest(t, srv, "POST", "/api/automations/ping_peers/run", "")
	var res automation.RunResult
	decodeJSON(t, w, &res)
	if !res.OK || len(res.Logs) != 1 || res.Logs[0] != "ping" {
		t.Errorf("run = %+v", res)
	}

	w = doRequest(t, srv, "POST", "/api/automations/_inline/run", `{"lua_code":"mesh.log(mesh.status().state)"}`)
	res = automation.RunResult{}
	decodeJSON(t, w, &res)
	if !res.OK || len(res.Logs) != 1 || res.Logs[0] != "MESH_ONLY" {
		t.Errorf("inline run = %+v", res)
	}

	if w := doRequest(t, srv, "PUT", "/api/automations/ping_peers", `{"lua_code":"mesh.log(2)"}`); w.Code != http.StatusOK {
		t.Errorf("update = %d", w.Code)
	}
	if w := doRequest(t, srv, "DELETE", "/api/automations/ping_peers", ""); w.Code != http.StatusOK {
		t.Errorf("delete = %d", w.Code)
	}
	if w := doRequest(t, srv, "GET", "/api/automations/ping_peers", ""); w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", w.Code)
	}
}
