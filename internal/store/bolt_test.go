package store

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{
		ID:          "D2",
		Type:        DeviceSensor,
		Status:      StatusOnline,
		Signal:      75,
		LastSeen:    time.Now().Truncate(time.Millisecond),
		Connections: []string{"D1"},
	}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice("D2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != DeviceSensor {
		t.Errorf("type = %q, want %q", got.Type, DeviceSensor)
	}
	if got.Signal != 75 {
		t.Errorf("signal = %d, want 75", got.Signal)
	}
	if !got.LastSeen.Equal(dev.LastSeen) {
		t.Errorf("last_seen = %v, want %v", got.LastSeen, dev.LastSeen)
	}
	if !reflect.DeepEqual(got.Connections, []string{"D1"}) {
		t.Errorf("connections = %v, want [D1]", got.Connections)
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetDevice("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteAndListDevices(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := s.SaveDevice(&Device{ID: id, Type: DeviceNode, Status: StatusOnline}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.DeleteDevice("b"); err != nil {
		t.Fatal(err)
	}

	devs, err := s.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(devs) != 2 {
		t.Fatalf("len = %d, want 2", len(devs))
	}
	for _, d := range devs {
		if d.ID == "b" {
			t.Error("deleted device still listed")
		}
	}
}

func TestMeshStateRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetMeshState(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty store err = %v, want ErrNotFound", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	want := &MeshState{
		LocalDeviceID: "D1",
		Routes: []RouteRecord{
			{From: "D1", Target: "D2", NextHop: "D2", HopCount: 1, Signal: 75, Latency: 25 * time.Millisecond, UpdatedAt: now, Active: true},
			{From: "D2", Target: "D1", NextHop: "D1", HopCount: 1, Signal: 75, Latency: 25 * time.Millisecond, UpdatedAt: now, Active: true},
		},
		Adjacency: map[string]map[string]int{"D1": {"D2": 75}, "D2": {"D1": 75}},
		SavedAt:   now,
	}
	if err := s.SaveMeshState(want); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetMeshState()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("mesh state = %+v, want %+v", got, want)
	}
}

func TestSyncItemsSince(t *testing.T) {
	s := newTestStore(t)

	put := func(id, typ string, deleted bool) int64 {
		t.Helper()
		v, err := s.NextSyncVersion()
		if err != nil {
			t.Fatal(err)
		}
		item := &SyncItem{ID: id, Type: typ, Version: v, Data: json.RawMessage(`{"v":1}`), Deleted: deleted}
		if err := s.PutSyncItem(item); err != nil {
			t.Fatal(err)
		}
		return v
	}

	put("n1", "note", false)
	v2 := put("t1", "task", false)
	put("n2", "note", false)
	put("n3", "note", true)

	items, err := s.SyncItemsSince(v2-1, nil)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	if !reflect.DeepEqual(ids, []string{"t1", "n2"}) {
		t.Errorf("ids = %v, want [t1 n2]", ids)
	}

	notes, err := s.SyncItemsSince(0, []string{"note"})
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 2 {
		t.Errorf("note items = %d, want 2", len(notes))
	}

	deleted, err := s.DeletedSince(0)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(deleted, []string{"n3"}) {
		t.Errorf("deleted = %v, want [n3]", deleted)
	}

	head, err := s.SyncHead()
	if err != nil {
		t.Fatal(err)
	}
	if head != 4 {
		t.Errorf("head = %d, want 4", head)
	}
}

func TestSyncCursor(t *testing.T) {
	s := newTestStore(t)

	v, err := s.SyncCursor()
	if err != nil || v != 0 {
		t.Fatalf("initial cursor = %d, %v; want 0, nil", v, err)
	}
	if err := s.SetSyncCursor(42); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.SyncCursor(); v != 42 {
		t.Errorf("cursor = %d, want 42", v)
	}
}

func TestSeenGuard(t *testing.T) {
	s := newTestStore(t)
	base := time.Unix(1700000000, 0)

	fresh, err := s.MarkSeen("m1", base)
	if err != nil || !fresh {
		t.Fatalf("first MarkSeen = %v, %v; want true, nil", fresh, err)
	}
	if fresh, _ := s.MarkSeen("m1", base); fresh {
		t.Error("second MarkSeen = true, want false")
	}
	s.MarkSeen("m2", base.Add(time.Hour))

	n, err := s.PruneSeen(base.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if fresh, _ := s.MarkSeen("m1", base); !fresh {
		t.Error("pruned id should be fresh again")
	}
}
