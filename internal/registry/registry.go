// Package registry keeps the authoritative set of known mesh devices and
// their pairwise connections, mirrored to durable storage.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"meshlink/internal/store"
)

// ErrNotFound is returned for ids the registry does not know.
var ErrNotFound = errors.New("device not found")

// ErrInvalidDevice is returned for an empty id or an unknown device type.
var ErrInvalidDevice = errors.New("invalid device")

// MaxSignal is the strongest link quality.
const MaxSignal = 100

// Registry is an in-memory device table persisted on every mutation.
// All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*store.Device
	store   store.Store
	logger  *slog.Logger
	now     func() time.Time
}

// New loads every stored device into memory.
func New(st store.Store, logger *slog.Logger) (*Registry, error) {
	devs, err := st.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	r := &Registry{
		devices: make(map[string]*store.Device, len(devs)),
		store:   st,
		logger:  logger.With("component", "registry"),
		now:     time.Now,
	}
	for _, d := range devs {
		r.devices[d.ID] = d
	}
	r.logger.Debug("registry loaded", "devices", len(devs))
	return r, nil
}

// Register creates or overwrites id as an online device with full signal.
// Existing connections are kept.
func (r *Registry) Register(id string, typ store.DeviceType) (*store.Device, error) {
	if id == "" {
		return nil, fmt.Errorf("register: empty id: %w", ErrInvalidDevice)
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("register %s: type %q: %w", id, typ, ErrInvalidDevice)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dev := &store.Device{
		ID:       id,
		Type:     typ,
		Status:   store.StatusOnline,
		Signal:   MaxSignal,
		LastSeen: r.now(),
	}
	if old, ok := r.devices[id]; ok {
		dev.Connections = append([]string(nil), old.Connections...)
	}
	if err := r.commit(dev); err != nil {
		return nil, err
	}
	r.logger.Info("device registered", "id", id, "type", typ)
	return dev.Clone(), nil
}

// Observe records a discovery sighting: unknown ids are created with the
// given type, known ones get their signal, status and last-seen refreshed.
// It reports whether the device was new.
func (r *Registry) Observe(id string, typ store.DeviceType, signal int) (*store.Device, bool, error) {
	if id == "" {
		return nil, false, fmt.Errorf("observe: empty device id")
	}
	if !typ.Valid() {
		typ = store.DeviceNode
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dev, known := r.devices[id]
	if known {
		dev = dev.Clone()
	} else {
		dev = &store.Device{ID: id, Type: typ}
	}
	dev.Status = store.StatusOnline
	dev.Signal = clampSignal(signal)
	dev.LastSeen = r.now()

	if err := r.commit(dev); err != nil {
		return nil, false, err
	}
	return dev.Clone(), !known, nil
}

// Get returns a copy of the device.
func (r *Registry) Get(id string) (*store.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return dev.Clone(), nil
}

// List returns copies of all devices sorted by id. When statuses are given
// only devices in one of those statuses are returned.
func (r *Registry) List(statuses ...store.DeviceStatus) []*store.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*store.Device, 0, len(r.devices))
	for _, d := range r.devices {
		if len(statuses) > 0 && !slices.Contains(statuses, d.Status) {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateStatus sets the status and touches last-seen.
func (r *Registry) UpdateStatus(id string, status store.DeviceStatus) error {
	return r.update(id, func(d *store.Device) {
		d.Status = status
	})
}

// UpdateSignal sets the link quality, clamped to 0..100, and touches last-seen.
func (r *Registry) UpdateSignal(id string, signal int) error {
	return r.update(id, func(d *store.Device) {
		d.Signal = clampSignal(signal)
	})
}

func (r *Registry) update(id string, fn func(*store.Device)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	dev := cur.Clone()
	fn(dev)
	dev.LastSeen = r.now()
	return r.commit(dev)
}

// Remove deletes id and strips it from every other device's connections.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[id]; !ok {
		return fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}
	if err := r.store.DeleteDevice(id); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	delete(r.devices, id)

	for _, d := range r.devices {
		if !slices.Contains(d.Connections, id) {
			continue
		}
		peer := d.Clone()
		peer.Connections = slices.DeleteFunc(peer.Connections, func(c string) bool { return c == id })
		if err := r.commit(peer); err != nil {
			return err
		}
	}
	r.logger.Info("device removed", "id", id)
	return nil
}

// Connect records a bidirectional connection between a and b. A side missing
// from the registry is skipped, but at least one side must be known.
func (r *Registry) Connect(a, b string) error {
	return r.link(a, b, func(conns []string, peer string) []string {
		if slices.Contains(conns, peer) {
			return conns
		}
		return append(conns, peer)
	})
}

// Disconnect removes the connection between a and b on both sides.
func (r *Registry) Disconnect(a, b string) error {
	return r.link(a, b, func(conns []string, peer string) []string {
		return slices.DeleteFunc(conns, func(c string) bool { return c == peer })
	})
}

func (r *Registry) link(a, b string, edit func([]string, string) []string) error {
	if a == b {
		return fmt.Errorf("link %s: cannot connect a device to itself", a)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	da, okA := r.devices[a]
	db, okB := r.devices[b]
	if !okA && !okB {
		return fmt.Errorf("link %s-%s: %w", a, b, ErrNotFound)
	}
	if okA {
		dev := da.Clone()
		dev.Connections = edit(dev.Connections, b)
		if err := r.commit(dev); err != nil {
			return err
		}
	}
	if okB {
		dev := db.Clone()
		dev.Connections = edit(dev.Connections, a)
		if err := r.commit(dev); err != nil {
			return err
		}
	}
	return nil
}

// Connections returns the connection list of id.
func (r *Registry) Connections(id string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("connections %s: %w", id, ErrNotFound)
	}
	return append([]string(nil), dev.Connections...), nil
}

// Topology maps every device id to its connection list.
func (r *Registry) Topology() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	topo := make(map[string][]string, len(r.devices))
	for id, d := range r.devices {
		conns := append([]string{}, d.Connections...)
		sort.Strings(conns)
		topo[id] = conns
	}
	return topo
}

// commit persists dev and then swaps it into memory. Caller holds r.mu.
func (r *Registry) commit(dev *store.Device) error {
	if err := r.store.SaveDevice(dev); err != nil {
		return fmt.Errorf("persist device %s: %w", dev.ID, err)
	}
	r.devices[dev.ID] = dev
	return nil
}

func clampSignal(s int) int {
	return max(0, min(MaxSignal, s))
}
