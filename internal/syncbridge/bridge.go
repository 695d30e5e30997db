package syncbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"meshlink/internal/mesh"
	"meshlink/internal/protocol"
	"meshlink/internal/store"
)

// Role selects which side of the exchange a bridge plays.
type Role string

const (
	RoleAuthority Role = "authority"
	RoleDevice    Role = "device"
)

// ErrNotSent is returned when the mesh service refuses a sync message.
var ErrNotSent = errors.New("sync: message not queued")

// ErrNotAuthority is returned when a device-role bridge tries to commit.
var ErrNotAuthority = errors.New("sync: only the authority commits versions")

// Store is the persistence the bridge needs.
type Store interface {
	PutSyncItem(item *store.SyncItem) error
	GetSyncItem(id string) (*store.SyncItem, error)
	SyncItemsSince(version int64, types []string) ([]*store.SyncItem, error)
	DeletedSince(version int64) ([]string, error)
	NextSyncVersion() (int64, error)
	SyncHead() (int64, error)
	SyncCursor() (int64, error)
	SetSyncCursor(version int64) error
}

// Messenger is the part of the mesh service the bridge rides on.
type Messenger interface {
	Handle(typ protocol.MessageType, fn func(*protocol.Message))
	Send(target string, payload []byte, typ protocol.MessageType) bool
	SetConnectivity(to mesh.State) bool
	Running() bool
	LocalID() string
}

type Config struct {
	Role      Role
	Authority string        // device role: id of the authority
	Interval  time.Duration // device role: 60s between requests
	ItemTypes []string      // device role: empty asks for every type
	// CompressThreshold defaults to DefaultCompressThreshold; negative
	// disables compression.
	CompressThreshold int
}

// Status summarises the bridge for operators.
type Status struct {
	Role           Role      `json:"role"`
	Authority      string    `json:"authority,omitempty"`
	Cursor         int64     `json:"cursor"`
	Head           int64     `json:"head"`
	LastAckVersion int64     `json:"last_ack_version"`
	LastRejected   []string  `json:"last_rejected,omitempty"`
	LastSync       time.Time `json:"last_sync"`
}

// Bridge exchanges sync records through a mesh service.
type Bridge struct {
	cfg    Config
	mesh   Messenger
	store  Store
	logger *slog.Logger

	mu           sync.Mutex
	lastAck      int64
	lastRejected []string
	lastSync     time.Time
}

// New validates cfg and takes over TypeSync messages on m.
func New(cfg Config, m Messenger, st Store, logger *slog.Logger) (*Bridge, error) {
	switch cfg.Role {
	case RoleAuthority:
	case RoleDevice:
		if cfg.Authority == "" {
			return nil, errors.New("sync: device role requires an authority id")
		}
	default:
		return nil, fmt.Errorf("sync: unknown role %q", cfg.Role)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.CompressThreshold == 0 {
		cfg.CompressThreshold = DefaultCompressThreshold
	}

	b := &Bridge{
		cfg:    cfg,
		mesh:   m,
		store:  st,
		logger: logger.With("component", "sync", "role", string(cfg.Role)),
	}
	m.Handle(protocol.TypeSync, b.handle)
	return b, nil
}

// Run requests a sync now and then on every interval until ctx ends. Only
// the device role polls; an authority returns immediately.
func (b *Bridge) Run(ctx context.Context) {
	if b.cfg.Role != RoleDevice {
		return
	}
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		if b.mesh.Running() {
			if err := b.RequestSync(b.cfg.Authority, b.cfg.ItemTypes); err != nil {
				b.logger.Warn("sync request failed", "err", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RequestSync asks authority for every change after the local cursor.
func (b *Bridge) RequestSync(authority string, types []string) error {
	cursor, err := b.store.SyncCursor()
	if err != nil {
		return fmt.Errorf("read sync cursor: %w", err)
	}
	return b.send(authority, &Request{
		DeviceID:      b.mesh.LocalID(),
		DeviceVersion: cursor,
		ItemTypes:     types,
	})
}

// Push offers items to authority. Each item's Version is the authority
// version the edit was based on; zero for new items.
func (b *Bridge) Push(authority string, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	return b.send(authority, &Push{DeviceID: b.mesh.LocalID(), Items: items})
}

// Commit writes an item on the authority under the next version.
func (b *Bridge) Commit(id, typ string, data json.RawMessage) (int64, error) {
	return b.commit(Item{ID: id, Type: typ, Data: data})
}

// Remove leaves a tombstone for id on the authority.
func (b *Bridge) Remove(id string) (int64, error) {
	typ := ""
	if cur, err := b.store.GetSyncItem(id); err == nil {
		typ = cur.Type
	}
	return b.commit(Item{ID: id, Type: typ, Deleted: true})
}

func (b *Bridge) commit(it Item) (int64, error) {
	if b.cfg.Role != RoleAuthority {
		return 0, ErrNotAuthority
	}
	if it.ID == "" {
		return 0, errors.New("sync: item id is required")
	}
	v, err := b.store.NextSyncVersion()
	if err != nil {
		return 0, err
	}
	it.Version = v
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = time.Now().UTC()
	}
	if it.Deleted {
		it.Data = nil
	}
	if err := b.store.PutSyncItem(it.toStore()); err != nil {
		return 0, fmt.Errorf("store sync item %s: %w", it.ID, err)
	}
	return v, nil
}

// Items returns the live local items, optionally limited to types.
func (b *Bridge) Items(types ...string) ([]Item, error) {
	recs, err := b.store.SyncItemsSince(0, types)
	if err != nil {
		return nil, err
	}
	out := make([]Item, len(recs))
	for i, r := range recs {
		out[i] = itemFromStore(r)
	}
	return out, nil
}

func (b *Bridge) Status() Status {
	st := Status{Role: b.cfg.Role, Authority: b.cfg.Authority}
	st.Cursor, _ = b.store.SyncCursor()
	st.Head, _ = b.store.SyncHead()
	b.mu.Lock()
	st.LastAckVersion = b.lastAck
	st.LastRejected = slices.Clone(b.lastRejected)
	st.LastSync = b.lastSync
	b.mu.Unlock()
	return st
}

func (b *Bridge) send(target string, rec Record) error {
	data, err := Encode(rec, b.cfg.CompressThreshold)
	if err != nil {
		return err
	}
	if !b.mesh.Send(target, data, protocol.TypeSync) {
		return fmt.Errorf("%s to %s: %w", rec.Kind(), target, ErrNotSent)
	}
	b.logger.Debug("sync record sent", "kind", rec.Kind(), "target", target, "bytes", len(data))
	return nil
}

func (b *Bridge) handle(m *protocol.Message) {
	rec, err := Decode(m.Payload)
	if err != nil {
		b.logger.Warn("bad sync record", "from", m.Source, "err", err)
		return
	}

	switch r := rec.(type) {
	case *Request:
		if b.cfg.Role != RoleAuthority {
			break
		}
		delta, err := b.buildDelta(r)
		if err != nil {
			b.logger.Error("build delta", "device", m.Source, "err", err)
			return
		}
		if err := b.send(m.Source, delta); err != nil {
			b.logger.Warn("send delta", "err", err)
		}
		return
	case *Push:
		if b.cfg.Role != RoleAuthority {
			break
		}
		ack := b.applyPush(r)
		if err := b.send(m.Source, ack); err != nil {
			b.logger.Warn("send ack", "err", err)
		}
		return
	case *Delta:
		if b.cfg.Role != RoleDevice || m.Source != b.cfg.Authority {
			break
		}
		if err := b.applyDelta(r); err != nil {
			b.logger.Error("apply delta", "err", err)
			return
		}
		b.synced()
		return
	case *Ack:
		if b.cfg.Role != RoleDevice || m.Source != b.cfg.Authority {
			break
		}
		b.applyAck(r)
		b.synced()
		return
	}
	b.logger.Debug("sync record ignored", "kind", rec.Kind(), "from", m.Source)
}

func (b *Bridge) buildDelta(r *Request) (*Delta, error) {
	head, err := b.store.SyncHead()
	if err != nil {
		return nil, err
	}
	recs, err := b.store.SyncItemsSince(r.DeviceVersion, r.ItemTypes)
	if err != nil {
		return nil, err
	}
	deleted, err := b.store.DeletedSince(r.DeviceVersion)
	if err != nil {
		return nil, err
	}

	d := &Delta{
		FromVersion: r.DeviceVersion,
		ToVersion:   head,
		Items:       make([]Item, len(recs)),
		DeletedIDs:  deleted,
	}
	for i, rec := range recs {
		d.Items[i] = itemFromStore(rec)
	}
	if d.DeletedIDs == nil {
		d.DeletedIDs = []string{}
	}
	b.logger.Info("delta served", "device", r.DeviceID, "from", d.FromVersion, "to", d.ToVersion,
		"items", len(d.Items), "deleted", len(d.DeletedIDs))
	return d, nil
}

// applyPush stores every pushed item whose base version is not older than
// the stored one. Equal versions are accepted, so the later push wins.
func (b *Bridge) applyPush(p *Push) *Ack {
	ack := &Ack{}
	for _, it := range p.Items {
		if it.ID == "" {
			continue
		}
		cur, err := b.store.GetSyncItem(it.ID)
		switch {
		case err == nil && it.Version < cur.Version:
			ack.RejectedIDs = append(ack.RejectedIDs, it.ID)
			continue
		case err != nil && !errors.Is(err, store.ErrNotFound):
			b.logger.Error("read sync item", "id", it.ID, "err", err)
			ack.RejectedIDs = append(ack.RejectedIDs, it.ID)
			continue
		}
		if _, err := b.commit(it); err != nil {
			b.logger.Error("commit pushed item", "id", it.ID, "err", err)
			ack.RejectedIDs = append(ack.RejectedIDs, it.ID)
		}
	}
	ack.NewVersion, _ = b.store.SyncHead()
	b.logger.Info("push applied", "device", p.DeviceID, "items", len(p.Items),
		"rejected", len(ack.RejectedIDs), "version", ack.NewVersion)
	return ack
}

func (b *Bridge) applyDelta(d *Delta) error {
	for _, it := range d.Items {
		if err := b.store.PutSyncItem(it.toStore()); err != nil {
			return fmt.Errorf("store %s: %w", it.ID, err)
		}
	}
	now := time.Now().UTC()
	for _, id := range d.DeletedIDs {
		tomb := &store.SyncItem{ID: id, Version: d.ToVersion, Deleted: true, UpdatedAt: now}
		if cur, err := b.store.GetSyncItem(id); err == nil {
			tomb.Type = cur.Type
		}
		if err := b.store.PutSyncItem(tomb); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}

	cursor, err := b.store.SyncCursor()
	if err != nil {
		return err
	}
	if d.ToVersion > cursor {
		if err := b.store.SetSyncCursor(d.ToVersion); err != nil {
			return err
		}
	}
	b.logger.Info("delta applied", "from", d.FromVersion, "to", d.ToVersion,
		"items", len(d.Items), "deleted", len(d.DeletedIDs))
	return nil
}

// applyAck records the authority head. When the authority is ahead of the
// local cursor the device pulls the difference, which also returns the
// versions assigned to its own pushed items.
func (b *Bridge) applyAck(a *Ack) {
	b.mu.Lock()
	b.lastAck = a.NewVersion
	b.lastRejected = slices.Clone(a.RejectedIDs)
	b.mu.Unlock()

	if len(a.RejectedIDs) > 0 {
		b.logger.Warn("authority rejected stale items", "ids", a.RejectedIDs)
	}
	cursor, err := b.store.SyncCursor()
	if err != nil {
		b.logger.Warn("read sync cursor", "err", err)
		return
	}
	if a.NewVersion > cursor {
		if err := b.RequestSync(b.cfg.Authority, b.cfg.ItemTypes); err != nil {
			b.logger.Warn("follow-up sync request", "err", err)
		}
	}
}

func (b *Bridge) synced() {
	b.mu.Lock()
	b.lastSync = time.Now()
	b.mu.Unlock()
	b.mesh.SetConnectivity(mesh.StateCloudConnected)
}
