package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices   = []byte("devices")
	bucketMesh      = []byte("mesh")
	bucketSyncItems = []byte("sync_items")
	bucketSyncMeta  = []byte("sync_meta")
	bucketSeen      = []byte("seen")

	keyMeshState  = []byte("state")
	keySyncCursor = []byte("cursor")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketMesh, bucketSyncItems, bucketSyncMeta, bucketSeen} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.putJSON(bucketDevices, []byte(dev.ID), dev)
}

func (s *BoltStore) GetDevice(id string) (*Device, error) {
	var dev Device
	if err := s.getJSON(bucketDevices, []byte(id), &dev); err != nil {
		return nil, fmt.Errorf("device %s: %w", id, err)
	}
	return &dev, nil
}

func (s *BoltStore) DeleteDevice(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return fmt.Errorf("decode device %s: %w", k, err)
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) SaveMeshState(state *MeshState) error {
	return s.putJSON(bucketMesh, keyMeshState, state)
}

func (s *BoltStore) GetMeshState() (*MeshState, error) {
	var state MeshState
	if err := s.getJSON(bucketMesh, keyMeshState, &state); err != nil {
		return nil, fmt.Errorf("mesh state: %w", err)
	}
	return &state, nil
}

func (s *BoltStore) PutSyncItem(item *SyncItem) error {
	return s.putJSON(bucketSyncItems, []byte(item.ID), item)
}

func (s *BoltStore) GetSyncItem(id string) (*SyncItem, error) {
	var item SyncItem
	if err := s.getJSON(bucketSyncItems, []byte(id), &item); err != nil {
		return nil, fmt.Errorf("sync item %s: %w", id, err)
	}
	return &item, nil
}

// SyncItemsSince returns live items newer than version, optionally limited to
// the given types, ordered by version.
func (s *BoltStore) SyncItemsSince(version int64, types []string) ([]*SyncItem, error) {
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}

	var items []*SyncItem
	err := s.forEachSyncItem(func(item *SyncItem) {
		if item.Deleted || item.Version <= version {
			return
		}
		if len(want) > 0 && !want[item.Type] {
			return
		}
		items = append(items, item)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Version < items[j].Version })
	return items, nil
}

// DeletedSince returns ids of tombstones newer than version.
func (s *BoltStore) DeletedSince(version int64) ([]string, error) {
	var ids []string
	err := s.forEachSyncItem(func(item *SyncItem) {
		if item.Deleted && item.Version > version {
			ids = append(ids, item.ID)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *BoltStore) forEachSyncItem(fn func(*SyncItem)) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncItems)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var item SyncItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decode sync item %s: %w", k, err)
			}
			fn(&item)
			return nil
		})
	})
}

func (s *BoltStore) NextSyncVersion() (int64, error) {
	var v uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		v, err = tx.Bucket(bucketSyncItems).NextSequence()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("next sync version: %w", err)
	}
	return int64(v), nil
}

func (s *BoltStore) SyncHead() (int64, error) {
	var v uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		v = tx.Bucket(bucketSyncItems).Sequence()
		return nil
	})
	return int64(v), err
}

func (s *BoltStore) SyncCursor() (int64, error) {
	var v int64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSyncMeta).Get(keySyncCursor)
		if len(data) == 8 {
			v = int64(binary.BigEndian.Uint64(data))
		}
		return nil
	})
	return v, err
}

func (s *BoltStore) SetSyncCursor(version int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(version))
		return tx.Bucket(bucketSyncMeta).Put(keySyncCursor, buf)
	})
}

func (s *BoltStore) MarkSeen(id string, at time.Time) (bool, error) {
	fresh := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSeen)
		if b.Get([]byte(id)) != nil {
			return nil
		}
		fresh = true
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(at.UnixNano()))
		return b.Put([]byte(id), buf)
	})
	if err != nil {
		return false, fmt.Errorf("mark seen %s: %w", id, err)
	}
	return fresh, nil
}

func (s *BoltStore) PruneSeen(before time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSeen)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if len(v) == 8 && int64(binary.BigEndian.Uint64(v)) < before.UnixNano() {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune seen: %w", err)
	}
	return removed, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) putJSON(bucket, key []byte, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) getJSON(bucket, key []byte, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		data := b.Get(key)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, v)
	})
}
