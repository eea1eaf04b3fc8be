package persistence

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const workspacesBucket = "workspaces"

// BoltPersistence is an Adapter backed by one bbolt database file, with
// one bucket shared by every workspace id that opens against the same
// file. Grounded on db/bolt/bolt.go's Open/PutJSON/GetJSON helpers,
// adapted to store the substrate's raw encoded bytes directly rather than
// JSON-marshaling a Go value, since the blob is already a binary encoding.
type BoltPersistence struct {
	db          *bolt.DB
	ownsDB      bool
	workspaceID string
	ready       chan struct{}
}

// OpenBolt opens (creating if necessary) a bbolt database at path and
// binds an Adapter to workspaceID within it.
func OpenBolt(path, workspaceID string) (*BoltPersistence, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("persistence: open bolt: %w", err)
	}
	p, err := newBoltPersistence(db, true, workspaceID)
	if err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func newBoltPersistence(db *bolt.DB, ownsDB bool, workspaceID string) (*BoltPersistence, error) {
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(workspacesBucket))
		return err
	}); err != nil {
		return nil, fmt.Errorf("persistence: create bucket: %w", err)
	}
	p := &BoltPersistence{db: db, ownsDB: ownsDB, workspaceID: workspaceID, ready: make(chan struct{})}
	if _, _, err := p.Load(context.Background()); err != nil {
		return nil, err
	}
	close(p.ready)
	return p, nil
}

// BoltHub shares one bbolt database file across every workspace id an
// embedder opens, since bbolt holds an exclusive file lock on an open
// database and a second OpenBolt call on the same file waits for that lock
// and fails after its one-second open timeout.
type BoltHub struct {
	db *bolt.DB
}

// OpenBoltHub opens (creating if necessary) a bbolt database at path for
// use by multiple workspace ids via Adapter.
func OpenBoltHub(path string) (*BoltHub, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("persistence: open bolt: %w", err)
	}
	return &BoltHub{db: db}, nil
}

// Adapter binds a BoltPersistence Adapter to workspaceID within the hub's
// shared database.
func (h *BoltHub) Adapter(workspaceID string) (*BoltPersistence, error) {
	return newBoltPersistence(h.db, false, workspaceID)
}

// Close releases the shared database handle.
func (h *BoltHub) Close() error {
	return h.db.Close()
}

// Load returns the last blob stored for this adapter's workspace id.
func (p *BoltPersistence) Load(ctx context.Context) ([]byte, bool, error) {
	var blob []byte
	err := p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(workspacesBucket))
		if v := b.Get([]byte(p.workspaceID)); v != nil {
			blob = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("persistence: bolt load: %w", err)
	}
	return blob, blob != nil, nil
}

// Save overwrites the stored blob for this workspace id in one bbolt
// transaction.
func (p *BoltPersistence) Save(ctx context.Context, blob []byte) error {
	err := p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(workspacesBucket))
		return b.Put([]byte(p.workspaceID), blob)
	})
	if err != nil {
		return fmt.Errorf("persistence: bolt save: %w", err)
	}
	return nil
}

// WhenReady closes once the adapter's constructor has completed its first
// Load.
func (p *BoltPersistence) WhenReady() <-chan struct{} { return p.ready }

// Close releases the underlying database, if this adapter opened it.
func (p *BoltPersistence) Close() error {
	if !p.ownsDB {
		return nil
	}
	return p.db.Close()
}
