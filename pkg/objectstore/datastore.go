package objectstore

import (
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/skein-sh/skein/pkg/errcode"
)

var bucketObjects = []byte("objects")

// Datastore is the durable payload tier. Objects promoted out of memory
// keep their ids; the datastore only stores bytes, never reference
// state.
type Datastore interface {
	Put(id string, data []byte) error
	Get(id string) ([]byte, error)
	Delete(id string) error
	Close() error
}

// BoltDatastore stores promoted payloads in a BoltDB file.
type BoltDatastore struct {
	db *bolt.DB
}

// NewBoltDatastore opens (or creates) the payload database under
// dataDir.
func NewBoltDatastore(dataDir string) (*BoltDatastore, error) {
	dbPath := filepath.Join(dataDir, "objects.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open object database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketObjects)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create object bucket: %w", err)
	}

	return &BoltDatastore{db: db}, nil
}

func (d *BoltDatastore) Put(id string, data []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObjects).Put([]byte(id), data)
	})
}

func (d *BoltDatastore) Get(id string) ([]byte, error) {
	var data []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketObjects).Get([]byte(id))
		if v == nil {
			return errcode.Newf(errcode.ObjectNotFound, "object %s not in datastore", id)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

func (d *BoltDatastore) Delete(id string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObjects).Delete([]byte(id))
	})
}

func (d *BoltDatastore) Close() error {
	return d.db.Close()
}

// MemDatastore keeps payloads in a map. Used in tests and when no data
// directory is configured.
type MemDatastore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemDatastore() *MemDatastore {
	return &MemDatastore{data: make(map[string][]byte)}
}

func (d *MemDatastore) Put(id string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data[id] = append([]byte(nil), data...)
	return nil
}

func (d *MemDatastore) Get(id string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.data[id]
	if !ok {
		return nil, errcode.Newf(errcode.ObjectNotFound, "object %s not in datastore", id)
	}
	return append([]byte(nil), data...), nil
}

func (d *MemDatastore) Delete(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.data, id)
	return nil
}

func (d *MemDatastore) Close() error {
	return nil
}
