package modelcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketModels = []byte("downloaded_models")

// BoltCache persists descriptors in a BoltDB file keyed by model id.
type BoltCache struct {
	db *bolt.DB
}

// OpenBoltCache opens the cache at path, creating the bucket unless the
// database is opened read only.
func OpenBoltCache(path string, options *bolt.Options) (*BoltCache, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("modelcache: open %s: %w", path, err)
	}
	if options.ReadOnly {
		return &BoltCache{db: db}, nil
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketModels)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("modelcache: create bucket: %w", err)
	}
	return &BoltCache{db: db}, nil
}

// LoadAll returns every cached model in key order.
func (c *BoltCache) LoadAll(ctx context.Context) ([]ModelDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []ModelDescriptor
	err := c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketModels)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var m ModelDescriptor
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("modelcache: decode %s: %w", k, err)
			}
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Save records model under its canonical id.
func (c *BoltCache) Save(ctx context.Context, model ModelDescriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("modelcache: encode: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketModels).Put([]byte(model.ModelID()), raw)
	})
}

// Close releases the database file.
func (c *BoltCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}
