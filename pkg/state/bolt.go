package state

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
	"github.com/ajitpratap0/nebula-connectors/pkg/logger"
)

const (
	// DefaultBoltPath is used when no path is configured
	DefaultBoltPath = ".nebula/state.db"

	boltFileMode = 0600
	boltTimeout  = time.Second
)

var stateBucket = []byte("cursor_state")

// BoltStore keeps state in a local bbolt file, one key per scope.
type BoltStore struct {
	db   *bolt.DB
	path string
}

// OpenBoltStore opens (creating if needed) the bbolt file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		path = DefaultBoltPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to create state directory")
	}

	db, err := bolt.Open(path, boltFileMode, &bolt.Options{Timeout: boltTimeout})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, fmt.Sprintf("failed to open state file %s", path))
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to initialize state bucket")
	}

	logger.Get().Debug("state store opened", zap.String("driver", "bolt"), zap.String("path", path))
	return &BoltStore{db: db, path: path}, nil
}

// Load implements Store.
func (s *BoltStore) Load(_ context.Context, scope string) (map[string]any, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(stateBucket).Get([]byte(scope)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to read state")
	}
	return decode(raw)
}

// Save implements Store.
func (s *BoltStore) Save(_ context.Context, scope string, data map[string]any) error {
	b, err := encode(data)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put([]byte(scope), b)
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to write state")
	}
	return nil
}

// Delete implements Store.
func (s *BoltStore) Delete(_ context.Context, scope string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Delete([]byte(scope))
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to delete state")
	}
	return nil
}

// Scopes implements Store. Keys are returned in bbolt's byte order.
func (s *BoltStore) Scopes(_ context.Context, prefix string) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(stateBucket).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			out = append(out, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to list state")
	}
	return out, nil
}

// Path returns the file backing the store.
func (s *BoltStore) Path() string { return s.path }

// Close implements Store.
func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
