// Package kvstore is the gateway's local table store. Each configured table
// is a top-level bbolt bucket holding JSON values by string key.
package kvstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"procmesh/errors"
)

const fileMode = 0o600

// ErrTableNotFound is returned for operations on a table that was not
// configured.
var ErrTableNotFound = errors.New("table does not exist")

func errTableNotFound(table string) error {
	return fmt.Errorf("the table %s does not exist: %w", table, ErrTableNotFound)
}

// Store is a set of named tables backed by one bbolt file.
type Store struct {
	db     *bolt.DB
	tables map[string]struct{}
}

// Open opens (creating when needed) the database file at path and makes sure
// a bucket exists for every table.
func Open(path string, tables []string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.Wrap(errors.KindConfig, errors.ErrInvalidConfig, "kvstore", "Open", "database path is blank")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, tables: make(map[string]struct{}, len(tables))}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, t := range tables {
			t = strings.TrimSpace(t)
			if t == "" {
				return errors.Wrap(errors.KindConfig, errors.ErrInvalidConfig, "kvstore", "Open", "table name is blank")
			}
			if _, err := tx.CreateBucketIfNotExists([]byte(t)); err != nil {
				return err
			}
			s.tables[t] = struct{}{}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Tables lists the configured tables, sorted.
func (s *Store) Tables() []string {
	out := make([]string, 0, len(s.tables))
	for t := range s.tables {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *Store) bucket(tx *bolt.Tx, table string) (*bolt.Bucket, error) {
	if _, ok := s.tables[table]; !ok {
		return nil, errTableNotFound(table)
	}
	b := tx.Bucket([]byte(table))
	if b == nil {
		return nil, errTableNotFound(table)
	}
	return b, nil
}

// Get returns a copy of the value stored under key. ok is false when the key
// is absent.
func (s *Store) Get(table, key string) (value []byte, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, table)
		if err != nil {
			return err
		}
		if v := b.Get([]byte(key)); v != nil {
			value = append([]byte(nil), v...)
			ok = true
		}
		return nil
	})
	return value, ok, err
}

func (s *Store) Put(table, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, table)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

func (s *Store) Delete(table string, keys ...string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, table)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Keys lists the keys of table in byte order.
func (s *Store) Keys(table string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, table)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func (s *Store) Close() error {
	return s.db.Close()
}
