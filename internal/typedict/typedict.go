// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package typedict persists the type descriptors of a storage, so that type
// ids found in data files can be resolved after a restart.
package typedict

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/bpowers/bitgraph/internal/entity"
)

const databaseFileName = "types.db"

var (
	typesBucketName = []byte("types") // <type id>=<json descriptor>
	metaBucketName  = []byte("meta")

	storageIDKey  = []byte("storage-id")
	nextTypeIDKey = []byte("next-type-id")
)

var ErrClosed = errors.New("type dictionary is closed")

// Dictionary is a bbolt-backed store of type descriptors.  It also keeps the
// storage's identity.
type Dictionary struct {
	db *bolt.DB
	id uuid.UUID
}

// Open creates or opens the dictionary below dir.
func Open(dir string) (*Dictionary, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("os.MkdirAll(%s): %w", dir, err)
	}
	path := filepath.Join(dir, databaseFileName)
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%s): %w", path, err)
	}
	d := &Dictionary{db: db}
	if err := d.init(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize type dictionary: %w", err)
	}
	return d, nil
}

func (d *Dictionary) init() error {
	return d.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(typesBucketName); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucketName)
		if err != nil {
			return err
		}
		if raw := meta.Get(storageIDKey); raw != nil {
			id, err := uuid.FromBytes(raw)
			if err != nil {
				return fmt.Errorf("corrupted storage id: %w", err)
			}
			d.id = id
		} else {
			d.id = uuid.New()
			if err := meta.Put(storageIDKey, d.id[:]); err != nil {
				return err
			}
		}
		if meta.Get(nextTypeIDKey) == nil {
			return meta.Put(nextTypeIDKey, u64Bytes(entity.FirstTypeID))
		}
		return nil
	})
}

func u64Bytes(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// StorageID identifies the storage across restarts.
func (d *Dictionary) StorageID() uuid.UUID {
	return d.id
}

// Load registers every persisted descriptor with reg.
func (d *Dictionary) Load(reg *entity.Registry) error {
	return d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(typesBucketName).ForEach(func(k, v []byte) error {
			var t entity.Type
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("failed to unmarshal type %x: %w", k, err)
			}
			if err := reg.Register(&t); err != nil {
				return fmt.Errorf("type %q: %w", t.Name, err)
			}
			return nil
		})
	})
}

// Define persists a type with the given layout and returns its descriptor.
// Defining an existing name with the same fields returns the existing
// descriptor; different fields are an ErrTypeConflict.
func (d *Dictionary) Define(reg *entity.Registry, name string, fields []entity.Field) (*entity.Type, error) {
	if existing, ok := reg.LookupName(name); ok {
		candidate := &entity.Type{ID: existing.ID, Name: name, Fields: fields}
		if !existing.SameLayout(candidate) {
			return nil, fmt.Errorf("%w: %q has a different layout", entity.ErrTypeConflict, name)
		}
		return existing, nil
	}
	t := &entity.Type{Name: name, Fields: append([]entity.Field(nil), fields...)}
	if err := t.Check(); err != nil {
		return nil, err
	}
	err := d.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucketName)
		t.ID = binary.BigEndian.Uint64(meta.Get(nextTypeIDKey))
		value, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal type %q: %w", name, err)
		}
		if err := tx.Bucket(typesBucketName).Put(u64Bytes(t.ID), value); err != nil {
			return fmt.Errorf("failed to insert type %q: %w", name, err)
		}
		return meta.Put(nextTypeIDKey, u64Bytes(t.ID+1))
	})
	if err != nil {
		return nil, err
	}
	if err := reg.Register(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Types returns all persisted descriptors ordered by id.
func (d *Dictionary) Types() ([]*entity.Type, error) {
	var types []*entity.Type
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(typesBucketName).ForEach(func(k, v []byte) error {
			t := &entity.Type{}
			if err := json.Unmarshal(v, t); err != nil {
				return fmt.Errorf("failed to unmarshal type %x: %w", k, err)
			}
			types = append(types, t)
			return nil
		})
	})
	return types, err
}

func (d *Dictionary) Close() error {
	if d.db == nil {
		return ErrClosed
	}
	err := d.db.Close()
	d.db = nil
	return err
}
