// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package bitgraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/bpowers/bitgraph/internal/datafile"
	"github.com/bpowers/bitgraph/internal/entity"
	"github.com/bpowers/bitgraph/internal/metrics"
	"github.com/bpowers/bitgraph/internal/storage"
	"github.com/bpowers/bitgraph/internal/typedict"
	"github.com/bpowers/bitgraph/lazy"
)

var (
	ErrClosed        = errors.New("storage is closed")
	ErrReservedID    = errors.New("object id 0 is reserved for the roots entity")
	ErrNoSuchEntity  = storage.ErrObjectNotFound
	ErrUnknownType   = entity.ErrUnknownType
	ErrTypeConflict  = entity.ErrTypeConflict
	ErrRootMissing   = storage.ErrRootMissing
	ErrStorageLocked = datafile.ErrLocked
	ErrPartialCommit = storage.ErrPartialCommit
)

type (
	Codec         = entity.Codec
	Type          = entity.Type
	Field         = entity.Field
	Kind          = entity.Kind
	PayloadWriter = entity.PayloadWriter
	PayloadReader = entity.PayloadReader
	ChannelStats  = storage.ChannelStats
	FileStats     = storage.FileStats
	ExportResult  = storage.ExportResult
)

const (
	KindReference  = entity.KindReference
	KindUint64     = entity.KindUint64
	KindBytes      = entity.KindBytes
	KindReferences = entity.KindReferences
)

// Entity is one stored object.  Payload is laid out as described by the
// type registered under TypeID.
type Entity struct {
	ObjectID uint64
	TypeID   uint64
	Payload  []byte
}

// Storage is an open object graph storage.  It is safe for concurrent use.
type Storage struct {
	dir     string
	logger  *slog.Logger
	fs      *datafile.LocalFS
	dict    *typedict.Dictionary
	types   *entity.Registry
	codec   entity.Codec
	metrics *metrics.Metrics
	engine  *storage.Engine
	refs    *lazy.Manager

	loads  singleflight.Group
	lastID atomic.Uint64
	closed atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// Open opens the storage in dir, creating it if needed.
func Open(dir string, opts ...Option) (*Storage, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}

	var fsOpts []datafile.LocalFSOption
	if o.cfg.DeletionDirectory != "" {
		fsOpts = append(fsOpts, datafile.WithDeletionDirectory(o.cfg.DeletionDirectory))
	}
	fs, err := datafile.OpenLocalFS(dir, fsOpts...)
	if err != nil {
		return nil, err
	}
	dict, err := typedict.Open(fs.Dir())
	if err != nil {
		return nil, errors.Join(err, fs.Close())
	}
	types := entity.NewRegistry()
	if err := dict.Load(types); err != nil {
		return nil, errors.Join(fmt.Errorf("loading types: %w", err), dict.Close(), fs.Close())
	}

	s := &Storage{
		dir:     fs.Dir(),
		logger:  o.logger,
		fs:      fs,
		dict:    dict,
		types:   types,
		codec:   entity.NewCodec(o.cfg.SwitchByteOrder),
		metrics: metrics.New(o.registerer),
	}

	cfg := o.cfg.storageConfig()
	cfg.IO = fs
	cfg.Registry = types
	cfg.Codec = s.codec
	cfg.Logger = o.logger
	cfg.Metrics = s.metrics
	s.engine, err = storage.Start(cfg)
	if err != nil {
		return nil, errors.Join(err, dict.Close(), fs.Close())
	}

	highest, err := s.engine.MaxObjectID(context.Background())
	if err != nil {
		return nil, errors.Join(err, s.engine.Close(), dict.Close(), fs.Close())
	}
	s.lastID.Store(max(highest, entity.FirstObjectID-1))

	s.refs = lazy.NewManager(lazy.Config{
		Timeout:       o.cfg.LazyTimeout,
		CheckInterval: o.cfg.LazyCheckInterval,
		TimeBudget:    o.cfg.LazyTimeBudget,
		Logger:        o.logger,
		OnCleared:     s.metrics.LazyCleared,
	})
	s.refs.Start()

	s.logger.Info("opened storage", "dir", s.dir, "id", dict.StorageID(), "channels", cfg.ChannelCount)
	return s, nil
}

// Close stops housekeeping and the lazy reference manager and releases the
// storage directory.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.refs.Stop()
		s.closeErr = errors.Join(s.engine.Close(), s.dict.Close(), s.fs.Close())
	})
	return s.closeErr
}

func (s *Storage) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// ID identifies the storage; it survives restarts.
func (s *Storage) ID() uuid.UUID {
	return s.dict.StorageID()
}

// Codec encodes and decodes payloads in the storage's byte order.
func (s *Storage) Codec() Codec {
	return s.codec
}

// RegisterType defines a persistent type.  Registering the same name with
// the same fields again returns the existing type.
func (s *Storage) RegisterType(name string, fields ...Field) (*Type, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.dict.Define(s.types, name, fields)
}

func (s *Storage) Type(name string) (*Type, bool) {
	return s.types.LookupName(name)
}

// Types returns all known types, including the roots type, ordered by id.
func (s *Storage) Types() []*Type {
	return s.types.Types()
}

// NewObjectID returns an object id that was never handed out before by this
// storage instance and is above every id found in the storage on Open.
func (s *Storage) NewObjectID() uint64 {
	return s.lastID.Add(1)
}

func (s *Storage) encode(e Entity) ([]byte, error) {
	if (e.ObjectID == entity.RootsObjectID) != (e.TypeID == entity.RootsTypeID) {
		return nil, fmt.Errorf("entity %d of type %d: %w", e.ObjectID, e.TypeID, ErrReservedID)
	}
	t, ok := s.types.Lookup(e.TypeID)
	if !ok {
		return nil, fmt.Errorf("entity %d: %w: %d", e.ObjectID, ErrUnknownType, e.TypeID)
	}
	if err := t.Validate(s.codec, e.Payload); err != nil {
		return nil, fmt.Errorf("entity %d: %w", e.ObjectID, err)
	}
	return s.codec.Encode(e.ObjectID, e.TypeID, e.Payload)
}

// Store writes entities.  Storing an existing object id replaces it.  The
// roots entity may be stored together with the entities it references.
//
// After an error none of the entities is visible, unless the error wraps
// ErrPartialCommit: the entities of the channels that committed before
// another channel failed to are then stored, the others are not.
func (s *Storage) Store(ctx context.Context, entities ...Entity) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	records := make([][]byte, 0, len(entities))
	for _, e := range entities {
		rec, err := s.encode(e)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	return s.engine.Broker().Store(ctx, records)
}

// Load returns the entities with the given ids, in the same order.
func (s *Storage) Load(ctx context.Context, ids ...uint64) ([]Entity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	records, err := s.engine.Broker().Load(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[uint64]Entity, len(records))
	for _, rec := range records {
		h, err := s.codec.DecodeHeader(rec)
		if err != nil {
			return nil, err
		}
		payload, err := s.codec.Payload(rec)
		if err != nil {
			return nil, err
		}
		byID[h.ObjectID] = Entity{ObjectID: h.ObjectID, TypeID: h.TypeID, Payload: payload}
	}
	entities := make([]Entity, len(ids))
	for i, id := range ids {
		entities[i] = byID[id]
	}
	return entities, nil
}

// References returns the object ids embedded in e.
func (s *Storage) References(e Entity) ([]uint64, error) {
	var ids []uint64
	err := s.types.References(s.codec, e.TypeID, e.Payload, func(id uint64) {
		ids = append(ids, id)
	})
	return ids, err
}

// RootsEntity returns the roots entity referencing ids, to be stored with
// Store.
func (s *Storage) RootsEntity(ids ...uint64) Entity {
	return Entity{
		ObjectID: entity.RootsObjectID,
		TypeID:   entity.RootsTypeID,
		Payload:  s.codec.NewPayloadWriter().References(ids).Payload(),
	}
}

// SetRoots replaces the root set.  Entities unreachable from it are removed
// by the garbage collector.
func (s *Storage) SetRoots(ctx context.Context, ids ...uint64) error {
	return s.Store(ctx, s.RootsEntity(ids...))
}

func (s *Storage) Roots(ctx context.Context) ([]uint64, error) {
	entities, err := s.Load(ctx, entity.RootsObjectID)
	if err != nil {
		return nil, err
	}
	return s.References(entities[0])
}

// loadEntity loads one entity, collapsing concurrent loads of the same id.
// Each caller gets its own copy of the payload.
func (s *Storage) loadEntity(ctx context.Context, objectID uint64) (Entity, error) {
	v, err, _ := s.loads.Do(strconv.FormatUint(objectID, 10), func() (any, error) {
		entities, err := s.Load(ctx, objectID)
		if err != nil {
			return Entity{}, err
		}
		s.metrics.LazyLoaded()
		return entities[0], nil
	})
	if err != nil {
		return Entity{}, err
	}
	e := v.(Entity)
	e.Payload = append([]byte(nil), e.Payload...)
	return e, nil
}

// Lazy returns an unloaded reference to a stored entity.  It loads on first
// Get and is cleared again after the lazy timeout.
func (s *Storage) Lazy(objectID uint64) *lazy.Reference[Entity] {
	return lazy.Stored(s.refs, objectID, s.loadEntity)
}

// NewReference wraps an entity that hasn't been stored yet.  It can't be
// cleared before StoreReference stored it.
func (s *Storage) NewReference(e Entity) *lazy.Reference[Entity] {
	return lazy.New(s.refs, e, s.loadEntity)
}

// StoreReference stores the subject of a loaded reference and marks it stored.
func (s *Storage) StoreReference(ctx context.Context, ref *lazy.Reference[Entity]) error {
	e, ok := ref.Peek()
	if !ok {
		return nil
	}
	if err := s.Store(ctx, e); err != nil {
		return err
	}
	ref.MarkStored(e.ObjectID)
	return nil
}

// LazyReferences returns the number of references the lazy manager tracks.
func (s *Storage) LazyReferences() int {
	return s.refs.Len()
}

// IssueFullGC runs a complete garbage collection and waits for it.
func (s *Storage) IssueFullGC(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.engine.Broker().FullGC(ctx)
}

// IssueFullFileCheck dissolves every data file that qualifies and waits for it.
func (s *Storage) IssueFullFileCheck(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.engine.Broker().FullFileCheck(ctx)
}

// ExportFileName returns the name of the file Export writes for channel.
func ExportFileName(channel int) string {
	return "channel_" + strconv.Itoa(channel) + ".dat"
}

// Export writes the live records of every channel, optionally restricted to
// typeIDs, into one file per channel below dir.
func (s *Storage) Export(ctx context.Context, dir string, typeIDs ...uint64) ([]ExportResult, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("os.MkdirAll(%s): %w", dir, err)
	}
	open := func(channel int) (io.WriteCloser, error) {
		path := filepath.Join(dir, ExportFileName(channel))
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("os.Create(%s): %w", path, err)
		}
		return f, nil
	}
	return s.engine.Broker().Export(ctx, open, typeIDs...)
}

func (s *Storage) Stats(ctx context.Context) ([]ChannelStats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.engine.Broker().Stats(ctx)
}
