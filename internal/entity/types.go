// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package entity

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Kind is the wire layout of one payload field.
type Kind uint8

const (
	KindReference Kind = iota + 1
	KindUint64
	KindBytes
	KindReferences
)

func (k Kind) String() string {
	switch k {
	case KindReference:
		return "reference"
	case KindUint64:
		return "uint64"
	case KindBytes:
		return "bytes"
	case KindReferences:
		return "references"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

func (k Kind) valid() bool {
	return k >= KindReference && k <= KindReferences
}

type Field struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// Type describes the payload layout of every entity with the same type id.
type Type struct {
	ID     uint64  `json:"id"`
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// RootsType is the layout of the entity holding the GC root set.
var RootsType = &Type{
	ID:     RootsTypeID,
	Name:   "bitgraph.Roots",
	Fields: []Field{{Name: "roots", Kind: KindReferences}},
}

var (
	ErrUnknownType  = errors.New("unknown type id")
	ErrTypeConflict = errors.New("type conflicts with a registered type")
)

// Check validates the descriptor itself.
func (t *Type) Check() error {
	if t.Name == "" {
		return fmt.Errorf("type %d: empty name", t.ID)
	}
	seen := make(map[string]struct{}, len(t.Fields))
	for _, f := range t.Fields {
		if !f.Kind.valid() {
			return fmt.Errorf("type %q field %q: invalid kind %d", t.Name, f.Name, f.Kind)
		}
		if _, ok := seen[f.Name]; ok {
			return fmt.Errorf("type %q: duplicate field %q", t.Name, f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}

// SameLayout reports whether t and other have identical names and fields.
func (t *Type) SameLayout(other *Type) bool {
	if t.Name != other.Name || len(t.Fields) != len(other.Fields) {
		return false
	}
	for i := range t.Fields {
		if t.Fields[i] != other.Fields[i] {
			return false
		}
	}
	return true
}

// HasReferences reports whether payloads of this type can reference other entities.
func (t *Type) HasReferences() bool {
	for _, f := range t.Fields {
		if f.Kind == KindReference || f.Kind == KindReferences {
			return true
		}
	}
	return false
}

// References calls fn for every non-null object id embedded in payload.
func (t *Type) References(c Codec, payload []byte, fn func(objectID uint64)) error {
	r := c.NewPayloadReader(payload)
	for _, f := range t.Fields {
		switch f.Kind {
		case KindReference:
			if id := r.Reference(); id != 0 && r.Err() == nil {
				fn(id)
			}
		case KindUint64:
			r.Uint64()
		case KindBytes:
			r.Bytes()
		case KindReferences:
			n := r.Uint64()
			for i := uint64(0); i < n && r.Err() == nil; i++ {
				if id := r.Reference(); id != 0 && r.Err() == nil {
					fn(id)
				}
			}
		}
		if err := r.Err(); err != nil {
			return fmt.Errorf("type %q field %q: %w", t.Name, f.Name, err)
		}
	}
	return nil
}

// Validate checks that payload matches the layout exactly.
func (t *Type) Validate(c Codec, payload []byte) error {
	r := c.NewPayloadReader(payload)
	for _, f := range t.Fields {
		switch f.Kind {
		case KindReference, KindUint64:
			r.Uint64()
		case KindBytes:
			r.Bytes()
		case KindReferences:
			r.References()
		}
		if err := r.Err(); err != nil {
			return fmt.Errorf("type %q field %q: %w", t.Name, f.Name, err)
		}
	}
	if r.Remaining() != 0 {
		return &FormatError{Field: "payload", Value: uint64(len(payload)), Msg: fmt.Sprintf("%d trailing bytes for type %q", r.Remaining(), t.Name)}
	}
	return nil
}

// Registry maps type ids to descriptors.  It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byID   map[uint64]*Type
	byName map[string]*Type
}

// NewRegistry returns a registry that already knows RootsType.
func NewRegistry() *Registry {
	r := &Registry{
		byID:   make(map[uint64]*Type),
		byName: make(map[string]*Type),
	}
	r.byID[RootsType.ID] = RootsType
	r.byName[RootsType.Name] = RootsType
	return r
}

// Register adds t.  Registering an identical descriptor twice is a no-op.
func (r *Registry) Register(t *Type) error {
	if err := t.Check(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byID[t.ID]; ok {
		if existing.SameLayout(t) {
			return nil
		}
		return fmt.Errorf("%w: id %d already used by %q", ErrTypeConflict, t.ID, existing.Name)
	}
	if existing, ok := r.byName[t.Name]; ok {
		return fmt.Errorf("%w: name %q already registered with id %d", ErrTypeConflict, t.Name, existing.ID)
	}
	r.byID[t.ID] = t
	r.byName[t.Name] = t
	return nil
}

func (r *Registry) Lookup(typeID uint64) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[typeID]
	return t, ok
}

func (r *Registry) LookupName(name string) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// Types returns all registered descriptors ordered by id.
func (r *Registry) Types() []*Type {
	r.mu.RLock()
	types := make([]*Type, 0, len(r.byID))
	for _, t := range r.byID {
		types = append(types, t)
	}
	r.mu.RUnlock()
	sort.Slice(types, func(i, j int) bool { return types[i].ID < types[j].ID })
	return types
}

// References resolves the type of a record and iterates its references.
func (r *Registry) References(c Codec, typeID uint64, payload []byte, fn func(objectID uint64)) error {
	t, ok := r.Lookup(typeID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownType, typeID)
	}
	return t.References(c, payload, fn)
}
