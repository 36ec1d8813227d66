// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package entity

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// HeaderSize is the size of the fixed record header: length, type id, object id.
	HeaderSize = 8 + 8 + 8

	headerLengthOff   = 0
	headerTypeIDOff   = 8
	headerObjectIDOff = 16

	// MaxRecordLength is the largest record (header included) we can hold in a
	// single buffer.
	MaxRecordLength = math.MaxInt32

	// RootsObjectID is the object id of the entity holding the GC root set.
	RootsObjectID = uint64(0)
	// RootsTypeID is the type id of the roots entity.
	RootsTypeID = uint64(0)
	// FirstObjectID is the smallest object id handed out to user entities.
	FirstObjectID = uint64(1)
	// FirstTypeID is the smallest type id handed out to user types.
	FirstTypeID = uint64(1000)
)

var (
	// ErrFormat is returned (wrapped) for every record that fails validation.
	ErrFormat = errors.New("entity format error")
	// ErrCapacity is returned when a record would exceed MaxRecordLength.
	ErrCapacity = errors.New("entity record exceeds maximum length")
)

// FormatError describes a single record that can't be decoded.
type FormatError struct {
	Field string
	Value uint64
	Msg   string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("entity format: %s %d: %s", e.Field, e.Value, e.Msg)
}

func (e *FormatError) Unwrap() error {
	return ErrFormat
}

// Header is the decoded fixed header of one record.
type Header struct {
	Length   uint64
	TypeID   uint64
	ObjectID uint64
}

// PayloadLength returns the number of payload bytes following the header.
func (h Header) PayloadLength() uint64 {
	if h.Length < HeaderSize {
		return 0
	}
	return h.Length - HeaderSize
}

var nativeIsLittle = binary.NativeEndian.Uint16([]byte{1, 0}) == 1

// Codec encodes and decodes records in one byte order.  The order is
// negotiated once per storage and applied uniformly.
type Codec struct {
	order    binary.ByteOrder
	switched bool
}

// NewCodec returns a Codec for the native byte order, or the opposite order
// if switchByteOrder is set.
func NewCodec(switchByteOrder bool) Codec {
	little := nativeIsLittle != switchByteOrder
	c := Codec{switched: switchByteOrder}
	if little {
		c.order = binary.LittleEndian
	} else {
		c.order = binary.BigEndian
	}
	return c
}

// ByteOrder returns the byte order all integers are written in.
func (c Codec) ByteOrder() binary.ByteOrder {
	if c.order == nil {
		return binary.NativeEndian
	}
	return c.order
}

// Switched reports whether the codec uses the non-native byte order.
func (c Codec) Switched() bool {
	return c.switched
}

// RecordLength returns the record length for a payload of n bytes.
func RecordLength(n int) (uint64, error) {
	if n < 0 || n > MaxRecordLength-HeaderSize {
		return 0, fmt.Errorf("%w: payload of %d bytes", ErrCapacity, n)
	}
	return uint64(HeaderSize + n), nil
}

// Encode returns a new record containing the header and a copy of payload.
func (c Codec) Encode(objectID, typeID uint64, payload []byte) ([]byte, error) {
	length, err := RecordLength(len(payload))
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := c.EncodeTo(buf, objectID, typeID, payload); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeTo writes the record into dst, which must be large enough, and
// returns the number of bytes written.
func (c Codec) EncodeTo(dst []byte, objectID, typeID uint64, payload []byte) (int, error) {
	length, err := RecordLength(len(payload))
	if err != nil {
		return 0, err
	}
	if uint64(len(dst)) < length {
		return 0, fmt.Errorf("EncodeTo: buffer of %d bytes too small for record of %d", len(dst), length)
	}
	c.PutHeader(dst, Header{Length: length, TypeID: typeID, ObjectID: objectID})
	copy(dst[HeaderSize:], payload)
	return int(length), nil
}

// PutHeader writes h into the first HeaderSize bytes of dst.
func (c Codec) PutHeader(dst []byte, h Header) {
	_ = dst[HeaderSize-1]
	o := c.ByteOrder()
	o.PutUint64(dst[headerLengthOff:], h.Length)
	o.PutUint64(dst[headerTypeIDOff:], h.TypeID)
	o.PutUint64(dst[headerObjectIDOff:], h.ObjectID)
}

// DecodeHeader reads the header at the start of b without touching the payload.
func (c Codec) DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, &FormatError{Field: "header", Value: uint64(len(b)), Msg: "too few bytes for a record header"}
	}
	// bounds check elimination
	_ = b[HeaderSize-1]
	o := c.ByteOrder()
	return Header{
		Length:   o.Uint64(b[headerLengthOff:]),
		TypeID:   o.Uint64(b[headerTypeIDOff:]),
		ObjectID: o.Uint64(b[headerObjectIDOff:]),
	}, nil
}

// Payload returns the payload of a complete record, without copying.
func (c Codec) Payload(record []byte) ([]byte, error) {
	h, err := c.DecodeHeader(record)
	if err != nil {
		return nil, err
	}
	if h.Length < HeaderSize || h.Length > uint64(len(record)) {
		return nil, &FormatError{Field: "length", Value: h.Length, Msg: fmt.Sprintf("doesn't fit record of %d bytes", len(record))}
	}
	return record[HeaderSize:h.Length], nil
}

// Bounds are half-open [lower, upper) ranges a decoded header must fall in.
// They are the only defense against reading records in the wrong byte order
// or reading garbage.
type Bounds struct {
	LengthMin, LengthMax     uint64
	TypeIDMin, TypeIDMax     uint64
	ObjectIDMin, ObjectIDMax uint64
}

// DefaultBounds returns the bounds used unless configured otherwise.
func DefaultBounds() Bounds {
	return Bounds{
		LengthMin:   HeaderSize,
		LengthMax:   MaxRecordLength + 1,
		TypeIDMin:   RootsTypeID,
		TypeIDMax:   1 << 40,
		ObjectIDMin: RootsObjectID,
		ObjectIDMax: 1 << 62,
	}
}

// Validate checks h against the bounds, and that the record fits into the
// available bytes (pass a negative value to skip that check).
func (b Bounds) Validate(h Header, available int64) error {
	if h.Length < b.LengthMin || h.Length >= b.LengthMax || h.Length < HeaderSize {
		return &FormatError{Field: "length", Value: h.Length, Msg: fmt.Sprintf("outside [%d, %d)", b.LengthMin, b.LengthMax)}
	}
	if h.TypeID < b.TypeIDMin || h.TypeID >= b.TypeIDMax {
		return &FormatError{Field: "type id", Value: h.TypeID, Msg: fmt.Sprintf("outside [%d, %d)", b.TypeIDMin, b.TypeIDMax)}
	}
	if h.ObjectID < b.ObjectIDMin || h.ObjectID >= b.ObjectIDMax {
		return &FormatError{Field: "object id", Value: h.ObjectID, Msg: fmt.Sprintf("outside [%d, %d)", b.ObjectIDMin, b.ObjectIDMax)}
	}
	if available >= 0 && h.Length > uint64(available) {
		return &FormatError{Field: "length", Value: h.Length, Msg: fmt.Sprintf("exceeds %d available bytes", available)}
	}
	return nil
}

// Check returns an error if the bounds themselves are unusable.
func (b Bounds) Check() error {
	if b.LengthMin < HeaderSize {
		return fmt.Errorf("length lower bound %d below header size %d", b.LengthMin, HeaderSize)
	}
	if b.LengthMin >= b.LengthMax {
		return fmt.Errorf("empty length range [%d, %d)", b.LengthMin, b.LengthMax)
	}
	if b.TypeIDMin >= b.TypeIDMax {
		return fmt.Errorf("empty type id range [%d, %d)", b.TypeIDMin, b.TypeIDMax)
	}
	if b.ObjectIDMin >= b.ObjectIDMax {
		return fmt.Errorf("empty object id range [%d, %d)", b.ObjectIDMin, b.ObjectIDMax)
	}
	return nil
}
