// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/dgryski/go-farm"
)

// EntrySize is the fixed size of one transaction log entry.
//
//	 0    1    2    3    4    5    6    7
//	+----+----+----+----+----+----+----+----+
//	|type| padding      | checksum          |
//	+----+----+----+----+----+----+----+----+
//	| timestamp (unix nanos)                |
//	| file number                           |
//	| source file number                    |
//	| file length                           |
//	| length change                         |
//	| special offset                        |
//	+----+----+----+----+----+----+----+----+
const EntrySize = 56

const (
	entryChecksumOff = 4
	entryTimeOff     = 8
	entryFileOff     = 16
	entrySourceOff   = 24
	entryLengthOff   = 32
	entryChangeOff   = 40
	entrySpecialOff  = 48
)

var ErrTxLogCorrupted = errors.New("transaction log corrupted")

type EntryType uint8

const (
	FileCreation EntryType = iota + 1
	DataStore
	DataTransfer
	FileTruncation
	FileDeletion
)

func (t EntryType) String() string {
	switch t {
	case FileCreation:
		return "FILE_CREATION"
	case DataStore:
		return "DATA_STORE"
	case DataTransfer:
		return "DATA_TRANSFER"
	case FileTruncation:
		return "FILE_TRUNCATION"
	case FileDeletion:
		return "FILE_DELETION"
	default:
		return fmt.Sprintf("EntryType(%d)", uint8(t))
	}
}

// Entry is one transaction log entry.  FileNumber is the file the entry
// changes (the target of stores and transfers); FileLength is that file's
// length after the change (or at deletion).
type Entry struct {
	Type             EntryType
	Timestamp        int64
	FileNumber       uint64
	SourceFileNumber uint64
	FileLength       uint64
	LengthChange     uint64
	SpecialOffset    uint64
}

func NewFileCreation(ts int64, number uint64) Entry {
	return Entry{Type: FileCreation, Timestamp: ts, FileNumber: number}
}

func NewDataStore(ts int64, target, lengthAfter, change uint64) Entry {
	return Entry{Type: DataStore, Timestamp: ts, FileNumber: target, FileLength: lengthAfter, LengthChange: change}
}

// NewDataTransfer records change bytes copied from source at sourceOffset to
// the end of target.
func NewDataTransfer(ts int64, source, target, lengthAfter, change, sourceOffset uint64) Entry {
	return Entry{
		Type:             DataTransfer,
		Timestamp:        ts,
		FileNumber:       target,
		SourceFileNumber: source,
		FileLength:       lengthAfter,
		LengthChange:     change,
		SpecialOffset:    sourceOffset,
	}
}

func NewFileTruncation(ts int64, number, newLength uint64) Entry {
	return Entry{Type: FileTruncation, Timestamp: ts, FileNumber: number, FileLength: newLength}
}

func NewFileDeletion(ts int64, number, lengthAtDeletion uint64) Entry {
	return Entry{Type: FileDeletion, Timestamp: ts, FileNumber: number, FileLength: lengthAtDeletion}
}

func (e Entry) String() string {
	switch e.Type {
	case DataTransfer:
		return fmt.Sprintf("%s(source=%d target=%d length=%d change=%d offset=%d)",
			e.Type, e.SourceFileNumber, e.FileNumber, e.FileLength, e.LengthChange, e.SpecialOffset)
	case DataStore:
		return fmt.Sprintf("%s(target=%d length=%d change=%d)", e.Type, e.FileNumber, e.FileLength, e.LengthChange)
	case FileCreation:
		return fmt.Sprintf("%s(file=%d)", e.Type, e.FileNumber)
	default:
		return fmt.Sprintf("%s(file=%d length=%d)", e.Type, e.FileNumber, e.FileLength)
	}
}

// MarshalTo writes the entry into buf, which must be EntrySize bytes.
func (e Entry) MarshalTo(buf []byte) error {
	if len(buf) < EntrySize {
		return fmt.Errorf("buf too short: %d < %d", len(buf), EntrySize)
	}
	buf = buf[:EntrySize]
	for i := range buf[:entryTimeOff] {
		buf[i] = 0
	}
	buf[0] = byte(e.Type)
	binary.LittleEndian.PutUint64(buf[entryTimeOff:], uint64(e.Timestamp))
	binary.LittleEndian.PutUint64(buf[entryFileOff:], e.FileNumber)
	binary.LittleEndian.PutUint64(buf[entrySourceOff:], e.SourceFileNumber)
	binary.LittleEndian.PutUint64(buf[entryLengthOff:], e.FileLength)
	binary.LittleEndian.PutUint64(buf[entryChangeOff:], e.LengthChange)
	binary.LittleEndian.PutUint64(buf[entrySpecialOff:], e.SpecialOffset)
	binary.LittleEndian.PutUint32(buf[entryChecksumOff:], entryChecksum(buf))
	return nil
}

// entryChecksum hashes everything but the checksum field itself.
func entryChecksum(buf []byte) uint32 {
	var scratch [EntrySize]byte
	copy(scratch[:], buf[:EntrySize])
	binary.LittleEndian.PutUint32(scratch[entryChecksumOff:], 0)
	return farm.Hash32(scratch[:])
}

func (e *Entry) UnmarshalBytes(buf []byte) error {
	if len(buf) < EntrySize {
		return fmt.Errorf("%w: entry too short: %d < %d", ErrTxLogCorrupted, len(buf), EntrySize)
	}
	buf = buf[:EntrySize]
	expected := binary.LittleEndian.Uint32(buf[entryChecksumOff:])
	if checksum := entryChecksum(buf); checksum != expected {
		return fmt.Errorf("%w: checksum failed (%d != %d)", ErrTxLogCorrupted, expected, checksum)
	}
	t := EntryType(buf[0])
	if t < FileCreation || t > FileDeletion {
		return fmt.Errorf("%w: unknown entry type %d", ErrTxLogCorrupted, buf[0])
	}
	*e = Entry{
		Type:             t,
		Timestamp:        int64(binary.LittleEndian.Uint64(buf[entryTimeOff:])),
		FileNumber:       binary.LittleEndian.Uint64(buf[entryFileOff:]),
		SourceFileNumber: binary.LittleEndian.Uint64(buf[entrySourceOff:]),
		FileLength:       binary.LittleEndian.Uint64(buf[entryLengthOff:]),
		LengthChange:     binary.LittleEndian.Uint64(buf[entryChangeOff:]),
		SpecialOffset:    binary.LittleEndian.Uint64(buf[entrySpecialOff:]),
	}
	return nil
}

// ReadEntries decodes all entries of a transaction log.  It stops at the
// first torn or corrupted entry and returns the length of the valid prefix,
// so the caller can truncate the garbage.
func ReadEntries(f File) (entries []Entry, validLength int64, err error) {
	size, err := f.Size()
	if err != nil {
		return nil, 0, err
	}
	var buf [EntrySize]byte
	for off := int64(0); off+EntrySize <= size; off += EntrySize {
		if err := ReadFull(f, buf[:], off); err != nil {
			return entries, off, err
		}
		var e Entry
		if err := e.UnmarshalBytes(buf[:]); err != nil {
			return entries, off, nil
		}
		entries = append(entries, e)
		validLength = off + EntrySize
	}
	return entries, validLength, nil
}

// TxLog appends entries to a channel's transaction log.  It is owned by the
// channel goroutine and not safe for concurrent use.
type TxLog struct {
	f      File
	length int64
	buf    []byte
	// failed is set once a failed append couldn't be undone; the file
	// may end in a partial entry then.
	failed error
}

// OpenTxLog reads the existing entries of f and truncates a torn tail.
func OpenTxLog(f File) (*TxLog, []Entry, error) {
	entries, valid, err := ReadEntries(f)
	if err != nil {
		return nil, nil, fmt.Errorf("ReadEntries(%s): %w", f.Name(), err)
	}
	size, err := f.Size()
	if err != nil {
		return nil, nil, err
	}
	if size != valid {
		if err := f.Truncate(valid); err != nil {
			return nil, nil, fmt.Errorf("truncating torn transaction log tail: %w", err)
		}
	}
	return &TxLog{f: f, length: valid}, entries, nil
}

// Append durably writes entries.
func (l *TxLog) Append(entries ...Entry) error {
	if l.failed != nil {
		return fmt.Errorf("txlog unusable after failed append: %w", l.failed)
	}
	if len(entries) == 0 {
		return nil
	}
	need := len(entries) * EntrySize
	if cap(l.buf) < need {
		l.buf = make([]byte, need)
	}
	buf := l.buf[:need]
	for i, e := range entries {
		if err := e.MarshalTo(buf[i*EntrySize:]); err != nil {
			return err
		}
	}
	n, err := l.f.Write(buf)
	if err == nil && n != int64(need) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return l.undo(n, fmt.Errorf("txlog write: %w", err))
	}
	if err := l.f.Flush(); err != nil {
		return l.undo(n, fmt.Errorf("txlog flush: %w", err))
	}
	l.length += n
	return nil
}

// undo cuts the written bytes of a failed append, so that the next append
// doesn't land behind a torn entry.
func (l *TxLog) undo(written int64, err error) error {
	if written == 0 {
		return err
	}
	if terr := l.f.Truncate(l.length); terr != nil {
		l.failed = errors.Join(err, terr)
		return l.failed
	}
	return err
}

// Length is the byte length of the log.
func (l *TxLog) Length() int64 {
	return l.length
}

func (l *TxLog) Close() error {
	return l.f.Close()
}

// FileState is the state of one data file according to the log.
type FileState struct {
	Number  uint64
	Length  uint64
	Deleted bool
}

// Replay folds entries into the final state of every file they mention.
func Replay(entries []Entry) map[uint64]*FileState {
	states := make(map[uint64]*FileState)
	state := func(n uint64) *FileState {
		s, ok := states[n]
		if !ok {
			s = &FileState{Number: n}
			states[n] = s
		}
		return s
	}
	for _, e := range entries {
		s := state(e.FileNumber)
		switch e.Type {
		case FileCreation:
			s.Length = 0
			s.Deleted = false
		case DataStore, DataTransfer, FileTruncation:
			s.Length = e.FileLength
		case FileDeletion:
			s.Length = e.FileLength
			s.Deleted = true
		}
	}
	return states
}

// RollbackPlan lists what needs to happen to data files to return them to
// the state they had before a point in time.
type RollbackPlan struct {
	// Truncate maps file numbers to the length they had before the point.
	Truncate map[uint64]uint64
	// Remove lists files created after the point.
	Remove []uint64
	// Restore lists files deleted after the point; they can only be restored
	// from a deletion directory.
	Restore []uint64
}

// PlanRollback walks entries newer than since in reverse order and undoes
// their length changes.
func PlanRollback(entries []Entry, since int64) RollbackPlan {
	plan := RollbackPlan{Truncate: make(map[uint64]uint64)}
	created := make(map[uint64]bool)
	restored := make(map[uint64]bool)
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Timestamp < since {
			break
		}
		switch e.Type {
		case DataStore, DataTransfer:
			before := uint64(0)
			if e.FileLength >= e.LengthChange {
				before = e.FileLength - e.LengthChange
			}
			plan.Truncate[e.FileNumber] = before
		case FileTruncation:
			// the pre-truncation length isn't logged; the bytes are gone anyway
		case FileCreation:
			created[e.FileNumber] = true
		case FileDeletion:
			restored[e.FileNumber] = true
		}
	}
	for n := range created {
		delete(plan.Truncate, n)
		plan.Remove = append(plan.Remove, n)
	}
	for n := range restored {
		if !created[n] {
			plan.Restore = append(plan.Restore, n)
		}
	}
	sort.Slice(plan.Remove, func(i, j int) bool { return plan.Remove[i] < plan.Remove[j] })
	sort.Slice(plan.Restore, func(i, j int) bool { return plan.Restore[i] < plan.Restore[j] })
	return plan
}
