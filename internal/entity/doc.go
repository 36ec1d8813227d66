// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package entity contains the binary format of a single persisted entity
// record and the type descriptors used to find the object references
// embedded in a record's payload.
//
// Every record starts with a fixed 24-byte header followed by the payload:
//
//	 0                   8                  16                  24
//	+-------------------+-------------------+-------------------+----------
//	| length            | type id           | object id         | payload...
//	+-------------------+-------------------+-------------------+----------
//
// The length includes the header.  All integers (header and payload) are
// written in the byte order of the Codec, which is the native byte order
// unless the Codec was created with switchByteOrder set.  Nothing in the
// record identifies the byte order: decoding with the wrong order is only
// caught by validating the header fields against Bounds.
//
// Payloads are laid out field by field as described by a Type: references
// and uint64 values take 8 bytes, byte strings are a u64 length followed by
// the bytes, and reference lists are a u64 count followed by the ids.
package entity
