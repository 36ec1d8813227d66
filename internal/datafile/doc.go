// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package datafile is the physical layer of a storage: the files of each
// channel, the per-channel transaction log, and a validating record scanner
// used both at startup and by offline recovery tooling.
//
// Each channel owns a directory with numbered, append-only data files and
// one transaction log:
//
//	<base>/channel_0/channel_0_1.dat
//	<base>/channel_0/channel_0_2.dat
//	<base>/channel_0/transactions_0.sft
//
// A data file is nothing but a sequence of entity records (see package
// entity), with no file header.  Every change to a data file is first done
// physically and then recorded in the transaction log; bytes past the length
// the log knows about are garbage from an interrupted write.
//
// The transaction log is a sequence of fixed-size entries, each protected by
// a checksum, so a torn final entry is detected and dropped.
package datafile
