// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package storage is the engine behind bitgraph: a fixed number of
// channels, each a goroutine owning the entities with
// objectID % channelCount == index, their data files and transaction log.
//
// A TaskBroker turns requests into per-channel tasks.  Stores run in two
// phases (write, then commit or rollback on every involved channel), so a
// store is visible everywhere or nowhere.
//
// Between tasks, every channel spends a bounded amount of time on
// housekeeping: an incremental mark-and-sweep garbage collection, driven
// across channels by the MarkMonitor, and the dissolution of data files
// with too little live data.
package storage
