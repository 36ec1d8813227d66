// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package bitgraph is an embedded storage for graphs of entities.
//
// Entities are stored by object id as typed binary records in append-only
// data files, partitioned into channels by object id.  Everything not
// reachable from the root set (see SetRoots) is removed by an incremental
// garbage collector running in the background, and sparsely used data files
// are compacted by moving their live records to the newest file.
//
// Lazy references (see Storage.Lazy) load an entity on first use and drop it
// again once it hasn't been touched for a while.
package bitgraph
