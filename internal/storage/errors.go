// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package storage

import (
	"errors"
	"fmt"
)

var (
	ErrShutdown        = errors.New("storage channel is shut down")
	ErrObjectNotFound  = errors.New("object not found")
	ErrRootMissing     = errors.New("roots entity missing from a non-empty storage")
	ErrStorePending    = errors.New("a store is already pending on this channel")
	ErrInconsistent    = errors.New("data files inconsistent with transaction log")
	ErrInvalidConfig   = errors.New("invalid storage configuration")
	ErrNoStoreToCommit = errors.New("no pending store to commit")
	// ErrPartialCommit means a store committed on some channels before
	// another channel failed to commit; the committed parts stay visible.
	ErrPartialCommit = errors.New("store committed on some channels only")
)

// ChannelError is a task failure on one channel, as reported by the broker.
type ChannelError struct {
	Channel int
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %d: %s", e.Channel, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}
