// Copyright 2025 IGN France
// SPDX-License-Identifier: Apache-2.0

// Package filestore abstracts the device file system used for ledger
// persistence and offline tile caches. Paths are always relative,
// slash-separated, and rooted at the store's base directory.
package filestore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the requested path does not exist.
var ErrNotFound = errors.New("filestore: not found")

// Store is the file-system capability required by the sync core and the
// offline cache managers. Implementations must create parent directories
// on Write and Move.
type Store interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, dir string) ([]string, error)
	Move(ctx context.Context, src, dst string) error
	RemoveAll(ctx context.Context, dir string) error
}
