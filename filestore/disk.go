// Copyright 2025 IGN France
// SPDX-License-Identifier: Apache-2.0

package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Disk is a Store backed by the local file system, rooted at a base
// directory. All paths handed to it are resolved under Root.
type Disk struct {
	Root string
}

// NewDisk creates a disk store rooted at root, creating the directory if
// needed.
func NewDisk(root string) (*Disk, error) {
	if root == "" {
		return nil, fmt.Errorf("filestore: root directory must be provided")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	return &Disk{Root: root}, nil
}

func (d *Disk) abs(path string) string {
	return filepath.Join(d.Root, filepath.FromSlash(path))
}

func (d *Disk) Read(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(d.abs(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func (d *Disk) Write(_ context.Context, path string, data []byte) error {
	target := d.abs(path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", path, err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func (d *Disk) Delete(_ context.Context, path string) error {
	err := os.Remove(d.abs(path))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

func (d *Disk) List(_ context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(d.abs(dir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (d *Disk) Move(_ context.Context, src, dst string) error {
	target := d.abs(dst)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", dst, err)
	}
	if err := os.Rename(d.abs(src), target); err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", src, dst, err)
	}
	return nil
}

func (d *Disk) RemoveAll(_ context.Context, dir string) error {
	if err := os.RemoveAll(d.abs(dir)); err != nil {
		return fmt.Errorf("failed to remove directory %s: %w", dir, err)
	}
	return nil
}
