// Copyright 2025 IGN France
// SPDX-License-Identifier: Apache-2.0

package filestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	disk, err := NewDisk(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"disk": disk,
		"mem":  NewMem(),
	}
}

func TestStoreReadWriteDelete(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Read(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Write(ctx, "cache/ortho/12-2073-1409", []byte("tile")))
			data, err := s.Read(ctx, "cache/ortho/12-2073-1409")
			require.NoError(t, err)
			require.Equal(t, []byte("tile"), data)

			require.NoError(t, s.Delete(ctx, "cache/ortho/12-2073-1409"))
			_, err = s.Read(ctx, "cache/ortho/12-2073-1409")
			require.ErrorIs(t, err, ErrNotFound)
			require.ErrorIs(t, s.Delete(ctx, "cache/ortho/12-2073-1409"), ErrNotFound)
		})
	}
}

func TestStoreMove(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.Write(ctx, "ortho/12-1-1.part", []byte("tile")))
			require.NoError(t, s.Move(ctx, "ortho/12-1-1.part", "ortho/12-1-1"))

			data, err := s.Read(ctx, "ortho/12-1-1")
			require.NoError(t, err)
			require.Equal(t, []byte("tile"), data)
			_, err = s.Read(ctx, "ortho/12-1-1.part")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreListAndRemoveAll(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.Write(ctx, "ortho/12-1-1", []byte("a")))
			require.NoError(t, s.Write(ctx, "ortho/12-1-2", []byte("b")))
			require.NoError(t, s.Write(ctx, "plan/12-1-1", []byte("c")))

			names, err := s.List(ctx, "ortho")
			require.NoError(t, err)
			require.ElementsMatch(t, []string{"12-1-1", "12-1-2"}, names)

			require.NoError(t, s.RemoveAll(ctx, "ortho"))
			names, err = s.List(ctx, "ortho")
			require.NoError(t, err)
			require.Empty(t, names)

			// Other directories are untouched.
			_, err = s.Read(ctx, "plan/12-1-1")
			require.NoError(t, err)
		})
	}
}
