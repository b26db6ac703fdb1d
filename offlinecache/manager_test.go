// Copyright 2025 IGN France
// SPDX-License-Identifier: Apache-2.0

package offlinecache

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"

	"github.com/IGNF/mobile-core-sub000/filestore"
)

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func tileResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func testSettings(t *testing.T) *Settings {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	settings, err := NewSettings(db)
	require.NoError(t, err)
	return settings
}

func testManager(t *testing.T, rt roundTripFunc) (*Manager, *filestore.Mem) {
	t.Helper()
	store := filestore.NewMem()
	m, err := NewManager(context.Background(), testSettings(t), store, []LayerConfig{{
		Identifier:  "ortho",
		URLTemplate: "https://tiles.ign.fr/ortho/{z}/{x}/{y}.jpg",
	}}, nil)
	require.NoError(t, err)
	if rt != nil {
		m.SetHTTPClient(&http.Client{Transport: rt})
	}
	return m, store
}

func newDefinition(name string, minZoom, maxZoom int, extents ...orb.Bound) *Definition {
	if len(extents) == 0 {
		extents = []orb.Bound{parisExtent()}
	}
	return &Definition{Name: name, Layer: "ortho",
		MinZoom: minZoom, MaxZoom: maxZoom, Extents: extents}
}

func TestSettingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	settings := testSettings(t)

	defs := []*Definition{
		{ID: "a", Name: "Paris", Layer: "ortho", MinZoom: 8, MaxZoom: 10,
			Extents: []orb.Bound{parisExtent()}, ExtentNames: []string{"Paris"},
			Length: 12345, Date: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		{ID: "b", Name: "Lyon", Layer: "ortho", MinZoom: 8, MaxZoom: 9,
			Extents: []orb.Bound{{Min: orb.Point{4.7, 45.6}, Max: orb.Point{4.95, 45.85}}}},
	}
	require.NoError(t, settings.SaveDefinitions(ctx, defs))

	loaded, err := settings.LoadDefinitions(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, "a", loaded[0].ID)
	require.Equal(t, "Paris", loaded[0].Name)
	require.Equal(t, []string{"Paris"}, loaded[0].ExtentNames)
	require.Equal(t, int64(12345), loaded[0].Length)
	require.Equal(t, defs[0].Date, loaded[0].Date)
	require.Equal(t, parisExtent(), loaded[0].Extents[0])
	// Persisted definitions come back ready for use.
	require.Equal(t, StateReady, loaded[0].State)
	require.Equal(t, "b", loaded[1].ID)
}

func TestAddAssignsIDAndPersists(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t, nil)

	def := newDefinition("Paris", 8, 10)
	require.NoError(t, m.Add(ctx, def))
	require.NotEmpty(t, def.ID)
	require.Equal(t, StateNew, def.State)

	require.Error(t, m.Add(ctx, &Definition{Name: "X", Layer: "unknown",
		MinZoom: 1, MaxZoom: 2, Extents: []orb.Bound{parisExtent()}}))
}

func TestEstimateExtrapolatesFromSample(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t, func(*http.Request) (*http.Response, error) {
		return tileResponse(strings.Repeat("x", 100)), nil
	})

	def := newDefinition("Paris", 8, 10)
	require.NoError(t, m.Add(ctx, def))
	expected, truncated := def.Tiles(0)
	require.False(t, truncated)

	estimate, err := m.EstimateSize(ctx, def)
	require.NoError(t, err)
	require.Equal(t, len(expected), estimate.TileCount)
	require.Equal(t, int64(100*len(expected)), estimate.Length)
	require.False(t, estimate.TooLarge)
	require.Equal(t, estimate.Length, def.Length)
}

func TestEstimateOverCapReportsTooLarge(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t, func(*http.Request) (*http.Response, error) {
		t.Fatal("an over-cap estimate must not sample the network")
		return nil, nil
	})
	m.SetMaxTileLoad(4)

	def := newDefinition("Paris", 10, 14)
	require.NoError(t, m.Add(ctx, def))

	estimate, err := m.EstimateSize(ctx, def)
	require.NoError(t, err)
	require.True(t, estimate.TooLarge)
	require.Equal(t, int64(-1), estimate.Length)
	require.Equal(t, int64(-1), def.Length)
}

func TestDownloadWritesEveryTileAtomically(t *testing.T) {
	ctx := context.Background()
	m, store := testManager(t, func(req *http.Request) (*http.Response, error) {
		return tileResponse("tile:" + req.URL.Path), nil
	})

	def := newDefinition("Paris", 12, 12)
	require.NoError(t, m.Add(ctx, def))
	tiles, _ := def.Tiles(0)

	report, err := m.DownloadTiles(ctx, def, nil, nil)
	require.NoError(t, err)
	require.Equal(t, len(tiles), report.Total)
	require.Equal(t, len(tiles), report.Downloaded)
	require.Equal(t, 0, report.Failed)
	require.False(t, report.Canceled)
	require.Equal(t, StateReady, def.State)
	require.False(t, def.Date.IsZero())

	for _, tile := range tiles {
		data, err := store.Read(ctx, "ortho/"+TileName(tile))
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(string(data), "tile:/ortho/"))
	}
	// No temp files left behind.
	for _, path := range store.Paths() {
		require.False(t, strings.HasSuffix(path, ".part"), path)
	}
}

func TestDownloadRetriesFailedTilesOnce(t *testing.T) {
	ctx := context.Background()
	attempts := make(map[string]int)
	m, _ := testManager(t, func(req *http.Request) (*http.Response, error) {
		attempts[req.URL.Path]++
		if attempts[req.URL.Path] == 1 {
			return nil, fmt.Errorf("flaky network")
		}
		return tileResponse("ok"), nil
	})

	def := newDefinition("Paris", 12, 12)
	require.NoError(t, m.Add(ctx, def))
	tiles, _ := def.Tiles(0)

	report, err := m.DownloadTiles(ctx, def, nil, nil)
	require.NoError(t, err)
	// Every tile failed once and recovered on the retry pass.
	require.Equal(t, len(tiles), report.Downloaded)
	require.Equal(t, 0, report.Failed)
}

func TestDownloadReportsResidualFailures(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t, func(req *http.Request) (*http.Response, error) {
		if strings.HasSuffix(req.URL.Path, "/"+firstTileY(t)+".jpg") {
			return nil, fmt.Errorf("dead tile")
		}
		return tileResponse("ok"), nil
	})

	def := newDefinition("Paris", 12, 12)
	require.NoError(t, m.Add(ctx, def))
	tiles, _ := def.Tiles(0)

	report, err := m.DownloadTiles(ctx, def, nil, nil)
	require.NoError(t, err)
	require.NotZero(t, report.Failed)
	require.Equal(t, len(tiles), report.Downloaded+report.Failed)
}

// firstTileY names the Y coordinate of the first tile of the standard Paris
// definition at zoom 12, used to make exactly one URL fail.
func firstTileY(t *testing.T) string {
	t.Helper()
	def := newDefinition("Paris", 12, 12)
	tiles, truncated := def.Tiles(0)
	require.False(t, truncated)
	require.NotEmpty(t, tiles)
	return fmt.Sprintf("%d", tiles[0].Y)
}

func TestDownloadCancelKeepsPartialProgress(t *testing.T) {
	ctx := context.Background()
	handle := &Download{}
	served := 0
	m, store := testManager(t, func(*http.Request) (*http.Response, error) {
		served++
		if served == 2 {
			// Cancel while a download run is under way; takes effect before
			// the next tile starts.
			handle.Cancel()
		}
		return tileResponse("ok"), nil
	})

	def := newDefinition("Paris", 12, 12)
	require.NoError(t, m.Add(ctx, def))
	tiles, _ := def.Tiles(0)
	require.Greater(t, len(tiles), 2)

	report, err := m.DownloadTiles(ctx, def, handle, nil)
	require.NoError(t, err)
	require.True(t, report.Canceled)
	require.Equal(t, 2, report.Downloaded)
	// Tiles already written stay on disk for a later resume.
	require.Equal(t, 2, store.Len())
}

func TestDeleteIsReferenceCounted(t *testing.T) {
	ctx := context.Background()
	m, store := testManager(t, nil)

	big := newDefinition("Paris", 12, 12)
	small := newDefinition("Centre", 12, 12,
		orb.Bound{Min: orb.Point{2.2, 48.8}, Max: orb.Point{2.21, 48.81}})
	require.NoError(t, m.Add(ctx, big))
	require.NoError(t, m.Add(ctx, small))

	bigTiles, _ := big.Tiles(0)
	smallTiles, _ := small.Tiles(0)
	require.Greater(t, len(bigTiles), len(smallTiles))
	for _, tile := range bigTiles {
		require.NoError(t, store.Write(ctx, "ortho/"+TileName(tile), []byte("ok")))
	}

	require.NoError(t, m.Delete(ctx, big))

	// Shared tiles survive for the smaller definition, exclusive ones go.
	require.Equal(t, len(smallTiles), store.Len())
	for _, tile := range smallTiles {
		_, err := store.Read(ctx, "ortho/"+TileName(tile))
		require.NoError(t, err)
	}

	// Removing the last definition wipes the whole layer directory.
	require.NoError(t, m.Delete(ctx, small))
	require.Equal(t, 0, store.Len())
	require.Empty(t, m.Definitions())
}

func TestReorderPersistsNewOrder(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t, nil)

	a := newDefinition("A", 8, 8)
	b := newDefinition("B", 8, 8)
	c := newDefinition("C", 8, 8)
	require.NoError(t, m.Add(ctx, a))
	require.NoError(t, m.Add(ctx, b))
	require.NoError(t, m.Add(ctx, c))

	require.NoError(t, m.Reorder(ctx, []string{c.ID, a.ID}))

	got := m.Definitions()
	require.Equal(t, []string{c.ID, a.ID, b.ID},
		[]string{got[0].ID, got[1].ID, got[2].ID})

	// The new order survives a reload.
	reloaded, err := NewManager(ctx, m.settings, filestore.NewMem(), []LayerConfig{{
		Identifier:  "ortho",
		URLTemplate: "https://tiles.ign.fr/ortho/{z}/{x}/{y}.jpg",
	}}, nil)
	require.NoError(t, err)
	persisted := reloaded.Definitions()
	require.Equal(t, []string{c.ID, a.ID, b.ID},
		[]string{persisted[0].ID, persisted[1].ID, persisted[2].ID})
}
