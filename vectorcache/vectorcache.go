// Copyright 2025 IGN France
// SPDX-License-Identifier: Apache-2.0

// Package vectorcache caches vector (WFS) tiles per guichet so a dataset's
// features can be browsed with the network off. Each cache definition owns
// one file per tile per layer under the guichet's cache subdirectory.
package vectorcache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/IGNF/mobile-core-sub000/collabsync"
	"github.com/IGNF/mobile-core-sub000/filestore"
	"github.com/IGNF/mobile-core-sub000/internal/auth"
)

// Layer is a WFS-type layer eligible for vector caching. Cache definitions
// keep their own copies so later edits to the guichet's live layer list do
// not retroactively change a saved cache.
type Layer struct {
	ID string
	// TypeName is the WFS feature type requested for each tile extent.
	TypeName string
	// MinZoom is the tile grid zoom the layer is cached at.
	MinZoom maptile.Zoom
	// Params are extra query parameters sent with every tile request.
	Params map[string]string
}

func (l Layer) clone() Layer {
	c := l
	c.Params = make(map[string]string, len(l.Params))
	for k, v := range l.Params {
		c.Params[k] = v
	}
	return c
}

// Cache is one named vector cache definition for a guichet: a set of
// extents to cover and the copied layer configs to cover them with.
type Cache struct {
	ID      string
	Name    string
	Extents []orb.Bound
	Layers  []Layer
	Date    time.Time
}

// Report carries the outcome of one download batch. A failed tile never
// aborts the batch; errors and successes are counted separately.
type Report struct {
	Downloaded int
	Failed     int
}

// Manager downloads and stores vector tiles for one guichet.
type Manager struct {
	guichetID string
	api       collabsync.ApiClient
	store     filestore.Store
	logger    *slog.Logger
}

// NewManager creates a vector cache manager scoped to the session's active
// guichet, taken from the context.
func NewManager(ctx context.Context, api collabsync.ApiClient,
	store filestore.Store, logger *slog.Logger) (*Manager, error) {
	guichetID, ok := auth.GetGuichetID(ctx)
	if !ok || guichetID == "" {
		return nil, fmt.Errorf("no active guichet in session context")
	}
	if api == nil {
		return nil, fmt.Errorf("api client must be provided")
	}
	if store == nil {
		return nil, fmt.Errorf("file store must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		guichetID: guichetID,
		api:       api,
		store:     store,
		logger:    logger,
	}, nil
}

// NewCache builds a cache definition from a name, the extents to cover and
// a selection of the guichet's layers. The layers are copied, not
// referenced.
func NewCache(name string, extents []orb.Bound, layers []Layer) (*Cache, error) {
	if name == "" {
		return nil, fmt.Errorf("cache name must be provided")
	}
	if len(extents) == 0 {
		return nil, fmt.Errorf("cache requires at least one extent")
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("cache requires at least one layer")
	}
	copied := make([]Layer, len(layers))
	for i, l := range layers {
		if l.ID == "" || l.TypeName == "" {
			return nil, fmt.Errorf("layer requires id and type name")
		}
		copied[i] = l.clone()
	}
	return &Cache{
		ID:      uuid.NewString(),
		Name:    name,
		Extents: append([]orb.Bound(nil), extents...),
		Layers:  copied,
		Date:    time.Now(),
	}, nil
}

// CalculateTiles enumerates the tile coordinates the cache needs for one
// layer: each extent's corners snapped to the layer's grid at its minimum
// zoom, the bounding rectangle enumerated, duplicates across overlapping
// extents dropped.
func CalculateTiles(cache *Cache, layer Layer) []maptile.Tile {
	set := make(map[maptile.Tile]bool)
	for _, extent := range cache.Extents {
		topLeft := maptile.At(orb.Point{extent.Min[0], extent.Max[1]}, layer.MinZoom)
		bottomRight := maptile.At(orb.Point{extent.Max[0], extent.Min[1]}, layer.MinZoom)
		for x := topLeft.X; x <= bottomRight.X; x++ {
			for y := topLeft.Y; y <= bottomRight.Y; y++ {
				set[maptile.New(x, y, layer.MinZoom)] = true
			}
		}
	}

	tiles := make([]maptile.Tile, 0, len(set))
	for t := range set {
		tiles = append(tiles, t)
	}
	sort.Slice(tiles, func(i, j int) bool {
		if tiles[i].X != tiles[j].X {
			return tiles[i].X < tiles[j].X
		}
		return tiles[i].Y < tiles[j].Y
	})
	return tiles
}

// DownloadTiles fetches every tile of every layer of the cache, one at a
// time, persisting each to {guichetId}/{cacheId-layerId}/{z-x-y}. A failed
// tile is counted and logged but never aborts the batch.
func (m *Manager) DownloadTiles(ctx context.Context, cache *Cache) (*Report, error) {
	report := &Report{}
	for _, layer := range cache.Layers {
		for _, tile := range CalculateTiles(cache, layer) {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if err := m.downloadOne(ctx, cache, layer, tile); err != nil {
				m.logger.Warn("Vector tile download failed",
					"guichet", m.guichetID, "cache", cache.ID, "layer", layer.ID,
					"tile", tileName(tile), "error", err)
				report.Failed++
				continue
			}
			report.Downloaded++
		}
	}
	m.logger.Info("Vector cache download finished",
		"guichet", m.guichetID, "cache", cache.ID,
		"downloaded", report.Downloaded, "failed", report.Failed)
	return report, nil
}

// Delete removes every stored tile of the cache.
func (m *Manager) Delete(ctx context.Context, cache *Cache) error {
	for _, layer := range cache.Layers {
		if err := m.store.RemoveAll(ctx, m.layerDir(cache, layer)); err != nil {
			return fmt.Errorf("failed to remove cached layer %s: %w", layer.ID, err)
		}
	}
	return nil
}

func (m *Manager) downloadOne(ctx context.Context, cache *Cache, layer Layer, tile maptile.Tile) error {
	t := tile
	raw, err := m.api.GetFeatures(ctx, layer.TypeName,
		collabsync.Region{Extent: tile.Bound(), Tile: &t, CRS: "EPSG:4326"}, layer.Params)
	if err != nil {
		return err
	}
	return m.store.Write(ctx, m.layerDir(cache, layer)+"/"+tileName(tile), raw)
}

func (m *Manager) layerDir(cache *Cache, layer Layer) string {
	return fmt.Sprintf("%s/%s-%s", m.guichetID, cache.ID, layer.ID)
}

func tileName(t maptile.Tile) string {
	return fmt.Sprintf("%d-%d-%d", t.Z, t.X, t.Y)
}
