// Copyright 2025 IGN France
// SPDX-License-Identifier: Apache-2.0

// Package offlinecache manages named offline raster-tile map definitions
// sharing one physical cache directory: size estimation, sequential
// download with cancel and retry, and reference-counted deletion.
package offlinecache

import (
	"fmt"
	"sort"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// State is the lifecycle of a cache definition.
type State string

const (
	StateNew         State = "new"
	StateEstimating  State = "estimating"
	StateDownloading State = "downloading"
	StateReady       State = "ready"
	StateDeleting    State = "deleting"
)

// Definition is one named offline map: a zoom range over one or more
// extents, backed by tile files in the layer's cache subdirectory.
type Definition struct {
	ID          string
	Name        string
	MinZoom     int
	MaxZoom     int
	Extents     []orb.Bound
	ExtentNames []string
	// Layer identifies the tile layer; it is also the cache subdirectory
	// shared by every definition of that layer.
	Layer string
	// Length is the estimated download size in bytes; -1 means the tile
	// count exceeded the enumeration cap ("too large").
	Length int64
	Date   time.Time

	TileCount int
	State     State
}

// Validate checks a definition before it enters the manager.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("definition name must be provided")
	}
	if d.Layer == "" {
		return fmt.Errorf("definition layer must be provided")
	}
	if d.MinZoom < 0 || d.MaxZoom < d.MinZoom {
		return fmt.Errorf("invalid zoom range %d-%d", d.MinZoom, d.MaxZoom)
	}
	if len(d.Extents) == 0 {
		return fmt.Errorf("definition requires at least one extent")
	}
	return nil
}

// Tiles enumerates every tile coordinate the definition covers, across all
// zoom levels and extents, deduplicated so overlapping extents never count a
// tile twice. Enumeration stops once more than cap tiles accumulate, in
// which case truncated is true and the partial set must not be used.
func (d *Definition) Tiles(cap int) (tiles []maptile.Tile, truncated bool) {
	set := make(map[maptile.Tile]bool)
	for z := d.MinZoom; z <= d.MaxZoom; z++ {
		zoom := maptile.Zoom(z)
		for _, extent := range d.Extents {
			topLeft := maptile.At(orb.Point{extent.Min[0], extent.Max[1]}, zoom)
			bottomRight := maptile.At(orb.Point{extent.Max[0], extent.Min[1]}, zoom)
			for x := topLeft.X; x <= bottomRight.X; x++ {
				for y := topLeft.Y; y <= bottomRight.Y; y++ {
					set[maptile.New(x, y, zoom)] = true
					if cap > 0 && len(set) > cap {
						return nil, true
					}
				}
			}
		}
	}

	tiles = make([]maptile.Tile, 0, len(set))
	for t := range set {
		tiles = append(tiles, t)
	}
	sort.Slice(tiles, func(i, j int) bool {
		if tiles[i].Z != tiles[j].Z {
			return tiles[i].Z < tiles[j].Z
		}
		if tiles[i].X != tiles[j].X {
			return tiles[i].X < tiles[j].X
		}
		return tiles[i].Y < tiles[j].Y
	})
	return tiles, false
}

// TileName is the on-disk file name of a tile.
func TileName(t maptile.Tile) string {
	return fmt.Sprintf("%d-%d-%d", t.Z, t.X, t.Y)
}

// definitionJSON is the persisted settings representation.
type definitionJSON struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	MinZoom     int          `json:"minZoom"`
	MaxZoom     int          `json:"maxZoom"`
	Extents     [][4]float64 `json:"extents"`
	ExtentNames []string     `json:"extentNames"`
	Layer       string       `json:"layer"`
	Length      int64        `json:"length"`
	Date        string       `json:"date"`
}

func (d *Definition) toJSON() definitionJSON {
	extents := make([][4]float64, len(d.Extents))
	for i, e := range d.Extents {
		extents[i] = [4]float64{e.Min[0], e.Min[1], e.Max[0], e.Max[1]}
	}
	return definitionJSON{
		ID:          d.ID,
		Name:        d.Name,
		MinZoom:     d.MinZoom,
		MaxZoom:     d.MaxZoom,
		Extents:     extents,
		ExtentNames: d.ExtentNames,
		Layer:       d.Layer,
		Length:      d.Length,
		Date:        d.Date.UTC().Format(time.RFC3339),
	}
}

func (j definitionJSON) toDefinition() *Definition {
	extents := make([]orb.Bound, len(j.Extents))
	for i, e := range j.Extents {
		extents[i] = orb.Bound{
			Min: orb.Point{e[0], e[1]},
			Max: orb.Point{e[2], e[3]},
		}
	}
	date, _ := time.Parse(time.RFC3339, j.Date)
	return &Definition{
		ID:          j.ID,
		Name:        j.Name,
		MinZoom:     j.MinZoom,
		MaxZoom:     j.MaxZoom,
		Extents:     extents,
		ExtentNames: j.ExtentNames,
		Layer:       j.Layer,
		Length:      j.Length,
		Date:        date,
		State:       StateReady,
	}
}
