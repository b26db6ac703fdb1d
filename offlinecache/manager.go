// Copyright 2025 IGN France
// SPDX-License-Identifier: Apache-2.0

package offlinecache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb/maptile"

	"github.com/IGNF/mobile-core-sub000/filestore"
)

// DefaultMaxTileLoad caps tile enumeration for estimates and downloads.
const DefaultMaxTileLoad = 20000

// LayerConfig describes one tile layer the manager can cache.
type LayerConfig struct {
	// Identifier names the layer and its cache subdirectory.
	Identifier string
	// URLTemplate is the tile endpoint with {z}/{x}/{y} placeholders.
	URLTemplate string
}

// Estimate is the predicted cost of downloading a definition.
type Estimate struct {
	TileCount int
	// Length is the extrapolated byte size; -1 when the tile count exceeds
	// the enumeration cap.
	Length   int64
	Duration time.Duration
	TooLarge bool
}

// DownloadReport summarizes a download run. Failed counts tiles still
// missing after the automatic retry pass.
type DownloadReport struct {
	Total      int
	Downloaded int
	Failed     int
	Canceled   bool
}

// Download is the cooperative cancellation handle of one download run. The
// flag is checked between tiles: cancel takes effect after the tile
// currently in flight completes or errors, and already-written tiles are
// kept so the run is resumable.
type Download struct {
	canceled atomic.Bool
}

// Cancel requests a stop after the current tile.
func (d *Download) Cancel() { d.canceled.Store(true) }

// Canceled reports whether a stop was requested.
func (d *Download) Canceled() bool { return d.canceled.Load() }

// Manager maintains the named offline map definitions of one device,
// ordered to match the on-screen layer order. All disk mutation of the
// shared cache directory goes through the manager; ad hoc file removal
// would break the reference counting in Delete.
type Manager struct {
	settings    *Settings
	store       filestore.Store
	http        *http.Client
	logger      *slog.Logger
	maxTileLoad int

	mu     sync.Mutex
	defs   []*Definition
	layers map[string]LayerConfig
}

// NewManager loads the persisted definitions and prepares the manager.
func NewManager(ctx context.Context, settings *Settings, store filestore.Store,
	layers []LayerConfig, logger *slog.Logger) (*Manager, error) {
	if settings == nil {
		return nil, fmt.Errorf("settings store must be provided")
	}
	if store == nil {
		return nil, fmt.Errorf("file store must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		settings:    settings,
		store:       store,
		http:        &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
		maxTileLoad: DefaultMaxTileLoad,
		layers:      make(map[string]LayerConfig, len(layers)),
	}
	for _, layer := range layers {
		if layer.Identifier == "" || layer.URLTemplate == "" {
			return nil, fmt.Errorf("layer config requires identifier and URL template")
		}
		m.layers[layer.Identifier] = layer
	}

	defs, err := settings.LoadDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	m.defs = defs
	return m, nil
}

// SetMaxTileLoad overrides the enumeration cap.
func (m *Manager) SetMaxTileLoad(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 {
		m.maxTileLoad = n
	}
}

// SetHTTPClient overrides the tile-fetching HTTP client.
func (m *Manager) SetHTTPClient(c *http.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c != nil {
		m.http = c
	}
}

// Definitions returns the definitions in their current (layer) order.
func (m *Manager) Definitions() []*Definition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Definition(nil), m.defs...)
}

// Add registers a new definition and persists the list.
func (m *Manager) Add(ctx context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if _, ok := m.layers[def.Layer]; !ok {
		return fmt.Errorf("unknown layer %q", def.Layer)
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	def.State = StateNew

	m.mu.Lock()
	m.defs = append(m.defs, def)
	m.mu.Unlock()
	return m.persist(ctx)
}

// EstimateSize enumerates the definition's tiles, samples one tile over the
// network and extrapolates size and duration. An enumeration over the cap
// reports "too large" (Length -1) instead of a number.
func (m *Manager) EstimateSize(ctx context.Context, def *Definition) (*Estimate, error) {
	def.State = StateEstimating
	defer func() {
		if def.State == StateEstimating {
			def.State = StateNew
		}
	}()

	tiles, truncated := def.Tiles(m.maxTileLoad)
	if truncated {
		def.Length = -1
		def.TileCount = 0
		if err := m.persist(ctx); err != nil {
			return nil, err
		}
		return &Estimate{Length: -1, TooLarge: true}, nil
	}
	if len(tiles) == 0 {
		return &Estimate{}, nil
	}

	layer := m.layers[def.Layer]
	start := time.Now()
	sample, err := m.fetchTile(ctx, layer, tiles[0])
	if err != nil {
		return nil, fmt.Errorf("failed to sample tile: %w", err)
	}
	sampleDuration := time.Since(start)

	estimate := &Estimate{
		TileCount: len(tiles),
		Length:    int64(len(sample)) * int64(len(tiles)),
		Duration:  sampleDuration * time.Duration(len(tiles)),
	}
	def.Length = estimate.Length
	def.TileCount = estimate.TileCount
	if err := m.persist(ctx); err != nil {
		return nil, err
	}
	return estimate, nil
}

// DownloadTiles downloads every tile of the definition sequentially, one in
// flight at a time. Each tile lands under a temporary name and is moved into
// place once complete. Failed tiles get one automatic retry pass; the
// residual failure count is reported, not swallowed. Cancellation via the
// handle keeps partial progress.
func (m *Manager) DownloadTiles(ctx context.Context, def *Definition,
	handle *Download, progress func(done, total int)) (*DownloadReport, error) {
	layer, ok := m.layers[def.Layer]
	if !ok {
		return nil, fmt.Errorf("unknown layer %q", def.Layer)
	}
	tiles, truncated := def.Tiles(m.maxTileLoad)
	if truncated {
		return nil, fmt.Errorf("definition covers more than %d tiles", m.maxTileLoad)
	}
	if handle == nil {
		handle = &Download{}
	}
	if progress == nil {
		progress = func(int, int) {}
	}

	def.State = StateDownloading
	report := &DownloadReport{Total: len(tiles)}
	var failed []maptile.Tile

	processed := 0
	for _, tile := range tiles {
		if ctx.Err() != nil || handle.Canceled() {
			report.Canceled = true
			return report, nil
		}
		if err := m.downloadOne(ctx, layer, def.Layer, tile); err != nil {
			m.logger.Warn("Tile download failed",
				"layer", def.Layer, "tile", TileName(tile), "error", err)
			failed = append(failed, tile)
		} else {
			report.Downloaded++
		}
		processed++
		progress(processed, report.Total)
	}

	// Second pass over the accumulated errors; one automatic retry only.
	for _, tile := range failed {
		if ctx.Err() != nil || handle.Canceled() {
			report.Canceled = true
			break
		}
		if err := m.downloadOne(ctx, layer, def.Layer, tile); err != nil {
			report.Failed++
		} else {
			report.Downloaded++
		}
	}

	def.State = StateReady
	def.Date = time.Now()
	def.TileCount = report.Downloaded
	if err := m.persist(ctx); err != nil {
		return report, err
	}
	return report, nil
}

// downloadOne fetches a tile and moves it into place atomically.
func (m *Manager) downloadOne(ctx context.Context, layer LayerConfig, layerDir string, tile maptile.Tile) error {
	data, err := m.fetchTile(ctx, layer, tile)
	if err != nil {
		return err
	}
	final := layerDir + "/" + TileName(tile)
	temp := final + ".part"
	if err := m.store.Write(ctx, temp, data); err != nil {
		return err
	}
	return m.store.Move(ctx, temp, final)
}

// Refresh re-downloads an existing definition (READY back to DOWNLOADING).
func (m *Manager) Refresh(ctx context.Context, def *Definition,
	handle *Download, progress func(done, total int)) (*DownloadReport, error) {
	return m.DownloadTiles(ctx, def, handle, progress)
}

// Delete removes a definition, deleting from disk only the tile files no
// other surviving definition of the same layer still needs. When no
// definition remains at all, the whole layer subdirectory is wiped as a full
// cleanup shortcut.
func (m *Manager) Delete(ctx context.Context, def *Definition) error {
	def.State = StateDeleting

	owned, truncated := def.Tiles(m.maxTileLoad)
	candidates := make(map[string]bool, len(owned))
	if !truncated {
		for _, t := range owned {
			candidates[TileName(t)] = true
		}
	}

	m.mu.Lock()
	survivors := make([]*Definition, 0, len(m.defs))
	for _, d := range m.defs {
		if d.ID != def.ID {
			survivors = append(survivors, d)
		}
	}
	m.defs = survivors
	m.mu.Unlock()

	if len(survivors) == 0 {
		if err := m.store.RemoveAll(ctx, def.Layer); err != nil {
			return fmt.Errorf("failed to wipe layer cache: %w", err)
		}
		return m.persist(ctx)
	}

	// Reference counting: subtract every surviving definition's tile set
	// from the deletion candidates.
	for _, other := range survivors {
		if other.Layer != def.Layer || len(candidates) == 0 {
			continue
		}
		otherTiles, otherTruncated := other.Tiles(m.maxTileLoad)
		if otherTruncated {
			// Cannot prove any candidate unused; keep everything.
			candidates = nil
			break
		}
		for _, t := range otherTiles {
			delete(candidates, TileName(t))
		}
	}

	for name := range candidates {
		if err := m.store.Delete(ctx, def.Layer+"/"+name); err != nil {
			m.logger.Warn("Failed to delete cached tile",
				"layer", def.Layer, "tile", name, "error", err)
		}
	}
	return m.persist(ctx)
}

// Reorder re-sorts the definitions to match the given ID order (typically
// the on-screen layer order) and persists it. IDs missing from the list keep
// their relative order at the end.
func (m *Manager) Reorder(ctx context.Context, ids []string) error {
	rank := make(map[string]int, len(ids))
	for i, id := range ids {
		rank[id] = i
	}

	m.mu.Lock()
	ordered := append([]*Definition(nil), m.defs...)
	// Listed IDs first in list order; unlisted keep their relative order.
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, iok := rank[ordered[i].ID]
		rj, jok := rank[ordered[j].ID]
		switch {
		case iok && jok:
			return ri < rj
		case iok:
			return true
		default:
			return false
		}
	})
	m.defs = ordered
	m.mu.Unlock()
	return m.persist(ctx)
}

func (m *Manager) persist(ctx context.Context) error {
	m.mu.Lock()
	defs := append([]*Definition(nil), m.defs...)
	m.mu.Unlock()
	return m.settings.SaveDefinitions(ctx, defs)
}

// tileURL renders the layer's URL template for a tile.
func tileURL(layer LayerConfig, t maptile.Tile) string {
	url := layer.URLTemplate
	url = strings.ReplaceAll(url, "{z}", strconv.Itoa(int(t.Z)))
	url = strings.ReplaceAll(url, "{x}", strconv.FormatUint(uint64(t.X), 10))
	url = strings.ReplaceAll(url, "{y}", strconv.FormatUint(uint64(t.Y), 10))
	return url
}

func (m *Manager) fetchTile(ctx context.Context, layer LayerConfig, tile maptile.Tile) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tileURL(layer, tile), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile request: %w", err)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tile request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tile server returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read tile body: %w", err)
	}
	return data, nil
}
