// Copyright 2025 IGN France
// SPDX-License-Identifier: Apache-2.0

package collabsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/IGNF/mobile-core-sub000/filestore"
)

// LoadStrategy selects how a visible extent maps to service requests.
type LoadStrategy string

const (
	// StrategyBBox issues one request per visible extent.
	StrategyBBox LoadStrategy = "bbox"
	// StrategyTile snaps the extent to a fixed-zoom XYZ grid and issues one
	// request per tile not already resident.
	StrategyTile LoadStrategy = "tile"
)

// SourceConfig configures a Source.
type SourceConfig struct {
	Strategy LoadStrategy
	// TileZoom is the fixed grid zoom used by StrategyTile and by offline
	// cache reads.
	TileZoom maptile.Zoom
	// MaxReload bounds memory under StrategyTile: once more features than
	// this are resident, the next load clears everything first.
	MaxReload int
	// Online selects network loading. Nil means online; only an explicit
	// false switches the source to its offline cache.
	Online *bool
	// CacheDir is the per-tile offline cache directory ("" disables offline
	// reads).
	CacheDir string
	// Params are extra query parameters forwarded on every feature request.
	Params map[string]string
}

// DefaultSourceConfig returns the defaults used by the mobile app.
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		Strategy:  StrategyBBox,
		TileZoom:  15,
		MaxReload: 5000,
	}
}

// Source supplies the features intersecting a requested region, from network
// or from a pre-populated disk cache, reconciled against the pending edits
// of its ledger. One source owns one dataset and one ledger.
type Source struct {
	dataset    *Dataset
	ledger     *Ledger
	api        ApiClient
	decoder    Decoder
	store      filestore.Store
	crs        *CRSRegistry
	collection *Collection
	emitter    *Emitter
	logger     *slog.Logger
	cfg        SourceConfig

	mu          sync.Mutex
	loadedTiles map[maptile.Tile]bool
}

// NewSource creates a source. The ledger must belong to the same dataset;
// its reset hook is wired so a confirmed save forces a network reload.
func NewSource(dataset *Dataset, ledger *Ledger, api ApiClient, decoder Decoder,
	store filestore.Store, crs *CRSRegistry, logger *slog.Logger, cfg SourceConfig) (*Source, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset must be provided")
	}
	if ledger == nil {
		return nil, fmt.Errorf("ledger must be provided")
	}
	if api == nil {
		return nil, fmt.Errorf("api client must be provided")
	}
	if crs == nil {
		return nil, fmt.Errorf("crs registry must be provided")
	}
	dataset.normalize()
	if decoder == nil {
		decoder = &GeoJSONDecoder{Logger: logger}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyBBox
	}
	if cfg.TileZoom == 0 {
		cfg.TileZoom = DefaultSourceConfig().TileZoom
	}
	if cfg.MaxReload <= 0 {
		cfg.MaxReload = DefaultSourceConfig().MaxReload
	}

	s := &Source{
		dataset:     dataset,
		ledger:      ledger,
		api:         api,
		decoder:     decoder,
		store:       store,
		crs:         crs,
		collection:  NewCollection(),
		emitter:     NewEmitter(),
		logger:      logger,
		cfg:         cfg,
		loadedTiles: make(map[maptile.Tile]bool),
	}
	ledger.SetOnReset(s.ForceReload)
	return s, nil
}

// Events exposes the source's load lifecycle emitter.
func (s *Source) Events() *Emitter { return s.emitter }

// Collection exposes the live feature collection the source materializes
// into.
func (s *Source) Collection() *Collection { return s.collection }

// Ledger exposes the source's edit ledger.
func (s *Source) Ledger() *Ledger { return s.ledger }

// Online reports whether the source loads from network. Only an explicit
// false in the config switches it off.
func (s *Source) Online() bool {
	return s.cfg.Online == nil || *s.cfg.Online
}

// ForceReload drops every resident feature and tile so the next load hits
// the network (or cache) again.
func (s *Source) ForceReload() {
	s.mu.Lock()
	s.loadedTiles = make(map[maptile.Tile]bool)
	s.mu.Unlock()
	s.collection.Clear()
}

// Load fetches, decodes and reconciles the features intersecting extent
// (WGS84 lon/lat). It emits loadstart/loadend around the work, overload when
// a response is truncated, and error when a request is abandoned.
//
// A dataset whose CRS has no registered transform is a logged no-op.
func (s *Source) Load(ctx context.Context, extent orb.Bound) ([]*FeatureRecord, error) {
	if _, ok := s.crs.Lookup(s.dataset.CRS); !ok {
		s.logger.Error("No transform registered for dataset CRS, skipping load",
			"dataset", s.dataset.Name, "crs", s.dataset.CRS)
		return nil, nil
	}

	s.emitter.Emit(Event{Kind: EventLoadStart})

	var (
		result []*FeatureRecord
		err    error
	)
	switch s.cfg.Strategy {
	case StrategyTile:
		result, err = s.loadTiled(ctx, extent)
	default:
		result, err = s.loadBBox(ctx, extent)
	}
	if err != nil {
		s.emitter.Emit(Event{Kind: EventError, Message: err.Error(), Err: err})
		return nil, err
	}

	// Pending inserts never come from the server; they are appended to
	// every successful load.
	seen := make(map[string]bool, len(result))
	for _, f := range result {
		seen[f.Key()] = true
	}
	for _, f := range s.ledger.Inserts() {
		if !seen[f.Key()] {
			result = append(result, f)
		}
	}

	s.materialize(result)
	s.emitter.Emit(Event{Kind: EventLoadEnd, Count: len(result)})
	return result, nil
}

func (s *Source) loadBBox(ctx context.Context, extent orb.Bound) ([]*FeatureRecord, error) {
	if !s.Online() {
		return s.loadOfflineTiles(ctx, s.tilesCovering(extent))
	}

	raw, err := s.api.GetFeatures(ctx, s.dataset.Name,
		Region{Extent: extent, CRS: s.dataset.CRS}, s.params())
	if err != nil {
		return nil, fmt.Errorf("feature request failed: %w", err)
	}
	records, total, err := s.decoder.Decode(raw, s.dataset)
	if err != nil {
		return nil, fmt.Errorf("feature payload unreadable: %w", err)
	}
	// A full page means a truncated answer, even when some of its records
	// were skipped as malformed.
	if total == s.dataset.MaxFeatures {
		s.emitter.Emit(Event{Kind: EventOverload, Count: total})
	}
	return s.reconcile(records), nil
}

func (s *Source) loadTiled(ctx context.Context, extent orb.Bound) ([]*FeatureRecord, error) {
	if s.collection.Len() > s.cfg.MaxReload {
		s.logger.Info("Resident feature count over reload threshold, clearing cache",
			"dataset", s.dataset.Name, "count", s.collection.Len(), "maxReload", s.cfg.MaxReload)
		s.ForceReload()
	}

	tiles := s.tilesCovering(extent)
	if !s.Online() {
		return s.loadOfflineTiles(ctx, tiles)
	}

	var result []*FeatureRecord
	for _, tile := range tiles {
		s.mu.Lock()
		loaded := s.loadedTiles[tile]
		s.mu.Unlock()
		if loaded {
			continue
		}

		t := tile
		raw, err := s.api.GetFeatures(ctx, s.dataset.Name,
			Region{Extent: tile.Bound(), Tile: &t, CRS: s.dataset.CRS}, s.params())
		if err != nil {
			return nil, fmt.Errorf("tile %d-%d-%d request failed: %w", tile.Z, tile.X, tile.Y, err)
		}
		records, total, err := s.decoder.Decode(raw, s.dataset)
		if err != nil {
			return nil, fmt.Errorf("tile %d-%d-%d payload unreadable: %w", tile.Z, tile.X, tile.Y, err)
		}
		if total == s.dataset.MaxFeatures {
			s.emitter.Emit(Event{Kind: EventOverload, Count: total})
		}
		result = append(result, s.reconcile(records)...)

		s.mu.Lock()
		s.loadedTiles[tile] = true
		s.mu.Unlock()
	}
	return result, nil
}

// loadOfflineTiles reads pre-fetched per-tile files. A cache miss is an
// error, never a fallback to network: offline means offline.
func (s *Source) loadOfflineTiles(ctx context.Context, tiles []maptile.Tile) ([]*FeatureRecord, error) {
	if s.cfg.CacheDir == "" || s.store == nil {
		return nil, fmt.Errorf("offline load requested but no cache directory configured")
	}

	var result []*FeatureRecord
	for _, tile := range tiles {
		path := fmt.Sprintf("%s/%d-%d-%d", s.cfg.CacheDir, tile.Z, tile.X, tile.Y)
		raw, err := s.store.Read(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("offline cache read failed for %s: %w", path, err)
		}
		records, _, err := s.decoder.Decode(raw, s.dataset)
		if err != nil {
			return nil, fmt.Errorf("offline tile %s unreadable: %w", path, err)
		}
		result = append(result, s.reconcile(records)...)
	}
	return result, nil
}

// reconcile merges freshly decoded server records with the pending local
// edits. Local state always wins: deletes drop the record, updates replace
// it, differential deltas substitute unless soft-deleted, preserved records
// survive. The outcome depends only on ledger content, never on request
// arrival order.
func (s *Source) reconcile(fresh []*FeatureRecord) []*FeatureRecord {
	out := make([]*FeatureRecord, 0, len(fresh))
	for _, f := range fresh {
		key := f.Key()
		if s.ledger.PendingDelete(key) {
			// Locally deleted records must not reappear.
			continue
		}
		if local, ok := s.ledger.PendingUpdate(key); ok {
			out = append(out, local)
			continue
		}
		if diff, ok := s.ledger.DifferentialFor(key); ok {
			if !diff.SoftDeleted(s.dataset.DeletedFlagField) {
				out = append(out, diff)
			}
			continue
		}
		if pres, ok := s.ledger.Preserved(key); ok {
			out = append(out, pres)
			continue
		}
		out = append(out, f)
	}
	return out
}

// materialize installs reconciled records into the live collection with
// mutation events suppressed, so server rows are never re-recorded as local
// edits.
func (s *Source) materialize(records []*FeatureRecord) {
	s.collection.SetApplyMode(true)
	defer s.collection.SetApplyMode(false)
	for _, f := range records {
		s.collection.Add(f)
	}
}

// tilesCovering enumerates the fixed-zoom grid tiles covering an extent.
func (s *Source) tilesCovering(extent orb.Bound) []maptile.Tile {
	z := s.cfg.TileZoom
	topLeft := maptile.At(orb.Point{extent.Min[0], extent.Max[1]}, z)
	bottomRight := maptile.At(orb.Point{extent.Max[0], extent.Min[1]}, z)

	var tiles []maptile.Tile
	for x := topLeft.X; x <= bottomRight.X; x++ {
		for y := topLeft.Y; y <= bottomRight.Y; y++ {
			tiles = append(tiles, maptile.New(x, y, z))
		}
	}
	return tiles
}

func (s *Source) params() map[string]string {
	params := make(map[string]string, len(s.cfg.Params)+1)
	for k, v := range s.cfg.Params {
		params[k] = v
	}
	// The service filters soft-deleted records implicitly when the dataset
	// declares the flag attribute.
	if s.dataset.DeletedFlagField != "" {
		params[s.dataset.DeletedFlagField] = "false"
	}
	return params
}
