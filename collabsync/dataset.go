// Copyright 2025 IGN France
// SPDX-License-Identifier: Apache-2.0

package collabsync

import (
	"fmt"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// Dataset describes one feature type of the collaborative service. It is
// loaded when a source is constructed and immutable afterwards.
type Dataset struct {
	// Name identifies the dataset (table/feature type) server-side.
	Name string
	// IDField and GeometryField name the identity and geometry attributes
	// within a record's properties.
	IDField       string
	GeometryField string
	// CRS is the source coordinate reference system of the geometries.
	CRS string
	// DeletedFlagField, when non-empty, names the soft-delete attribute the
	// service uses as an implicit filter (detruit / gcms_detruit).
	DeletedFlagField string
	// FingerprintField names the concurrency fingerprint attribute sent
	// alongside partial update payloads.
	FingerprintField string
	// OutputFormat selects the geometry wire format (FormatWKT or
	// FormatGeoJSON).
	OutputFormat string
	// MaxFeatures is the server page cap; a response of exactly this many
	// records signals a truncated (overloaded) result.
	MaxFeatures int
}

// DefaultDataset fills in service defaults for the fields the caller left
// empty. Name is required.
func DefaultDataset(name string) (*Dataset, error) {
	if name == "" {
		return nil, fmt.Errorf("dataset name must be provided")
	}
	return &Dataset{
		Name:             name,
		IDField:          "id",
		GeometryField:    "geometry",
		CRS:              "EPSG:4326",
		FingerprintField: "gcms_fingerprint",
		OutputFormat:     FormatWKT,
		MaxFeatures:      1000,
	}, nil
}

func (d *Dataset) normalize() {
	if d.IDField == "" {
		d.IDField = "id"
	}
	if d.GeometryField == "" {
		d.GeometryField = "geometry"
	}
	if d.CRS == "" {
		d.CRS = "EPSG:4326"
	}
	if d.OutputFormat == "" {
		d.OutputFormat = FormatWKT
	}
	if d.MaxFeatures <= 0 {
		d.MaxFeatures = 1000
	}
}

// Transform converts a point between a dataset CRS and WGS84 lon/lat.
type Transform struct {
	ToWGS84   func(orb.Point) orb.Point
	FromWGS84 func(orb.Point) orb.Point
}

// CRSRegistry maps CRS identifiers to coordinate transforms. One registry is
// shared by the sources of a session; it is injected, never global.
type CRSRegistry struct {
	mu         sync.RWMutex
	transforms map[string]Transform
}

// NewCRSRegistry creates a registry with the transforms the collaborative
// service uses out of the box: WGS84 itself and Web Mercator.
func NewCRSRegistry() *CRSRegistry {
	r := &CRSRegistry{transforms: make(map[string]Transform)}
	identity := func(p orb.Point) orb.Point { return p }
	r.Register("EPSG:4326", Transform{ToWGS84: identity, FromWGS84: identity})
	r.Register("CRS:84", Transform{ToWGS84: identity, FromWGS84: identity})
	r.Register("EPSG:3857", Transform{
		ToWGS84:   func(p orb.Point) orb.Point { return project.Mercator.ToWGS84(p) },
		FromWGS84: func(p orb.Point) orb.Point { return project.WGS84.ToMercator(p) },
	})
	return r
}

// Register adds or replaces a transform for a CRS identifier.
func (r *CRSRegistry) Register(crs string, t Transform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transforms[crs] = t
}

// Lookup returns the transform for a CRS identifier.
func (r *CRSRegistry) Lookup(crs string) (Transform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transforms[crs]
	return t, ok
}
