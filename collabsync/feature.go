// Copyright 2025 IGN France
// SPDX-License-Identifier: Apache-2.0

package collabsync

import (
	"github.com/google/uuid"
	"github.com/paulmach/orb"
)

// FeatureRecord is one geographic feature as the sync core sees it:
// attributes, geometry in the dataset's source CRS, and the local edit
// lifecycle. Records are identified by the server-assigned ID once saved;
// unsaved records carry a locally generated key instead.
type FeatureRecord struct {
	ID         string
	Properties map[string]any
	Geometry   orb.Geometry

	State EditState
	// Dirty holds the property names changed since the last sync, used to
	// build partial update payloads.
	Dirty map[string]bool
	// GeometryDirty is tracked apart from Dirty because the geometry
	// attribute name is a dataset concern, not a record concern.
	GeometryDirty bool

	localKey string
}

// NewFeatureRecord creates an untracked record (state UNKNOWN).
func NewFeatureRecord(geometry orb.Geometry, props map[string]any) *FeatureRecord {
	if props == nil {
		props = make(map[string]any)
	}
	return &FeatureRecord{
		Properties: props,
		Geometry:   geometry,
		State:      StateUnknown,
		Dirty:      make(map[string]bool),
		localKey:   uuid.NewString(),
	}
}

// Key returns the identity used by the ledger and reconciliation: the server
// ID when present, the local key otherwise.
func (f *FeatureRecord) Key() string {
	if f.ID != "" {
		return f.ID
	}
	return f.localKey
}

// Set stores a property value and marks the field dirty.
func (f *FeatureRecord) Set(field string, value any) {
	f.Properties[field] = value
	f.MarkUpdated(field)
}

// Unset removes a property and marks the field dirty.
func (f *FeatureRecord) Unset(field string) {
	delete(f.Properties, field)
	f.MarkUpdated(field)
}

// MarkUpdated records that a field changed since the last sync.
func (f *FeatureRecord) MarkUpdated(field string) {
	if f.Dirty == nil {
		f.Dirty = make(map[string]bool)
	}
	f.Dirty[field] = true
}

// SetGeometry replaces the geometry and marks it dirty.
func (f *FeatureRecord) SetGeometry(g orb.Geometry) {
	f.Geometry = g
	f.GeometryDirty = true
}

// ClearDirty forgets all change tracking, typically after a successful save.
func (f *FeatureRecord) ClearDirty() {
	f.Dirty = make(map[string]bool)
	f.GeometryDirty = false
}

// Get returns a property value.
func (f *FeatureRecord) Get(field string) (any, bool) {
	v, ok := f.Properties[field]
	return v, ok
}

// SoftDeleted reports whether the record carries a truthy soft-delete flag
// in the given attribute.
func (f *FeatureRecord) SoftDeleted(field string) bool {
	if field == "" {
		return false
	}
	v, ok := f.Properties[field]
	if !ok {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val == "true" || val == "1"
	case float64:
		return val != 0
	case int:
		return val != 0
	default:
		return false
	}
}
