// Copyright 2025 IGN France
// SPDX-License-Identifier: Apache-2.0

package collabsync

import "sync"

// Collection is the live in-memory feature set the map renders from. User
// mutations raise events synchronously; the sync engine binds those events
// to the ledger so edits become durable offline state without an explicit
// save step.
//
// While server state is being materialized (loads, reconciliation) the
// collection runs in apply mode, which suppresses events so server rows are
// never re-recorded as local edits.
type Collection struct {
	mu        sync.Mutex
	records   map[string]*FeatureRecord
	applyMode bool
	emitter   *Emitter
}

// NewCollection creates an empty collection.
func NewCollection() *Collection {
	return &Collection{
		records: make(map[string]*FeatureRecord),
		emitter: NewEmitter(),
	}
}

// Events exposes the collection's emitter.
func (c *Collection) Events() *Emitter { return c.emitter }

// SetApplyMode toggles event suppression for server-side materialization.
func (c *Collection) SetApplyMode(on bool) {
	c.mu.Lock()
	c.applyMode = on
	c.mu.Unlock()
}

// Add inserts a feature. Outside apply mode this is a user creation and
// raises EventFeatureAdded.
func (c *Collection) Add(f *FeatureRecord) {
	c.mu.Lock()
	c.records[f.Key()] = f
	suppressed := c.applyMode
	c.mu.Unlock()
	if !suppressed {
		c.emitter.Emit(Event{Kind: EventFeatureAdded, Feature: f})
	}
}

// Remove drops a feature. Outside apply mode this is a user deletion and
// raises EventFeatureRemoved.
func (c *Collection) Remove(f *FeatureRecord) {
	c.mu.Lock()
	delete(c.records, f.Key())
	suppressed := c.applyMode
	c.mu.Unlock()
	if !suppressed {
		c.emitter.Emit(Event{Kind: EventFeatureRemoved, Feature: f})
	}
}

// Change records a field mutation on a feature and raises
// EventFeatureChanged outside apply mode.
func (c *Collection) Change(f *FeatureRecord, field string) {
	c.mu.Lock()
	suppressed := c.applyMode
	c.mu.Unlock()
	if !suppressed {
		f.MarkUpdated(field)
		c.emitter.Emit(Event{Kind: EventFeatureChanged, Feature: f, Field: field})
	}
}

// Get returns the feature with the given identity.
func (c *Collection) Get(key string) (*FeatureRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.records[key]
	return f, ok
}

// Len reports the number of resident features.
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// All returns a snapshot of the resident features.
func (c *Collection) All() []*FeatureRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*FeatureRecord, 0, len(c.records))
	for _, f := range c.records {
		out = append(out, f)
	}
	return out
}

// Clear drops every resident feature without raising events.
func (c *Collection) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = make(map[string]*FeatureRecord)
}
