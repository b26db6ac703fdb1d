// Copyright 2025 IGN France
// SPDX-License-Identifier: Apache-2.0

package collabsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/IGNF/mobile-core-sub000/filestore"
)

// Action is the serialized form of one pending edit, both on the wire and in
// the persisted ledger file.
type Action struct {
	State EditState `json:"state"`
	// Data holds the attribute values, with the geometry attribute encoded
	// in the dataset's wire format.
	Data map[string]any `json:"data"`
	// Updates flags the fields changed since the last sync (partial update
	// payloads only).
	Updates map[string]bool `json:"updates,omitempty"`
}

// ActionSet is the result of serializing a ledger.
type ActionSet struct {
	Actions     []Action
	InsertCount int
	UpdateCount int
	DeleteCount int
}

type ledgerFile struct {
	Actions []Action `json:"actions"`
}

// Ledger is the per-dataset bookkeeping of pending local edits. Records move
// between the inserts/updates/deletes collections as the user mutates
// features; the whole ledger is persisted to one file so edits survive app
// restarts and offline periods.
//
// Persistence is coalesced: mutations mark the ledger dirty and kick a
// single background writer, so many mutations in a burst produce one write
// and a write never races a newer one.
type Ledger struct {
	dataset *Dataset
	store   filestore.Store
	path    string
	logger  *slog.Logger

	mu        sync.Mutex
	inserts   []*FeatureRecord
	updates   []*FeatureRecord
	deletes   []*FeatureRecord
	preserved map[string]*FeatureRecord

	// differential caches previously downloaded delta records, used to
	// reconcile disk cache content with a live reload.
	differential *gocache.Cache

	dirty   atomic.Bool
	kick    chan struct{}
	flushMu sync.Mutex
	onReset func()
}

// NewLedger creates a ledger for one dataset, persisted at path within the
// given store.
func NewLedger(dataset *Dataset, store filestore.Store, path string, logger *slog.Logger) (*Ledger, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset must be provided")
	}
	if store == nil {
		return nil, fmt.Errorf("file store must be provided")
	}
	if path == "" {
		return nil, fmt.Errorf("ledger path must be provided")
	}
	dataset.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		dataset:      dataset,
		store:        store,
		path:         path,
		logger:       logger,
		preserved:    make(map[string]*FeatureRecord),
		differential: gocache.New(24*time.Hour, 30*time.Minute),
		kick:         make(chan struct{}, 1),
	}, nil
}

// Start launches the background flusher. It stops when ctx is cancelled.
func (l *Ledger) Start(ctx context.Context) {
	go l.flushLoop(ctx)
}

// Load reads the persisted action list and materializes the pending
// collections. Call before any network reload so offline edits are in place
// first. A missing file is an empty ledger, not an error.
func (l *Ledger) Load(ctx context.Context) error {
	data, err := l.store.Read(ctx, l.path)
	if errors.Is(err, filestore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read ledger file: %w", err)
	}

	var file ledgerFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse ledger file: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, action := range file.Actions {
		rec, err := l.materialize(action)
		if err != nil {
			l.logger.Warn("Skipping unreadable ledger action",
				"dataset", l.dataset.Name, "state", action.State, "error", err)
			continue
		}
		switch rec.State {
		case StateInsert:
			l.inserts = append(l.inserts, rec)
		case StateUpdate:
			l.updates = append(l.updates, rec)
		case StateDelete:
			l.deletes = append(l.deletes, rec)
		default:
			l.logger.Warn("Skipping ledger action with unknown state",
				"dataset", l.dataset.Name, "state", action.State)
		}
	}
	return nil
}

// materialize rebuilds a FeatureRecord from a persisted action.
func (l *Ledger) materialize(action Action) (*FeatureRecord, error) {
	props := make(map[string]any, len(action.Data))
	for k, v := range action.Data {
		props[k] = v
	}

	var geom any
	if g, ok := props[l.dataset.GeometryField]; ok {
		geom = g
		delete(props, l.dataset.GeometryField)
	}

	rec := NewFeatureRecord(nil, props)
	if geom != nil {
		g, err := DecodeGeometry(geom)
		if err != nil {
			return nil, err
		}
		rec.Geometry = g
	} else if action.State != StateDelete {
		return nil, fmt.Errorf("action without geometry")
	}

	rec.ID = stringifyID(props[l.dataset.IDField])
	rec.State = action.State
	for field := range action.Updates {
		// The geometry attribute marks a moved geometry, not a dirty
		// property.
		if field == l.dataset.GeometryField {
			rec.GeometryDirty = true
			continue
		}
		rec.Dirty[field] = true
	}
	return rec, nil
}

// RecordInsert tracks a newly created record. Re-adding a record with a
// pending delete undoes the delete instead: a server record goes back to
// clean, a local one becomes a brand-new insert again. A record is never a
// member of two collections at once.
func (l *Ledger) RecordInsert(f *FeatureRecord) {
	l.mu.Lock()
	switch f.State {
	case StateInsert:
		// Already tracked.
	case StateUpdate:
		// Already tracked as an edit of a server record.
	case StateDelete:
		l.deletes = removeRecord(l.deletes, f)
		if f.ID != "" {
			f.State = StateUnknown
		} else {
			f.State = StateInsert
			l.inserts = append(l.inserts, f)
		}
	default:
		f.State = StateInsert
		l.inserts = append(l.inserts, f)
	}
	l.mu.Unlock()
	l.markDirty()
}

// RecordUpdate tracks a mutation of an existing record. A pending insert
// stays an insert (its full payload already covers the change); a pending
// delete cannot be updated.
func (l *Ledger) RecordUpdate(f *FeatureRecord) {
	l.mu.Lock()
	switch f.State {
	case StateInsert, StateUpdate:
		// Already tracked; the payload is rebuilt at save time.
	case StateDelete:
		l.logger.Warn("Ignoring update of a deleted record",
			"dataset", l.dataset.Name, "key", f.Key())
	default:
		f.State = StateUpdate
		l.updates = append(l.updates, f)
	}
	l.mu.Unlock()
	l.markDirty()
}

// RecordDelete tracks a removal. Deleting a pending insert removes it
// outright: a record created then deleted offline produces no server
// traffic at all.
func (l *Ledger) RecordDelete(f *FeatureRecord) {
	l.mu.Lock()
	switch f.State {
	case StateInsert:
		l.inserts = removeRecord(l.inserts, f)
		f.State = StateUnknown
		f.ClearDirty()
	case StateUpdate:
		l.updates = removeRecord(l.updates, f)
		f.State = StateDelete
		l.deletes = append(l.deletes, f)
	case StateDelete:
		// Already tracked.
	default:
		f.State = StateDelete
		l.deletes = append(l.deletes, f)
	}
	l.mu.Unlock()
	l.markDirty()
}

func removeRecord(list []*FeatureRecord, f *FeatureRecord) []*FeatureRecord {
	for i, r := range list {
		if r == f || r.Key() == f.Key() {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Len reports the number of pending edits, the metric surfaced to the UI.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inserts) + len(l.updates) + len(l.deletes)
}

// PendingDelete reports whether the identity has a pending delete.
func (l *Ledger) PendingDelete(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.deletes {
		if r.Key() == key {
			return true
		}
	}
	return false
}

// PendingUpdate returns the locally edited record for an identity, if any.
func (l *Ledger) PendingUpdate(key string) (*FeatureRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.updates {
		if r.Key() == key {
			return r, true
		}
	}
	return nil, false
}

// Inserts returns a snapshot of the pending inserts.
func (l *Ledger) Inserts() []*FeatureRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*FeatureRecord(nil), l.inserts...)
}

// Preserve marks a record to survive reloads even when absent from a fresh
// server answer, typically because it is being edited right now.
func (l *Ledger) Preserve(f *FeatureRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.preserved[f.Key()] = f
}

// Preserved returns the preserved record for an identity, if any.
func (l *Ledger) Preserved(key string) (*FeatureRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.preserved[key]
	return f, ok
}

// ClearPreserved drops all preserved records.
func (l *Ledger) ClearPreserved() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.preserved = make(map[string]*FeatureRecord)
}

// AddDifferential caches a previously downloaded delta record.
func (l *Ledger) AddDifferential(f *FeatureRecord) {
	l.differential.Set(f.Key(), f, gocache.DefaultExpiration)
}

// DifferentialFor returns the cached delta record for an identity, if any.
func (l *Ledger) DifferentialFor(key string) (*FeatureRecord, bool) {
	v, ok := l.differential.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*FeatureRecord), true
}

// Actions serializes every tracked record. With full=true every property is
// emitted (cache persistence, brand-new inserts); otherwise updates carry
// only the changed fields plus identity and fingerprint.
func (l *Ledger) Actions(full bool) ActionSet {
	l.mu.Lock()
	defer l.mu.Unlock()

	set := ActionSet{
		InsertCount: len(l.inserts),
		UpdateCount: len(l.updates),
		DeleteCount: len(l.deletes),
	}
	for _, r := range l.inserts {
		set.Actions = append(set.Actions, l.actionFor(r, true))
	}
	for _, r := range l.updates {
		set.Actions = append(set.Actions, l.actionFor(r, full))
	}
	for _, r := range l.deletes {
		set.Actions = append(set.Actions, l.actionFor(r, false))
	}
	return set
}

func (l *Ledger) actionFor(r *FeatureRecord, full bool) Action {
	action := Action{State: r.State, Data: make(map[string]any)}

	switch {
	case r.State == StateDelete:
		// Identity and fingerprint only; the server needs nothing else.
		if r.ID != "" {
			action.Data[l.dataset.IDField] = r.ID
		}
		if fp, ok := r.Properties[l.dataset.FingerprintField]; ok && l.dataset.FingerprintField != "" {
			action.Data[l.dataset.FingerprintField] = fp
		}
	case full || r.State == StateInsert:
		for k, v := range r.Properties {
			action.Data[k] = v
		}
		if r.ID != "" {
			action.Data[l.dataset.IDField] = r.ID
		}
		if geom, err := EncodeGeometry(r.Geometry, l.dataset.OutputFormat); err == nil {
			action.Data[l.dataset.GeometryField] = geom
		} else {
			l.logger.Error("Failed to encode geometry for action",
				"dataset", l.dataset.Name, "key", r.Key(), "error", err)
		}
		if updates := l.dirtyFields(r); len(updates) > 0 {
			action.Updates = updates
		}
	default:
		for field := range r.Dirty {
			if v, ok := r.Properties[field]; ok {
				action.Data[field] = v
			}
		}
		action.Data[l.dataset.IDField] = r.ID
		if fp, ok := r.Properties[l.dataset.FingerprintField]; ok && l.dataset.FingerprintField != "" {
			action.Data[l.dataset.FingerprintField] = fp
		}
		if r.GeometryDirty {
			if geom, err := EncodeGeometry(r.Geometry, l.dataset.OutputFormat); err == nil {
				action.Data[l.dataset.GeometryField] = geom
			}
		}
		action.Updates = l.dirtyFields(r)
	}
	return action
}

// dirtyFields flattens a record's change tracking into the persisted Updates
// map. A moved geometry is flagged under the dataset's geometry attribute so
// the marker survives an app restart.
func (l *Ledger) dirtyFields(r *FeatureRecord) map[string]bool {
	out := make(map[string]bool, len(r.Dirty)+1)
	for k := range r.Dirty {
		out[k] = true
	}
	if r.GeometryDirty {
		out[l.dataset.GeometryField] = true
	}
	return out
}

// SetOnReset registers the hook a source uses to force a network reload
// after the ledger is cleared.
func (l *Ledger) SetOnReset(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReset = fn
}

// Reset clears all pending collections and the preserved set, rewrites the
// persisted file, and asks the source to reload from network. Called after a
// confirmed successful save.
func (l *Ledger) Reset(ctx context.Context) error {
	l.mu.Lock()
	l.inserts = nil
	l.updates = nil
	l.deletes = nil
	l.preserved = make(map[string]*FeatureRecord)
	onReset := l.onReset
	l.mu.Unlock()
	l.differential.Flush()

	l.dirty.Store(true)
	if err := l.Flush(ctx); err != nil {
		return err
	}
	if onReset != nil {
		onReset()
	}
	return nil
}

func (l *Ledger) markDirty() {
	l.dirty.Store(true)
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// Flush writes the current state to disk if dirty. Serialized so a write in
// flight never races a newer one; the dirty flag is re-armed on failure so
// in-memory state stays authoritative until the next successful write.
func (l *Ledger) Flush(ctx context.Context) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	if !l.dirty.Swap(false) {
		return nil
	}

	set := l.Actions(true)
	data, err := json.Marshal(ledgerFile{Actions: set.Actions})
	if err != nil {
		l.dirty.Store(true)
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}
	if err := l.store.Write(ctx, l.path, data); err != nil {
		// Dropped write: memory remains authoritative until the next
		// successful flush.
		l.dirty.Store(true)
		return fmt.Errorf("failed to persist ledger: %w", err)
	}
	return nil
}

func (l *Ledger) flushLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.kick:
		}
		if err := l.Flush(ctx); err != nil {
			l.logger.Error("Ledger flush failed", "dataset", l.dataset.Name, "error", err)
		}
	}
}
