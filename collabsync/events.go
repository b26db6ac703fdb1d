// Copyright 2025 IGN France
// SPDX-License-Identifier: Apache-2.0

package collabsync

import "sync"

// EventKind enumerates the notifications a source or collection raises.
type EventKind string

const (
	EventLoadStart EventKind = "loadstart"
	EventLoadEnd   EventKind = "loadend"
	EventOverload  EventKind = "overload"
	EventError     EventKind = "error"

	EventFeatureAdded   EventKind = "featureadded"
	EventFeatureRemoved EventKind = "featureremoved"
	EventFeatureChanged EventKind = "featurechanged"
)

// Event carries the payload of a notification. Fields are set per kind:
// Status/Message/Err for errors, Count for load results, Feature and Field
// for collection mutations.
type Event struct {
	Kind    EventKind
	Status  int
	Message string
	Err     error
	Count   int
	Feature *FeatureRecord
	Field   string
}

// Emitter is a per-instance observer list. It replaces the global document
// event bus of the legacy application: each source and collection owns its
// own emitter.
type Emitter struct {
	mu       sync.Mutex
	handlers map[EventKind][]func(Event)
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[EventKind][]func(Event))}
}

// On registers a handler for an event kind.
func (e *Emitter) On(kind EventKind, fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = append(e.handlers[kind], fn)
}

// Emit delivers an event synchronously to every registered handler.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	handlers := append([]func(Event){}, e.handlers[ev.Kind]...)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}
