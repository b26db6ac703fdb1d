// Copyright 2025 IGN France
// SPDX-License-Identifier: Apache-2.0

package collabsync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmitterDeliversToEveryHandler(t *testing.T) {
	e := NewEmitter()

	var got []string
	e.On(EventLoadEnd, func(ev Event) { got = append(got, "first") })
	e.On(EventLoadEnd, func(ev Event) {
		got = append(got, "second")
		require.Equal(t, 3, ev.Count)
	})
	e.On(EventError, func(Event) { got = append(got, "wrong kind") })

	e.Emit(Event{Kind: EventLoadEnd, Count: 3})
	require.Equal(t, []string{"first", "second"}, got)
}

func TestEmitterWithoutHandlersIsNoop(t *testing.T) {
	e := NewEmitter()
	e.Emit(Event{Kind: EventOverload, Count: 1})
}

func TestEmitterHandlerMayRegisterHandlers(t *testing.T) {
	e := NewEmitter()

	nested := false
	e.On(EventLoadStart, func(Event) {
		// Registration during dispatch must not deadlock: Emit works on a
		// snapshot of the handler list.
		e.On(EventLoadEnd, func(Event) { nested = true })
	})

	e.Emit(Event{Kind: EventLoadStart})
	e.Emit(Event{Kind: EventLoadEnd})
	require.True(t, nested)
}
