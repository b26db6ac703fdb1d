// Copyright 2025 IGN France
// SPDX-License-Identifier: Apache-2.0

package collabsync

import (
	"context"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"

	"github.com/IGNF/mobile-core-sub000/filestore"
)

func TestLoadIsIdempotentForFixedLedgerState(t *testing.T) {
	api := &fakeAPI{getFeatures: func(context.Context, string, Region, map[string]string) ([]byte, error) {
		return featureCollection(
			pointFeature(1, `{"nature":"sentier"}`),
			pointFeature(2, `{"nature":"sentier"}`),
		), nil
	}}
	s := newTestSource(t, api, SourceConfig{})

	s.Ledger().RecordDelete(pointRecord("1", nil))
	edited := pointRecord("2", map[string]any{"nature": "chemin"})
	s.Ledger().RecordUpdate(edited)

	keys := func(records []*FeatureRecord) []string {
		out := make([]string, len(records))
		for i, r := range records {
			out[i] = r.Key()
		}
		return out
	}

	first, err := s.Load(context.Background(), testExtent())
	require.NoError(t, err)
	second, err := s.Load(context.Background(), testExtent())
	require.NoError(t, err)
	require.Equal(t, keys(first), keys(second))
	require.Equal(t, []string{"2"}, keys(second))
}

// Full offline edit cycle: create a feature with no connection, push it, and
// see the server's copy take over on the next load.
func TestOfflineEditThenSyncScenario(t *testing.T) {
	ctx := context.Background()
	store := filestore.NewMem()
	dataset := testDataset(t)

	synced := false
	api := &fakeAPI{
		getFeatures: func(context.Context, string, Region, map[string]string) ([]byte, error) {
			if !synced {
				return featureCollection(), nil
			}
			return featureCollection(pointFeature(42, `{"nature":"sentier"}`)), nil
		},
		addTransaction: func(_ context.Context, _ string, actions []Action, _ string) (*TransactionResult, error) {
			require.Len(t, actions, 1)
			require.Equal(t, StateInsert, actions[0].State)
			// An unsaved record carries no server identity yet.
			require.NotContains(t, actions[0].Data, "id")
			synced = true
			return &TransactionResult{Status: StatusOK, ID: 42}, nil
		},
	}

	ledger, err := NewLedger(dataset, store, "pending/troncon.json", nil)
	require.NoError(t, err)
	source, err := NewSource(dataset, ledger, api, nil, store, NewCRSRegistry(), nil, SourceConfig{})
	require.NoError(t, err)
	engine, err := NewEngine(dataset, ledger, api, nil, nil, nil)
	require.NoError(t, err)
	engine.Bind(source.Collection())

	// Offline: the user draws a new feature on the map.
	created := NewFeatureRecord(orb.Point{2.35, 48.85}, map[string]any{"nature": "sentier"})
	source.Collection().Add(created)
	require.Equal(t, 1, ledger.Len())
	require.Equal(t, StateInsert, created.State)

	// The pending insert rides along on loads while still unsaved.
	records, err := source.Load(ctx, testExtent())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Empty(t, records[0].ID)

	// Back online: push, confirm, reload.
	result, err := engine.Save(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusOK, result.Status)
	require.Equal(t, int64(42), result.TransactionID)
	require.Equal(t, 0, ledger.Len())

	records, err = source.Load(ctx, testExtent())
	require.NoError(t, err)
	require.Len(t, records, 1)
	// The feature now comes from the server with its assigned identity.
	require.Equal(t, "42", records[0].ID)
	require.Equal(t, StateUnknown, records[0].State)
}
