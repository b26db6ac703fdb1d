// Copyright 2025 IGN France
// SPDX-License-Identifier: Apache-2.0

package collabsync

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
)

func TestEncodeGeometryWKT(t *testing.T) {
	encoded, err := EncodeGeometry(orb.Point{2.35, 48.85}, FormatWKT)
	require.NoError(t, err)
	require.Equal(t, "POINT(2.35 48.85)", encoded)

	line := orb.LineString{{0, 0}, {1, 1}}
	encoded, err = EncodeGeometry(line, FormatWKT)
	require.NoError(t, err)
	require.Equal(t, "LINESTRING(0 0,1 1)", encoded)
}

func TestEncodeGeometryGeoJSON(t *testing.T) {
	encoded, err := EncodeGeometry(orb.Point{2.35, 48.85}, FormatGeoJSON)
	require.NoError(t, err)
	obj, ok := encoded.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "Point", obj["type"])
	require.Equal(t, []any{2.35, 48.85}, obj["coordinates"])
}

func TestDecodeGeometryBothFormats(t *testing.T) {
	g, err := DecodeGeometry("POINT(2.35 48.85)")
	require.NoError(t, err)
	require.Equal(t, orb.Point{2.35, 48.85}, g)

	g, err = DecodeGeometry(map[string]any{
		"type":        "Point",
		"coordinates": []any{2.35, 48.85},
	})
	require.NoError(t, err)
	require.Equal(t, orb.Point{2.35, 48.85}, g)

	_, err = DecodeGeometry(nil)
	require.Error(t, err)
	_, err = DecodeGeometry(42)
	require.Error(t, err)
}

func TestEncodeGeometryRejectsUnknownFormat(t *testing.T) {
	_, err := EncodeGeometry(orb.Point{1, 1}, "GML")
	require.Error(t, err)
}

func TestGeoJSONDecoderSkipsMalformedFeatures(t *testing.T) {
	dataset := testDataset(t)
	payload := featureCollection(
		pointFeature(42, `{"nature":"sentier"}`),
		// No geometry: skipped, not fatal.
		`{"type":"Feature","id":43,"geometry":null,"properties":{}}`,
		// No identity anywhere: skipped too.
		`{"type":"Feature","geometry":{"type":"Point","coordinates":[0,0]},"properties":{}}`,
	)

	d := &GeoJSONDecoder{}
	records, total, err := d.Decode(payload, dataset)
	require.NoError(t, err)
	require.Len(t, records, 1)
	// Skipped records still count toward the page total.
	require.Equal(t, 3, total)
	require.Equal(t, "42", records[0].ID)
	require.Equal(t, "sentier", records[0].Properties["nature"])
}

func TestGeoJSONDecoderResolvesIdentityFromProperties(t *testing.T) {
	dataset := testDataset(t)
	payload := featureCollection(
		`{"type":"Feature","geometry":{"type":"Point","coordinates":[1,2]},"properties":{"id":57}}`,
	)

	d := &GeoJSONDecoder{}
	records, total, err := d.Decode(payload, dataset)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 1, total)
	require.Equal(t, "57", records[0].ID)
}

func TestGeoJSONDecoderRejectsGarbage(t *testing.T) {
	d := &GeoJSONDecoder{}
	_, _, err := d.Decode([]byte("not json"), testDataset(t))
	require.Error(t, err)
}
