// Copyright 2025 IGN France
// SPDX-License-Identifier: Apache-2.0

package collabsync

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
)

// EncodeGeometry serializes a geometry to the dataset's wire format: a WKT
// string or a GeoJSON-style {type, coordinates} object.
func EncodeGeometry(g orb.Geometry, format string) (any, error) {
	if g == nil {
		return nil, fmt.Errorf("geometry must be provided")
	}
	switch format {
	case FormatWKT, "":
		return wkt.MarshalString(g), nil
	case FormatGeoJSON:
		data, err := json.Marshal(geojson.NewGeometry(g))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal geojson geometry: %w", err)
		}
		var obj map[string]any
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, fmt.Errorf("failed to rebuild geojson object: %w", err)
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported geometry format %q", format)
	}
}

// DecodeGeometry parses a geometry value from either wire format. The value
// is a WKT string or a decoded GeoJSON object.
func DecodeGeometry(value any) (orb.Geometry, error) {
	switch v := value.(type) {
	case nil:
		return nil, fmt.Errorf("geometry value is missing")
	case string:
		g, err := wkt.Unmarshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse WKT geometry: %w", err)
		}
		return g, nil
	case map[string]any:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to remarshal geometry object: %w", err)
		}
		geom, err := geojson.UnmarshalGeometry(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse geojson geometry: %w", err)
		}
		return geom.Geometry(), nil
	case json.RawMessage:
		geom, err := geojson.UnmarshalGeometry(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse geojson geometry: %w", err)
		}
		return geom.Geometry(), nil
	default:
		return nil, fmt.Errorf("unsupported geometry value of type %T", value)
	}
}

// Decoder turns a raw service payload into feature records for one dataset.
// Implementations skip individually malformed records instead of failing the
// batch; total reports the record count before skipping, which is what the
// server page cap applies to.
type Decoder interface {
	Decode(raw []byte, dataset *Dataset) (records []*FeatureRecord, total int, err error)
}

// GeoJSONDecoder decodes GeoJSON feature collections, the default payload
// format of the collaborative service.
type GeoJSONDecoder struct {
	Logger *slog.Logger
}

// Decode parses a feature collection. A record with a malformed geometry or
// missing identity is skipped and logged, not fatal, but still counts toward
// the returned total.
func (d *GeoJSONDecoder) Decode(raw []byte, dataset *Dataset) ([]*FeatureRecord, int, error) {
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse feature collection: %w", err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	records := make([]*FeatureRecord, 0, len(fc.Features))
	for _, feat := range fc.Features {
		if feat.Geometry == nil {
			logger.Warn("Skipping feature without geometry", "dataset", dataset.Name)
			continue
		}
		props := make(map[string]any, len(feat.Properties))
		for k, v := range feat.Properties {
			props[k] = v
		}

		rec := NewFeatureRecord(feat.Geometry, props)
		rec.ID = identityOf(feat.ID, props, dataset.IDField)
		if rec.ID == "" {
			logger.Warn("Skipping feature without identity",
				"dataset", dataset.Name, "idField", dataset.IDField)
			continue
		}
		records = append(records, rec)
	}
	return records, len(fc.Features), nil
}

// identityOf resolves a feature identity from the GeoJSON id member or the
// dataset's identity attribute, normalized to a string.
func identityOf(id any, props map[string]any, idField string) string {
	if s := stringifyID(id); s != "" {
		return s
	}
	return stringifyID(props[idField])
}

func stringifyID(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		// JSON numbers arrive as float64; feature IDs are integral.
		return fmt.Sprintf("%.0f", id)
	case int:
		return fmt.Sprintf("%d", id)
	case int64:
		return fmt.Sprintf("%d", id)
	default:
		return fmt.Sprintf("%v", id)
	}
}
