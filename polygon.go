package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

type boundingBox struct {
	minLon, minLat, maxLon, maxLat float64
}

var worldBox = boundingBox{minLon: -180, minLat: -90, maxLon: 180, maxLat: 90}

// clamp shrinks box b so it fits inside the outer box.
func (b boundingBox) clamp(outer boundingBox) boundingBox {
	return boundingBox{
		minLon: max(b.minLon, outer.minLon),
		minLat: max(b.minLat, outer.minLat),
		maxLon: min(b.maxLon, outer.maxLon),
		maxLat: min(b.maxLat, outer.maxLat),
	}
}

// geoFeature is a GeoJSON feature restricted to the two geometry kinds the
// game persists: Polygon and MultiPolygon. Positions are [lon, lat].
type geoFeature struct {
	raw      json.RawMessage
	polygons [][][][]float64
}

func parseGeoFeature(raw []byte) (*geoFeature, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var envelope struct {
		Type     string `json:"type"`
		Geometry struct {
			Type        string          `json:"type"`
			Coordinates json.RawMessage `json:"coordinates"`
		} `json:"geometry"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("invalid polygon feature: %w", err)
	}

	feature := &geoFeature{raw: append(json.RawMessage(nil), trimmed...)}

	switch envelope.Geometry.Type {
	case "Polygon":
		var polygon [][][]float64
		if err := json.Unmarshal(envelope.Geometry.Coordinates, &polygon); err != nil {
			return nil, fmt.Errorf("invalid polygon coordinates: %w", err)
		}
		feature.polygons = [][][][]float64{polygon}
	case "MultiPolygon":
		if err := json.Unmarshal(envelope.Geometry.Coordinates, &feature.polygons); err != nil {
			return nil, fmt.Errorf("invalid multipolygon coordinates: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported geometry type: %q", envelope.Geometry.Type)
	}

	return feature, nil
}

// contains reports whether the point lies inside the feature: within the
// outer ring of any polygon and outside all of that polygon's holes.
func (f *geoFeature) contains(lon, lat float64) bool {
	for _, polygon := range f.polygons {
		if len(polygon) == 0 {
			continue
		}
		if !pointInRing(polygon[0], lon, lat) {
			continue
		}
		inHole := false
		for _, hole := range polygon[1:] {
			if pointInRing(hole, lon, lat) {
				inHole = true
				break
			}
		}
		if !inHole {
			return true
		}
	}
	return false
}

func (f *geoFeature) bbox() boundingBox {
	box := boundingBox{minLon: 180, minLat: 90, maxLon: -180, maxLat: -90}
	for _, polygon := range f.polygons {
		for _, ring := range polygon {
			for _, position := range ring {
				if len(position) < 2 {
					continue
				}
				box.minLon = min(box.minLon, position[0])
				box.minLat = min(box.minLat, position[1])
				box.maxLon = max(box.maxLon, position[0])
				box.maxLat = max(box.maxLat, position[1])
			}
		}
	}
	return box
}

// pointInRing ray-casts eastward and counts edge crossings.
func pointInRing(ring [][]float64, lon, lat float64) bool {
	inside := false
	for i, j := 0, len(ring)-1; i < len(ring); j, i = i, i+1 {
		xi, yi := ring[i][0], ring[i][1]
		xj, yj := ring[j][0], ring[j][1]

		if (yi > lat) != (yj > lat) &&
			lon < (xj-xi)*(lat-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

// geocoder resolves free-text place names into polygon features via the
// Nominatim search API.
type geocoder struct {
	baseURL string
	client  *http.Client
}

func newGeocoder(cfg *Config) *geocoder {
	return &geocoder{
		baseURL: cfg.nominatimURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type nominatimResult struct {
	GeoJSON struct {
		Type        string          `json:"type"`
		Coordinates json.RawMessage `json:"coordinates"`
	} `json:"geojson"`
}

// resolvePolygon looks up each place name and unions every polygon that
// resolves into a single MultiPolygon feature. Names that do not resolve are
// skipped; if nothing resolves, the result is nil rather than an error.
func (g *geocoder) resolvePolygon(ctx context.Context, names []string) (json.RawMessage, error) {
	var collected [][][][]float64

	for _, name := range names {
		polygons, err := g.lookup(ctx, name)
		if err != nil {
			return nil, err
		}
		collected = append(collected, polygons...)
	}

	if len(collected) == 0 {
		return nil, nil
	}

	feature := map[string]any{
		"type":       "Feature",
		"properties": map[string]any{},
		"geometry": map[string]any{
			"type":        "MultiPolygon",
			"coordinates": collected,
		},
	}
	return json.Marshal(feature)
}

func (g *geocoder) lookup(ctx context.Context, name string) ([][][][]float64, error) {
	params := url.Values{}
	params.Set("q", name)
	params.Set("polygon_geojson", "1")
	params.Set("limit", "1")
	params.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "street-seekr/"+releaseVersion)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	}

	var results []nominatimResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, nil
	}
	if len(results) == 0 {
		return nil, nil
	}

	switch results[0].GeoJSON.Type {
	case "Polygon":
		var polygon [][][]float64
		if err := json.Unmarshal(results[0].GeoJSON.Coordinates, &polygon); err != nil {
			return nil, nil
		}
		return [][][][]float64{polygon}, nil
	case "MultiPolygon":
		var multi [][][][]float64
		if err := json.Unmarshal(results[0].GeoJSON.Coordinates, &multi); err != nil {
			return nil, nil
		}
		return multi, nil
	}

	return nil, nil
}
