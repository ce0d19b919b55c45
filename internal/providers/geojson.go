package providers

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FeatureCollection is the subset of GeoJSON the transforms emit.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

type Feature struct {
	Type       string         `json:"type"`
	Geometry   Point          `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

type Point struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

func newCollection() FeatureCollection {
	return FeatureCollection{Type: "FeatureCollection", Features: []Feature{}}
}

func (fc *FeatureCollection) add(lon, lat float64, props map[string]any) {
	fc.Features = append(fc.Features, Feature{
		Type:       "Feature",
		Geometry:   Point{Type: "Point", Coordinates: [2]float64{lon, lat}},
		Properties: props,
	})
}

// GBFSFreeBikes turns a GBFS free_bike_status feed into point features. The
// lat/lon fields move into the geometry; everything else stays a property.
func GBFSFreeBikes(raw []byte) ([]byte, error) {
	var feed struct {
		Data struct {
			Bikes []map[string]any `json:"bikes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &feed); err != nil {
		return nil, fmt.Errorf("decode gbfs feed: %w", err)
	}

	fc := newCollection()
	for _, bike := range feed.Data.Bikes {
		lat, okLat := bike["lat"].(float64)
		lon, okLon := bike["lon"].(float64)
		if !okLat || !okLon {
			continue
		}
		delete(bike, "lat")
		delete(bike, "lon")
		fc.add(lon, lat, bike)
	}
	return json.Marshal(fc)
}

// StibVehiclePositions flattens the per-line vehiclepositions records of the
// STIB open data API. Lines whose embedded JSON is malformed are skipped; no
// results at all yields an empty collection.
func StibVehiclePositions(raw []byte) ([]byte, error) {
	var page struct {
		Results []struct {
			LineID           string `json:"lineid"`
			VehiclePositions string `json:"vehiclepositions"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("decode stib vehicle positions: %w", err)
	}

	fc := newCollection()
	for _, entry := range page.Results {
		var vehicles []map[string]any
		if err := json.Unmarshal([]byte(entry.VehiclePositions), &vehicles); err != nil {
			continue
		}
		for _, v := range vehicles {
			lon, okLon := v["longitude"].(float64)
			lat, okLat := v["latitude"].(float64)
			if !okLon || !okLat {
				continue
			}
			fc.add(lon, lat, map[string]any{
				"lineId":    entry.LineID,
				"vehicleId": v["vehicleid"],
				"speed":     v["speed"],
				"timestamp": v["timestamp"],
			})
		}
	}
	return json.Marshal(fc)
}

var errNoStops = errors.New("no stops in response")

// StibStops converts STIB stop records into point features.
func StibStops(raw []byte) ([]byte, error) {
	var page struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("decode stib stops: %w", err)
	}
	if len(page.Results) == 0 {
		return nil, errNoStops
	}

	fc := newCollection()
	for _, stop := range page.Results {
		lat, okLat := toFloat(stop["stop_lat"])
		lon, okLon := toFloat(stop["stop_lon"])
		if !okLat || !okLon {
			continue
		}
		fc.add(lon, lat, stop)
	}
	return json.Marshal(fc)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
