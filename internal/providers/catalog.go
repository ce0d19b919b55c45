package providers

import (
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/i474232898/digitaltwin-dataspace/internal/component"
	"github.com/i474232898/digitaltwin-dataspace/internal/weather"
)

const (
	stibBaseURL    = "https://stibmivb.opendatasoft.com/api/explore/v2.1/catalog/datasets"
	deLijnGTFSURL  = "https://gtfs.irail.be/de-lijn/de_lijn-gtfs.zip"
	deLijnRTURL    = "https://api.delijn.be/gtfs/v2/realtime?json=false&delay=true&canceled=true"
	ponyGBFSBase   = "https://gbfs.getapony.com/v1/Brussels/en"
	dottGBFSBase   = "https://gbfs.api.ridedott.com/public/v2/brussels"
	geoJSONType    = "application/geo+json"
	jsonType       = "application/json"
	zipType        = "application/zip"
	protobufType   = "application/octet-stream"
	weatherDataset = "weather"
)

// Settings carries the credentials and location the built-in producers need.
type Settings struct {
	OpenWeatherAPIKey string
	WeatherAPIKey     string
	STIBAPIKey        string
	DeLijnAPIKey      string
	GeocoderAPIKey    string
	Location          weather.Location
	// Enabled restricts the result to these names; empty means all.
	Enabled []string
}

// Build returns every built-in producer whose credentials are present.
func Build(client *http.Client, s Settings, logger *zap.Logger) []component.Producer {
	var out []component.Producer

	add := func(p component.Producer) {
		if enabled(s.Enabled, p.Configuration().Name) {
			out = append(out, p)
		}
	}
	endpoint := func(e Endpoint) {
		add(NewHTTPProducer(client, e))
	}

	if p := buildWeather(client, s, logger); p != nil {
		add(p)
	}

	endpoint(Endpoint{
		Schedule: "1h",
		Config:   conf("stib_gtfs", zipType, "STIB static GTFS feed", "STIB", "GTFS"),
		URL:      stibBaseURL + "/gtfs-files-production/alternative_exports/gtfszip/",
	})
	endpoint(Endpoint{
		Schedule: "24h",
		Config:   conf("stib_shapefiles", geoJSONType, "STIB network lines and stops", "STIB", "GeoJSON"),
		URL:      stibBaseURL + "/shapefiles-production/exports/geojson",
	})
	if s.STIBAPIKey != "" {
		auth := http.Header{"Authorization": []string{"Bearer " + s.STIBAPIKey}}

		stops := url.Values{}
		stops.Set("where", "stop_lat is not null")
		stops.Set("limit", "100")
		stops.Set("refine", "location_type:0")
		endpoint(Endpoint{
			Schedule:  "1h",
			Config:    conf("stib_stops", geoJSONType, "STIB physical stops", "STIB", "GeoJSON"),
			URL:       stibBaseURL + "/stops-production/records?" + stops.Encode(),
			Header:    auth,
			Transform: StibStops,
		})
		endpoint(Endpoint{
			Schedule:  "30s",
			Config:    conf("stib_vehicle_positions", geoJSONType, "STIB realtime vehicle positions", "STIB", "Realtime"),
			URL:       stibBaseURL + "/vehicle-position-production/records?limit=100",
			Header:    auth,
			Transform: StibVehiclePositions,
		})
	}

	endpoint(Endpoint{
		Schedule: "30m",
		Config:   conf("delijn_gtfs_static", zipType, "De Lijn static GTFS feed", "DeLijn", "GTFS"),
		URL:      deLijnGTFSURL,
	})
	if s.DeLijnAPIKey != "" {
		endpoint(Endpoint{
			Schedule: "1m",
			Config:   conf("delijn_gtfs_realtime", protobufType, "De Lijn GTFS realtime feed", "DeLijn", "GTFS", "Realtime"),
			URL:      deLijnRTURL,
			Header:   http.Header{"Ocp-Apim-Subscription-Key": []string{s.DeLijnAPIKey}},
		})
	}

	for _, op := range []struct{ name, label, base string }{
		{"pony", "Pony", ponyGBFSBase},
		{"dott", "Dott", dottGBFSBase},
	} {
		endpoint(Endpoint{
			Schedule: "10m",
			Config:   conf(op.name+"_geofence", jsonType, op.label+" geofencing zones in Brussels", op.label, "Geofence"),
			URL:      op.base + "/geofencing_zones.json",
		})
		endpoint(Endpoint{
			Schedule:  "1m",
			Config:    conf(op.name+"_vehicle_positions", geoJSONType, op.label+" free vehicle positions in Brussels", op.label, "Vehicle", "Position"),
			URL:       op.base + "/free_bike_status.json",
			Transform: GBFSFreeBikes,
		})
		endpoint(Endpoint{
			Schedule: "10m",
			Config:   conf(op.name+"_vehicle_types", jsonType, op.label+" vehicle types", op.label, "Vehicle", "Type"),
			URL:      op.base + "/vehicle_types.json",
		})
	}

	return out
}

func buildWeather(client *http.Client, s Settings, logger *zap.Logger) component.Producer {
	if s.Location.City == "" && !s.Location.HasCoordinates() {
		return nil
	}

	var sources []weather.Source
	if s.OpenWeatherAPIKey != "" {
		sources = append(sources, NewOpenWeatherSource(client, s.OpenWeatherAPIKey))
	}
	if s.WeatherAPIKey != "" {
		sources = append(sources, NewWeatherAPISource(client, s.WeatherAPIKey))
	}

	var geocode GeocodeFunc
	if s.GeocoderAPIKey != "" {
		geocode = GoogleGeocoder(s.GeocoderAPIKey)
	}
	// Open-Meteo only takes coordinates
	if s.Location.HasCoordinates() || geocode != nil {
		sources = append(sources, NewOpenMeteoSource(client))
	}
	if len(sources) == 0 {
		return nil
	}

	return NewWeatherProducer("5m",
		conf(weatherDataset, jsonType, "Current weather aggregated across providers", "Weather"),
		s.Location, sources, geocode, logger)
}

func conf(name, contentType, description string, tags ...string) component.Configuration {
	return component.Configuration{
		Name:        name,
		Tags:        tags,
		Description: description,
		ContentType: contentType,
	}
}

func enabled(list []string, name string) bool {
	if len(list) == 0 {
		return true
	}
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}
