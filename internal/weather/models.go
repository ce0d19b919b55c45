package weather

import (
	"context"
	"fmt"
	"time"
)

// Condition represents a normalized high-level weather condition.
type Condition string

const (
	ConditionUnknown Condition = "unknown"
	ConditionClear   Condition = "clear"
	ConditionCloudy  Condition = "cloudy"
	ConditionRain    Condition = "rain"
	ConditionSnow    Condition = "snow"
	ConditionStorm   Condition = "storm"
	ConditionMist    Condition = "mist"
)

// Location is the place the weather collector harvests for. Lat/Lon are
// optional; sources that need coordinates resolve them from City/Country.
type Location struct {
	City    string   `json:"city"`
	Country string   `json:"country"`
	Lat     *float64 `json:"lat,omitempty"`
	Lon     *float64 `json:"lon,omitempty"`
}

func (l Location) HasCoordinates() bool {
	return l.Lat != nil && l.Lon != nil
}

func (l Location) String() string {
	if l.City == "" && l.HasCoordinates() {
		return fmt.Sprintf("%f,%f", *l.Lat, *l.Lon)
	}
	if l.Country == "" {
		return l.City
	}
	return l.City + "," + l.Country
}

// Reading is a single source's normalized observation.
type Reading struct {
	Source    string
	Timestamp time.Time

	TemperatureC float64
	HumidityPct  float64
	WindSpeedMS  float64
	PressureHpa  float64
	PrecipMm     float64
	Condition    Condition
}

// Source abstracts one upstream weather API.
type Source interface {
	Name() string
	Fetch(ctx context.Context, loc Location) (Reading, error)
}

// Snapshot is the aggregated observation stored by the weather collector.
type Snapshot struct {
	Location    Location  `json:"location"`
	Timestamp   time.Time `json:"timestamp"` // always UTC
	Temperature float64   `json:"temperatureC"`
	Humidity    float64   `json:"humidityPercent"`
	WindSpeed   float64   `json:"windSpeed"`
	Pressure    float64   `json:"pressureHpa"`
	PrecipMM    float64   `json:"precipMm"`
	Condition   Condition `json:"condition"`

	Sources []Contribution `json:"sources,omitempty"`
}

// Contribution records which source fed a snapshot and when it observed.
type Contribution struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}
