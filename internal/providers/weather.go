package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kelvins/geocoder"
	"go.uber.org/zap"

	"github.com/i474232898/digitaltwin-dataspace/internal/component"
	"github.com/i474232898/digitaltwin-dataspace/internal/weather"
)

// GeocodeFunc resolves a city to coordinates.
type GeocodeFunc func(loc weather.Location) (lat, lon float64, err error)

// GoogleGeocoder returns a GeocodeFunc backed by the Google Geocoding API.
// The geocoder package keeps its key in a package variable, so the key is
// set once here.
func GoogleGeocoder(apiKey string) GeocodeFunc {
	geocoder.ApiKey = apiKey
	return func(loc weather.Location) (float64, float64, error) {
		res, err := geocoder.Geocoding(geocoder.Address{City: loc.City, Country: loc.Country})
		if err != nil {
			return 0, 0, err
		}
		return res.Latitude, res.Longitude, nil
	}
}

// WeatherProducer fans out to every source concurrently and stores the
// aggregated snapshot. A tick fails only when no source answered.
type WeatherProducer struct {
	schedule string
	config   component.Configuration
	sources  []weather.Source
	geocode  GeocodeFunc
	logger   *zap.Logger
	now      func() time.Time

	mu  sync.Mutex
	loc weather.Location
}

func NewWeatherProducer(
	schedule string,
	cfg component.Configuration,
	loc weather.Location,
	sources []weather.Source,
	geocode GeocodeFunc,
	logger *zap.Logger,
) *WeatherProducer {
	return &WeatherProducer{
		schedule: schedule,
		config:   cfg,
		sources:  sources,
		geocode:  geocode,
		logger:   logger.With(zap.String("producer", cfg.Name)),
		now:      time.Now,
		loc:      loc,
	}
}

func (p *WeatherProducer) Schedule() string { return p.schedule }

func (p *WeatherProducer) Configuration() component.Configuration { return p.config }

// location resolves coordinates once; a failed lookup is retried next tick.
func (p *WeatherProducer) location() weather.Location {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loc.HasCoordinates() || p.geocode == nil || p.loc.City == "" {
		return p.loc
	}
	lat, lon, err := p.geocode(p.loc)
	if err != nil {
		p.logger.Warn("geocoding failed, falling back to city lookup", zap.String("location", p.loc.String()), zap.Error(err))
		return p.loc
	}
	p.loc.Lat, p.loc.Lon = &lat, &lon
	p.logger.Info("location geocoded", zap.String("location", p.loc.String()), zap.Float64("lat", lat), zap.Float64("lon", lon))
	return p.loc
}

func (p *WeatherProducer) Collect(ctx context.Context) component.Result {
	if len(p.sources) == 0 {
		return component.Failed(errors.New("no weather sources configured"))
	}
	loc := p.location()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		readings []weather.Reading
		errs     []error
	)
	for _, src := range p.sources {
		wg.Add(1)
		go func(src weather.Source) {
			defer wg.Done()
			r, err := src.Fetch(ctx, loc)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.logger.Debug("weather source failed", zap.String("source", src.Name()), zap.Error(err))
				errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
				return
			}
			readings = append(readings, r)
		}(src)
	}
	wg.Wait()

	if len(readings) == 0 {
		return component.Failed(errors.Join(errs...))
	}

	snapshot := weather.Aggregate(loc, readings, p.now())
	body, err := json.Marshal(snapshot)
	if err != nil {
		return component.Failed(err)
	}
	return component.Data(body)
}
