package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/digitaltwin-dataspace/internal/weather"
)

var errMissingAPIKey = errors.New("api key is not configured")

// source holds what every weather source shares.
type source struct {
	name    string
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

func newSource(client *http.Client, name, baseURL string) source {
	return source{
		name:    name,
		baseURL: baseURL,
		httpCfg: HTTPClientConfig{Client: client, Backoff: DefaultBackoff},
		circuit: newCircuitBreaker(name),
	}
}

func (s source) Name() string { return s.name }

func (s source) get(ctx context.Context, values url.Values, out any) error {
	body, err := fetch(ctx, s.httpCfg, s.circuit, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+values.Encode(), nil)
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", s.name, err)
	}
	return nil
}

// OpenWeatherSource reads current conditions from OpenWeatherMap.
type OpenWeatherSource struct {
	source
	apiKey string
}

func NewOpenWeatherSource(client *http.Client, apiKey string) *OpenWeatherSource {
	return &OpenWeatherSource{
		source: newSource(client, "openweathermap", "https://api.openweathermap.org/data/2.5/weather"),
		apiKey: apiKey,
	}
}

func (p *OpenWeatherSource) Fetch(ctx context.Context, loc weather.Location) (weather.Reading, error) {
	if p.apiKey == "" {
		return weather.Reading{}, fmt.Errorf("openweather: %w", errMissingAPIKey)
	}

	values := url.Values{}
	values.Set("appid", p.apiKey)
	values.Set("units", "metric")
	if loc.HasCoordinates() {
		values.Set("lat", fmt.Sprintf("%f", *loc.Lat))
		values.Set("lon", fmt.Sprintf("%f", *loc.Lon))
	} else {
		values.Set("q", loc.String())
	}

	var payload struct {
		Dt   int64 `json:"dt"`
		Main struct {
			Temp     float64 `json:"temp"`
			Humidity float64 `json:"humidity"`
			Pressure float64 `json:"pressure"`
		} `json:"main"`
		Wind struct {
			Speed float64 `json:"speed"`
		} `json:"wind"`
		Rain struct {
			OneH   float64 `json:"1h"`
			ThreeH float64 `json:"3h"`
		} `json:"rain"`
		Weather []struct {
			Main string `json:"main"`
		} `json:"weather"`
	}
	if err := p.get(ctx, values, &payload); err != nil {
		return weather.Reading{}, err
	}

	precip := payload.Rain.OneH
	if precip == 0 {
		precip = payload.Rain.ThreeH
	}
	var main string
	if len(payload.Weather) > 0 {
		main = payload.Weather[0].Main
	}

	return weather.Reading{
		Source:       p.name,
		Timestamp:    unixOrZero(payload.Dt),
		TemperatureC: payload.Main.Temp,
		HumidityPct:  payload.Main.Humidity,
		WindSpeedMS:  payload.Wind.Speed,
		PressureHpa:  payload.Main.Pressure,
		PrecipMm:     precip,
		Condition:    openWeatherCondition(main),
	}, nil
}

func openWeatherCondition(main string) weather.Condition {
	switch main {
	case "Clear":
		return weather.ConditionClear
	case "Clouds":
		return weather.ConditionCloudy
	case "Rain", "Drizzle":
		return weather.ConditionRain
	case "Snow":
		return weather.ConditionSnow
	case "Thunderstorm":
		return weather.ConditionStorm
	case "Mist", "Fog", "Haze":
		return weather.ConditionMist
	default:
		return weather.ConditionUnknown
	}
}

// OpenMeteoSource needs no key but only accepts coordinates.
type OpenMeteoSource struct {
	source
}

func NewOpenMeteoSource(client *http.Client) *OpenMeteoSource {
	return &OpenMeteoSource{source: newSource(client, "openmeteo", "https://api.open-meteo.com/v1/forecast")}
}

func (p *OpenMeteoSource) Fetch(ctx context.Context, loc weather.Location) (weather.Reading, error) {
	if !loc.HasCoordinates() {
		return weather.Reading{}, errors.New("openmeteo requires latitude and longitude")
	}

	values := url.Values{}
	values.Set("latitude", fmt.Sprintf("%f", *loc.Lat))
	values.Set("longitude", fmt.Sprintf("%f", *loc.Lon))
	values.Set("current_weather", "true")
	values.Set("timezone", "UTC")

	var payload struct {
		CurrentWeather struct {
			Temperature float64 `json:"temperature"`
			WindSpeed   float64 `json:"windspeed"`
			Time        string  `json:"time"`
			WeatherCode int     `json:"weathercode"`
		} `json:"current_weather"`
	}
	if err := p.get(ctx, values, &payload); err != nil {
		return weather.Reading{}, err
	}

	// current_weather.time has no zone and no seconds
	ts, err := time.ParseInLocation("2006-01-02T15:04", payload.CurrentWeather.Time, time.UTC)
	if err != nil {
		ts = time.Time{}
	}

	return weather.Reading{
		Source:       p.name,
		Timestamp:    ts,
		TemperatureC: payload.CurrentWeather.Temperature,
		WindSpeedMS:  payload.CurrentWeather.WindSpeed / 3.6,
		Condition:    openMeteoCondition(payload.CurrentWeather.WeatherCode),
	}, nil
}

// WMO weather interpretation codes, simplified.
func openMeteoCondition(code int) weather.Condition {
	switch {
	case code == 0:
		return weather.ConditionClear
	case code >= 1 && code <= 3:
		return weather.ConditionCloudy
	case code == 45 || code == 48:
		return weather.ConditionMist
	case (code >= 51 && code <= 67) || (code >= 80 && code <= 82):
		return weather.ConditionRain
	case (code >= 71 && code <= 77) || code == 85 || code == 86:
		return weather.ConditionSnow
	case code >= 95:
		return weather.ConditionStorm
	default:
		return weather.ConditionUnknown
	}
}

// WeatherAPISource reads current conditions from WeatherAPI.com.
type WeatherAPISource struct {
	source
	apiKey string
}

func NewWeatherAPISource(client *http.Client, apiKey string) *WeatherAPISource {
	return &WeatherAPISource{
		source: newSource(client, "weatherapi", "https://api.weatherapi.com/v1/current.json"),
		apiKey: apiKey,
	}
}

func (p *WeatherAPISource) Fetch(ctx context.Context, loc weather.Location) (weather.Reading, error) {
	if p.apiKey == "" {
		return weather.Reading{}, fmt.Errorf("weatherapi: %w", errMissingAPIKey)
	}

	values := url.Values{}
	values.Set("key", p.apiKey)
	// "q" accepts either "city,country" or "lat,lon"
	if loc.HasCoordinates() {
		values.Set("q", fmt.Sprintf("%f,%f", *loc.Lat, *loc.Lon))
	} else {
		values.Set("q", loc.String())
	}

	var payload struct {
		Current struct {
			LastUpdatedEpoch int64   `json:"last_updated_epoch"`
			TempC            float64 `json:"temp_c"`
			Humidity         float64 `json:"humidity"`
			WindKph          float64 `json:"wind_kph"`
			PressureMb       float64 `json:"pressure_mb"`
			PrecipMm         float64 `json:"precip_mm"`
			Condition        struct {
				Text string `json:"text"`
			} `json:"condition"`
		} `json:"current"`
	}
	if err := p.get(ctx, values, &payload); err != nil {
		return weather.Reading{}, err
	}

	return weather.Reading{
		Source:       p.name,
		Timestamp:    unixOrZero(payload.Current.LastUpdatedEpoch),
		TemperatureC: payload.Current.TempC,
		HumidityPct:  payload.Current.Humidity,
		WindSpeedMS:  payload.Current.WindKph / 3.6,
		PressureHpa:  payload.Current.PressureMb,
		PrecipMm:     payload.Current.PrecipMm,
		Condition:    weatherAPICondition(payload.Current.Condition.Text),
	}, nil
}

func weatherAPICondition(text string) weather.Condition {
	text = strings.ToLower(text)
	switch {
	case text == "":
		return weather.ConditionUnknown
	case hasAny(text, "thunder", "storm"):
		return weather.ConditionStorm
	case hasAny(text, "snow", "sleet", "blizzard", "ice pellets"):
		return weather.ConditionSnow
	case hasAny(text, "rain", "shower", "drizzle"):
		return weather.ConditionRain
	case hasAny(text, "mist", "fog"):
		return weather.ConditionMist
	case hasAny(text, "cloud", "overcast"):
		return weather.ConditionCloudy
	case hasAny(text, "sunny", "clear"):
		return weather.ConditionClear
	default:
		return weather.ConditionUnknown
	}
}

func hasAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func unixOrZero(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
