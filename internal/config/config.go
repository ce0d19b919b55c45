package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/i474232898/digitaltwin-dataspace/internal/weather"
)

var ErrInvalid = errors.New("invalid configuration")

type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type DatabaseConfig struct {
	// Driver is sqlite, postgres or memory.
	Driver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	URL    string `env:"DATABASE_URL" envDefault:"dataspace.db"`
}

type StorageConfig struct {
	ConnectionString string `env:"AZURE_STORAGE_CONNECTION_STRING"`
	Container        string `env:"AZURE_STORAGE_CONTAINER"`
	Directory        string `env:"FILE_STORAGE_DIRECTORY"`
}

type ProviderConfig struct {
	OpenWeatherAPIKey string `env:"OPENWEATHER_API_KEY"`
	WeatherAPIKey     string `env:"WEATHERAPI_API_KEY"`
	STIBAPIKey        string `env:"STIB_API_KEY"`
	DeLijnAPIKey      string `env:"DE_LIJN_API_KEY"`
	GeocoderAPIKey    string `env:"GEOCODER_API_KEY"`

	City    string   `env:"WEATHER_LOCATION_CITY"`
	Country string   `env:"WEATHER_LOCATION_COUNTRY"`
	Lat     *float64 `env:"WEATHER_LAT"`
	Lon     *float64 `env:"WEATHER_LON"`

	// Enabled limits which producers run; empty runs all that have credentials.
	Enabled []string `env:"ENABLED_PRODUCERS" envSeparator:","`
}

func (p ProviderConfig) Location() weather.Location {
	return weather.Location{City: p.City, Country: p.Country, Lat: p.Lat, Lon: p.Lon}
}

type ManagerConfig struct {
	Assets           []string `env:"ASSET_MANAGERS" envSeparator:"," envDefault:"assets"`
	Tilesets         []string `env:"TILESET_MANAGERS" envSeparator:"," envDefault:"tilesets"`
	ManifestPatterns []string `env:"MANIFEST_PATTERNS" envSeparator:","`
}

type AppConfig struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	HTTPTimeout     time.Duration `env:"HTTP_TIMEOUT" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	CollectTimeout  time.Duration `env:"COLLECT_TIMEOUT" envDefault:"60s"`
	// BodyLimit caps upload sizes, in bytes.
	BodyLimit int `env:"HTTP_BODY_LIMIT" envDefault:"536870912"`
	// ArchiveLimit caps the decompressed size of one archive upload, in bytes.
	ArchiveLimit int64 `env:"ARCHIVE_EXPANDED_LIMIT" envDefault:"2147483648"`

	Log       LogConfig
	Database  DatabaseConfig
	Storage   StorageConfig
	Providers ProviderConfig
	Managers  ManagerConfig
}

// Load reads .env (when present) and then the process environment.
func Load() (*AppConfig, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load()
	return Parse()
}

// Parse builds the configuration from the process environment only.
func Parse() (*AppConfig, error) {
	cfg, err := env.ParseAs[AppConfig]()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) Validate() error {
	switch {
	case c.Storage.ConnectionString == "" && c.Storage.Directory == "":
		return fmt.Errorf("%w: FILE_STORAGE_DIRECTORY is required when AZURE_STORAGE_CONNECTION_STRING is not set", ErrInvalid)
	case c.Storage.ConnectionString != "" && c.Storage.Container == "":
		return fmt.Errorf("%w: AZURE_STORAGE_CONTAINER is required with AZURE_STORAGE_CONNECTION_STRING", ErrInvalid)
	}

	switch c.Database.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("%w: unsupported DATABASE_DRIVER %q", ErrInvalid, c.Database.Driver)
	}

	if (c.Providers.Lat == nil) != (c.Providers.Lon == nil) {
		return fmt.Errorf("%w: WEATHER_LAT and WEATHER_LON must be set together", ErrInvalid)
	}
	if c.HTTPTimeout <= 0 || c.ShutdownTimeout <= 0 || c.CollectTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalid)
	}
	if c.BodyLimit <= 0 || c.ArchiveLimit <= 0 {
		return fmt.Errorf("%w: HTTP_BODY_LIMIT and ARCHIVE_EXPANDED_LIMIT must be positive", ErrInvalid)
	}
	return nil
}
