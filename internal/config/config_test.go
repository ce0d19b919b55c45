package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	t.Setenv("FILE_STORAGE_DIRECTORY", t.TempDir())

	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 15*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 60*time.Second, cfg.CollectTimeout)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "dataspace.db", cfg.Database.URL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, int64(2<<30), cfg.ArchiveLimit)
	assert.Equal(t, []string{"assets"}, cfg.Managers.Assets)
	assert.Equal(t, []string{"tilesets"}, cfg.Managers.Tilesets)
	assert.Empty(t, cfg.Providers.Enabled)
	assert.False(t, cfg.Providers.Location().HasCoordinates())
}

func TestParse_Overrides(t *testing.T) {
	t.Setenv("AZURE_STORAGE_CONNECTION_STRING", "UseDevelopmentStorage=true")
	t.Setenv("AZURE_STORAGE_CONTAINER", "artifacts")
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/dataspace")
	t.Setenv("ENABLED_PRODUCERS", "weather,stib_gtfs")
	t.Setenv("WEATHER_LAT", "50.85")
	t.Setenv("WEATHER_LON", "4.35")
	t.Setenv("COLLECT_TIMEOUT", "2m")

	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, []string{"weather", "stib_gtfs"}, cfg.Providers.Enabled)
	assert.Equal(t, 2*time.Minute, cfg.CollectTimeout)
	loc := cfg.Providers.Location()
	require.True(t, loc.HasCoordinates())
	assert.Equal(t, 50.85, *loc.Lat)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"no storage backend", map[string]string{}},
		{"azure without container", map[string]string{"AZURE_STORAGE_CONNECTION_STRING": "x"}},
		{"unknown driver", map[string]string{"FILE_STORAGE_DIRECTORY": "/tmp", "DATABASE_DRIVER": "mysql"}},
		{"half coordinates", map[string]string{"FILE_STORAGE_DIRECTORY": "/tmp", "WEATHER_LAT": "50.1"}},
		{"bad duration", map[string]string{"FILE_STORAGE_DIRECTORY": "/tmp", "HTTP_TIMEOUT": "soon"}},
		{"zero archive limit", map[string]string{"FILE_STORAGE_DIRECTORY": "/tmp", "ARCHIVE_EXPANDED_LIMIT": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Parse()
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}
