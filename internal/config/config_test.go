package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "pt-BR", cfg.Feed.HostLanguage)
	assert.Equal(t, "BR", cfg.Feed.GeoLocation)
	assert.Equal(t, "BR:pt-419", cfg.Feed.Edition)
	assert.Equal(t, 100, cfg.Sharding.SaturationCap)
	assert.Equal(t, 80, cfg.Sharding.HysteresisFloor)
	assert.Equal(t, 1, cfg.Enrich.WindowDays)
	assert.Equal(t, 0.8, cfg.Enrich.PlaceThreshold)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, "memory", cfg.Queue.Provider)
	assert.Equal(t, "@hourly", cfg.Pipeline.DiscoverSchedule)
	assert.Equal(t, "*/15 * * * *", cfg.Pipeline.SweepSchedule)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("VIGIA_SERVER_PORT", "9999")
	t.Setenv("VIGIA_FEED_GEO_LOCATION", "BR")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"zero feed rate", func(c *Config) { c.Feed.RequestsPerMin = 0 }},
		{"zero saturation cap", func(c *Config) { c.Sharding.SaturationCap = 0 }},
		{"floor above cap", func(c *Config) {
			c.Sharding.SaturationCap = 50
			c.Sharding.HysteresisFloor = 60
		}},
		{"zero window", func(c *Config) { c.Enrich.WindowDays = 0 }},
		{"zero place threshold", func(c *Config) { c.Enrich.PlaceThreshold = 0 }},
		{"place threshold above one", func(c *Config) { c.Enrich.PlaceThreshold = 1.5 }},
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"bad queue provider", func(c *Config) { c.Queue.Provider = "rabbitmq" }},
		{"nats without url", func(c *Config) {
			c.Queue.Provider = "nats"
			c.Queue.URL = ""
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestFeedInterval(t *testing.T) {
	t.Parallel()

	cfg := Config{Feed: FeedConfig{RequestsPerMin: 12}}
	assert.Equal(t, 5*time.Second, cfg.FeedInterval())
}
