package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.MQTT.Broker)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, 30*time.Second, cfg.MQTT.ConnectTimeout)
	assert.True(t, cfg.MQTT.RetainState)
	assert.Equal(t, "homeassistant", cfg.Topics.DiscoveryPrefix)
	assert.Equal(t, "gadgetbridge", cfg.Topics.BaseTopic)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/data/Gadgetbridge.db", cfg.Database.Path)
	assert.Equal(t, 5*time.Second, cfg.Database.BusyTimeout)
	assert.Equal(t, 300*time.Second, cfg.Scheduler.Interval())
	assert.Equal(t, 600*time.Second, cfg.Health.Staleness(cfg.Scheduler.Interval()))
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("MQTT_BROKER", "broker.lan")
	t.Setenv("MQTT_PORT", "8883")
	t.Setenv("MQTT_USERNAME", "ha")
	t.Setenv("MQTT_PASSWORD", "secret")
	t.Setenv("GADGETBRIDGE_DB_PATH", "/srv/gb.db")
	t.Setenv("PUBLISH_INTERVAL_SECONDS", "60")
	t.Setenv("DISCOVERY_PREFIX", "ha")
	t.Setenv("HEALTH_STALENESS_SECONDS", "90")
	t.Setenv("MQTT_RETAIN_STATE", "false")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "broker.lan", cfg.MQTT.Broker)
	assert.Equal(t, 8883, cfg.MQTT.Port)
	assert.Equal(t, "ha", cfg.MQTT.Username)
	assert.Equal(t, "secret", cfg.MQTT.Password)
	assert.False(t, cfg.MQTT.RetainState)
	assert.Equal(t, "/srv/gb.db", cfg.Database.Path)
	assert.Equal(t, time.Minute, cfg.Scheduler.Interval())
	assert.Equal(t, "ha", cfg.Topics.DiscoveryPrefix)
	assert.Equal(t, 90*time.Second, cfg.Health.Staleness(cfg.Scheduler.Interval()))
}

func TestLoadConfigFileWithTransformers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
scheduler:
  interval_seconds: 120
transformers:
  huami_temperature:
    table: HUAMI_EXTENDED_ACTIVITY_SAMPLE
    device_column: DEVICE_ID
    timestamp_column: TIMESTAMP
    time_unit: s
    script_code: |
      function transform(row) { return { skin_temperature: row.TEMPERATURE / 10 }; }
    sensors:
      - key: skin_temperature
        name: Skin Temperature
        unit: "°C"
        device_class: temperature
        state_class: measurement
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.Scheduler.Interval())
	require.Contains(t, cfg.Transformers, "huami_temperature")
	tr := cfg.Transformers["huami_temperature"]
	assert.Equal(t, "HUAMI_EXTENDED_ACTIVITY_SAMPLE", tr.Table)
	require.Len(t, tr.Sensors, 1)
	assert.Equal(t, "temperature", tr.Sensors[0].DeviceClass)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsFatalConfiguration(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty broker", func(c *Config) { c.MQTT.Broker = " " }, "MQTT_BROKER is required"},
		{"bad port", func(c *Config) { c.MQTT.Port = 70000 }, "MQTT_PORT"},
		{"zero interval", func(c *Config) { c.Scheduler.IntervalSeconds = 0 }, "PUBLISH_INTERVAL_SECONDS"},
		{"missing db path", func(c *Config) { c.Database.Path = "" }, "GADGETBRIDGE_DB_PATH"},
		{"mysql without dsn", func(c *Config) { c.Database.Driver = "mysql" }, "DB_DSN is required"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }, "unsupported DB_DRIVER"},
		{"wildcard prefix", func(c *Config) { c.Topics.DiscoveryPrefix = "ha/#" }, "wildcards"},
		{"bad filter", func(c *Config) { c.DeviceFilter = "(" }, "DEVICE_FILTER"},
		{"script without code", func(c *Config) {
			c.Transformers = map[string]Transformer{"x": {Table: "T", Sensors: []Sensor{{Key: "k"}}}}
		}, "script_code or script_path"},
		{"sensor key with topic separator", func(c *Config) {
			c.Transformers = map[string]Transformer{"x": {Table: "T", ScriptCode: "function transform(c) {}", Sensors: []Sensor{{Key: "hr/max"}}}}
		}, `sensor key "hr/max"`},
		{"sensor key with wildcard", func(c *Config) {
			c.Transformers = map[string]Transformer{"x": {Table: "T", ScriptCode: "function transform(c) {}", Sensors: []Sensor{{Key: "temp#"}}}}
		}, `sensor key "temp#"`},
		{"uppercase sensor key", func(c *Config) {
			c.Transformers = map[string]Transformer{"x": {Table: "T", ScriptCode: "function transform(c) {}", Sensors: []Sensor{{Key: "Temp"}}}}
		}, `sensor key "Temp"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDatabaseSource(t *testing.T) {
	db := DatabaseConfig{Driver: "sqlite", Path: "/data/Gadgetbridge.db", DSN: "ignored"}
	assert.Equal(t, "/data/Gadgetbridge.db", db.Source())

	db.Driver = "PostgreSQL"
	db.DSN = "postgres://reader@db/gadgetbridge?sslmode=disable"
	assert.Equal(t, db.DSN, db.Source())
}
