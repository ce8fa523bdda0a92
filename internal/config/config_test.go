package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LANES_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.ProcessingInterval)
	assert.Equal(t, 120*time.Second, cfg.Cooldown)
	assert.Equal(t, CooldownScopeLane, cfg.CooldownScope)
	assert.Equal(t, RecordModeImmediate, cfg.RecordMode)
	assert.Equal(t, "servo/control", cfg.MQTT.Topic)
	assert.Equal(t, 0, cfg.MQTT.Retries)
	assert.Equal(t, []string{"car", "motorcycle"}, cfg.AllowedLabels)

	require.Len(t, cfg.Lanes, 1)
	assert.Equal(t, "entry", cfg.Lanes[0].Name)
	assert.Equal(t, "open_entry_bike", cfg.Lanes[0].Actions["motorcycle"])
	assert.Equal(t, "open_entry_car", cfg.Lanes[0].Actions["car"])
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PROCESSING_INTERVAL", "3")
	t.Setenv("COOLDOWN", "45")
	t.Setenv("COOLDOWN_SCOPE", "plate")
	t.Setenv("PUBLISH_RETRIES", "4")
	t.Setenv("PUBLISH_BACKOFF", "250ms")
	t.Setenv("MODEL_LABELS", "3=car, 4=motorcycle, x=broken")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.ProcessingInterval)
	assert.Equal(t, 45*time.Second, cfg.Cooldown)
	assert.Equal(t, CooldownScopePlate, cfg.CooldownScope)
	assert.Equal(t, 4, cfg.MQTT.Retries)
	assert.Equal(t, 250*time.Millisecond, cfg.MQTT.Backoff)
	assert.Equal(t, map[int]string{3: "car", 4: "motorcycle"}, cfg.ModelLabels)
}

func TestLoad_LanesFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "lanes.yaml")
	content := `
lanes:
  - name: gate-in
    source: http://192.168.1.7:81/stream
    direction: entry
    actions:
      motorcycle: open_entry_bike
      car: open_entry_car
  - name: gate-out
    source: "3"
    direction: exit
    topic: servo/exit
    actions:
      car: open_exit_car
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	t.Setenv("LANES_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Lanes, 2)

	assert.Equal(t, "servo/control", cfg.TopicFor(cfg.Lanes[0]))
	assert.Equal(t, "servo/exit", cfg.TopicFor(cfg.Lanes[1]))
	assert.Equal(t, "open_exit_car", cfg.Lanes[1].Actions["car"])
}

func TestValidate_Rejects(t *testing.T) {
	valid := func() *Config {
		return &Config{
			ProcessingInterval: 5,
			CooldownScope:      CooldownScopeLane,
			RecordMode:         RecordModeImmediate,
			DropPolicy:         DropNewest,
			DBDriver:           "sqlite3",
			BatchLimit:         10,
			Lanes:              []LaneConfig{{Name: "a", Source: "0", Direction: "entry"}},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero interval", func(c *Config) { c.ProcessingInterval = 0 }},
		{"negative cooldown", func(c *Config) { c.Cooldown = -time.Second }},
		{"bad scope", func(c *Config) { c.CooldownScope = "global" }},
		{"bad mode", func(c *Config) { c.RecordMode = "lazy" }},
		{"bad policy", func(c *Config) { c.DropPolicy = "random" }},
		{"bad driver", func(c *Config) { c.DBDriver = "mysql" }},
		{"no lanes", func(c *Config) { c.Lanes = nil }},
		{"bad direction", func(c *Config) { c.Lanes[0].Direction = "sideways" }},
		{"no source", func(c *Config) { c.Lanes[0].Source = "" }},
		{"duplicate lane", func(c *Config) { c.Lanes = append(c.Lanes, c.Lanes[0]) }},
		{"queue without room", func(c *Config) { c.ClassifyWorkers = 2; c.ClassifyQueue = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
