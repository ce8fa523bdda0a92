package config

import (
	"errors"
	"fmt"

	"gatewatch/internal/model"
)

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.ProcessingInterval < 1 {
		return fmt.Errorf("processing interval must be >= 1, got %d", c.ProcessingInterval)
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("cooldown must not be negative, got %s", c.Cooldown)
	}
	switch c.CooldownScope {
	case CooldownScopeLane, CooldownScopePlate:
	default:
		return fmt.Errorf("unknown cooldown scope %q", c.CooldownScope)
	}
	switch c.RecordMode {
	case RecordModeImmediate, RecordModeBatched:
	default:
		return fmt.Errorf("unknown record mode %q", c.RecordMode)
	}
	switch c.DropPolicy {
	case DropNewest, DropOldest:
	default:
		return fmt.Errorf("unknown drop policy %q", c.DropPolicy)
	}
	switch c.DBDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.DBDriver)
	}
	if c.ClassifyWorkers < 0 {
		return fmt.Errorf("classify workers must not be negative")
	}
	if c.ClassifyWorkers > 0 && c.ClassifyQueue < 1 {
		return fmt.Errorf("classify queue must be >= 1 when workers are enabled")
	}
	if c.MQTT.Retries < 0 {
		return fmt.Errorf("publish retries must not be negative")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	if c.BatchLimit < 1 {
		return fmt.Errorf("batch limit must be >= 1")
	}

	if len(c.Lanes) == 0 {
		return errors.New("at least one lane is required")
	}
	seen := make(map[string]bool)
	for i, lane := range c.Lanes {
		if lane.Name == "" {
			return fmt.Errorf("lane %d has no name", i)
		}
		if seen[lane.Name] {
			return fmt.Errorf("duplicate lane name %q", lane.Name)
		}
		seen[lane.Name] = true
		if lane.Source == "" {
			return fmt.Errorf("lane %q has no source", lane.Name)
		}
		if _, err := model.ParseDirection(lane.Direction); err != nil {
			return fmt.Errorf("lane %q: %w", lane.Name, err)
		}
	}
	return nil
}
