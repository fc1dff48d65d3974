package config

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrInvalidConfig marks configuration errors no retry can fix.
var ErrInvalidConfig = errors.New("invalid configuration")

// sensorKeyPattern keeps script sensor keys usable as a single topic level.
var sensorKeyPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// Validate checks the parameters required before any cycle may start.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.MQTT.Broker) == "" {
		problems = append(problems, "MQTT_BROKER is required")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		problems = append(problems, fmt.Sprintf("MQTT_PORT %d is out of range", c.MQTT.Port))
	}
	if c.MQTT.ConnectTimeout <= 0 {
		problems = append(problems, "MQTT_CONNECT_TIMEOUT must be positive")
	}
	if c.Scheduler.IntervalSeconds <= 0 {
		problems = append(problems, "PUBLISH_INTERVAL_SECONDS must be positive")
	}
	if c.Health.LivenessFile == "" {
		problems = append(problems, "LIVENESS_FILE is required")
	}

	problems = append(problems, validateTopic("DISCOVERY_PREFIX", c.Topics.DiscoveryPrefix)...)
	problems = append(problems, validateTopic("BASE_TOPIC", c.Topics.BaseTopic)...)

	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "":
		if c.Database.Path == "" {
			problems = append(problems, "GADGETBRIDGE_DB_PATH is required")
		}
	case "mysql", "postgresql", "postgres":
		if c.Database.DSN == "" {
			problems = append(problems, fmt.Sprintf("DB_DSN is required for driver %s", c.Database.Driver))
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported DB_DRIVER: %s", c.Database.Driver))
	}

	if c.DeviceFilter != "" {
		if _, err := regexp.Compile(c.DeviceFilter); err != nil {
			problems = append(problems, fmt.Sprintf("DEVICE_FILTER is not a valid expression: %v", err))
		}
	}

	kinds := make([]string, 0, len(c.Transformers))
	for kind := range c.Transformers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		if err := c.Transformers[kind].Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("transformer %s: %v", kind, err))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Validate checks a scripted transformer definition.
func (t Transformer) Validate() error {
	if t.Table == "" {
		return errors.New("table is required")
	}
	if t.ScriptCode == "" && t.ScriptPath == "" {
		return errors.New("script_code or script_path is required")
	}
	if len(t.Sensors) == 0 {
		return errors.New("at least one sensor is required")
	}
	for _, s := range t.Sensors {
		if s.Key == "" {
			return errors.New("sensor key is required")
		}
		if !sensorKeyPattern.MatchString(s.Key) {
			return fmt.Errorf("sensor key %q must match %s", s.Key, sensorKeyPattern)
		}
	}
	switch strings.ToLower(t.TimeUnit) {
	case "", "auto", "s", "seconds", "ms", "milliseconds":
	default:
		return fmt.Errorf("unknown time_unit %q", t.TimeUnit)
	}
	return nil
}

func validateTopic(name, topic string) []string {
	switch {
	case topic == "":
		return []string{name + " is required"}
	case strings.ContainsAny(topic, "+#"):
		return []string{name + " must not contain MQTT wildcards"}
	case strings.HasPrefix(topic, "/") || strings.HasSuffix(topic, "/"):
		return []string{name + " must not start or end with /"}
	}
	return nil
}
