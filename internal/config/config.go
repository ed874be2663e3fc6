package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses YAML values like "45s" or "100ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Remote struct {
	BaseURL string   `yaml:"base_url"`
	Timeout Duration `yaml:"timeout"`
}

type Stream struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type Poll struct {
	List     Duration `yaml:"list"`
	Capacity Duration `yaml:"capacity"`
	Health   Duration `yaml:"health"`
}

type Alerts struct {
	OverdueAfter Duration `yaml:"overdue_after"`
	UpcomingMin  Duration `yaml:"upcoming_min"`
	UpcomingMax  Duration `yaml:"upcoming_max"`
	Tick         Duration `yaml:"tick"`
	HighlightTTL Duration `yaml:"highlight_ttl"`
}

type Mutations struct {
	InterWriteDelay   Duration `yaml:"inter_write_delay"`
	RetryFallback     Duration `yaml:"retry_fallback"`
	ReconcileDeadline Duration `yaml:"reconcile_deadline"`
}

type Config struct {
	Profile   string    `yaml:"profile"` // kitchen-display | manager
	Remote    Remote    `yaml:"remote"`
	Stream    Stream    `yaml:"stream"`
	Poll      Poll      `yaml:"poll"`
	Alerts    Alerts    `yaml:"alerts"`
	Mutations Mutations `yaml:"mutations"`
	DebugAddr string    `yaml:"debug_addr"`
	OTLP      string    `yaml:"otlp_endpoint"`
}

// Load reads the YAML config at path and applies defaults. Zero poll
// intervals stay zero here; the profile supplies them at wiring time so
// kitchen and manager terminals keep their distinct cadences.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Profile == "" {
		c.Profile = "kitchen-display"
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = Duration(10 * time.Second)
	}
	if c.Stream.Topic == "" {
		c.Stream.Topic = "order.events"
	}
	if c.Alerts.OverdueAfter == 0 {
		c.Alerts.OverdueAfter = Duration(60 * time.Minute)
	}
	if c.Alerts.UpcomingMin == 0 {
		c.Alerts.UpcomingMin = Duration(10 * time.Minute)
	}
	if c.Alerts.UpcomingMax == 0 {
		c.Alerts.UpcomingMax = Duration(20 * time.Minute)
	}
	if c.Alerts.Tick == 0 {
		c.Alerts.Tick = Duration(30 * time.Second)
	}
	if c.Alerts.HighlightTTL == 0 {
		c.Alerts.HighlightTTL = Duration(10 * time.Second)
	}
	if c.Mutations.InterWriteDelay == 0 {
		c.Mutations.InterWriteDelay = Duration(100 * time.Millisecond)
	}
	if c.Mutations.RetryFallback == 0 {
		c.Mutations.RetryFallback = Duration(5 * time.Second)
	}
	if c.Mutations.ReconcileDeadline == 0 {
		c.Mutations.ReconcileDeadline = Duration(2 * time.Minute)
	}
	if c.DebugAddr == "" {
		c.DebugAddr = ":8091"
	}
}

func (c *Config) validate() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if len(c.Stream.Brokers) == 0 {
		return fmt.Errorf("stream.brokers is required")
	}
	if c.Profile != "kitchen-display" && c.Profile != "manager" {
		return fmt.Errorf("unknown profile %q", c.Profile)
	}
	return nil
}
