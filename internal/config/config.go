// Package config loads the feedstore configuration from a YAML file and the
// environment. The returned Config is built once at startup and never
// modified afterwards.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "FEEDSTORE_"

const minPollInterval = time.Second

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type (
	Config struct {
		PollInterval Duration         `yaml:"poll_interval" env:"POLL_INTERVAL"`
		Metrics      MetricsConfig    `yaml:"metrics" envPrefix:"METRICS_"`
		ThingSpeak   ThingSpeakConfig `yaml:"thingspeak" envPrefix:"THINGSPEAK_"`
		Database     DatabaseConfig   `yaml:"database" envPrefix:"DB_"`
	}

	MetricsConfig struct {
		Addr     string `yaml:"addr" env:"ADDR"`
		Disabled bool   `yaml:"disabled" env:"DISABLED"`
	}

	ThingSpeakConfig struct {
		BaseURL          string   `yaml:"base_url" env:"BASE_URL"`
		ChannelID        string   `yaml:"channel_id" env:"CHANNEL_ID"`
		ReadAPIKey       string   `yaml:"read_api_key" env:"READ_API_KEY"`
		Results          int      `yaml:"results" env:"RESULTS"`
		Timeout          Duration `yaml:"timeout" env:"TIMEOUT"`
		TemperatureField string   `yaml:"temperature_field" env:"TEMPERATURE_FIELD"`
		HumidityField    string   `yaml:"humidity_field" env:"HUMIDITY_FIELD"`
	}

	DatabaseConfig struct {
		Host     string   `yaml:"host" env:"HOST"`
		Port     int      `yaml:"port" env:"PORT"`
		User     string   `yaml:"user" env:"USER"`
		Password string   `yaml:"password" env:"PASSWORD"`
		Name     string   `yaml:"name" env:"NAME"`
		Table    string   `yaml:"table" env:"TABLE"`
		Timeout  Duration `yaml:"timeout" env:"TIMEOUT"`
		Discover string   `yaml:"discover" env:"DISCOVER"`
	}
)

// Duration wraps time.Duration so it can be written as "30s" in YAML and in
// environment variables.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// LoadDotEnv loads variables from an env file into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Load reads the YAML file at path, applies FEEDSTORE_* environment
// overrides, fills in defaults and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(raw)
}

// Parse is Load without the file read.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = Duration(30 * time.Second)
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}

	if c.ThingSpeak.BaseURL == "" {
		c.ThingSpeak.BaseURL = "https://api.thingspeak.com"
	}
	if c.ThingSpeak.Results == 0 {
		c.ThingSpeak.Results = 1
	}
	if c.ThingSpeak.Timeout == 0 {
		c.ThingSpeak.Timeout = Duration(10 * time.Second)
	}
	if c.ThingSpeak.TemperatureField == "" {
		c.ThingSpeak.TemperatureField = "field1"
	}
	if c.ThingSpeak.HumidityField == "" {
		c.ThingSpeak.HumidityField = "field2"
	}

	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Table == "" {
		c.Database.Table = "sensor_readings"
	}
	if c.Database.Timeout == 0 {
		c.Database.Timeout = Duration(5 * time.Second)
	}
}

func (c *Config) validate() error {
	if c.PollInterval.Duration() < minPollInterval {
		return fmt.Errorf("poll_interval must be at least %s, got %s", minPollInterval, c.PollInterval.Duration())
	}

	u, err := url.Parse(c.ThingSpeak.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("thingspeak.base_url must be an absolute http(s) URL, got %q", c.ThingSpeak.BaseURL)
	}
	if c.ThingSpeak.ChannelID == "" {
		return errors.New("thingspeak.channel_id is required")
	}
	if c.ThingSpeak.Results < 1 {
		return fmt.Errorf("thingspeak.results must be at least 1, got %d", c.ThingSpeak.Results)
	}
	if c.ThingSpeak.Timeout < 0 {
		return errors.New("thingspeak.timeout must be positive")
	}

	if c.Database.Host == "" && c.Database.Discover == "" {
		return errors.New("database.host is required unless database.discover is set")
	}
	if c.Database.User == "" {
		return errors.New("database.user is required")
	}
	if c.Database.Name == "" {
		return errors.New("database.name is required")
	}
	if !identifier.MatchString(c.Database.Table) {
		return fmt.Errorf("database.table %q is not a valid table name", c.Database.Table)
	}
	if c.Database.Timeout < 0 {
		return errors.New("database.timeout must be positive")
	}

	return nil
}
