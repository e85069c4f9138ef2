package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/screenstream/internal/usage"
	"pkt.systems/screenstream/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int                   `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string                `mapstructure:"state_dir" yaml:"state_dir"`
	Endpoint      EndpointConfig        `mapstructure:"endpoint" yaml:"endpoint"`
	Models        ModelsConfig          `mapstructure:"models" yaml:"models"`
	Pricing       map[string]usage.Rate `mapstructure:"pricing" yaml:"pricing"`
	Output        OutputConfig          `mapstructure:"output" yaml:"output"`
	Mock          MockConfig            `mapstructure:"mock" yaml:"mock"`
	Metrics       MetricsConfig         `mapstructure:"metrics" yaml:"metrics"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// EndpointConfig points at the streaming generation endpoint.
type EndpointConfig struct {
	URL            string            `mapstructure:"url" yaml:"url"`
	Headers        map[string]string `mapstructure:"headers" yaml:"headers"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// ModelsConfig controls allowed and default LLM models.
type ModelsConfig struct {
	Default string   `mapstructure:"default" yaml:"default"`
	Allowed []string `mapstructure:"allowed" yaml:"allowed"`
}

// OutputConfig controls where generated screens are written.
type OutputConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// MockConfig configures the mock upstream server.
type MockConfig struct {
	Addr             string   `mapstructure:"addr" yaml:"addr"`
	ChunkSize        int      `mapstructure:"chunk_size" yaml:"chunk_size"`
	DelayMS          int      `mapstructure:"delay_ms" yaml:"delay_ms"`
	FreeMessages     int      `mapstructure:"free_messages" yaml:"free_messages"`
	RestrictedModels []string `mapstructure:"restricted_models" yaml:"restricted_models"`
}

// MetricsConfig controls metrics export from one-shot commands.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(home, ".screenstream", "state"),
		Endpoint: EndpointConfig{
			URL:            "http://127.0.0.1:27490/api/generate",
			Headers:        map[string]string{},
			TimeoutSeconds: 30,
		},
		Models: ModelsConfig{
			Default: "screen-mini",
			Allowed: []string{"screen-mini", "screen-pro"},
		},
		Pricing: map[string]usage.Rate{
			"screen-mini": {Input: 0.25, Output: 2, Cached: 0.025},
			"screen-pro":  {Input: 1.25, Output: 10, Cached: 0.125},
		},
		Output: OutputConfig{
			Dir: "screens",
		},
		Mock: MockConfig{
			Addr:             "127.0.0.1:27490",
			ChunkSize:        48,
			DelayMS:          15,
			FreeMessages:     20,
			RestrictedModels: []string{"screen-pro"},
		},
		Metrics: MetricsConfig{
			Textfile: "",
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".screenstream", "config.yaml"), nil
}

// PricingTable converts the configured prices into a lookup table.
func (c Config) PricingTable() usage.Pricing {
	out := make(usage.Pricing, len(c.Pricing))
	for model, rate := range c.Pricing {
		out[schema.ModelID(model)] = rate
	}
	return out
}

// ResponseTimeout returns the header timeout for generation requests.
func (c Config) ResponseTimeout() time.Duration {
	if c.Endpoint.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Endpoint.TimeoutSeconds) * time.Second
}

// ModelAllowed reports whether model may be requested. An empty allow list
// permits every model.
func (c Config) ModelAllowed(model schema.ModelID) bool {
	if len(c.Models.Allowed) == 0 {
		return true
	}
	for _, allowed := range c.Models.Allowed {
		if strings.EqualFold(strings.TrimSpace(allowed), string(model)) {
			return true
		}
	}
	return false
}
