package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"pkt.systems/screenstream/schema"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("endpoint.url", cfg.Endpoint.URL)
	v.SetDefault("endpoint.headers", cfg.Endpoint.Headers)
	v.SetDefault("endpoint.timeout_seconds", cfg.Endpoint.TimeoutSeconds)
	v.SetDefault("models.default", cfg.Models.Default)
	v.SetDefault("models.allowed", cfg.Models.Allowed)
	v.SetDefault("output.dir", cfg.Output.Dir)
	v.SetDefault("mock.addr", cfg.Mock.Addr)
	v.SetDefault("mock.chunk_size", cfg.Mock.ChunkSize)
	v.SetDefault("mock.delay_ms", cfg.Mock.DelayMS)
	v.SetDefault("mock.free_messages", cfg.Mock.FreeMessages)
	v.SetDefault("mock.restricted_models", cfg.Mock.RestrictedModels)
	v.SetDefault("metrics.textfile", cfg.Metrics.Textfile)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
		if v.IsSet("pricing") {
			cfg.Pricing = nil
		}
	}

	// Slices come back from viper whole; decoding into the defaults would merge them.
	cfg.Models.Allowed = nil
	cfg.Mock.RestrictedModels = nil
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	endpoint := strings.TrimSpace(cfg.Endpoint.URL)
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("endpoint.url must be an http(s) URL with a host (e.g. http://127.0.0.1:27490/api/generate)")
	}
	if cfg.Endpoint.TimeoutSeconds < 0 {
		return fmt.Errorf("endpoint.timeout_seconds must not be negative")
	}
	model, err := schema.NormalizeModelID(cfg.Models.Default)
	if err != nil {
		return fmt.Errorf("models.default: %w", err)
	}
	if !cfg.ModelAllowed(model) {
		return fmt.Errorf("models.default %q is not in models.allowed", model)
	}
	if cfg.Mock.ChunkSize <= 0 {
		return fmt.Errorf("mock.chunk_size must be positive")
	}
	if cfg.Mock.DelayMS < 0 || cfg.Mock.FreeMessages < 0 {
		return fmt.Errorf("mock.delay_ms and mock.free_messages must not be negative")
	}
	for model, rate := range cfg.Pricing {
		if rate.Input < 0 || rate.Output < 0 || rate.Cached < 0 {
			return fmt.Errorf("pricing.%s must not be negative", model)
		}
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Output.Dir = expandEnv(cfg.Output.Dir)
	cfg.Metrics.Textfile = expandEnv(cfg.Metrics.Textfile)
	cfg.Endpoint.URL = expandEnv(cfg.Endpoint.URL)
	for key, value := range cfg.Endpoint.Headers {
		cfg.Endpoint.Headers[key] = expandEnv(value)
	}
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
