// Package config resolves editor bridge settings from a YAML file, a .env
// file and CANVASBRIDGE_* environment variables, in increasing precedence.
// Command-line flags are applied on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/canvasbridge/blueprint"
	"github.com/petal-labs/canvasbridge/watch"
)

const (
	projectConfigName = "canvasbridge.yaml"
	homeConfigName    = "config.yaml"
	envPrefix         = "CANVASBRIDGE_"
)

// Defaults.
const (
	DefaultServerURL = "http://localhost:8080"
	DefaultTemplate  = "default"
	DefaultListen    = ":8080"
)

// Duration is a time.Duration that decodes from YAML strings such as "5s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", node.Line, err)
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config holds resolved settings.
type Config struct {
	ServerURL      string   `yaml:"server_url"`
	Template       string   `yaml:"template"`
	TypePrefix     string   `yaml:"type_prefix"`
	ReconnectDelay Duration `yaml:"reconnect_delay"`
	AutoReload     bool     `yaml:"auto_reload"`
	Resync         string   `yaml:"resync,omitempty"`
	SQLitePath     string   `yaml:"sqlite_path,omitempty"`
	RedisURL       string   `yaml:"redis_url,omitempty"`
	OTLPEndpoint   string   `yaml:"otlp_endpoint,omitempty"`
	Listen         string   `yaml:"listen"`

	// Path is the file the settings were read from, empty when none.
	Path string `yaml:"-"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		ServerURL:      DefaultServerURL,
		Template:       DefaultTemplate,
		TypePrefix:     blueprint.DefaultTypePrefix,
		ReconnectDelay: Duration(watch.DefaultReconnectDelay),
		Listen:         DefaultListen,
	}
}

// DiscoverPath resolves the config file location with first-match semantics.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".canvasbridge", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load resolves settings: defaults, then the discovered YAML file, then a
// .env file in the working directory, then CANVASBRIDGE_* variables.
func Load(explicitPath string) (Config, error) {
	cfg := Default()

	path, found, err := DiscoverPath(explicitPath)
	if err != nil {
		return Config{}, err
	}
	if found {
		if cfg, err = LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := LoadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// LoadFile reads a YAML config file over the defaults. Relative
// sqlite_path values resolve against the file's directory.
func LoadFile(path string) (Config, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	cfg.Path = path
	if p := strings.TrimSpace(os.ExpandEnv(cfg.SQLitePath)); p != "" {
		cfg.SQLitePath = resolveConfigRelative(filepath.Dir(path), p)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from CANVASBRIDGE_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("SERVER_URL", &c.ServerURL)
	str("TEMPLATE", &c.Template)
	str("RESYNC", &c.Resync)
	str("SQLITE_PATH", &c.SQLitePath)
	str("REDIS_URL", &c.RedisURL)
	str("OTLP_ENDPOINT", &c.OTLPEndpoint)
	str("LISTEN", &c.Listen)
	if v, ok := lookup(envPrefix + "TYPE_PREFIX"); ok {
		c.TypePrefix = strings.TrimSpace(v)
	}

	if v, ok := lookup(envPrefix + "RECONNECT_DELAY"); ok && strings.TrimSpace(v) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sRECONNECT_DELAY: %w", envPrefix, err)
		}
		c.ReconnectDelay = Duration(d)
	}
	if v, ok := lookup(envPrefix + "AUTO_RELOAD"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sAUTO_RELOAD: %w", envPrefix, err)
		}
		c.AutoReload = b
	}
	return nil
}

// Validate checks the resolved settings.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ServerURL) == "" {
		errs = append(errs, errors.New("server_url is required"))
	}
	if strings.TrimSpace(c.Template) == "" {
		errs = append(errs, errors.New("template is required"))
	}
	if c.ReconnectDelay < 0 {
		errs = append(errs, errors.New("reconnect_delay must not be negative"))
	}
	if c.Resync != "" {
		if _, err := watch.ParseResync(c.Resync); err != nil {
			errs = append(errs, fmt.Errorf("resync: %w", err))
		}
	}
	return errors.Join(errs...)
}

func resolveConfigRelative(baseDir, p string) string {
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(baseDir, clean)
}
