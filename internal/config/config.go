// Package config assembles process configuration. It is read once at start
// up by the binaries and nowhere else.
//
// Sources, lowest priority first: built-in defaults, an optional YAML file
// named by CHAT_RELAY_CONFIG, a .env file in the working directory, and the
// process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigFile  = "CHAT_RELAY_CONFIG"
	defaultEnvFile = ".env"
)

const (
	ProviderOpenAI   = "openai"
	ProviderGemini   = "gemini"
	ProviderLoopback = "loopback"
)

type Config struct {
	Port              string        `yaml:"port"`
	Provider          string        `yaml:"provider"`
	DefaultModel      string        `yaml:"default_model"`
	OpenAIAPIKey      string        `yaml:"openai_api_key"`
	OpenAIBaseURL     string        `yaml:"openai_base_url"`
	ParamPrefix       string        `yaml:"param_prefix"`
	GeminiAPIKey      string        `yaml:"gemini_api_key"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	LedgerTable       string        `yaml:"ledger_table"`
	LogLevel          string        `yaml:"log_level"`
}

func Default() Config {
	return Config{
		Port:              "3001",
		Provider:          ProviderOpenAI,
		DefaultModel:      "gpt-4o-mini",
		HeartbeatInterval: 15 * time.Second,
		RequestTimeout:    60 * time.Second,
		LogLevel:          "info",
	}
}

// Load reads the configuration from all sources. It does not validate.
func Load() (Config, error) {
	return load(os.LookupEnv, defaultEnvFile)
}

type lookupFunc func(key string) (string, bool)

func load(env lookupFunc, envFile string) (Config, error) {
	dotenv, err := readDotEnv(envFile)
	if err != nil {
		return Config{}, err
	}
	lookup := func(key string) (string, bool) {
		if v, ok := env(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
		v, ok := dotenv[key]
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}

	cfg := Default()
	if path, ok := lookup(EnvConfigFile); ok {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readDotEnv(path string) (map[string]string, error) {
	vals, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return vals, nil
}

// mergeFile overlays the fields set in a YAML file.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := map[string]*string{
		"PORT":            &c.Port,
		"PROVIDER":        &c.Provider,
		"DEFAULT_MODEL":   &c.DefaultModel,
		"OPENAI_API_KEY":  &c.OpenAIAPIKey,
		"OPENAI_BASE_URL": &c.OpenAIBaseURL,
		"PARAM_PREFIX":    &c.ParamPrefix,
		"GEMINI_API_KEY":  &c.GeminiAPIKey,
		"LEDGER_TABLE":    &c.LedgerTable,
		"LOG_LEVEL":       &c.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"HEARTBEAT_INTERVAL":  &c.HeartbeatInterval,
		"STREAM_IDLE_TIMEOUT": &c.StreamIdleTimeout,
		"REQUEST_TIMEOUT":     &c.RequestTimeout,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = d
	}
	c.Provider = strings.ToLower(c.Provider)
	return nil
}

// Validate checks that the selected provider has its credential and that
// the timing values are usable.
func (c Config) Validate() error {
	var errs []error
	if n, err := strconv.Atoi(c.Port); err != nil || n <= 0 || n > 65535 {
		errs = append(errs, fmt.Errorf("config: PORT %q is not a valid port", c.Port))
	}
	switch c.Provider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" && c.ParamPrefix == "" {
			errs = append(errs, errors.New("config: OPENAI_API_KEY or PARAM_PREFIX is required for the openai provider"))
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("config: GEMINI_API_KEY is required for the gemini provider"))
		}
	case ProviderLoopback:
	default:
		errs = append(errs, fmt.Errorf("config: unknown PROVIDER %q", c.Provider))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("config: HEARTBEAT_INTERVAL must be positive"))
	}
	if c.StreamIdleTimeout < 0 {
		errs = append(errs, errors.New("config: STREAM_IDLE_TIMEOUT must not be negative"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("config: REQUEST_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
