// Package config loads, saves and edits the quorum configuration file.
// The format follows the file extension: .json (default), .yaml/.yml or .toml.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration stored as a string such as "10s".
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// ProviderConfig holds the credential and endpoint of one provider family.
type ProviderConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key" toml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url" toml:"base_url"`
}

type Config struct {
	DataDir       string                    `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	LogLevel      string                    `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat     string                    `json:"log_format" yaml:"log_format" toml:"log_format"`
	MaxConcurrent int                       `json:"max_concurrent" yaml:"max_concurrent" toml:"max_concurrent"`
	Providers     map[string]ProviderConfig `json:"providers" yaml:"providers" toml:"providers"`
	Research      struct {
		Stream          bool     `json:"stream" yaml:"stream" toml:"stream"`
		WebSearch       bool     `json:"web_search" yaml:"web_search" toml:"web_search"`
		Instructions    string   `json:"instructions" yaml:"instructions" toml:"instructions"`
		PollInterval    Duration `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
		PollMaxAttempts int      `json:"poll_max_attempts" yaml:"poll_max_attempts" toml:"poll_max_attempts"`
		SetupTimeout    Duration `json:"setup_timeout" yaml:"setup_timeout" toml:"setup_timeout"`
	} `json:"research" yaml:"research" toml:"research"`
	Checkpoint struct {
		Backend         string   `json:"backend" yaml:"backend" toml:"backend"`
		Dir             string   `json:"dir" yaml:"dir" toml:"dir"`
		MaxAge          Duration `json:"max_age" yaml:"max_age" toml:"max_age"`
		PurgeSchedule   string   `json:"purge_schedule" yaml:"purge_schedule" toml:"purge_schedule"`
		RecoverSchedule string   `json:"recover_schedule" yaml:"recover_schedule" toml:"recover_schedule"`
	} `json:"checkpoint" yaml:"checkpoint" toml:"checkpoint"`
	Consensus struct {
		SynthesisModel        string `json:"synthesis_model" yaml:"synthesis_model" toml:"synthesis_model"`
		MaxParallel           int    `json:"max_parallel" yaml:"max_parallel" toml:"max_parallel"`
		SynthesisBudgetTokens int    `json:"synthesis_budget_tokens" yaml:"synthesis_budget_tokens" toml:"synthesis_budget_tokens"`
	} `json:"consensus" yaml:"consensus" toml:"consensus"`
	Telegram struct {
		Token        string  `json:"token" yaml:"token" toml:"token"`
		AllowedChats []int64 `json:"allowed_chats" yaml:"allowed_chats" toml:"allowed_chats"`
	} `json:"telegram" yaml:"telegram" toml:"telegram"`
	HTTP struct {
		Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
		Listen  string `json:"listen" yaml:"listen" toml:"listen"`
	} `json:"http" yaml:"http" toml:"http"`
	PricingCache string `json:"pricing_cache" yaml:"pricing_cache" toml:"pricing_cache"`
}

// Provider family names as used under providers.<name>.
const (
	OpenAI     = "openai"
	Gemini     = "gemini"
	Anthropic  = "anthropic"
	XAI        = "xai"
	Perplexity = "perplexity"
	OpenRouter = "openrouter"
)

var defaultBaseURLs = map[string]string{
	OpenAI:     "https://api.openai.com/v1",
	Gemini:     "https://generativelanguage.googleapis.com/v1beta",
	Anthropic:  "https://api.anthropic.com/v1",
	XAI:        "https://api.x.ai/v1",
	Perplexity: "https://api.perplexity.ai",
	OpenRouter: "https://openrouter.ai/api/v1",
}

// envKeys lists credential variables per provider, first non-empty wins.
var envKeys = map[string][]string{
	OpenAI:     {"OPENAI_API_KEY"},
	Gemini:     {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	Anthropic:  {"ANTHROPIC_API_KEY"},
	XAI:        {"XAI_API_KEY"},
	Perplexity: {"PERPLEXITY_API_KEY"},
	OpenRouter: {"OPENROUTER_API_KEY"},
}

// DefaultPath returns ~/.quorum/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".quorum", "config.json")
}

// Defaults returns a configuration with every default applied.
func Defaults() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".quorum"),
		LogLevel:      "info",
		LogFormat:     "text",
		MaxConcurrent: 2,
		Providers:     make(map[string]ProviderConfig, len(defaultBaseURLs)),
	}
	for name, url := range defaultBaseURLs {
		cfg.Providers[name] = ProviderConfig{BaseURL: url}
	}
	cfg.Research.Stream = true
	cfg.Research.WebSearch = true
	cfg.Research.PollInterval = Duration(10 * time.Second)
	cfg.Research.PollMaxAttempts = 360
	cfg.Research.SetupTimeout = Duration(60 * time.Second)
	cfg.Checkpoint.Backend = "file"
	cfg.Checkpoint.MaxAge = Duration(7 * 24 * time.Hour)
	cfg.Checkpoint.PurgeSchedule = "@daily"
	cfg.Checkpoint.RecoverSchedule = "*/10 * * * *"
	cfg.Consensus.MaxParallel = 8
	cfg.Consensus.SynthesisBudgetTokens = 24000
	cfg.HTTP.Listen = "127.0.0.1:8484"
	return cfg
}

// Load reads the config at path, writing defaults there first if the file
// does not exist. Environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	for name, vars := range envKeys {
		for _, v := range vars {
			if key := os.Getenv(v); key != "" {
				p := cfg.Providers[name]
				p.APIKey = key
				cfg.Providers[name] = p
				break
			}
		}
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		p := cfg.Providers[OpenAI]
		p.BaseURL = baseURL
		cfg.Providers[OpenAI] = p
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
	if dir := os.Getenv("QUORUM_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	return cfg, nil
}

// Provider returns the settings of a provider family, with the default
// base URL filled in.
func (c *Config) Provider(name string) ProviderConfig {
	p := c.Providers[name]
	if p.BaseURL == "" {
		p.BaseURL = defaultBaseURLs[name]
	}
	return p
}

// CheckpointDir is where file checkpoints live.
func (c *Config) CheckpointDir() string {
	if c.Checkpoint.Dir != "" {
		return c.Checkpoint.Dir
	}
	return filepath.Join(c.DataDir, "checkpoints")
}

// ResultsDir is where recovered results are stored.
func (c *Config) ResultsDir() string { return filepath.Join(c.DataDir, "results") }

// TasksPath is the scheduled task file.
func (c *Config) TasksPath() string { return filepath.Join(c.DataDir, "tasks.json") }

// PIDPath is the pid file of a running server.
func (c *Config) PIDPath() string { return filepath.Join(c.DataDir, "quorum.pid") }

// SQLitePath is the checkpoint database used by the sqlite backend.
func (c *Config) SQLitePath() string { return filepath.Join(c.CheckpointDir(), "checkpoints.db") }

func decode(path string, data []byte, v any) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, v)
	case ".toml":
		return toml.Unmarshal(data, v)
	case ".json", "":
		return json.Unmarshal(data, v)
	default:
		return fmt.Errorf("unsupported config extension: %s", ext)
	}
}

func encode(path string, v any) ([]byte, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return yaml.Marshal(v)
	case ".toml":
		return toml.Marshal(v)
	case ".json", "":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", ext)
	}
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := encode(path, cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return writeAtomic(path, data)
}

// Atomic write via temp file + rename.
func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to a nested map via its JSON form, so numbers are float64.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns cfg as flat dotted keys, optionally masking secrets.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// readRaw loads the file as an untyped map so keys outside Config survive
// a get/set cycle.
func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	m := make(map[string]any)
	if err := decode(path, data, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return m, nil
}

// GetValue returns the value stored under a dotted key.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(raw)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under a dotted key. Values that parse as JSON
// (numbers, booleans, arrays) are stored typed; anything else as a string.
func SetValue(path, key, value string) error {
	raw, err := readRaw(path)
	if err != nil {
		return err
	}

	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}

	flat := Flatten(raw)
	flat[key] = parsed

	data, err := encode(path, Unflatten(flat))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}
