package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Reservation store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	DataDir          string `json:"data_dir"`
	LogLevel         string `json:"log_level"`
	MaxConcurrent    int    `json:"max_concurrent"`
	MaxToolRounds    int    `json:"max_tool_rounds"`
	IdleTimeout      string `json:"idle_timeout"`
	SystemPromptPath string `json:"system_prompt_path"`
	LLM              struct {
		Provider         string  `json:"provider"`
		BaseURL          string  `json:"base_url"`
		APIKey           string  `json:"api_key"`
		Model            string  `json:"model"`
		MaxTokens        int     `json:"max_tokens"`
		Temperature      float32 `json:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve"`
		Timeout          string  `json:"timeout"`
	} `json:"llm"`
	Tools struct {
		MaxOutputChars int    `json:"max_output_chars"`
		Timeout        string `json:"timeout"`
	} `json:"tools"`
	Reservation struct {
		// Store is memory, sqlite or postgres. Ignored when Endpoint is set.
		Store       string `json:"store"`
		DSN         string `json:"dsn"`
		CatalogPath string `json:"catalog_path"`
		// Endpoint is the base URL of a remote reservation service.
		Endpoint      string `json:"endpoint"`
		Listen        string `json:"listen"`
		RatePerMinute int    `json:"rate_per_minute"`
	} `json:"reservation"`
	Telegram struct {
		Token string `json:"token"`
	} `json:"telegram"`
	Discord struct {
		Token      string   `json:"token"`
		ChannelIDs []string `json:"channel_ids"`
	} `json:"discord"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
}

// Default timeouts, used when the corresponding setting is empty.
const (
	DefaultIdleTimeout = 30 * time.Minute
	DefaultLLMTimeout  = 60 * time.Second
	DefaultToolTimeout = 15 * time.Second
)

// Defaults returns the configuration written on first run.
func Defaults() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".tablemate"),
		LogLevel:      "info",
		MaxConcurrent: 4,
		MaxToolRounds: 8,
		IdleTimeout:   "30m",
	}
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 1000
	cfg.LLM.Temperature = 0.3
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.LLM.Timeout = "60s"
	cfg.Tools.MaxOutputChars = 4000
	cfg.Tools.Timeout = "15s"
	cfg.Reservation.Store = StoreMemory
	cfg.Reservation.RatePerMinute = 120
	cfg.HTTP.Listen = "127.0.0.1:8080"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
	if dcToken := os.Getenv("DISCORD_BOT_TOKEN"); dcToken != "" {
		cfg.Discord.Token = dcToken
	}
	if endpoint := os.Getenv("TABLEMATE_RESERVATION_ENDPOINT"); endpoint != "" {
		cfg.Reservation.Endpoint = endpoint
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that cannot be defaulted. Empty values are fine.
func (c *Config) Validate() error {
	switch c.Reservation.Store {
	case "", StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.Reservation.DSN == "" && c.Reservation.Endpoint == "" {
			return errors.New("reservation.store is postgres but reservation.dsn is empty")
		}
	default:
		return fmt.Errorf("unknown reservation.store %q (want memory, sqlite or postgres)", c.Reservation.Store)
	}
	if _, err := c.Durations(); err != nil {
		return err
	}
	return nil
}

// Durations holds the parsed duration settings.
type Durations struct {
	Idle time.Duration
	LLM  time.Duration
	Tool time.Duration
}

// Durations parses the duration settings, using defaults for empty values.
func (c *Config) Durations() (Durations, error) {
	var d Durations
	var err error
	if d.Idle, err = parseDuration("idle_timeout", c.IdleTimeout, DefaultIdleTimeout); err != nil {
		return d, err
	}
	if d.LLM, err = parseDuration("llm.timeout", c.LLM.Timeout, DefaultLLMTimeout); err != nil {
		return d, err
	}
	if d.Tool, err = parseDuration("tools.timeout", c.Tools.Timeout, DefaultToolTimeout); err != nil {
		return d, err
	}
	return d, nil
}

func parseDuration(key, v string, def time.Duration) (time.Duration, error) {
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, v)
	}
	return d, nil
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
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

// ToMap converts cfg to its nested JSON map form.
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

// ListValues returns cfg as dot-separated keys, with secrets masked when
// mask is set.
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

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return m, nil
}

// GetValue returns the value stored under a dot-separated key. The file is
// created with defaults if it does not exist.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	m, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under a dot-separated key in an existing config
// file. Values that parse as JSON (numbers, booleans) keep their type;
// anything else is stored as a string.
func SetValue(path, key, value string) error {
	m, err := readRaw(path)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		v = value
	}
	flat := Flatten(m)
	flat[key] = v

	nested, err := Unflatten(flat)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(nested, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}
