// Package config provides Settings resolution for the SDK.
//
// Settings are layered: built-in defaults, then an optional YAML file, then
// TREASUREPLAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/alexbotov/treasureplay/internal/domain"
)

// Default endpoints per environment
const (
	ProductionAPIURL       = "https://api.treasureplay.com"
	TestnetAPIURL          = "https://testnet.api.treasureplay.com"
	ProductionInventoryURL = "https://inventory.treasureplay.com"
	TestnetInventoryURL    = "https://testnet.inventory.treasureplay.com"
	DefaultWebViewURL      = "https://portal.treasureplay.com/quests"

	DefaultSettingsFile = "treasureplay.yaml"
	SettingsFileEnv     = "TREASUREPLAY_SETTINGS"

	DefaultPlaytimeInterval = 180 * time.Second
)

var ErrNotFound = errors.New("treasureplay settings not found")

// Settings holds the SDK configuration
type Settings struct {
	Environment      domain.Environment `yaml:"environment" env:"TREASUREPLAY_ENVIRONMENT"`
	APIKey           string             `yaml:"api_key" env:"TREASUREPLAY_API_KEY"`
	CoinID           string             `yaml:"coin_id" env:"TREASUREPLAY_COIN_ID"`
	GameID           string             `yaml:"game_id" env:"TREASUREPLAY_GAME_ID"`
	LogLevel         string             `yaml:"log_level" env:"TREASUREPLAY_LOG_LEVEL"`
	APIBaseURL       string             `yaml:"api_base_url" env:"TREASUREPLAY_API_BASE_URL"`
	InventoryBaseURL string             `yaml:"inventory_base_url" env:"TREASUREPLAY_INVENTORY_BASE_URL"`
	WebViewURL       string             `yaml:"webview_url" env:"TREASUREPLAY_WEBVIEW_URL"`

	HTTP     HTTPSettings     `yaml:"http"`
	Storage  StorageSettings  `yaml:"storage"`
	Playtime PlaytimeSettings `yaml:"playtime"`
}

// HTTPSettings tunes the API transport
type HTTPSettings struct {
	// Timeout of zero leaves the transport default in place
	Timeout    time.Duration `yaml:"timeout" env:"TREASUREPLAY_HTTP_TIMEOUT"`
	RetryCount int           `yaml:"retry_count" env:"TREASUREPLAY_HTTP_RETRY_COUNT"`
	// RateLimit is requests per second; zero disables client-side throttling
	RateLimit float64 `yaml:"rate_limit" env:"TREASUREPLAY_HTTP_RATE_LIMIT"`
	RateBurst int     `yaml:"rate_burst" env:"TREASUREPLAY_HTTP_RATE_BURST"`
}

// StorageSettings selects the durable key-value store
type StorageSettings struct {
	Driver string `yaml:"driver" env:"TREASUREPLAY_STORAGE_DRIVER"`
	DSN    string `yaml:"dsn" env:"TREASUREPLAY_STORAGE_DSN"`
}

// PlaytimeSettings configures usage tracking
type PlaytimeSettings struct {
	Interval time.Duration `yaml:"interval" env:"TREASUREPLAY_PLAYTIME_INTERVAL"`
}

// Default returns Settings with built-in defaults and no API key
func Default() *Settings {
	return &Settings{
		Environment: domain.EnvironmentTestnet,
		LogLevel:    "info",
		WebViewURL:  DefaultWebViewURL,
		HTTP: HTTPSettings{
			RetryCount: 1,
			RateBurst:  1,
		},
		Storage: StorageSettings{
			Driver: "sqlite",
			DSN:    "treasureplay.db",
		},
		Playtime: PlaytimeSettings{
			Interval: DefaultPlaytimeInterval,
		},
	}
}

// Load reads defaults, then the YAML file at path (skipped when path is
// empty), then environment overrides.
func Load(path string) (*Settings, error) {
	s := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings file: %w", err)
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("failed to parse settings file: %w", err)
		}
	}

	if err := env.Parse(s); err != nil {
		return nil, fmt.Errorf("failed to parse settings env: %w", err)
	}

	if err := s.normalize(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadDefault resolves the settings file from TREASUREPLAY_SETTINGS or the
// working directory. With neither a file nor TREASUREPLAY_API_KEY present it
// returns ErrNotFound.
func LoadDefault() (*Settings, error) {
	path := getEnv(SettingsFileEnv, DefaultSettingsFile)
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat settings file: %w", err)
		}
		if os.Getenv("TREASUREPLAY_API_KEY") == "" {
			return nil, ErrNotFound
		}
		path = ""
	}
	return Load(path)
}

func (s *Settings) normalize() error {
	env, err := domain.ParseEnvironment(string(s.Environment))
	if err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	s.Environment = env
	if s.HTTP.RetryCount < 1 {
		s.HTTP.RetryCount = 1
	}
	if s.HTTP.RateBurst < 1 {
		s.HTTP.RateBurst = 1
	}
	if s.Playtime.Interval <= 0 {
		s.Playtime.Interval = DefaultPlaytimeInterval
	}
	return nil
}

// ResolvedAPIBaseURL returns the API base URL, honoring an explicit override
func (s *Settings) ResolvedAPIBaseURL() string {
	if s.APIBaseURL != "" {
		return strings.TrimRight(s.APIBaseURL, "/")
	}
	if s.Environment == domain.EnvironmentProduction {
		return ProductionAPIURL
	}
	return TestnetAPIURL
}

// ResolvedInventoryBaseURL returns the inventory base URL, honoring an
// explicit override
func (s *Settings) ResolvedInventoryBaseURL() string {
	if s.InventoryBaseURL != "" {
		return strings.TrimRight(s.InventoryBaseURL, "/")
	}
	if s.Environment == domain.EnvironmentProduction {
		return ProductionInventoryURL
	}
	return TestnetInventoryURL
}

// Clone returns a copy safe to hand out to callers
func (s *Settings) Clone() *Settings {
	c := *s
	return &c
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
