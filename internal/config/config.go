package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when neither GIGCREW_CONFIG nor an explicit path is given.
const DefaultPath = "config.json"

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Paywall     PaywallConfig             `json:"paywall" yaml:"paywall"`
	Tools       ToolsConfig               `json:"tools" yaml:"tools"`
	Credentials Credentials               `json:"-" yaml:"-"`
}

type ProviderConfig struct {
	BaseURL     string  `json:"base_url" yaml:"base_url"`
	Model       string  `json:"model" yaml:"model"`
	APIKey      string  `json:"api_key" yaml:"api_key"`
	Temperature float32 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
	UseVertex   bool    `json:"use_vertex" yaml:"use_vertex"`
	Location    string  `json:"location" yaml:"location"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"db_name" yaml:"db_name"`
	Params   string `json:"params" yaml:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address" yaml:"server_address"`
	Debug             bool   `json:"debug" yaml:"debug"`
	Database          string `json:"database" yaml:"database"`
	DefaultProvider   string `json:"default_provider" yaml:"default_provider"`
	MinWorkers        int    `json:"min_workers" yaml:"min_workers"`
	MaxWorkers        int    `json:"max_workers" yaml:"max_workers"`
	QueueSize         int    `json:"queue_size" yaml:"queue_size"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout" yaml:"worker_idle_timeout"` // minutes
	FileBaseDir       string `json:"file_base_dir" yaml:"file_base_dir"`
	TempFileTTL       int    `json:"temp_file_ttl" yaml:"temp_file_ttl"`             // minutes
	TempCleanInterval int    `json:"temp_clean_interval" yaml:"temp_clean_interval"` // minutes
	RunTimeout        int    `json:"run_timeout" yaml:"run_timeout"`                 // seconds
	CrewsFile         string `json:"crews_file" yaml:"crews_file"`
}

type PaywallConfig struct {
	// FreePerWeek is the weekly free article allowance; 0 means every article is paid.
	FreePerWeek *int   `json:"free_per_week" yaml:"free_per_week"`
	Price       string `json:"price" yaml:"price"`
	// AcceptAnyPayload grants access for any non-empty X-PAYMENT value
	// instead of only the simulated signed payload.
	AcceptAnyPayload bool `json:"accept_any_payload" yaml:"accept_any_payload"`
}

type ToolsConfig struct {
	ScraperMode      string `json:"scraper_mode" yaml:"scraper_mode"` // mock | live
	WebSearchEnabled bool   `json:"web_search_enabled" yaml:"web_search_enabled"`
}

// Credentials are the environment-provided secrets checked by the status page.
type Credentials struct {
	GeminiAPIKey         string
	GoogleCloudProject   string
	GroqAPIKey           string
	GoogleAPIKey         string
	GoogleSearchEngineID string
}

const (
	EnvConfigPath         = "GIGCREW_CONFIG"
	EnvGeminiAPIKey       = "GEMINI_API_KEY"
	EnvGoogleCloudProject = "GOOGLE_CLOUD_PROJECT"
	EnvGroqAPIKey         = "GROQ_API_KEY"
	EnvGoogleAPIKey       = "GOOGLE_API_KEY"
	EnvSearchEngineID     = "GOOGLE_SEARCH_ENGINE_ID"
)

// Load reads .env, then the configuration file at path (defaults to config.json).
// A missing default file yields the built-in defaults; a missing explicit file is an error.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	explicit := path != ""
	if path == "" {
		path = DefaultPath
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := &Config{}
	data, err := os.ReadFile(absPath)
	switch {
	case err == nil:
		if err := decode(absPath, data, cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		return Default(), nil
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	cfg.applyDefaults()
	cfg.Credentials = CredentialsFromEnv()
	cfg.applyCredentials()

	for name, db := range cfg.Databases {
		if isSQLite(name) && db.DSN != "" && db.DSN != ":memory:" && !filepath.IsAbs(db.DSN) && !strings.HasPrefix(db.DSN, "file:") {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	}
	return nil
}

// CredentialsFromEnv snapshots the provider credentials from the process environment.
func CredentialsFromEnv() Credentials {
	creds := Credentials{
		GeminiAPIKey:         strings.TrimSpace(os.Getenv(EnvGeminiAPIKey)),
		GoogleCloudProject:   strings.TrimSpace(os.Getenv(EnvGoogleCloudProject)),
		GroqAPIKey:           strings.TrimSpace(os.Getenv(EnvGroqAPIKey)),
		GoogleAPIKey:         strings.TrimSpace(os.Getenv(EnvGoogleAPIKey)),
		GoogleSearchEngineID: strings.TrimSpace(os.Getenv(EnvSearchEngineID)),
	}
	return creds
}

// Default returns a configuration populated only with defaults and the environment.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Credentials = CredentialsFromEnv()
	cfg.applyCredentials()
	return cfg
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8090"
	}
	if b.Database == "" {
		b.Database = "sqlite3"
	}
	if b.DefaultProvider == "" {
		b.DefaultProvider = "gemini"
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 2
	}
	if b.MaxWorkers < b.MinWorkers {
		b.MaxWorkers = b.MinWorkers * 4
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 64
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = 5
	}
	if b.FileBaseDir == "" {
		b.FileBaseDir = "./data/uploads"
	}
	if b.TempFileTTL <= 0 {
		b.TempFileTTL = 60
	}
	if b.TempCleanInterval <= 0 {
		b.TempCleanInterval = 10
	}
	if b.RunTimeout <= 0 {
		b.RunTimeout = 180
	}

	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	defaults := map[string]ProviderConfig{
		"gemini": {Model: "gemini-2.0-flash-lite-001", Temperature: 0.3},
		"groq":   {BaseURL: "https://api.groq.com/openai/v1", Model: "llama3-8b-8192", Temperature: 0.7},
	}
	for name, def := range defaults {
		p, ok := c.Providers[name]
		if !ok {
			c.Providers[name] = def
			continue
		}
		if p.Model == "" {
			p.Model = def.Model
		}
		if p.BaseURL == "" {
			p.BaseURL = def.BaseURL
		}
		if p.Temperature == 0 {
			p.Temperature = def.Temperature
		}
		c.Providers[name] = p
	}

	if c.Databases == nil {
		c.Databases = make(map[string]DatabaseConfig)
	}
	if _, ok := c.Databases["sqlite3"]; !ok {
		c.Databases["sqlite3"] = DatabaseConfig{DSN: "data/gigcrew.db"}
	}

	if c.Paywall.FreePerWeek == nil {
		free := 3
		c.Paywall.FreePerWeek = &free
	}
	if c.Paywall.Price == "" {
		c.Paywall.Price = "$0.50"
	}
	if c.Tools.ScraperMode == "" {
		c.Tools.ScraperMode = "mock"
	}
}

// applyCredentials fills provider keys left empty in the file from the environment.
func (c *Config) applyCredentials() {
	fill := func(name, key string) {
		p, ok := c.Providers[name]
		if !ok || p.APIKey != "" || key == "" {
			return
		}
		p.APIKey = key
		c.Providers[name] = p
	}
	gemini := c.Credentials.GeminiAPIKey
	if gemini == "" {
		gemini = c.Credentials.GoogleAPIKey
	}
	fill("gemini", gemini)
	fill("groq", c.Credentials.GroqAPIKey)
	fill("openai", strings.TrimSpace(os.Getenv("OPENAI_API_KEY")))
	fill("claude", strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")))
}

func isSQLite(driver string) bool {
	d := strings.ToLower(driver)
	return d == "sqlite" || d == "sqlite3"
}
