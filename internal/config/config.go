package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"mathtutor/internal/models"
)

const (
	DefaultBatchSize   = 5
	DefaultRenderScale = 2.0
	DefaultSentinel    = "IGNORE"
	DefaultModel       = "gemini-2.5-flash"
	ProviderGemini     = "gemini"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Pipeline    PipelineConfig            `json:"pipeline"`
	Chat        ChatConfig                `json:"chat"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Redis       RedisConfig               `json:"redis"`
	Databases   map[string]DatabaseConfig `json:"databases"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type BasicConfig struct {
	ServerAddress  string `json:"server_address"`
	Environment    string `json:"environment" validate:"omitempty,oneof=development production test"`
	LogFile        string `json:"log_file"`
	MaxUploadBytes int64  `json:"max_upload_bytes" validate:"gte=0"`
	MinWorkers     int    `json:"min_workers" validate:"gte=0"`
	MaxWorkers     int    `json:"max_workers" validate:"gte=0"`
	QueueSize      int    `json:"queue_size" validate:"gte=0"`
	// WorkspaceTTL is in minutes.
	WorkspaceTTL int    `json:"workspace_ttl" validate:"gte=0"`
	Database     string `json:"database"`
}

type PipelineConfig struct {
	Model       string  `json:"model"`
	BatchSize   int     `json:"batch_size" validate:"gte=0,lte=64"`
	RenderScale float64 `json:"render_scale" validate:"gte=0,lte=8"`
	Sentinel    string  `json:"sentinel"`
}

type ChatConfig struct {
	Provider string `json:"provider" validate:"omitempty,oneof=gemini gemini-eino openai claude"`
	Model    string `json:"model"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Enabled reports whether a redis server was configured.
func (r RedisConfig) Enabled() bool {
	return r.Host != ""
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing file is not an error; defaults and environment overrides apply.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = "config.json"
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if err := cfg.checkCredentials(); err != nil {
		return nil, err
	}

	// sqlite paths are relative to the config file
	for _, name := range []string{"sqlite", "sqlite3"} {
		db, ok := cfg.Databases[name]
		if !ok || db.DSN == "" || db.DSN == ":memory:" || strings.HasPrefix(db.DSN, "file:") || filepath.IsAbs(db.DSN) {
			continue
		}
		db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
		cfg.Databases[name] = db
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	key := firstEnv("GEMINI_API_KEY", "API_KEY")
	if key != "" {
		p := cfg.Providers[ProviderGemini]
		p.APIKey = key
		cfg.Providers[ProviderGemini] = p
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		p := cfg.Providers["openai"]
		p.APIKey = v
		cfg.Providers["openai"] = p
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		p := cfg.Providers["claude"]
		p.APIKey = v
		cfg.Providers["claude"] = p
	}
	if v := os.Getenv("MATHTUTOR_ADDR"); v != "" {
		cfg.BasicConfig.ServerAddress = v
	}
	if v := os.Getenv("MATHTUTOR_ENV"); v != "" {
		cfg.BasicConfig.Environment = v
	}
	if v := os.Getenv("MATHTUTOR_CHAT_PROVIDER"); v != "" {
		cfg.Chat.Provider = v
	}
	if v := os.Getenv("MATHTUTOR_REDIS_ADDR"); v != "" {
		host, port, ok := strings.Cut(v, ":")
		cfg.Redis.Host = host
		if ok {
			if n, err := strconv.Atoi(port); err == nil {
				cfg.Redis.Port = n
			}
		}
	}
}

func applyDefaults(cfg *Config) {
	b := &cfg.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8090"
	}
	if b.Environment == "" {
		b.Environment = "development"
	}
	if b.LogFile == "" {
		b.LogFile = "./data/logs/mathtutor.log"
	}
	if b.MaxUploadBytes == 0 {
		b.MaxUploadBytes = 64 << 20
	}
	if b.MinWorkers == 0 {
		b.MinWorkers = 1
	}
	if b.MaxWorkers == 0 {
		b.MaxWorkers = 4
	}
	if b.MaxWorkers < b.MinWorkers {
		b.MaxWorkers = b.MinWorkers
	}
	if b.QueueSize == 0 {
		b.QueueSize = 16
	}
	if b.WorkspaceTTL == 0 {
		b.WorkspaceTTL = 120
	}

	p := &cfg.Pipeline
	if p.BatchSize == 0 {
		p.BatchSize = DefaultBatchSize
	}
	if p.RenderScale == 0 {
		p.RenderScale = DefaultRenderScale
	}
	if p.Sentinel == "" {
		p.Sentinel = DefaultSentinel
	}
	if p.Model == "" {
		p.Model = cfg.Providers[ProviderGemini].Model
	}
	if p.Model == "" {
		p.Model = DefaultModel
	}

	if cfg.Chat.Provider == "" {
		cfg.Chat.Provider = ProviderGemini
	}
	if cfg.Chat.Model == "" {
		cfg.Chat.Model = cfg.Providers[providerKey(cfg.Chat.Provider)].Model
	}
	if cfg.Chat.Model == "" {
		cfg.Chat.Model = p.Model
	}

	if cfg.Redis.Enabled() && cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
}

// checkCredentials fails when a provider the service needs has no api key.
func (c *Config) checkCredentials() error {
	if c.Providers[ProviderGemini].APIKey == "" {
		return models.ConfigurationError("API_KEY environment variable not set", nil)
	}
	chat := providerKey(c.Chat.Provider)
	if c.Providers[chat].APIKey == "" {
		return models.ConfigurationError(fmt.Sprintf("api key for chat provider %s not set", c.Chat.Provider), nil)
	}
	return nil
}

// ChatProvider returns the provider settings backing the tutor chat.
func (c *Config) ChatProvider() ProviderConfig {
	p := c.Providers[providerKey(c.Chat.Provider)]
	p.Model = c.Chat.Model
	return p
}

func providerKey(provider string) string {
	if provider == "gemini-eino" {
		return ProviderGemini
	}
	return provider
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}
