package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	ObjectStore ObjectStoreConfig         `json:"object_store"`
	Limits      LimitsConfig              `json:"limits"`
	OCR         OCRConfig                 `json:"ocr"`
	Providers   map[string]ProviderConfig `json:"providers"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type BasicConfig struct {
	ServerAddress         string `json:"server_address"`
	DevMode               bool   `json:"dev_mode"`
	ScratchDir            string `json:"scratch_dir"`
	LogFile               string `json:"log_file"`
	Provider              string `json:"provider"`
	TokenTTLHours         int    `json:"token_ttl_hours"`
	ExtractTimeoutSeconds int    `json:"extract_timeout_seconds"`
	StorageTimeoutSeconds int    `json:"storage_timeout_seconds"`
	MinWorkers            int    `json:"min_workers"`
	MaxWorkers            int    `json:"max_workers"`
	QueueSize             int    `json:"queue_size"`
	WorkerIdleTimeout     int    `json:"worker_idle_timeout"` // minutes
	MaxUploadMB           int    `json:"max_upload_mb"`
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

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// ObjectStoreConfig selects the durable object backend: "local" or "s3".
type ObjectStoreConfig struct {
	Backend       string `json:"backend"`
	Bucket        string `json:"bucket"`
	LocalDir      string `json:"local_dir"`
	PublicBaseURL string `json:"public_base_url"`
	SigningSecret string `json:"signing_secret"`
	Endpoint      string `json:"endpoint"`
	AccessKey     string `json:"access_key"`
	SecretKey     string `json:"secret_key"`
	Region        string `json:"region"`
	UseSSL        bool   `json:"use_ssl"`
}

// LimitConfig is one sliding window.
type LimitConfig struct {
	MaxRequests int   `json:"max_requests"`
	WindowMs    int64 `json:"window_ms"`
}

// Window returns the window length as a duration.
func (l LimitConfig) Window() time.Duration {
	return time.Duration(l.WindowMs) * time.Millisecond
}

type LimitsConfig struct {
	Store  string      `json:"store"` // "memory" or "redis"
	Upload LimitConfig `json:"upload"`
	Chat   LimitConfig `json:"chat"`
	Auth   LimitConfig `json:"auth"`
	Global LimitConfig `json:"global"`
}

type OCRConfig struct {
	Endpoint       string  `json:"endpoint"`
	Language       string  `json:"language"`
	MinConfidence  float64 `json:"min_confidence"`
	FilterWords    bool    `json:"filter_words"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

// Load reads configuration from the provided path (defaults to config.json).
// A .env file next to the working directory is applied to the process
// environment first so secrets can stay out of the JSON file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := openSecrets(&cfg); err != nil {
		return nil, fmt.Errorf("decrypt config: %w", err)
	}
	applyEnv(&cfg)
	cfg.ApplyDefaults()

	baseDir := filepath.Dir(absPath)
	for name, db := range cfg.Databases {
		if db.DSN != "" && db.DSN != ":memory:" && !filepath.IsAbs(db.DSN) && name != "mysql" {
			db.DSN = filepath.Join(baseDir, db.DSN)
			cfg.Databases[name] = db
		}
	}
	if !filepath.IsAbs(cfg.ObjectStore.LocalDir) {
		cfg.ObjectStore.LocalDir = filepath.Join(baseDir, cfg.ObjectStore.LocalDir)
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with the service defaults.
func (c *Config) ApplyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8090"
	}
	if b.ScratchDir == "" {
		b.ScratchDir = filepath.Join(os.TempDir(), "docflow-scratch")
	}
	if b.LogFile == "" {
		b.LogFile = "logs/docflow.log"
	}
	if b.Provider == "" {
		b.Provider = "mock"
	}
	if b.TokenTTLHours <= 0 {
		b.TokenTTLHours = 24
	}
	if b.StorageTimeoutSeconds <= 0 {
		b.StorageTimeoutSeconds = 30
	}
	if b.ExtractTimeoutSeconds <= 0 {
		b.ExtractTimeoutSeconds = 60
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 1
	}
	if b.MaxWorkers < b.MinWorkers {
		b.MaxWorkers = max(4, b.MinWorkers)
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 64
	}
	if b.MaxUploadMB <= 0 {
		b.MaxUploadMB = 10
	}
	if c.Databases == nil {
		c.Databases = map[string]DatabaseConfig{"sqlite3": {DSN: "data/docflow.db"}}
	}

	s := &c.ObjectStore
	if s.Backend == "" {
		s.Backend = "local"
	}
	if s.Bucket == "" {
		s.Bucket = "documents"
	}
	if s.LocalDir == "" {
		s.LocalDir = "data/objects"
	}

	l := &c.Limits
	if l.Store == "" {
		l.Store = "memory"
	}
	defaultLimit(&l.Upload, 10, 60_000)
	defaultLimit(&l.Chat, 30, 60_000)
	defaultLimit(&l.Auth, 5, 15*60_000)
	defaultLimit(&l.Global, 100, 15*60_000)

	if c.OCR.Language == "" {
		c.OCR.Language = "eng"
	}
	if c.OCR.MinConfidence <= 0 {
		c.OCR.MinConfidence = 30
	}
	if c.OCR.TimeoutSeconds <= 0 {
		c.OCR.TimeoutSeconds = 60
	}
}

func defaultLimit(l *LimitConfig, max int, windowMs int64) {
	if l.MaxRequests <= 0 {
		l.MaxRequests = max
	}
	if l.WindowMs <= 0 {
		l.WindowMs = windowMs
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DOCFLOW_SIGNING_SECRET"); v != "" {
		cfg.ObjectStore.SigningSecret = v
	}
	if v := os.Getenv("DOCFLOW_S3_ACCESS_KEY"); v != "" {
		cfg.ObjectStore.AccessKey = v
	}
	if v := os.Getenv("DOCFLOW_S3_SECRET_KEY"); v != "" {
		cfg.ObjectStore.SecretKey = v
	}
	for name, p := range cfg.Providers {
		if p.APIKey != "" {
			continue
		}
		if v := os.Getenv(envKey(name)); v != "" {
			p.APIKey = v
			cfg.Providers[name] = p
		}
	}
}

func envKey(provider string) string {
	switch provider {
	case "openai":
		return "OPENAI_API_KEY"
	case "claude":
		return "ANTHROPIC_API_KEY"
	case "gemini":
		return "GEMINI_API_KEY"
	default:
		return ""
	}
}
