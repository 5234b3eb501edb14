package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr           string
	DatabaseURL    string
	RedisURL       string
	JWTSecret      string
	TicketTTL      time.Duration
	CORSOrigin     string
	ReposDir       string
	MeiliURL       string
	MeiliMasterKey string
	// Collaboration gateway
	FlushInterval  time.Duration
	SendBuffer     int
	AllowAnonymous bool
	// Logging
	LogLevel  string
	LogFormat string
}

// fileConfig is the YAML overlay read from NEURA_CONFIG_FILE. Every field is
// optional; environment variables win over it.
type fileConfig struct {
	Addr                 *string `yaml:"addr"`
	DatabaseURL          *string `yaml:"database_url"`
	RedisURL             *string `yaml:"redis_url"`
	JWTSecret            *string `yaml:"jwt_secret"`
	TicketTTLSeconds     *int    `yaml:"ticket_ttl_seconds"`
	CORSOrigin           *string `yaml:"cors_origin"`
	ReposDir             *string `yaml:"repos_dir"`
	MeiliURL             *string `yaml:"meili_url"`
	MeiliMasterKey       *string `yaml:"meili_master_key"`
	FlushIntervalSeconds *int    `yaml:"flush_interval_seconds"`
	SendBuffer           *int    `yaml:"send_buffer"`
	AllowAnonymous       *bool   `yaml:"allow_anonymous"`
	LogLevel             *string `yaml:"log_level"`
	LogFormat            *string `yaml:"log_format"`
}

func defaults() Config {
	return Config{
		Addr:          ":4000",
		JWTSecret:     "neura-dev-secret",
		TicketTTL:     60 * time.Second,
		CORSOrigin:    "*",
		ReposDir:      "./data/repos",
		FlushInterval: 30 * time.Second,
		SendBuffer:    256,
		LogLevel:      "info",
		LogFormat:     "json",
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by NEURA_CONFIG_FILE and the environment, in that order.
func Load() (Config, error) {
	cfg := defaults()
	if path := os.Getenv("NEURA_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.Addr = getenv("API_ADDR", cfg.Addr)
	cfg.DatabaseURL = getenv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getenv("REDIS_URL", cfg.RedisURL)
	cfg.JWTSecret = getenv("NEURA_JWT_SECRET", cfg.JWTSecret)
	cfg.TicketTTL = getenvSeconds("NEURA_TICKET_TTL_SECONDS", cfg.TicketTTL)
	cfg.CORSOrigin = getenv("NEURA_CORS_ORIGIN", cfg.CORSOrigin)
	cfg.ReposDir = getenv("NEURA_REPOS_DIR", cfg.ReposDir)
	cfg.MeiliURL = getenv("MEILI_URL", cfg.MeiliURL)
	cfg.MeiliMasterKey = getenv("MEILI_MASTER_KEY", cfg.MeiliMasterKey)
	cfg.FlushInterval = getenvSeconds("NEURA_FLUSH_INTERVAL_SECONDS", cfg.FlushInterval)
	cfg.SendBuffer = getenvInt("NEURA_SEND_BUFFER", cfg.SendBuffer)
	cfg.AllowAnonymous = getenvBool("NEURA_ALLOW_ANONYMOUS", cfg.AllowAnonymous)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getenv("LOG_FORMAT", cfg.LogFormat)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("API_ADDR must not be empty"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("NEURA_JWT_SECRET must not be empty"))
	}
	if c.TicketTTL <= 0 {
		errs = append(errs, errors.New("NEURA_TICKET_TTL_SECONDS must be positive"))
	}
	if c.FlushInterval < 0 {
		errs = append(errs, errors.New("NEURA_FLUSH_INTERVAL_SECONDS must not be negative"))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, errors.New("NEURA_SEND_BUFFER must be positive"))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q must be json or console", c.LogFormat))
	}
	return errors.Join(errs...)
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.Addr, file.Addr)
	setString(&cfg.DatabaseURL, file.DatabaseURL)
	setString(&cfg.RedisURL, file.RedisURL)
	setString(&cfg.JWTSecret, file.JWTSecret)
	setString(&cfg.CORSOrigin, file.CORSOrigin)
	setString(&cfg.ReposDir, file.ReposDir)
	setString(&cfg.MeiliURL, file.MeiliURL)
	setString(&cfg.MeiliMasterKey, file.MeiliMasterKey)
	setString(&cfg.LogLevel, file.LogLevel)
	setString(&cfg.LogFormat, file.LogFormat)
	if file.TicketTTLSeconds != nil {
		cfg.TicketTTL = time.Duration(*file.TicketTTLSeconds) * time.Second
	}
	if file.FlushIntervalSeconds != nil {
		cfg.FlushInterval = time.Duration(*file.FlushIntervalSeconds) * time.Second
	}
	if file.SendBuffer != nil {
		cfg.SendBuffer = *file.SendBuffer
	}
	if file.AllowAnonymous != nil {
		cfg.AllowAnonymous = *file.AllowAnonymous
	}
	return nil
}

func setString(dst *string, value *string) {
	if value != nil {
		*dst = *value
	}
}

// getenv returns fallback only when key is unset, so an explicitly empty
// value can switch an optional backend off.
func getenv(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return strings.TrimSpace(value)
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvSeconds(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return time.Duration(parsed) * time.Second
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
