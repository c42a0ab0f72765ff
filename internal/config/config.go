package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// app config, everything is env driven. Provider specific settings live with the provider.
type Config struct {
	Port           string
	AllowedOrigins []string
	Provider       string

	Database DatabaseConfig
	Redis    RedisConfig
	Observer ObserverConfig
	Summary  SummaryConfig
	Sandbox  SandboxConfig
	Reaper   ReaperConfig

	SubmitRequireTestsPass bool
}

type DatabaseConfig struct {
	Host     string
	User     string
	Password string
	Name     string
	Port     string
	SSLMode  string
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type ObserverConfig struct {
	Interval        time.Duration
	CycleTimeout    time.Duration
	HistoryWindow   int
	EventBatchSize  int
	EventCharLimit  int
	MaxOutputTokens int
}

type SummaryConfig struct {
	Timeout         time.Duration
	MaxEvents       int
	MaxOutputTokens int
	WaitInterval    time.Duration
	WaitAttempts    int
}

type SandboxConfig struct {
	Image         string
	WorkspaceRoot string
	ProjectDir    string
	TestTimeout   time.Duration
}

type ReaperConfig struct {
	Enabled         bool
	Schedule        string
	ResumeObservers bool
	BackfillLimit   int
}

// loads configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		Port:           getEnvOrDefault("PORT", "8080"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		Provider:       getEnvOrDefault("AI_PROVIDER", "gemini"),
		Database: DatabaseConfig{
			Host:     getEnvOrDefault("POSTGRES_HOST", "localhost"),
			User:     getEnvOrDefault("POSTGRES_USER", "postgres"),
			Password: getEnvOrDefault("POSTGRES_PASSWORD", "postgres"),
			Name:     getEnvOrDefault("POSTGRES_DB", "postgres"),
			Port:     getEnvOrDefault("POSTGRES_PORT", "5432"),
			SSLMode:  getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Observer: ObserverConfig{
			Interval:        getEnvDuration("OBSERVER_INTERVAL", 30*time.Second),
			CycleTimeout:    getEnvDuration("OBSERVER_CYCLE_TIMEOUT", 90*time.Second),
			HistoryWindow:   getEnvInt("OBSERVER_HISTORY_WINDOW", 10),
			EventBatchSize:  getEnvInt("OBSERVER_EVENT_BATCH", 200),
			EventCharLimit:  getEnvInt("OBSERVER_EVENT_CHAR_LIMIT", 500),
			MaxOutputTokens: getEnvInt("OBSERVER_MAX_OUTPUT_TOKENS", 4096),
		},
		Summary: SummaryConfig{
			Timeout:         getEnvDuration("SUMMARY_TIMEOUT", 2*time.Minute),
			MaxEvents:       getEnvInt("SUMMARY_MAX_EVENTS", 300),
			MaxOutputTokens: getEnvInt("SUMMARY_MAX_OUTPUT_TOKENS", 8192),
			WaitInterval:    getEnvDuration("SUMMARY_WAIT_INTERVAL", 2*time.Second),
			WaitAttempts:    getEnvInt("SUMMARY_WAIT_ATTEMPTS", 15),
		},
		Sandbox: SandboxConfig{
			Image:         getEnvOrDefault("SANDBOX_IMAGE", "node:20-bookworm"),
			WorkspaceRoot: getEnvOrDefault("SANDBOX_WORKSPACE_ROOT", os.TempDir()),
			ProjectDir:    getEnvOrDefault("SANDBOX_PROJECT_DIR", "/home/user/project"),
			TestTimeout:   getEnvDuration("SANDBOX_TEST_TIMEOUT", 30*time.Second),
		},
		Reaper: ReaperConfig{
			Enabled:         getEnvBool("REAPER_ENABLED", true),
			Schedule:        getEnvOrDefault("REAPER_SCHEDULE", "@every 1m"),
			ResumeObservers: getEnvBool("REAPER_RESUME_OBSERVERS", true),
			BackfillLimit:   getEnvInt("REAPER_BACKFILL_LIMIT", 20),
		},
		SubmitRequireTestsPass: getEnvBool("SUBMIT_REQUIRE_TESTS_PASS", false),
	}
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func validateConfig(config *Config) error {
	if config.Provider != "gemini" {
		return errors.New("unsupported AI provider: " + config.Provider + ". Currently supported: gemini")
	}
	// Gemini validation is handled by gemini.NewConfig()
	if config.Observer.Interval <= 0 {
		return errors.New("OBSERVER_INTERVAL must be positive")
	}
	if config.Observer.CycleTimeout <= 0 {
		return errors.New("OBSERVER_CYCLE_TIMEOUT must be positive")
	}
	if config.Observer.HistoryWindow < 0 {
		return errors.New("OBSERVER_HISTORY_WINDOW cannot be negative")
	}
	if config.Observer.EventBatchSize <= 0 {
		return errors.New("OBSERVER_EVENT_BATCH must be positive")
	}
	if config.Summary.Timeout <= 0 {
		return errors.New("SUMMARY_TIMEOUT must be positive")
	}
	if config.Summary.WaitAttempts < 0 {
		return errors.New("SUMMARY_WAIT_ATTEMPTS cannot be negative")
	}
	if !strings.HasPrefix(config.Sandbox.ProjectDir, "/") {
		return errors.New("SANDBOX_PROJECT_DIR must be an absolute path")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
