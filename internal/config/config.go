package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultListenAddr    = ":8000"
	defaultDBPath        = "shipwright.db"
	defaultMappingFile   = "repos.json"
	defaultLLMModel      = "gpt-4.1-nano"
	defaultLLMTimeout    = 200 * time.Second
	defaultGitHubAPIURL  = "https://api.github.com"
	defaultGitHubTimeout = 30 * time.Second
	defaultNotifyTimeout = 30 * time.Second
	defaultMaxInFlight   = 8

	envListenAddr        = "SHIPWRIGHT_LISTEN_ADDR"
	envDBPath            = "SHIPWRIGHT_DB_PATH"
	envLogLevel          = "SHIPWRIGHT_LOG_LEVEL"
	envSecret            = "SHIPWRIGHT_SECRET"
	envStoreDriver       = "SHIPWRIGHT_STORE_DRIVER"
	envMappingFile       = "SHIPWRIGHT_MAPPING_FILE"
	envLLMURL            = "SHIPWRIGHT_LLM_URL"
	envLLMAPIKey         = "SHIPWRIGHT_LLM_API_KEY"
	envLLMModel          = "SHIPWRIGHT_LLM_MODEL"
	envLLMTimeout        = "SHIPWRIGHT_LLM_TIMEOUT"
	envGitHubAPIURL      = "SHIPWRIGHT_GITHUB_API_URL"
	envGitHubToken       = "SHIPWRIGHT_GITHUB_TOKEN"
	envGitHubOwner       = "SHIPWRIGHT_GITHUB_OWNER"
	envGitHubTimeout     = "SHIPWRIGHT_GITHUB_TIMEOUT"
	envLicenseHolder     = "SHIPWRIGHT_LICENSE_HOLDER"
	envNotifyTimeout     = "SHIPWRIGHT_NOTIFY_TIMEOUT"
	envNotifyRetries     = "SHIPWRIGHT_NOTIFY_RETRIES"
	envMaxInFlight       = "SHIPWRIGHT_MAX_IN_FLIGHT"
	envUnknownTaskPolicy = "SHIPWRIGHT_UNKNOWN_TASK_POLICY"
)

// Artifact store drivers.
const (
	StoreDriverSQLite = "sqlite"
	StoreDriverFile   = "file"
)

// Policies for a round 2 request whose task has no stored artifact.
const (
	UnknownTaskDrop   = "drop"
	UnknownTaskNotify = "notify"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	Secret string

	StoreDriver string
	MappingFile string

	LLMURL     string
	LLMAPIKey  string
	LLMModel   string
	LLMTimeout time.Duration

	GitHubAPIURL  string
	GitHubToken   string
	GitHubOwner   string
	GitHubTimeout time.Duration
	LicenseHolder string

	NotifyTimeout time.Duration
	NotifyRetries int

	MaxInFlight       int
	UnknownTaskPolicy string
}

// LoadDotEnv loads variables from a .env file without overriding values
// already present in the environment. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:        defaultListenAddr,
		DBPath:            defaultDBPath,
		LogLevel:          slog.LevelInfo,
		StoreDriver:       StoreDriverSQLite,
		MappingFile:       defaultMappingFile,
		LLMModel:          defaultLLMModel,
		LLMTimeout:        defaultLLMTimeout,
		GitHubAPIURL:      defaultGitHubAPIURL,
		GitHubTimeout:     defaultGitHubTimeout,
		NotifyTimeout:     defaultNotifyTimeout,
		MaxInFlight:       defaultMaxInFlight,
		UnknownTaskPolicy: UnknownTaskDrop,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	cfg.Secret = os.Getenv(envSecret)
	if v := os.Getenv(envStoreDriver); v != "" {
		cfg.StoreDriver = strings.ToLower(v)
	}
	if v := os.Getenv(envMappingFile); v != "" {
		cfg.MappingFile = v
	}

	cfg.LLMURL = os.Getenv(envLLMURL)
	cfg.LLMAPIKey = os.Getenv(envLLMAPIKey)
	if v := os.Getenv(envLLMModel); v != "" {
		cfg.LLMModel = v
	}
	cfg.LLMTimeout = parseDuration(os.Getenv(envLLMTimeout), defaultLLMTimeout)

	if v := os.Getenv(envGitHubAPIURL); v != "" {
		cfg.GitHubAPIURL = strings.TrimRight(v, "/")
	}
	cfg.GitHubToken = os.Getenv(envGitHubToken)
	cfg.GitHubOwner = os.Getenv(envGitHubOwner)
	cfg.GitHubTimeout = parseDuration(os.Getenv(envGitHubTimeout), defaultGitHubTimeout)
	cfg.LicenseHolder = os.Getenv(envLicenseHolder)
	if cfg.LicenseHolder == "" {
		cfg.LicenseHolder = cfg.GitHubOwner
	}

	cfg.NotifyTimeout = parseDuration(os.Getenv(envNotifyTimeout), defaultNotifyTimeout)
	cfg.NotifyRetries = parseInt(os.Getenv(envNotifyRetries), 0)
	cfg.MaxInFlight = parseInt(os.Getenv(envMaxInFlight), defaultMaxInFlight)
	if v := os.Getenv(envUnknownTaskPolicy); v != "" {
		cfg.UnknownTaskPolicy = strings.ToLower(v)
	}

	return cfg
}

// Validate reports every missing or invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	required := []struct {
		name, value string
	}{
		{envSecret, c.Secret},
		{envLLMURL, c.LLMURL},
		{envLLMAPIKey, c.LLMAPIKey},
		{envGitHubToken, c.GitHubToken},
		{envGitHubOwner, c.GitHubOwner},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.name))
		}
	}
	if c.StoreDriver != StoreDriverSQLite && c.StoreDriver != StoreDriverFile {
		errs = append(errs, fmt.Errorf("%s must be %q or %q, got %q", envStoreDriver, StoreDriverSQLite, StoreDriverFile, c.StoreDriver))
	}
	if c.UnknownTaskPolicy != UnknownTaskDrop && c.UnknownTaskPolicy != UnknownTaskNotify {
		errs = append(errs, fmt.Errorf("%s must be %q or %q, got %q", envUnknownTaskPolicy, UnknownTaskDrop, UnknownTaskNotify, c.UnknownTaskPolicy))
	}
	if c.MaxInFlight < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1", envMaxInFlight))
	}
	if c.NotifyRetries < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", envNotifyRetries))
	}
	return errors.Join(errs...)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseDuration accepts Go durations ("90s") or a bare number of seconds.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}

func parseInt(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
