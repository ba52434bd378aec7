package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/MimeLyc/mtforge/internal/catalog"
	"github.com/MimeLyc/mtforge/pkg/log"
)

// Config holds all application configuration.
// Values come from environment variables (optionally a .env file) with
// defaults, then from the settings file when one is configured.
//
// Environment Variables:
// Storage:
// - DATA_DIR: Base directory for state files (default: ./data)
// - MODELS_DIR: Artifact root, one directory per pair (default: <DATA_DIR>/models)
// - LEDGER_PATH: Progress ledger (default: <DATA_DIR>/ledger.json)
// - REPORT_PATH: Run report (default: <DATA_DIR>/report.json)
// - HISTORY_DB: SQLite attempt history, "off" disables it (default: <DATA_DIR>/history.db)
// - LOG_FILE: Log file written next to stdout (default: <DATA_DIR>/pipeline.log)
//
// Pipeline:
// - LANGUAGES: Comma separated language codes (default: tr,en,de,fr,it,pt,es)
// - MAX_RETRIES: Attempts per retryable stage (default: 3)
// - RETRY_BACKOFF: Base backoff between attempts (default: 5s)
// - DOWNLOAD_TIMEOUT, CONVERT_TIMEOUT, OPTIMIZE_TIMEOUT, TEST_TIMEOUT: Per-attempt limits
// - KEEP_SOURCE: Keep downloaded upstream models after success (default: false)
// - CRON_EXPR: Re-run on this schedule instead of exiting (default: empty)
//
// Tools:
// - HF_ENDPOINT: Hugging Face Hub endpoint (default: https://huggingface.co)
// - HF_TOKEN: Hub access token (optional)
// - OPTIMUM_CLI: Exporter/quantizer binary (default: optimum-cli)
// - PYTHON_BIN: Interpreter for the smoke test (default: python3)
//
// System:
// - HTTP_ADDR: Status server address, empty disables it (default: empty)
// - LOG_LEVEL: debug, info, warn or error (default: info)
// - SETTINGS_FILE: JSON settings overriding languages, retries and cron (optional)
type Config struct {
	Storage  StorageConfig  `json:"storage"`
	Pipeline PipelineConfig `json:"pipeline"`
	Tools    ToolsConfig    `json:"tools"`
	HTTP     HTTPConfig     `json:"http"`
	System   SystemConfig   `json:"system"`
}

type StorageConfig struct {
	DataDir    string `json:"data_dir"`
	ModelsDir  string `json:"models_dir"`
	LedgerPath string `json:"ledger_path"`
	ReportPath string `json:"report_path"`
	HistoryDB  string `json:"history_db"`
	LogFile    string `json:"log_file"`
}

// HistoryEnabled reports whether attempts are journaled to SQLite.
func (c StorageConfig) HistoryEnabled() bool {
	return c.HistoryDB != "" && !strings.EqualFold(c.HistoryDB, "off")
}

type PipelineConfig struct {
	Languages       []string      `json:"languages"`
	MaxRetries      int           `json:"max_retries"`
	RetryBackoff    time.Duration `json:"retry_backoff"`
	DownloadTimeout time.Duration `json:"download_timeout"`
	ConvertTimeout  time.Duration `json:"convert_timeout"`
	OptimizeTimeout time.Duration `json:"optimize_timeout"`
	TestTimeout     time.Duration `json:"test_timeout"`
	KeepSource      bool          `json:"keep_source"`
	CronExpr        string        `json:"cron_expr"`
}

type ToolsConfig struct {
	HFEndpoint string `json:"hf_endpoint"`
	HFToken    string `json:"-"`
	OptimumCLI string `json:"optimum_cli"`
	PythonBin  string `json:"python_bin"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
}

type SystemConfig struct {
	LogLevel     string `json:"log_level"`
	SettingsFile string `json:"settings_file"`
}

// Option is a function type for configuring Config
type Option func(*Config)

// New loads .env when present, reads the environment and applies the
// settings file named by SETTINGS_FILE.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var opts []Option
	if path := RuntimeSettingsFilePath(); path != "" {
		settings, err := LoadRuntimeSettingsFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Info("Settings file %s not found, using environment only", path)
		case err != nil:
			return nil, err
		default:
			opts = append(opts, WithRuntimeSettings(settings))
		}
	}
	return NewFromEnv(opts...)
}

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	dataDir := getEnvString("DATA_DIR", "./data")
	config := &Config{
		Storage: StorageConfig{
			DataDir:    dataDir,
			ModelsDir:  getEnvString("MODELS_DIR", filepath.Join(dataDir, "models")),
			LedgerPath: getEnvString("LEDGER_PATH", filepath.Join(dataDir, "ledger.json")),
			ReportPath: getEnvString("REPORT_PATH", filepath.Join(dataDir, "report.json")),
			HistoryDB:  getEnvString("HISTORY_DB", filepath.Join(dataDir, "history.db")),
			LogFile:    getEnvString("LOG_FILE", filepath.Join(dataDir, "pipeline.log")),
		},
		Pipeline: PipelineConfig{
			Languages:       getEnvList("LANGUAGES", catalog.DefaultLanguages),
			MaxRetries:      getEnvInt("MAX_RETRIES", 3),
			RetryBackoff:    getEnvDuration("RETRY_BACKOFF", 5*time.Second),
			DownloadTimeout: getEnvDuration("DOWNLOAD_TIMEOUT", 30*time.Minute),
			ConvertTimeout:  getEnvDuration("CONVERT_TIMEOUT", 30*time.Minute),
			OptimizeTimeout: getEnvDuration("OPTIMIZE_TIMEOUT", 30*time.Minute),
			TestTimeout:     getEnvDuration("TEST_TIMEOUT", 5*time.Minute),
			KeepSource:      getEnvBool("KEEP_SOURCE", false),
			CronExpr:        getEnvString("CRON_EXPR", ""),
		},
		Tools: ToolsConfig{
			HFEndpoint: getEnvString("HF_ENDPOINT", "https://huggingface.co"),
			HFToken:    getEnvString("HF_TOKEN", ""),
			OptimumCLI: getEnvString("OPTIMUM_CLI", "optimum-cli"),
			PythonBin:  getEnvString("PYTHON_BIN", "python3"),
		},
		HTTP: HTTPConfig{
			Addr: getEnvString("HTTP_ADDR", ""),
		},
		System: SystemConfig{
			LogLevel:     getEnvString("LOG_LEVEL", "info"),
			SettingsFile: RuntimeSettingsFilePath(),
		},
	}

	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	log.Debug("Config: %+v", *config)
	return config, nil
}

// Catalog builds the pair catalog from the configured languages.
func (c *Config) Catalog() (*catalog.Catalog, error) {
	return catalog.New(c.Pipeline.Languages...)
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Storage.LedgerPath) == "" {
		return fmt.Errorf("LEDGER_PATH is required")
	}
	if strings.TrimSpace(c.Storage.ModelsDir) == "" {
		return fmt.Errorf("MODELS_DIR is required")
	}
	if c.Pipeline.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1, got %d", c.Pipeline.MaxRetries)
	}
	if c.Pipeline.RetryBackoff < 0 {
		return fmt.Errorf("RETRY_BACKOFF must not be negative")
	}
	if _, err := c.Catalog(); err != nil {
		return fmt.Errorf("invalid LANGUAGES: %w", err)
	}
	if c.Pipeline.CronExpr != "" {
		if err := validateCron(c.Pipeline.CronExpr); err != nil {
			return err
		}
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") and plain seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return append([]string(nil), defaultValue...)
	}
	return splitList(value)
}

func splitList(value string) []string {
	var ret []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ret = append(ret, strings.ToLower(part))
		}
	}
	return ret
}
