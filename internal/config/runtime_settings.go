package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"golang.org/x/text/language"

	"github.com/MimeLyc/mtforge/internal/catalog"
	"github.com/MimeLyc/mtforge/pkg/file"
)

// RuntimeSettings are the operator-editable knobs kept in SETTINGS_FILE.
// Zero values leave the environment configuration untouched.
type RuntimeSettings struct {
	Languages  []string `json:"languages,omitempty"`
	MaxRetries int      `json:"max_retries,omitempty"`
	CronExpr   string   `json:"cron_expr,omitempty"`
}

func RuntimeSettingsFilePath() string {
	return getEnvString("SETTINGS_FILE", "")
}

func (s RuntimeSettings) Validate() error {
	if len(s.Languages) > 0 {
		for _, code := range s.Languages {
			if _, err := language.Parse(code); err != nil {
				return fmt.Errorf("invalid language %q: %w", code, err)
			}
		}
		if _, err := catalog.New(s.Languages...); err != nil {
			return fmt.Errorf("invalid languages: %w", err)
		}
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if strings.TrimSpace(s.CronExpr) != "" {
		if err := validateCron(s.CronExpr); err != nil {
			return err
		}
	}
	return nil
}

func validateCron(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron_expr: %w", err)
	}
	return nil
}

func (c *Config) RuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		Languages:  append([]string(nil), c.Pipeline.Languages...),
		MaxRetries: c.Pipeline.MaxRetries,
		CronExpr:   c.Pipeline.CronExpr,
	}
}

func WithRuntimeSettings(settings RuntimeSettings) Option {
	return func(c *Config) {
		if len(settings.Languages) > 0 {
			c.Pipeline.Languages = append([]string(nil), settings.Languages...)
		}
		if settings.MaxRetries > 0 {
			c.Pipeline.MaxRetries = settings.MaxRetries
		}
		if strings.TrimSpace(settings.CronExpr) != "" {
			c.Pipeline.CronExpr = settings.CronExpr
		}
	}
}

func LoadRuntimeSettingsFile(path string) (RuntimeSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuntimeSettings{}, err
	}
	var settings RuntimeSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return RuntimeSettings{}, fmt.Errorf("invalid settings file: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return RuntimeSettings{}, fmt.Errorf("invalid settings file: %w", err)
	}
	return settings, nil
}

func WriteRuntimeSettingsFile(path string, settings RuntimeSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	content, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	content = append(content, '\n')
	return file.WriteAtomic(path, content, 0o600)
}

// RuntimeSettingsStore serves and persists the settings file. Updates take
// effect on the next start.
type RuntimeSettingsStore struct {
	path string

	mu      sync.RWMutex
	current RuntimeSettings
}

func NewRuntimeSettingsStore(path string, initial RuntimeSettings) (*RuntimeSettingsStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("settings file path is required")
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &RuntimeSettingsStore{
		path:    path,
		current: initial,
	}, nil
}

func (s *RuntimeSettingsStore) GetRuntimeSettings() (RuntimeSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, nil
}

func (s *RuntimeSettingsStore) UpdateRuntimeSettings(next RuntimeSettings) (RuntimeSettings, error) {
	if err := next.Validate(); err != nil {
		return RuntimeSettings{}, err
	}
	if err := WriteRuntimeSettingsFile(s.path, next); err != nil {
		return RuntimeSettings{}, err
	}

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	return next, nil
}
