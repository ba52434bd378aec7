package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeSettings_Validate(t *testing.T) {
	valid := RuntimeSettings{
		Languages:  []string{"en", "de", "fr"},
		MaxRetries: 4,
		CronExpr:   "*/5 * * * *",
	}
	require.NoError(t, valid.Validate())
	require.NoError(t, RuntimeSettings{}.Validate())

	invalid := valid
	invalid.CronExpr = "bad cron"
	require.Error(t, invalid.Validate())

	invalidLang := valid
	invalidLang.Languages = []string{"en", "not a language"}
	require.Error(t, invalidLang.Validate())

	single := valid
	single.Languages = []string{"en"}
	require.Error(t, single.Validate())

	negative := valid
	negative.MaxRetries = -1
	require.Error(t, negative.Validate())
}

func TestRuntimeSettingsFile_RoundTrip(t *testing.T) {
	tmp := t.TempDir()
	filePath := filepath.Join(tmp, "settings", "runtime.json")
	input := RuntimeSettings{
		Languages:  []string{"tr", "en"},
		MaxRetries: 2,
		CronExpr:   "0 0 * * *",
	}

	require.NoError(t, WriteRuntimeSettingsFile(filePath, input))

	got, err := LoadRuntimeSettingsFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, input, got)

	info, err := os.Stat(filePath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadRuntimeSettingsFile_RejectsInvalidContent(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(filePath, []byte(`{"cron_expr": "whenever"}`), 0o600))

	_, err := LoadRuntimeSettingsFile(filePath)
	assert.Error(t, err)
}

func TestWithRuntimeSettings_OverridesConfig(t *testing.T) {
	t.Setenv("LANGUAGES", "en,de")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("CRON_EXPR", "0 1 * * *")

	override := RuntimeSettings{
		Languages:  []string{"fr", "it", "es"},
		MaxRetries: 2,
		CronExpr:   "*/30 * * * *",
	}

	cfg, err := NewFromEnv(WithRuntimeSettings(override))
	require.NoError(t, err)
	assert.Equal(t, override.Languages, cfg.Pipeline.Languages)
	assert.Equal(t, 2, cfg.Pipeline.MaxRetries)
	assert.Equal(t, override.CronExpr, cfg.Pipeline.CronExpr)
	assert.Equal(t, override, cfg.RuntimeSettings())
}

func TestWithRuntimeSettings_EmptyKeepsEnv(t *testing.T) {
	t.Setenv("LANGUAGES", "en,de")
	t.Setenv("MAX_RETRIES", "5")

	cfg, err := NewFromEnv(WithRuntimeSettings(RuntimeSettings{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"en", "de"}, cfg.Pipeline.Languages)
	assert.Equal(t, 5, cfg.Pipeline.MaxRetries)
}

func TestRuntimeSettingsStore_UpdatePersistsFile(t *testing.T) {
	tmp := t.TempDir()
	filePath := filepath.Join(tmp, "runtime-settings.json")

	store, err := NewRuntimeSettingsStore(filePath, RuntimeSettings{MaxRetries: 3})
	require.NoError(t, err)

	next := RuntimeSettings{
		Languages:  []string{"de", "fr"},
		MaxRetries: 6,
		CronExpr:   "*/10 * * * *",
	}
	got, err := store.UpdateRuntimeSettings(next)
	require.NoError(t, err)
	assert.Equal(t, next, got)

	current, err := store.GetRuntimeSettings()
	require.NoError(t, err)
	assert.Equal(t, next, current)

	loaded, err := LoadRuntimeSettingsFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, next, loaded)

	_, err = store.UpdateRuntimeSettings(RuntimeSettings{CronExpr: "nope"})
	assert.Error(t, err)
	current, _ = store.GetRuntimeSettings()
	assert.Equal(t, next, current, "rejected update leaves settings unchanged")
}
