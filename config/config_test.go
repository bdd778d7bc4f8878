package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func missingEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "none.env")
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(missingEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "kaizen.db", cfg.DBPath)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, 10, cfg.FiscalStartMonth)
	assert.Equal(t, 1973, cfg.BaseFiscalYear)
	assert.True(t, cfg.HourlyRate.Equal(decimal.NewFromInt(1700)))
	assert.True(t, cfg.RewardPerPoint.Equal(decimal.NewFromInt(300)))
	assert.True(t, cfg.StrictStageOrder)
	assert.Equal(t, 5*time.Second, cfg.NotifyTimeout)
	assert.Len(t, cfg.CORSOrigins, 2)
	assert.Equal(t, 3306, cfg.MySQLPort)
	assert.Equal(t, "kaizen_db", cfg.MySQLDatabase)
	assert.Equal(t, "sqlite", cfg.Backend())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("KAIZEN_FISCAL_START_MONTH", "4")
	t.Setenv("KAIZEN_HOURLY_RATE", "2000.5")
	t.Setenv("KAIZEN_STRICT_STAGE_ORDER", "false")
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load(missingEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 4, cfg.FiscalStartMonth)
	assert.True(t, cfg.HourlyRate.Equal(decimal.RequireFromString("2000.5")))
	assert.False(t, cfg.StrictStageOrder)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)

	wc, err := cfg.Workflow()
	require.NoError(t, err)
	assert.Equal(t, time.April, wc.Calendar.StartMonth)
	assert.False(t, wc.StrictStageOrder)
	assert.True(t, wc.Rates.HourlyRate.Equal(decimal.RequireFromString("2000.5")))
	assert.True(t, wc.Rates.RewardPerPoint.Equal(decimal.NewFromInt(300)))
}

func TestLoad_DotEnvFile(t *testing.T) {
	// GIVEN a .env file and one variable already in the environment
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("KAIZEN_BASE_FISCAL_YEAR=2000\nKAIZEN_REWARD_PER_POINT=500\n"), 0o600))
	t.Setenv("KAIZEN_REWARD_PER_POINT", "100")
	t.Cleanup(func() { os.Unsetenv("KAIZEN_BASE_FISCAL_YEAR") })

	// WHEN loading
	cfg, err := Load(path)
	require.NoError(t, err)

	// THEN the file fills gaps but doesn't override
	assert.Equal(t, 2000, cfg.BaseFiscalYear)
	assert.True(t, cfg.RewardPerPoint.Equal(decimal.NewFromInt(100)))
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"month out of range", "KAIZEN_FISCAL_START_MONTH", "13"},
		{"negative rate", "KAIZEN_HOURLY_RATE", "-1"},
		{"bad port", "PORT", "0"},
		{"bad log format", "LOG_FORMAT", "xml"},
		{"unknown zone", "KAIZEN_TIMEZONE", "Mars/Olympus"},
		{"not a number", "KAIZEN_REWARD_PER_POINT", "lots"},
		{"mysql host without credentials", "PRIMARY_DB_HOST", "db.internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load(missingEnvFile(t))
			assert.Error(t, err)
		})
	}
}

func TestBackend(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"default", nil, "sqlite"},
		{"mysql primary", map[string]string{
			"PRIMARY_DB_HOST": "db.internal", "PRIMARY_DB_USER": "kaizen", "PRIMARY_DB_PASSWORD": "secret",
		}, "mysql"},
		{"postgres wins", map[string]string{
			"DATABASE_URL":    "postgres://kaizen@localhost/kaizen",
			"PRIMARY_DB_HOST": "db.internal", "PRIMARY_DB_USER": "kaizen", "PRIMARY_DB_PASSWORD": "secret",
		}, "postgres"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Load(missingEnvFile(t))
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Backend())
		})
	}
}

func TestCalendar_UsesTimeZone(t *testing.T) {
	cfg, err := Load(missingEnvFile(t))
	require.NoError(t, err)

	cal, err := cfg.Calendar()
	require.NoError(t, err)

	// 2024-09-30 16:00 UTC is already October 1st in Tokyo.
	ts := time.Date(2024, time.September, 30, 16, 0, 0, 0, time.UTC)
	assert.Equal(t, 51, cal.Term(ts))
	assert.Equal(t, 1, cal.Quarter(ts))
}
