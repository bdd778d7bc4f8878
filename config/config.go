// Package config loads server settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"
	_ "time/tzdata" // KAIZEN_TIMEZONE must resolve without system zoneinfo

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/warp/kaizen-engine/fiscal"
	"github.com/warp/kaizen-engine/rewards"
	"github.com/warp/kaizen-engine/workflow"
)

// Config is everything the server reads at startup.
type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DBPath      string `env:"DB_PATH" envDefault:"kaizen.db"`
	DatabaseURL string `env:"DATABASE_URL"` // postgres; wins over everything

	// MySQL primary, used when PRIMARY_DB_HOST is set and DATABASE_URL isn't.
	MySQLHost     string `env:"PRIMARY_DB_HOST"`
	MySQLPort     int    `env:"PRIMARY_DB_PORT" envDefault:"3306"`
	MySQLUser     string `env:"PRIMARY_DB_USER"`
	MySQLPassword string `env:"PRIMARY_DB_PASSWORD"`
	MySQLDatabase string `env:"PRIMARY_DB_NAME" envDefault:"kaizen_db"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"` // json | console
	LogFile   string `env:"LOG_FILE"`

	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://localhost:5173"`

	FiscalStartMonth int    `env:"KAIZEN_FISCAL_START_MONTH" envDefault:"10"`
	BaseFiscalYear   int    `env:"KAIZEN_BASE_FISCAL_YEAR" envDefault:"1973"`
	TimeZone         string `env:"KAIZEN_TIMEZONE" envDefault:"Asia/Tokyo"`

	HourlyRate       decimal.Decimal `env:"KAIZEN_HOURLY_RATE" envDefault:"1700"`
	RewardPerPoint   decimal.Decimal `env:"KAIZEN_REWARD_PER_POINT" envDefault:"300"`
	StrictStageOrder bool            `env:"KAIZEN_STRICT_STAGE_ORDER" envDefault:"true"`

	NotifyWebhookURL string        `env:"NOTIFY_WEBHOOK_URL"`
	NotifyTimeout    time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"5s"`
	NotifyNATSURL    string        `env:"NOTIFY_NATS_URL"`
	NotifyNATSPrefix string        `env:"NOTIFY_NATS_SUBJECT_PREFIX" envDefault:"kaizen.stage"`
}

// Load reads envFile (if it exists) into the process environment without
// overriding variables already set, then parses Config. An empty envFile
// means ".env".
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine can't run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.MySQLHost != "" && (c.MySQLUser == "" || c.MySQLPassword == "") {
		return fmt.Errorf("PRIMARY_DB_USER and PRIMARY_DB_PASSWORD are required with PRIMARY_DB_HOST")
	}
	if _, err := c.Calendar(); err != nil {
		return err
	}
	if c.HourlyRate.IsNegative() {
		return fmt.Errorf("KAIZEN_HOURLY_RATE must not be negative")
	}
	if c.RewardPerPoint.IsNegative() {
		return fmt.Errorf("KAIZEN_REWARD_PER_POINT must not be negative")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q (want json or console)", c.LogFormat)
	}
	return nil
}

// Backend names the store the server will open: "postgres", "mysql" or
// "sqlite".
func (c *Config) Backend() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.MySQLHost != "":
		return "mysql"
	default:
		return "sqlite"
	}
}

// Calendar builds the fiscal calendar from the KAIZEN_* settings.
func (c *Config) Calendar() (fiscal.Calendar, error) {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return fiscal.Calendar{}, fmt.Errorf("invalid KAIZEN_TIMEZONE %q: %w", c.TimeZone, err)
	}
	cal := fiscal.Calendar{
		StartMonth: time.Month(c.FiscalStartMonth),
		BaseYear:   c.BaseFiscalYear,
		Location:   loc,
	}
	if err := cal.Validate(); err != nil {
		return fiscal.Calendar{}, err
	}
	return cal, nil
}

// Workflow returns the engine configuration.
func (c *Config) Workflow() (workflow.Config, error) {
	cal, err := c.Calendar()
	if err != nil {
		return workflow.Config{}, err
	}
	wc := workflow.DefaultConfig()
	wc.Calendar = cal
	wc.Rates = rewards.Rates{HourlyRate: c.HourlyRate, RewardPerPoint: c.RewardPerPoint}
	wc.StrictStageOrder = c.StrictStageOrder
	return wc, nil
}
