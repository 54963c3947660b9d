// Package config loads service settings from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"boletin-digest/stats"

	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone     = "Europe/Madrid"
	defaultFirstRunHour = 12
	configPathEnv       = "BOLETIN_CONFIG"
	databasePathEnv     = "DATABASE_PATH"
	storageBucketEnv    = "STORAGE_BUCKET"
	localStorageEnv     = "LOCAL_STORAGE"
	mailProviderEnv     = "MAIL_PROVIDER"
	mailFromEnv         = "MAIL_FROM"
	brevoAPIKeyEnv      = "BREVO_API_KEY"
	googleCredsEnv      = "GOOGLE_CREDENTIALS_JSON"
	testAddressEnv      = "TEST_ADDRESS"
	portEnv             = "PORT"
	logLevelEnv         = "LOG_LEVEL"
)

// Mail providers.
const (
	ProviderMock  = "mock"
	ProviderGmail = "gmail"
	ProviderBrevo = "brevo"
)

// Everyone in a recipient list matches every user.
const Everyone = "*"

// Config holds every setting the service reads at startup.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Storage     StorageConfig     `yaml:"storage"`
	Mail        MailConfig        `yaml:"mail"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	Collections CollectionsConfig `yaml:"collections"`
	Server      ServerConfig      `yaml:"server"`
	Costs       stats.Rates       `yaml:"costs"`
	LogLevel    string            `yaml:"log_level"`
}

// DatabaseConfig locates the SQLite document store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig selects where reports and the run signal are archived. A
// local path takes precedence over a bucket.
type StorageConfig struct {
	Bucket    string `yaml:"bucket"`
	LocalPath string `yaml:"local_path"`
}

// MailConfig selects and configures the outbound mail provider.
type MailConfig struct {
	Provider          string `yaml:"provider"`
	From              string `yaml:"from"`
	FromName          string `yaml:"from_name"`
	BrevoAPIKey       string `yaml:"brevo_api_key"`
	GoogleCredentials string `yaml:"google_credentials_json"`
	AppURL            string `yaml:"app_url"`
}

// ScheduleConfig defines calendar days and the first-run lookback.
type ScheduleConfig struct {
	location     *time.Location
	FirstRunHour *int   `yaml:"first_run_hour"`
	Timezone     string `yaml:"timezone"`
}

// Location returns the reference timezone.
func (s ScheduleConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, err := time.LoadLocation(defaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Hour returns the hour of yesterday used when no run marker exists.
func (s ScheduleConfig) Hour() int {
	if s.FirstRunHour == nil {
		return defaultFirstRunHour
	}
	return *s.FirstRunHour
}

// DeliveryConfig controls who receives what.
type DeliveryConfig struct {
	TestAddress        string   `yaml:"test_address"`
	FallbackCollection string   `yaml:"fallback_collection"`
	GeneralSection     string   `yaml:"general_section"`
	Recipients         []string `yaml:"recipients"`          // Empty: every stored user
	NoMatchRecipients  []string `yaml:"no_match_recipients"` // Users that get the no-match view; "*" for all
	Operators          []string `yaml:"operators"`
}

// ReceivesNoMatch reports whether addr is configured for the no-match view.
func (d DeliveryConfig) ReceivesNoMatch(addr string) bool {
	return listed(d.NoMatchRecipients, addr)
}

// Includes reports whether addr passes the recipient filter.
func (d DeliveryConfig) Includes(addr string) bool {
	if len(d.Recipients) == 0 {
		return true
	}
	return listed(d.Recipients, addr)
}

func listed(list []string, addr string) bool {
	addr = strings.ToLower(strings.TrimSpace(addr))
	for _, entry := range list {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == Everyone || entry == addr {
			return true
		}
	}
	return false
}

// CollectionsConfig tunes candidate fetching and stats reduction.
type CollectionsConfig struct {
	WarningCollection string   `yaml:"warning_collection"`
	Exclude           []string `yaml:"exclude"`
	Expected          []string `yaml:"expected"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// Load reads YAML configuration (if present) and applies environment overrides.
func Load(logger *slog.Logger) Config {
	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			logger.Warn("Cannot read config file, falling back to defaults", "path", path, "error", err)
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				logger.Warn("Cannot parse config file, falling back to defaults", "path", path, "error", err)
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.bindTimezone(logger)
	return cfg
}

// Validate reports settings the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.Mail.Provider {
	case ProviderMock, ProviderGmail:
	case ProviderBrevo:
		if c.Mail.BrevoAPIKey == "" {
			errs = append(errs, errors.New("brevo provider requires an API key"))
		}
		if c.Mail.From == "" {
			errs = append(errs, errors.New("brevo provider requires a from address"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mail provider %q", c.Mail.Provider))
	}
	if h := c.Schedule.Hour(); h < 0 || h > 23 {
		errs = append(errs, fmt.Errorf("first_run_hour %d out of range", h))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if c.Delivery.FallbackCollection == "" {
		errs = append(errs, errors.New("fallback collection is required"))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databasePathEnv); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(storageBucketEnv); v != "" {
		c.Storage.Bucket = v
	}
	if v := os.Getenv(localStorageEnv); v != "" {
		c.Storage.LocalPath = v
	}
	if v := os.Getenv(mailProviderEnv); v != "" {
		c.Mail.Provider = v
	}
	if v := os.Getenv(mailFromEnv); v != "" {
		c.Mail.From = v
	}
	if v := os.Getenv(brevoAPIKeyEnv); v != "" {
		c.Mail.BrevoAPIKey = v
	}
	if v := os.Getenv(googleCredsEnv); v != "" {
		c.Mail.GoogleCredentials = v
	}
	if v := os.Getenv(testAddressEnv); v != "" {
		c.Delivery.TestAddress = v
	}
	if v := os.Getenv(portEnv); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv(logLevelEnv); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) bindTimezone(logger *slog.Logger) {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		logger.Warn("Unknown timezone, reverting to UTC", "timezone", tz, "error", err)
		loc = time.UTC
	}
	c.Schedule.location = loc
}

func mergeConfig(base, override Config) Config {
	if override.Database.Path != "" {
		base.Database.Path = override.Database.Path
	}

	if override.Storage.Bucket != "" {
		base.Storage.Bucket = override.Storage.Bucket
	}
	if override.Storage.LocalPath != "" {
		base.Storage.LocalPath = override.Storage.LocalPath
	}

	if override.Mail.Provider != "" {
		base.Mail.Provider = override.Mail.Provider
	}
	if override.Mail.From != "" {
		base.Mail.From = override.Mail.From
	}
	if override.Mail.FromName != "" {
		base.Mail.FromName = override.Mail.FromName
	}
	if override.Mail.BrevoAPIKey != "" {
		base.Mail.BrevoAPIKey = override.Mail.BrevoAPIKey
	}
	if override.Mail.GoogleCredentials != "" {
		base.Mail.GoogleCredentials = override.Mail.GoogleCredentials
	}
	if override.Mail.AppURL != "" {
		base.Mail.AppURL = override.Mail.AppURL
	}

	if override.Schedule.Timezone != "" {
		base.Schedule.Timezone = override.Schedule.Timezone
	}
	if override.Schedule.FirstRunHour != nil {
		base.Schedule.FirstRunHour = override.Schedule.FirstRunHour
	}

	if override.Delivery.TestAddress != "" {
		base.Delivery.TestAddress = override.Delivery.TestAddress
	}
	if override.Delivery.FallbackCollection != "" {
		base.Delivery.FallbackCollection = override.Delivery.FallbackCollection
	}
	if override.Delivery.GeneralSection != "" {
		base.Delivery.GeneralSection = override.Delivery.GeneralSection
	}
	if override.Delivery.Recipients != nil {
		base.Delivery.Recipients = override.Delivery.Recipients
	}
	// An explicit empty list switches the no-match view off.
	if override.Delivery.NoMatchRecipients != nil {
		base.Delivery.NoMatchRecipients = override.Delivery.NoMatchRecipients
	}
	if override.Delivery.Operators != nil {
		base.Delivery.Operators = override.Delivery.Operators
	}

	if override.Collections.WarningCollection != "" {
		base.Collections.WarningCollection = override.Collections.WarningCollection
	}
	if override.Collections.Exclude != nil {
		base.Collections.Exclude = override.Collections.Exclude
	}
	if override.Collections.Expected != nil {
		base.Collections.Expected = override.Collections.Expected
	}

	if override.Costs.Input != 0 {
		base.Costs.Input = override.Costs.Input
	}
	if override.Costs.Output != 0 {
		base.Costs.Output = override.Costs.Output
	}
	if override.Costs.FX != 0 {
		base.Costs.FX = override.Costs.FX
	}

	if override.Server.Port != "" {
		base.Server.Port = override.Server.Port
	}
	if override.LogLevel != "" {
		base.LogLevel = override.LogLevel
	}

	return base
}

func defaultConfig() Config {
	return Config{
		Database: DatabaseConfig{Path: "./data/boletin.db"},
		Mail: MailConfig{
			Provider: ProviderMock,
			FromName: "Boletín normativo",
		},
		Schedule: ScheduleConfig{Timezone: defaultTimezone},
		Delivery: DeliveryConfig{
			FallbackCollection: "BOE",
			GeneralSection:     "Disposiciones generales",
			NoMatchRecipients:  []string{Everyone},
		},
		Collections: CollectionsConfig{
			WarningCollection: "DOUE",
			Exclude:           []string{"logs", "metrics", "tmp"},
			Expected:          []string{"BOE", "DOUE"},
		},
		Costs:    stats.Rates{Input: 0.10, Output: 0.40, FX: 0.92},
		Server:   ServerConfig{Port: "8080"},
		LogLevel: "info",
	}
}
