package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Store     StoreConfig     `mapstructure:"store"`
	Gmail     GmailConfig     `mapstructure:"gmail"`
	IMAP      IMAPConfig      `mapstructure:"imap"`
	Sheets    SheetsConfig    `mapstructure:"sheets"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Run       RunConfig       `mapstructure:"run"`
	Outreach  OutreachConfig  `mapstructure:"outreach"`
	Redis     RedisConfig     `mapstructure:"redis"`
	AMQP      AMQPConfig      `mapstructure:"amqp"`
	Places    PlacesConfig    `mapstructure:"places"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// StoreConfig selects where lead records live
type StoreConfig struct {
	Backend string `mapstructure:"backend"` // database, sheets, memory
}

// GmailConfig holds Gmail API configuration
type GmailConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RefreshToken string `mapstructure:"refresh_token"`
	UserEmail    string `mapstructure:"user_email"`
	UseIMAP      bool   `mapstructure:"use_imap"`
}

// IMAPConfig holds IMAP mailbox configuration
type IMAPConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	User          string        `mapstructure:"user"`
	Password      string        `mapstructure:"password"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Inbox         string        `mapstructure:"inbox"`
	DraftsMailbox string        `mapstructure:"drafts_mailbox"`
	SentMailbox   string        `mapstructure:"sent_mailbox"`
	Aliases       []string      `mapstructure:"aliases"`
}

// SheetsConfig holds Google Sheets lead store configuration
type SheetsConfig struct {
	SpreadsheetID string `mapstructure:"spreadsheet_id"`
	SheetName     string `mapstructure:"sheet_name"`
}

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	Cron      string `mapstructure:"cron"`
	AutoStart bool   `mapstructure:"auto_start"`
}

// PolicyConfig holds the follow-up cadence
type PolicyConfig struct {
	MaxStep        int    `mapstructure:"max_step"`
	InactivityDays int    `mapstructure:"inactivity_days"`
	Timezone       string `mapstructure:"timezone"`
	StaleDraftDays int    `mapstructure:"stale_draft_days"`
}

// RunConfig bounds a single lifecycle run
type RunConfig struct {
	LeadTimeout time.Duration `mapstructure:"lead_timeout"`
	MaxLeads    int           `mapstructure:"max_leads"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
}

// OutreachConfig holds drafting configuration
type OutreachConfig struct {
	DraftInitial  bool   `mapstructure:"draft_initial"`
	TemplatesFile string `mapstructure:"templates_file"`
	Signature     string `mapstructure:"signature"`
}

// RedisConfig enables the cross-process run lock when Addr is set
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AMQPConfig enables lead transition events when URL is set
type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// PlacesConfig holds the prospect search configuration
type PlacesConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MinRating  float64       `mapstructure:"min_rating"`
	MaxRating  float64       `mapstructure:"max_rating"`
	MinReviews int           `mapstructure:"min_reviews"`
	Keywords   []string      `mapstructure:"keywords"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// LoadConfig loads configuration from .env, environment variables and config file
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("store.backend", "database")

	v.SetDefault("gmail.use_imap", false)

	v.SetDefault("imap.host", "imap.gmail.com")
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.inbox", "INBOX")
	v.SetDefault("imap.drafts_mailbox", "[Gmail]/Drafts")
	v.SetDefault("imap.sent_mailbox", "[Gmail]/Sent Mail")
	v.SetDefault("imap.timeout", "30s")

	v.SetDefault("sheets.sheet_name", "Sheet1")

	v.SetDefault("scheduler.cron", "0 0 9 * * *")
	v.SetDefault("scheduler.auto_start", true)

	v.SetDefault("policy.max_step", 3)
	v.SetDefault("policy.inactivity_days", 3)
	v.SetDefault("policy.timezone", "UTC")
	v.SetDefault("policy.stale_draft_days", 7)

	v.SetDefault("run.lead_timeout", "30s")
	v.SetDefault("run.max_leads", 500)
	v.SetDefault("run.lock_ttl", "30m")

	v.SetDefault("outreach.draft_initial", true)

	v.SetDefault("amqp.exchange", "leads")

	v.SetDefault("places.base_url", "https://maps.googleapis.com/maps/api/place")
	v.SetDefault("places.timeout", "15s")
	v.SetDefault("places.min_rating", 3.5)
	v.SetDefault("places.max_rating", 4.5)
	v.SetDefault("places.min_reviews", 30)

	v.SetDefault("log.level", "info")
}

func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	v.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")

	// Database
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("database.sslmode", "DB_SSLMODE")

	v.BindEnv("store.backend", "STORE_BACKEND")

	// Gmail
	v.BindEnv("gmail.client_id", "GMAIL_CLIENT_ID")
	v.BindEnv("gmail.client_secret", "GMAIL_CLIENT_SECRET")
	v.BindEnv("gmail.refresh_token", "GMAIL_REFRESH_TOKEN")
	v.BindEnv("gmail.user_email", "GMAIL_USER_EMAIL")
	v.BindEnv("gmail.use_imap", "GMAIL_USE_IMAP")

	// IMAP
	v.BindEnv("imap.host", "IMAP_HOST")
	v.BindEnv("imap.port", "IMAP_PORT")
	v.BindEnv("imap.user", "IMAP_USER")
	v.BindEnv("imap.password", "IMAP_PASSWORD")

	v.BindEnv("sheets.spreadsheet_id", "GOOGLE_SHEET_ID")
	v.BindEnv("sheets.sheet_name", "GOOGLE_SHEET_NAME")

	v.BindEnv("scheduler.cron", "SCHEDULER_CRON")
	v.BindEnv("scheduler.auto_start", "SCHEDULER_AUTO_START")

	v.BindEnv("policy.timezone", "POLICY_TIMEZONE")

	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("amqp.url", "AMQP_URL")
	v.BindEnv("places.api_key", "PLACES_API_KEY")
	v.BindEnv("log.level", "LOG_LEVEL")
}

// GetDSN returns the database connection string for the configured driver
func (c *DatabaseConfig) GetDSN() string {
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// Location resolves the policy timezone
func (c *PolicyConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if c.Database.Driver != "mysql" && c.Database.Driver != "postgres" {
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
		return fmt.Errorf("database host, user, and dbname are required")
	}

	switch c.Store.Backend {
	case "database", "memory":
	case "sheets":
		if c.Sheets.SpreadsheetID == "" {
			return fmt.Errorf("sheets spreadsheet id is required for the sheets store")
		}
		if c.Gmail.ClientID == "" || c.Gmail.ClientSecret == "" || c.Gmail.RefreshToken == "" {
			return fmt.Errorf("Google OAuth2 credentials are required for the sheets store")
		}
	default:
		return fmt.Errorf("unsupported store backend %q", c.Store.Backend)
	}

	if !c.Gmail.UseIMAP {
		if c.Gmail.ClientID == "" || c.Gmail.ClientSecret == "" || c.Gmail.RefreshToken == "" {
			return fmt.Errorf("Gmail OAuth2 credentials are required when not using IMAP")
		}
	} else {
		if c.IMAP.User == "" || c.IMAP.Password == "" {
			return fmt.Errorf("IMAP credentials are required when using IMAP")
		}
		if c.IMAP.Timeout <= 0 {
			return fmt.Errorf("IMAP timeout must be greater than 0")
		}
	}

	if _, err := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow).Parse(c.Scheduler.Cron); err != nil {
		return fmt.Errorf("invalid scheduler cron expression: %w", err)
	}

	// lead records only carry steps 0..3
	if c.Policy.MaxStep < 1 || c.Policy.MaxStep > 3 {
		return fmt.Errorf("policy max_step must be between 1 and 3")
	}
	if c.Policy.InactivityDays < 1 {
		return fmt.Errorf("policy inactivity_days must be at least 1")
	}
	if _, err := c.Policy.Location(); err != nil {
		return fmt.Errorf("invalid policy timezone: %w", err)
	}

	if c.Run.LeadTimeout <= 0 {
		return fmt.Errorf("run lead_timeout must be greater than 0")
	}
	if c.Run.MaxLeads <= 0 {
		return fmt.Errorf("run max_leads must be greater than 0")
	}
	// the lock is extended every third of its ttl while a run is in flight
	if c.Run.LockTTL < c.Run.LeadTimeout {
		return fmt.Errorf("run lock_ttl must be at least lead_timeout")
	}

	if c.Places.MinRating > c.Places.MaxRating {
		return fmt.Errorf("places min_rating must not exceed max_rating")
	}

	return nil
}
