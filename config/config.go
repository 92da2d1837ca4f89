// Package config loads process configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/oasis-spa/loyalty-engine/loyalty"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Tiers    TierConfig     `yaml:"tiers"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Channels ChannelsConfig `yaml:"channels"`
}

type ServerConfig struct {
	Port        int      `yaml:"port"`
	DBPath      string   `yaml:"db_path"` // "" or ":memory:" runs on the in-memory store
	CORSOrigins []string `yaml:"cors_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

type TierConfig struct {
	Width   string `yaml:"width"`   // overrides the catalog's tier_width when set
	Catalog string `yaml:"catalog"` // path to a catalog file; empty uses the built-in one
}

type DeliveryConfig struct {
	Cooldown       time.Duration `yaml:"cooldown"`
	BatchSize      int           `yaml:"batch_size"`
	Blocking       bool          `yaml:"blocking"`
	DefaultChannel string        `yaml:"default_channel"`
}

type JobsConfig struct {
	Enabled            bool          `yaml:"enabled"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	DeliveryInterval   time.Duration `yaml:"delivery_interval"`
	ReevaluateInterval time.Duration `yaml:"reevaluate_interval"`
	Concurrency        int           `yaml:"concurrency"`
}

type ArchiveConfig struct {
	Provisioned     bool   `yaml:"provisioned"`
	PlaceholderDate string `yaml:"placeholder_date"`
}

type ChannelsConfig struct {
	Resend ResendConfig `yaml:"resend"`
	Twilio TwilioConfig `yaml:"twilio"`
}

type ResendConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	From    string `yaml:"from"`
}

type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	BaseURL    string `yaml:"base_url"`
	From       string `yaml:"from"`
}

// Default returns the configuration used when no file or env is present.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080, DBPath: "./data/loyalty.db", CORSOrigins: []string{"*"}},
		Log:    LogConfig{Level: "info", Format: "json"},
		Tiers:  TierConfig{},
		Delivery: DeliveryConfig{
			Cooldown:       loyalty.DefaultCooldown,
			BatchSize:      20,
			DefaultChannel: string(loyalty.ChannelLog),
		},
		Jobs: JobsConfig{
			Enabled:            true,
			SweepInterval:      time.Hour,
			DeliveryInterval:   5 * time.Minute,
			ReevaluateInterval: 24 * time.Hour,
			Concurrency:        4,
		},
		Archive: ArchiveConfig{Provisioned: true, PlaceholderDate: "1900-01-01"},
		Channels: ChannelsConfig{
			Resend: ResendConfig{BaseURL: "https://api.resend.com", From: "Oasis Spa <rewards@oasis-spa.example>"},
			Twilio: TwilioConfig{BaseURL: "https://api.twilio.com"},
		},
	}
}

// Load reads path (if it exists), applies env overrides and validates.
// An empty path or a missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getInt("LOYALTY_PORT", c.Server.Port)
	c.Server.DBPath = getString("LOYALTY_DB", c.Server.DBPath)
	c.Tiers.Width = getString("LOYALTY_TIER_WIDTH", c.Tiers.Width)
	c.Tiers.Catalog = getString("LOYALTY_CATALOG", c.Tiers.Catalog)
	c.Delivery.Cooldown = getDuration("LOYALTY_COOLDOWN", c.Delivery.Cooldown)
	c.Log.Level = getString("LOYALTY_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getString("LOYALTY_LOG_FORMAT", c.Log.Format)
	c.Channels.Resend.APIKey = getString("RESEND_API_KEY", c.Channels.Resend.APIKey)
	c.Channels.Twilio.AccountSID = getString("TWILIO_ACCOUNT_SID", c.Channels.Twilio.AccountSID)
	c.Channels.Twilio.AuthToken = getString("TWILIO_AUTH_TOKEN", c.Channels.Twilio.AuthToken)
	c.Channels.Twilio.From = getString("TWILIO_FROM", c.Channels.Twilio.From)
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if _, err := c.TierWidth(); err != nil {
		return err
	}
	if _, err := c.PlaceholderDate(); err != nil {
		return err
	}
	if c.Delivery.Cooldown < 0 {
		return fmt.Errorf("delivery.cooldown must not be negative")
	}
	switch loyalty.Channel(c.Delivery.DefaultChannel) {
	case loyalty.ChannelEmail, loyalty.ChannelWhatsApp, loyalty.ChannelLog:
	default:
		return fmt.Errorf("delivery.default_channel %q unknown", c.Delivery.DefaultChannel)
	}
	return nil
}

// TierWidth parses Tiers.Width.
func (c Config) TierWidth() (decimal.Decimal, error) {
	if strings.TrimSpace(c.Tiers.Width) == "" {
		return loyalty.DefaultTierWidth, nil
	}
	w, err := decimal.NewFromString(c.Tiers.Width)
	if err != nil {
		return decimal.Zero, fmt.Errorf("tiers.width %q: %w", c.Tiers.Width, err)
	}
	if !w.IsPositive() {
		return decimal.Zero, fmt.Errorf("tiers.width must be positive, got %s", w)
	}
	return w, nil
}

// PlaceholderDate parses Archive.PlaceholderDate. Empty disables synthetic marking.
func (c Config) PlaceholderDate() (time.Time, error) {
	if c.Archive.PlaceholderDate == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", c.Archive.PlaceholderDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("archive.placeholder_date %q: %w", c.Archive.PlaceholderDate, err)
	}
	return t, nil
}

// LoyaltyDelivery converts the delivery section for the scheduler.
func (c Config) LoyaltyDelivery() loyalty.DeliveryConfig {
	return loyalty.DeliveryConfig{
		Cooldown:       c.Delivery.Cooldown,
		BatchSize:      c.Delivery.BatchSize,
		Blocking:       c.Delivery.Blocking,
		DefaultChannel: loyalty.Channel(c.Delivery.DefaultChannel),
	}
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
