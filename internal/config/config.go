package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/example/teetime-scheduler/internal/booking"
	"github.com/example/teetime-scheduler/internal/challenge"
	"github.com/example/teetime-scheduler/internal/reservation"
)

const DefaultPath = "configs/teesched.yaml"

type Tier struct {
	Name      string   `yaml:"name" validate:"required"`
	Resources []string `yaml:"resources" validate:"required,min=1,dive,required"`
	Required  int      `yaml:"required" validate:"gte=1"`
}

func (t Tier) ResourceTier() reservation.ResourceTier {
	return reservation.ResourceTier{Name: t.Name, Resources: t.Resources, Required: t.Required}
}

type Schedule struct {
	// OpensAt is the daily opening instant, HH:MM[:SS] in Timezone.
	OpensAt         string        `yaml:"opens_at" validate:"required"`
	DaysOut         int           `yaml:"days_out" validate:"gte=0,lte=30"`
	Prestage        time.Duration `yaml:"prestage"`
	Tolerance       time.Duration `yaml:"tolerance"`
	Daily           bool          `yaml:"daily"`
	GapScanInterval time.Duration `yaml:"gap_scan_interval"`
	GapScanDays     int           `yaml:"gap_scan_days" validate:"gte=1,lte=14"`
	LockTTL         time.Duration `yaml:"lock_ttl"`
}

type Window struct {
	Start string `yaml:"start" validate:"required"`
	End   string `yaml:"end" validate:"required"`
}

type Config struct {
	ListenAddr     string `yaml:"listen_addr"`
	BaseURL        string `yaml:"base_url"`
	DatabaseURL    string `yaml:"database_url"`
	RedisAddr      string `yaml:"redis_addr"`
	CookieHashKey  []byte `yaml:"-"`
	CookieBlockKey []byte `yaml:"-"`

	Timezone string         `yaml:"timezone" validate:"required"`
	Location *time.Location `yaml:"-" validate:"-"`

	Site      booking.Config   `yaml:"site"`
	Challenge challenge.Config `yaml:"challenge"`
	Surface   struct {
		SidecarURL string        `yaml:"sidecar_url" validate:"required,url"`
		Timeout    time.Duration `yaml:"timeout"`
	} `yaml:"surface"`

	Schedule Schedule `yaml:"schedule"`
	Window   Window   `yaml:"window"`
	Tiers    struct {
		Primary Tier `yaml:"primary"`
		Backup  Tier `yaml:"backup"`
	} `yaml:"tiers"`

	Notify struct {
		TelegramToken  string `yaml:"-"`
		TelegramChatID int64  `yaml:"telegram_chat_id"`
	} `yaml:"notify"`

	LogLevel  string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogPretty bool   `yaml:"log_pretty"`
}

// Load reads the YAML file at path (DefaultPath when empty), applies the
// environment overrides and validates the result. A .env file in the working
// directory is loaded first when present.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		path = getenv("TEESCHED_CONFIG", DefaultPath)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

// Parse builds a Config from YAML bytes and the environment.
func Parse(data []byte) (Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	cfg := Config{}
	cfg.ListenAddr = ":8080"
	cfg.BaseURL = "http://localhost:8080"
	cfg.Timezone = "America/Toronto"
	cfg.Schedule = Schedule{
		OpensAt:         "06:30:00",
		DaysOut:         5,
		Prestage:        5 * time.Minute,
		Tolerance:       50 * time.Millisecond,
		Daily:           true,
		GapScanInterval: 30 * time.Minute,
		GapScanDays:     5,
		LockTTL:         15 * time.Minute,
	}
	cfg.Window = Window{Start: "07:00", End: "11:00"}
	cfg.Challenge = challenge.DefaultConfig()
	cfg.Surface.Timeout = 15 * time.Second
	cfg.LogLevel = "info"

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.ListenAddr = getenv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.BaseURL = getenv("BASE_URL", cfg.BaseURL)
	cfg.DatabaseURL = getenv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisAddr = getenv("REDIS_ADDR", cfg.RedisAddr)
	cfg.Surface.SidecarURL = getenv("SIDECAR_URL", cfg.Surface.SidecarURL)
	cfg.Site.Username = os.Getenv("SITE_USERNAME")
	cfg.Site.Password = os.Getenv("SITE_PASSWORD")
	cfg.Notify.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.Notify.TelegramChatID = id
	}

	var err error
	if cfg.CookieHashKey, err = decodeKey(os.Getenv("COOKIE_HASH_KEY")); err != nil {
		return Config{}, fmt.Errorf("COOKIE_HASH_KEY: %w", err)
	}
	if cfg.CookieBlockKey, err = decodeKey(os.Getenv("COOKIE_BLOCK_KEY")); err != nil {
		return Config{}, fmt.Errorf("COOKIE_BLOCK_KEY: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("invalid config: timezone: %w", err)
	}
	c.Location = loc
	if _, err := c.OpensAt(); err != nil {
		return fmt.Errorf("invalid config: schedule.opens_at: %w", err)
	}
	if _, err := c.TargetWindow(); err != nil {
		return fmt.Errorf("invalid config: window: %w", err)
	}
	for _, t := range []reservation.ResourceTier{c.Primary(), c.Backup()} {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	return nil
}

// RequireSecrets checks the values only the long-running server needs.
func (c Config) RequireSecrets() error {
	var missing []string
	if c.Site.Username == "" || c.Site.Password == "" {
		missing = append(missing, "SITE_USERNAME/SITE_PASSWORD")
	}
	if len(c.CookieHashKey) == 0 || len(c.CookieBlockKey) == 0 {
		missing = append(missing, "COOKIE_HASH_KEY/COOKIE_BLOCK_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c Config) OpensAt() (reservation.TimeOfDay, error) {
	return reservation.ParseTimeOfDay(c.Schedule.OpensAt)
}

func (c Config) TargetWindow() (reservation.TargetWindow, error) {
	return reservation.NewTargetWindow(c.Window.Start, c.Window.End, c.Location)
}

func (c Config) Primary() reservation.ResourceTier { return c.Tiers.Primary.ResourceTier() }

func (c Config) Backup() reservation.ResourceTier { return c.Tiers.Backup.ResourceTier() }

// decodeKey accepts base64 or a path to a file holding base64, so keys can
// come from mounted secrets.
func decodeKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if b, err := os.ReadFile(s); err == nil {
		s = string(b)
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
