// Package config loads the ledger's settings from a YAML file, an optional
// .env file and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config mirrors config.yml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Admin     AdminConfig     `yaml:"admin"`
	Library   LibraryConfig   `yaml:"library"`
	Loans     LoansConfig     `yaml:"loans"`
	Limits    LimitsConfig    `yaml:"limits"`
	Notify    NotifyConfig    `yaml:"notify"`
	Cache     CacheConfig     `yaml:"cache"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AdminConfig identifies the single administrator. When PassphraseHash is
// set the CLI also asks for the passphrase and checks it against this bcrypt
// hash.
type AdminConfig struct {
	User           string `yaml:"user"`
	PassphraseHash string `yaml:"passphrase_hash"`
}

type LibraryConfig struct {
	About         string `yaml:"about"`
	BorrowMessage string `yaml:"borrow_message"`
}

// LoansConfig holds the lending policy: days a fresh loan runs and active
// loans allowed per user.
type LoansConfig struct {
	Period int `yaml:"period"`
	Max    int `yaml:"max"`
}

type LimitsConfig struct {
	Workers           int `yaml:"workers"`
	CommandsPerMinute int `yaml:"commands_per_minute"`
	Burst             int `yaml:"burst"`
}

// NotifyConfig routes events. An empty AMQPURL keeps notifications in the log.
type NotifyConfig struct {
	AMQPURL         string        `yaml:"amqp_url"`
	Queue           string        `yaml:"queue"`
	AdminChannel    string        `yaml:"admin_channel"`
	AnnounceChannel string        `yaml:"announce_channel"`
	PublishTimeout  time.Duration `yaml:"publish_timeout"`
}

// CacheConfig enables the Redis search cache when RedisAddr is set.
type CacheConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
	Prefix        string        `yaml:"prefix"`
}

// TelemetryConfig enables OTLP trace export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `yaml:"otlp_endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the settings used for anything the file leaves out.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Path: "library.db"},
		Library: LibraryConfig{
			About:         "A small lending library.",
			BorrowMessage: "Enjoy your book!",
		},
		Loans:  LoansConfig{Period: 14, Max: 3},
		Limits: LimitsConfig{Workers: 8, CommandsPerMinute: 30, Burst: 5},
		Notify: NotifyConfig{
			Queue:          "library.events",
			PublishTimeout: 5 * time.Second,
		},
		Cache:     CacheConfig{TTL: 30 * time.Second, Prefix: "library"},
		Telemetry: TelemetryConfig{ServiceName: "library-ledger"},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, then .env, then the environment. A
// missing file is not an error; an unreadable or malformed one is. The
// result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	// .env only fills variables the environment does not already set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Database.Path = envStr("LIBRARY_DB", c.Database.Path)
	c.Admin.User = envStr("LIBRARY_ADMIN_USER", c.Admin.User)
	c.Admin.PassphraseHash = envStr("LIBRARY_ADMIN_PASSPHRASE_HASH", c.Admin.PassphraseHash)
	c.Notify.AMQPURL = envStr("RABBITMQ_URL", c.Notify.AMQPURL)
	c.Notify.Queue = envStr("RABBITMQ_QUEUE", c.Notify.Queue)
	c.Cache.RedisAddr = envStr("REDIS_ADDR", c.Cache.RedisAddr)
	c.Cache.RedisPassword = envStr("REDIS_PASSWORD", c.Cache.RedisPassword)
	c.Telemetry.Endpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.Endpoint)
	c.Log.Level = envStr("LOG_LEVEL", c.Log.Level)

	var err error
	if c.Loans.Period, err = envInt("LIBRARY_LOAN_PERIOD", c.Loans.Period); err != nil {
		return err
	}
	if c.Loans.Max, err = envInt("LIBRARY_MAX_LOANS", c.Loans.Max); err != nil {
		return err
	}
	if c.Limits.Workers, err = envInt("LIBRARY_WORKERS", c.Limits.Workers); err != nil {
		return err
	}
	if c.Cache.RedisDB, err = envInt("REDIS_DB", c.Cache.RedisDB); err != nil {
		return err
	}
	if c.Cache.TTL, err = envDur("CACHE_TTL", c.Cache.TTL); err != nil {
		return err
	}
	return nil
}

// Validate checks the settings the ledger cannot run without.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if strings.TrimSpace(c.Admin.User) == "" {
		errs = append(errs, errors.New("admin.user is required"))
	}
	if c.Loans.Period < 1 {
		errs = append(errs, fmt.Errorf("loans.period must be at least 1, got %d", c.Loans.Period))
	}
	if c.Loans.Max < 1 {
		errs = append(errs, fmt.Errorf("loans.max must be at least 1, got %d", c.Loans.Max))
	}
	if c.Limits.Workers < 1 {
		errs = append(errs, fmt.Errorf("limits.workers must be at least 1, got %d", c.Limits.Workers))
	}
	if c.Limits.CommandsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("limits.commands_per_minute must not be negative, got %d", c.Limits.CommandsPerMinute))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func envStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	s := envStr(key, "")
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid int for %s: %q", key, s)
	}
	return n, nil
}

func envDur(key string, def time.Duration) (time.Duration, error) {
	s := envStr(key, "")
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %q", key, s)
	}
	return d, nil
}
