// Package config loads the daemon configuration from YAML, a .env file and
// ORBITAL_* environment variables, and writes it back on demand.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "orbital.yaml"

	dbFileExt = ".db"
)

type Database struct {
	// File is the resolved path of the SQLite file.
	File         string
	Name         string
	Table        string
	SaveInterval time.Duration
	EvictAfter   time.Duration
}

type Cooldown struct {
	Tick      time.Duration
	EarnTicks int
}

type Web struct {
	Addr       string
	TLSDomains []string
	CertCache  string
}

type Events struct {
	KafkaBrokers []string
	KafkaTopic   string
}

type Logging struct {
	Level       zapcore.Level
	Development bool
}

// Config is built once at startup and passed by value into constructors.
type Config struct {
	DataDir            string
	Database           Database
	StartMoney         decimal.Decimal
	ConfigSaveInterval time.Duration
	Cooldown           Cooldown
	Web                Web
	Events             Events
	Logging            Logging
}

// JournalDir is where the flush journal keeps its segments.
func (c Config) JournalDir() string {
	return filepath.Join(c.DataDir, "journal")
}

type DatabaseTmp struct {
	Path         string        `yaml:"path" env:"PATH"`
	TableName    string        `yaml:"table-name" env:"TABLE_NAME"`
	SaveInterval int           `yaml:"save-interval" env:"SAVE_INTERVAL"`
	EvictAfter   time.Duration `yaml:"evict-after" env:"EVICT_AFTER"`
}

type CooldownTmp struct {
	Tick      time.Duration `yaml:"tick" env:"TICK"`
	EarnTicks int           `yaml:"earn-ticks" env:"EARN_TICKS"`
}

type WebTmp struct {
	Addr       string   `yaml:"addr" env:"ADDR"`
	TLSDomains []string `yaml:"tls-domains,omitempty" env:"TLS_DOMAINS"`
	CertCache  string   `yaml:"cert-cache,omitempty" env:"CERT_CACHE"`
}

type EventsTmp struct {
	KafkaBrokers []string `yaml:"kafka-brokers,omitempty" env:"KAFKA_BROKERS"`
	KafkaTopic   string   `yaml:"kafka-topic,omitempty" env:"KAFKA_TOPIC"`
}

type LoggingTmp struct {
	Level       string `yaml:"level" env:"LEVEL"`
	Development bool   `yaml:"development" env:"DEVELOPMENT"`
}

// ConfigTmp is the on-disk shape. Minute intervals are plain integers.
type ConfigTmp struct {
	Database           DatabaseTmp `yaml:"database" envPrefix:"DATABASE_"`
	StartMoney         string      `yaml:"start-money" env:"START_MONEY"`
	ConfigSaveInterval int         `yaml:"config-save-interval" env:"CONFIG_SAVE_INTERVAL"`
	DataDir            string      `yaml:"data-dir" env:"DATA_DIR"`
	Cooldown           CooldownTmp `yaml:"cooldown" envPrefix:"COOLDOWN_"`
	Web                WebTmp      `yaml:"web" envPrefix:"WEB_"`
	Events             EventsTmp   `yaml:"events" envPrefix:"EVENTS_"`
	Logging            LoggingTmp  `yaml:"logging" envPrefix:"LOGGING_"`
}

// Defaults returns the configuration used for keys missing from every source.
func Defaults() ConfigTmp {
	return ConfigTmp{
		Database: DatabaseTmp{
			Path:         "ledger",
			SaveInterval: 5,
			EvictAfter:   5 * time.Minute,
		},
		StartMoney:         "0",
		ConfigSaveInterval: 10,
		DataDir:            "./data",
		Cooldown: CooldownTmp{
			Tick:      time.Second,
			EarnTicks: 60,
		},
		Web: WebTmp{
			Addr:      ":8080",
			CertCache: "cert-cache",
		},
		Events: EventsTmp{
			KafkaTopic: "balance_changes",
		},
		Logging: LoggingTmp{
			Level: "info",
		},
	}
}

// LoadDotEnv loads a .env file into the process environment if it exists.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}

	existing := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}

	return errors.Wrap(godotenv.Load(existing...), "load .env")
}

// Load reads path (optional, missing file means defaults), applies ORBITAL_*
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	tmp := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, errors.Wrapf(err, "read config %s", path)
		default:
			if err := yaml.Unmarshal(data, &tmp); err != nil {
				return Config{}, errors.Wrapf(err, "parse config %s", path)
			}
		}
	}

	if err := env.ParseWithOptions(&tmp, env.Options{Prefix: "ORBITAL_"}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	return tmp.Config()
}

// Config validates the raw values and converts them.
func (c ConfigTmp) Config() (Config, error) {
	startMoney, err := decimal.NewFromString(strings.TrimSpace(c.StartMoney))
	if err != nil {
		return Config{}, fmt.Errorf("incorrect 'start-money' param in config (must be a decimal), error: %w", err)
	}
	if c.Database.SaveInterval <= 0 {
		return Config{}, fmt.Errorf("incorrect 'database.save-interval' param in config (minutes, must be positive): %d", c.Database.SaveInterval)
	}
	if c.Database.EvictAfter < 0 {
		return Config{}, fmt.Errorf("incorrect 'database.evict-after' param in config (must not be negative): %s", c.Database.EvictAfter)
	}
	if c.ConfigSaveInterval < 0 {
		return Config{}, fmt.Errorf("incorrect 'config-save-interval' param in config (minutes, must not be negative): %d", c.ConfigSaveInterval)
	}
	if c.Cooldown.Tick <= 0 {
		return Config{}, fmt.Errorf("incorrect 'cooldown.tick' param in config (must be positive): %s", c.Cooldown.Tick)
	}
	if c.Cooldown.EarnTicks < 0 {
		return Config{}, fmt.Errorf("incorrect 'cooldown.earn-ticks' param in config (must not be negative): %d", c.Cooldown.EarnTicks)
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return Config{}, fmt.Errorf("'database.path' param is required")
	}

	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return Config{}, fmt.Errorf("incorrect 'logging.level' param in config, error: %w", err)
	}

	dataDir := c.DataDir
	if dataDir == "" {
		dataDir = "."
	}

	// a missing table name is reported by the store so the daemon can still start degraded
	return Config{
		DataDir: dataDir,
		Database: Database{
			File:         filepath.Join(dataDir, c.Database.Path+dbFileExt),
			Name:         c.Database.Path,
			Table:        strings.TrimSpace(c.Database.TableName),
			SaveInterval: time.Duration(c.Database.SaveInterval) * time.Minute,
			EvictAfter:   c.Database.EvictAfter,
		},
		StartMoney:         startMoney,
		ConfigSaveInterval: time.Duration(c.ConfigSaveInterval) * time.Minute,
		Cooldown: Cooldown{
			Tick:      c.Cooldown.Tick,
			EarnTicks: c.Cooldown.EarnTicks,
		},
		Web: Web{
			Addr:       c.Web.Addr,
			TLSDomains: c.Web.TLSDomains,
			CertCache:  c.Web.CertCache,
		},
		Events: Events{
			KafkaBrokers: c.Events.KafkaBrokers,
			KafkaTopic:   c.Events.KafkaTopic,
		},
		Logging: Logging{
			Level:       level,
			Development: c.Logging.Development,
		},
	}, nil
}

// Tmp converts the configuration back to its on-disk shape.
func (c Config) Tmp() ConfigTmp {
	return ConfigTmp{
		Database: DatabaseTmp{
			Path:         c.Database.Name,
			TableName:    c.Database.Table,
			SaveInterval: int(c.Database.SaveInterval / time.Minute),
			EvictAfter:   c.Database.EvictAfter,
		},
		StartMoney:         c.StartMoney.String(),
		ConfigSaveInterval: int(c.ConfigSaveInterval / time.Minute),
		DataDir:            c.DataDir,
		Cooldown: CooldownTmp{
			Tick:      c.Cooldown.Tick,
			EarnTicks: c.Cooldown.EarnTicks,
		},
		Web: WebTmp{
			Addr:       c.Web.Addr,
			TLSDomains: c.Web.TLSDomains,
			CertCache:  c.Web.CertCache,
		},
		Events: EventsTmp{
			KafkaBrokers: c.Events.KafkaBrokers,
			KafkaTopic:   c.Events.KafkaTopic,
		},
		Logging: LoggingTmp{
			Level:       c.Logging.Level.String(),
			Development: c.Logging.Development,
		},
	}
}

// Save writes cfg to path atomically.
func Save(path string, cfg Config) error {
	return SaveTmp(path, cfg.Tmp())
}

// SaveTmp writes raw values to path atomically.
func SaveTmp(path string, tmp ConfigTmp) error {
	data, err := yaml.Marshal(tmp)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create config dir %s", dir)
	}

	f, err := os.CreateTemp(dir, ".orbital-*.yaml")
	if err != nil {
		return errors.Wrap(err, "create temp config")
	}
	tmpName := f.Name()
	defer os.Remove(tmpName)

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "write temp config")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close temp config")
	}

	return errors.Wrap(os.Rename(tmpName, path), "replace config")
}

// AutoSave writes the current configuration every interval until ctx is done.
// A non-positive interval disables it.
func AutoSave(ctx context.Context, path string, interval time.Duration, current func() Config, l *zap.Logger) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := Save(path, current()); err != nil {
				l.Error("failed to save config", zap.String("path", path), zap.Error(err))
				continue
			}
			l.Debug("config saved", zap.String("path", path))
		}
	}
}

// NewLogger builds the process logger.
func NewLogger(cfg Logging) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(cfg.Level)

	return zcfg.Build()
}
