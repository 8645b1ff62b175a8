// Package dbconfig loads lockdb settings from flags, environment variables,
// .env files and an optional config file.
package dbconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	KeyDataDir         = "data-dir"
	KeyPageSize        = "page-size"
	KeyBufferSize      = "buffer-size"
	KeyLockWaitTimeout = "lock-wait-timeout"
	KeyLogLevel        = "log-level"
	KeyMetricsAddr     = "metrics-addr"
	KeyInMemory        = "in-memory"
	KeyConfigFile      = "config"
)

type Config struct {
	DataDir         string
	PageSize        int
	BufferSize      int
	LockWaitTimeout time.Duration
	LogLevel        slog.Level
	MetricsAddr     string
	InMemory        bool
}

// New returns a viper instance with defaults set, reading LOCKDB_* variables
// from the environment and from .env / .env.local in the working directory.
func New() *viper.Viper {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	v.SetEnvPrefix("lockdb")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyDataDir, filepath.Join(os.Getenv("PWD"), ".dbdata"))
	v.SetDefault(KeyPageSize, 4000)
	v.SetDefault(KeyBufferSize, 100)
	v.SetDefault(KeyLockWaitTimeout, 10*time.Second)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyMetricsAddr, "")
	v.SetDefault(KeyInMemory, false)
	return v
}

// BindFlags makes flags take precedence over every other source.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	return v.BindPFlags(flags)
}

func Load(v *viper.Viper) (Config, error) {
	if file := v.GetString(KeyConfigFile); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString(KeyLogLevel))); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", KeyLogLevel, err)
	}
	conf := Config{
		DataDir:         v.GetString(KeyDataDir),
		PageSize:        v.GetInt(KeyPageSize),
		BufferSize:      v.GetInt(KeyBufferSize),
		LockWaitTimeout: v.GetDuration(KeyLockWaitTimeout),
		LogLevel:        level,
		MetricsAddr:     v.GetString(KeyMetricsAddr),
		InMemory:        v.GetBool(KeyInMemory),
	}
	if conf.PageSize <= 0 {
		return Config{}, fmt.Errorf("%s must be positive, got %d", KeyPageSize, conf.PageSize)
	}
	if conf.BufferSize <= 0 {
		return Config{}, fmt.Errorf("%s must be positive, got %d", KeyBufferSize, conf.BufferSize)
	}
	if conf.LockWaitTimeout < 0 {
		return Config{}, fmt.Errorf("%s must not be negative, got %s", KeyLockWaitTimeout, conf.LockWaitTimeout)
	}
	return conf, nil
}

// SetupLogger installs a text handler at the configured level as the default logger.
func (c Config) SetupLogger() *slog.Logger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.LogLevel}))
	slog.SetDefault(logger)
	return logger
}
