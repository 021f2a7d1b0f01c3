package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config - структура для хранения конфигураций приложения
type Config struct {
	ServerAddress         string        `mapstructure:"SERVER_ADDRESS"`
	StoreType             string        `mapstructure:"STORE_TYPE"`
	PostgresConn          string        `mapstructure:"POSTGRES_CONN"`
	MigrationsEnabled     bool          `mapstructure:"MIGRATIONS_ENABLED"`
	JWTSecret             string        `mapstructure:"JWT_SECRET"`
	PaymentWebhookSecret  string        `mapstructure:"PAYMENT_WEBHOOK_SECRET"`
	NotifyWebhookURL      string        `mapstructure:"NOTIFY_WEBHOOK_URL"`
	WarrantySweepInterval time.Duration `mapstructure:"WARRANTY_SWEEP_INTERVAL"`
	LogLevel              string        `mapstructure:"LOG_LEVEL"`
}

var keys = []string{
	"SERVER_ADDRESS",
	"STORE_TYPE",
	"POSTGRES_CONN",
	"MIGRATIONS_ENABLED",
	"JWT_SECRET",
	"PAYMENT_WEBHOOK_SECRET",
	"NOTIFY_WEBHOOK_URL",
	"WARRANTY_SWEEP_INTERVAL",
	"LOG_LEVEL",
}

// LoadConfig загружает конфигурацию из app.env в каталоге path и переменных окружения.
// Файл необязателен; переменные окружения имеют приоритет.
func LoadConfig(path string) (cfg Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("app")
	v.SetConfigType("env")

	v.SetDefault("SERVER_ADDRESS", "0.0.0.0:8080")
	v.SetDefault("STORE_TYPE", "postgres")
	v.SetDefault("MIGRATIONS_ENABLED", true)
	v.SetDefault("WARRANTY_SWEEP_INTERVAL", time.Hour)
	v.SetDefault("LOG_LEVEL", "info")

	v.AutomaticEnv()
	// Unmarshal видит переменные окружения только для известных ключей
	for _, key := range keys {
		if err = v.BindEnv(key); err != nil {
			return
		}
	}

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return
		}
		err = nil
	}
	if err = v.Unmarshal(&cfg); err != nil {
		return
	}
	err = cfg.validate()
	return
}

func (c Config) validate() error {
	switch c.StoreType {
	case "memory":
	case "postgres":
		if c.PostgresConn == "" {
			return errors.New("POSTGRES_CONN is required for postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_TYPE %q", c.StoreType)
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.WarrantySweepInterval <= 0 {
		return errors.New("WARRANTY_SWEEP_INTERVAL must be positive")
	}
	return nil
}

// SlogLevel переводит LOG_LEVEL в уровень slog; неизвестные значения дают INFO
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
