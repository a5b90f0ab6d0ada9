package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode        string        `mapstructure:"mode"`
	Port        int           `mapstructure:"port"`
	DBPath      string        `mapstructure:"db_path"`
	RedisURL    string        `mapstructure:"redis_url"`
	Secret      string        `mapstructure:"secret"`
	Debounce    time.Duration `mapstructure:"debounce"`
	Grace       time.Duration `mapstructure:"grace"`
	ReadLimit   int64         `mapstructure:"read_limit"`
	PongWait    time.Duration `mapstructure:"pong_wait"`
	MessageRate int           `mapstructure:"message_rate"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("db_path", "./data/inkfold.db")
	v.SetDefault("redis_url", "")
	v.SetDefault("debounce", "2s")
	v.SetDefault("grace", "30s")
	v.SetDefault("read_limit", 1048576)
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("message_rate", 200)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | DB: %s\n", cfg.Mode, cfg.Port, cfg.DBPath)
	return &cfg, nil
}
