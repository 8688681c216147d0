package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything tunable at process start. Values come from
// defaults, an optional YAML file and CHAT_* environment overrides,
// in that order of precedence.
type Config struct {
	APIListenAddr string        `mapstructure:"api_listen_addr"`
	WSListenAddr  string        `mapstructure:"ws_listen_addr"`
	LogLevel      string        `mapstructure:"log_level"`
	DefaultRoom   string        `mapstructure:"default_room"`
	ReadLimit     int64         `mapstructure:"read_limit"`
	PingInterval  time.Duration `mapstructure:"ping_interval"`
	PongWait      time.Duration `mapstructure:"pong_wait"`
}

// Load reads configuration, optionally from the file at path. An empty path
// means defaults plus environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("chat")
	v.AutomaticEnv()

	v.SetDefault("api_listen_addr", ":8080")
	v.SetDefault("ws_listen_addr", ":8888")
	v.SetDefault("log_level", "debug")
	v.SetDefault("default_room", "general")
	v.SetDefault("read_limit", 9000)
	v.SetDefault("ping_interval", "5s")
	v.SetDefault("pong_wait", "7s")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("cannot read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}
