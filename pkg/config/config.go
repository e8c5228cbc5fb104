// Package config loads server settings from flags, environment and an
// optional YAML file through viper.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/go-go-golems/parlor/pkg/logging"
	"github.com/go-go-golems/parlor/pkg/provider"
	"github.com/go-go-golems/parlor/pkg/redisstream"
)

const EnvPrefix = "PARLOR"

type WSSettings struct {
	SendBuffer      int           `mapstructure:"send-buffer"`
	WriteTimeout    time.Duration `mapstructure:"write-timeout"`
	ReadLimit       int64         `mapstructure:"read-limit"`
	EventsPerSecond float64       `mapstructure:"events-per-second"`
	Burst           int           `mapstructure:"burst"`
}

type StoreSettings struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`

	// MemoryCap caps each conversation's history in the memory driver.
	// 0 keeps everything.
	MemoryCap int `mapstructure:"memory-cap"`
}

type UsageSettings struct {
	Driver       string        `mapstructure:"driver"`
	MessageLimit int64         `mapstructure:"message-limit"`
	Window       time.Duration `mapstructure:"window"`
}

type CORSSettings struct {
	AllowedOrigins []string `mapstructure:"allowed-origins"`
}

type Settings struct {
	Addr    string           `mapstructure:"addr"`
	Logging logging.Settings `mapstructure:",squash"`

	TypingTimeout     time.Duration `mapstructure:"typing-timeout"`
	StreamIdleTimeout time.Duration `mapstructure:"stream-idle-timeout"`
	PersistTimeout    time.Duration `mapstructure:"persist-timeout"`
	UsageTimeout      time.Duration `mapstructure:"usage-timeout"`

	WS       WSSettings           `mapstructure:"ws"`
	Store    StoreSettings        `mapstructure:"store"`
	Usage    UsageSettings        `mapstructure:"usage"`
	Redis    redisstream.Settings `mapstructure:"redis"`
	Provider provider.Settings    `mapstructure:"provider"`
	CORS     CORSSettings         `mapstructure:"cors"`
}

// Defaults registers every default on v.
func Defaults(v *viper.Viper) {
	rd := redisstream.DefaultSettings()
	defaults := map[string]any{
		"addr":                 ":8080",
		"log-level":            "info",
		"log-format":           "console",
		"typing-timeout":       5 * time.Second,
		"stream-idle-timeout":  30 * time.Second,
		"persist-timeout":      5 * time.Second,
		"usage-timeout":        5 * time.Second,
		"ws.send-buffer":       64,
		"ws.write-timeout":     10 * time.Second,
		"ws.read-limit":        int64(64 * 1024),
		"ws.events-per-second": 20.0,
		"ws.burst":             40,
		"store.driver":         "sqlite",
		"store.path":           "parlor.db",
		"store.memory-cap":     0,
		"usage.driver":         "memory",
		"usage.message-limit":  int64(0),
		"usage.window":         24 * time.Hour,
		"redis.enabled":        rd.Enabled,
		"redis.addr":           rd.Addr,
		"redis.group":          rd.Group,
		"redis.consumer":       rd.Consumer,
		"provider.kind":        "echo",
		"provider.model":       "",
		"provider.api-key":     "",
		"provider.base-url":    "",
		"provider.script":      "",
		"provider.chunk-delay": 50 * time.Millisecond,
		"cors.allowed-origins": []string{"*"},
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// NewViper returns a viper instance with defaults and PARLOR_* environment
// binding ("ws.send-buffer" reads PARLOR_WS_SEND_BUFFER).
func NewViper() *viper.Viper {
	v := viper.New()
	Defaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file and decodes settings.
func Load(v *viper.Viper, configFile string) (Settings, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, errors.Wrapf(err, "read config %s", configFile)
		}
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "decode settings")
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	if strings.TrimSpace(s.Addr) == "" {
		return errors.New("addr is empty")
	}
	if s.TypingTimeout <= 0 {
		return errors.New("typing-timeout must be positive")
	}
	if s.StreamIdleTimeout <= 0 {
		return errors.New("stream-idle-timeout must be positive")
	}
	if s.WS.SendBuffer <= 0 {
		return errors.New("ws.send-buffer must be positive")
	}
	switch s.Store.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(s.Store.Path) == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	default:
		return errors.Errorf("unknown store.driver %q", s.Store.Driver)
	}
	if s.Store.MemoryCap < 0 {
		return errors.New("store.memory-cap must not be negative")
	}
	switch s.Usage.Driver {
	case "none", "memory":
	case "redis":
		if strings.TrimSpace(s.Redis.Addr) == "" {
			return errors.New("redis.addr is required for the redis usage driver")
		}
	default:
		return errors.Errorf("unknown usage.driver %q", s.Usage.Driver)
	}
	if s.Usage.MessageLimit < 0 {
		return errors.New("usage.message-limit must not be negative")
	}
	if s.Redis.Enabled && (s.Redis.Group == "" || s.Redis.Consumer == "") {
		return errors.New("redis.group and redis.consumer are required when redis is enabled")
	}
	return nil
}
