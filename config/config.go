package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   Server   `mapstructure:"server"`
	DB       DB       `mapstructure:"db"`
	Auth     Auth     `mapstructure:"auth"`
	Provider Provider `mapstructure:"provider"`
	Logger   Logger   `mapstructure:"logger"`
}

type Server struct {
	TCPPort      int `mapstructure:"tcp_port"`
	HTTPPort     int `mapstructure:"http_port"`
	ReadTimeout  int `mapstructure:"read_timeout"`  // seconds
	WriteTimeout int `mapstructure:"write_timeout"` // seconds
}

type DB struct {
	Path string `mapstructure:"path"`
}

type Auth struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	TokenTTL  int    `mapstructure:"token_ttl"` // hours
}

type Provider struct {
	URL     string `mapstructure:"url"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
	Timeout int    `mapstructure:"timeout"` // seconds
}

type Logger struct {
	Development bool `mapstructure:"development"`
}

// Load reads config/convo.yaml if present and applies CONVO_* environment
// overrides (CONVO_SERVER_TCP_PORT and so on). Missing file is fine, the
// defaults describe a usable single-node setup.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("convo")
	v.SetConfigType("yaml")
	v.AddConfigPath("config")
	v.AddConfigPath(".")

	v.SetDefault("server.tcp_port", 3215)
	v.SetDefault("server.http_port", 8215)
	v.SetDefault("server.read_timeout", 120)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("db.path", "convo.db")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 72)
	v.SetDefault("provider.url", "http://localhost:8080/complete")
	v.SetDefault("provider.model", "default")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.timeout", 20)
	v.SetDefault("logger.development", false)

	v.SetEnvPrefix("CONVO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s Server) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s Server) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

func (p Provider) TimeoutDuration() time.Duration {
	return time.Duration(p.Timeout) * time.Second
}
