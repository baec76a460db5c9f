package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/charlesng35/sshkit/pkg/validator"
)

// Config is the CLI's runtime configuration.
type Config struct {
	Host     string        `mapstructure:"host" validate:"required"`
	Port     int           `mapstructure:"port" validate:"min=1,max=65535"`
	User     string        `mapstructure:"user" validate:"required"`
	LogLevel string        `mapstructure:"log_level"`
	Auth     AuthConfig    `mapstructure:"auth"`
	Timeout  TimeoutConfig `mapstructure:"timeout"`
}

// AuthConfig holds the credentials tried during Connect. An empty password
// triggers an interactive prompt when no key pair is configured.
type AuthConfig struct {
	Password   string `mapstructure:"password"`
	PrivateKey string `mapstructure:"private_key"`
	PublicKey  string `mapstructure:"public_key"`
}

// TimeoutConfig bounds the CLI's session and transfer operations.
type TimeoutConfig struct {
	Connect   time.Duration `mapstructure:"connect"`
	Operation time.Duration `mapstructure:"operation"`
}

// LoadConfig initialises CLI configuration using Viper with sensible
// defaults. An explicit path overrides the search locations.
func LoadConfig(path string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sshkit")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/sshkit")
	}

	setDefaults(v)

	v.SetEnvPrefix("SSHKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := validator.ValidateStruct(&config); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 22)
	v.SetDefault("log_level", "info")
	v.SetDefault("timeout.connect", "1m")
	v.SetDefault("timeout.operation", "30s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
