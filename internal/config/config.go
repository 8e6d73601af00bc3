// Package config loads CLI configuration from .env files, a YAML config
// file and FMS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Zephyr271828/foundation-model-stack/internal/hub"
	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// EnvPrefix prefixes every environment variable read through viper.
const EnvPrefix = "FMS"

// Config is the resolved configuration.
type Config struct {
	LogLevel     string       `mapstructure:"log_level"`
	LogFormat    string       `mapstructure:"log_format"`
	VariantsFile string       `mapstructure:"variants_file"`
	Hub          Hub          `mapstructure:"hub"`
	Load         LoadDefaults `mapstructure:"load"`

	// ConfigFile is the file that was read, empty when none was found.
	ConfigFile string `mapstructure:"-"`
}

// Hub configures the hub client.
type Hub struct {
	Endpoint string `mapstructure:"endpoint"`
	Token    string `mapstructure:"token"`
	CacheDir string `mapstructure:"cache_dir"`
}

// LoadDefaults holds defaults for model loading.
type LoadDefaults struct {
	Seed     int64  `mapstructure:"seed"`
	Strict   bool   `mapstructure:"strict"`
	DataType string `mapstructure:"data_type"`
}

// envFiles are loaded in order. Variables already set are not overridden.
var envFiles = []string{".env", ".env.local"}

// Load reads configuration in order of precedence:
//  1. FMS_* environment variables (HF_ENDPOINT, HF_TOKEN for the hub keys)
//  2. .env and .env.local in the working directory
//  3. cfgFile, or .fms.yaml in the home or working directory
//  4. defaults
//
// A missing cfgFile is an error; a missing default config file is not.
func Load(cfgFile string) (*Config, error) {
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "")
	v.SetDefault("log_format", "auto")
	v.SetDefault("variants_file", "")
	v.SetDefault("hub.endpoint", hub.DefaultEndpoint)
	v.SetDefault("hub.token", "")
	v.SetDefault("hub.cache_dir", hub.DefaultCacheDir())
	v.SetDefault("load.seed", 0)
	v.SetDefault("load.strict", false)
	v.SetDefault("load.data_type", "")
	_ = v.BindEnv("hub.endpoint", EnvPrefix+"_HUB_ENDPOINT", hub.EnvEndpoint)
	_ = v.BindEnv("hub.token", EnvPrefix+"_HUB_TOKEN", hub.EnvToken)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigName(".fms")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", cfgFile, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c.ConfigFile = v.ConfigFileUsed()
	if c.Load.DataType != "" {
		if _, err := tensor.ParseDataType(c.Load.DataType); err != nil {
			return nil, fmt.Errorf("config: load.data_type: %w", err)
		}
	}
	return &c, nil
}

// HubOptions returns client options for the configured hub.
func (c *Config) HubOptions() []hub.Option {
	opts := []hub.Option{hub.WithEndpoint(c.Hub.Endpoint), hub.WithCacheDir(c.Hub.CacheDir)}
	if c.Hub.Token != "" {
		opts = append(opts, hub.WithToken(c.Hub.Token))
	}
	return opts
}
