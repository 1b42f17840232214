/*
Config package
*/
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config wraps a viper instance fed from a .env file and the process environment.
type Config struct {
	v *viper.Viper

	envFileLoaded bool
}

// New - read .env and ENV variables
func New() (*Config, error) {
	v := viper.New()

	v.SetConfigName(".env")
	v.SetConfigType("dotenv")
	v.AddConfigPath(".") // look for config in the working directory
	v.AutomaticEnv()

	config := &Config{v: v}

	if err := v.ReadInConfig(); err != nil {
		var typeErr viper.ConfigFileNotFoundError
		if !errors.As(err, &typeErr) {
			return nil, err
		}
	} else {
		config.envFileLoaded = true
	}

	return config, nil
}

// EnvFileLoaded reports whether a .env file was found in the working directory.
func (c *Config) EnvFileLoaded() bool {
	return c.envFileLoaded
}

func (c *Config) SetDefault(key string, value any) {
	c.v.SetDefault(key, value)
}

func (c *Config) Set(key string, value any) {
	c.v.Set(key, value)
}

func (c *Config) IsSet(key string) bool {
	return c.v.IsSet(key)
}

func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

func (c *Config) GetStringSlice(key string) []string {
	return c.v.GetStringSlice(key)
}

func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

func (c *Config) GetBool(key string) bool {
	return c.v.GetBool(key)
}

func (c *Config) GetFloat64(key string) float64 {
	return c.v.GetFloat64(key)
}

func (c *Config) GetDuration(key string) time.Duration {
	return c.v.GetDuration(key)
}
