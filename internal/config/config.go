// Package config loads the cdpmux configuration from YAML with environment
// variable expansion.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
		// AuthToken protects non-loopback access. Generated at startup when
		// empty.
		AuthToken string `yaml:"auth_token"`
	} `yaml:"server"`

	Proxy struct {
		// CommandTimeout bounds forwarded commands, e.g. "30s".
		CommandTimeout time.Duration `yaml:"command_timeout"`
	} `yaml:"proxy"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func Default() Config {
	var c Config
	c.Server.Host = "127.0.0.1"
	c.Server.Port = 9221
	c.Proxy.CommandTimeout = 30 * time.Second
	c.Log.Level = "info"
	c.Log.Format = "text"
	return c
}

// Load reads a config file. A missing path yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses YAML config with ${VAR} environment expansion.
func LoadFromBytes(data []byte) (Config, error) {
	c := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}
