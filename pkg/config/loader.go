// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultWebsocketURL = "wss://app-ws.homewizard.com:443/ws"
	DefaultAuthURL      = "https://api.homewizardeasyonline.com/v1/auth/account/token"
	DefaultDevicesURL   = "https://api.homewizardeasyonline.com/v1/auth/devices"

	DefaultResubscribeInterval = 60 * time.Second
)

// Environment overrides.
const (
	EnvConfigPath = "CONFIG_PATH"
	EnvEmail      = "HOMEWIZARD_EMAIL"
	EnvPassword   = "HOMEWIZARD_PASSWORD"
	EnvLogLevel   = "LOG_LEVEL"
)

type Config struct {
	Account     AccountConfig      `yaml:"account"`
	Backend     BackendConfig      `yaml:"backend"`
	Logging     LoggingConfig      `yaml:"logging"`
	Discovery   DiscoveryConfig    `yaml:"discovery"`
	Entrypoints []EntrypointConfig `yaml:"entrypoints"`
	Sinks       []SinkConfig       `yaml:"sinks"`
}

type AccountConfig struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

type BackendConfig struct {
	WebsocketURL  string `yaml:"websocket_url"`
	AuthURL       string `yaml:"auth_url"`
	DevicesURL    string `yaml:"devices_url"`
	ClientVersion string `yaml:"client_version"`
	ClientOS      string `yaml:"client_os"`
	ClientSource  string `yaml:"client_source"`
	Compatibility int    `yaml:"compatibility"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Frames bool   `yaml:"frames"`
}

type DiscoveryConfig struct {
	// Interval between device list refreshes. Zero disables refreshing.
	Interval            time.Duration `yaml:"interval"`
	ResubscribeInterval time.Duration `yaml:"resubscribe_interval"`
}

type EntrypointConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	Port int    `yaml:"port"`
}

type SinkConfig struct {
	Name   string            `yaml:"name"`
	Type   string            `yaml:"type"`
	Config map[string]string `yaml:"config"`
}

// Load reads the YAML file at path, applies environment overrides and fills
// in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadDotEnv loads environment variables from path. Missing files are ignored.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvEmail); v != "" {
		c.Account.Email = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		c.Account.Password = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) applyDefaults() {
	if c.Backend.WebsocketURL == "" {
		c.Backend.WebsocketURL = DefaultWebsocketURL
	}
	if c.Backend.AuthURL == "" {
		c.Backend.AuthURL = DefaultAuthURL
	}
	if c.Backend.DevicesURL == "" {
		c.Backend.DevicesURL = DefaultDevicesURL
	}
	if c.Backend.ClientVersion == "" {
		c.Backend.ClientVersion = "2.4.0"
	}
	if c.Backend.ClientOS == "" {
		c.Backend.ClientOS = "ios"
	}
	if c.Backend.ClientSource == "" {
		c.Backend.ClientSource = "climate"
	}
	if c.Backend.Compatibility == 0 {
		c.Backend.Compatibility = 3
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Discovery.ResubscribeInterval <= 0 {
		c.Discovery.ResubscribeInterval = DefaultResubscribeInterval
	}
}

// Validate reports settings the bridge cannot start without.
func (c *Config) Validate() error {
	if c.Account.Email == "" || c.Account.Password == "" {
		return fmt.Errorf("account email and password are required (set %s and %s)", EnvEmail, EnvPassword)
	}
	seen := make(map[string]bool)
	for _, e := range c.Entrypoints {
		if e.Name == "" || seen[e.Name] {
			return fmt.Errorf("entrypoint name %q is empty or duplicated", e.Name)
		}
		seen[e.Name] = true
	}
	for _, s := range c.Sinks {
		if s.Name == "" || seen[s.Name] {
			return fmt.Errorf("sink name %q is empty or duplicated", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}
