// Copyright 2025 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the proxy configuration from a YAML file.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
)

// Defaults applied by [Parse] when the file omits the corresponding field.
const (
	DefaultHost              = "0.0.0.0"
	DefaultMaxHeaderBytes    = 64 * 1024
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultDialTimeout       = 30 * time.Second
)

// ServerConfig holds the listener and per-connection settings.
type ServerConfig struct {
	// Host is the address to bind to. Defaults to [DefaultHost].
	Host string `yaml:"host"`
	// Port is the TCP port to listen on. The PORT environment variable, when
	// set, takes precedence.
	Port uint16 `yaml:"port"`
	// MaxConnections caps concurrently served client connections. Zero means
	// no cap.
	MaxConnections int `yaml:"max_connections,omitempty"`
	// ReadHeaderTimeout bounds the wait for a complete request head. Zero
	// disables the timeout.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout,omitempty"`
	// DialTimeout bounds the establishment of upstream connections.
	DialTimeout time.Duration `yaml:"dial_timeout,omitempty"`
	// TunnelIdleTimeout closes CONNECT tunnels that moved no bytes in either
	// direction for the given duration. Zero keeps tunnels open indefinitely.
	TunnelIdleTimeout time.Duration `yaml:"tunnel_idle_timeout,omitempty"`
	// MaxHeaderBytes caps the size of a request head.
	MaxHeaderBytes int `yaml:"max_header_bytes,omitempty"`
}

// Address returns the host:port the server should listen on.
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

// Config is the root of the proxy configuration file.
type Config struct {
	Server ServerConfig `yaml:"server"`
	// Tokens maps a label, used only for logging, to the shared secret clients
	// must present. An empty map rejects every proxied request.
	Tokens map[string]string `yaml:"tokens"`
}

// Load reads the configuration file at path. The PORT environment variable,
// when set, overrides the configured server port.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid config %v: %w", path, err)
	}
	if portStr := os.Getenv("PORT"); portStr != "" {
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT environment variable %q: %w", portStr, err)
		}
		cfg.Server.Port = uint16(port)
	}
	return cfg, nil
}

// Parse decodes, validates and applies defaults to a YAML configuration
// document. Unknown fields are rejected to surface typos early.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalWithOptions(data, cfg, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = DefaultHost
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.Server.DialTimeout == 0 {
		cfg.Server.DialTimeout = DefaultDialTimeout
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.Server.Port == 0 {
		return fmt.Errorf("server.port must be set")
	}
	if cfg.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must not be negative")
	}
	if cfg.Server.MaxHeaderBytes < 0 {
		return fmt.Errorf("server.max_header_bytes must not be negative")
	}
	for _, field := range []struct {
		name  string
		value time.Duration
	}{
		{"server.read_header_timeout", cfg.Server.ReadHeaderTimeout},
		{"server.dial_timeout", cfg.Server.DialTimeout},
		{"server.tunnel_idle_timeout", cfg.Server.TunnelIdleTimeout},
	} {
		if field.value < 0 {
			return fmt.Errorf("%v must not be negative", field.name)
		}
	}
	for label, secret := range cfg.Tokens {
		if label == "" {
			return fmt.Errorf("token labels must not be empty")
		}
		if secret == "" {
			return fmt.Errorf("token %q has an empty value", label)
		}
	}
	return nil
}
