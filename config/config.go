// Copyright (C) 2025 Lotargo
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package config provides configuration for both Aegis nodes: defaults,
// an optional YAML/JSON config file, a .env file, and environment-variable
// overrides (highest priority).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration structure
type Config struct {
	CoreA   CoreAConfig   `yaml:"core_a" json:"core_a"`
	CoreB   CoreBConfig   `yaml:"core_b" json:"core_b"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// CoreAConfig configures the ingress node.
type CoreAConfig struct {
	// Host and Port bind the client-facing HTTP listener.
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
	// CoreBGRPCTarget is the gRPC address of Core-B's Gateway service.
	CoreBGRPCTarget string `yaml:"core_b_grpc_target" json:"core_b_grpc_target"`
	// CoreBHTTPURL is the base URL of Core-B's handshake HTTP endpoint.
	CoreBHTTPURL string `yaml:"core_b_http_url" json:"core_b_http_url"`
	// MaxRequestSize bounds a client request body in bytes.
	MaxRequestSize int64 `yaml:"max_request_size" json:"max_request_size"`
}

// CoreBConfig configures the egress node.
type CoreBConfig struct {
	// GRPCPort binds the Gateway RPC server.
	GRPCPort int `yaml:"grpc_port" json:"grpc_port"`
	// HTTPPort binds the handshake/health/metrics HTTP server.
	HTTPPort int `yaml:"http_port" json:"http_port"`
	// TargetAppURL is the protected origin application.
	TargetAppURL string `yaml:"target_app_url" json:"target_app_url"`
	// SessionTTL is the maximum age of a session record.
	SessionTTL time.Duration `yaml:"session_ttl" json:"session_ttl"`
	// MaxSessions caps the session store.
	MaxSessions int `yaml:"max_sessions" json:"max_sessions"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

// Default returns a Config populated with the stock deployment values.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}

	// Try to parse as YAML first
	if err := yaml.Unmarshal(data, cfg); err != nil {
		// Try JSON if YAML fails
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file (tried YAML and JSON): %w", err)
		}
	}

	setDefaults(cfg)
	return cfg, nil
}

// Load builds the effective configuration: file (when path is non-empty),
// then .env, then environment overrides.
func Load(path string) (*Config, error) {
	loadDotEnv()

	var cfg *Config
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = Default()
	}

	if err := applyEnvironmentOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults fills zero-valued fields with the stock deployment values.
func setDefaults(cfg *Config) {
	if cfg.CoreA.Host == "" {
		cfg.CoreA.Host = "0.0.0.0"
	}
	if cfg.CoreA.Port == 0 {
		cfg.CoreA.Port = 8000
	}
	if cfg.CoreA.CoreBGRPCTarget == "" {
		cfg.CoreA.CoreBGRPCTarget = "localhost:50052"
	}
	if cfg.CoreA.CoreBHTTPURL == "" {
		cfg.CoreA.CoreBHTTPURL = "http://localhost:8001"
	}
	if cfg.CoreA.MaxRequestSize == 0 {
		cfg.CoreA.MaxRequestSize = 10 * 1024 * 1024
	}

	if cfg.CoreB.GRPCPort == 0 {
		cfg.CoreB.GRPCPort = 50052
	}
	if cfg.CoreB.HTTPPort == 0 {
		cfg.CoreB.HTTPPort = 8001
	}
	if cfg.CoreB.TargetAppURL == "" {
		cfg.CoreB.TargetAppURL = "http://localhost:8081"
	}
	if cfg.CoreB.SessionTTL == 0 {
		cfg.CoreB.SessionTTL = 600 * time.Second
	}
	if cfg.CoreB.MaxSessions == 0 {
		cfg.CoreB.MaxSessions = 10000
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	cfg.CoreB.TargetAppURL = strings.TrimRight(cfg.CoreB.TargetAppURL, "/")
}
