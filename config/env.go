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

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// loadDotEnv reads a .env file from the working directory when present.
// Deployment bundles ship one; a missing file is not an error.
func loadDotEnv() {
	_ = godotenv.Load()
}

// applyEnvironmentOverrides overrides config with environment variables.
// Variable names match the deployment contract; SESSION_TTL is in seconds.
func applyEnvironmentOverrides(cfg *Config) error {
	if host := os.Getenv("CORE_A_HOST"); host != "" {
		cfg.CoreA.Host = host
	}
	if err := overrideInt("CORE_A_PORT", &cfg.CoreA.Port); err != nil {
		return err
	}
	if target := os.Getenv("CORE_B_GRPC_TARGET"); target != "" {
		cfg.CoreA.CoreBGRPCTarget = target
	}
	if url := os.Getenv("CORE_B_HTTP_URL"); url != "" {
		cfg.CoreA.CoreBHTTPURL = url
	}
	if err := overrideInt64("MAX_REQUEST_SIZE", &cfg.CoreA.MaxRequestSize); err != nil {
		return err
	}

	if err := overrideInt("GRPC_PORT", &cfg.CoreB.GRPCPort); err != nil {
		return err
	}
	if err := overrideInt("CORE_B_HTTP_PORT", &cfg.CoreB.HTTPPort); err != nil {
		return err
	}
	if url := os.Getenv("TARGET_APP_URL"); url != "" {
		cfg.CoreB.TargetAppURL = strings.TrimRight(url, "/")
	}
	if raw := os.Getenv("SESSION_TTL"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid SESSION_TTL %q: %w", raw, err)
		}
		cfg.CoreB.SessionTTL = time.Duration(seconds) * time.Second
	}
	if err := overrideInt("MAX_SESSIONS", &cfg.CoreB.MaxSessions); err != nil {
		return err
	}

	if level := os.Getenv("AEGIS_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	return nil
}

func overrideInt(name string, dst *int) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	*dst = v
	return nil
}

func overrideInt64(name string, dst *int64) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	*dst = v
	return nil
}
