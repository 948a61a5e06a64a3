// Aegis Core - Moving Target Defense Gateway
// Copyright (C) 2025 Lotargo
//
// This file is part of Aegis Core.
//
// Aegis Core is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Aegis Core is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Aegis Core. If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "aegis",
	Short: "Aegis Core - split Moving Target Defense gateway",
	Long: `Aegis Core is a two-node secure reverse proxy. The ingress node (core-a)
encrypts client requests into opaque envelopes; the egress node (core-b)
decrypts them, replays them against the protected origin and returns sealed
responses with randomized outer status codes.

Run one node per process:
  aegis core-a    start the ingress node
  aegis core-b    start the egress node

Configuration comes from an optional config file (--config), a .env file in
the working directory, and environment variables (highest priority).`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML or JSON config file")

	// Node commands are registered in corea.go and coreb.go.
}
