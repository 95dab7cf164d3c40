// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the MapRoulette server configuration
// from struct defaults, an optional YAML file, environment variables and CLI
// flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	koanfyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix is the prefix of every configuration environment variable.
// Double underscore nests: MR__SERVER__PORT -> server.port.
const EnvPrefix = "MR"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	k         *koanf.Koanf
	envPrefix string
}

// NewLoader creates a loader with the MapRoulette environment prefix.
func NewLoader() *Loader {
	return &Loader{
		k:         koanf.New("."),
		envPrefix: EnvPrefix + "__",
	}
}

// Load layers defaults, the optional config file and environment variables.
// A configPath that names a missing file is an error; an empty configPath
// skips the file layer.
func (l *Loader) Load(defaults any, configPath string) error {
	if defaults != nil {
		if err := l.k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
			return fmt.Errorf("failed to load defaults: %w", err)
		}
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return fmt.Errorf("config file not found: %s", configPath)
		}
		if err := l.k.Load(file.Provider(configPath), koanfyaml.Parser()); err != nil {
			return fmt.Errorf("failed to load config file: %w", err)
		}
	}

	envProvider := env.Provider(l.envPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, l.envPrefix))
		return strings.ReplaceAll(key, "__", ".")
	})
	if err := l.k.Load(envProvider, nil); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}
	return nil
}

// LoadFlags applies CLI flag overrides using explicit flag -> key mappings.
// Only flags the user actually set are applied. Call after Load.
func (l *Loader) LoadFlags(flags *pflag.FlagSet, mappings map[string]string) error {
	var errs []error
	flags.Visit(func(f *pflag.Flag) {
		if key, ok := mappings[f.Name]; ok {
			if err := l.k.Set(key, f.Value.String()); err != nil {
				errs = append(errs, fmt.Errorf("flag %s: %w", f.Name, err))
			}
		}
	})
	return errors.Join(errs...)
}

// Unmarshal decodes the loaded configuration into out and validates it.
func (l *Loader) Unmarshal(out *Config) error {
	if err := l.k.Unmarshal("", out); err != nil {
		return err
	}
	return out.Validate()
}
