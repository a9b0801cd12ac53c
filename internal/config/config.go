// Copyright 2025 The Courier Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the process-level configuration.  Everything
// here applies to the whole daemon; per-tenant knobs live in the
// tenant's persisted settings document instead.
package config

import (
	"os"
	"os/user"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// OAuthClient identifies this installation to a mail provider.
type OAuthClient struct {
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`
}

type Config struct {
	// DataRoot holds one subdirectory per tenant.
	DataRoot string `yaml:"dataRoot"`

	RegistryTTLMinutes  int `yaml:"registryTTLMinutes"`
	RegistryMaxEntries  int `yaml:"registryMaxEntries"`
	PollIntervalMinutes int `yaml:"pollIntervalMinutes"`
	MaxTurns            int `yaml:"maxTurns"`

	// Trace dumps provider HTTP traffic to the log.
	Trace bool `yaml:"trace"`

	Google    OAuthClient `yaml:"google"`
	Microsoft OAuthClient `yaml:"microsoft"`
}

// homeDir resolves the current user's home directory, preferring
// $HOME so tests and callers can redirect it.
func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	if h, err := os.UserHomeDir(); err == nil && h != "" {
		return h
	}
	usr, err := user.Current()
	if err != nil {
		panic(err)
	}
	return usr.HomeDir
}

func Default() Config {
	return Config{
		DataRoot:            filepath.Join(homeDir(), ".courier"),
		RegistryTTLMinutes:  30,
		RegistryMaxEntries:  128,
		PollIntervalMinutes: 5,
		MaxTurns:            16,
	}
}

// Load reads the YAML file at path over the defaults.  An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %q", path)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %q", path)
	}
	if cfg.DataRoot == "" {
		cfg.DataRoot = Default().DataRoot
	}
	return cfg, nil
}
