/*
Copyright 2021 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config knows how to read and parse the mergebot service config.
package config

import (
	"fmt"
	"io/ioutil"

	"sigs.k8s.io/yaml"
)

const (
	// DefaultListenAddress is where the HTTP API binds when the config
	// does not say otherwise.
	DefaultListenAddress = "127.0.0.1:3030"
	// DefaultMetricsPort is where Prometheus metrics are served.
	DefaultMetricsPort = 9090
)

// Config is a read-only snapshot of the service config.
//
// Secrets (Slack tokens, the API key) never live here. They come from the
// environment so that this file can be committed and mounted freely.
type Config struct {
	// ListenAddress is the host:port the HTTP API binds.
	ListenAddress string `json:"listen_address,omitempty"`
	// MetricsPort is the port the Prometheus handler binds.
	MetricsPort int `json:"metrics_port,omitempty"`
	// DeployablesPath is the app catalog, re-read on every command.
	DeployablesPath string `json:"deployables_path,omitempty"`
	// TokenRegistryPath is where workspace OAuth grants accumulate.
	TokenRegistryPath string `json:"token_registry_path,omitempty"`
	// GitWorkdir is where repos are cloned. The GIT_WORKDIR environment
	// variable takes precedence.
	GitWorkdir string `json:"git_workdir,omitempty"`
	// RedirectURI, when set, is passed through the OAuth code exchange.
	RedirectURI string `json:"redirect_uri,omitempty"`
}

// Load loads and parses the config at path. An empty path yields the
// defaults, so running without a config file works.
func Load(path string) (*Config, error) {
	nc := &Config{}
	if path != "" {
		b, err := ioutil.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading %s: %v", path, err)
		}
		if err := yaml.Unmarshal(b, nc); err != nil {
			return nil, fmt.Errorf("error unmarshaling %s: %v", path, err)
		}
	}
	if err := parseConfig(nc); err != nil {
		return nil, err
	}
	return nc, nil
}

func parseConfig(c *Config) error {
	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = DefaultMetricsPort
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("metrics_port %d out of range", c.MetricsPort)
	}
	if c.DeployablesPath == "" {
		c.DeployablesPath = "./deployables.json"
	}
	if c.TokenRegistryPath == "" {
		c.TokenRegistryPath = "./access_reps.json"
	}
	return nil
}
