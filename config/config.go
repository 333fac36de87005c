/*
   Copyright The Soci Snapshotter Authors.

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

package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

const (
	// DefaultProjectDir is the directory, relative to the project root, that
	// holds the course configuration, the auth token and the journal.
	DefaultProjectDir = ".test-gadget"

	// DefaultConfigPath is the default path of the tool configuration file,
	// relative to the project root.
	DefaultConfigPath = DefaultProjectDir + "/layersync.toml"
)

type Config struct {
	// Server overrides the server base URL from the course configuration.
	Server string `toml:"server"`

	// JournalPath is the bolt database recording past syncs. Empty disables
	// the journal.
	JournalPath string `toml:"journal_path"`

	// MetricsAddress is the address for the metrics API. Empty disables it.
	MetricsAddress string `toml:"metrics_address"`

	// MetricsNetwork is the type of network for the metrics API (e.g. tcp or unix)
	MetricsNetwork string `toml:"metrics_network"`

	// NoPrometheus is a flag to disable the emission of the metrics
	NoPrometheus bool `toml:"no_prometheus"`

	SyncConfig                `toml:"sync"`
	ChunkingConfig            `toml:"chunking"`
	RetryableHTTPClientConfig `toml:"http"`
}

type configParser func(*Config) error

var parsers = []configParser{parseRootConfig, parseSyncConfig, parseChunkingConfig, parseRetryableHTTPClientConfig}

// NewConfig returns an initialized Config with default values set.
func NewConfig() *Config {
	cfg := &Config{}
	// Defaults never fail to parse.
	_ = parseConfig(cfg)
	return cfg
}

// NewConfigFromToml reads the configuration at cfgPath. A missing file at the
// default path yields the defaults.
func NewConfigFromToml(cfgPath string) (*Config, error) {
	f, err := os.Open(cfgPath)
	if err != nil {
		if os.IsNotExist(err) && cfgPath == DefaultConfigPath {
			return NewConfig(), nil
		}
		return nil, fmt.Errorf("failed to open config file %q: %w", cfgPath, err)
	}
	defer f.Close()

	cfg := &Config{}
	if err = toml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config file %q: %w", cfgPath, err)
	}
	if err = parseConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config file %q: %w", cfgPath, err)
	}
	return cfg, nil
}

func parseConfig(cfg *Config) error {
	for _, p := range parsers {
		if err := p(cfg); err != nil {
			return err
		}
	}
	return nil
}

func parseRootConfig(cfg *Config) error {
	if cfg.MetricsNetwork == "" {
		cfg.MetricsNetwork = defaultMetricsNetwork
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = DefaultJournalPath
	}
	return nil
}
