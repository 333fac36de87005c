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

	"github.com/awslabs/layersync/chunker"
)

// ChunkingConfig sets the content-defined chunk sizes. Sizes are strings such
// as "64kb". Every machine that shares a remote must use the same values or
// deduplication stops working.
type ChunkingConfig struct {
	MinSizeStr string `toml:"min_size"`
	AvgSizeStr string `toml:"avg_size"`
	MaxSizeStr string `toml:"max_size"`

	MinSize int64 `toml:"-"`
	AvgSize int64 `toml:"-"`
	MaxSize int64 `toml:"-"`
}

// Params returns the chunker parameters.
func (c ChunkingConfig) Params() chunker.Params {
	return chunker.Params{
		Min: int(c.MinSize),
		Avg: int(c.AvgSize),
		Max: int(c.MaxSize),
	}
}

func parseChunkingConfig(cfg *Config) error {
	c := &cfg.ChunkingConfig
	var err error
	if c.MinSize, err = parseSize(c.MinSizeStr, chunker.DefaultMinSize); err != nil {
		return fmt.Errorf("chunking min_size: %w", err)
	}
	if c.AvgSize, err = parseSize(c.AvgSizeStr, chunker.DefaultAvgSize); err != nil {
		return fmt.Errorf("chunking avg_size: %w", err)
	}
	if c.MaxSize, err = parseSize(c.MaxSizeStr, chunker.DefaultMaxSize); err != nil {
		return fmt.Errorf("chunking max_size: %w", err)
	}
	return c.Params().Validate()
}
