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
	"time"
)

// SyncConfig controls the sync pipeline.
// Set MaxConcurrency to a negative value to unbound it.
type SyncConfig struct {
	MaxConcurrency         int64 `toml:"max_concurrency"`
	MaxConcurrentArtifacts int   `toml:"max_concurrent_artifacts"`

	DiffBatchSize int `toml:"diff_batch_size"`
	DiffAttempts  int `toml:"diff_attempts"`

	UploadConfig `toml:"upload"`

	// Compression is the Content-Encoding used for chunk uploads.
	Compression string `toml:"compression"`

	// DryRun asks the server to validate submissions without registering
	// them.
	DryRun bool `toml:"dry_run"`
}

// UploadConfig controls chunk upload retries and pacing.
type UploadConfig struct {
	MaxAttempts int   `toml:"max_attempts"`
	MinWaitMsec int64 `toml:"min_wait_msec"`
	MaxWaitMsec int64 `toml:"max_wait_msec"`

	// MaxBytesPerSecStr caps the upload rate, e.g. "10mb". Empty or zero
	// means unlimited.
	MaxBytesPerSecStr string `toml:"max_bytes_per_sec"`
	MaxBytesPerSec    int64  `toml:"-"`
}

// MinWait returns MinWaitMsec as a duration.
func (u UploadConfig) MinWait() time.Duration {
	return time.Duration(u.MinWaitMsec) * time.Millisecond
}

// MaxWait returns MaxWaitMsec as a duration.
func (u UploadConfig) MaxWait() time.Duration {
	return time.Duration(u.MaxWaitMsec) * time.Millisecond
}

func parseSyncConfig(cfg *Config) error {
	s := &cfg.SyncConfig
	if s.MaxConcurrency == 0 {
		s.MaxConcurrency = defaultMaxConcurrency
	}
	if s.MaxConcurrentArtifacts == 0 {
		s.MaxConcurrentArtifacts = defaultMaxConcurrentArtifacts
	}
	if s.DiffBatchSize == 0 {
		s.DiffBatchSize = defaultDiffBatchSize
	}
	if s.DiffAttempts == 0 {
		s.DiffAttempts = defaultDiffAttempts
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = defaultUploadMaxAttempts
	}
	if s.MinWaitMsec == 0 {
		s.MinWaitMsec = defaultUploadMinWaitMsec
	}
	if s.MaxWaitMsec == 0 {
		s.MaxWaitMsec = defaultUploadMaxWaitMsec
	}
	if s.Compression == "" {
		s.Compression = defaultCompression
	}

	switch s.Compression {
	case CompressionNone, CompressionZstd:
	default:
		return fmt.Errorf("unknown compression %q", s.Compression)
	}
	if s.DiffBatchSize < 0 || s.DiffAttempts < 0 || s.MaxAttempts < 0 {
		return fmt.Errorf("diff_batch_size, diff_attempts and max_attempts must not be negative")
	}
	if s.MinWaitMsec > s.MaxWaitMsec {
		return fmt.Errorf("min_wait_msec %d is above max_wait_msec %d", s.MinWaitMsec, s.MaxWaitMsec)
	}

	rate, err := parseSize(s.MaxBytesPerSecStr, 0)
	if err != nil {
		return fmt.Errorf("max_bytes_per_sec: %w", err)
	}
	s.MaxBytesPerSec = rate
	return nil
}
