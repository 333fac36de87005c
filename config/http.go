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

import "time"

// RetryConfig represents the settings for retries in a retryable http client.
type RetryConfig struct {
	// MaxRetries is the maximum number of retries before giving up on a retryable request.
	// This does not include the initial request so the total number of attempts will be MaxRetries + 1.
	MaxRetries int `toml:"max_retries"`
	// MinWait is the minimum wait time between attempts. The actual wait time is governed by the BackoffStrategy,
	// but the wait time will never be shorter than this duration.
	MinWaitMsec int64 `toml:"min_wait_msec"`
	// MaxWait is the maximum wait time between attempts. The actual wait time is governed by the BackoffStrategy,
	// but the wait time will never be longer than this duration.
	MaxWaitMsec int64 `toml:"max_wait_msec"`
}

// TimeoutConfig represents the settings for timeout at various points in a request lifecycle in a retryable http client.
type TimeoutConfig struct {
	// DialTimeout is the maximum duration that connection can take before a request attempt is timed out.
	DialTimeoutMsec int64 `toml:"dial_timeout_msec"`
	// ResponseHeaderTimeout is the maximum duration waiting for response headers before a request attempt is timed out.
	// This starts after the entire request body is uploaded to the remote endpoint and stops when the request headers
	// are fully read. It does not include reading the body.
	ResponseHeaderTimeoutMsec int64 `toml:"response_header_timeout_msec"`
	// RequestTimeout is the maximum duration before the entire request attempt is timed out. This starts when the
	// client starts the connection attempt and ends when the entire response body is read.
	RequestTimeoutMsec int64 `toml:"request_timeout_msec"`
}

// RetryableHTTPClientConfig is the complete config for a retryable http client
type RetryableHTTPClientConfig struct {
	TimeoutConfig
	RetryConfig
}

// NewRetryableHTTPClientConfig returns the client configuration with every
// default applied.
func NewRetryableHTTPClientConfig() RetryableHTTPClientConfig {
	cfg := Config{}
	_ = parseRetryableHTTPClientConfig(&cfg)
	return cfg.RetryableHTTPClientConfig
}

func (c TimeoutConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMsec) * time.Millisecond
}

func (c TimeoutConfig) ResponseHeaderTimeout() time.Duration {
	return time.Duration(c.ResponseHeaderTimeoutMsec) * time.Millisecond
}

func (c TimeoutConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMsec) * time.Millisecond
}

func (c RetryConfig) MinWait() time.Duration {
	return time.Duration(c.MinWaitMsec) * time.Millisecond
}

func (c RetryConfig) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitMsec) * time.Millisecond
}

func parseRetryableHTTPClientConfig(cfg *Config) error {
	if cfg.RetryableHTTPClientConfig.TimeoutConfig.DialTimeoutMsec == 0 {
		cfg.RetryableHTTPClientConfig.TimeoutConfig.DialTimeoutMsec = defaultDialTimeoutMsec
	}

	if cfg.RetryableHTTPClientConfig.TimeoutConfig.ResponseHeaderTimeoutMsec == 0 {
		cfg.RetryableHTTPClientConfig.TimeoutConfig.ResponseHeaderTimeoutMsec = defaultResponseHeaderTimeoutMsec
	}

	if cfg.RetryableHTTPClientConfig.TimeoutConfig.RequestTimeoutMsec == 0 {
		cfg.RetryableHTTPClientConfig.TimeoutConfig.RequestTimeoutMsec = defaultRequestTimeoutMsec
	}

	if cfg.RetryableHTTPClientConfig.RetryConfig.MaxRetries == 0 {
		cfg.RetryableHTTPClientConfig.RetryConfig.MaxRetries = defaultMaxRetries
	}

	if cfg.RetryableHTTPClientConfig.RetryConfig.MinWaitMsec == 0 {
		cfg.RetryableHTTPClientConfig.RetryConfig.MinWaitMsec = defaultMinWaitMsec
	}

	if cfg.RetryableHTTPClientConfig.RetryConfig.MaxWaitMsec == 0 {
		cfg.RetryableHTTPClientConfig.RetryConfig.MaxWaitMsec = defaultMaxWaitMsec
	}
	return nil
}
