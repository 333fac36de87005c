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

// Config (root) defaults
const (
	defaultMetricsNetwork = "tcp"

	// DefaultJournalPath is the default journal location, relative to the
	// project root.
	DefaultJournalPath = DefaultProjectDir + "/journal.db"
)

// SyncConfig defaults
const (
	// defaultMaxConcurrency bounds artifact pipelines and chunk uploads together.
	defaultMaxConcurrency = 16

	// defaultMaxConcurrentArtifacts is the number of artifacts processed at once.
	defaultMaxConcurrentArtifacts = 4

	// defaultDiffBatchSize is the number of digests sent in one diff request.
	defaultDiffBatchSize = 1024

	// defaultDiffAttempts is the number of times a failed diff is tried.
	defaultDiffAttempts = 3

	// defaultUploadMaxAttempts is the number of attempts per chunk, the first
	// one included.
	defaultUploadMaxAttempts = 5
	// defaultUploadMinWaitMsec is the shortest wait between chunk attempts.
	defaultUploadMinWaitMsec = 100
	// defaultUploadMaxWaitMsec is the longest wait between chunk attempts.
	defaultUploadMaxWaitMsec = 10_000

	// CompressionNone sends chunks as they are.
	CompressionNone = "none"
	// CompressionZstd sends chunks with Content-Encoding: zstd.
	CompressionZstd = "zstd"

	defaultCompression = CompressionNone
)

// RetryableHTTPClientConfig defaults
const (
	// defaultDialTimeoutMsec is the default number of milliseconds before timeout while connecting to a remote endpoint. See `TimeoutConfig.DialTimeout`.
	defaultDialTimeoutMsec = 3_000
	// defaultResponseHeaderTimeoutMsec is the default number of milliseconds before timeout while waiting for response header from a remote endpoint. See `TimeoutConfig.ResponseHeaderTimeout`.
	defaultResponseHeaderTimeoutMsec = 3_000
	// defaultRequestTimeoutMsec is the default number of milliseconds that the entire request can take before timeout. See `TimeoutConfig.RequestTimeout`.
	defaultRequestTimeoutMsec = 30_000

	// defaults based on a target total retry time of at least 5s. 30*((2^8)-1)>5000

	// defaultMaxRetries is the default number of retries that a retryable request will make. See `RetryConfig.MaxRetries`.
	defaultMaxRetries = 8
	// defaultMinWaitMsec is the default minimum number of milliseconds between attempts. See `RetryConfig.MinWait`.
	defaultMinWaitMsec = 30
	// defaultMaxWaitMsec is the default maximum number of milliseconds between attempts. See `RetryConfig.MaxWait`.
	defaultMaxWaitMsec = 30_000
)
