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

// Package metrics exposes sync metrics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/containerd/log"
	gometrics "github.com/docker/go-metrics"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OperationLatencyKeyMilliseconds is the key for sync operation latency metrics in milliseconds.
	OperationLatencyKeyMilliseconds = "operation_duration_milliseconds"

	// OperationCountKey is the key for sync operation count metrics.
	OperationCountKey = "operation_count"

	// BytesKey is the key for byte counts, broken down by what happened to the bytes.
	BytesKey = "bytes"

	// ChunksKey is the key for chunk counts, broken down by what happened to the chunks.
	ChunksKey = "chunks"

	// RetriesKey is the key for retried network attempts.
	RetriesKey = "retries"

	namespace = "layersync"
	subsystem = "sync"
)

// Operations.
const (
	Build    = "build"
	Diff     = "diff"
	Upload   = "upload"
	Finalize = "finalize"
	Artifact = "artifact"
)

// Byte and chunk outcomes.
const (
	Transferred  = "transferred"
	Deduplicated = "deduplicated"
)

var (
	latencyBucketsMilliseconds = []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536}

	operationLatencyMilliseconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      OperationLatencyKeyMilliseconds,
			Help:      "Latency in milliseconds of sync operations. Broken down by operation type.",
			Buckets:   latencyBucketsMilliseconds,
		},
		[]string{"operation_type"},
	)

	// operationCount is labeled with the error kind, empty on success.
	operationCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      OperationCountKey,
			Help:      "The count of sync operations. Broken down by operation type and error kind.",
		},
		[]string{"operation_type", "error_kind"},
	)

	bytesCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      BytesKey,
			Help:      "The number of artifact bytes synced. Broken down by whether they were transferred or deduplicated.",
		},
		[]string{"outcome"},
	)

	chunksCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      ChunksKey,
			Help:      "The number of distinct chunks synced. Broken down by whether they were transferred or deduplicated.",
		},
		[]string{"outcome"},
	)

	retriesCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      RetriesKey,
			Help:      "The number of retried network attempts.",
		},
	)
)

var (
	register sync.Once

	// artifactTimer is registered through go-metrics so it is served by
	// the same handler as the collectors above.
	ns            *gometrics.Namespace
	artifactTimer gometrics.LabeledTimer
)

func init() {
	ns = gometrics.NewNamespace(namespace, "", nil)
	artifactTimer = ns.NewLabeledTimer("artifact_sync", "Time to sync one artifact end to end", "status")
}

// sinceInMilliseconds gets the time since the specified start in milliseconds.
// The division is made to have the milliseconds value as floating point number, since the native method
// .Milliseconds() returns an integer value and you can lose precision for sub-millisecond values.
func sinceInMilliseconds(start time.Time) float64 {
	return float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond/time.Nanosecond)
}

// Register registers metrics. This is always called only once.
func Register() {
	register.Do(func() {
		prometheus.MustRegister(operationLatencyMilliseconds)
		prometheus.MustRegister(operationCount)
		prometheus.MustRegister(bytesCount)
		prometheus.MustRegister(chunksCount)
		prometheus.MustRegister(retriesCount)
		gometrics.Register(ns)
	})
}

// MeasureLatencyInMilliseconds observes the latency of operation.
func MeasureLatencyInMilliseconds(operation string, start time.Time) {
	operationLatencyMilliseconds.WithLabelValues(operation).Observe(sinceInMilliseconds(start))
}

// IncOperationCount counts one operation ending with the given error kind.
func IncOperationCount(operation, errorKind string) {
	operationCount.WithLabelValues(operation, errorKind).Inc()
}

// AddBytes counts synced bytes.
func AddBytes(outcome string, n int64) {
	bytesCount.WithLabelValues(outcome).Add(float64(n))
}

// AddChunks counts synced chunks.
func AddChunks(outcome string, n int) {
	chunksCount.WithLabelValues(outcome).Add(float64(n))
}

// AddRetries counts retried attempts.
func AddRetries(n int64) {
	retriesCount.Add(float64(n))
}

// ObserveArtifact records the end to end duration of one artifact sync.
func ObserveArtifact(status string, start time.Time) {
	artifactTimer.WithValues(status).UpdateSince(start)
}

// Serve exposes /metrics on address until ctx is done. Network is "tcp" or
// "unix". The returned function stops the listener.
func Serve(ctx context.Context, network, address string) (func() error, error) {
	if network == "unix" {
		if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale metrics socket %q: %w", address, err)
		}
	}
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to get listener for metrics endpoint: %w", err)
	}
	m := http.NewServeMux()
	m.Handle("/metrics", gometrics.Handler())
	srv := &http.Server{Handler: m, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.G(ctx).WithError(err).WithField("address", address).Error("error serving metrics")
		}
	}()
	log.G(ctx).WithField("address", l.Addr().String()).Info("serving metrics")
	return srv.Close, nil
}
