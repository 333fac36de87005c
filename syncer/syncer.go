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

// Package syncer drives artifacts through build, diff, upload and finalize.
//
// Artifacts are independent and run concurrently. Every artifact pipeline
// holds one slot of the shared budget while it chunks, diffs and finalizes,
// and gives it up while its chunk uploads run, so the uploads of one
// artifact never wait on a slot held by the artifact itself.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/awslabs/layersync/chunker"
	"github.com/awslabs/layersync/config"
	"github.com/awslabs/layersync/diff"
	"github.com/awslabs/layersync/errdefs"
	"github.com/awslabs/layersync/internal/budget"
	"github.com/awslabs/layersync/journal"
	"github.com/awslabs/layersync/manifest"
	"github.com/awslabs/layersync/metrics"
	"github.com/awslabs/layersync/remote"
	"github.com/awslabs/layersync/tracing"
	"github.com/awslabs/layersync/transfer"
	httputil "github.com/awslabs/layersync/util/http"
	"github.com/containerd/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultDiffAttempts           = 3
	DefaultMaxConcurrentArtifacts = 4

	// maxRediffs is how many times a manifest rejected for missing chunks
	// is diffed and uploaded again before the artifact fails.
	maxRediffs = 1
)

// Recorder stores sync outcomes. *journal.Journal implements it.
type Recorder interface {
	Append(ctx context.Context, r *journal.Record) error
}

// Syncer syncs artifacts to one remote.
type Syncer struct {
	remote    remote.Remote
	budget    *budget.Budget
	differ    *diff.Client
	engine    *transfer.Engine
	finalizer *Finalizer

	params       chunker.Params
	diffBatch    int
	diffAttempts int
	diffMinWait  time.Duration
	diffMaxWait  time.Duration
	maxArtifacts int
	dryRun       bool
	recorder     Recorder
	uploadOpts   []transfer.Option
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithBudget sets the budget shared by artifact pipelines and chunk uploads.
func WithBudget(b *budget.Budget) Option {
	return func(s *Syncer) {
		s.budget = b
	}
}

// WithParams sets the chunking parameters.
func WithParams(p chunker.Params) Option {
	return func(s *Syncer) {
		s.params = p
	}
}

// WithDiffBatchSize bounds the digests per diff request.
func WithDiffBatchSize(n int) Option {
	return func(s *Syncer) {
		s.diffBatch = n
	}
}

// WithDiffAttempts sets how many times a failing diff is tried.
func WithDiffAttempts(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.diffAttempts = n
		}
	}
}

// WithDiffBackoff sets the bounds of the wait between diff attempts.
func WithDiffBackoff(min, max time.Duration) Option {
	return func(s *Syncer) {
		s.diffMinWait = min
		s.diffMaxWait = max
	}
}

// WithMaxConcurrentArtifacts bounds how many artifacts are in flight.
func WithMaxConcurrentArtifacts(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.maxArtifacts = n
		}
	}
}

// WithDryRun asks the server to validate submissions without registering
// them.
func WithDryRun(dryRun bool) Option {
	return func(s *Syncer) {
		s.dryRun = dryRun
	}
}

// WithRecorder records every artifact outcome.
func WithRecorder(r Recorder) Option {
	return func(s *Syncer) {
		s.recorder = r
	}
}

// WithUploadOptions configures the transfer engine.
func WithUploadOptions(opts ...transfer.Option) Option {
	return func(s *Syncer) {
		s.uploadOpts = append(s.uploadOpts, opts...)
	}
}

// FromConfig returns the options described by cfg.
func FromConfig(cfg *config.Config) []Option {
	upload := cfg.SyncConfig.UploadConfig
	return []Option{
		WithBudget(budget.New(cfg.SyncConfig.MaxConcurrency)),
		WithParams(cfg.ChunkingConfig.Params()),
		WithDiffBatchSize(cfg.SyncConfig.DiffBatchSize),
		WithDiffAttempts(cfg.SyncConfig.DiffAttempts),
		WithDiffBackoff(upload.MinWait(), upload.MaxWait()),
		WithMaxConcurrentArtifacts(cfg.SyncConfig.MaxConcurrentArtifacts),
		WithDryRun(cfg.SyncConfig.DryRun),
		WithUploadOptions(
			transfer.WithMaxAttempts(upload.MaxAttempts),
			transfer.WithBackoff(upload.MinWait(), upload.MaxWait()),
			transfer.WithRateLimit(upload.MaxBytesPerSec),
		),
	}
}

// New returns a Syncer for r.
func New(r remote.Remote, opts ...Option) *Syncer {
	s := &Syncer{
		remote:       r,
		params:       chunker.DefaultParams(),
		diffBatch:    diff.DefaultMaxBatch,
		diffAttempts: DefaultDiffAttempts,
		diffMinWait:  transfer.DefaultMinWait,
		diffMaxWait:  transfer.DefaultMaxWait,
		maxArtifacts: DefaultMaxConcurrentArtifacts,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.budget == nil {
		s.budget = budget.New(budget.Unlimited)
	}
	s.differ = diff.New(r, diff.WithMaxBatch(s.diffBatch))
	s.engine = transfer.New(r, s.budget, s.uploadOpts...)
	s.finalizer = NewFinalizer(r, s.dryRun)
	return s
}

// Budget returns the shared budget.
func (s *Syncer) Budget() *budget.Budget {
	return s.budget
}

// Sync syncs every source. An artifact failure does not stop the others;
// the returned error joins the failures and the report holds every result.
func (s *Syncer) Sync(ctx context.Context, sources []manifest.Source) (*Report, error) {
	if err := checkSources(sources); err != nil {
		return nil, err
	}
	if err := s.params.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := tracing.Start(ctx, tracing.SpanSync, attribute.Int("artifacts", len(sources)))
	report := &Report{Results: make([]Result, len(sources))}

	var eg errgroup.Group
	eg.SetLimit(s.maxArtifacts)
	for i, src := range sources {
		eg.Go(func() error {
			report.Results[i] = s.SyncArtifact(ctx, src)
			return nil
		})
	}
	_ = eg.Wait()

	report.Duration = time.Since(start)
	report.Peak = s.budget.Peak()
	err := report.Err()
	tracing.End(span, err)

	log.G(ctx).WithField("artifacts", len(sources)).
		WithField("failed", report.Failed()).
		WithField("transferred", report.BytesTransferred()).
		WithField("deduplicated", report.BytesDeduplicated()).
		WithField("duration", report.Duration).
		Info("sync finished")
	return report, err
}

func checkSources(sources []manifest.Source) error {
	seen := make(map[string]struct{}, len(sources))
	for _, src := range sources {
		if src.ID == "" {
			return errors.New("artifact with an empty id")
		}
		if src.Open == nil {
			return fmt.Errorf("artifact %s cannot be opened", src.ID)
		}
		if _, ok := seen[src.ID]; ok {
			return fmt.Errorf("artifact %s given twice", src.ID)
		}
		seen[src.ID] = struct{}{}
	}
	return nil
}

// SyncArtifact runs one artifact through the pipeline. The outcome,
// including a failure, is in the returned Result.
func (s *Syncer) SyncArtifact(ctx context.Context, src manifest.Source) Result {
	start := time.Now()
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("artifact", src.ID))
	ctx, span := tracing.Start(ctx, tracing.SpanArtifact, attribute.String("artifact", src.ID))

	res := Result{Artifact: src.ID}
	res.Err = s.syncArtifact(ctx, src, &res)
	if res.Manifest != nil {
		res.BytesDeduplicated = max(res.Manifest.Size-res.BytesTransferred, 0)
	}
	res.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int64("bytes_transferred", res.BytesTransferred),
		attribute.Int64("bytes_deduplicated", res.BytesDeduplicated),
		attribute.Int("rediffs", res.Rediffs),
	)
	tracing.End(span, res.Err)
	s.observe(&res, start)
	s.record(ctx, &res)

	if res.Err != nil {
		log.G(ctx).WithError(res.Err).WithField("kind", res.Kind()).Error("artifact sync failed")
	} else {
		log.G(ctx).WithField("transferred", res.BytesTransferred).
			WithField("deduplicated", res.BytesDeduplicated).
			WithField("submission", res.SubmissionID).
			Info("artifact synced")
	}
	return res
}

func (s *Syncer) syncArtifact(ctx context.Context, src manifest.Source, res *Result) error {
	release, err := s.budget.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() { release() }()

	buildStart := time.Now()
	m, err := manifest.BuildFromSource(ctx, src, s.params)
	metrics.MeasureLatencyInMilliseconds(metrics.Build, buildStart)
	if err != nil {
		return err
	}
	res.Manifest = m
	res.Digest = m.Digest
	res.Size = m.Size
	res.Chunks = len(m.Entries)
	res.DistinctChunks = len(m.Distinct())

	k, err := s.diff(ctx, m, res)
	if err != nil {
		return err
	}

	for rediff := 0; ; rediff++ {
		release()
		stats, err := s.upload(ctx, m, src, k)
		res.ChunksUploaded += stats.ChunksUploaded
		res.BytesTransferred += stats.BytesUploaded
		res.Attempts += stats.Attempts
		res.Retries += stats.Retries
		if err != nil {
			return err
		}
		reacquired, err := s.budget.Acquire(ctx)
		if err != nil {
			return err
		}
		release = reacquired

		resp, err := s.finalize(ctx, m)
		if err == nil {
			res.SubmissionID = resp.SubmissionID
			return nil
		}
		if !errors.Is(err, errdefs.ErrRemoteVerificationFailed) || rediff >= maxRediffs {
			return err
		}

		res.Rediffs++
		log.G(ctx).WithError(err).Warn("remote rejected the manifest, diffing again")
		if k, err = s.rediff(ctx, m, res, err); err != nil {
			return err
		}
	}
}

// rediff diffs m again after a rejected finalize. Chunks the rejection
// named as missing are uploaded even if the remote now claims them.
func (s *Syncer) rediff(ctx context.Context, m *manifest.Manifest, res *Result, cause error) (diff.Knowledge, error) {
	k, err := s.diff(ctx, m, res)
	if err != nil {
		return nil, err
	}
	var verr *errdefs.RemoteVerificationError
	if errors.As(cause, &verr) {
		for _, d := range verr.Missing {
			k.Forget(d)
		}
	}
	return k, nil
}

// diff queries the remote, retrying network errors up to diffAttempts times.
func (s *Syncer) diff(ctx context.Context, m *manifest.Manifest, res *Result) (diff.Knowledge, error) {
	ctx, span := tracing.Start(ctx, tracing.SpanDiff, attribute.Int("chunks", len(m.Entries)))
	start := time.Now()

	var (
		k       diff.Knowledge
		err     error
		attempt int
	)
	for attempt < s.diffAttempts {
		if attempt > 0 {
			res.Retries++
			s.budget.RecordRetry()
			wait := httputil.Backoff(s.diffMinWait, s.diffMaxWait, attempt-1)
			log.G(ctx).WithError(err).WithField("attempt", attempt+1).WithField("wait", wait).Debug("retrying diff")
			if serr := httputil.Sleep(ctx, wait); serr != nil {
				err = serr
				break
			}
		}
		attempt++
		res.Attempts++
		s.budget.RecordAttempt()
		if k, err = s.differ.Query(ctx, m.Digests()); err == nil || !errdefs.IsRetryable(err) {
			break
		}
	}

	metrics.MeasureLatencyInMilliseconds(metrics.Diff, start)
	metrics.IncOperationCount(metrics.Diff, string(errdefs.KindOf(err)))
	tracing.End(span, err)
	if err != nil {
		return nil, fmt.Errorf("diff of %s failed after %d attempt(s): %w", m.ID, attempt, err)
	}
	return k, nil
}

func (s *Syncer) upload(ctx context.Context, m *manifest.Manifest, src manifest.Source, k diff.Knowledge) (transfer.Stats, error) {
	ctx, span := tracing.Start(ctx, tracing.SpanUpload)
	start := time.Now()
	stats, err := s.engine.Upload(ctx, m, src, k)
	span.SetAttributes(
		attribute.Int("chunks_uploaded", stats.ChunksUploaded),
		attribute.Int("chunks_skipped", stats.ChunksSkipped),
	)
	tracing.End(span, err)
	metrics.MeasureLatencyInMilliseconds(metrics.Upload, start)
	metrics.IncOperationCount(metrics.Upload, string(errdefs.KindOf(err)))
	metrics.AddChunks(metrics.Transferred, stats.ChunksUploaded)
	metrics.AddChunks(metrics.Deduplicated, stats.ChunksSkipped)
	metrics.AddRetries(stats.Retries)
	return stats, err
}

func (s *Syncer) finalize(ctx context.Context, m *manifest.Manifest) (remote.FinalizeResponse, error) {
	ctx, span := tracing.Start(ctx, tracing.SpanFinalize)
	start := time.Now()
	resp, err := s.finalizer.Finalize(ctx, m)
	tracing.End(span, err)
	metrics.MeasureLatencyInMilliseconds(metrics.Finalize, start)
	metrics.IncOperationCount(metrics.Finalize, string(errdefs.KindOf(err)))
	return resp, err
}

func (s *Syncer) observe(res *Result, start time.Time) {
	status := "ok"
	if res.Err != nil {
		status = "error"
	}
	metrics.ObserveArtifact(status, start)
	metrics.MeasureLatencyInMilliseconds(metrics.Artifact, start)
	metrics.IncOperationCount(metrics.Artifact, string(res.Kind()))
	metrics.AddBytes(metrics.Transferred, res.BytesTransferred)
	metrics.AddBytes(metrics.Deduplicated, res.BytesDeduplicated)
}

// record writes res to the recorder. A failure to record does not fail the
// artifact.
func (s *Syncer) record(ctx context.Context, res *Result) {
	if s.recorder == nil {
		return
	}
	r := &journal.Record{
		Artifact:          res.Artifact,
		Digest:            res.Digest,
		Size:              res.Size,
		BytesTransferred:  res.BytesTransferred,
		BytesDeduplicated: res.BytesDeduplicated,
		SubmissionID:      res.SubmissionID,
		ErrorKind:         res.Kind(),
		Manifest:          res.Manifest,
	}
	if res.Err != nil {
		r.Error = res.Err.Error()
	}
	if err := s.recorder.Append(context.WithoutCancel(ctx), r); err != nil {
		log.G(ctx).WithError(err).Warn("failed to record sync in journal")
	}
}
