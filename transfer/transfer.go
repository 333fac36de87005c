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

// Package transfer uploads the chunks of a manifest that the remote does not
// hold. Uploads run in parallel, bounded by a shared budget, and each chunk
// is retried with backoff on its own.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awslabs/layersync/diff"
	"github.com/awslabs/layersync/errdefs"
	"github.com/awslabs/layersync/internal/budget"
	"github.com/awslabs/layersync/manifest"
	"github.com/awslabs/layersync/remote"
	httputil "github.com/awslabs/layersync/util/http"
	"github.com/containerd/log"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxAttempts = 5
	DefaultMinWait     = 100 * time.Millisecond
	DefaultMaxWait     = 10 * time.Second
)

// Progress is reported after every acknowledged chunk.
type Progress struct {
	Artifact     string
	Digest       digest.Digest
	Size         int64
	Acknowledged int
	Total        int
	BytesSent    int64
}

// Stats summarizes one Upload call.
type Stats struct {
	Session *Session

	// ChunksUploaded and BytesUploaded count acknowledged uploads.
	ChunksUploaded int
	BytesUploaded  int64
	// ChunksSkipped and BytesSkipped count distinct chunks the remote
	// already held.
	ChunksSkipped int
	BytesSkipped  int64

	Attempts int64
	Retries  int64
}

// Engine uploads chunks to a remote.
type Engine struct {
	remote      remote.Remote
	budget      *budget.Budget
	maxAttempts int
	minWait     time.Duration
	maxWait     time.Duration
	limiter     *rate.Limiter
	progress    func(Progress)
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxAttempts sets how many times a chunk is sent before giving up.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithBackoff sets the bounds of the wait between attempts.
func WithBackoff(min, max time.Duration) Option {
	return func(e *Engine) {
		e.minWait = min
		e.maxWait = max
	}
}

// WithRateLimit caps the upload rate in bytes per second. Zero or less
// means unlimited.
func WithRateLimit(bytesPerSec int64) Option {
	return func(e *Engine) {
		if bytesPerSec > 0 {
			e.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
		} else {
			e.limiter = nil
		}
	}
}

// WithProgress registers a callback invoked after each acknowledged chunk.
// Calls are serialized.
func WithProgress(fn func(Progress)) Option {
	return func(e *Engine) {
		e.progress = fn
	}
}

// New returns an Engine sending to r. Workers draw slots from b; a nil b is
// unbounded.
func New(r remote.Remote, b *budget.Budget, opts ...Option) *Engine {
	if b == nil {
		b = budget.New(budget.Unlimited)
	}
	e := &Engine{
		remote:      r,
		budget:      b,
		maxAttempts: DefaultMaxAttempts,
		minWait:     DefaultMinWait,
		maxWait:     DefaultMaxWait,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// upload is the state of one Upload call.
type upload struct {
	*Engine
	m       *manifest.Manifest
	session *Session

	uploaded atomic.Int64
	bytes    atomic.Int64
	attempts atomic.Int64
	retries  atomic.Int64

	progressMu sync.Mutex
}

// Upload sends every distinct chunk of m that k does not hold. Chunk bytes
// are read from src by offset when it supports io.ReaderAt and by a single
// sequential pass otherwise. It returns once every chunk is acknowledged or
// the first chunk fails for good; on failure the other uploads are canceled.
func (e *Engine) Upload(ctx context.Context, m *manifest.Manifest, src manifest.Source, k diff.Knowledge) (stats Stats, err error) {
	var needed []manifest.Entry
	for _, entry := range m.Distinct() {
		if k.Has(entry.Digest) {
			stats.ChunksSkipped++
			stats.BytesSkipped += entry.Size
			continue
		}
		needed = append(needed, entry)
	}
	digests := make([]digest.Digest, len(needed))
	for i, entry := range needed {
		digests[i] = entry.Digest
	}

	u := &upload{
		Engine:  e,
		m:       m,
		session: NewSession(m.ID, digests),
	}
	stats.Session = u.session
	defer func() {
		stats.ChunksUploaded = int(u.uploaded.Load())
		stats.BytesUploaded = u.bytes.Load()
		stats.Attempts = u.attempts.Load()
		stats.Retries = u.retries.Load()
	}()

	if len(needed) == 0 {
		log.G(ctx).WithField("artifact", m.ID).Debug("remote holds every chunk, nothing to upload")
		return stats, nil
	}
	log.G(ctx).WithField("artifact", m.ID).
		WithField("session", u.session.ID).
		WithField("chunks", len(needed)).
		Debug("uploading chunks")

	rc, err := src.Open()
	if err != nil {
		return stats, fmt.Errorf("opening %s: %w", m.ID, errdefs.LocalRead(err))
	}
	defer rc.Close()

	return stats, u.run(ctx, rc, needed)
}

func (u *upload) run(ctx context.Context, rc io.ReadCloser, needed []manifest.Entry) error {
	eg, egCtx := errgroup.WithContext(ctx)
	ra, seekable := rc.(io.ReaderAt)

	var (
		pos     int64
		loopErr error
	)
	for _, entry := range needed {
		if err := egCtx.Err(); err != nil {
			loopErr = err
			break
		}
		var load func() ([]byte, error)
		if seekable {
			load = func() ([]byte, error) {
				return readSection(ra, entry)
			}
		} else {
			// Distinct entries are in byte order, so one forward pass
			// visits all of them.
			data, err := readNext(rc, &pos, entry)
			if err != nil {
				// Cancel the uploads already running.
				eg.Go(func() error { return err })
				break
			}
			load = func() ([]byte, error) { return data, nil }
		}

		release, err := u.budget.Acquire(egCtx)
		if err != nil {
			loopErr = err
			break
		}
		eg.Go(func() error {
			defer release()
			return u.uploadChunk(egCtx, entry, load)
		})
	}

	err := eg.Wait()
	if err == nil {
		err = loopErr
	}
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}
	return fmt.Errorf("uploading %s: %w", u.m.ID, err)
}

func readSection(ra io.ReaderAt, entry manifest.Entry) ([]byte, error) {
	data := make([]byte, entry.Size)
	if _, err := io.ReadFull(io.NewSectionReader(ra, entry.Offset, entry.Size), data); err != nil {
		return nil, errdefs.LocalRead(fmt.Errorf("reading chunk at offset %d: %w", entry.Offset, err))
	}
	return data, nil
}

func readNext(r io.Reader, pos *int64, entry manifest.Entry) ([]byte, error) {
	if gap := entry.Offset - *pos; gap > 0 {
		if _, err := io.CopyN(io.Discard, r, gap); err != nil {
			return nil, errdefs.LocalRead(fmt.Errorf("skipping to offset %d: %w", entry.Offset, err))
		}
	}
	data := make([]byte, entry.Size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errdefs.LocalRead(fmt.Errorf("reading chunk at offset %d: %w", entry.Offset, err))
	}
	*pos = entry.Offset + entry.Size
	return data, nil
}

// retryable reports whether a failed chunk upload is worth another attempt.
// Anything that is not known to be fatal is retried, including unexpected
// response statuses.
func retryable(err error) bool {
	switch errdefs.KindOf(err) {
	case errdefs.KindUnauthorized, errdefs.KindGone, errdefs.KindLocalRead,
		errdefs.KindConcurrencyLimitExceeded, errdefs.KindCanceled,
		errdefs.KindRemoteVerificationFailed:
		return false
	}
	return true
}

func (u *upload) uploadChunk(ctx context.Context, entry manifest.Entry, load func() ([]byte, error)) error {
	d := entry.Digest
	if !u.session.transition(d, StatePending, StateInFlight) {
		return nil
	}
	fail := func(err error) error {
		u.session.transition(d, StateInFlight, StateFailed)
		return err
	}

	data, err := load()
	if err != nil {
		return fail(err)
	}
	if actual := digest.FromBytes(data); actual != d {
		return fail(errdefs.LocalRead(fmt.Errorf("chunk at offset %d changed since the manifest was built: %w",
			entry.Offset, &errdefs.DigestMismatchError{Expected: d, Actual: actual})))
	}

	var lastErr error
	attempt := 0
	for attempt < u.maxAttempts {
		if attempt > 0 {
			u.retries.Add(1)
			u.budget.RecordRetry()
			wait := httputil.Backoff(u.minWait, u.maxWait, attempt-1)
			log.G(ctx).WithError(lastErr).
				WithField("digest", d).
				WithField("attempt", attempt+1).
				WithField("wait", wait).
				Debug("retrying chunk upload")
			if err := httputil.Sleep(ctx, wait); err != nil {
				return fail(fmt.Errorf("chunk %s: %w", d, err))
			}
		}
		attempt++

		if err := u.pace(ctx, len(data)); err != nil {
			return fail(fmt.Errorf("chunk %s: %w", d, err))
		}
		u.attempts.Add(1)
		u.budget.RecordAttempt()
		ack, err := u.remote.PutChunk(ctx, d, data)
		if err == nil && ack.Digest != d {
			err = &errdefs.DigestMismatchError{Expected: d, Actual: ack.Digest}
		}
		if err == nil {
			u.acknowledge(ctx, entry, ack)
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return fail(fmt.Errorf("chunk %s: %w", d, ctx.Err()))
		}
		if !retryable(err) {
			break
		}
	}
	log.G(ctx).WithError(lastErr).WithField("digest", d).WithField("attempts", attempt).Warn("giving up on chunk")
	return fail(fmt.Errorf("chunk %s: giving up after %d attempt(s): %w", d, attempt, lastErr))
}

// pace waits until the limiter allows n more bytes. Requests above the burst
// size are split.
func (u *upload) pace(ctx context.Context, n int) error {
	if u.limiter == nil {
		return nil
	}
	for n > 0 {
		step := min(n, u.limiter.Burst())
		if err := u.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

func (u *upload) acknowledge(ctx context.Context, entry manifest.Entry, ack remote.Ack) {
	if !u.session.transition(entry.Digest, StateInFlight, StateAcknowledged) {
		return
	}
	acked := u.uploaded.Add(1)
	sent := u.bytes.Add(entry.Size)
	log.G(ctx).WithField("digest", entry.Digest).WithField("status", ack.Status).Trace("chunk acknowledged")

	if u.progress == nil {
		return
	}
	u.progressMu.Lock()
	defer u.progressMu.Unlock()
	u.progress(Progress{
		Artifact:     u.m.ID,
		Digest:       entry.Digest,
		Size:         entry.Size,
		Acknowledged: int(acked),
		Total:        u.session.Len(),
		BytesSent:    sent,
	})
}
