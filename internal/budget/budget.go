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

// Package budget implements the concurrency budget shared by every task of a
// sync: artifact pipelines and chunk upload workers draw from the same pool
// of slots, so syncing many artifacts at once cannot exceed one global cap.
//
// A Budget also carries the attempt and retry counters. These and the slot
// pool are the only mutable state shared between workers. Each sync (and
// each test) creates its own Budget; there is no package level state.
package budget

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/awslabs/layersync/errdefs"
	"golang.org/x/sync/semaphore"
)

// Unlimited disables the concurrency cap.
const Unlimited int64 = 0

// ReleaseFunc returns a slot to the budget. Calling it more than once is a
// no-op.
type ReleaseFunc func()

// Budget is a weighted semaphore with accounting. A nil semaphore means the
// budget is unbounded.
type Budget struct {
	smp   *semaphore.Weighted
	limit int64

	inUse atomic.Int64
	peak  atomic.Int64

	attempts atomic.Int64
	retries  atomic.Int64
}

// New creates a budget allowing at most limit concurrent holders. A limit of
// zero or less is unbounded.
func New(limit int64) *Budget {
	b := &Budget{}
	if limit > Unlimited {
		b.limit = limit
		b.smp = semaphore.NewWeighted(limit)
	}
	return b
}

// Acquire blocks until a slot is available or ctx is done.
func (b *Budget) Acquire(ctx context.Context) (ReleaseFunc, error) {
	if b.smp != nil {
		if err := b.smp.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.lease()
}

// TryAcquire takes a slot only if one is free right now.
func (b *Budget) TryAcquire() (ReleaseFunc, bool) {
	if b.smp != nil && !b.smp.TryAcquire(1) {
		return nil, false
	}
	release, err := b.lease()
	if err != nil {
		return nil, false
	}
	return release, true
}

func (b *Budget) lease() (ReleaseFunc, error) {
	n := b.inUse.Add(1)
	if b.limit > Unlimited && n > b.limit {
		b.inUse.Add(-1)
		if b.smp != nil {
			b.smp.Release(1)
		}
		return nil, fmt.Errorf("%d holders with a limit of %d: %w", n, b.limit, errdefs.ErrConcurrencyLimitExceeded)
	}
	for {
		peak := b.peak.Load()
		if n <= peak || b.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			b.inUse.Add(-1)
			if b.smp != nil {
				b.smp.Release(1)
			}
		})
	}, nil
}

// Limit returns the configured cap, or Unlimited.
func (b *Budget) Limit() int64 {
	return b.limit
}

// InUse returns the number of slots currently held.
func (b *Budget) InUse() int64 {
	return b.inUse.Load()
}

// Peak returns the highest number of slots held at once.
func (b *Budget) Peak() int64 {
	return b.peak.Load()
}

// RecordAttempt counts one network attempt of any kind.
func (b *Budget) RecordAttempt() {
	b.attempts.Add(1)
}

// RecordRetry counts one retried attempt.
func (b *Budget) RecordRetry() {
	b.retries.Add(1)
}

// Attempts returns the number of attempts recorded so far.
func (b *Budget) Attempts() int64 {
	return b.attempts.Load()
}

// Retries returns the number of retries recorded so far.
func (b *Budget) Retries() int64 {
	return b.retries.Load()
}
