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

// Package diff asks the remote which chunks it already holds.
//
// The answer is advisory. A chunk reported present is skipped by the upload
// step and checked again when the manifest is finalized; a chunk reported
// absent is uploaded.
package diff

import (
	"context"
	"fmt"

	"github.com/awslabs/layersync/errdefs"
	"github.com/awslabs/layersync/remote"
	"github.com/containerd/log"
	"github.com/opencontainers/go-digest"
)

// DefaultMaxBatch is the default number of digests sent per request.
const DefaultMaxBatch = 1024

// Knowledge is the set of digests the remote reported as held.
type Knowledge map[digest.Digest]struct{}

// Has reports whether the remote claimed to hold d.
func (k Knowledge) Has(d digest.Digest) bool {
	_, ok := k[d]
	return ok
}

// Len returns the number of digests held.
func (k Knowledge) Len() int {
	return len(k)
}

// Forget drops d, so the next upload treats it as absent.
func (k Knowledge) Forget(d digest.Digest) {
	delete(k, d)
}

// Client queries a remote in bounded batches.
type Client struct {
	remote   remote.Remote
	maxBatch int
}

// Option configures a Client.
type Option func(*Client)

// WithMaxBatch bounds the digests per request. Values below one are ignored.
func WithMaxBatch(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBatch = n
		}
	}
}

// New returns a Client for r.
func New(r remote.Remote, opts ...Option) *Client {
	c := &Client{
		remote:   r,
		maxBatch: DefaultMaxBatch,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Query asks the remote about digests. Duplicates are sent once. A failed
// batch fails the whole query with a network error unless the failure
// already carries a kind.
func (c *Client) Query(ctx context.Context, digests []digest.Digest) (Knowledge, error) {
	unique := dedup(digests)
	asked := make(map[digest.Digest]struct{}, len(unique))
	for _, d := range unique {
		asked[d] = struct{}{}
	}

	k := make(Knowledge)
	for start := 0; start < len(unique); start += c.maxBatch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+c.maxBatch, len(unique))
		present, err := c.remote.Diff(ctx, unique[start:end])
		if err != nil {
			return nil, fmt.Errorf("diff of %d digests: %w", end-start, errdefs.Network(err))
		}
		for _, d := range present {
			if _, ok := asked[d]; !ok {
				log.G(ctx).WithField("digest", d).Debug("ignoring digest the remote was not asked about")
				continue
			}
			k[d] = struct{}{}
		}
	}
	log.G(ctx).WithField("asked", len(unique)).WithField("present", len(k)).Debug("diffed chunks against remote")
	return k, nil
}

func dedup(digests []digest.Digest) []digest.Digest {
	seen := make(map[digest.Digest]struct{}, len(digests))
	out := make([]digest.Digest, 0, len(digests))
	for _, d := range digests {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}
