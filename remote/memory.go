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

package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/awslabs/layersync/errdefs"
	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/errdef"
)

// Memory is an in-process Remote backed by an OCI content store. It is used
// by tests, by dry runs and by the test server in remotetest.
type Memory struct {
	store *memory.Store

	mu sync.RWMutex
	// sizes indexes the store, which is keyed by full descriptors.
	sizes map[digest.Digest]int64
	// lost holds chunks that are reported absent although the store still
	// has their bytes.
	lost map[digest.Digest]struct{}
	// submissions holds finalized manifests by submission id.
	submissions map[string]FinalizeRequest

	puts          atomic.Int64
	bytesReceived atomic.Int64
}

var _ Remote = (*Memory)(nil)

// NewMemory returns an empty Memory remote.
func NewMemory() *Memory {
	return &Memory{
		store:       memory.New(),
		sizes:       make(map[digest.Digest]int64),
		lost:        make(map[digest.Digest]struct{}),
		submissions: make(map[string]FinalizeRequest),
	}
}

func chunkDescriptor(d digest.Digest, size int64) ocispec.Descriptor {
	return ocispec.Descriptor{
		MediaType: ChunkMediaType,
		Digest:    d,
		Size:      size,
	}
}

// Has reports whether the remote holds d.
func (m *Memory) Has(ctx context.Context, d digest.Digest) (bool, error) {
	m.mu.RLock()
	size, ok := m.sizes[d]
	_, lost := m.lost[d]
	m.mu.RUnlock()
	if !ok || lost {
		return false, nil
	}
	return m.store.Exists(ctx, chunkDescriptor(d, size))
}

func (m *Memory) Diff(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	var present []digest.Digest
	for _, d := range digests {
		ok, err := m.Has(ctx, d)
		if err != nil {
			return nil, err
		}
		if ok {
			present = append(present, d)
		}
	}
	return present, nil
}

// PutChunk stores data under its own digest and acknowledges that digest,
// which differs from d when the payload was damaged on the way.
func (m *Memory) PutChunk(ctx context.Context, d digest.Digest, data []byte) (Ack, error) {
	m.puts.Add(1)
	m.bytesReceived.Add(int64(len(data)))

	actual := digest.FromBytes(data)
	status := AckStored
	if ok, err := m.Has(ctx, actual); err != nil {
		return Ack{}, err
	} else if ok {
		status = AckExists
	}

	if status == AckStored {
		desc := chunkDescriptor(actual, int64(len(data)))
		if err := m.store.Push(ctx, desc, bytes.NewReader(data)); err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
			return Ack{}, fmt.Errorf("storing chunk %s: %w", actual, err)
		}
		m.mu.Lock()
		m.sizes[actual] = int64(len(data))
		delete(m.lost, actual)
		m.mu.Unlock()
	}

	log.G(ctx).WithField("digest", actual).WithField("status", status).Trace("memory remote received chunk")
	return Ack{Digest: actual, Status: status}, nil
}

// Finalize checks that every chunk is held and that their concatenation
// matches the declared size and digest.
func (m *Memory) Finalize(ctx context.Context, req FinalizeRequest) (FinalizeResponse, error) {
	var missing []digest.Digest
	seen := make(map[digest.Digest]struct{})
	for _, c := range req.Chunks {
		if _, ok := seen[c.Digest]; ok {
			continue
		}
		seen[c.Digest] = struct{}{}
		ok, err := m.Has(ctx, c.Digest)
		if err != nil {
			return FinalizeResponse{}, err
		}
		if !ok {
			missing = append(missing, c.Digest)
		}
	}
	if len(missing) > 0 {
		return FinalizeResponse{}, &errdefs.RemoteVerificationError{
			Artifact: req.ID,
			Missing:  missing,
			Message:  "unknown chunks",
		}
	}

	digester := digest.Canonical.Digester()
	var size int64
	for _, c := range req.Chunks {
		data, err := m.Fetch(ctx, c.Digest)
		if err != nil {
			return FinalizeResponse{}, err
		}
		if int64(len(data)) != c.Size {
			return FinalizeResponse{}, &errdefs.RemoteVerificationError{
				Artifact: req.ID,
				Message:  fmt.Sprintf("chunk %s is %d bytes, manifest says %d", c.Digest, len(data), c.Size),
			}
		}
		digester.Hash().Write(data)
		size += c.Size
	}
	if size != req.Size || digester.Digest() != req.Digest {
		return FinalizeResponse{}, &errdefs.RemoteVerificationError{
			Artifact: req.ID,
			Message:  fmt.Sprintf("content is %s (%d bytes), manifest says %s (%d bytes)", digester.Digest(), size, req.Digest, req.Size),
		}
	}

	if req.DryRun {
		return FinalizeResponse{}, nil
	}
	id := uuid.NewString()
	m.mu.Lock()
	m.submissions[id] = req
	m.mu.Unlock()
	return FinalizeResponse{SubmissionID: id}, nil
}

// Fetch returns the content of a held chunk.
func (m *Memory) Fetch(ctx context.Context, d digest.Digest) ([]byte, error) {
	m.mu.RLock()
	size, ok := m.sizes[d]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("chunk %s: %w", d, errdef.ErrNotFound)
	}
	rc, err := m.store.Fetch(ctx, chunkDescriptor(d, size))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Forget makes the remote report d as absent until it is uploaded again,
// as a server that evicted the chunk would.
func (m *Memory) Forget(d digest.Digest) {
	m.mu.Lock()
	m.lost[d] = struct{}{}
	m.mu.Unlock()
}

// Submission returns a finalized manifest by submission id.
func (m *Memory) Submission(id string) (FinalizeRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.submissions[id]
	return req, ok
}

// Puts returns the number of PutChunk calls received.
func (m *Memory) Puts() int64 {
	return m.puts.Load()
}

// BytesReceived returns the number of chunk bytes received.
func (m *Memory) BytesReceived() int64 {
	return m.bytesReceived.Load()
}

// Len returns the number of distinct chunks held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for d := range m.sizes {
		if _, lost := m.lost[d]; !lost {
			n++
		}
	}
	return n
}
