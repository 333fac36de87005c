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

package remotetest

import (
	"context"
	"sync"

	"github.com/awslabs/layersync/remote"
	"github.com/opencontainers/go-digest"
)

// Faulty wraps a Remote and injects failures. The hooks receive the 1-based
// call count (per digest for PutChunk) and may be nil.
type Faulty struct {
	remote.Remote

	// DiffErr fails a Diff call when it returns an error.
	DiffErr func(call int) error
	// AfterDiff runs after every successful Diff call.
	AfterDiff func(call int)
	// PutErr fails a PutChunk call before it reaches the remote.
	PutErr func(d digest.Digest, attempt int) error
	// CorruptAck replaces the acknowledged digest when it returns true.
	CorruptAck func(d digest.Digest, attempt int) bool
	// FinalizeErr fails a Finalize call when it returns an error.
	FinalizeErr func(call int) error

	mu            sync.Mutex
	diffCalls     int
	finalizeCalls int
	putAttempts   map[digest.Digest]int
}

// NewFaulty wraps r with no faults armed.
func NewFaulty(r remote.Remote) *Faulty {
	return &Faulty{
		Remote:      r,
		putAttempts: make(map[digest.Digest]int),
	}
}

func (f *Faulty) Diff(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	f.mu.Lock()
	f.diffCalls++
	call := f.diffCalls
	f.mu.Unlock()

	if f.DiffErr != nil {
		if err := f.DiffErr(call); err != nil {
			return nil, err
		}
	}
	present, err := f.Remote.Diff(ctx, digests)
	if err == nil && f.AfterDiff != nil {
		f.AfterDiff(call)
	}
	return present, err
}

func (f *Faulty) PutChunk(ctx context.Context, d digest.Digest, data []byte) (remote.Ack, error) {
	f.mu.Lock()
	f.putAttempts[d]++
	attempt := f.putAttempts[d]
	f.mu.Unlock()

	if f.PutErr != nil {
		if err := f.PutErr(d, attempt); err != nil {
			return remote.Ack{}, err
		}
	}
	ack, err := f.Remote.PutChunk(ctx, d, data)
	if err == nil && f.CorruptAck != nil && f.CorruptAck(d, attempt) {
		ack.Digest = digest.FromString("corrupted in transit")
	}
	return ack, err
}

func (f *Faulty) Finalize(ctx context.Context, req remote.FinalizeRequest) (remote.FinalizeResponse, error) {
	f.mu.Lock()
	f.finalizeCalls++
	call := f.finalizeCalls
	f.mu.Unlock()

	if f.FinalizeErr != nil {
		if err := f.FinalizeErr(call); err != nil {
			return remote.FinalizeResponse{}, err
		}
	}
	return f.Remote.Finalize(ctx, req)
}

// PutAttempts returns how many times d was uploaded.
func (f *Faulty) PutAttempts(d digest.Digest) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.putAttempts[d]
}

// DiffCalls returns the number of Diff calls.
func (f *Faulty) DiffCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.diffCalls
}

// FinalizeCalls returns the number of Finalize calls.
func (f *Faulty) FinalizeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalizeCalls
}
