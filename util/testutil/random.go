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

package testutil

import (
	"hash/fnv"
	"math/rand/v2"
	"testing"

	"github.com/opencontainers/go-digest"
)

// Seed rand source
const TestRandomSeed = 1658503010463818386

// TestRand is a struct that wraps rand/v2 Rand with helper functions.
// It is instantiated with NewTestRand, which seeds it with TestRandomSeed
// and the name of the test it is being called from.
// TestRand is NOT thread-safe; use it from the test goroutine only.
type TestRand struct {
	*rand.Rand
}

// NewTestRand returns a deterministic source seeded with the test name, so
// every test sees different data but every run of one test sees the same.
func NewTestRand(t testing.TB) *TestRand {
	h := fnv.New64a()
	h.Write([]byte(t.Name()))
	return &TestRand{
		rand.New(rand.NewPCG(TestRandomSeed, h.Sum64())),
	}
}

func (r *TestRand) Read(b []byte) {
	for i := range b {
		b[i] = byte(r.Int64())
	}
}

// RandomByteData returns a byte slice with `size` populated with random generated data
func (r *TestRand) RandomByteData(size int64) []byte {
	b := make([]byte, size)
	r.Read(b)
	return b
}

// RandomArtifact returns size bytes in which the block of blockSize random
// bytes is repeated, so content-defined chunking finds duplicate chunks.
func (r *TestRand) RandomArtifact(size, blockSize int64) []byte {
	block := r.RandomByteData(blockSize)
	b := make([]byte, 0, size)
	for int64(len(b)) < size {
		n := min(blockSize, size-int64(len(b)))
		b = append(b, block[:n]...)
	}
	return b
}

// Mutate returns a copy of b with the byte at offset flipped.
func (r *TestRand) Mutate(b []byte, offset int) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	out[offset] ^= byte(r.IntN(255) + 1)
	return out
}

// RandomDigest generates a random digest from a random sequence of bytes
func (r *TestRand) RandomDigest() digest.Digest {
	return digest.FromBytes(r.RandomByteData(10))
}
