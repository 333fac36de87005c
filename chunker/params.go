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

package chunker

import (
	"errors"
	"fmt"
	"math/bits"
)

// Default chunk sizes. Changing any of them moves every chunk boundary and
// invalidates what the remote already holds.
const (
	DefaultMinSize = 16 << 10
	DefaultAvgSize = 64 << 10
	DefaultMaxSize = 256 << 10
)

// gearWindow is the number of bytes that influence the gear hash. Older bytes
// are shifted out of the 64-bit state.
const gearWindow = 64

var (
	ErrInvalidParams = errors.New("invalid chunking parameters")
)

// Params bounds the size of the chunks produced by a Chunker.
type Params struct {
	// Min is the smallest chunk that may end on a content boundary. Only the
	// final chunk of a stream may be shorter.
	Min int
	// Avg is the expected chunk size. It must be a power of two.
	Avg int
	// Max forces a boundary regardless of content.
	Max int
}

// DefaultParams returns the parameters used when none are configured.
func DefaultParams() Params {
	return Params{
		Min: DefaultMinSize,
		Avg: DefaultAvgSize,
		Max: DefaultMaxSize,
	}
}

// Validate checks that 0 < Min <= Avg <= Max and that Avg is a power of two.
func (p Params) Validate() error {
	switch {
	case p.Min <= 0:
		return fmt.Errorf("%w: min size %d must be positive", ErrInvalidParams, p.Min)
	case p.Avg < p.Min:
		return fmt.Errorf("%w: avg size %d is below min size %d", ErrInvalidParams, p.Avg, p.Min)
	case p.Max < p.Avg:
		return fmt.Errorf("%w: max size %d is below avg size %d", ErrInvalidParams, p.Max, p.Avg)
	case p.Avg&(p.Avg-1) != 0:
		return fmt.Errorf("%w: avg size %d is not a power of two", ErrInvalidParams, p.Avg)
	}
	return nil
}

// mask places log2(Avg) one-bits in the high end of the hash so that a
// boundary occurs with probability 1/Avg per byte.
func (p Params) mask() uint64 {
	shift := bits.TrailingZeros64(uint64(p.Avg))
	if shift == 0 {
		return 0
	}
	return uint64(p.Avg-1) << (64 - shift)
}

// skip is how many leading bytes of a chunk can be skipped without hashing.
// No boundary is allowed before Min and the hash only depends on the last
// gearWindow bytes, so the result is identical to hashing every byte.
func (p Params) skip() int {
	if p.Min <= gearWindow+1 {
		return 0
	}
	return p.Min - gearWindow - 1
}
