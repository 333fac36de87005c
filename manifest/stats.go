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

package manifest

import (
	"github.com/montanaflynn/stats"
)

// Stats summarizes the chunks of a manifest.
type Stats struct {
	Chunks         int
	DistinctChunks int
	TotalBytes     int64
	UniqueBytes    int64
	// DuplicateBytes is the size of repeated chunks within this artifact,
	// which never has to be transferred.
	DuplicateBytes int64

	MeanChunkSize   float64
	MedianChunkSize float64
	P95ChunkSize    float64
	MaxChunkSize    float64
}

// Stats computes chunk statistics. Size percentiles are zero for an empty
// manifest.
func (m *Manifest) Stats() Stats {
	s := Stats{
		Chunks:     len(m.Entries),
		TotalBytes: m.Size,
	}
	for _, e := range m.Distinct() {
		s.DistinctChunks++
		s.UniqueBytes += e.Size
	}
	s.DuplicateBytes = s.TotalBytes - s.UniqueBytes
	if len(m.Entries) == 0 {
		return s
	}

	sizes := make(stats.Float64Data, len(m.Entries))
	for i, e := range m.Entries {
		sizes[i] = float64(e.Size)
	}
	// Errors are only returned for empty input, handled above.
	s.MeanChunkSize, _ = sizes.Mean()
	s.MedianChunkSize, _ = sizes.Median()
	s.P95ChunkSize, _ = sizes.Percentile(95)
	s.MaxChunkSize, _ = sizes.Max()
	return s
}
