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

package ioutils

import (
	"io"
)

// PositionTrackerReader is an io.Reader that tracks the offset of the next
// byte it will return, relative to the start of the underlying stream.
type PositionTrackerReader struct {
	r   io.Reader
	pos int64
}

// NewPositionTrackerReader creates a PositionTrackerReader starting at
// offset zero.
func NewPositionTrackerReader(r io.Reader) *PositionTrackerReader {
	return &PositionTrackerReader{r: r}
}

// Read reads from the underlying reader and advances the position by the
// number of bytes read, even on error.
func (p *PositionTrackerReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.pos += int64(n)
	return n, err
}

// CurrentPos is the offset of the next byte to be read.
func (p *PositionTrackerReader) CurrentPos() int64 {
	return p.pos
}

// Span describes size bytes starting at the current position.
type Span struct {
	Offset int64
	Size   int64
}

// SpanOf returns the span of the next size bytes without reading them.
func (p *PositionTrackerReader) SpanOf(size int64) Span {
	return Span{Offset: p.pos, Size: size}
}

// Section returns a reader over span within ra.
func (s Span) Section(ra io.ReaderAt) *io.SectionReader {
	return io.NewSectionReader(ra, s.Offset, s.Size)
}
