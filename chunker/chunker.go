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

// Package chunker splits a byte stream into content-defined chunks.
//
// Boundaries are found with a gear rolling hash, so inserting or changing
// bytes only moves the boundaries close to the change and the rest of the
// stream keeps the same chunks. Every chunk is addressed by its sha256
// digest.
package chunker

import (
	"errors"
	"io"

	"github.com/awslabs/layersync/errdefs"
	"github.com/opencontainers/go-digest"
)

// Chunk is a contiguous range of the input.
type Chunk struct {
	Digest digest.Digest
	Offset int64
	Size   int64

	// Data is the chunk content. For a Chunker it aliases an internal buffer
	// and is only valid until the next call to Next.
	Data []byte
}

// Chunker produces the chunks of a stream in order. Create one with New and
// call Next until it returns io.EOF.
type Chunker struct {
	r io.Reader
	p Params

	buf        []byte
	start, end int
	offset     int64
	eof        bool
	err        error
}

// New returns a Chunker reading from r.
func New(r io.Reader, p Params) (*Chunker, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{
		r: r,
		p: p,
		// One byte past Max tells a full chunk apart from a stream that ends
		// exactly at Max.
		buf: make([]byte, p.Max+1),
	}, nil
}

// Next returns the next chunk, or io.EOF once the stream is consumed. A read
// failure is returned wrapped as errdefs.ErrLocalRead and is sticky.
func (c *Chunker) Next() (Chunk, error) {
	if c.err != nil {
		return Chunk{}, c.err
	}
	if err := c.fill(); err != nil {
		c.err = err
		return Chunk{}, err
	}
	if c.start == c.end {
		c.err = io.EOF
		return Chunk{}, io.EOF
	}

	window := c.buf[c.start:c.end]
	n := findBoundary(window, c.p, c.eof)
	chunk := Chunk{
		Digest: digest.FromBytes(window[:n]),
		Offset: c.offset,
		Size:   int64(n),
		Data:   window[:n],
	}
	c.start += n
	c.offset += int64(n)
	return chunk, nil
}

// Offset returns the number of bytes consumed so far.
func (c *Chunker) Offset() int64 {
	return c.offset
}

func (c *Chunker) fill() error {
	if c.start > 0 {
		c.end = copy(c.buf, c.buf[c.start:c.end])
		c.start = 0
	}
	for !c.eof && c.end < len(c.buf) {
		n, err := c.r.Read(c.buf[c.end:])
		c.end += n
		if errors.Is(err, io.EOF) {
			c.eof = true
			break
		}
		if err != nil {
			return errdefs.LocalRead(err)
		}
	}
	return nil
}

// Split chunks an in-memory buffer. The returned chunks alias data.
func Split(data []byte, p Params) ([]Chunk, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	var (
		chunks []Chunk
		offset int
	)
	for offset < len(data) {
		n := findBoundary(data[offset:], p, true)
		chunks = append(chunks, Chunk{
			Digest: digest.FromBytes(data[offset : offset+n]),
			Offset: int64(offset),
			Size:   int64(n),
			Data:   data[offset : offset+n],
		})
		offset += n
	}
	return chunks, nil
}
