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

// Package manifest describes an artifact as the ordered list of its chunks.
package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/awslabs/layersync/chunker"
	"github.com/awslabs/layersync/errdefs"
	"github.com/containerd/log"
	"github.com/opencontainers/go-digest"
)

var (
	ErrInvalidManifest = errors.New("invalid manifest")
	ErrSizeMismatch    = errors.New("size mismatch")
)

// Entry is one chunk of an artifact, in byte order.
type Entry struct {
	Digest digest.Digest `cbor:"1,keyasint" json:"digest"`
	Offset int64         `cbor:"2,keyasint" json:"offset"`
	Size   int64         `cbor:"3,keyasint" json:"size"`
}

// Manifest is the immutable description of one artifact. Concatenating the
// chunks named by Entries reproduces bytes whose sha256 is Digest.
type Manifest struct {
	ID      string         `cbor:"1,keyasint" json:"id"`
	Digest  digest.Digest  `cbor:"2,keyasint" json:"digest"`
	Size    int64          `cbor:"3,keyasint" json:"size"`
	Params  chunker.Params `cbor:"4,keyasint" json:"params"`
	Entries []Entry        `cbor:"5,keyasint" json:"entries"`
}

// Build chunks r and returns its manifest. The whole-content digest is
// computed while chunking so r is read exactly once.
func Build(ctx context.Context, id string, r io.Reader, p chunker.Params) (*Manifest, error) {
	digester := digest.Canonical.Digester()
	c, err := chunker.New(io.TeeReader(r, digester.Hash()), p)
	if err != nil {
		return nil, err
	}

	m := &Manifest{ID: id, Params: p}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := c.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("chunking %s: %w", id, err)
		}
		m.Entries = append(m.Entries, Entry{
			Digest: chunk.Digest,
			Offset: chunk.Offset,
			Size:   chunk.Size,
		})
	}
	m.Size = c.Offset()
	m.Digest = digester.Digest()

	log.G(ctx).WithField("artifact", id).
		WithField("digest", m.Digest).
		WithField("size", m.Size).
		WithField("chunks", len(m.Entries)).
		Debug("built manifest")
	return m, nil
}

// BuildFromSource opens src and builds its manifest.
func BuildFromSource(ctx context.Context, src Source, p chunker.Params) (*Manifest, error) {
	rc, err := src.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", src.ID, errdefs.LocalRead(err))
	}
	defer rc.Close()
	return Build(ctx, src.ID, rc, p)
}

// Digests returns the chunk digests in byte order, repeats included.
func (m *Manifest) Digests() []digest.Digest {
	out := make([]digest.Digest, len(m.Entries))
	for i, e := range m.Entries {
		out[i] = e.Digest
	}
	return out
}

// Distinct returns the first entry for every digest, in byte order. These are
// the chunks that need a physical copy on the remote.
func (m *Manifest) Distinct() []Entry {
	seen := make(map[digest.Digest]struct{}, len(m.Entries))
	out := make([]Entry, 0, len(m.Entries))
	for _, e := range m.Entries {
		if _, ok := seen[e.Digest]; ok {
			continue
		}
		seen[e.Digest] = struct{}{}
		out = append(out, e)
	}
	return out
}

// Validate checks that the entries are contiguous and add up to Size.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidManifest)
	}
	if err := m.Digest.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	var offset int64
	for i, e := range m.Entries {
		if err := e.Digest.Validate(); err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrInvalidManifest, i, err)
		}
		if e.Offset != offset {
			return fmt.Errorf("%w: entry %d starts at %d, expected %d", ErrInvalidManifest, i, e.Offset, offset)
		}
		if e.Size <= 0 {
			return fmt.Errorf("%w: entry %d has size %d", ErrInvalidManifest, i, e.Size)
		}
		offset += e.Size
	}
	if offset != m.Size {
		return fmt.Errorf("%w: entries cover %d bytes, manifest size is %d", ErrInvalidManifest, offset, m.Size)
	}
	return nil
}

// Verify reads r and checks it chunk by chunk against the manifest, then
// checks the whole-content digest.
func (m *Manifest) Verify(r io.Reader) error {
	digester := digest.Canonical.Digester()
	r = io.TeeReader(r, digester.Hash())

	var buf []byte
	for i, e := range m.Entries {
		if int64(cap(buf)) < e.Size {
			buf = make([]byte, e.Size)
		}
		buf = buf[:e.Size]
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("reading chunk %d of %s: %w", i, m.ID, errdefs.LocalRead(err))
		}
		if actual := digest.FromBytes(buf); actual != e.Digest {
			return fmt.Errorf("chunk %d of %s: %w", i, m.ID, &errdefs.DigestMismatchError{Expected: e.Digest, Actual: actual})
		}
	}
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return errdefs.LocalRead(err)
	}
	if n > 0 {
		return fmt.Errorf("%s has %d bytes past the last chunk: %w", m.ID, n, ErrSizeMismatch)
	}
	if actual := digester.Digest(); actual != m.Digest {
		return fmt.Errorf("%s: %w", m.ID, &errdefs.DigestMismatchError{Expected: m.Digest, Actual: actual})
	}
	return nil
}

// FetchFunc returns the content of one chunk.
type FetchFunc func(digest.Digest) ([]byte, error)

// Reconstruct writes the artifact to w by fetching its chunks in order. Every
// chunk and the whole content are checked against their digests.
func (m *Manifest) Reconstruct(w io.Writer, fetch FetchFunc) error {
	digester := digest.Canonical.Digester()
	w = io.MultiWriter(w, digester.Hash())
	for i, e := range m.Entries {
		data, err := fetch(e.Digest)
		if err != nil {
			return fmt.Errorf("fetching chunk %d (%s): %w", i, e.Digest, err)
		}
		if int64(len(data)) != e.Size {
			return fmt.Errorf("chunk %d (%s) is %d bytes, expected %d: %w", i, e.Digest, len(data), e.Size, ErrSizeMismatch)
		}
		if actual := digest.FromBytes(data); actual != e.Digest {
			return &errdefs.DigestMismatchError{Expected: e.Digest, Actual: actual}
		}
		if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
			return err
		}
	}
	if actual := digester.Digest(); actual != m.Digest {
		return &errdefs.DigestMismatchError{Expected: m.Digest, Actual: actual}
	}
	return nil
}
