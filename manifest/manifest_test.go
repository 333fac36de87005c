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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/awslabs/layersync/chunker"
	"github.com/awslabs/layersync/errdefs"
	"github.com/awslabs/layersync/util/testutil"
	"github.com/google/go-cmp/cmp"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/opencontainers/go-digest"
)

var testParams = chunker.Params{Min: 1024, Avg: 4096, Max: 16384}

func TestBuild(t *testing.T) {
	r := testutil.NewTestRand(t)
	data := r.RandomByteData(1 << 20)

	m, err := Build(context.Background(), "layer0", bytes.NewReader(data), testParams)
	if err != nil {
		t.Fatal(err)
	}
	if m.Digest != digest.FromBytes(data) {
		t.Fatalf("unexpected content digest, got = %s, expected = %s", m.Digest, digest.FromBytes(data))
	}
	if m.Size != int64(len(data)) {
		t.Fatalf("unexpected size, got = %d, expected = %d", m.Size, len(data))
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("built manifest is invalid: %v", err)
	}
	if err := m.Verify(bytes.NewReader(data)); err != nil {
		t.Fatalf("manifest does not verify against its own content: %v", err)
	}
}

func TestBuildEmpty(t *testing.T) {
	m, err := Build(context.Background(), "empty", bytes.NewReader(nil), testParams)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Entries) != 0 || m.Size != 0 {
		t.Fatalf("expected an empty manifest, got %d entries of %d bytes", len(m.Entries), m.Size)
	}
	if m.Digest != digest.FromBytes(nil) {
		t.Fatalf("unexpected digest for empty content: %s", m.Digest)
	}
	if s := m.Stats(); s.Chunks != 0 || s.MeanChunkSize != 0 {
		t.Fatalf("unexpected stats for empty manifest: %+v", s)
	}
}

func TestBuildCanceled(t *testing.T) {
	r := testutil.NewTestRand(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Build(ctx, "layer0", bytes.NewReader(r.RandomByteData(64<<10)), testParams)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBuildFromSource(t *testing.T) {
	r := testutil.NewTestRand(t)
	data := r.RandomByteData(200 << 10)
	path := filepath.Join(t.TempDir(), "blob")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	fromFile, err := BuildFromSource(context.Background(), FileSource("blob", path), testParams)
	if err != nil {
		t.Fatal(err)
	}
	fromBytes, err := BuildFromSource(context.Background(), BytesSource("blob", data), testParams)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(fromBytes, fromFile); diff != "" {
		t.Fatalf("file and memory sources disagree (-bytes +file):\n%s", diff)
	}

	missing := FileSource("missing", filepath.Join(t.TempDir(), "nope"))
	if _, err := BuildFromSource(context.Background(), missing, testParams); errdefs.KindOf(err) != errdefs.KindLocalRead {
		t.Fatalf("expected a local read error, got %v", err)
	}
}

func TestSectionSource(t *testing.T) {
	r := testutil.NewTestRand(t)
	data := r.RandomByteData(64 << 10)
	path := filepath.Join(t.TempDir(), "archive")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	rc, err := SectionSource("part", path, 1000, 5000).Open()
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	if _, ok := rc.(io.ReaderAt); !ok {
		t.Fatal("section source should support ReadAt")
	}
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data[1000:6000]) {
		t.Fatal("section source returned the wrong range")
	}
}

func TestDistinct(t *testing.T) {
	r := testutil.NewTestRand(t)
	data := r.RandomArtifact(1<<20, 64<<10)

	m, err := Build(context.Background(), "repetitive", bytes.NewReader(data), testParams)
	if err != nil {
		t.Fatal(err)
	}
	distinct := m.Distinct()
	if len(distinct) >= len(m.Entries) {
		t.Fatalf("expected repeated chunks, got %d distinct of %d", len(distinct), len(m.Entries))
	}

	seen := make(map[digest.Digest]bool)
	for _, e := range distinct {
		if seen[e.Digest] {
			t.Fatalf("digest %s listed twice", e.Digest)
		}
		seen[e.Digest] = true
	}
	for _, d := range m.Digests() {
		if !seen[d] {
			t.Fatalf("digest %s missing from distinct set", d)
		}
	}

	s := m.Stats()
	if s.DistinctChunks != len(distinct) {
		t.Fatalf("unexpected distinct count in stats: %d", s.DistinctChunks)
	}
	if s.DuplicateBytes <= 0 || s.UniqueBytes+s.DuplicateBytes != m.Size {
		t.Fatalf("unexpected byte accounting: %+v", s)
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	r := testutil.NewTestRand(t)
	data := r.RandomByteData(100 << 10)
	m, err := Build(context.Background(), "layer0", bytes.NewReader(data), testParams)
	if err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		name  string
		input []byte
		check func(error) bool
	}{
		{
			name:  "flipped byte",
			input: r.Mutate(data, 5000),
			check: func(err error) bool { return errors.Is(err, errdefs.ErrDigestMismatch) },
		},
		{
			name:  "truncated",
			input: data[:len(data)-1],
			check: func(err error) bool { return errdefs.KindOf(err) == errdefs.KindLocalRead },
		},
		{
			name:  "trailing data",
			input: append(bytes.Clone(data), 0),
			check: func(err error) bool { return errors.Is(err, ErrSizeMismatch) },
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := m.Verify(bytes.NewReader(tc.input)); !tc.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestReconstruct(t *testing.T) {
	r := testutil.NewTestRand(t)
	data := r.RandomArtifact(512<<10, 48<<10)
	m, err := Build(context.Background(), "layer0", bytes.NewReader(data), testParams)
	if err != nil {
		t.Fatal(err)
	}

	chunks, err := chunker.Split(data, testParams)
	if err != nil {
		t.Fatal(err)
	}
	store := make(map[digest.Digest][]byte)
	for _, c := range chunks {
		store[c.Digest] = c.Data
	}
	fetch := func(d digest.Digest) ([]byte, error) {
		b, ok := store[d]
		if !ok {
			return nil, fmt.Errorf("chunk %s not found", d)
		}
		return b, nil
	}

	var out bytes.Buffer
	if err := m.Reconstruct(&out, fetch); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out.Bytes(), data) {
		t.Fatal("reconstruction does not match the input")
	}

	first := m.Entries[0].Digest
	store[first] = r.Mutate(store[first], 0)
	if err := m.Reconstruct(io.Discard, fetch); !errors.Is(err, errdefs.ErrDigestMismatch) {
		t.Fatalf("expected a digest mismatch for a corrupted chunk, got %v", err)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	r := testutil.NewTestRand(t)
	m, err := Build(context.Background(), "layer0", bytes.NewReader(r.RandomByteData(300<<10)), testParams)
	if err != nil {
		t.Fatal(err)
	}

	first, err := Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("encoding is not deterministic")
	}

	decoded, err := Unmarshal(first)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(m, decoded); diff != "" {
		t.Fatalf("manifest changed after decoding (-want +got):\n%s", diff)
	}
}

func TestUnmarshalRejectsInvalid(t *testing.T) {
	m := &Manifest{
		ID:     "broken",
		Digest: digest.FromString("x"),
		Size:   10,
		Entries: []Entry{
			{Digest: digest.FromString("a"), Offset: 0, Size: 4},
			{Digest: digest.FromString("b"), Offset: 5, Size: 5},
		},
	}
	data, err := Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Unmarshal(data); !errors.Is(err, ErrInvalidManifest) {
		t.Fatalf("expected ErrInvalidManifest, got %v", err)
	}
}

// TestBuildRoundTripProperty checks that for any content the manifest
// reconstructs the exact bytes and the recomputed digest matches.
func TestBuildRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	p := chunker.Params{Min: 128, Avg: 512, Max: 2048}

	properties.Property("manifest reconstructs its content", prop.ForAll(
		func(size int, seed uint64) bool {
			data := make([]byte, size)
			rng := rand.New(rand.NewPCG(seed, 7))
			for i := range data {
				data[i] = byte(rng.Uint32())
			}
			m, err := Build(context.Background(), "prop", bytes.NewReader(data), p)
			if err != nil || m.Digest != digest.FromBytes(data) {
				return false
			}
			var out bytes.Buffer
			err = m.Reconstruct(&out, func(d digest.Digest) ([]byte, error) {
				for _, e := range m.Entries {
					if e.Digest == d {
						return data[e.Offset : e.Offset+e.Size], nil
					}
				}
				return nil, fmt.Errorf("unknown chunk %s", d)
			})
			return err == nil && bytes.Equal(out.Bytes(), data)
		},
		gen.IntRange(0, 32<<10),
		gen.UInt64(),
	))

	properties.TestingRun(t)
}
