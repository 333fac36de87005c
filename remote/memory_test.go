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

package remote_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/awslabs/layersync/chunker"
	"github.com/awslabs/layersync/errdefs"
	"github.com/awslabs/layersync/manifest"
	"github.com/awslabs/layersync/remote"
	"github.com/awslabs/layersync/util/testutil"
	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"
)

// uploadAll stores every distinct chunk of data in r and returns the manifest.
func uploadAll(t *testing.T, r remote.Remote, id string, data []byte) *manifest.Manifest {
	t.Helper()
	ctx := context.Background()
	m, err := manifest.Build(ctx, id, bytes.NewReader(data), chunker.DefaultParams())
	if err != nil {
		t.Fatalf("failed to build manifest: %v", err)
	}
	chunks, err := chunker.Split(data, chunker.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range chunks {
		if _, err := r.PutChunk(ctx, c.Digest, c.Data); err != nil {
			t.Fatalf("failed to put chunk %s: %v", c.Digest, err)
		}
	}
	return m
}

func TestMemoryPutChunkIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	data := []byte("hello chunk")
	d := digest.FromBytes(data)

	ack, err := mem.PutChunk(ctx, d, data)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(remote.Ack{Digest: d, Status: remote.AckStored}, ack); diff != "" {
		t.Fatalf("unexpected first ack (-want +got):\n%s", diff)
	}

	ack, err = mem.PutChunk(ctx, d, data)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(remote.Ack{Digest: d, Status: remote.AckExists}, ack); diff != "" {
		t.Fatalf("unexpected second ack (-want +got):\n%s", diff)
	}
	if mem.Len() != 1 {
		t.Fatalf("expected one chunk, got %d", mem.Len())
	}
	got, err := mem.Fetch(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("stored chunk was modified by the second upload")
	}
}

func TestMemoryAcksReceivedDigest(t *testing.T) {
	mem := remote.NewMemory()
	sent := digest.FromString("what the client meant")
	ack, err := mem.PutChunk(context.Background(), sent, []byte("what arrived"))
	if err != nil {
		t.Fatal(err)
	}
	if ack.Digest != digest.FromString("what arrived") {
		t.Fatalf("expected the digest of the received bytes, got %s", ack.Digest)
	}
	if ok, _ := mem.Has(context.Background(), sent); ok {
		t.Fatal("chunk must not be stored under the claimed digest")
	}
}

func TestMemoryDiff(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	held := digest.FromString("held")
	if _, err := mem.PutChunk(ctx, held, []byte("held")); err != nil {
		t.Fatal(err)
	}
	absent := digest.FromString("absent")

	present, err := mem.Diff(ctx, []digest.Digest{absent, held})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]digest.Digest{held}, present); diff != "" {
		t.Fatalf("unexpected diff (-want +got):\n%s", diff)
	}

	mem.Forget(held)
	present, err = mem.Diff(ctx, []digest.Digest{held})
	if err != nil {
		t.Fatal(err)
	}
	if len(present) != 0 {
		t.Fatalf("forgotten chunk reported present: %v", present)
	}
	if mem.Len() != 0 {
		t.Fatalf("forgotten chunk counted, len = %d", mem.Len())
	}
}

func TestMemoryFinalize(t *testing.T) {
	ctx := context.Background()
	rnd := testutil.NewTestRand(t)
	data := rnd.RandomArtifact(1<<20, 200<<10)

	t.Run("accepted", func(t *testing.T) {
		mem := remote.NewMemory()
		m := uploadAll(t, mem, "layer", data)
		resp, err := mem.Finalize(ctx, remote.NewFinalizeRequest(m, false))
		if err != nil {
			t.Fatalf("finalize failed: %v", err)
		}
		if resp.SubmissionID == "" {
			t.Fatal("expected a submission id")
		}
		req, ok := mem.Submission(resp.SubmissionID)
		if !ok || req.Digest != m.Digest {
			t.Fatalf("submission not recorded: %+v", req)
		}

		var out bytes.Buffer
		if err := m.Reconstruct(&out, func(d digest.Digest) ([]byte, error) {
			return mem.Fetch(ctx, d)
		}); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(out.Bytes(), data) {
			t.Fatal("content reconstructed from the remote differs")
		}
	})

	t.Run("dry run", func(t *testing.T) {
		mem := remote.NewMemory()
		m := uploadAll(t, mem, "layer", data)
		resp, err := mem.Finalize(ctx, remote.NewFinalizeRequest(m, true))
		if err != nil {
			t.Fatal(err)
		}
		if resp.SubmissionID != "" {
			t.Fatalf("dry run registered submission %q", resp.SubmissionID)
		}
	})

	t.Run("missing chunk", func(t *testing.T) {
		mem := remote.NewMemory()
		m := uploadAll(t, mem, "layer", data)
		lost := m.Entries[0].Digest
		mem.Forget(lost)

		_, err := mem.Finalize(ctx, remote.NewFinalizeRequest(m, false))
		var verr *errdefs.RemoteVerificationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected a verification error, got %v", err)
		}
		if diff := cmp.Diff([]digest.Digest{lost}, verr.Missing); diff != "" {
			t.Fatalf("unexpected missing digests (-want +got):\n%s", diff)
		}
		if !errors.Is(err, errdefs.ErrRemoteVerificationFailed) {
			t.Fatal("verification error does not match its sentinel")
		}
	})

	t.Run("wrong whole digest", func(t *testing.T) {
		mem := remote.NewMemory()
		m := uploadAll(t, mem, "layer", data)
		req := remote.NewFinalizeRequest(m, false)
		req.Digest = digest.FromString("something else")

		_, err := mem.Finalize(ctx, req)
		if errdefs.KindOf(err) != errdefs.KindRemoteVerificationFailed {
			t.Fatalf("expected verification failure, got %v", err)
		}
	})
}

func TestNewFinalizeRequestKeepsOrderAndRepeats(t *testing.T) {
	rnd := testutil.NewTestRand(t)
	p := chunker.Params{Min: 1 << 10, Avg: 4 << 10, Max: 16 << 10}
	data := rnd.RandomArtifact(256<<10, 32<<10)
	m, err := manifest.Build(context.Background(), "repeats", bytes.NewReader(data), p)
	if err != nil {
		t.Fatal(err)
	}
	req := remote.NewFinalizeRequest(m, false)
	if len(req.Chunks) != len(m.Entries) {
		t.Fatalf("expected %d chunk refs, got %d", len(m.Entries), len(req.Chunks))
	}
	for i, e := range m.Entries {
		if req.Chunks[i].Digest != e.Digest || req.Chunks[i].Size != e.Size {
			t.Fatalf("chunk ref %d differs from manifest entry", i)
		}
	}
	if len(m.Distinct()) >= len(m.Entries) {
		t.Fatal("expected repeated chunks in a repeated artifact")
	}
}
