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
	"context"
	"errors"
	"testing"

	"github.com/awslabs/layersync/chunker"
	"github.com/awslabs/layersync/config"
	"github.com/awslabs/layersync/errdefs"
	"github.com/awslabs/layersync/remote"
	"github.com/awslabs/layersync/remote/remotetest"
	"github.com/awslabs/layersync/util/testutil"
	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"
)

func testClientConfig() config.RetryableHTTPClientConfig {
	cfg := config.NewRetryableHTTPClientConfig()
	cfg.MaxRetries = 2
	cfg.MinWaitMsec = 1
	cfg.MaxWaitMsec = 5
	return cfg
}

func newHTTPRemote(t *testing.T, srv *remotetest.Server, opts ...remote.HTTPOpt) *remote.HTTP {
	t.Helper()
	h, err := remote.NewHTTP(srv.URL+"/", remotetest.DefaultToken, testClientConfig(), opts...)
	if err != nil {
		t.Fatalf("failed to create http remote: %v", err)
	}
	return h
}

func TestNewHTTPRejectsBadURLs(t *testing.T) {
	for _, u := range []string{"ftp://example.com", "://nope", "example.com"} {
		if _, err := remote.NewHTTP(u, "t", testClientConfig()); err == nil {
			t.Fatalf("expected %q to be rejected", u)
		}
	}
	if _, err := remote.NewHTTP("http://example.com", "t", testClientConfig(), remote.WithCompression("lz4")); err == nil {
		t.Fatal("expected unknown compression to be rejected")
	}
}

func TestHTTPRoundTrip(t *testing.T) {
	for _, compression := range []string{config.CompressionNone, config.CompressionZstd} {
		t.Run(compression, func(t *testing.T) {
			ctx := context.Background()
			srv := remotetest.NewServer(t)
			h := newHTTPRemote(t, srv, remote.WithCompression(compression))

			data := testutil.NewTestRand(t).RandomArtifact(512<<10, 96<<10)
			m := uploadAll(t, h, "layer", data)

			present, err := h.Diff(ctx, m.Digests())
			if err != nil {
				t.Fatalf("diff failed: %v", err)
			}
			if len(present) != len(m.Entries) {
				t.Fatalf("expected every digest present, got %d of %d", len(present), len(m.Entries))
			}

			resp, err := h.Finalize(ctx, remote.NewFinalizeRequest(m, false))
			if err != nil {
				t.Fatalf("finalize failed: %v", err)
			}
			if _, ok := srv.Memory.Submission(resp.SubmissionID); !ok {
				t.Fatalf("server did not record submission %q", resp.SubmissionID)
			}

			encoded := srv.Encoded() > 0
			if encoded != (compression == config.CompressionZstd) {
				t.Fatalf("unexpected encoding, compression = %s, encoded uploads = %d", compression, srv.Encoded())
			}
		})
	}
}

func TestHTTPPutChunkAck(t *testing.T) {
	ctx := context.Background()
	srv := remotetest.NewServer(t)
	h := newHTTPRemote(t, srv)
	data := []byte("chunk")
	d := digest.FromBytes(data)

	ack, err := h.PutChunk(ctx, d, data)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(remote.Ack{Digest: d, Status: remote.AckStored}, ack); diff != "" {
		t.Fatalf("unexpected ack (-want +got):\n%s", diff)
	}
	ack, err = h.PutChunk(ctx, d, data)
	if err != nil {
		t.Fatal(err)
	}
	if ack.Status != remote.AckExists {
		t.Fatalf("expected second upload to report exists, got %s", ack.Status)
	}

	srv.CorruptAcks(1)
	ack, err = h.PutChunk(ctx, d, data)
	if err != nil {
		t.Fatal(err)
	}
	if ack.Digest == d {
		t.Fatal("expected the corrupted ack digest to be returned as is")
	}
}

func TestHTTPErrorKinds(t *testing.T) {
	ctx := context.Background()
	data := []byte("chunk")
	d := digest.FromBytes(data)

	t.Run("put is not retried by the client", func(t *testing.T) {
		srv := remotetest.NewServer(t)
		h := newHTTPRemote(t, srv)
		srv.FailPuts(1)
		_, err := h.PutChunk(ctx, d, data)
		if !errors.Is(err, errdefs.ErrNetwork) {
			t.Fatalf("expected a network error, got %v", err)
		}
		if srv.Puts() != 1 {
			t.Fatalf("expected a single attempt, got %d", srv.Puts())
		}
	})

	t.Run("diff is retried by the client", func(t *testing.T) {
		srv := remotetest.NewServer(t)
		h := newHTTPRemote(t, srv)
		srv.FailDiffs(2)
		if _, err := h.Diff(ctx, []digest.Digest{d}); err != nil {
			t.Fatalf("expected diff to succeed after retries, got %v", err)
		}
		if srv.Diffs() != 3 {
			t.Fatalf("expected 3 attempts, got %d", srv.Diffs())
		}
	})

	t.Run("diff gives up", func(t *testing.T) {
		srv := remotetest.NewServer(t)
		h := newHTTPRemote(t, srv)
		srv.FailDiffs(10)
		_, err := h.Diff(ctx, []digest.Digest{d})
		if !errdefs.IsRetryable(err) {
			t.Fatalf("expected a retryable error, got %v", err)
		}
	})

	t.Run("unauthorized", func(t *testing.T) {
		srv := remotetest.NewServer(t)
		srv.SetToken("another-token")
		h := newHTTPRemote(t, srv)
		_, err := h.Diff(ctx, []digest.Digest{d})
		if errdefs.KindOf(err) != errdefs.KindUnauthorized {
			t.Fatalf("expected unauthorized, got %v", err)
		}
		if errdefs.IsRetryable(err) {
			t.Fatal("unauthorized must not be retryable")
		}
	})

	t.Run("token reload", func(t *testing.T) {
		srv := remotetest.NewServer(t)
		srv.SetToken("rotated")
		h, err := remote.NewHTTP(srv.URL, remotetest.DefaultToken, testClientConfig(),
			remote.WithTokenSource(func() (string, error) { return "rotated", nil }))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := h.PutChunk(ctx, d, data); err != nil {
			t.Fatalf("expected upload to succeed with the reloaded token, got %v", err)
		}
	})

	t.Run("finalize unknown chunks", func(t *testing.T) {
		srv := remotetest.NewServer(t)
		h := newHTTPRemote(t, srv)
		p := chunker.DefaultParams()
		m := uploadAll(t, h, "layer", testutil.NewTestRand(t).RandomByteData(int64(p.Max)*3))
		srv.Memory.Forget(m.Entries[1].Digest)

		_, err := h.Finalize(ctx, remote.NewFinalizeRequest(m, false))
		var verr *errdefs.RemoteVerificationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected a verification error, got %v", err)
		}
		if verr.Artifact != "layer" {
			t.Fatalf("unexpected artifact %q", verr.Artifact)
		}
		if diff := cmp.Diff([]digest.Digest{m.Entries[1].Digest}, verr.Missing); diff != "" {
			t.Fatalf("unexpected missing digests (-want +got):\n%s", diff)
		}
		if errdefs.IsRetryable(err) {
			t.Fatal("verification failures are not retried by the client")
		}
	})

	t.Run("finalize gone", func(t *testing.T) {
		srv := remotetest.NewServer(t)
		h := newHTTPRemote(t, srv)
		srv.GoneFinalizes(1)
		_, err := h.Finalize(ctx, remote.FinalizeRequest{ID: "layer", Digest: digest.FromString("")})
		if !errors.Is(err, errdefs.ErrGone) {
			t.Fatalf("expected gone, got %v", err)
		}
	})
}
