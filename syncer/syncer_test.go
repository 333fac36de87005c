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

package syncer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/awslabs/layersync/chunker"
	"github.com/awslabs/layersync/config"
	"github.com/awslabs/layersync/errdefs"
	"github.com/awslabs/layersync/internal/budget"
	"github.com/awslabs/layersync/journal"
	"github.com/awslabs/layersync/manifest"
	"github.com/awslabs/layersync/remote"
	"github.com/awslabs/layersync/remote/remotetest"
	"github.com/awslabs/layersync/transfer"
	"github.com/awslabs/layersync/util/testutil"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const tenMiB = 10 << 20

func testOptions(opts ...Option) []Option {
	return append([]Option{
		WithDiffBackoff(time.Millisecond, 2*time.Millisecond),
		WithUploadOptions(transfer.WithBackoff(time.Millisecond, 2*time.Millisecond)),
	}, opts...)
}

func reconstruct(t *testing.T, mem *remote.Memory, m *manifest.Manifest) []byte {
	t.Helper()
	var out bytes.Buffer
	err := m.Reconstruct(&out, func(d digest.Digest) ([]byte, error) {
		return mem.Fetch(context.Background(), d)
	})
	require.NoError(t, err)
	return out.Bytes()
}

func TestSyncTenMiBTwice(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	data := testutil.NewTestRand(t).RandomByteData(tenMiB)
	mem := remote.NewMemory()
	s := New(mem, testOptions(WithBudget(budget.New(8)))...)
	src := manifest.BytesSource("layer", data)

	report, err := s.Sync(ctx, []manifest.Source{src})
	require.NoError(t, err)
	res := report.Results[0]
	require.Equal(t, int64(tenMiB), res.BytesTransferred)
	require.Zero(t, res.BytesDeduplicated)
	require.NotEmpty(t, res.SubmissionID)
	require.Equal(t, data, reconstruct(t, mem, res.Manifest))

	puts := mem.Puts()
	report, err = s.Sync(ctx, []manifest.Source{src})
	require.NoError(t, err)
	res = report.Results[0]
	require.Zero(t, res.BytesTransferred)
	require.Equal(t, int64(tenMiB), res.BytesDeduplicated)
	require.Equal(t, puts, mem.Puts(), "an unchanged artifact must not upload anything")
	require.LessOrEqual(t, report.Peak, int64(8))
}

func TestSyncSmallChangeUploadsFewChunks(t *testing.T) {
	ctx := context.Background()
	rnd := testutil.NewTestRand(t)
	data := rnd.RandomByteData(4 << 20)
	mem := remote.NewMemory()
	s := New(mem, testOptions()...)

	_, err := s.Sync(ctx, []manifest.Source{manifest.BytesSource("layer", data)})
	require.NoError(t, err)

	changed := rnd.Mutate(data, len(data)/2)
	report, err := s.Sync(ctx, []manifest.Source{manifest.BytesSource("layer", changed)})
	require.NoError(t, err)
	res := report.Results[0]
	require.LessOrEqual(t, res.ChunksUploaded, 3)
	require.Less(t, res.BytesTransferred, int64(3*chunker.DefaultMaxSize+1))
	require.Equal(t, changed, reconstruct(t, mem, res.Manifest))
}

func TestSyncEmptyArtifact(t *testing.T) {
	mem := remote.NewMemory()
	report, err := New(mem, testOptions()...).Sync(context.Background(), []manifest.Source{manifest.BytesSource("empty", nil)})
	require.NoError(t, err)
	res := report.Results[0]
	require.Zero(t, res.Chunks)
	require.Equal(t, digest.FromBytes(nil), res.Digest)
	require.NotEmpty(t, res.SubmissionID)
}

func TestSyncRediffsOnceAfterVerificationFailure(t *testing.T) {
	ctx := context.Background()
	data := testutil.NewTestRand(t).RandomByteData(1 << 20)
	src := manifest.BytesSource("layer", data)
	mem := remote.NewMemory()

	_, err := New(mem, testOptions()...).Sync(ctx, []manifest.Source{src})
	require.NoError(t, err)

	m, err := manifest.BuildFromSource(ctx, src, chunker.DefaultParams())
	require.NoError(t, err)
	evicted := m.Entries[len(m.Entries)/2]

	t.Run("chunk evicted after diff", func(t *testing.T) {
		f := remotetest.NewFaulty(mem)
		f.AfterDiff = func(call int) {
			if call == 1 {
				mem.Forget(evicted.Digest)
			}
		}
		report, err := New(f, testOptions()...).Sync(ctx, []manifest.Source{src})
		require.NoError(t, err)
		res := report.Results[0]
		require.Equal(t, 1, res.Rediffs)
		require.Equal(t, 2, f.DiffCalls())
		require.Equal(t, 2, f.FinalizeCalls())
		require.Equal(t, 1, f.PutAttempts(evicted.Digest))
		require.Equal(t, evicted.Size, res.BytesTransferred)
	})

	t.Run("server names the missing chunk", func(t *testing.T) {
		f := remotetest.NewFaulty(mem)
		f.FinalizeErr = func(call int) error {
			if call == 1 {
				return &errdefs.RemoteVerificationError{Artifact: "layer", Missing: []digest.Digest{evicted.Digest}}
			}
			return nil
		}
		report, err := New(f, testOptions()...).Sync(ctx, []manifest.Source{src})
		require.NoError(t, err)
		require.Equal(t, 1, report.Results[0].Rediffs)
		require.Equal(t, 1, f.PutAttempts(evicted.Digest), "a chunk named missing is uploaded even when the diff claims it")
	})

	t.Run("persistent rejection", func(t *testing.T) {
		f := remotetest.NewFaulty(mem)
		f.FinalizeErr = func(int) error {
			return &errdefs.RemoteVerificationError{Artifact: "layer", Message: "unknown chunks"}
		}
		report, err := New(f, testOptions()...).Sync(ctx, []manifest.Source{src})
		require.ErrorIs(t, err, errdefs.ErrRemoteVerificationFailed)
		require.Equal(t, errdefs.KindRemoteVerificationFailed, report.Results[0].Kind())
		require.Equal(t, 2, f.FinalizeCalls())
	})
}

func TestSyncRecoversFromTransientFailures(t *testing.T) {
	ctx := context.Background()
	data := testutil.NewTestRand(t).RandomByteData(1 << 20)
	src := manifest.BytesSource("layer", data)

	mem := remote.NewMemory()
	f := remotetest.NewFaulty(mem)
	f.DiffErr = func(call int) error {
		if call < 3 {
			return errdefs.Network(errors.New("connection refused"))
		}
		return nil
	}
	f.PutErr = func(_ digest.Digest, attempt int) error {
		if attempt < 3 {
			return errdefs.Network(errors.New("connection reset by peer"))
		}
		return nil
	}

	b := budget.New(4)
	report, err := New(f, testOptions(WithBudget(b), WithDiffAttempts(3))...).Sync(ctx, []manifest.Source{src})
	require.NoError(t, err)
	res := report.Results[0]
	require.Equal(t, int64(len(data)), res.BytesTransferred)
	require.Equal(t, data, reconstruct(t, mem, res.Manifest))
	require.Equal(t, 3, f.DiffCalls())
	require.Positive(t, res.Retries)
	require.Equal(t, b.Retries(), res.Retries)
}

func TestSyncFatalErrors(t *testing.T) {
	ctx := context.Background()
	data := testutil.NewTestRand(t).RandomByteData(256 << 10)
	src := manifest.BytesSource("layer", data)

	t.Run("diff attempts exhausted", func(t *testing.T) {
		f := remotetest.NewFaulty(remote.NewMemory())
		f.DiffErr = func(int) error { return errdefs.Network(errors.New("connection refused")) }
		_, err := New(f, testOptions(WithDiffAttempts(2))...).Sync(ctx, []manifest.Source{src})
		require.ErrorIs(t, err, errdefs.ErrNetwork)
		require.Equal(t, 2, f.DiffCalls())
		require.Zero(t, f.FinalizeCalls())
	})

	t.Run("unauthorized is not retried", func(t *testing.T) {
		f := remotetest.NewFaulty(remote.NewMemory())
		f.DiffErr = func(int) error { return errdefs.ErrUnauthorized }
		report, err := New(f, testOptions()...).Sync(ctx, []manifest.Source{src})
		require.ErrorIs(t, err, errdefs.ErrUnauthorized)
		require.Equal(t, errdefs.KindUnauthorized, report.Results[0].Kind())
		require.Equal(t, 1, f.DiffCalls())
	})

	t.Run("chunk ceiling", func(t *testing.T) {
		f := remotetest.NewFaulty(remote.NewMemory())
		f.CorruptAck = func(digest.Digest, int) bool { return true }
		_, err := New(f, testOptions(WithUploadOptions(transfer.WithMaxAttempts(2)))...).Sync(ctx, []manifest.Source{src})
		require.ErrorIs(t, err, errdefs.ErrDigestMismatch)
		require.Zero(t, f.FinalizeCalls(), "finalize must wait for every chunk")
	})
}

func TestSyncContinuesAfterArtifactFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	rnd := testutil.NewTestRand(t)
	broken := manifest.Source{ID: "broken", Open: func() (io.ReadCloser, error) {
		return nil, errors.New("permission denied")
	}}
	sources := []manifest.Source{
		manifest.BytesSource("a", rnd.RandomByteData(512<<10)),
		broken,
		manifest.BytesSource("b", rnd.RandomByteData(512<<10)),
	}

	report, err := New(remote.NewMemory(), testOptions()...).Sync(context.Background(), sources)
	require.ErrorIs(t, err, errdefs.ErrLocalRead)
	require.Equal(t, 1, report.Failed())
	require.Len(t, report.Results, 3)
	require.True(t, report.Results[0].Succeeded())
	require.Equal(t, errdefs.KindLocalRead, report.Results[1].Kind())
	require.True(t, report.Results[2].Succeeded())
	require.Equal(t, int64(1<<20), report.BytesTransferred())
}

func TestSyncSharesBudget(t *testing.T) {
	defer goleak.VerifyNone(t)

	rnd := testutil.NewTestRand(t)
	var sources []manifest.Source
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		sources = append(sources, manifest.BytesSource(id, rnd.RandomByteData(512<<10)))
	}

	for _, limit := range []int64{1, 2, 5} {
		b := budget.New(limit)
		s := New(remote.NewMemory(), testOptions(WithBudget(b), WithMaxConcurrentArtifacts(5))...)
		report, err := s.Sync(context.Background(), sources)
		require.NoError(t, err)
		require.LessOrEqual(t, report.Peak, limit)
		require.Zero(t, b.InUse())
	}
}

func TestSyncCanceled(t *testing.T) {
	defer goleak.VerifyNone(t)

	data := testutil.NewTestRand(t).RandomByteData(1 << 20)
	tests := []struct {
		name string
		// synced uploads the artifact once before the canceled sync, so the
		// canceled sync finds every chunk already deduplicated.
		synced bool
		arm    func(f *remotetest.Faulty, cancel context.CancelFunc)
	}{
		{
			name: "before sync",
			arm: func(_ *remotetest.Faulty, cancel context.CancelFunc) {
				cancel()
			},
		},
		{
			name: "after diff",
			arm: func(f *remotetest.Faulty, cancel context.CancelFunc) {
				f.AfterDiff = func(int) { cancel() }
			},
		},
		{
			name:   "after diff with nothing to upload",
			synced: true,
			arm: func(f *remotetest.Faulty, cancel context.CancelFunc) {
				f.AfterDiff = func(int) { cancel() }
			},
		},
		{
			name: "during upload",
			arm: func(f *remotetest.Faulty, cancel context.CancelFunc) {
				f.PutErr = func(digest.Digest, int) error {
					cancel()
					return nil
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := remote.NewMemory()
			sources := []manifest.Source{
				manifest.BytesSource("a", data),
				manifest.BytesSource("b", data[:512<<10]),
			}
			if tt.synced {
				_, err := New(mem, testOptions()...).Sync(context.Background(), sources)
				require.NoError(t, err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			faulty := remotetest.NewFaulty(mem)
			tt.arm(faulty, cancel)
			b := budget.New(1)
			s := New(faulty, testOptions(WithBudget(b), WithMaxConcurrentArtifacts(1))...)

			report, err := s.Sync(ctx, sources)
			require.ErrorIs(t, err, context.Canceled)
			require.Len(t, report.Results, len(sources))
			for _, res := range report.Results {
				require.Equal(t, errdefs.KindCanceled, res.Kind(), "artifact %s: %v", res.Artifact, res.Err)
				require.Empty(t, res.SubmissionID)
			}
			require.Zero(t, b.InUse())
		})
	}
}

func TestSyncRejectsBadSources(t *testing.T) {
	s := New(remote.NewMemory())
	for _, sources := range [][]manifest.Source{
		{manifest.BytesSource("", nil)},
		{{ID: "no-open"}},
		{manifest.BytesSource("dup", nil), manifest.BytesSource("dup", nil)},
	} {
		_, err := s.Sync(context.Background(), sources)
		require.Error(t, err)
	}
}

func TestSyncDryRun(t *testing.T) {
	mem := remote.NewMemory()
	report, err := New(mem, testOptions(WithDryRun(true))...).Sync(context.Background(),
		[]manifest.Source{manifest.BytesSource("layer", []byte("dry run"))})
	require.NoError(t, err)
	require.Empty(t, report.Results[0].SubmissionID)
}

func TestSyncRecordsJournal(t *testing.T) {
	ctx := context.Background()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	data := testutil.NewTestRand(t).RandomByteData(256 << 10)
	report, err := New(remote.NewMemory(), testOptions(WithRecorder(j))...).Sync(ctx,
		[]manifest.Source{manifest.BytesSource("layer", data)})
	require.NoError(t, err)

	last, err := j.LastSubmission("layer")
	require.NoError(t, err)
	require.Equal(t, report.Results[0].SubmissionID, last)

	history, err := j.History(ctx, "layer", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, int64(len(data)), history[0].BytesTransferred)
	require.Equal(t, report.Results[0].Manifest.Digest, history[0].Manifest.Digest)
}

func TestSyncOverHTTP(t *testing.T) {
	ctx := context.Background()
	srv := remotetest.NewServer(t)
	cfg := config.NewConfig()
	cfg.MaxRetries = 1
	cfg.RetryConfig.MinWaitMsec = 1
	cfg.RetryConfig.MaxWaitMsec = 2
	cfg.SyncConfig.UploadConfig.MinWaitMsec = 1
	cfg.SyncConfig.UploadConfig.MaxWaitMsec = 2

	h, err := remote.NewHTTP(srv.URL, remotetest.DefaultToken, cfg.RetryableHTTPClientConfig,
		remote.WithCompression(config.CompressionZstd))
	require.NoError(t, err)

	rnd := testutil.NewTestRand(t)
	sources := []manifest.Source{
		manifest.BytesSource("a", rnd.RandomByteData(1<<20)),
		manifest.BytesSource("b", rnd.RandomArtifact(1<<20, 128<<10)),
	}
	srv.FailPuts(3)
	srv.CorruptAcks(1)

	report, err := New(h, FromConfig(cfg)...).Sync(ctx, sources)
	require.NoError(t, err)
	for _, res := range report.Results {
		require.True(t, res.Succeeded())
		_, ok := srv.Memory.Submission(res.SubmissionID)
		require.True(t, ok)
	}
	require.Positive(t, srv.Encoded())
}

func TestFromConfig(t *testing.T) {
	cfg := config.NewConfig()
	s := New(remote.NewMemory(), FromConfig(cfg)...)
	require.Equal(t, cfg.SyncConfig.MaxConcurrency, s.Budget().Limit())
	require.Equal(t, cfg.SyncConfig.DiffAttempts, s.diffAttempts)
	require.Equal(t, cfg.ChunkingConfig.Params(), s.params)

	cfg.SyncConfig.MaxConcurrency = -1
	require.Equal(t, int64(budget.Unlimited), New(remote.NewMemory(), FromConfig(cfg)...).Budget().Limit())
}
