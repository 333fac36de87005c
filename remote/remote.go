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

// Package remote defines the capability of the service that receives chunks
// and finalized manifests, along with its implementations.
package remote

import (
	"context"

	"github.com/awslabs/layersync/manifest"
	"github.com/opencontainers/go-digest"
)

// ChunkMediaType is the media type under which chunks are stored.
const ChunkMediaType = "application/vnd.layersync.chunk.v1"

// AckStatus is the server's account of a chunk upload.
type AckStatus string

const (
	// AckStored means the server stored the chunk.
	AckStored AckStatus = "stored"
	// AckExists means the server already held the chunk.
	AckExists AckStatus = "exists"
)

// Ack acknowledges a chunk upload. Digest is the digest of the bytes the
// server received and must equal the digest that was sent.
type Ack struct {
	Digest digest.Digest `json:"digest"`
	Status AckStatus     `json:"status"`
}

// ChunkRef is one manifest entry as submitted to the server.
type ChunkRef struct {
	Digest digest.Digest `json:"digest"`
	Size   int64         `json:"size"`
}

// FinalizeRequest commits a manifest.
type FinalizeRequest struct {
	ID     string        `json:"id"`
	Digest digest.Digest `json:"digest"`
	Size   int64         `json:"size"`
	Chunks []ChunkRef    `json:"chunks"`
	// DryRun asks the server to validate without registering.
	DryRun bool `json:"dryRun"`
}

// FinalizeResponse is returned for an accepted manifest.
type FinalizeResponse struct {
	SubmissionID string `json:"submissionId"`
}

// Remote is the service holding chunks and manifests.
//
// Diff returns the subset of digests the remote holds. PutChunk is
// idempotent. Finalize returns an error matching
// errdefs.ErrRemoteVerificationFailed when the manifest references chunks the
// remote does not hold or does not reproduce the declared digest.
type Remote interface {
	Diff(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error)
	PutChunk(ctx context.Context, d digest.Digest, data []byte) (Ack, error)
	Finalize(ctx context.Context, req FinalizeRequest) (FinalizeResponse, error)
}

// NewFinalizeRequest builds the submission for m. Chunks are listed in byte
// order, repeats included.
func NewFinalizeRequest(m *manifest.Manifest, dryRun bool) FinalizeRequest {
	chunks := make([]ChunkRef, len(m.Entries))
	for i, e := range m.Entries {
		chunks[i] = ChunkRef{Digest: e.Digest, Size: e.Size}
	}
	return FinalizeRequest{
		ID:     m.ID,
		Digest: m.Digest,
		Size:   m.Size,
		Chunks: chunks,
		DryRun: dryRun,
	}
}
