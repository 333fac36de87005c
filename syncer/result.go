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
	"errors"
	"fmt"
	"time"

	"github.com/awslabs/layersync/errdefs"
	"github.com/awslabs/layersync/manifest"
	"github.com/opencontainers/go-digest"
)

// Result is the outcome of syncing one artifact.
type Result struct {
	Artifact string
	Digest   digest.Digest
	Size     int64

	Chunks         int
	DistinctChunks int
	ChunksUploaded int

	// BytesTransferred counts the bytes of the chunks uploaded;
	// BytesDeduplicated is the rest of the artifact.
	BytesTransferred  int64
	BytesDeduplicated int64

	SubmissionID string
	Rediffs      int
	Attempts     int64
	Retries      int64
	Duration     time.Duration

	Manifest *manifest.Manifest
	Err      error
}

// Kind returns the error kind of the result, errdefs.KindNone on success.
func (r *Result) Kind() errdefs.Kind {
	return errdefs.KindOf(r.Err)
}

// Succeeded reports whether the artifact was synced.
func (r *Result) Succeeded() bool {
	return r.Err == nil
}

// Report aggregates the results of a sync.
type Report struct {
	Results  []Result
	Duration time.Duration
	// Peak is the highest number of budget slots held at once.
	Peak int64
}

// Failed returns the number of artifacts that failed.
func (r *Report) Failed() int {
	n := 0
	for i := range r.Results {
		if !r.Results[i].Succeeded() {
			n++
		}
	}
	return n
}

// BytesTransferred sums the bytes uploaded over every artifact.
func (r *Report) BytesTransferred() int64 {
	var n int64
	for i := range r.Results {
		n += r.Results[i].BytesTransferred
	}
	return n
}

// BytesDeduplicated sums the bytes that were not uploaded.
func (r *Report) BytesDeduplicated() int64 {
	var n int64
	for i := range r.Results {
		n += r.Results[i].BytesDeduplicated
	}
	return n
}

// Err joins the errors of every failed artifact, or returns nil.
func (r *Report) Err() error {
	var errs []error
	for i := range r.Results {
		if res := r.Results[i]; res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Artifact, res.Err))
		}
	}
	return errors.Join(errs...)
}
