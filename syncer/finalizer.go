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
	"context"
	"fmt"

	"github.com/awslabs/layersync/manifest"
	"github.com/awslabs/layersync/remote"
	"github.com/containerd/log"
)

// Finalizer submits manifests whose chunks have all been acknowledged.
type Finalizer struct {
	remote remote.Remote
	dryRun bool
}

// NewFinalizer returns a Finalizer for r. In a dry run the server validates
// the manifest without registering it.
func NewFinalizer(r remote.Remote, dryRun bool) *Finalizer {
	return &Finalizer{remote: r, dryRun: dryRun}
}

// Finalize submits m. A rejection for chunks the server does not hold
// matches errdefs.ErrRemoteVerificationFailed.
func (f *Finalizer) Finalize(ctx context.Context, m *manifest.Manifest) (remote.FinalizeResponse, error) {
	if err := m.Validate(); err != nil {
		return remote.FinalizeResponse{}, err
	}
	resp, err := f.remote.Finalize(ctx, remote.NewFinalizeRequest(m, f.dryRun))
	if err != nil {
		return remote.FinalizeResponse{}, fmt.Errorf("finalizing %s: %w", m.ID, err)
	}
	log.G(ctx).WithField("artifact", m.ID).
		WithField("submission", resp.SubmissionID).
		WithField("dry_run", f.dryRun).
		Info("manifest finalized")
	return resp, nil
}
