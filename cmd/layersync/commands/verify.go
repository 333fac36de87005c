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

package commands

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/awslabs/layersync/chunker"
	"github.com/awslabs/layersync/cmd/layersync/commands/internal"
	"github.com/awslabs/layersync/journal"
	"github.com/awslabs/layersync/manifest"
	"github.com/urfave/cli/v3"
)

var VerifyCommand = &cli.Command{
	Name:      "verify",
	Usage:     "check that a build output chunks reproducibly and compare it with the last sync",
	ArgsUsage: "<image archive or file>",
	Flags:     internal.ImageFlags,
	Action: func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := internal.Config(ctx)
		if err != nil {
			return err
		}
		img, err := internal.LoadImage(ctx, cmd)
		if err != nil {
			return err
		}
		j, err := internal.OpenJournal(ctx)
		if err != nil {
			return err
		}
		defer j.Close()

		params := cfg.ChunkingConfig.Params()
		w := tabwriter.NewWriter(stdout(cmd), 4, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ARTIFACT\tDIGEST\tCHUNKS\tLAST SYNC")
		var errs []error
		for _, a := range img.Artifacts {
			m, err := verifyArtifact(ctx, a.Source, params)
			if err != nil {
				fmt.Fprintf(w, "%s\t-\t-\t%v\n", a.ID(), err)
				errs = append(errs, fmt.Errorf("%s: %w", a.ID(), err))
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", a.ID(), m.Digest, len(m.Entries), lastSync(ctx, j, m))
		}
		w.Flush()
		return errors.Join(errs...)
	},
}

// verifyArtifact chunks src and reads it a second time against the result.
func verifyArtifact(ctx context.Context, src manifest.Source, params chunker.Params) (*manifest.Manifest, error) {
	m, err := manifest.BuildFromSource(ctx, src, params)
	if err != nil {
		return nil, err
	}
	rc, err := src.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	if err := m.Verify(rc); err != nil {
		return nil, err
	}
	return m, nil
}

func lastSync(ctx context.Context, j *journal.Journal, m *manifest.Manifest) string {
	records, err := j.History(ctx, m.ID, 0)
	if err != nil || len(records) == 0 {
		return "never synced"
	}
	for _, r := range records {
		if !r.Succeeded() {
			continue
		}
		if r.Digest == m.Digest {
			return "unchanged since " + r.CreatedAt.Format(timeFormat)
		}
		return "changed since " + r.CreatedAt.Format(timeFormat)
	}
	return "no successful sync"
}
