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
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/awslabs/layersync/cmd/layersync/commands/internal"
	"github.com/awslabs/layersync/image"
	"github.com/awslabs/layersync/manifest"
	"github.com/opencontainers/go-digest"
	"github.com/urfave/cli/v3"
)

const jsonFlag = "json"

// artifactInfo is the inspect output for one artifact.
type artifactInfo struct {
	ID     string         `json:"id"`
	Kind   image.Kind     `json:"kind"`
	Digest digest.Digest  `json:"digest"`
	Stats  manifest.Stats `json:"stats"`
}

var InspectCommand = &cli.Command{
	Name:      "inspect",
	Usage:     "show how a build output splits into chunks",
	ArgsUsage: "<image archive or file>",
	Flags: append([]cli.Flag{
		&cli.BoolFlag{
			Name:  jsonFlag,
			Usage: "print JSON instead of a table",
		},
	}, internal.ImageFlags...),
	Action: func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := internal.Config(ctx)
		if err != nil {
			return err
		}
		img, err := internal.LoadImage(ctx, cmd)
		if err != nil {
			return err
		}

		params := cfg.ChunkingConfig.Params()
		var infos []artifactInfo
		for _, a := range img.Artifacts {
			m, err := manifest.BuildFromSource(ctx, a.Source, params)
			if err != nil {
				return err
			}
			infos = append(infos, artifactInfo{ID: a.ID(), Kind: a.Kind, Digest: m.Digest, Stats: m.Stats()})
		}

		if cmd.Bool(jsonFlag) {
			enc := json.NewEncoder(stdout(cmd))
			enc.SetIndent("", "  ")
			return enc.Encode(infos)
		}

		w := tabwriter.NewWriter(stdout(cmd), 4, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ARTIFACT\tKIND\tSIZE\tCHUNKS\tDISTINCT\tDUPLICATE BYTES\tMEAN\tMEDIAN\tP95\tMAX")
		for _, info := range infos {
			s := info.Stats
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%.0f\t%.0f\t%.0f\t%.0f\n",
				info.ID, info.Kind, s.TotalBytes, s.Chunks, s.DistinctChunks, s.DuplicateBytes,
				s.MeanChunkSize, s.MedianChunkSize, s.P95ChunkSize, s.MaxChunkSize)
		}
		return w.Flush()
	},
}
