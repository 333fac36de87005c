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
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/awslabs/layersync/cmd/layersync/commands/internal"
	"github.com/awslabs/layersync/errdefs"
	"github.com/awslabs/layersync/syncer"
	"github.com/containerd/log"
	"github.com/urfave/cli/v3"
)

const (
	dryRunFlag      = "dry-run"
	compressionFlag = "compression"
	noJournalFlag   = "no-journal"
)

var SyncCommand = &cli.Command{
	Name:      "sync",
	Usage:     "sync a build output with the server",
	ArgsUsage: "<image archive or file>",
	Description: "Splits every layer of the image into content-defined chunks, asks the server which it " +
		"already holds, uploads the rest and submits one manifest per artifact.",
	Flags: append([]cli.Flag{
		&cli.BoolFlag{
			Name:  dryRunFlag,
			Usage: "ask the server to validate submissions without registering them",
		},
		&cli.StringFlag{
			Name:  compressionFlag,
			Usage: "content encoding of chunk uploads [none, zstd] (default from config)",
		},
		&cli.BoolFlag{
			Name:  noJournalFlag,
			Usage: "do not record the outcome in the local journal",
		},
	}, internal.ImageFlags...),
	Action: func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := internal.Config(ctx)
		if err != nil {
			return err
		}
		if cmd.Bool(dryRunFlag) {
			cfg.SyncConfig.DryRun = true
		}
		if c := cmd.String(compressionFlag); c != "" {
			cfg.SyncConfig.Compression = c
		}

		img, err := internal.LoadImage(ctx, cmd)
		if err != nil {
			return err
		}
		r, project, err := internal.NewRemote(ctx, cmd)
		if err != nil {
			return err
		}
		log.G(ctx).WithField("server", project.ServerURL).WithField("image", img.Name).Debug("syncing")

		opts := syncer.FromConfig(cfg)
		if !cmd.Bool(noJournalFlag) {
			j, err := internal.OpenJournal(ctx)
			if err != nil {
				return err
			}
			defer j.Close()
			opts = append(opts, syncer.WithRecorder(j))
		}

		report, syncErr := syncer.New(r, opts...).Sync(ctx, img.Sources())
		if report == nil {
			return syncErr
		}
		printReport(cmd, report, cfg.SyncConfig.DryRun)
		if hasKind(report, errdefs.KindUnauthorized) {
			fmt.Fprintln(stderr(cmd), internal.LoginHint)
		}
		if failed := report.Failed(); failed > 0 {
			return fmt.Errorf("%d of %d artifacts failed to sync", failed, len(report.Results))
		}
		return nil
	},
}

func printReport(cmd *cli.Command, report *syncer.Report, dryRun bool) {
	w := tabwriter.NewWriter(stdout(cmd), 4, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ARTIFACT\tSTATUS\tCHUNKS\tUPLOADED\tTRANSFERRED\tDEDUPLICATED\tSUBMISSION")
	for _, res := range report.Results {
		if !res.Succeeded() {
			fmt.Fprintf(w, "%s\tfailed (%s)\t%d\t%d\t%d\t%d\t%s\n",
				res.Artifact, res.Kind(), res.Chunks, res.ChunksUploaded, res.BytesTransferred, res.BytesDeduplicated, res.Err)
			continue
		}
		status := "synced"
		if dryRun {
			status = "validated"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			res.Artifact, status, res.Chunks, res.ChunksUploaded, res.BytesTransferred, res.BytesDeduplicated, res.SubmissionID)
	}
	w.Flush()
	fmt.Fprintf(stdout(cmd), "%d artifacts, %d failed, %d bytes transferred, %d bytes deduplicated in %s\n",
		len(report.Results), report.Failed(), report.BytesTransferred(), report.BytesDeduplicated(), report.Duration.Round(time.Millisecond))
}

func hasKind(report *syncer.Report, kind errdefs.Kind) bool {
	for i := range report.Results {
		if report.Results[i].Kind() == kind {
			return true
		}
	}
	return false
}
