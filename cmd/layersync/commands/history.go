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

	"github.com/awslabs/layersync/cmd/layersync/commands/internal"
	"github.com/awslabs/layersync/journal"
	"github.com/urfave/cli/v3"
)

const (
	limitFlag = "limit"

	timeFormat = "2006-01-02 15:04:05"
)

var HistoryCommand = &cli.Command{
	Name:      "history",
	Usage:     "list past syncs recorded in the local journal",
	ArgsUsage: "[artifact]",
	Description: "Without an argument, lists every artifact with its newest record and last submission. " +
		"With an artifact id, lists its records newest first.",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:    limitFlag,
			Aliases: []string{"n"},
			Usage:   "show at most this many records, 0 for all",
			Value:   10,
		},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		j, err := internal.OpenJournal(ctx)
		if err != nil {
			return err
		}
		defer j.Close()

		w := tabwriter.NewWriter(stdout(cmd), 4, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ARTIFACT\tRECORD\tCREATED\tSTATUS\tSIZE\tTRANSFERRED\tDEDUPLICATED\tSUBMISSION")

		if artifact := cmd.Args().First(); artifact != "" {
			records, err := j.History(ctx, artifact, int(cmd.Int(limitFlag)))
			if err != nil {
				return err
			}
			for _, r := range records {
				printRecord(w, r, r.SubmissionID)
			}
			return w.Flush()
		}

		artifacts, err := j.Artifacts()
		if err != nil {
			return err
		}
		for _, a := range artifacts {
			records, err := j.History(ctx, a, 1)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				continue
			}
			// A failed newest record still shows the submission that is live
			// on the server.
			last, err := j.LastSubmission(a)
			if err != nil && !errors.Is(err, journal.ErrNotFound) {
				return err
			}
			printRecord(w, records[0], last)
		}
		return w.Flush()
	},
}

func printRecord(w *tabwriter.Writer, r *journal.Record, submission string) {
	status := "synced"
	if !r.Succeeded() {
		status = fmt.Sprintf("failed (%s)", r.ErrorKind)
	}
	if submission == "" {
		submission = "-"
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
		r.Artifact, r.ID, r.CreatedAt.Local().Format(timeFormat), status, r.Size, r.BytesTransferred, r.BytesDeduplicated, submission)
}
