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

// Package commands implements the layersync command line.
package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	cmdcontext "github.com/awslabs/layersync/cmd/internal/context"
	"github.com/awslabs/layersync/cmd/layersync/commands/global"
	"github.com/awslabs/layersync/cmd/layersync/commands/internal"
	"github.com/awslabs/layersync/metrics"
	"github.com/awslabs/layersync/tracing"
	"github.com/awslabs/layersync/version"
	"github.com/containerd/log"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

// NewApp returns the root command.
func NewApp() *cli.Command {
	var cleanups []func() error
	return &cli.Command{
		Name:    "layersync",
		Usage:   "transfer a locally built image to the course server, sending only the chunks it lacks",
		Flags:   global.Flags,
		Version: fmt.Sprintf("%s %s", version.Version, version.Revision),
		Commands: []*cli.Command{
			SyncCommand,
			InspectCommand,
			VerifyCommand,
			HistoryCommand,
			ConfigCommand,
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if err := setupLogging(cmd); err != nil {
				return ctx, err
			}

			root := cmd.String(global.ProjectFlag)
			cfg, err := internal.LoadConfig(cmd, root)
			if err != nil {
				return ctx, err
			}
			if server := cmd.String(global.ServerFlag); server != "" {
				cfg.Server = server
			}
			if addr := cmd.String(global.MetricsAddressFlag); addr != "" {
				cfg.MetricsAddress = addr
			}
			ctx = cmdcontext.WithValue(ctx, cmdcontext.ConfigKey, cfg)
			ctx = cmdcontext.WithValue(ctx, cmdcontext.ProjectRootKey, root)

			if timeout := cmd.Duration(global.TimeoutFlag); timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				cleanups = append(cleanups, func() error { cancel(); return nil })
			}

			if disabled, err := tracing.IsDisabled(); err != nil {
				log.G(ctx).WithError(err).Warn("tracing disabled")
			} else if !disabled {
				shutdown, err := tracing.Init(ctx)
				if err != nil {
					return ctx, fmt.Errorf("failed to initialize tracing: %w", err)
				}
				cleanups = append(cleanups, func() error { return shutdown(context.Background()) })
			}

			if !cfg.NoPrometheus {
				metrics.Register()
				if cfg.MetricsAddress != "" {
					stop, err := metrics.Serve(ctx, cfg.MetricsNetwork, cfg.MetricsAddress)
					if err != nil {
						return ctx, err
					}
					cleanups = append(cleanups, stop)
				}
			}
			return ctx, nil
		},
		After: func(ctx context.Context, cmd *cli.Command) error {
			for i := len(cleanups) - 1; i >= 0; i-- {
				if err := cleanups[i](); err != nil {
					log.G(ctx).WithError(err).Warn("cleanup failed")
				}
			}
			cleanups = nil
			return nil
		},
	}
}

func setupLogging(cmd *cli.Command) error {
	level := cmd.String(global.LogLevelFlag)
	if cmd.Bool(global.DebugFlag) {
		level = "debug"
	}
	if err := log.SetLevel(level); err != nil {
		return err
	}
	if err := log.SetFormat(log.OutputFormat(cmd.String(global.LogFormatFlag))); err != nil {
		return err
	}
	logrus.SetOutput(stderr(cmd))
	return nil
}

func stdout(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func stderr(cmd *cli.Command) io.Writer {
	if w := cmd.Root().ErrWriter; w != nil {
		return w
	}
	return os.Stderr
}
