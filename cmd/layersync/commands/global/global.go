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

package global

import (
	"github.com/containerd/log"
	"github.com/urfave/cli/v3"
)

// Global flags for the layersync CLI

const (
	ProjectFlag        = "project"
	ConfigFlag         = "config"
	ServerFlag         = "server"
	TimeoutFlag        = "timeout"
	DebugFlag          = "debug"
	LogLevelFlag       = "log-level"
	LogFormatFlag      = "log-format"
	MetricsAddressFlag = "metrics-address"
)

var Flags = []cli.Flag{
	&cli.StringFlag{
		Name:    ProjectFlag,
		Aliases: []string{"C"},
		Usage:   "path to the project root holding the .test-gadget directory",
		Value:   ".",
		Sources: cli.EnvVars("LAYERSYNC_PROJECT"),
	},
	&cli.StringFlag{
		Name:  ConfigFlag,
		Usage: "path to the configuration file (default: <project>/.test-gadget/layersync.toml)",
	},
	&cli.StringFlag{
		Name:    ServerFlag,
		Usage:   "server base url, overriding the course configuration",
		Sources: cli.EnvVars("LAYERSYNC_SERVER"),
	},
	&cli.DurationFlag{
		Name:  TimeoutFlag,
		Usage: "timeout for commands",
	},
	&cli.BoolFlag{
		Name:  DebugFlag,
		Usage: "enable debug output",
	},
	&cli.StringFlag{
		Name:  LogLevelFlag,
		Usage: "set the logging level [trace, debug, info, warn, error, fatal, panic]",
		Value: "info",
	},
	&cli.StringFlag{
		Name:  LogFormatFlag,
		Usage: "set the logging format [text, json]",
		Value: string(log.TextFormat),
	},
	&cli.StringFlag{
		Name:  MetricsAddressFlag,
		Usage: "serve prometheus metrics on this address while the command runs",
	},
}
